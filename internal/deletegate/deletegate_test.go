package deletegate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := New(2)
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup

	observe := func() {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func() error {
				observe()
				return nil
			})
			assert.NilError(t, err)
		}()
	}
	wg.Wait()
	assert.Check(t, maxInFlight.Load() <= 2)
}

func TestGateDefaultCapacity(t *testing.T) {
	g := New(0)
	assert.Check(t, g.sem != nil)
	assert.Check(t, g.sem.TryAcquire(DefaultCapacity))
	assert.Check(t, !g.sem.TryAcquire(1))
}

func TestGateReleasesOnError(t *testing.T) {
	g := New(1)
	err := g.Do(context.Background(), func() error { return assertErr })
	assert.ErrorIs(t, err, assertErr)
	// if Release did not run, this Acquire would block forever; give it a
	// bounded deadline instead of hanging the suite.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NilError(t, g.Acquire(ctx))
	g.Release()
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
