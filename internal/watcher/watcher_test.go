package watcher

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/cpuguy83/imagereaper/internal/container"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/enginetest"
	"github.com/cpuguy83/imagereaper/internal/image"
)

// fakeImages records calls instead of driving the real image package, so
// these tests exercise only the dispatch table, not image scheduling.
type fakeImages struct {
	refreshed []string
	popped    []string
	refreshFn func(id string) error
}

func (f *fakeImages) Refresh(ctx context.Context, id string) error {
	f.refreshed = append(f.refreshed, id)
	if f.refreshFn != nil {
		return f.refreshFn(id)
	}
	return nil
}

func (f *fakeImages) Pop(ctx context.Context, key string) (*image.Image, bool) {
	f.popped = append(f.popped, key)
	return nil, true
}

type fakeContainers struct {
	added  []string
	popped []string
}

func (f *fakeContainers) Add(ctx context.Context, key string) error {
	f.added = append(f.added, key)
	return nil
}

func (f *fakeContainers) Pop(ctx context.Context, key string) (*container.Container, bool) {
	f.popped = append(f.popped, key)
	return nil, true
}

func TestDispatchTagRefreshesImage(t *testing.T) {
	images := &fakeImages{}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: engine.ActionTag, Type: engine.TypeImage, ID: "img1"})
	assert.Check(t, is.DeepEqual(images.refreshed, []string{"img1"}))
}

func TestDispatchUntagPopsOnNotFound(t *testing.T) {
	images := &fakeImages{refreshFn: func(id string) error { return engine.ErrNotFound }}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: engine.ActionUntag, Type: engine.TypeImage, ID: "img1"})
	assert.Check(t, is.DeepEqual(images.refreshed, []string{"img1"}))
	assert.Check(t, is.DeepEqual(images.popped, []string{"img1"}))
}

func TestDispatchDeletePopsImage(t *testing.T) {
	images := &fakeImages{}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: engine.ActionDelete, Type: engine.TypeImage, ID: "img1"})
	assert.Check(t, is.DeepEqual(images.popped, []string{"img1"}))
}

func TestDispatchCreateAddsContainer(t *testing.T) {
	images := &fakeImages{}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: engine.ActionCreate, Type: engine.TypeContainer, ID: "c1"})
	assert.Check(t, is.DeepEqual(containers.added, []string{"c1"}))
}

func TestDispatchDestroyPopsContainer(t *testing.T) {
	images := &fakeImages{}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: engine.ActionDestroy, Type: engine.TypeContainer, ID: "c1"})
	assert.Check(t, is.DeepEqual(containers.popped, []string{"c1"}))
}

func TestDispatchUnrecognizedActionIsNoop(t *testing.T) {
	images := &fakeImages{}
	containers := &fakeContainers{}
	w := New(enginetest.New(), images, containers)

	w.dispatch(context.Background(), engine.Event{Action: "pause", Type: engine.TypeContainer, ID: "c1"})
	assert.Check(t, is.Len(images.refreshed, 0))
	assert.Check(t, is.Len(containers.added, 0))
	assert.Check(t, is.Len(containers.popped, 0))
}

// panicContainers simulates a handler that panics, to prove the
// consumer loop survives it.
type panicContainers struct{ fakeContainers }

func (p *panicContainers) Add(ctx context.Context, key string) error {
	panic("boom")
}

func TestRunSurvivesHandlerPanic(t *testing.T) {
	fake := enginetest.New()
	images := &fakeImages{}
	containers := &panicContainers{}
	w := New(fake, images, containers)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fake.Emit(engine.Event{Action: engine.ActionCreate, Type: engine.TypeContainer, ID: "c1"})
	fake.Emit(engine.Event{Action: engine.ActionDestroy, Type: engine.TypeContainer, ID: "c1"})

	select {
	case err := <-done:
		assert.Check(t, is.ErrorIs(err, context.DeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation; handler panic likely killed the loop")
	}
	assert.Check(t, is.DeepEqual(containers.popped, []string{"c1"}))
}
