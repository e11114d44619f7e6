// Package deletegate bounds the number of concurrent image-delete calls
// made against the engine, so a bulk reclaim cannot exhaust the engine
// client's connection pool.
package deletegate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the default number of delete calls allowed in
// flight at once.
const DefaultCapacity = 5

// Gate is a counting semaphore guarding concurrent delete calls.
// Fairness across waiters is not required.
type Gate struct {
	sem *semaphore.Weighted
}

// New returns a Gate with the given permit capacity. A capacity <= 0
// falls back to DefaultCapacity.
func New(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{sem: semaphore.NewWeighted(capacity)}
}

// Acquire blocks until a permit is available or ctx is done. Release must
// be called exactly once per successful Acquire, on every exit path.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns the permit. Calling it without a matching Acquire
// panics (via the underlying semaphore), which is intentional: it
// signals a bug in the caller's scoping.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Do runs fn with a permit held, releasing it on every return path
// including panics propagated from fn.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}
