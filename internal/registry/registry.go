// Package registry implements the alias/id-addressed Sync Registry
// described in spec.md §4.C: a map keyed by engine-authoritative id that
// lazily instantiates entries on miss and accepts any alias (tag, short
// id) as a lookup key by round-tripping through engine inspection.
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrAbsent is returned (or signalled via the bool return on Pop)
// when a key cannot be resolved to any entry, including the case where
// the underlying engine itself reports the referenced object does not
// exist.
var ErrAbsent = errors.New("registry: absent")

// ErrExists is returned by Set when the resolved id already has an
// entry; the registry never silently overwrites.
var ErrExists = errors.New("registry: entry already exists")

// Deps supplies the behavior a Registry needs from its entity type:
// resolving any key to the engine's canonical id, constructing a fresh
// entry for an id, and listing every id the engine currently knows
// about (for initial sync).
type Deps[T any] struct {
	// ResolveID maps any key (a direct id, a short id, a tag/name) to
	// the engine's canonical id for that object. It must return an
	// error satisfying errors.Is(err, registry.ErrAbsent) when the
	// object does not exist. Registry does not inspect the error kind:
	// Get and Set return it as is, and Pop treats any error as absent.
	ResolveID func(ctx context.Context, key string) (string, error)
	// Instantiate builds a fresh entry for a canonical id already
	// confirmed to exist.
	Instantiate func(ctx context.Context, id string) (T, error)
	// ListIDs enumerates every id currently known to the engine, used
	// once at construction by InitialSync.
	ListIDs func(ctx context.Context) ([]string, error)
	// OnPop, if set, runs synchronously after an entry is removed by
	// Pop or Delete, outside the registry's lock.
	OnPop func(T)
}

type inflight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Registry is a concurrency-safe, lazily-populated, alias-resolving map
// from engine id to entity. The zero value is not usable; build one with
// New.
type Registry[T any] struct {
	deps Deps[T]

	mu      sync.Mutex
	items   map[string]T
	pending map[string]*inflight[T]
}

// New builds an empty Registry. Call InitialSync to seed it from the
// engine's current state.
func New[T any](deps Deps[T]) *Registry[T] {
	return &Registry[T]{
		deps:    deps,
		items:   map[string]T{},
		pending: map[string]*inflight[T]{},
	}
}

// Get returns the entry for key, instantiating it on first reference.
// At most one instantiation wins when several callers miss on the same
// id concurrently (spec.md §4.C tie-break); the rest observe the
// winner's entry. Returns ErrAbsent-wrapping errors when the engine
// itself does not know about key.
func (r *Registry[T]) Get(ctx context.Context, key string) (T, error) {
	r.mu.Lock()
	if v, ok := r.items[key]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	id, err := r.deps.ResolveID(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}

	r.mu.Lock()
	if v, ok := r.items[id]; ok {
		r.mu.Unlock()
		return v, nil
	}
	if fut, ok := r.pending[id]; ok {
		r.mu.Unlock()
		<-fut.done
		return fut.val, fut.err
	}
	fut := &inflight[T]{done: make(chan struct{})}
	r.pending[id] = fut
	r.mu.Unlock()

	val, err := r.deps.Instantiate(ctx, id)
	fut.val, fut.err = val, err

	r.mu.Lock()
	if err == nil {
		r.items[id] = val
	}
	delete(r.pending, id)
	r.mu.Unlock()
	close(fut.done)

	return val, err
}

// Add ensures an entry exists for key; it is a no-op if one already
// does. Errors propagate engine lookup failures (including ErrAbsent).
func (r *Registry[T]) Add(ctx context.Context, key string) error {
	_, err := r.Get(ctx, key)
	return err
}

// Pop removes and returns the entry for key. ok is false if key cannot
// be resolved to any stored entry, including after alias resolution;
// that is not an error, matching the engine's own idempotent delete
// semantics.
func (r *Registry[T]) Pop(ctx context.Context, key string) (entry T, ok bool) {
	r.mu.Lock()
	if v, found := r.items[key]; found {
		delete(r.items, key)
		r.mu.Unlock()
		if r.deps.OnPop != nil {
			r.deps.OnPop(v)
		}
		return v, true
	}
	r.mu.Unlock()

	id, err := r.deps.ResolveID(ctx, key)
	if err != nil {
		var zero T
		return zero, false
	}

	r.mu.Lock()
	v, found := r.items[id]
	if found {
		delete(r.items, id)
	}
	r.mu.Unlock()
	if found && r.deps.OnPop != nil {
		r.deps.OnPop(v)
	}
	return v, found
}

// Delete removes the entry for key if present; tolerant of an absent
// key, matching the engine's own event semantics (a "destroy"/"delete"
// event may legitimately arrive for something already gone locally).
func (r *Registry[T]) Delete(ctx context.Context, key string) {
	r.Pop(ctx, key)
}

// Set stores value under the engine id resolved from key. It refuses to
// silently overwrite: ErrExists if that id already has an entry.
func (r *Registry[T]) Set(ctx context.Context, key string, value T) error {
	id, err := r.deps.ResolveID(ctx, key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return ErrExists
	}
	r.items[id] = value
	return nil
}

// InitialSync enumerates every id the engine currently knows about and
// Adds each. onErr, if non-nil, is called for any single id's failure;
// InitialSync otherwise continues populating the rest.
func (r *Registry[T]) InitialSync(ctx context.Context, onErr func(id string, err error)) error {
	ids, err := r.deps.ListIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Add(ctx, id); err != nil && onErr != nil {
			onErr(id, err)
		}
	}
	return nil
}

// Peek returns the entry stored under id, if any, without touching the
// engine: no alias resolution and no lazy instantiation. Used when a
// caller must distinguish "not currently tracked" from "would exist if
// looked up," e.g. an image's parent that may itself already be gone.
func (r *Registry[T]) Peek(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	return v, ok
}

// Range calls fn for every entry currently stored, in no particular
// order. fn must not call back into the Registry's mutating methods.
func (r *Registry[T]) Range(fn func(id string, entry T)) {
	r.mu.Lock()
	snapshot := make(map[string]T, len(r.items))
	for k, v := range r.items {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// Len returns the number of entries currently stored.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
