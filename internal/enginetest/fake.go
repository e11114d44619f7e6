// Package enginetest provides an in-memory engine.Client double for unit
// tests across the module, analogous to the Docker client's own
// newMockClient helper in client/client_mock_test.go.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cpuguy83/imagereaper/internal/engine"
)

// Fake is an in-memory implementation of engine.Client. All fields are
// guarded by mu; use the helper methods rather than touching the maps
// directly from test goroutines.
type Fake struct {
	mu         sync.Mutex
	containers map[string]engine.ContainerInfo
	images     map[string]engine.ImageInfo
	removed    []string
	events     chan engine.Event
	errs       chan error
}

// New returns an empty Fake engine.
func New() *Fake {
	return &Fake{
		containers: map[string]engine.ContainerInfo{},
		images:     map[string]engine.ImageInfo{},
		events:     make(chan engine.Event, 64),
		errs:       make(chan error, 1),
	}
}

// AddImage registers an image as if the engine already knew about it.
func (f *Fake) AddImage(info engine.ImageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[info.ID] = info
}

// AddContainer registers a container as if the engine already knew about it.
func (f *Fake) AddContainer(info engine.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = info
}

// RemoveImageState simulates the engine losing an image out of band (e.g.
// rmi --force racing with this daemon).
func (f *Fake) RemoveImageState(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, id)
}

// Emit pushes an event onto the stream consumed by Events.
func (f *Fake) Emit(ev engine.Event) {
	f.events <- ev
}

// Removed returns the sequence of names RemoveImage accepted, in order;
// calls that failed with ErrNotFound are not recorded.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func (f *Fake) ListContainers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Fake) ListImages(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.images))
	for id := range f.images {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Fake) InspectContainer(ctx context.Context, ref string) (engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return engine.ContainerInfo{}, fmt.Errorf("container %s: %w", ref, engine.ErrNotFound)
	}
	return c, nil
}

func (f *Fake) InspectImage(ctx context.Context, ref string) (engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	im, ok := f.images[ref]
	if !ok {
		return engine.ImageInfo{}, fmt.Errorf("image %s: %w", ref, engine.ErrNotFound)
	}
	return im, nil
}

func (f *Fake) RemoveImage(ctx context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for id, im := range f.images {
		if id == nameOrID {
			found = true
			break
		}
		for _, tag := range im.Tags {
			if tag == nameOrID {
				found = true
				break
			}
		}
	}
	if !found {
		return fmt.Errorf("image %s: %w", nameOrID, engine.ErrNotFound)
	}
	f.removed = append(f.removed, nameOrID)
	return nil
}

func (f *Fake) Events(ctx context.Context) (<-chan engine.Event, <-chan error) {
	out := make(chan engine.Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(outErr)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-f.errs:
				if err != nil {
					outErr <- err
				}
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}
