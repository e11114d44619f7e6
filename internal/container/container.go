// Package container implements the Container entity and its registry
// (spec.md §4.D, §4.G): an immutable (id, name, image-id) record, and a
// Sync Registry specialization that forwards add/remove to the
// container's image.
package container

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/registry"
)

// Container is an immutable record of one container's identity and the
// image it runs. Identity is by ID.
type Container struct {
	ID      string
	Name    string
	ImageID string
}

func (c *Container) String() string {
	return fmt.Sprintf("Container<id: %s, name: %s>", c.ID, c.Name)
}

// ImageRefs is the subset of the image registry a Container Registry
// needs: notification that a container now references (or no longer
// references) an image. Defined here, on the consumer side, so this
// package never imports internal/image.
type ImageRefs interface {
	AddContainer(ctx context.Context, imageID, containerID string) error
	RemoveContainer(ctx context.Context, imageID, containerID string) error
}

// Registry is the Container Registry: a Sync Registry over *Container
// that, on add, links the new container to its image, and on pop,
// unlinks it.
type Registry struct {
	reg    *registry.Registry[*Container]
	client engine.Client
	images ImageRefs
}

// New builds a Container Registry backed by client, forwarding
// add/remove notifications to images.
func New(client engine.Client, images ImageRefs) *Registry {
	r := &Registry{client: client, images: images}
	r.reg = registry.New(registry.Deps[*Container]{
		ResolveID:   r.resolveID,
		Instantiate: r.instantiate,
		ListIDs:     client.ListContainers,
	})
	return r
}

func (r *Registry) resolveID(ctx context.Context, key string) (string, error) {
	info, err := r.client.InspectContainer(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, registry.ErrAbsent)
	}
	return info.ID, nil
}

func (r *Registry) instantiate(ctx context.Context, id string) (*Container, error) {
	info, err := r.client.InspectContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("instantiating container %s: %w", id, err)
	}
	return &Container{ID: info.ID, Name: info.Name, ImageID: info.ImageID}, nil
}

// InitialSync enumerates every container id known to the engine and adds
// each, linking it to its image. Unlike the generic registry's own
// InitialSync, this goes through Registry.Add so the image-linking side
// effect runs for every container discovered at startup, not just ones
// that arrive later via "create" events.
func (r *Registry) InitialSync(ctx context.Context) error {
	ids, err := r.client.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, id := range ids {
		if err := r.Add(ctx, id); err != nil {
			log.G(ctx).WithField("container", id).WithError(err).Error("failed to sync container")
		}
	}
	return nil
}

// Add instantiates (if needed) the container for key and links it to its
// image. A container whose image the engine can no longer find (a
// force-removed image racing with container creation) is logged and
// tolerated, matching spec.md §4.G.
func (r *Registry) Add(ctx context.Context, key string) error {
	c, err := r.reg.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := r.images.AddContainer(ctx, c.ImageID, c.ID); err != nil {
		log.G(ctx).WithField("container", c.ID).WithField("image", c.ImageID).
			WithError(err).Error("container is running on an image that could not be found")
	}
	return nil
}

// Pop removes the container for key, unlinking it from its image. ok is
// false if key cannot be resolved, matching the engine's own idempotent
// destroy semantics.
func (r *Registry) Pop(ctx context.Context, key string) (c *Container, ok bool) {
	c, ok = r.reg.Pop(ctx, key)
	if !ok {
		return nil, false
	}
	if err := r.images.RemoveContainer(ctx, c.ImageID, c.ID); err != nil {
		log.G(ctx).WithField("container", c.ID).WithField("image", c.ImageID).
			WithError(err).Error("container was running on an image that could not be found")
	}
	return c, true
}

// Range calls fn for every container currently stored.
func (r *Registry) Range(fn func(id string, c *Container)) {
	r.reg.Range(fn)
}

// Len returns the number of containers currently stored.
func (r *Registry) Len() int {
	return r.reg.Len()
}
