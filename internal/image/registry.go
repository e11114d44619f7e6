package image

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/cpuguy83/imagereaper/internal/deletegate"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/grace"
	"github.com/cpuguy83/imagereaper/internal/registry"
)

// Registry is the Image Registry (spec.md §4.F): a Sync Registry
// specialization over Image that cascades parent-deletion callbacks
// through Image.onDeleted.
type Registry struct {
	ctx    context.Context
	client engine.Client
	policy *grace.Policy
	gate   *deletegate.Gate
	reg    *registry.Registry[*Image]
}

// NewRegistry builds an Image Registry. ctx is the daemon's long-lived
// context, used by every Image's delete timer callback and passed to
// every engine call they make.
func NewRegistry(ctx context.Context, client engine.Client, policy *grace.Policy, gate *deletegate.Gate) *Registry {
	r := &Registry{ctx: ctx, client: client, policy: policy, gate: gate}
	r.reg = registry.New(registry.Deps[*Image]{
		ResolveID:   r.resolveID,
		Instantiate: r.instantiate,
		ListIDs:     client.ListImages,
		OnPop:       func(img *Image) { img.onDeleted() },
	})
	return r
}

func (r *Registry) resolveID(ctx context.Context, key string) (string, error) {
	info, err := r.client.InspectImage(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, registry.ErrAbsent)
	}
	return info.ID, nil
}

func (r *Registry) instantiate(ctx context.Context, id string) (*Image, error) {
	info, err := r.client.InspectImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("instantiating image %s: %w", id, err)
	}
	img := &Image{
		id:         info.ID,
		client:     r.client,
		policy:     r.policy,
		gate:       r.gate,
		reg:        r,
		ctx:        r.ctx,
		tags:       info.Tags,
		parentID:   info.ParentID,
		labels:     info.Labels,
		children:   map[string]struct{}{},
		containers: map[string]struct{}{},
	}
	if img.parentID != "" {
		parent, err := r.reg.Get(ctx, img.parentID)
		if err != nil {
			log.G(ctx).WithField("image", img.id).WithField("parent", img.parentID).
				WithError(err).Debug("parent image could not be resolved")
		} else {
			parent.AddChild(img.id)
		}
	}
	return img, nil
}

// Get returns the Image for key, instantiating it (and linking it to its
// parent) on first reference.
func (r *Registry) Get(ctx context.Context, key string) (*Image, error) {
	return r.reg.Get(ctx, key)
}

// Pop removes and returns the Image for key, cascading onDeleted (which
// detaches it from its parent's children).
func (r *Registry) Pop(ctx context.Context, key string) (*Image, bool) {
	return r.reg.Pop(ctx, key)
}

// Peek returns the Image currently tracked under id, if any, without
// touching the engine.
func (r *Registry) Peek(id string) (*Image, bool) {
	return r.reg.Peek(id)
}

// Refresh re-inspects the image for id from the engine and re-evaluates
// its delete timer.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	img, err := r.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	return img.refresh(ctx)
}

// AddContainer implements container.ImageRefs: it resolves (lazily
// instantiating if needed) the image for imageID and records that
// containerID now references it.
func (r *Registry) AddContainer(ctx context.Context, imageID, containerID string) error {
	img, err := r.reg.Get(ctx, imageID)
	if err != nil {
		return err
	}
	img.addContainer(containerID)
	return nil
}

// RemoveContainer implements container.ImageRefs: it resolves the image
// for imageID and drops containerID's reference to it.
func (r *Registry) RemoveContainer(ctx context.Context, imageID, containerID string) error {
	img, err := r.reg.Get(ctx, imageID)
	if err != nil {
		return err
	}
	img.removeContainer(containerID)
	return nil
}

// InitialSync enumerates every image id known to the engine and adds
// each.
func (r *Registry) InitialSync(ctx context.Context) error {
	return r.reg.InitialSync(ctx, func(id string, err error) {
		log.G(ctx).WithField("image", id).WithError(err).Error("failed to sync image")
	})
}

// UpdateTimers re-evaluates the delete timer of every currently tracked
// image. Called once after initial sync: the engine may already be
// fully idle, and idle images need scheduling (spec.md §4.F).
func (r *Registry) UpdateTimers() {
	r.reg.Range(func(_ string, img *Image) {
		img.mu.Lock()
		img.updateTimerLocked()
		img.mu.Unlock()
	})
}

// Range calls fn for every image currently tracked.
func (r *Registry) Range(fn func(id string, img *Image)) {
	r.reg.Range(fn)
}

// Len returns the number of images currently tracked.
func (r *Registry) Len() int {
	return r.reg.Len()
}
