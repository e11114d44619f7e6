// Package image implements the Image entity and its registry (spec.md
// §4.E, §4.F): the stateful node that holds referring containers, child
// image ids, grace policy, and the delete timer, and that owns the
// schedule/cancel/delete protocol — the heart of the daemon.
package image

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"

	"github.com/cpuguy83/imagereaper/internal/deletegate"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/grace"
	"github.com/cpuguy83/imagereaper/internal/gracetimer"
	"github.com/cpuguy83/imagereaper/internal/registry"
)

// Image is the in-memory node for one engine image: its tags, its
// parent, the children that layer on it, the containers that reference
// it, and at most one pending delete timer. All mutable state is guarded
// by mu; every exported method takes the lock for the duration of its
// field mutation, per spec.md §5.
type Image struct {
	id       string
	client   engine.Client
	policy   *grace.Policy
	gate     *deletegate.Gate
	reg      *Registry
	ctx      context.Context

	mu         sync.Mutex
	tags       []string
	parentID   string
	labels     map[string]string
	children   map[string]struct{}
	containers map[string]struct{}
	timer      *gracetimer.Timer
}

// ID returns the image's engine-authoritative id.
func (img *Image) ID() string { return img.id }

func (img *Image) String() string {
	img.mu.Lock()
	defer img.mu.Unlock()
	return fmt.Sprintf("Image<id: %s, tags: %v, parent: %s, children: %d, containers: %d>",
		img.id, img.tags, img.parentID, len(img.children), len(img.containers))
}

// addContainer records that container id now references this image, then
// re-evaluates the delete timer.
func (img *Image) addContainer(id string) {
	img.mu.Lock()
	img.containers[id] = struct{}{}
	img.updateTimerLocked()
	img.mu.Unlock()
}

// removeContainer drops container id's reference to this image, then
// re-evaluates the delete timer. Removing an id that was never present
// is a no-op.
func (img *Image) removeContainer(id string) {
	img.mu.Lock()
	delete(img.containers, id)
	img.updateTimerLocked()
	img.mu.Unlock()
}

// AddChild records that childID layers on this image, then re-evaluates
// the delete timer.
func (img *Image) AddChild(childID string) {
	img.mu.Lock()
	img.children[childID] = struct{}{}
	img.updateTimerLocked()
	img.mu.Unlock()
}

// RemoveChild drops childID from this image's children, then
// re-evaluates the delete timer. Removing an id that was never present
// is a no-op.
func (img *Image) RemoveChild(childID string) {
	img.mu.Lock()
	delete(img.children, childID)
	img.updateTimerLocked()
	img.mu.Unlock()
}

// refresh re-inspects the image from the engine, refreshing its tags and
// labels, then re-evaluates the delete timer.
func (img *Image) refresh(ctx context.Context) error {
	info, err := img.client.InspectImage(ctx, img.id)
	if err != nil {
		return err
	}
	img.mu.Lock()
	img.tags = info.Tags
	img.labels = info.Labels
	img.updateTimerLocked()
	img.mu.Unlock()
	return nil
}

// onDeleted runs when the image is popped from the registry: it cancels
// any pending timer and, if its parent is still tracked, tells the
// parent this child is gone.
func (img *Image) onDeleted() {
	img.mu.Lock()
	img.cancelDeleteLocked()
	parentID := img.parentID
	id := img.id
	img.mu.Unlock()

	if parentID == "" {
		return
	}
	if parent, ok := img.reg.Peek(parentID); ok {
		parent.RemoveChild(id)
	}
}

// updateTimerLocked is the core reconciliation rule (spec.md §4.E):
// armed iff the image currently has no referring container and no
// child image. Caller must hold mu.
func (img *Image) updateTimerLocked() {
	if len(img.containers) == 0 && len(img.children) == 0 {
		img.scheduleDeleteLocked()
	} else {
		img.cancelDeleteLocked()
	}
}

// scheduleDeleteLocked arms the delete timer for the resolved grace
// duration, unless one is already armed (monotonic arming, spec.md
// §4.E step 5) or the resolved grace is Never. Caller must hold mu.
func (img *Image) scheduleDeleteLocked() {
	if img.timer != nil {
		return
	}
	d, err := img.policy.Resolve(img.labels, img.tags)
	if err != nil {
		log.G(img.ctx).WithField("image", img.id).WithError(err).Error("failed to resolve grace time")
		return
	}
	if d.Never {
		log.G(img.ctx).WithField("image", img.id).Debug("not scheduling removal: grace time is never")
		return
	}
	log.G(img.ctx).WithField("image", img.id).WithField("grace", d.D).Info("scheduling image removal")
	img.timer = gracetimer.New(d.D, img.delete)
	img.timer.Start()
}

// cancelDeleteLocked disarms the delete timer if one is armed. Caller
// must hold mu.
func (img *Image) cancelDeleteLocked() {
	if img.timer != nil {
		log.G(img.ctx).WithField("image", img.id).Info("cancelling image removal")
		img.timer.Cancel()
		img.timer = nil
	}
}

// delete is the timer callback: the delete protocol of spec.md §4.E.
func (img *Image) delete() {
	ctx := img.ctx
	_ = img.gate.Do(ctx, func() error {
		img.mu.Lock()
		img.cancelDeleteLocked()
		img.mu.Unlock()

		entry := log.G(ctx).WithField("image", img.id)

		info, err := img.client.InspectImage(ctx, img.id)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				img.reg.Pop(ctx, img.id)
				return nil
			}
			entry.WithError(err).Error("failed to re-inspect image before deletion")
			img.rearm()
			return nil
		}

		for _, tag := range info.Tags {
			if err := img.client.RemoveImage(ctx, tag); err != nil {
				if errors.Is(err, engine.ErrNotFound) {
					entry.WithField("tag", tag).Debug("tag already removed out of band")
				} else {
					entry.WithField("tag", tag).WithError(err).Error("failed to remove tag")
				}
			}
		}

		if err := img.client.RemoveImage(ctx, img.id); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				img.reg.Pop(ctx, img.id)
				return nil
			}
			entry.WithError(err).Error("failed to remove image")
		}

		// The engine has not yet confirmed deletion through its event
		// stream; arm a fresh timer so a lost/never-sent delete event
		// or a just-arrived re-reference still gets retried.
		img.rearm()
		return nil
	})
}

func (img *Image) rearm() {
	img.mu.Lock()
	img.scheduleDeleteLocked()
	img.mu.Unlock()
}
