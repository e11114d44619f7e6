package image

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/cpuguy83/imagereaper/internal/config"
	"github.com/cpuguy83/imagereaper/internal/deletegate"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/enginetest"
	"github.com/cpuguy83/imagereaper/internal/grace"
)

func newTestRegistry(t *testing.T, cfg config.Node, fallback string) (*Registry, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	policy := grace.New(cfg, fallback)
	gate := deletegate.New(5)
	reg := NewRegistry(context.Background(), fake, policy, gate)
	return reg, fake
}

func TestNeverGraceDoesNotScheduleOnNoRefs(t *testing.T) {
	reg, fake := newTestRegistry(t, nil, "never")
	fake.AddImage(engine.ImageInfo{ID: "img1", Tags: []string{"repo:tag"}})

	img, err := reg.Get(context.Background(), "img1")
	assert.NilError(t, err)
	reg.UpdateTimers()

	img.mu.Lock()
	defer img.mu.Unlock()
	assert.Check(t, img.timer == nil, "grace 'never' must never arm a timer")
}

func TestAddContainerCancelsSchedule(t *testing.T) {
	reg, fake := newTestRegistry(t, nil, "1h")
	fake.AddImage(engine.ImageInfo{ID: "img1", Tags: []string{"test-image-build:latest"}})

	img, err := reg.Get(context.Background(), "img1")
	assert.NilError(t, err)
	reg.UpdateTimers()
	img.mu.Lock()
	assert.Check(t, img.timer != nil)
	img.mu.Unlock()

	assert.NilError(t, reg.AddContainer(context.Background(), "img1", "c1"))

	img.mu.Lock()
	defer img.mu.Unlock()
	assert.Check(t, img.timer == nil, "timer must be cancelled once a container references the image")
	assert.Check(t, is.Len(img.containers, 1))
}

func TestRemoveContainerRearmsAndFiresDeleteProtocol(t *testing.T) {
	cfg := config.Node{"images": config.Node{"test-*": config.Node{"grace_time": "1s"}}}
	reg, fake := newTestRegistry(t, cfg, "1h")
	fake.AddImage(engine.ImageInfo{ID: "img1", Tags: []string{"test-image-build:latest"}})
	fake.AddContainer(engine.ContainerInfo{ID: "c1", Name: "c", ImageID: "img1"})

	assert.NilError(t, reg.AddContainer(context.Background(), "img1", "c1"))
	img, err := reg.Get(context.Background(), "img1")
	assert.NilError(t, err)
	img.mu.Lock()
	assert.Check(t, img.timer == nil)
	img.mu.Unlock()

	assert.NilError(t, reg.RemoveContainer(context.Background(), "img1", "c1"))

	img.mu.Lock()
	assert.Check(t, img.timer != nil)
	img.mu.Unlock()

	// Drive the delete protocol directly instead of waiting out the
	// real timer.
	img.delete()

	removed := fake.Removed()
	assert.Check(t, is.Contains(removed, "test-image-build:latest"))
	assert.Check(t, is.Contains(removed, "img1"))

	// The engine hasn't emitted the delete event yet: the image stays
	// tracked with a fresh retry timer armed.
	_, ok := reg.Peek("img1")
	assert.Check(t, ok)
	img.mu.Lock()
	assert.Check(t, img.timer != nil)
	img.mu.Unlock()

	// Once the engine confirms via its own delete event, the registry
	// pops the image and the parent-cascade callback runs.
	reg.Pop(context.Background(), "img1")
	_, ok = reg.Peek("img1")
	assert.Check(t, !ok)
}

func TestParentChildCascade(t *testing.T) {
	reg, fake := newTestRegistry(t, nil, "1h")
	fake.AddImage(engine.ImageInfo{ID: "parent", Tags: []string{"base:latest"}})
	fake.AddImage(engine.ImageInfo{ID: "child", Tags: []string{"app:latest"}, ParentID: "parent"})

	parent, err := reg.Get(context.Background(), "parent")
	assert.NilError(t, err)
	_, err = reg.Get(context.Background(), "child")
	assert.NilError(t, err)

	parent.mu.Lock()
	assert.Check(t, is.Len(parent.children, 1))
	assert.Check(t, parent.timer == nil, "parent has a child: must not be scheduled")
	parent.mu.Unlock()

	reg.Pop(context.Background(), "child")

	parent.mu.Lock()
	defer parent.mu.Unlock()
	assert.Check(t, is.Len(parent.children, 0))
	assert.Check(t, parent.timer != nil, "parent's last reference just dropped: must now be scheduled")
}

func TestDeleteNotFoundOnInspectPopsSelf(t *testing.T) {
	reg, fake := newTestRegistry(t, nil, "1h")
	fake.AddImage(engine.ImageInfo{ID: "img1", Tags: []string{"gone:latest"}})
	img, err := reg.Get(context.Background(), "img1")
	assert.NilError(t, err)

	fake.RemoveImageState("img1")
	img.delete()

	_, ok := reg.Peek("img1")
	assert.Check(t, !ok)
}

func TestLabelGraceTimeOverridesConfig(t *testing.T) {
	cfg := config.Node{"images": config.Node{"*": config.Node{"grace_time": "10s"}}}
	reg, fake := newTestRegistry(t, cfg, "1h")
	fake.AddImage(engine.ImageInfo{
		ID:     "img1",
		Tags:   []string{"whatever:latest"},
		Labels: map[string]string{grace.LabelKey: "2s"},
	})
	img, err := reg.Get(context.Background(), "img1")
	assert.NilError(t, err)
	reg.UpdateTimers()

	img.mu.Lock()
	defer img.mu.Unlock()
	assert.Check(t, img.timer != nil)
	d, err := img.policy.Resolve(img.labels, img.tags)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(d.D, 2*time.Second))
}
