// Package watcher implements the Event Demultiplexer (spec.md §4.H): the
// single consumer of the engine's event stream that dispatches each
// decoded event, by action, to the image and container registries.
package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"

	"github.com/cpuguy83/imagereaper/internal/container"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/image"
)

// Images is the subset of the image registry the watcher dispatches to.
type Images interface {
	Refresh(ctx context.Context, id string) error
	Pop(ctx context.Context, key string) (*image.Image, bool)
}

// Containers is the subset of the container registry the watcher
// dispatches to.
type Containers interface {
	Add(ctx context.Context, key string) error
	Pop(ctx context.Context, key string) (*container.Container, bool)
}

// Watcher consumes a single engine event stream sequentially and
// dispatches each event by Action, per the table in spec.md §4.H. A
// handler's own error is caught and logged; the consumer loop never
// exits because a single event failed to process.
type Watcher struct {
	client     engine.Client
	images     Images
	containers Containers
}

// New builds a Watcher over client, dispatching to images and
// containers.
func New(client engine.Client, images Images, containers Containers) *Watcher {
	return &Watcher{client: client, images: images, containers: containers}
}

// Run drains the engine's event stream until ctx is cancelled or the
// stream itself ends with an error. It is the daemon's only long-running
// consumer loop; every state mutation in spec.md's data model ultimately
// traces back to an event processed here.
func (w *Watcher) Run(ctx context.Context) error {
	events, errs := w.client.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("watcher: event stream: %w", err)
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, ev)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, ev engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.G(ctx).WithField("event", ev).Errorf("recovered from panic handling event: %v", r)
		}
	}()

	var err error
	switch ev.Action {
	case engine.ActionTag:
		err = w.onTag(ctx, ev)
	case engine.ActionUntag:
		err = w.onUntag(ctx, ev)
	case engine.ActionCommit:
		log.G(ctx).WithField("image", ev.ID).Debug("commit event observed, expecting a following tag")
	case engine.ActionDelete:
		w.images.Pop(ctx, ev.ID)
	case engine.ActionCreate:
		if ev.Type == engine.TypeContainer {
			err = w.containers.Add(ctx, ev.ID)
		}
	case engine.ActionDestroy:
		w.containers.Pop(ctx, ev.ID)
	default:
		log.G(ctx).WithField("event", ev).Debug("no-op for unrecognized action")
	}
	if err != nil {
		log.G(ctx).WithField("event", ev).WithError(err).Error("failed to handle event")
	}
}

func (w *Watcher) onTag(ctx context.Context, ev engine.Event) error {
	return w.images.Refresh(ctx, ev.ID)
}

func (w *Watcher) onUntag(ctx context.Context, ev engine.Event) error {
	err := w.images.Refresh(ctx, ev.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrNotFound) {
		w.images.Pop(ctx, ev.ID)
		return nil
	}
	log.G(ctx).WithField("image", ev.ID).Debug("image was gone before the untag event was handled")
	return nil
}
