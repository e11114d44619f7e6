// Package engine defines the contract this daemon needs from a container
// engine (listing, inspection, image removal, an event stream) and an
// adapter onto the real Docker Engine API client. Per the design, the
// engine itself is an injected capability: only this contract matters to
// the rest of the module, never the wire details of talking to it.
package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Client methods when the engine reports the
// referenced container or image no longer exists. Implementations must
// map their own not-found errors onto this sentinel (via errors.Is) so
// callers never need to know which engine client library is underneath.
var ErrNotFound = errors.New("engine: not found")

// ContainerInfo is the immutable subset of container state this daemon
// needs: its id, display name and the image it runs.
type ContainerInfo struct {
	ID      string
	Name    string
	ImageID string
}

// ImageInfo is the subset of image state this daemon needs: its id, its
// human-readable tags, its parent (if layered), and the grace-time label
// if present.
type ImageInfo struct {
	ID       string
	Tags     []string
	ParentID string
	Labels   map[string]string
}

// Action names recognized in the event stream. These match the Docker
// Engine's own event vocabulary (github.com/moby/moby/api/types/events).
const (
	ActionTag     = "tag"
	ActionUntag   = "untag"
	ActionCommit  = "commit"
	ActionDelete  = "delete"
	ActionCreate  = "create"
	ActionDestroy = "destroy"
)

// Entity types carried on an Event.
const (
	TypeImage     = "image"
	TypeContainer = "container"
)

// Event is a single decoded item from the engine's event stream.
type Event struct {
	Action string
	Type   string
	ID     string
}

// Client is everything this daemon needs from a container engine.
// Implementations must be safe for concurrent use: ListContainers,
// ListImages, InspectContainer, InspectImage and RemoveImage may all be
// called concurrently with each other and with Events draining in the
// background.
type Client interface {
	// ListContainers returns the ids of every container currently known
	// to the engine (running or not), for initial sync.
	ListContainers(ctx context.Context) ([]string, error)
	// ListImages returns the ids of every image currently known to the
	// engine, for initial sync.
	ListImages(ctx context.Context) ([]string, error)
	// InspectContainer resolves ref (an id, short id, or name) to full
	// container info. Returns an error satisfying errors.Is(err,
	// ErrNotFound) when the container does not exist.
	InspectContainer(ctx context.Context, ref string) (ContainerInfo, error)
	// InspectImage resolves ref (an id, short id, or tag) to full image
	// info. Returns an error satisfying errors.Is(err, ErrNotFound) when
	// the image does not exist.
	InspectImage(ctx context.Context, ref string) (ImageInfo, error)
	// RemoveImage asks the engine to remove a single name (a tag or an
	// id). Returns an error satisfying errors.Is(err, ErrNotFound) when
	// that name is already gone.
	RemoveImage(ctx context.Context, nameOrID string) error
	// Events streams decoded engine events until ctx is cancelled. The
	// error channel carries at most one terminal error before both
	// channels close.
	Events(ctx context.Context) (<-chan Event, <-chan error)
}
