package engine

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/events"
	dockerclient "github.com/moby/moby/client"
)

// DockerEngine adapts the real Docker Engine API client
// (github.com/moby/moby/client) onto Client.
type DockerEngine struct {
	cli *dockerclient.Client
}

// NewDockerEngine builds a DockerEngine from the environment (DOCKER_HOST,
// DOCKER_CERT_PATH, and friends), negotiating the API version against the
// daemon on first use.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: connecting to docker: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (d *DockerEngine) ListContainers(ctx context.Context) ([]string, error) {
	summaries, err := d.cli.ContainerList(ctx, dockerclient.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("engine: listing containers: %w", err)
	}
	ids := make([]string, 0, len(summaries))
	for _, c := range summaries {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *DockerEngine) ListImages(ctx context.Context) ([]string, error) {
	summaries, err := d.cli.ImageList(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: listing images: %w", err)
	}
	ids := make([]string, 0, len(summaries))
	for _, im := range summaries {
		ids = append(ids, im.ID)
	}
	return ids, nil
}

func (d *DockerEngine) InspectContainer(ctx context.Context, ref string) (ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return ContainerInfo{}, wrapNotFound(fmt.Errorf("engine: inspecting container %s: %w", ref, err))
	}
	info := ContainerInfo{
		ID:      inspect.ID,
		Name:    inspect.Name,
		ImageID: inspect.Image,
	}
	return info, nil
}

func (d *DockerEngine) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	inspect, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		return ImageInfo{}, wrapNotFound(fmt.Errorf("engine: inspecting image %s: %w", ref, err))
	}
	info := ImageInfo{
		ID:       inspect.ID,
		Tags:     inspect.RepoTags,
		ParentID: inspect.Parent,
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	return info, nil
}

func (d *DockerEngine) RemoveImage(ctx context.Context, nameOrID string) error {
	_, err := d.cli.ImageRemove(ctx, nameOrID, dockerclient.ImageRemoveOptions{})
	if err != nil {
		return wrapNotFound(fmt.Errorf("engine: removing image %s: %w", nameOrID, err))
	}
	return nil
}

func (d *DockerEngine) Events(ctx context.Context) (<-chan Event, <-chan error) {
	msgs, errs := d.cli.Events(ctx, dockerclient.EventsListOptions{})
	out := make(chan Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(outErr)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					outErr <- err
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				evType := string(msg.Type)
				if evType == "" {
					evType = string(events.ContainerEventType)
				}
				select {
				case out <- Event{Action: string(msg.Action), Type: evType, ID: msg.Actor.ID}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}
