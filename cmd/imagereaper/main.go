// Command imagereaper runs the image-reclaiming daemon: it watches a
// container engine's event stream and deletes images once they carry no
// containers, no children, and have sat idle past their grace time.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cpuguy83/imagereaper/internal/config"
	"github.com/cpuguy83/imagereaper/internal/container"
	"github.com/cpuguy83/imagereaper/internal/deletegate"
	"github.com/cpuguy83/imagereaper/internal/engine"
	"github.com/cpuguy83/imagereaper/internal/grace"
	"github.com/cpuguy83/imagereaper/internal/image"
	"github.com/cpuguy83/imagereaper/internal/watcher"
)

type options struct {
	graceTime  string
	configPath string
	overrides  []string
	debug      bool
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "imagereaper",
		Short: "Reclaim container images once nothing references them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.graceTime, "image-gracetime", "1d", "default grace time before an unreferenced image is deleted")
	flags.StringArrayVarP(&opts.overrides, "set", "c", nil, "inline config override, KEY=VAL with dotted KEY (repeatable)")
	flags.StringVarP(&opts.configPath, "config", "C", "", "path to the YAML config file")
	flags.BoolVarP(&opts.debug, "debug", "D", false, "enable verbose logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	if opts.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	ctx = log.WithLogger(ctx, log.L)

	cfg, err := config.Load(opts.configPath, opts.overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	eng, err := engine.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("connecting to engine: %w", err)
	}

	policy := grace.New(cfg, opts.graceTime)
	gate := deletegate.New(deletegate.DefaultCapacity)

	images := image.NewRegistry(ctx, eng, policy, gate)
	containers := container.New(eng, images)

	if err := images.InitialSync(ctx); err != nil {
		return fmt.Errorf("syncing images: %w", err)
	}
	if err := containers.InitialSync(ctx); err != nil {
		return fmt.Errorf("syncing containers: %w", err)
	}
	images.UpdateTimers()

	trap()

	w := watcher.New(eng, images, containers)
	log.G(ctx).Info("watching engine events")
	return w.Run(ctx)
}
