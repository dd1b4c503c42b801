//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/aledbf/offload/internal/assets"
	"github.com/aledbf/offload/internal/config"
	"github.com/aledbf/offload/internal/eventloop"
	"github.com/aledbf/offload/internal/loader"
)

var errLoadFailed = errors.New("one or more assets failed to load")

var loadCommand = &cli.Command{
	Name:      "load",
	Usage:     "load assets and report what was decoded",
	ArgsUsage: "PATH...",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "cancel loads still running after this long",
			Value: 30 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "print loader statistics when done",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.Exit("load: at least one PATH is required", 2)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		failed, err := loadAll(ctx, cfg, c.Args().Slice(), c.App.Writer)
		if c.Bool("stats") {
			printStats(c.App.Writer, loader.GetMetrics().Snapshot())
		}
		if err != nil {
			return err
		}
		if failed > 0 {
			return cli.Exit(errLoadFailed, 1)
		}
		return nil
	},
}

// loadAll loads every path through one cache and waits for all of them to
// settle or for ctx to end. It returns how many did not become ready.
func loadAll(ctx context.Context, cfg *config.Config, paths []string, w io.Writer) (int, error) {
	loop := eventloop.New()
	opts := cfg.LoaderOptions()
	opts.Poller = loop
	cache := assets.New(opts)
	defer func() {
		if err := cache.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to close asset cache")
		}
	}()

	var (
		entries []*assets.Loadable
		failed  int
		pending int
	)
	for _, p := range paths {
		resolved, err := cfg.ResolveAsset(p)
		if err != nil {
			fmt.Fprintf(w, "%s\tfailed\t%v\n", p, err)
			failed++
			continue
		}
		l, err := cache.Load(ctx, resolved)
		if err != nil {
			fmt.Fprintf(w, "%s\tfailed\t%v\n", p, err)
			failed++
			continue
		}
		entries = append(entries, l)
		pending++
		l.Subscribe(func(l *assets.Loadable) {
			pending--
			printEntry(w, l)
		})
	}
	defer func() {
		for _, l := range entries {
			l.Release()
		}
	}()

	err := loop.RunUntil(ctx, func() bool { return pending == 0 })
	if errors.Is(err, context.DeadlineExceeded) {
		// Close cancels what is left; their subscribers report them failed.
		log.G(ctx).WithField("pending", pending).Warn("timed out waiting for assets")
		if closeErr := cache.Close(); closeErr != nil {
			return failed, closeErr
		}
		err = nil
	}
	if err != nil {
		return failed, err
	}

	for _, l := range entries {
		if l.State() != assets.StateReady {
			failed++
		}
	}
	return failed, nil
}

func printEntry(w io.Writer, l *assets.Loadable) {
	c, ok := l.Content()
	if !ok {
		fmt.Fprintf(w, "%s\t%s\t%v\n", l.Path(), l.State(), l.Err())
		return
	}
	size := units.HumanSize(float64(c.PayloadLen()))
	if c.Kind.IsPixels() {
		fmt.Fprintf(w, "%s\t%s\t%s %dx%d stride=%d %s\n", l.Path(), l.State(), c.Kind, c.Width, c.Height, c.RowStride, size)
		return
	}
	u := c.Uniforms()
	fmt.Fprintf(w, "%s\t%s\t%s %s animated=%t\n", l.Path(), l.State(), c.Kind, size, u.Animated())
}

func printStats(w io.Writer, s loader.MetricsSnapshot) {
	fmt.Fprintf(w, "spawns=%d spawn_failures=%d ok=%d failed=%d canceled=%d transferred=%s avg=%.1fms\n",
		s.Spawns, s.SpawnFailures, s.Successes, s.Failures, s.Cancellations,
		units.HumanSize(float64(s.BytesTransferred)), s.AvgLoadTimeMs)
}
