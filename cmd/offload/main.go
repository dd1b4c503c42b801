//go:build unix

package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/moby/sys/reexec"
	"github.com/urfave/cli/v2"

	"github.com/aledbf/offload/internal/config"

	// Registers the decoding child entry point.
	_ "github.com/aledbf/offload/internal/transfer"
)

func main() {
	// A decoding child dispatches here and never returns.
	if reexec.Init() {
		return
	}

	if err := newApp().Run(os.Args); err != nil {
		log.L.WithError(err).Error("offload failed")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "offload",
		Usage: "decode shader and image assets in isolated child processes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			// A broken file is reported by the commands that read it, so
			// that config --init can still replace it.
			if cfg, err := config.Get(); err == nil {
				if err := cfg.ApplyLogging(); err != nil {
					return err
				}
			}
			if c.Bool("debug") {
				return log.SetLevel("debug")
			}
			return nil
		},
		Commands: []*cli.Command{
			loadCommand,
			configCommand,
		},
	}
}

// loadConfig returns the cached configuration, pointing the user at the
// file when it cannot be used.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintln(os.Stderr, "\nFix or remove the configuration file at", configHint())
		fmt.Fprintln(os.Stderr, "or run 'offload config --init' to write the defaults.")
		return nil, err
	}
	return cfg, nil
}

func configHint() string {
	if path := os.Getenv("OFFLOAD_CONFIG"); path != "" {
		return path
	}
	return "/etc/offload/config.json (or set OFFLOAD_CONFIG)"
}
