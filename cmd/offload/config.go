//go:build unix

package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aledbf/offload/internal/config"
	"github.com/aledbf/offload/internal/paths"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "print the effective configuration",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "init",
			Usage: "write the default configuration to the config path",
		},
	},
	Action: func(c *cli.Context) error {
		if c.Bool("init") {
			path := paths.GetConfigPath()
			if err := config.Default().Save(path); err != nil {
				return err
			}
			config.Reset()
			fmt.Fprintln(c.App.Writer, "wrote", path)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}
