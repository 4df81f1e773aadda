// Package cli wires the application together: configuration, logging,
// telemetry, storage, metrics, workers and signal handling.
package cli

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

// Run initializes and executes the chainpulse CLI application.
func Run(ctx context.Context) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "chainpulse",
		Description:           "Collects IBC packet activity from CometBFT chains and exposes relayer metrics.",
		Usage:                 "chainpulse [flags]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "chainpulse.toml",
				Usage: "path to the TOML configuration file",
			},
		},
		Action: run,
	}

	return app.Run(ctx, os.Args)
}
