package main

import (
	"context"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"

	"github.com/martinsuchenak/scoutd/cmd/inventory"
	"github.com/martinsuchenak/scoutd/cmd/review"
	"github.com/martinsuchenak/scoutd/cmd/scan"
	"github.com/martinsuchenak/scoutd/cmd/serve"
	"github.com/martinsuchenak/scoutd/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	log.Configure("info", "console")

	rootCmd := &cli.Command{
		Name:        "scoutd",
		Version:     version,
		Usage:       "Network discovery and inventory reconciliation",
		Description: "Scans networks for devices, collects hardware and OS details over WinRM, SSH and SNMP, and reconciles the results into a deduplicated inventory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"SCOUTD_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"SCOUTD_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Configure(cmd.GetString("log-level"), cmd.GetString("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			scan.Command(),
			serve.Command(),
			{
				Name:        "inventory",
				Usage:       "Inventory commands",
				Description: "Inspect inventory entries and their audit trails",
				Commands:    inventory.Commands(),
			},
			{
				Name:        "review",
				Usage:       "Review queue commands",
				Description: "Work the manual review queue",
				Commands:    review.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
