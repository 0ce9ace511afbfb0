// Package review provides commands for working the manual review queue.
package review

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/scoutd/internal/config"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/storage"
)

// Commands returns the review subcommands.
func Commands() []*cli.Command {
	return []*cli.Command{
		listCommand(),
		resolveCommand(),
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List pending review items",
		Description: "Show collected records waiting on a human decision, with the conflicting inventory candidate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Data directory for the inventory database",
				EnvVars: []string{"SCOUTD_DATA_DIR"},
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.PendingReviews(ctx)
			if err != nil {
				return fmt.Errorf("listing reviews: %w", err)
			}

			if len(items) == 0 {
				fmt.Println("No pending reviews")
				return nil
			}

			for _, item := range items {
				fmt.Printf("ID: %s\n", item.ID)
				fmt.Printf("  Queued:    %s\n", item.CreatedAt.Format("2006-01-02 15:04:05"))
				if item.Incoming != nil {
					fmt.Printf("  Incoming:  %s", item.Incoming.IP)
					if item.Incoming.Hostname != "" {
						fmt.Printf(" (%s)", item.Incoming.Hostname)
					}
					if item.Incoming.SerialNumber != "" {
						fmt.Printf(" serial=%s", item.Incoming.SerialNumber)
					}
					fmt.Println()
				}
				if item.CandidateID != "" {
					fmt.Printf("  Candidate: %s\n", item.CandidateID)
				}
				fmt.Printf("  Reasoning: %s\n\n", item.Reasoning)
			}
			return nil
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:        "resolve",
		Usage:       "Resolve a pending review item",
		Description: "Resolve a review item: keep returns the candidate entry to active, archive retires it (history is preserved)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Data directory for the inventory database",
				EnvVars: []string{"SCOUTD_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Review item ID",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "archive",
				Usage: "Archive the candidate entry instead of keeping it active",
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			id := cmd.GetString("id")
			keep := !cmd.GetBool("archive")

			if err := store.ResolveReview(ctx, id, keep); err != nil {
				return fmt.Errorf("resolving review %s: %w", id, err)
			}

			resolution := "kept active"
			if !keep {
				resolution = "archived"
			}
			fmt.Printf("Review %s resolved, candidate %s\n", id, resolution)
			return nil
		},
	}
}

func openStore(cmd *cli.Command) (*storage.SQLiteStore, error) {
	cfg := config.Load(&config.Config{DataDir: cmd.GetString("data-dir")})
	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize storage", "error", err)
		return nil, err
	}
	return store, nil
}
