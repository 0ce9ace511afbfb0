// Package inventory provides commands for inspecting the inventory.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/scoutd/internal/config"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/internal/storage"
)

// Commands returns the inventory subcommands.
func Commands() []*cli.Command {
	return []*cli.Command{
		listCommand(),
		getCommand(),
		auditCommand(),
	}
}

func dataDirFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "data-dir",
		Usage:   "Data directory for the inventory database",
		EnvVars: []string{"SCOUTD_DATA_DIR"},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List inventory entries",
		Description: "List inventory entries with their liveness state and lifecycle",
		Flags: []cli.Flag{
			dataDirFlag(),
			&cli.StringFlag{
				Name:  "lifecycle",
				Usage: "Filter by lifecycle (new, active, under_review, archived)",
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListEntries(ctx)
			if err != nil {
				return fmt.Errorf("listing entries: %w", err)
			}

			lifecycle := cmd.GetString("lifecycle")
			count := 0
			for _, entry := range entries {
				if lifecycle != "" && string(entry.Lifecycle) != lifecycle {
					continue
				}
				count++
				fmt.Printf("%-36s  %-15s  %-12s  %-12s  %s\n",
					entry.ID, entry.IP, entry.State, entry.Lifecycle, entry.Hostname)
			}
			if count == 0 {
				fmt.Println("No inventory entries found")
			}
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Usage:       "Show one inventory entry",
		Description: "Show the full details of an inventory entry",
		Flags: []cli.Flag{
			dataDirFlag(),
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Inventory entry ID",
				Required: true,
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.GetEntry(ctx, cmd.GetString("id"))
			if err != nil {
				return fmt.Errorf("getting entry: %w", err)
			}

			printEntry(entry)
			return nil
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:        "audit",
		Usage:       "Show the audit trail for an entry",
		Description: "Show the merge and update history recorded for an inventory entry",
		Flags: []cli.Flag{
			dataDirFlag(),
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Inventory entry ID",
				Required: true,
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			audits, err := store.AuditForEntry(ctx, cmd.GetString("id"))
			if err != nil {
				return fmt.Errorf("getting audit trail: %w", err)
			}

			if len(audits) == 0 {
				fmt.Println("No audit entries found")
				return nil
			}

			for _, audit := range audits {
				fmt.Printf("%s  %-14s  score=%d", audit.CreatedAt.Format("2006-01-02 15:04:05"), audit.Action, audit.Score)
				if audit.LowConfidence {
					fmt.Print("  (low confidence)")
				}
				fmt.Println()
				if len(audit.ChangedFields) > 0 {
					fmt.Printf("  changed: %s\n", strings.Join(audit.ChangedFields, ", "))
				}
				if audit.Reasoning != "" {
					fmt.Printf("  %s\n", audit.Reasoning)
				}
			}
			return nil
		},
	}
}

func printEntry(entry *model.Entry) {
	fmt.Printf("ID:            %s\n", entry.ID)
	fmt.Printf("IP:            %s\n", entry.IP)
	if entry.Hostname != "" {
		fmt.Printf("Hostname:      %s\n", entry.Hostname)
	}
	if entry.Domain != "" {
		fmt.Printf("Domain:        %s\n", entry.Domain)
	}
	if entry.SerialNumber != "" {
		fmt.Printf("Serial:        %s\n", entry.SerialNumber)
	}
	if entry.MACAddress != "" {
		fmt.Printf("MAC:           %s\n", entry.MACAddress)
	}
	fmt.Printf("Family:        %s\n", entry.Family)
	if entry.OSName != "" {
		fmt.Printf("OS:            %s %s\n", entry.OSName, entry.OSVersion)
	}
	if entry.AssignedUser != "" {
		fmt.Printf("Assigned user: %s\n", entry.AssignedUser)
	}
	if entry.Hardware.Processor != "" {
		fmt.Printf("Processor:     %s\n", entry.Hardware.Processor)
	}
	if entry.Hardware.MemoryMB > 0 {
		fmt.Printf("Memory:        %d MB\n", entry.Hardware.MemoryMB)
	}
	if len(entry.OpenPorts) > 0 {
		fmt.Printf("Open ports:    %v\n", entry.OpenPorts)
	}
	fmt.Printf("State:         %s (failures: %d)\n", entry.State, entry.ConsecutiveFailures)
	fmt.Printf("Lifecycle:     %s\n", entry.Lifecycle)
	fmt.Printf("First seen:    %s\n", entry.FirstSeen.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last seen:     %s\n", entry.LastSeen.Format("2006-01-02 15:04:05"))
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
