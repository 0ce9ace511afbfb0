// Package scan provides the one-shot scan command.
package scan

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paularlott/cli"
	"golang.org/x/term"

	"github.com/martinsuchenak/scoutd/internal/collect"
	"github.com/martinsuchenak/scoutd/internal/config"
	"github.com/martinsuchenak/scoutd/internal/fingerprint"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/internal/probe"
	"github.com/martinsuchenak/scoutd/internal/reconcile"
	scanengine "github.com/martinsuchenak/scoutd/internal/scan"
	"github.com/martinsuchenak/scoutd/internal/storage"
)

// Command returns the scan command.
func Command() *cli.Command {
	return &cli.Command{
		Name:        "scan",
		Usage:       "Run a discovery scan",
		Description: "Scan the given targets, collect device details over WinRM, SSH or SNMP, and reconcile the results into the inventory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "targets",
				Usage:    "Comma-separated targets: IPs, CIDR blocks (192.168.1.0/24) or ranges (192.168.1.10-50)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Data directory for the inventory database",
				EnvVars: []string{"SCOUTD_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "ssh-user",
				Usage:   "SSH username for unix hosts",
				EnvVars: []string{"SCOUTD_SSH_USER"},
			},
			&cli.StringFlag{
				Name:    "ssh-password",
				Usage:   "SSH password (prompted when ssh-user is set and this is empty)",
				EnvVars: []string{"SCOUTD_SSH_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "ssh-key",
				Usage:   "Path to an SSH private key file",
				EnvVars: []string{"SCOUTD_SSH_KEY"},
			},
			&cli.StringFlag{
				Name:    "windows-user",
				Usage:   "WinRM username for windows hosts",
				EnvVars: []string{"SCOUTD_WINDOWS_USER"},
			},
			&cli.StringFlag{
				Name:    "windows-password",
				Usage:   "WinRM password (prompted when windows-user is set and this is empty)",
				EnvVars: []string{"SCOUTD_WINDOWS_PASSWORD"},
			},
			&cli.StringFlag{
				Name:         "snmp-communities",
				Usage:        "Comma-separated SNMP communities to try",
				DefaultValue: "public",
				EnvVars:      []string{"SCOUTD_SNMP_COMMUNITIES"},
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "IPs per batch",
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load(&config.Config{
				DataDir: cmd.GetString("data-dir"),
				Scan: config.ScanConfig{
					BatchSize: cmd.GetInt("batch-size"),
				},
			})

			creds, err := GatherCredentials(cmd)
			if err != nil {
				return err
			}

			store, err := storage.NewSQLiteStore(cfg.DataDir)
			if err != nil {
				log.Error("Failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()

			engine := BuildEngine(cfg, store, creds)

			targets := splitList(cmd.GetString("targets"))
			fmt.Printf("Scanning %s\n", strings.Join(targets, ", "))

			start := time.Now()
			status, err := engine.Run(ctx, targets, printProgress)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			fmt.Println()
			fmt.Println("=== Scan Complete ===")
			fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("Targets: %d  Alive: %d  Dead: %d\n", status.TotalTargets, status.Alive, status.Dead)
			fmt.Printf("Collected: %d  Merged: %d  Flagged: %d  Created: %d  Review: %d\n",
				status.Collected, status.AutoMerged, status.Flagged, status.Created, status.QueuedForReview)
			if status.Errors > 0 || status.StalledBatches > 0 {
				fmt.Printf("Errors: %d  Stalled batches: %d\n", status.Errors, status.StalledBatches)
			}
			return nil
		},
	}
}

// BuildEngine wires the scan pipeline over the store.
func BuildEngine(cfg *config.Config, store *storage.SQLiteStore, creds *model.CredentialSet) *scanengine.Engine {
	prober := probe.NewProber(cfg.Scan.ProbeTimeout, cfg.Scan.PingTimeout)
	detector := probe.NewDetector(prober)
	chain := collect.NewChain(
		collect.NewWinRMAdapter(),
		collect.NewSSHAdapter(),
		collect.NewSNMPAdapter(),
		creds,
		cfg.Scan.AdapterTimeout,
	)
	reconciler := reconcile.New(store, store, reconcile.Options{
		Weights:        fingerprint.DefaultWeights(),
		MergeThreshold: cfg.Scan.MergeThreshold,
		FlagThreshold:  cfg.Scan.FlagThreshold,
	})
	return scanengine.NewEngine(cfg.Scan, prober, detector, chain, reconciler, store)
}

func printProgress(status model.ScanStatus) {
	fmt.Printf("Batch %d/%d: alive %d, collected %d, review %d\n",
		status.BatchesComplete, status.TotalBatches, status.Alive, status.Collected, status.QueuedForReview)
}

// GatherCredentials builds the credential set from flags, prompting for
// passwords that were not supplied.
func GatherCredentials(cmd *cli.Command) (*model.CredentialSet, error) {
	creds := &model.CredentialSet{
		SNMPCommunities: splitList(cmd.GetString("snmp-communities")),
	}

	if user := cmd.GetString("ssh-user"); user != "" {
		cred := model.Credential{Username: user, Secret: cmd.GetString("ssh-password")}
		if keyPath := cmd.GetString("ssh-key"); keyPath != "" {
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return nil, fmt.Errorf("reading ssh key: %w", err)
			}
			cred.PrivateKey = string(key)
		}
		if cred.Secret == "" && cred.PrivateKey == "" {
			secret, err := promptPassword("SSH password for " + user)
			if err != nil {
				return nil, err
			}
			cred.Secret = secret
		}
		creds.SSH = append(creds.SSH, cred)
	}

	if user := cmd.GetString("windows-user"); user != "" {
		cred := model.Credential{Username: user, Secret: cmd.GetString("windows-password")}
		if cred.Secret == "" {
			secret, err := promptPassword("WinRM password for " + user)
			if err != nil {
				return nil, err
			}
			cred.Secret = secret
		}
		creds.Windows = append(creds.Windows, cred)
	}

	return creds, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Printf("%s: ", prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(secret), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
