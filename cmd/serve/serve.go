// Package serve provides the long-running daemon command: recurring scans
// on a cron schedule plus the MCP endpoint over HTTP.
package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/paularlott/cli"

	scancmd "github.com/martinsuchenak/scoutd/cmd/scan"
	"github.com/martinsuchenak/scoutd/internal/config"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/mcp"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/internal/storage"
	"github.com/martinsuchenak/scoutd/internal/worker"
)

// Command returns the serve command.
func Command() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Run the scoutd daemon",
		Description: "Start the HTTP server with the MCP endpoint and, when a schedule is configured, recurring discovery scans",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "HTTP listen address",
				EnvVars: []string{"SCOUTD_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "bearer-token",
				Usage:   "Bearer token required on MCP requests (empty disables auth)",
				EnvVars: []string{"SCOUTD_BEARER_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression for recurring scans (e.g. '0 2 * * *')",
				EnvVars: []string{"SCOUTD_SCHEDULE"},
			},
			&cli.StringFlag{
				Name:    "targets",
				Usage:   "Comma-separated targets for the recurring scan",
				EnvVars: []string{"SCOUTD_TARGETS"},
			},
		}, credentialFlags()...),
		Run: runServe,
	}
}

// credentialFlags are the non-interactive credential flags shared with the
// scan command. The daemon never prompts.
func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "Data directory for the inventory database", EnvVars: []string{"SCOUTD_DATA_DIR"}},
		&cli.StringFlag{Name: "ssh-user", Usage: "SSH username for unix hosts", EnvVars: []string{"SCOUTD_SSH_USER"}},
		&cli.StringFlag{Name: "ssh-password", Usage: "SSH password", EnvVars: []string{"SCOUTD_SSH_PASSWORD"}},
		&cli.StringFlag{Name: "ssh-key", Usage: "Path to an SSH private key file", EnvVars: []string{"SCOUTD_SSH_KEY"}},
		&cli.StringFlag{Name: "windows-user", Usage: "WinRM username for windows hosts", EnvVars: []string{"SCOUTD_WINDOWS_USER"}},
		&cli.StringFlag{Name: "windows-password", Usage: "WinRM password", EnvVars: []string{"SCOUTD_WINDOWS_PASSWORD"}},
		&cli.StringFlag{Name: "snmp-communities", Usage: "Comma-separated SNMP communities to try", DefaultValue: "public", EnvVars: []string{"SCOUTD_SNMP_COMMUNITIES"}},
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load(&config.Config{
		DataDir:     cmd.GetString("data-dir"),
		ListenAddr:  cmd.GetString("listen-addr"),
		BearerToken: cmd.GetString("bearer-token"),
	})

	log.Info("Configuration loaded", "source", cfg.String(), "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr)

	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize storage", "error", err)
		return err
	}
	defer store.Close()
	log.Info("Storage initialized", "backend", "SQLite", "path", cfg.DataDir)

	creds := credentialsFromFlags(cmd)
	engine := scancmd.BuildEngine(cfg, store, creds)

	// Most recent scan result, shared between the scheduler and MCP.
	var (
		mu       sync.RWMutex
		lastScan *model.ScanStatus
	)
	scanFn := func(scanCtx context.Context, targets []string) (model.ScanStatus, error) {
		status, err := engine.Run(scanCtx, targets, nil)
		mu.Lock()
		lastScan = &status
		mu.Unlock()
		return status, err
	}

	scheduler := worker.NewScheduler(scanFn)
	if spec := cmd.GetString("schedule"); spec != "" {
		targets := splitList(cmd.GetString("targets"))
		if len(targets) == 0 {
			log.Warn("Schedule configured without targets, recurring scans disabled")
		} else if err := scheduler.Add(worker.Schedule{
			ID:      "recurring-scan",
			Name:    "Recurring discovery scan",
			Spec:    spec,
			Targets: targets,
		}); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	mcpServer := mcp.NewServer(store, func() (model.ScanStatus, bool) {
		mu.RLock()
		defer mu.RUnlock()
		if lastScan == nil {
			return model.ScanStatus{}, false
		}
		return *lastScan, true
	}, cfg.BearerToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", mcpServer.HandleRequest)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		log.Info("Shutting down server...")
		server.Close()
	}()

	log.Info("Starting scoutd server", "addr", cfg.ListenAddr)
	log.Info("MCP available", "url", "http://localhost"+cfg.ListenAddr+"/mcp")
	mcpServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

// credentialsFromFlags builds the credential set from flags and
// environment only. Unlike the scan command, missing passwords are left
// empty rather than prompted for.
func credentialsFromFlags(cmd *cli.Command) *model.CredentialSet {
	creds := &model.CredentialSet{
		SNMPCommunities: splitList(cmd.GetString("snmp-communities")),
	}

	if user := cmd.GetString("ssh-user"); user != "" {
		cred := model.Credential{Username: user, Secret: cmd.GetString("ssh-password")}
		if keyPath := cmd.GetString("ssh-key"); keyPath != "" {
			if key, err := os.ReadFile(keyPath); err == nil {
				cred.PrivateKey = string(key)
			} else {
				log.Warn("Failed to read SSH key", "path", keyPath, "error", err)
			}
		}
		creds.SSH = append(creds.SSH, cred)
	}

	if user := cmd.GetString("windows-user"); user != "" {
		creds.Windows = append(creds.Windows, model.Credential{
			Username: user,
			Secret:   cmd.GetString("windows-password"),
		})
	}

	return creds
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
