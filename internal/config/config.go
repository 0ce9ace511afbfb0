package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DataDir     string
	ListenAddr  string
	BearerToken string
	ConfigFile  string // Path to .env file (if loaded)

	Scan ScanConfig
}

// ScanConfig holds the scan engine tuning knobs.
type ScanConfig struct {
	BatchSize          int           // IPs per batch, clamped to 10-200
	ProbeConcurrency   int           // liveness phase worker count
	CollectConcurrency int           // collection phase worker count
	ProbeTimeout       time.Duration // per TCP liveness probe
	PingTimeout        time.Duration // ICMP fallback probe
	AdapterTimeout     time.Duration // per collector adapter attempt
	BatchStallTimeout  time.Duration // watchdog: abort batch with no progress
	MaxCIDRHosts       int           // CIDR expansion cap
	DeadThreshold      int           // consecutive failed cycles before PERMANENTLY_DEAD
	MergeThreshold     int           // score >= this -> auto_merge
	FlagThreshold      int           // score >= this -> update_flagged
}

const (
	minBatchSize = 10
	maxBatchSize = 200
)

// Load loads configuration with the following priority (highest to lowest):
// 1. Command-line parameters (passed as opts)
// 2. .env file (if exists)
// 3. Environment variables
// 4. Default values
func Load(opts *Config) *Config {
	cfg := &Config{
		Scan: DefaultScanConfig(),
	}

	// Environment first, .env file second, so file values override the
	// environment for the scan knobs just as coalesce does for the string
	// fields below.
	applyScanEnv(&cfg.Scan)

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := loadFromEnvFile(cfg, envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to load .env file: %v\n", err)
		} else {
			cfg.ConfigFile = envFile
		}
	}

	cfg.DataDir = coalesce(cfg.DataDir, os.Getenv("SCOUTD_DATA_DIR"), "./data")
	cfg.ListenAddr = coalesce(cfg.ListenAddr, os.Getenv("SCOUTD_LISTEN_ADDR"), ":8080")
	cfg.BearerToken = coalesce(cfg.BearerToken, os.Getenv("SCOUTD_BEARER_TOKEN"), "")

	if opts != nil {
		if opts.DataDir != "" {
			cfg.DataDir = opts.DataDir
		}
		if opts.ListenAddr != "" {
			cfg.ListenAddr = opts.ListenAddr
		}
		if opts.BearerToken != "" {
			cfg.BearerToken = opts.BearerToken
		}
		if opts.Scan.BatchSize != 0 {
			cfg.Scan.BatchSize = opts.Scan.BatchSize
		}
		if opts.Scan.ProbeConcurrency != 0 {
			cfg.Scan.ProbeConcurrency = opts.Scan.ProbeConcurrency
		}
		if opts.Scan.CollectConcurrency != 0 {
			cfg.Scan.CollectConcurrency = opts.Scan.CollectConcurrency
		}
		if opts.Scan.DeadThreshold != 0 {
			cfg.Scan.DeadThreshold = opts.Scan.DeadThreshold
		}
		if opts.Scan.MaxCIDRHosts != 0 {
			cfg.Scan.MaxCIDRHosts = opts.Scan.MaxCIDRHosts
		}
	}

	cfg.Scan = cfg.Scan.Normalized()

	return cfg
}

// DefaultScanConfig returns the default scan tuning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		BatchSize:          50,
		ProbeConcurrency:   200,
		CollectConcurrency: 20,
		ProbeTimeout:       200 * time.Millisecond,
		PingTimeout:        300 * time.Millisecond,
		AdapterTimeout:     3 * time.Second,
		BatchStallTimeout:  2 * time.Minute,
		MaxCIDRHosts:       4096,
		DeadThreshold:      5,
		MergeThreshold:     85,
		FlagThreshold:      70,
	}
}

// Normalized clamps the scan config to its documented bounds.
func (s ScanConfig) Normalized() ScanConfig {
	if s.BatchSize < minBatchSize {
		s.BatchSize = minBatchSize
	}
	if s.BatchSize > maxBatchSize {
		s.BatchSize = maxBatchSize
	}
	if s.ProbeConcurrency <= 0 {
		s.ProbeConcurrency = 200
	}
	if s.CollectConcurrency <= 0 {
		s.CollectConcurrency = 20
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 200 * time.Millisecond
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = 300 * time.Millisecond
	}
	if s.AdapterTimeout <= 0 {
		s.AdapterTimeout = 3 * time.Second
	}
	if s.BatchStallTimeout <= 0 {
		s.BatchStallTimeout = 2 * time.Minute
	}
	if s.MaxCIDRHosts <= 0 {
		s.MaxCIDRHosts = 4096
	}
	if s.DeadThreshold <= 0 {
		s.DeadThreshold = 5
	}
	if s.FlagThreshold <= 0 || s.FlagThreshold > 100 {
		s.FlagThreshold = 70
	}
	if s.MergeThreshold <= s.FlagThreshold || s.MergeThreshold > 100 {
		s.MergeThreshold = 85
	}
	return s
}

// loadFromEnvFile loads configuration from a .env file.
func loadFromEnvFile(cfg *Config, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"")

		switch key {
		case "SCOUTD_DATA_DIR":
			cfg.DataDir = value
		case "SCOUTD_LISTEN_ADDR":
			cfg.ListenAddr = value
		case "SCOUTD_BEARER_TOKEN":
			cfg.BearerToken = value
		case "SCOUTD_BATCH_SIZE":
			cfg.Scan.BatchSize = atoiOr(value, cfg.Scan.BatchSize)
		case "SCOUTD_DEAD_THRESHOLD":
			cfg.Scan.DeadThreshold = atoiOr(value, cfg.Scan.DeadThreshold)
		case "SCOUTD_MAX_CIDR_HOSTS":
			cfg.Scan.MaxCIDRHosts = atoiOr(value, cfg.Scan.MaxCIDRHosts)
		}
	}

	return scanner.Err()
}

func applyScanEnv(s *ScanConfig) {
	s.BatchSize = atoiOr(os.Getenv("SCOUTD_BATCH_SIZE"), s.BatchSize)
	s.ProbeConcurrency = atoiOr(os.Getenv("SCOUTD_PROBE_CONCURRENCY"), s.ProbeConcurrency)
	s.CollectConcurrency = atoiOr(os.Getenv("SCOUTD_COLLECT_CONCURRENCY"), s.CollectConcurrency)
	s.DeadThreshold = atoiOr(os.Getenv("SCOUTD_DEAD_THRESHOLD"), s.DeadThreshold)
	s.MaxCIDRHosts = atoiOr(os.Getenv("SCOUTD_MAX_CIDR_HOSTS"), s.MaxCIDRHosts)
}

// IsMCPEnabled checks if MCP authentication is configured.
func (c *Config) IsMCPEnabled() bool {
	return c.BearerToken != ""
}

// String returns a string representation of the config source.
func (c *Config) String() string {
	if c.ConfigFile != "" {
		return fmt.Sprintf(".env file (%s)", c.ConfigFile)
	}
	return "environment variables"
}

// coalesce returns the first non-empty string value.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
