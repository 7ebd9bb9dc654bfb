// Package config handles clonemgr configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds clonemgr configuration
type Config struct {
	// Database connection
	DatabaseURL string

	// Worktree settings
	WorktreeParentDir     string
	MaxSynthesizeAttempts int

	// Connectivity watcher
	ConnectWatchInterval time.Duration

	// Fetch branch/ref naming (spec Open Question, resolved as
	// configurable with historical literals kept as defaults; see
	// SPEC_FULL.md §4.4.1).
	DefaultTargetBranch string
	FetchHeadRefName    string

	// Job runner / backpressure (internal/backpressure)
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int

	// Reference subprocess adapters for the Indexer/CheckoutEngine ports
	// (internal/collab)
	IndexerCommand  string
	IndexerTimeout  time.Duration
	CheckoutCommand string
	CheckoutTimeout time.Duration

	// Dashboard (internal/dashboard)
	DashboardAddr string

	// Durable workflow mode (internal/durable); empty disables it
	DBOSSystemDatabaseURL string

	// Verbose mode for debugging
	Verbose bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           defaultDatabaseURL(),
		WorktreeParentDir:     ".clonemgr/worktrees",
		MaxSynthesizeAttempts: 1000,
		ConnectWatchInterval:  5 * time.Second,
		DefaultTargetBranch:   "master",
		FetchHeadRefName:      "fetch_head",
		InitialConcurrency:    2,
		MinConcurrency:        1,
		MaxConcurrency:        4,
		IndexerCommand:        "clonemgr-indexer",
		IndexerTimeout:        5 * time.Minute,
		CheckoutCommand:       "clonemgr-checkout",
		CheckoutTimeout:       5 * time.Minute,
		DashboardAddr:         ":8900",
	}

	// Environment overrides
	if v := os.Getenv("CLONEMGR_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CLONEMGR_WORKTREE_DIR"); v != "" {
		cfg.WorktreeParentDir = v
	}
	if v := os.Getenv("CLONEMGR_CONNECT_WATCH_INTERVAL"); v != "" {
		cfg.ConnectWatchInterval = parseDurationOrDefault(v, cfg.ConnectWatchInterval)
	}
	if v := os.Getenv("CLONEMGR_DEFAULT_TARGET_BRANCH"); v != "" {
		cfg.DefaultTargetBranch = v
	}
	if v := os.Getenv("CLONEMGR_FETCH_HEAD_REF"); v != "" {
		cfg.FetchHeadRefName = v
	}
	if v := os.Getenv("CLONEMGR_MAX_CONCURRENCY"); v != "" {
		cfg.MaxConcurrency = parseIntOrDefault(v, cfg.MaxConcurrency)
	}
	if v := os.Getenv("CLONEMGR_INDEXER_COMMAND"); v != "" {
		cfg.IndexerCommand = v
	}
	if v := os.Getenv("CLONEMGR_CHECKOUT_COMMAND"); v != "" {
		cfg.CheckoutCommand = v
	}
	if v := os.Getenv("CLONEMGR_DASHBOARD_ADDR"); v != "" {
		cfg.DashboardAddr = v
	}
	if v := os.Getenv("DBOS_SYSTEM_DATABASE_URL"); v != "" {
		cfg.DBOSSystemDatabaseURL = v
	}
	if v := os.Getenv("CLONEMGR_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	return cfg, nil
}

// defaultDatabaseURL returns SQLite in the project directory
func defaultDatabaseURL() string {
	dir, err := os.Getwd()
	if err != nil {
		return "sqlite://.clonemgr/clonemgr.db"
	}
	return "sqlite://" + filepath.Join(dir, ".clonemgr", "clonemgr.db")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
