// Package config loads sentryd's TOML configuration file (spec.md §6),
// external to the core per spec.md §1 but named concretely here
// because the teacher always ships a config loader of its own
// (config/config.go) and a daemon needs one to exist. The four-function
// shape (Default/Path/Load/Save) is kept from the teacher; Load moves
// from JSON to TOML decoding to satisfy spec.md §6's wire format.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// WhitelistConfig mirrors spec.md §6's "whitelist.*" table.
type WhitelistConfig struct {
	AutoDetect     bool     `toml:"auto_detect"`
	ManualPatterns []string `toml:"manual_patterns"`
}

// FileScanningConfig mirrors spec.md §6's "file_scanning.*" table.
type FileScanningConfig struct {
	Enabled              bool     `toml:"enabled"`
	ScanIntervalMinutes  int      `toml:"scan_interval_minutes"`
	ScanPaths            []string `toml:"scan_paths"`
	QuarantinePath       string   `toml:"quarantine_path"`
	AutoDelete           bool     `toml:"auto_delete"`
	KillProcessesUsingFile bool   `toml:"kill_processes_using_file"`
	AggressiveCleanup    bool     `toml:"aggressive_cleanup"`
	ParallelScan         bool     `toml:"parallel_scan"`
	MaxScanThreads       int      `toml:"max_scan_threads"`
}

// AutoTuneConfig mirrors spec.md §6's "auto_tune.*" table.
type AutoTuneConfig struct {
	Enabled        bool   `toml:"enabled"`
	VCPUOverride   int    `toml:"vcpu_override"`
	RAMOverrideMB  uint64 `toml:"ram_override_mb"`
}

// TelegramConfig mirrors spec.md §6's "telegram.*" table.
type TelegramConfig struct {
	BotToken       string `toml:"bot_token"`
	ChatID         string `toml:"chat_id"`
	DailyReportTime string `toml:"daily_report_time"`
}

// Config mirrors spec.md §6's configuration table exactly.
type Config struct {
	CPUThreshold               float32 `toml:"cpu_threshold"`
	DurationMinutes            int64   `toml:"duration_minutes"`
	PollingIntervalMS          int64   `toml:"polling_interval_ms"`
	ThreatConfidenceThreshold  float32 `toml:"threat_confidence_threshold"`
	HighConfidenceThreshold    float32 `toml:"high_confidence_threshold"`
	AutoKill                   bool    `toml:"auto_kill"`
	DryRun                     bool    `toml:"dry_run"`
	AuditOnly                  bool    `toml:"audit_only"`
	CanaryMode                 bool    `toml:"canary_mode"`
	DeployGraceMinutes         int64   `toml:"deploy_grace_minutes"`
	AdaptivePolling            bool    `toml:"adaptive_polling"`
	AdaptivePollingLoadFactor  float64 `toml:"adaptive_polling_load_factor"`
	DatabasePath               string  `toml:"database_path"`
	ProbeEnabled               bool    `toml:"probe_enabled"`

	AutoTune      AutoTuneConfig     `toml:"auto_tune"`
	Whitelist     WhitelistConfig    `toml:"whitelist"`
	FileScanning  FileScanningConfig `toml:"file_scanning"`
	Telegram      TelegramConfig     `toml:"telegram"`
}

// Default returns a config with sensible defaults, the same shape as
// the teacher's own config.Default().
func Default() Config {
	return Config{
		CPUThreshold:              20,
		DurationMinutes:           5,
		PollingIntervalMS:         10000,
		ThreatConfidenceThreshold: 0.7,
		HighConfidenceThreshold:   0.95,
		AutoKill:                  true,
		DeployGraceMinutes:        10,
		AdaptivePolling:           true,
		AdaptivePollingLoadFactor: 1.5,
		DatabasePath:              "/var/lib/sentryd/sentryd.db",
		AutoTune:                  AutoTuneConfig{Enabled: true},
		Whitelist:                 WhitelistConfig{AutoDetect: true},
		FileScanning: FileScanningConfig{
			Enabled:             true,
			ScanIntervalMinutes: 30,
			ScanPaths:           []string{"/var/www", "/srv", "/opt", "/home"},
			QuarantinePath:      "/var/lib/sentryd/quarantine",
			MaxScanThreads:      4,
			ParallelScan:        true,
		},
	}
}

// Path returns /etc/sentryd/config.toml (or XDG_CONFIG_HOME), a
// root-owned system-daemon path rather than the teacher's per-user
// ~/.config path — this is a privileged host agent, not a per-user TUI.
func Path() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "sentryd", "config.toml")
	}
	return "/etc/sentryd/config.toml"
}

// Load reads and decodes path (or Path() if empty) over Default(). A
// missing file, whether at the default path or at an explicit one,
// yields Default() and a nil error. Any other read or decode error is
// returned together with the config as decoded so far. Load does not
// make a failed load fatal, and cmd/sentryd logs the error and starts
// with that config.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path (or Path() if empty) as TOML, mode 0600
// since it may carry a telegram bot token.
func Save(cfg Config, path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// LogWarning is a small helper so Load's non-fatal parse-degradation
// path can be logged by callers without config importing the daemon's
// specific logger construction.
func LogWarning(log *slog.Logger, err error) {
	if err != nil && log != nil {
		log.Warn("config: using defaults after load error", "error", err)
	}
}
