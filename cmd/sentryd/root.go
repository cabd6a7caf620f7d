package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/daemon"
)

// Version is set at build time via ldflags.
var Version = "0.1.0"

// ExitCodeError signals a non-zero exit code without calling os.Exit
// directly, matching the teacher's own cmd package convention.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#50FA7B"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `sentryd v%s — host-level malware and CPU-abuse detection daemon

Usage:
  sentryd [OPTIONS] [CONFIG_PATH]

Options:
  -config PATH   Path to config.toml (default: /etc/sentryd/config.toml)
  -dry-run       Log every decision, never kill or mutate anything
  -canary        Force canary_mode regardless of config
  -probe         Force-enable the loopback status endpoint
  -version       Print version and exit

Positional:
  CONFIG_PATH    Same as -config, for "sentryd /etc/sentryd/config.toml"

Examples:
  sudo sentryd
  sudo sentryd -config /etc/sentryd/config.toml
  sudo sentryd -dry-run
`, Version)
}

// Run parses flags and runs the daemon until it exits or is signaled.
func Run() error {
	var configPath string
	var dryRun, canary, probeFlag, showVersion bool

	fs := flag.NewFlagSet("sentryd", flag.ContinueOnError)
	fs.Usage = printUsage
	fs.StringVar(&configPath, "config", "", "path to config.toml")
	fs.BoolVar(&dryRun, "dry-run", false, "log every decision, never mutate")
	fs.BoolVar(&canary, "canary", false, "force canary_mode")
	fs.BoolVar(&probeFlag, "probe", false, "force-enable the status endpoint")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return ExitCodeError{Code: 0}
		}
		return ExitCodeError{Code: 2}
	}
	if showVersion {
		fmt.Println("sentryd", Version)
		return nil
	}
	if rest := fs.Args(); len(rest) > 0 && configPath == "" {
		configPath = rest[0]
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		config.LogWarning(log, err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if canary {
		cfg.CanaryMode = true
	}
	if probeFlag {
		cfg.ProbeEnabled = true
	}

	fmt.Fprintln(os.Stderr, bannerStyle.Render(fmt.Sprintf("sentryd v%s", Version)),
		labelStyle.Render(fmt.Sprintf("dry_run=%v audit_only=%v auto_kill=%v", cfg.DryRun, cfg.AuditOnly, cfg.AutoKill)))

	if err := daemon.Run(context.Background(), cfg, log); err != nil {
		return fmt.Errorf("sentryd: %w", err)
	}
	return nil
}
