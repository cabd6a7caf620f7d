// Package daemon implements the outer scheduling loop: build every
// component, tick a single ticker at the adaptive poll interval, and
// run independent tick-modulo counters for the lower-frequency checks
// (cron scan, file scan, zombie reap, deploy-guard prune, DB
// maintenance) — the structural descendant of the teacher's
// engine.RunDaemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/cpuabuse"
	"github.com/sentryd/sentryd/internal/cronwatch"
	"github.com/sentryd/sentryd/internal/deployguard"
	"github.com/sentryd/sentryd/internal/intel"
	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/notify"
	"github.com/sentryd/sentryd/internal/npmscan"
	"github.com/sentryd/sentryd/internal/probe"
	"github.com/sentryd/sentryd/internal/procsnap"
	"github.com/sentryd/sentryd/internal/rollback"
	"github.com/sentryd/sentryd/internal/safekill"
	"github.com/sentryd/sentryd/internal/scanner"
	"github.com/sentryd/sentryd/internal/store"
	"github.com/sentryd/sentryd/internal/supervisor"
	"github.com/sentryd/sentryd/internal/whitelist"
	"github.com/sentryd/sentryd/internal/zombie"
)

// defaultZombieThreshold is the zombie count that must be crossed
// before Reap actually calls Wait4, per spec.md §4.10.
const defaultZombieThreshold = 50

// version is overridden at build time via ldflags, matching the
// teacher's own cmd.Version convention.
var version = "0.1.0"

// minTickFallback is the poll interval used if probe.Derive somehow
// returns a non-positive value.
const minTickFallback = 10 * time.Second

// Run builds every component and runs the scheduling loop until ctx is
// canceled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	dataDir := filepath.Dir(cfg.DatabasePath)
	if dataDir == "" || dataDir == "." {
		dataDir = "/var/lib/sentryd"
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("daemon: create data dir: %w", err)
	}

	pidPath := filepath.Join(dataDir, "sentryd.pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	db, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("daemon: open store: %w", err)
	}
	defer db.Close()

	rollbackDir := filepath.Join(dataDir, "rollback")
	rollbackKey, err := rollback.LoadOrCreateKey()
	if err != nil {
		return fmt.Errorf("daemon: load rollback key: %w", err)
	}

	env := probe.Detect()
	thresholds := probe.Derive(env, probe.Base{
		CPUThresholdPct: float64(cfg.CPUThreshold),
		DurationSeconds: cfg.DurationMinutes * 60,
		PollMS:          cfg.PollingIntervalMS,
	})
	pollInterval := time.Duration(thresholds.PollMS) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = minTickFallback
	}

	snap := procsnap.New()
	if err := snap.Refresh(); err != nil {
		log.Warn("daemon: initial process snapshot failed", "error", err)
	}

	tracker := cpuabuse.New(float32(thresholds.CPUThresholdPct), time.Duration(thresholds.Duration)*time.Second)
	supIndex := supervisor.New()
	guard := deployguard.New()
	npmScanner := npmscan.New()

	notifier := notify.New(notify.Config{
		TelegramBotToken: cfg.Telegram.BotToken,
		TelegramChatID:   cfg.Telegram.ChatID,
		DailyReportTime:  cfg.Telegram.DailyReportTime,
	}, log)

	wl, warnings := whitelist.Build(supIndex.All(), cfg.Whitelist.AutoDetect, cfg.Whitelist.ManualPatterns)
	for _, w := range warnings {
		log.Warn("daemon: whitelist pattern rejected", "warning", w)
	}

	cronWatcher := cronwatch.New(db, rollbackDir, rollbackKey)

	scanCfg := scanner.Config{
		ScanPaths:              cfg.FileScanning.ScanPaths,
		QuarantinePath:         cfg.FileScanning.QuarantinePath,
		AutoDelete:             cfg.FileScanning.AutoDelete,
		KillProcessesUsingFile: cfg.FileScanning.KillProcessesUsingFile,
		AggressiveCleanup:      cfg.FileScanning.AggressiveCleanup,
		ParallelScan:           cfg.FileScanning.ParallelScan,
		MaxScanThreads:         cfg.FileScanning.MaxScanThreads,
		DryRun:                 cfg.DryRun,
	}
	fileScanner := scanner.New(scanCfg, scanner.DefaultSignatures(), db, db, rollbackDir, rollbackKey, snap, log)

	killThresholds := safekill.Thresholds{
		HighConfidence: cfg.HighConfidenceThreshold,
		KillThreshold:  cfg.ThreatConfidenceThreshold,
		AutoKill:       cfg.AutoKill,
		DryRun:         cfg.DryRun,
		AuditOnly:      cfg.AuditOnly,
	}
	executor := safekill.NewExecutor(snap, db, rollbackDir, rollbackKey, notifier, killThresholds)

	deployGrace := time.Duration(cfg.DeployGraceMinutes) * time.Minute

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var probeSrv *http.Server
	if cfg.ProbeEnabled {
		probeSrv = startProbeServer(log)
		defer probeSrv.Close()
	}

	watcher, watcherEvents := startFileWatcher(cfg.FileScanning.ScanPaths, log)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	cronEvery := tickCount(5*time.Minute, pollInterval)
	scanEvery := tickCount(time.Duration(cfg.FileScanning.ScanIntervalMinutes)*time.Minute, pollInterval)
	zombieEvery := tickCount(5*time.Minute, pollInterval)
	pruneEvery := tickCount(deployGrace, pollInterval)
	maintainEvery := tickCount(24*time.Hour, pollInterval)

	log.Info("sentryd daemon started", "pid", os.Getpid(), "poll_interval", pollInterval, "database", cfg.DatabasePath, "version", version)
	notifyReady()

	var tick int64
	for {
		select {
		case <-ctx.Done():
			log.Info("sentryd daemon shutting down", "reason", ctx.Err())
			return nil
		case <-sigCh:
			log.Info("sentryd daemon shutting down", "reason", "signal")
			return nil
		case path := <-watcherEvents:
			for _, d := range fileScanner.ScanRoot(ctx, filepath.Dir(path)) {
				if err := db.RecordMalwareFile(d); err != nil {
					log.Warn("daemon: record malware file failed", "error", err)
				}
			}
		case <-ticker.C:
			tick++
			runTick(ctx, &tickDeps{
				snap: snap, tracker: tracker, supIndex: supIndex, whitelist: wl,
				guard: guard, deployGrace: deployGrace, db: db, executor: executor,
				killThresholds: killThresholds, npmScanner: npmScanner, log: log,
			})

			if cronEvery > 0 && tick%cronEvery == 0 {
				runCronScan(cronWatcher, db, cfg, notifier, log)
			}
			if scanEvery > 0 && tick%scanEvery == 0 && cfg.FileScanning.Enabled {
				runFileScan(ctx, fileScanner, db, notifier, log)
			}
			if zombieEvery > 0 && tick%zombieEvery == 0 {
				runZombieCheck(notifier, log)
			}
			if pruneEvery > 0 && tick%pruneEvery == 0 {
				guard.Prune(deployGrace)
			}
			if maintainEvery > 0 && tick%maintainEvery == 0 {
				if err := db.Maintain(ctx); err != nil {
					log.Warn("daemon: maintenance failed", "error", err)
				}
			}
		}
	}
}

// tickCount converts a duration into a tick-modulo count against the
// poll interval, floored at 1 so a shorter-than-poll cadence still
// fires every tick instead of never.
func tickCount(cadence, pollInterval time.Duration) int64 {
	if cadence <= 0 || pollInterval <= 0 {
		return 0
	}
	n := int64(cadence / pollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

type tickDeps struct {
	snap           *procsnap.Snapshot
	tracker        *cpuabuse.Tracker
	supIndex       *supervisor.Index
	whitelist      *whitelist.Set
	guard          *deployguard.Guard
	deployGrace    time.Duration
	db             *store.Store
	executor       *safekill.Executor
	killThresholds safekill.Thresholds
	npmScanner     *npmscan.Scanner
	log            *slog.Logger
}

// runTick implements spec.md §2's per-tick pipeline: C2 refresh -> C3
// analyze -> (per detection) C6 score -> C7 decide/execute.
func runTick(ctx context.Context, d *tickDeps) {
	if err := d.snap.Refresh(); err != nil {
		d.log.Warn("daemon: process refresh failed", "error", err)
		return
	}

	procs := d.snap.All()
	now := time.Now()
	detections := d.tracker.Analyze(procs, now)
	if len(detections) == 0 {
		return
	}

	for _, det := range detections {
		p := model.ProcessInfo{PID: det.PID, PPID: det.PPID, UID: det.UID, Exe: det.Exe, Cmdline: det.Cmdline, CPUPercent: det.MaxCPU}

		sup := d.supIndex.Lookup(p.PID)
		trusted := d.whitelist != nil && d.whitelist.IsTrusted(p)
		deploySuspend := d.guard.ShouldSuspend(p, procs, d.deployGrace)

		prior, havePrior := d.db.LatestSuspiciousByExe(p.Exe)
		var priorPtr *model.SuspiciousRecord
		if havePrior {
			priorPtr = &prior
		}
		durationSec := int64(det.Duration.Seconds())
		confidence := intel.Score(p, durationSec, priorPtr)

		if d.npmScanner != nil {
			if infections := d.npmScanner.Scan(p); len(infections) > 0 {
				for _, inf := range infections {
					if err := d.db.RecordNpmInfection(inf); err != nil {
						d.log.Warn("daemon: record npm infection failed", "error", err)
					}
				}
				confidence = intel.FuseNPM(confidence, npmscan.MaxConfidence(infections))
			}
		}
		if react, ok := npmscan.DetectReact(p, p.CPUPercent); ok {
			confidence = intel.FuseReact(confidence, react.Confidence)
		}

		if err := d.db.RecordProcess(p); err != nil {
			d.log.Warn("daemon: record process failed", "error", err)
		}

		action := safekill.Decide(p, confidence, sup, trusted, deploySuspend, d.killThresholds)

		reason := classify(action, trusted, deploySuspend, sup)
		kill, err := d.executor.Execute(ctx, action, p, sup, reason, confidence)
		if err != nil {
			d.log.Warn("daemon: execute failed", "pid", p.PID, "exe", p.Exe, "action", action, "error", err)
		}
		if err := d.db.RecordKillAction(kill); err != nil {
			d.log.Warn("daemon: record kill action failed", "error", err)
		}

		rec := model.SuspiciousRecord{
			Exe: p.Exe, PID: p.PID, PPID: p.PPID, UID: p.UID, Cmdline: p.Cmdline,
			CPUPercent: p.CPUPercent, DurationSeconds: durationSec, ThreatConfidence: confidence,
			FirstSeen: det.FirstSeen, LastSeen: now,
		}
		if err := d.db.UpsertSuspicious(rec); err != nil {
			d.log.Warn("daemon: upsert suspicious failed", "error", err)
		}

		d.log.Info("sentryd: detection handled", "pid", p.PID, "exe", p.Exe, "action", action, "confidence", confidence, "reason", reason)
	}
}

// classify produces the skip-reason classification string spec.md §7
// requires be logged for every skip decision.
func classify(action safekill.Action, whitelisted, deploySuspend bool, sup model.SupervisorBinding) string {
	switch {
	case whitelisted:
		return "whitelisted"
	case deploySuspend:
		return "deploy-grace"
	case sup.Kind == model.SupervisorNginxUpstream:
		return "nginx-upstream"
	case action == safekill.Notify:
		return "supervisor-low-confidence"
	default:
		return string(action)
	}
}

func runCronScan(w *cronwatch.Watcher, db *store.Store, cfg config.Config, n notify.Notifier, log *slog.Logger) {
	for _, snap := range w.Scan() {
		if err := db.RecordCronSnapshot(snap); err != nil {
			log.Warn("daemon: record cron snapshot failed", "path", snap.Path, "error", err)
		}
		if !snap.Suspicious {
			continue
		}
		log.Warn("daemon: suspicious cron entry observed", "path", snap.Path, "owner", snap.Owner, "reason", snap.Reason)
		if cfg.AutoKill && !cfg.DryRun && !cfg.AuditOnly {
			if _, err := w.RemoveSuspicious(snap.Path); err != nil {
				log.Warn("daemon: cron removal failed", "path", snap.Path, "error", err)
				continue
			}
			n.SendAlert("suspicious cron entry removed", fmt.Sprintf("%s (%s): %s", snap.Path, snap.Owner, snap.Reason))
		}
	}
}

func runFileScan(ctx context.Context, s *scanner.Scanner, db *store.Store, n notify.Notifier, log *slog.Logger) {
	for _, d := range s.ScanAll(ctx) {
		if err := db.RecordMalwareFile(d); err != nil {
			log.Warn("daemon: record malware file failed", "error", err)
		}
		log.Warn("daemon: malware file detected", "path", d.Path, "signature", d.Signature, "outcome", d.Outcome, "size", humanize.Bytes(uint64(d.Size)))
		n.SendAlert("malware file detected", fmt.Sprintf("%s (%s, signature %s, detected %s): %s", d.Path, humanize.Bytes(uint64(d.Size)), d.Signature, humanize.Time(d.Timestamp), d.Outcome))
	}
}

func runZombieCheck(n notify.Notifier, log *slog.Logger) {
	zombieReport, err := zombie.Reap(defaultZombieThreshold)
	if err != nil {
		log.Warn("daemon: zombie scan failed", "error", err)
		return
	}
	if zombieReport.TotalZombies == 0 {
		return
	}
	log.Info("daemon: zombie scan", "total", zombieReport.TotalZombies, "reaped", zombieReport.Reaped, "top_parents", zombieReport.TopParents)
	if zombieReport.Reaped >= 2*defaultZombieThreshold {
		n.SendAlert("zombie processes reaped", fmt.Sprintf("reaped %d zombies across %d parents", zombieReport.Reaped, len(zombieReport.TopParents)))
	}
}

// startFileWatcher installs an fsnotify watch on every scan root,
// funneling write/create events into a channel the main loop drains
// alongside the ticker (spec.md §4.8's inotify-driven trigger).
func startFileWatcher(roots []string, log *slog.Logger) (*fsnotify.Watcher, <-chan string) {
	if len(roots) == 0 {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("daemon: fsnotify unavailable, falling back to scheduled-only scanning", "error", err)
		return nil, nil
	}
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			log.Warn("daemon: fsnotify watch failed", "path", root, "error", err)
		}
	}

	out := make(chan string, 64)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					select {
					case out <- ev.Name:
					default: // backlog full: scheduled scan will catch up
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("daemon: fsnotify error", "error", err)
			}
		}
	}()
	return w, out
}

// startProbeServer binds the optional read-only status endpoint to
// loopback only (spec.md §6: never 0.0.0.0).
func startProbeServer(log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","timestamp":%q,"version":%q}`, time.Now().UTC().Format(time.RFC3339), version)
	})
	srv := &http.Server{Addr: "127.0.0.1:9999", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("daemon: probe server stopped", "error", err)
		}
	}()
	return srv
}

// notifyReady performs a best-effort systemd sd_notify READY=1 write;
// absence of NOTIFY_SOCKET is not an error.
func notifyReady() {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		return
	}
	conn, err := net.Dial("unixgram", sock)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("READY=1"))
}
