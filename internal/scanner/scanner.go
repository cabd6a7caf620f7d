// Package scanner implements C8: a periodic/inotify-driven scan of
// configured roots against a fixed signature table, with move-to-vault
// or delete quarantine, aggressive origin cleanup, and a bounded
// worker pool for hashing — grounded on the teacher's streaming-hash
// style (collector/bigfiles.go reads large files via io.Copy into a
// hasher rather than loading them whole) and its fixed-size
// goroutine-pool-over-a-work-channel shape (collector/ebpf/runner.go's
// pack-of-probes fan-out, generalized here to a pack-of-file-hashers).
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio"

	"github.com/sentryd/sentryd/internal/cronwatch"
	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procsnap"
	"github.com/sentryd/sentryd/internal/rollback"
)

const maxScanDepth = 20

// HashCache is the (path, mtime) -> (sha256, size) memoization
// interface, satisfied by store.Store.
type HashCache interface {
	CachedHash(path string, mtime time.Time) (sha256 string, size int64, ok bool)
	PutCachedHash(path string, mtime time.Time, sha256 string, size int64) error
}

// RollbackWriter persists a signed manifest; satisfied by store.Store.
type RollbackWriter interface {
	SaveRollback(m model.RollbackManifest) error
}

// Config bundles the "file_scanning.*" options from spec.md §6.
type Config struct {
	ScanPaths          []string
	QuarantinePath     string
	AutoDelete         bool
	KillProcessesUsingFile bool
	AggressiveCleanup  bool
	ParallelScan       bool
	MaxScanThreads     int
	DryRun             bool
}

// Scanner carries out C8's detection pipeline.
type Scanner struct {
	Cfg         Config
	Signatures  []Signature
	Cache       HashCache
	Rollback    RollbackWriter
	RollbackDir string
	RollbackKey []byte
	Snapshot    *procsnap.Snapshot
	CronDir     string
	Log         *slog.Logger
}

// New wires a scanner against its dependencies. A nil logger falls
// back to slog.Default().
func New(cfg Config, sigs []Signature, cache HashCache, rw RollbackWriter, rollbackDir string, rollbackKey []byte, snap *procsnap.Snapshot, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxScanThreads <= 0 {
		cfg.MaxScanThreads = 4
	}
	_, cronDir := cronwatch.Sources()
	return &Scanner{
		Cfg: cfg, Signatures: sigs, Cache: cache, Rollback: rw,
		RollbackDir: rollbackDir, RollbackKey: rollbackKey, Snapshot: snap,
		CronDir: cronDir, Log: log,
	}
}

// ScanAll walks every configured root and returns every detection
// found (scheduled-interval trigger).
func (s *Scanner) ScanAll(ctx context.Context) []model.MalwareFile {
	var detections []model.MalwareFile
	for _, root := range s.Cfg.ScanPaths {
		detections = append(detections, s.ScanRoot(ctx, root)...)
	}
	return detections
}

// ScanRoot walks one root (the inotify-driven single-root trigger, or
// one entry of ScanAll's fan-out), hashing files through the shared
// cache and matching against the signature table.
func (s *Scanner) ScanRoot(ctx context.Context, root string) []model.MalwareFile {
	files := s.collectFiles(root)
	if len(files) == 0 {
		return nil
	}

	if s.Cfg.ParallelScan && len(files) > 10 {
		return s.hashAndDetectParallel(ctx, files)
	}
	var out []model.MalwareFile
	for _, f := range files {
		if d, ok := s.hashAndDetect(ctx, f); ok {
			out = append(out, d...)
		}
	}
	return out
}

// collectFiles walks root, skipping symlinks, /proc, /sys, /dev, and
// anything deeper than maxScanDepth (spec.md §4.8).
func (s *Scanner) collectFiles(root string) []string {
	var files []string
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // transient: entry vanished mid-walk
		}
		if path == "/proc" || path == "/sys" || path == "/dev" {
			return filepath.SkipDir
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if depth > maxScanDepth {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files
}

// hashAndDetectParallel feeds files through one job channel to
// s.Cfg.MaxScanThreads workers, each resolving hashes independently
// through the shared cache, collecting results on a channel.
func (s *Scanner) hashAndDetectParallel(ctx context.Context, files []string) []model.MalwareFile {
	jobs := make(chan string, len(files))
	results := make(chan []model.MalwareFile, len(files))

	var wg sync.WaitGroup
	for i := 0; i < s.Cfg.MaxScanThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if d, ok := s.hashAndDetect(ctx, path); ok {
					results <- d
				}
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []model.MalwareFile
	for d := range results {
		out = append(out, d...)
	}
	return out
}

// hashAndDetect resolves path's hash (cache hit or streamed SHA-256),
// matches against every signature, and runs the detection pipeline for
// each match.
func (s *Scanner) hashAndDetect(ctx context.Context, path string) ([]model.MalwareFile, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}

	var sum string
	if s.Cache != nil {
		if cached, _, ok := s.Cache.CachedHash(path, info.ModTime()); ok {
			sum = cached
		}
	}
	if sum == "" {
		sum, err = sha256File(path)
		if err != nil {
			return nil, false
		}
		if s.Cache != nil {
			_ = s.Cache.PutCachedHash(path, info.ModTime(), sum, info.Size())
		}
	}

	basename := filepath.Base(path)
	var detections []model.MalwareFile
	for _, sig := range s.Signatures {
		if !sig.Match(path, basename, sum) {
			continue
		}
		detections = append(detections, s.handleDetection(ctx, path, info, sig, sum))
	}
	if len(detections) == 0 {
		return nil, false
	}
	return detections, true
}

// sha256File streams the file through crypto/sha256 without loading it
// whole into memory (collector/bigfiles.go's streaming-read style).
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// handleDetection runs spec.md §4.8's pipeline steps a-d for one
// matched file and returns the row; the caller appends it to the audit
// log (step e).
func (s *Scanner) handleDetection(ctx context.Context, path string, info os.FileInfo, sig Signature, hash string) model.MalwareFile {
	row := model.MalwareFile{
		Timestamp:   time.Now(),
		Path:        path,
		Signature:   sig.Name,
		Hash:        hash,
		Size:        info.Size(),
		ThreatLevel: sig.ThreatLevel,
	}

	if s.Cfg.DryRun {
		row.Outcome = "detect-only:dry-run"
		return row
	}

	// (a) kill every process bound to this file.
	if s.Cfg.KillProcessesUsingFile && s.Snapshot != nil {
		s.killProcessesUsing(ctx, path)
	}

	// (b) aggressive origin cleanup, opt-in.
	var removed []model.RollbackAction
	if s.Cfg.AggressiveCleanup {
		removed = s.cleanupOrigin(path)
	}

	// (c)+(d): quarantine or delete the file itself, manifest first.
	vaultPath := s.quarantinePath(path)
	action := model.RollbackAction{Kind: model.RestoreFile, From: vaultPath, To: path}
	if s.Cfg.AutoDelete {
		action = model.RollbackAction{Kind: model.RestoreFile, From: "", To: path}
	}
	if err := s.writeManifest(append(removed, action)); err != nil {
		s.Log.Warn("scanner: write rollback failed", "path", path, "error", err)
	}

	if s.Cfg.AutoDelete {
		if err := os.Remove(path); err != nil {
			row.Outcome = "error: " + err.Error()
			return row
		}
		row.Outcome = "deleted"
		return row
	}

	if err := s.moveToVault(path, vaultPath); err != nil {
		row.Outcome = "error: " + err.Error()
		return row
	}
	row.Outcome = "quarantined"
	row.VaultPath = vaultPath
	return row
}

func (s *Scanner) quarantinePath(path string) string {
	ts := time.Now().Format("20060102_150405")
	return filepath.Join(s.Cfg.QuarantinePath, fmt.Sprintf("%s_%s", ts, filepath.Base(path)))
}

// moveToVault clears the readonly bit, then moves path into the
// quarantine vault, preserving basename and timestamp for rollback.
func (s *Scanner) moveToVault(path, vaultPath string) error {
	if err := os.MkdirAll(s.Cfg.QuarantinePath, 0700); err != nil {
		return fmt.Errorf("scanner: mkdir vault: %w", err)
	}
	_ = os.Chmod(path, 0600)
	if err := os.Rename(path, vaultPath); err != nil {
		// Cross-device rename: copy then remove.
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		if werr := renameio.WriteFile(vaultPath, data, 0600); werr != nil {
			return werr
		}
		return os.Remove(path)
	}
	return nil
}

// killProcessesUsing kills (SIGTERM -> 2s -> SIGKILL over the full
// tree, matching safekill's tree-kill sequence) every process whose
// exe is path, whose cmdline references path, or which has path open
// via /proc/<pid>/fd.
func (s *Scanner) killProcessesUsing(ctx context.Context, path string) {
	for _, p := range s.Snapshot.All() {
		if p.Exe == path || strings.Contains(p.Cmdline, path) || hasFDOpen(p.PID, path) {
			s.killTree(ctx, p.PID)
		}
	}
}

func hasFDOpen(pid int32, path string) bool {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err == nil && target == path {
			return true
		}
	}
	return false
}

func (s *Scanner) killTree(ctx context.Context, pid int32) {
	tree := s.Snapshot.Tree(pid)
	for i := len(tree) - 1; i >= 0; i-- {
		_ = syscall.Kill(int(tree[i]), syscall.SIGTERM)
	}
	sleep(ctx, 2*time.Second)
	_ = s.Snapshot.Refresh()
	survivors := s.Snapshot.Tree(pid)
	for i := len(survivors) - 1; i >= 0; i-- {
		_ = syscall.Kill(int(survivors[i]), syscall.SIGKILL)
	}
}

// sleep blocks for d or until ctx is canceled, whichever comes first,
// matching safekill's cancellable wait so a shutdown doesn't stall
// behind the kill tree's grace period.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cleanupOrigin implements spec.md §4.8b: delete the parent directory
// if every file in it matches the suspicious-name predicate; always
// delete same-directory siblings that match; remove any cron entry
// referencing path by full path or filename.
func (s *Scanner) cleanupOrigin(path string) []model.RollbackAction {
	var actions []model.RollbackAction
	dir := filepath.Dir(path)

	entries, err := os.ReadDir(dir)
	if err == nil {
		allSuspicious := len(entries) > 0
		var siblingActions []model.RollbackAction
		for _, e := range entries {
			if e.IsDir() {
				allSuspicious = false
				continue
			}
			if !isSuspiciousName(e.Name()) {
				allSuspicious = false
				continue
			}
			siblingPath := filepath.Join(dir, e.Name())
			if siblingPath == path {
				continue
			}
			siblingActions = append(siblingActions, model.RollbackAction{
				Kind: model.RestoreFile, From: s.quarantinePath(siblingPath), To: siblingPath,
			})
			_ = os.Remove(siblingPath)
		}
		actions = append(actions, siblingActions...)

		if allSuspicious {
			vaultDir := s.quarantinePath(dir)
			if err := copyDir(dir, vaultDir); err == nil {
				actions = append(actions, model.RollbackAction{Kind: model.RestoreDirectory, From: vaultDir, DirPath: dir})
			}
			_ = os.RemoveAll(dir)
		}
	}

	actions = append(actions, s.removeCronReferences(path)...)
	return actions
}

// copyDir recursively copies src into dst before a destructive
// RemoveAll, so a RestoreDirectory rollback action has something to
// restore from.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0600)
	})
}

func isSuspiciousName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range suspiciousNameMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// removeCronReferences scans all cron locations and removes entries
// referencing path by full path or basename.
func (s *Scanner) removeCronReferences(path string) []model.RollbackAction {
	var actions []model.RollbackAction
	basename := filepath.Base(path)
	for _, cronPath := range cronwatch.AllFiles() {
		data, err := os.ReadFile(cronPath)
		if err != nil {
			continue
		}
		content := string(data)
		if !strings.Contains(content, path) && !strings.Contains(content, basename) {
			continue
		}
		actions = append(actions, model.RollbackAction{
			Kind: model.RestoreCron, CronUser: cronwatch.Owner(cronPath, s.CronDir), CronFile: cronPath, CronContent: content,
		})
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.Contains(line, path) || strings.Contains(line, basename) {
				continue
			}
			kept = append(kept, line)
		}
		_ = renameio.WriteFile(cronPath, []byte(strings.Join(kept, "\n")), filePermOf(cronPath))
	}
	return actions
}

func filePermOf(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0644
}

func (s *Scanner) writeManifest(actions []model.RollbackAction) error {
	m := rollback.New(time.Now(), actions)
	if len(s.RollbackKey) > 0 {
		if err := rollback.Sign(&m, s.RollbackKey); err != nil {
			return err
		}
	}
	if s.RollbackDir != "" {
		if err := rollback.Save(s.RollbackDir, m); err != nil {
			return err
		}
	}
	if s.Rollback != nil {
		return s.Rollback.SaveRollback(m)
	}
	return nil
}
