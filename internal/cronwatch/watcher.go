// Package cronwatch implements C9: snapshotting and content-hashing
// the system's cron locations, flagging suspicious patterns, and
// removing them with a backup copy and a signed RestoreCron rollback
// manifest.
package cronwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/rollback"
)

// suspiciousPatterns are spec.md §4.9's regex rules (the base64 rule
// split into its echo-pipe and "base64 -d" halves), checked in order;
// the remaining two rules are plain substring + length/exclusion
// checks handled in isSuspicious.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`echo ['"]?[A-Za-z0-9+/=]{50,}['"]? \|`),
	regexp.MustCompile(`base64 -d`),
	regexp.MustCompile(`(curl|wget) .* \| ?(bash|sh|zsh)`),
	regexp.MustCompile(`npm install.* &&`),
	regexp.MustCompile(`\$\{?[A-Z_]+\}? .* \| ?(bash|sh)`),
}

// Sources returns the cron locations spec.md §4.9 names. crontabDir
// entries are keyed by filename = owning user.
func Sources() (files []string, crontabDir string) {
	files = []string{"/etc/crontab"}
	for _, glob := range []string{
		"/etc/cron.d/*",
		"/etc/cron.hourly/*",
		"/etc/cron.daily/*",
		"/etc/cron.weekly/*",
		"/etc/cron.monthly/*",
	} {
		matches, _ := filepath.Glob(glob)
		files = append(files, matches...)
	}
	return files, "/var/spool/cron/crontabs"
}

// AllFiles returns every concrete cron file to snapshot, including the
// per-user crontabs (file name = owning user).
func AllFiles() []string {
	files, crontabDir := Sources()
	if entries, err := os.ReadDir(crontabDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(crontabDir, e.Name()))
			}
		}
	}
	return files
}

// Owner returns the owning user for a cron file: the filename itself
// for per-user crontabs, "root" for the system locations.
func Owner(path, crontabDir string) string {
	if filepath.Dir(path) == crontabDir {
		return filepath.Base(path)
	}
	return "root"
}

// isSuspicious implements spec.md §4.9's six match rules.
func isSuspicious(content string) (bool, string) {
	for _, re := range suspiciousPatterns {
		if re.MatchString(content) {
			return true, re.String()
		}
	}
	if strings.Contains(content, "base64") && len(content) > 200 {
		return true, "contains base64 and >200 bytes"
	}
	if strings.Contains(content, "npm install") && !strings.Contains(content, "npm ci") {
		return true, "npm install without npm ci"
	}
	return false, ""
}

// Snapshot reads path, hashes its content, and reports whether it is
// suspicious. The hash is what the caller compares against the prior
// snapshot to detect a content change.
func Snapshot(path, crontabDir string) (model.CronSnapshot, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CronSnapshot{}, "", err
	}
	content := string(data)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	suspicious, reason := isSuspicious(content)
	snap := model.CronSnapshot{
		Timestamp:  time.Now(),
		Path:       path,
		Owner:      Owner(path, crontabDir),
		Hash:       hash,
		Suspicious: suspicious,
		Reason:     reason,
	}
	return snap, content, nil
}

// Watcher carries out the scan-and-flag loop plus safe removal of
// suspicious files, every removal gated behind a signed rollback
// manifest (P5).
type Watcher struct {
	CrontabDir string

	RollbackDir string
	RollbackKey []byte
	Store       RollbackWriter

	lastHash map[string]string
}

// RollbackWriter persists a signed manifest; satisfied by store.Store.
type RollbackWriter interface {
	SaveRollback(m model.RollbackManifest) error
}

// New creates a watcher against the default cron locations.
func New(rw RollbackWriter, rollbackDir string, rollbackKey []byte) *Watcher {
	_, crontabDir := Sources()
	return &Watcher{
		CrontabDir:  crontabDir,
		RollbackDir: rollbackDir,
		RollbackKey: rollbackKey,
		Store:       rw,
		lastHash:    make(map[string]string),
	}
}

// Scan snapshots every cron file, returning one CronSnapshot per file
// that has changed since the last scan (or is new).
func (w *Watcher) Scan() []model.CronSnapshot {
	var changed []model.CronSnapshot
	for _, path := range AllFiles() {
		snap, _, err := Snapshot(path, w.CrontabDir)
		if err != nil {
			continue // transient: file vanished mid-scan
		}
		if w.lastHash[path] == snap.Hash {
			continue
		}
		w.lastHash[path] = snap.Hash
		snap.Outcome = "observed"
		changed = append(changed, snap)
	}
	return changed
}

// RemoveSuspicious performs spec.md §4.9's safe-removal sequence: copy
// to a timestamped backup, rewrite excluding matching non-empty lines
// (keeping a comment marker if that would empty the file), atomically
// rename over the original via renameio, and persist a signed
// RestoreCron manifest recording the original content before rewrite.
func (w *Watcher) RemoveSuspicious(path string) (model.CronSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CronSnapshot{}, fmt.Errorf("cronwatch: read %s: %w", path, err)
	}
	original := string(data)
	owner := Owner(path, w.CrontabDir)

	if err := w.writeManifest(owner, path, original); err != nil {
		return model.CronSnapshot{}, fmt.Errorf("cronwatch: write rollback: %w", err)
	}

	backupPath := fmt.Sprintf("%s.backup.%d", path, time.Now().Unix())
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return model.CronSnapshot{}, fmt.Errorf("cronwatch: write backup: %w", err)
	}

	kept := filterLines(original)
	if err := renameio.WriteFile(path, []byte(kept), filePermOf(path)); err != nil {
		return model.CronSnapshot{}, fmt.Errorf("cronwatch: atomic rewrite: %w", err)
	}

	sum := sha256.Sum256([]byte(kept))
	return model.CronSnapshot{
		Timestamp:  time.Now(),
		Path:       path,
		Owner:      owner,
		Hash:       hex.EncodeToString(sum[:]),
		Suspicious: true,
		Reason:     "safe-removed",
		Outcome:    "removed:" + backupPath,
	}, nil
}

// filterLines drops every non-empty line that independently matches
// the suspicious predicate, keeping everything else. If that would
// leave the file with no non-blank content, a comment marker line is
// kept instead (spec.md §4.9 "if removing the only non-blank line,
// keep a comment marker line").
func filterLines(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, line)
			continue
		}
		if suspicious, _ := isSuspicious(line); suspicious {
			continue
		}
		kept = append(kept, line)
	}

	anyContent := false
	for _, l := range kept {
		if strings.TrimSpace(l) != "" {
			anyContent = true
			break
		}
	}
	if !anyContent {
		return "# sentryd: removed suspicious cron entries\n"
	}
	return strings.Join(kept, "\n")
}

func filePermOf(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0644
}

func (w *Watcher) writeManifest(owner, path, content string) error {
	m := rollback.New(time.Now(), []model.RollbackAction{
		{Kind: model.RestoreCron, CronUser: owner, CronFile: path, CronContent: content},
	})
	if len(w.RollbackKey) > 0 {
		if err := rollback.Sign(&m, w.RollbackKey); err != nil {
			return err
		}
	}
	if w.RollbackDir != "" {
		if err := rollback.Save(w.RollbackDir, m); err != nil {
			return err
		}
	}
	if w.Store != nil {
		return w.Store.SaveRollback(m)
	}
	return nil
}
