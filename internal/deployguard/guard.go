// Package deployguard implements C11: suppressing kill decisions in
// directories with recent VCS or package-manager activity, so a
// deploy-in-progress build process never gets mistaken for abuse.
package deployguard

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

// lockfiles are the package-manager artifacts spec.md §4.11 names;
// a recent mtime on any of these inside the candidate directory counts
// as deploy activity.
var lockfiles = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	filepath.Join("node_modules", ".cache"),
}

// installCmdlineMarkers are the running-install heuristics spec.md
// §4.11 lists; a currently-running process whose cmdline contains both
// the candidate path and one of these counts as deploy activity.
var installCmdlineMarkers = []string{
	"npm install", "yarn install", "pnpm install",
	"npm run build", "yarn build", "next build", "nest build",
}

// Guard is the deploy-grace cache, same TTL-expiring-map shape as the
// supervisor index (C4) — spec.md §9's "read-mostly... cached" pattern
// applied to per-directory deploy timestamps instead of per-pid
// bindings.
type Guard struct {
	mu    sync.Mutex
	cache map[string]time.Time
}

// New creates an empty deploy-guard cache.
func New() *Guard {
	return &Guard{cache: make(map[string]time.Time)}
}

// ShouldSuspend implements spec.md §4.11's checks: a recent .git/HEAD
// or refs/heads mtime, a recent lockfile mtime, or a currently-running
// install/build process referencing the same directory, all within
// graceWindow. Cache entries expire at 2*graceWindow (spec.md §4.11
// "cached entries expire at 2*grace_window").
func (g *Guard) ShouldSuspend(p model.ProcessInfo, allProcs []model.ProcessInfo, graceWindow time.Duration) bool {
	dir := workingDirFor(p)
	if dir == "" {
		return false
	}

	g.mu.Lock()
	if last, ok := g.cache[dir]; ok {
		if time.Since(last) < 2*graceWindow {
			if time.Since(last) < graceWindow {
				g.mu.Unlock()
				return true
			}
			g.mu.Unlock()
			return false
		}
		delete(g.cache, dir)
	}
	g.mu.Unlock()

	observed := g.observeDeployActivity(dir, allProcs, graceWindow)
	if observed {
		g.mu.Lock()
		g.cache[dir] = time.Now()
		g.mu.Unlock()
	}
	return observed
}

// Prune drops cache entries older than 2*graceWindow — the independent
// "deploy-record pruning" counter spec.md §2's control flow names.
func (g *Guard) Prune(graceWindow time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for dir, last := range g.cache {
		if time.Since(last) >= 2*graceWindow {
			delete(g.cache, dir)
		}
	}
}

func (g *Guard) observeDeployActivity(dir string, allProcs []model.ProcessInfo, graceWindow time.Duration) bool {
	if recentMtime(filepath.Join(dir, ".git", "HEAD"), graceWindow) {
		return true
	}
	if headsDir := filepath.Join(dir, ".git", "refs", "heads"); recentMtimeAnyIn(headsDir, graceWindow) {
		return true
	}
	for _, lf := range lockfiles {
		if recentMtime(filepath.Join(dir, lf), graceWindow) {
			return true
		}
	}
	for _, proc := range allProcs {
		if !strings.Contains(proc.Cmdline, dir) {
			continue
		}
		for _, marker := range installCmdlineMarkers {
			if strings.Contains(proc.Cmdline, marker) {
				return true
			}
		}
	}
	return false
}

func recentMtime(path string, window time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < window
}

func recentMtimeAnyIn(dir string, window time.Duration) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < window {
			return true
		}
	}
	return false
}

// workingDirFor derives the candidate directory from the process: the
// first absolute path argument in cmdline that exists on disk, else the
// parent of exe (spec.md §4.11).
func workingDirFor(p model.ProcessInfo) string {
	for _, field := range strings.Fields(p.Cmdline) {
		if strings.HasPrefix(field, "/") {
			if info, err := os.Stat(field); err == nil {
				if info.IsDir() {
					return field
				}
				return filepath.Dir(field)
			}
		}
	}
	if p.Exe != "" && p.Exe != "unknown" {
		return filepath.Dir(p.Exe)
	}
	return ""
}
