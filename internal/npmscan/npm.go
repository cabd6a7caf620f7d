// Package npmscan implements the npm/Node application-tree scanner
// spec.md §1 names among the things the core observes ("npm/Node
// application trees") and §4.6 folds into C6 via FuseNPM: given a
// Node process, walk its working directory's package.json (and a
// bounded depth into node_modules) for known-miner package names and
// suspicious install-script patterns, emitting NpmInfection audit rows
// for anything over the 0.3 threshold — ported from the original
// npm_scanner.rs's NpmScanner, package.json parsing replaced with
// encoding/json and WalkDir's recursive descent replaced with
// path/filepath's.
package npmscan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

const nodeModulesMaxDepth = 6

// knownMinerPackages are substrings of a dependency name that alone
// push its threat level to 0.9, matching npm_scanner.rs's fixed list.
var knownMinerPackages = []string{"coinhive", "cryptonight", "xmrig", "miner", "crypto-miner"}

// suspiciousScriptPatterns are substrings of a package.json script
// name that each add 0.2 to the accumulated threat level.
var suspiciousScriptPatterns = []string{"miner", "crypto", "coin", "hash", "mine", "xmrig", "stratum", "pool"}

type packageJSON struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Scripts              map[string]string `json:"scripts"`
}

// Scanner walks a Node process's working directory for suspicious
// package.json dependencies and scripts. Stateless beyond its pattern
// tables, so the zero value via New is safe to share across ticks.
type Scanner struct{}

// New creates an npm/Node dependency scanner.
func New() *Scanner { return &Scanner{} }

// Scan inspects p's working directory (derived from its cmdline or its
// binary's ancestor directories) for package.json dependencies and
// scripts over the 0.3 threat threshold. Returns nil for non-Node
// processes or when no working directory can be resolved.
func (s *Scanner) Scan(p model.ProcessInfo) []model.NpmInfection {
	if !strings.Contains(p.Exe, "node") && !strings.Contains(p.Cmdline, "node") {
		return nil
	}
	dir, ok := extractWorkingDir(p)
	if !ok {
		return nil
	}
	return s.scanDirectory(dir)
}

// MaxConfidence returns the highest Confidence across infections, the
// summary "npm_level" spec.md §4.6's fusion step expects, or 0 for an
// empty slice.
func MaxConfidence(infections []model.NpmInfection) float32 {
	var max float32
	for _, inf := range infections {
		if inf.Confidence > max {
			max = inf.Confidence
		}
	}
	return max
}

// extractWorkingDir mirrors npm_scanner.rs's extract_working_dir: look
// for an absolute .js argument in the cmdline first, then walk up from
// the binary's directory looking for a node_modules sibling.
func extractWorkingDir(p model.ProcessInfo) (string, bool) {
	for _, part := range strings.Fields(p.Cmdline) {
		if !strings.HasSuffix(part, ".js") {
			continue
		}
		if filepath.IsAbs(part) {
			return filepath.Dir(part), true
		}
	}

	dir := filepath.Dir(p.Exe)
	for i := 0; i < 10; i++ {
		if info, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// scanDirectory checks dir's own package.json, then its node_modules
// tree, for dependencies whose threat level clears 0.3.
func (s *Scanner) scanDirectory(dir string) []model.NpmInfection {
	var out []model.NpmInfection

	if pkg, ok := readPackageJSON(filepath.Join(dir, "package.json")); ok {
		for name, version := range mergedDeps(pkg) {
			if threat := threatLevel(name, pkg.Scripts); threat > 0.3 {
				out = append(out, model.NpmInfection{
					Timestamp:  time.Now(),
					Path:       dir,
					Confidence: threat,
					Reason:     fmt.Sprintf("dependency %s@%s in %s", name, version, dir),
					Outcome:    "detected",
				})
			}
		}
	}

	out = append(out, s.scanNodeModules(filepath.Join(dir, "node_modules"))...)
	return out
}

// scanNodeModules walks a node_modules tree (bounded depth, scoped
// packages add one extra level) looking for nested package.json files
// whose own name or scripts clear the threat threshold.
func (s *Scanner) scanNodeModules(root string) []model.NpmInfection {
	var out []model.NpmInfection
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if d.IsDir() {
			if depth > nodeModulesMaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "package.json" {
			return nil
		}
		pkg, ok := readPackageJSON(path)
		if !ok || pkg.Name == "" {
			return nil
		}
		if threat := threatLevel(pkg.Name, pkg.Scripts); threat > 0.3 {
			out = append(out, model.NpmInfection{
				Timestamp:  time.Now(),
				Path:       filepath.Dir(path),
				Confidence: threat,
				Reason:     fmt.Sprintf("package %s@%s", pkg.Name, pkg.Version),
				Outcome:    "detected",
			})
		}
		return nil
	})
	return out
}

func readPackageJSON(path string) (packageJSON, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return packageJSON{}, false
	}
	var pkg packageJSON
	if json.Unmarshal(data, &pkg) != nil {
		return packageJSON{}, false
	}
	return pkg, true
}

func mergedDeps(pkg packageJSON) map[string]string {
	deps := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies)+len(pkg.OptionalDependencies))
	for name, version := range pkg.Dependencies {
		deps[name] = version
	}
	for name, version := range pkg.DevDependencies {
		deps[name] = version
	}
	for name, version := range pkg.OptionalDependencies {
		deps[name] = version
	}
	return deps
}

// threatLevel implements npm_scanner.rs's calculate_threat_level: a
// known-miner substring match short-circuits to 0.9; otherwise each
// suspicious script-name pattern adds 0.2 and a postinstall script
// adds 0.3, clamped to 1.0.
func threatLevel(name string, scripts map[string]string) float32 {
	lower := strings.ToLower(name)
	for _, known := range knownMinerPackages {
		if strings.Contains(lower, known) {
			return 0.9
		}
	}

	var threat float32
	for scriptName := range scripts {
		scriptLower := strings.ToLower(scriptName)
		for _, pattern := range suspiciousScriptPatterns {
			if strings.Contains(scriptLower, pattern) {
				threat += 0.2
			}
		}
	}
	if _, ok := scripts["postinstall"]; ok {
		threat += 0.3
	}
	return clamp01(threat)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
