// Package whitelist implements C5: a set of regex patterns and binary
// fingerprints built from supervisor metadata, discovered project
// roots, and operator-supplied patterns, answering is_trusted(process).
package whitelist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gobwas/glob"

	"github.com/sentryd/sentryd/internal/model"
)

// defaultPatterns are the fixed list of common supervisors from
// spec.md §4.5, always compiled in.
var defaultPatterns = []string{
	`^next$`,
	`^nest$`,
	`node.*dist/main\.js`,
	`^pm2$`,
	`^systemd$`,
}

// projectRoots are scanned for package.json when building fingerprints
// and trusted working directories.
var projectRoots = []string{
	"/var/www",
	"/srv",
	"/opt",
}

// Set is a compiled, read-mostly whitelist. It is rebuilt wholesale on
// reload and handed to readers as an immutable value (spec.md §9's
// "read-mostly... atomically swapped" design note, same shape as the
// supervisor index).
type Set struct {
	regexes      []*regexp.Regexp
	globs        []glob.Glob
	fingerprints map[string]bool // sha256 hex -> trusted
}

// Build compiles a whitelist from supervisor metadata, project roots
// under the configured directories, and operator-supplied manual
// patterns. autoDetect gates the supervisor-binding and project-root
// discovery (spec.md §6's "whitelist.auto_detect"); when false, only
// the fixed default patterns and manualPatterns are compiled. A manual
// pattern that fails to compile is rejected with a warning (returned
// in the second value), never fatal — but the fixed default patterns
// are compiled with regexp.MustCompile on every Build call and must
// always succeed; a broken
// default pattern is a programmer error, fatal at startup per spec.md
// §7 kind 6.
func Build(bindings []model.SupervisorBinding, autoDetect bool, manualPatterns []string) (*Set, []string) {
	s := &Set{fingerprints: make(map[string]bool)}
	var warnings []string

	for _, p := range defaultPatterns {
		s.regexes = append(s.regexes, regexp.MustCompile(p))
	}

	if autoDetect {
		for _, b := range bindings {
			switch b.Kind {
			case model.SupervisorPm2:
				if b.Pm2Name != "" {
					s.regexes = append(s.regexes, regexp.MustCompile(regexp.QuoteMeta(b.Pm2Name)))
				}
			case model.SupervisorSystemd:
				if b.SystemdUnit != "" {
					s.regexes = append(s.regexes, regexp.MustCompile(regexp.QuoteMeta(b.SystemdUnit)))
				}
			case model.SupervisorNginxUpstream:
				if b.NginxName != "" {
					s.regexes = append(s.regexes, regexp.MustCompile(regexp.QuoteMeta(b.NginxName)))
				}
			}
		}

		for _, root := range projectRoots {
			s.scanProjectRoot(root)
		}
		// /home/*/www and /home/*/projects
		if homes, err := os.ReadDir("/home"); err == nil {
			for _, h := range homes {
				if !h.IsDir() {
					continue
				}
				s.scanProjectRoot(filepath.Join("/home", h.Name(), "www"))
				s.scanProjectRoot(filepath.Join("/home", h.Name(), "projects"))
			}
		}
	}

	for _, p := range manualPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("whitelist: invalid manual pattern %q: %v", p, err))
			continue
		}
		s.regexes = append(s.regexes, re)
	}

	return s, warnings
}

// scanProjectRoot walks one directory (non-recursive at the top level,
// one level into project directories) looking for package.json files,
// adding each project's package.json name as a trust pattern, a glob
// over the project directory, and the package.json content hash as a
// fingerprint.
func (s *Set) scanProjectRoot(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgPath := filepath.Join(root, e.Name(), "package.json")
		data, err := os.ReadFile(pkgPath)
		if err != nil {
			continue
		}
		var pkg struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(data, &pkg) == nil && pkg.Name != "" {
			s.regexes = append(s.regexes, regexp.MustCompile(regexp.QuoteMeta(pkg.Name)))
		}
		if sum, err := sha256File(pkgPath); err == nil {
			s.fingerprints[sum] = true
		}
		g, err := glob.Compile(filepath.Join(root, e.Name(), "**"))
		if err == nil {
			s.globs = append(s.globs, g)
		}
	}
}

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

// IsTrusted returns true if p's exe or cmdline matches any compiled
// pattern, any project-root glob matches its exe path, or its exe's
// SHA-256 is a known package.json fingerprint directory member.
func (s *Set) IsTrusted(p model.ProcessInfo) bool {
	for _, re := range s.regexes {
		if re.MatchString(p.Exe) || re.MatchString(p.Cmdline) {
			return true
		}
	}
	for _, g := range s.globs {
		if g.Match(p.Exe) {
			return true
		}
	}
	if sum, err := sha256File(p.Exe); err == nil {
		if s.fingerprints[sum] {
			return true
		}
	}
	return false
}
