package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procutil"
)

var execStartUnitRE = regexp.MustCompile(`(?i)node|next|nest|pm2`)

var systemdUnitDirs = []string{
	"/etc/systemd/system",
	"/usr/lib/systemd/system",
}

type systemdRefresher struct {
	unitDirs  []string
	mainPIDOf func(ctx context.Context, unit string) (int32, error)
}

// NewSystemdRefresher creates the default systemd unit-file-based refresher.
func NewSystemdRefresher() *systemdRefresher {
	return &systemdRefresher{unitDirs: systemdUnitDirs, mainPIDOf: systemctlMainPID}
}

// Refresh parses *.service files under the unit directories, keeps
// units whose ExecStart looks like a Node/PM2 workload, and resolves
// MainPID via `systemctl show` (spec.md §4.4).
func (r *systemdRefresher) Refresh() (map[int32]model.SupervisorBinding, error) {
	out := make(map[int32]model.SupervisorBinding)
	ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
	defer cancel()

	for _, dir := range r.unitDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".service") {
				continue
			}
			content, err := procutil.ReadFileString(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			kv := unitKeyValues(content)
			execStart := kv["ExecStart"]
			if !execStartUnitRE.MatchString(execStart) {
				continue
			}
			unit := e.Name()
			pid, err := r.mainPIDOf(ctx, unit)
			if err != nil || pid <= 0 {
				continue
			}
			out[pid] = model.SupervisorBinding{Kind: model.SupervisorSystemd, SystemdUnit: unit}
		}
	}
	return out, nil
}

// unitKeyValues parses "Key=Value" lines from a systemd unit file,
// ignoring section headers and comments.
func unitKeyValues(content string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") || strings.HasPrefix(line, ";") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		m[key] = val
	}
	return m
}
