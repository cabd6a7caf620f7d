package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

// shellTimeout is the hard ceiling every external tool invocation gets
// per spec.md §9 — past this, the call is considered failed and the
// sub-index degrades to empty rather than blocking the refresh.
const shellTimeout = 10 * time.Second

type pm2App struct {
	Name string `json:"name"`
	PM2Env struct {
		PMID int    `json:"pm_id"`
		PID  int32  `json:"pid"`
		CWD  string `json:"pm_cwd"`
	} `json:"pm2_env"`
	PID int32 `json:"pid"`
}

type pm2Refresher struct {
	candidateUsers func() []string
	run            func(ctx context.Context, user string) ([]byte, error)
}

// NewPm2Refresher creates the default pm2 jlist-based refresher.
func NewPm2Refresher() *pm2Refresher {
	return &pm2Refresher{
		candidateUsers: defaultCandidateUsers,
		run:            runPm2Jlist,
	}
}

// Refresh invokes `pm2 jlist` for every candidate user and parses the
// JSON app list. If pm2 is not installed for any user, it falls back to
// walking the process table for Node processes whose parent's exe name
// contains "pm2" (spec.md §4.4).
func (r *pm2Refresher) Refresh() (map[int32]model.SupervisorBinding, error) {
	out := make(map[int32]model.SupervisorBinding)
	ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
	defer cancel()

	any := false
	for _, u := range r.candidateUsers() {
		data, err := r.run(ctx, u)
		if err != nil {
			continue
		}
		var apps []pm2App
		if err := json.Unmarshal(data, &apps); err != nil {
			continue
		}
		any = true
		for _, app := range apps {
			pid := app.PM2Env.PID
			if pid == 0 {
				pid = app.PID
			}
			if pid == 0 {
				continue
			}
			out[pid] = model.SupervisorBinding{
				Kind:     model.SupervisorPm2,
				Pm2Name:  app.Name,
				Pm2User:  u,
				Pm2AppID: app.PM2Env.PMID,
			}
		}
	}

	if !any {
		return fallbackPm2ByParentExe(), nil
	}
	return out, nil
}

func runPm2Jlist(ctx context.Context, user string) ([]byte, error) {
	var cmd *exec.Cmd
	if user == "" || user == currentUser() {
		cmd = exec.CommandContext(ctx, "pm2", "jlist")
	} else {
		cmd = exec.CommandContext(ctx, "sudo", "-u", user, "pm2", "jlist")
	}
	return cmd.Output()
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// defaultCandidateUsers returns the invoking user plus any users with a
// home directory (common on multi-tenant app hosts running pm2 as a
// non-root service account).
func defaultCandidateUsers() []string {
	users := map[string]bool{currentUser(): true}
	entries, err := os.ReadDir("/home")
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				users[e.Name()] = true
			}
		}
	}
	out := make([]string, 0, len(users))
	for u := range users {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// fallbackPm2ByParentExe walks /proc for node processes whose parent's
// exe basename contains "pm2", used when the pm2 CLI itself is
// unavailable (spec.md §4.4 fallback).
func fallbackPm2ByParentExe() map[int32]model.SupervisorBinding {
	out := make(map[int32]model.SupervisorBinding)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid := parsePidDir(e.Name())
		if pid <= 0 {
			continue
		}
		exe, _ := os.Readlink("/proc/" + e.Name() + "/exe")
		if !strings.Contains(exe, "node") {
			continue
		}
		ppid := readPPID(pid)
		if ppid <= 0 {
			continue
		}
		parentExe, _ := os.Readlink("/proc/" + itoa(ppid) + "/exe")
		if strings.Contains(parentExe, "pm2") {
			out[pid] = model.SupervisorBinding{Kind: model.SupervisorPm2, Pm2Name: "unknown"}
		}
	}
	return out
}
