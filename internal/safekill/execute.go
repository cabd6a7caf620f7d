package safekill

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procsnap"
	"github.com/sentryd/sentryd/internal/rollback"
)

const shellTimeout = 10 * time.Second

// RollbackWriter persists a signed manifest before a destructive
// branch runs (P5). Satisfied by store.Store, kept as a narrow
// interface here so safekill never imports the persistence package
// directly.
type RollbackWriter interface {
	SaveRollback(m model.RollbackManifest) error
}

// Notifier is the subset of internal/notify.Notifier execute.go needs.
type Notifier interface {
	SendAlert(title, body string)
}

// Executor carries out a Decide verdict. Every mutating branch is
// gated behind guardDryRun (dry_run/audit_only) and, for KillDirect,
// the auto_kill check that follows it, so the invariant holds by
// construction rather than per-call-site discipline.
type Executor struct {
	Snapshot  *procsnap.Snapshot
	Rollback  RollbackWriter
	RollbackDir string
	RollbackKey []byte
	Notify    Notifier
	Cfg       Thresholds
}

// NewExecutor wires an executor against a live process snapshot,
// rollback persistence, and the external notifier.
func NewExecutor(snap *procsnap.Snapshot, rw RollbackWriter, rollbackDir string, rollbackKey []byte, n Notifier, cfg Thresholds) *Executor {
	return &Executor{Snapshot: snap, Rollback: rw, RollbackDir: rollbackDir, RollbackKey: rollbackKey, Notify: n, Cfg: cfg}
}

// Execute runs action against p, returning the audit row to persist.
// sup is the supervisor binding Decide consumed to reach action; the
// StopPm2/StopUnit branches shell out against its Pm2Name/Pm2User/
// SystemdUnit fields, never against p.Exe (spec.md §4.7 "pm2 stop
// <app>", "systemctl stop <unit>").
func (e *Executor) Execute(ctx context.Context, action Action, p model.ProcessInfo, sup model.SupervisorBinding, reason string, confidence float32) (model.KillAction, error) {
	row := model.KillAction{
		Timestamp:  time.Now(),
		PID:        p.PID,
		Exe:        p.Exe,
		Action:     string(action),
		Confidence: confidence,
		Reason:     reason,
	}

	switch action {
	case Skip:
		row.Outcome = "skipped"
		return row, nil
	case Notify:
		if e.Notify != nil {
			e.Notify.SendAlert("sentryd: suspicious process", fmt.Sprintf("%s (pid %d): %s", p.Exe, p.PID, reason))
		}
		row.Outcome = "notified"
		return row, nil
	}

	if e.guardDryRun(&row) {
		return row, nil
	}

	if action == KillDirect && !e.Cfg.AutoKill {
		if e.Notify != nil {
			e.Notify.SendAlert("sentryd: suspicious process (auto_kill disabled)", fmt.Sprintf("%s (pid %d): %s", p.Exe, p.PID, reason))
		}
		row.Action = string(Notify)
		row.Outcome = "notified"
		return row, nil
	}

	if err := e.writeRollback(action, p, sup); err != nil {
		return row, fmt.Errorf("safekill: write rollback: %w", err)
	}

	var err error
	switch action {
	case StopPm2:
		err = e.stopPm2(ctx, sup)
	case StopUnit:
		err = e.stopUnit(ctx, sup)
	case KillDirect:
		err = e.killTree(ctx, &row, p)
	default:
		err = fmt.Errorf("safekill: unknown action %q", action)
	}

	if err != nil {
		row.Outcome = "error: " + err.Error()
		return row, err
	}
	if row.Outcome == "" {
		row.Outcome = "ok"
	}
	return row, nil
}

// guardDryRun centralizes the dry_run/audit_only modifier: both stop
// the executor after decision logging, before any mutation.
func (e *Executor) guardDryRun(row *model.KillAction) bool {
	if e.Cfg.DryRun || e.Cfg.AuditOnly {
		row.Outcome = "dry-run"
		return true
	}
	return false
}

func (e *Executor) writeRollback(action Action, p model.ProcessInfo, sup model.SupervisorBinding) error {
	if e.Rollback == nil {
		return nil
	}
	m := rollback.New(time.Now(), []model.RollbackAction{
		{Kind: model.RestartProcess, Command: restartCommandFor(action, sup, p)},
	})
	if len(e.RollbackKey) > 0 {
		if err := rollback.Sign(&m, e.RollbackKey); err != nil {
			return err
		}
	}
	if e.RollbackDir != "" {
		if err := rollback.Save(e.RollbackDir, m); err != nil {
			return err
		}
	}
	return e.Rollback.SaveRollback(m)
}

func restartCommandFor(action Action, sup model.SupervisorBinding, p model.ProcessInfo) string {
	switch action {
	case StopPm2:
		return fmt.Sprintf("pm2 restart %s", pm2Target(sup, p))
	case StopUnit:
		return fmt.Sprintf("systemctl start %s", systemdTarget(sup, p))
	default:
		return fmt.Sprintf("# manual restart required for pid %d (%s)", p.PID, p.Exe)
	}
}

// pm2Target and systemdTarget fall back to p.Exe only when the
// supervisor binding somehow carries no name, so a malformed binding
// degrades to a no-op shell-out rather than a panic.
func pm2Target(sup model.SupervisorBinding, p model.ProcessInfo) string {
	if sup.Pm2Name != "" {
		return sup.Pm2Name
	}
	return p.Exe
}

func systemdTarget(sup model.SupervisorBinding, p model.ProcessInfo) string {
	if sup.SystemdUnit != "" {
		return sup.SystemdUnit
	}
	return p.Exe
}

// stopPm2 shells out "pm2 stop <app>" as the recorded PM2 user
// (spec.md §4.7), never against the raw binary path.
func (e *Executor) stopPm2(ctx context.Context, sup model.SupervisorBinding) error {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	var cmd *exec.Cmd
	if sup.Pm2User != "" && sup.Pm2User != "root" {
		cmd = exec.CommandContext(ctx, "sudo", "-u", sup.Pm2User, "pm2", "stop", sup.Pm2Name)
	} else {
		cmd = exec.CommandContext(ctx, "pm2", "stop", sup.Pm2Name)
	}
	return cmd.Run()
}

// stopUnit shells out "systemctl stop <unit>" against the recorded
// systemd unit name (spec.md §4.7), never against the raw binary path.
func (e *Executor) stopUnit(ctx context.Context, sup model.SupervisorBinding) error {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	active := exec.CommandContext(ctx, "systemctl", "is-active", sup.SystemdUnit).Run() == nil
	if !active {
		return nil
	}
	return exec.CommandContext(ctx, "systemctl", "stop", sup.SystemdUnit).Run()
}

// killTree delivers SIGTERM bottom-up over the process's full
// descendant tree, waits, SIGKILLs survivors, waits again, then
// re-snapshots to detect respawn (spec.md §9 "no cascading kill of the
// parent without its own confidence").
func (e *Executor) killTree(ctx context.Context, row *model.KillAction, p model.ProcessInfo) error {
	tree := e.Snapshot.Tree(p.PID)
	if len(tree) > 1 {
		row.Action = string(KillTree)
	}

	for i := len(tree) - 1; i >= 0; i-- {
		_ = syscall.Kill(int(tree[i]), syscall.SIGTERM)
	}

	if !sleep(ctx, 2*time.Second) {
		return ctx.Err()
	}

	_ = e.Snapshot.Refresh()
	survivors := e.Snapshot.Tree(p.PID)
	for i := len(survivors) - 1; i >= 0; i-- {
		_ = syscall.Kill(int(survivors[i]), syscall.SIGKILL)
	}

	if !sleep(ctx, 5*time.Second) {
		return ctx.Err()
	}

	_ = e.Snapshot.Refresh()
	if reincarnation, ok := e.Snapshot.ByPID(p.PID); ok && reincarnation.Exe == p.Exe {
		e.handleRespawn(reincarnation)
	} else if respawned := findByExe(e.Snapshot, p.Exe); respawned != nil {
		e.handleRespawn(*respawned)
	}

	return nil
}

func (e *Executor) handleRespawn(np model.ProcessInfo) {
	if e.Notify != nil {
		e.Notify.SendAlert("sentryd: respawn detected", fmt.Sprintf("%s respawned as pid %d (ppid %d)", np.Exe, np.PID, np.PPID))
	}
	// Deliberately no cascading kill of the new parent here — a parent
	// is only ever killed through its own confidence score.
}

func findByExe(s *procsnap.Snapshot, exe string) *model.ProcessInfo {
	for _, p := range s.All() {
		if p.Exe == exe {
			p := p
			return &p
		}
	}
	return nil
}

// sleep waits for d or ctx cancellation, returning false if cancelled.
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
