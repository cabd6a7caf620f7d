// Package safekill implements C7: the decision table that turns a
// scored process into an action, and the executor that carries that
// action out with every destructive branch gated behind a signed
// rollback manifest.
package safekill

import (
	"strings"

	"github.com/sentryd/sentryd/internal/model"
)

// Action is the outcome of Decide.
type Action string

const (
	Skip       Action = "Skip"
	Notify     Action = "Notify"
	StopPm2    Action = "StopPm2"
	StopUnit   Action = "StopUnit"
	KillDirect Action = "KillDirect"
	KillTree   Action = "KillTree"
)

// neverKillPrefixes are checked first, unconditionally, ahead of every
// other branch (P7 — these processes are never a valid kill target no
// matter the confidence score).
var neverKillPrefixes = []string{
	"/sbin/init",
	"/usr/sbin/sshd",
	"/usr/bin/systemd",
	"/lib/systemd/",
}

// Thresholds bundles the confidence gates and global modifiers read
// from config.
type Thresholds struct {
	HighConfidence float32
	KillThreshold  float32
	AutoKill       bool
	DryRun         bool
	AuditOnly      bool
}

// suspiciousExeDirs are the always-suspicious tmp dirs; the
// "non-whitelisted /home/*" locations step 5 of the decision table
// refers to are matched separately by the /home/ prefix check.
var suspiciousExeDirs = []string{"/tmp", "/var/tmp"}

// Decide implements spec.md §4.7's decision table verbatim, including
// the deploy-guard short-circuit before step 2 and the hard-coded
// never-kill prefixes checked first.
func Decide(p model.ProcessInfo, confidence float32, sup model.SupervisorBinding, whitelisted, deploySuspend bool, cfg Thresholds) Action {
	for _, prefix := range neverKillPrefixes {
		if strings.HasPrefix(p.Exe, prefix) {
			return Skip
		}
	}

	if whitelisted {
		return Skip
	}

	if deploySuspend {
		return Skip
	}

	switch sup.Kind {
	case model.SupervisorPm2:
		if confidence >= cfg.HighConfidence {
			return StopPm2
		}
		return Notify
	case model.SupervisorSystemd:
		if confidence >= cfg.HighConfidence {
			return StopUnit
		}
		return Notify
	case model.SupervisorNginxUpstream:
		return Notify
	}

	if isUnderHomeOrTmp(p.Exe) && confidence >= cfg.KillThreshold {
		return KillDirect
	}

	return Notify
}

func isUnderHomeOrTmp(exe string) bool {
	for _, d := range suspiciousExeDirs {
		if strings.HasPrefix(exe, d+"/") || exe == d {
			return true
		}
	}
	return strings.HasPrefix(exe, "/home/")
}
