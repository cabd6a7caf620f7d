// Package intel implements C6, the threat confidence scorer. It holds
// no state of its own; every call is a pure function of its inputs.
package intel

import (
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

// suspiciousKeywords are substrings checked against a process's
// cmdline, matched case-insensitively.
var suspiciousKeywords = []string{
	"miner", "xmrig", "crypto", "mining", "ccminer", "cpuminer",
	"stratum", "pool", "hashrate", "base64", "eval", "exec",
	"wget", "curl", "bash -c", "sh -c",
}

var systemBinDirs = []string{"/usr/bin", "/usr/sbin", "/bin", "/sbin"}
var tmpLikeDirs = []string{"/tmp", "/var/tmp", "/.cache/", "/dev/shm/", "/.local/"}

// Score computes a threat confidence in [0,1] for a process currently
// flagged as a CPU abuser. If prior is non-nil, the restart/
// accumulation branch runs instead of the first-seen branch, keeping
// the score monotone across process restarts.
func Score(p model.ProcessInfo, durationSec int64, prior *model.SuspiciousRecord) float32 {
	if prior != nil {
		score := prior.ThreatConfidence
		if prior.PID != p.PID {
			score += 0.2
		}
		if prior.SpawnCount > 3 {
			score += 0.1
		}
		return clamp01(score)
	}

	var score float32
	switch {
	case p.CPUPercent >= 30:
		score += 0.4
	case p.CPUPercent >= 20:
		score += 0.3
	}

	if durationSec >= 600 {
		score += 0.2
	}

	if underAny(p.Exe, systemBinDirs) {
		score *= 0.3
	}

	if containsKeyword(p.Cmdline) {
		score += 0.2
	}

	if underAnySubstring(p.Exe, tmpLikeDirs) {
		score += 0.2
	}

	if p.PPID > 1 && p.PPID != p.PID {
		score += 0.1
	}

	return clamp01(score)
}

// FuseNPM folds an npm-infection confidence into a base score.
func FuseNPM(score, npmLevel float32) float32 {
	return clamp01(score + 0.3*npmLevel)
}

// FuseReact folds a React-dev-server heuristic confidence into a base score.
func FuseReact(score, reactConfidence float32) float32 {
	return clamp01(score + 0.2*reactConfidence)
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

func underAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(path, d+"/") || path == d {
			return true
		}
	}
	return false
}

func underAnySubstring(path string, dirs []string) bool {
	for _, d := range dirs {
		if strings.Contains(path, d) {
			return true
		}
	}
	return false
}

func containsKeyword(cmdline string) bool {
	lower := strings.ToLower(cmdline)
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DurationSince is a small helper used by callers to convert a
// first-seen timestamp into the seconds value Score expects.
func DurationSince(firstSeen, now time.Time) int64 {
	return int64(now.Sub(firstSeen).Seconds())
}
