package npmscan

import (
	"strings"

	"github.com/sentryd/sentryd/internal/model"
)

// Detection is a React-dev-server abuse heuristic result (spec.md
// §4.6's "React-server heuristic" fed into FuseReact), ported from the
// original react_detector.rs's ReactAbuseDetection.
type Detection struct {
	PID        int32
	Exe        string
	Confidence float32
	Reasons    []string
}

// DetectReact runs react_detector.rs's heuristics against a Node
// process: CPU load inside a react/next/remix server, crypto-flavored
// cmdline tokens, and dynamic code execution. Returns ok=false when the
// accumulated confidence is at or below 0.5, matching the original's gate.
func DetectReact(p model.ProcessInfo, cpuPercent float32) (Detection, bool) {
	exe, cmdline := p.Exe, p.Cmdline
	if !strings.Contains(exe, "node") && !strings.Contains(cmdline, "node") {
		return Detection{}, false
	}

	var confidence float32
	var reasons []string

	if strings.Contains(cmdline, "react") || strings.Contains(cmdline, "next") || strings.Contains(cmdline, "remix") {
		if cpuPercent > 15 {
			confidence += 0.3
			reasons = append(reasons, "high CPU in React server process")
		}
		if cpuPercent > 20 {
			confidence += 0.2
			reasons = append(reasons, "sustained high CPU in React handler")
		}
	}

	if strings.Contains(cmdline, "crypto") || strings.Contains(cmdline, "miner") || strings.Contains(cmdline, "hash") {
		confidence += 0.4
		reasons = append(reasons, "crypto-related code in React process")
	}

	if strings.Contains(cmdline, "eval") || strings.Contains(cmdline, "Function(") {
		confidence += 0.3
		reasons = append(reasons, "dynamic code execution detected")
	}

	if confidence <= 0.5 {
		return Detection{}, false
	}
	return Detection{PID: p.PID, Exe: exe, Confidence: clamp01(confidence), Reasons: reasons}, true
}
