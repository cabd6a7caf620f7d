// Package cpuabuse implements C3, the CPU abuse tracker: across
// successive snapshots, it identifies processes sustaining CPU above a
// threshold for at least a duration, continuously.
package cpuabuse

import (
	"sync"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

// Tracker holds per-pid tracking state across ticks. A process is
// reported at most once per tick, and only after sustaining >=
// Threshold for >= Duration wall-clock seconds continuously — a dip
// below threshold resets first-seen (P1, P2).
type Tracker struct {
	mu sync.Mutex

	Threshold float32
	Duration  time.Duration

	tracked map[int32]model.TrackedAbuser
}

// New creates a tracker with the given threshold (CPU percent) and
// minimum sustained duration.
func New(threshold float32, duration time.Duration) *Tracker {
	return &Tracker{
		Threshold: threshold,
		Duration:  duration,
		tracked:   make(map[int32]model.TrackedAbuser),
	}
}

// Analyze runs one tick of the algorithm in spec.md §4.2 over the
// given process list, returning detections for processes that have now
// crossed the sustained-duration bar.
func (t *Tracker) Analyze(procs []model.ProcessInfo, now time.Time) []model.Detection {
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[int32]bool, len(procs))
	var detections []model.Detection

	for _, p := range procs {
		present[p.PID] = true

		if p.CPUPercent < t.Threshold {
			delete(t.tracked, p.PID)
			continue
		}

		ta, ok := t.tracked[p.PID]
		if !ok {
			ta = model.TrackedAbuser{PID: p.PID, FirstSeen: now, MaxCPU: p.CPUPercent}
			t.tracked[p.PID] = ta
			continue
		}
		if p.CPUPercent > ta.MaxCPU {
			ta.MaxCPU = p.CPUPercent
		}
		t.tracked[p.PID] = ta

		if now.Sub(ta.FirstSeen) >= t.Duration {
			detections = append(detections, model.Detection{
				PID:       p.PID,
				Exe:       p.Exe,
				Cmdline:   p.Cmdline,
				UID:       p.UID,
				PPID:      p.PPID,
				MaxCPU:    ta.MaxCPU,
				Duration:  now.Sub(ta.FirstSeen),
				FirstSeen: ta.FirstSeen,
				Now:       now,
			})
		}
	}

	// Remove entries whose pid vanished from this snapshot.
	for pid := range t.tracked {
		if !present[pid] {
			delete(t.tracked, pid)
		}
	}

	return detections
}

// Tracked returns a copy of the current tracker map, for diagnostics.
func (t *Tracker) Tracked() map[int32]model.TrackedAbuser {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int32]model.TrackedAbuser, len(t.tracked))
	for k, v := range t.tracked {
		out[k] = v
	}
	return out
}
