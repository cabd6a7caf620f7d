package procutil

import "time"

// Rate computes the per-second rate between two counter values.
func Rate(prev, curr uint64, dt time.Duration) float64 {
	if dt <= 0 || curr < prev {
		return 0
	}
	return float64(curr-prev) / dt.Seconds()
}

// ClockTicksPerSec is USER_HZ on every Linux platform this project
// targets. getconf(1) confirms 100 on all supported kernels; reading
// it dynamically would need cgo, so it is a constant here as it is in
// every /proc-reading tool in this corpus.
const ClockTicksPerSec = 100

// CPUPercent converts a delta of utime+stime clock ticks over a wall
// clock interval into a CPU percentage (100 == one full core busy).
func CPUPercent(prevTicks, currTicks uint64, dt time.Duration) float32 {
	if dt <= 0 || currTicks < prevTicks {
		return 0
	}
	seconds := float64(currTicks-prevTicks) / ClockTicksPerSec
	return float32(seconds / dt.Seconds() * 100)
}
