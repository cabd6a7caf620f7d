package cpuabuse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func proc(pid int32, cpu float32) model.ProcessInfo {
	return model.ProcessInfo{PID: pid, Exe: "/tmp/x", CPUPercent: cpu}
}

func TestThresholdCrossingEmitsAtDuration(t *testing.T) {
	tr := New(20, 4*time.Minute)
	base := time.Now()

	var detections []model.Detection
	for i, cpu := range []float32{25, 25, 25, 25, 25} {
		now := base.Add(time.Duration(i) * time.Minute)
		detections = tr.Analyze([]model.ProcessInfo{proc(100, cpu)}, now)
	}

	require.Len(t, detections, 1)
	assert.Equal(t, int32(100), detections[0].PID)
	assert.GreaterOrEqual(t, detections[0].Duration, 4*time.Minute)
	assert.InDelta(t, float32(25), detections[0].MaxCPU, 0.001)
}

func TestDipResetsFirstSeen(t *testing.T) {
	tr := New(20, 4*time.Minute)
	base := time.Now()

	cpus := []float32{25, 25, 5, 25, 25}
	var last []model.Detection
	for i, cpu := range cpus {
		now := base.Add(time.Duration(i) * time.Minute)
		last = tr.Analyze([]model.ProcessInfo{proc(100, cpu)}, now)
	}

	// Dip at tick 3 resets first_seen; only 2 sustained ticks remain by
	// tick 5, short of the 4-minute bar.
	assert.Empty(t, last)

	tracked := tr.Tracked()
	ta, ok := tracked[100]
	require.True(t, ok)
	assert.Equal(t, base.Add(3*time.Minute), ta.FirstSeen)
}

func TestDisappearingPidIsForgotten(t *testing.T) {
	tr := New(20, time.Minute)
	now := time.Now()
	tr.Analyze([]model.ProcessInfo{proc(200, 30)}, now)
	require.Len(t, tr.Tracked(), 1)

	tr.Analyze([]model.ProcessInfo{}, now.Add(time.Second))
	assert.Empty(t, tr.Tracked())
}

func TestOneDetectionPerTick(t *testing.T) {
	tr := New(20, time.Minute)
	now := time.Now()
	tr.Analyze([]model.ProcessInfo{proc(300, 50)}, now)
	d := tr.Analyze([]model.ProcessInfo{proc(300, 50)}, now.Add(time.Minute))
	require.Len(t, d, 1)

	// Same tick called again wouldn't happen in practice (one Analyze
	// per tick), but the tracked map is idempotent under a stale re-call.
	d2 := tr.Analyze([]model.ProcessInfo{proc(300, 50)}, now.Add(time.Minute))
	assert.Len(t, d2, 1)
}
