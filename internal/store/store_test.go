package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sentryd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestUpsertSuspiciousSpawnCountAndRestart(t *testing.T) {
	s := openTestStore(t)

	first := model.SuspiciousRecord{
		PID: 100, Exe: "/tmp/x", ThreatConfidence: 0.3,
		FirstSeen: time.Now(), LastSeen: time.Now(), SpawnCount: 1,
	}
	require.NoError(t, s.UpsertSuspicious(first))

	second := first
	second.PID = 101
	second.ThreatConfidence = 0.5
	second.SpawnCount = 2
	second.RestartDetected = true
	require.NoError(t, s.UpsertSuspicious(second))

	rec, ok := s.LatestSuspiciousByExe("/tmp/x")
	require.True(t, ok)
	assert.Equal(t, int32(101), rec.PID)
	assert.Equal(t, float32(0.5), rec.ThreatConfidence)
	assert.True(t, rec.RestartDetected)
}

func TestCachedHashRoundTrip(t *testing.T) {
	s := openTestStore(t)
	mtime := time.Unix(1700000000, 0)

	_, _, ok := s.CachedHash("/tmp/x", mtime)
	assert.False(t, ok)

	require.NoError(t, s.PutCachedHash("/tmp/x", mtime, "deadbeef", 42))
	sum, size, ok := s.CachedHash("/tmp/x", mtime)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", sum)
	assert.Equal(t, int64(42), size)

	// A different mtime invalidates the cache entry (P9).
	_, _, ok = s.CachedHash("/tmp/x", mtime.Add(time.Second))
	assert.False(t, ok)
}

func TestSaveRollbackAndKillAction(t *testing.T) {
	s := openTestStore(t)

	m := model.RollbackManifest{ID: "r1", Timestamp: time.Now(), Actions: nil, HMAC: "abc"}
	require.NoError(t, s.SaveRollback(m))

	k := model.KillAction{Timestamp: time.Now(), PID: 5, Exe: "/tmp/x", Action: "KillDirect", Confidence: 0.9, Reason: "test", Outcome: "ok"}
	require.NoError(t, s.RecordKillAction(k))
}
