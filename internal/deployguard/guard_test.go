package deployguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func TestShouldSuspendWithinGraceWindow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte("{}"), 0644))

	p := model.ProcessInfo{PID: 500, Exe: filepath.Join(dir, "node_modules/.bin/next")}
	g := New()

	assert.True(t, g.ShouldSuspend(p, nil, 10*time.Minute))
}

func TestShouldSuspendFalseWithoutActivity(t *testing.T) {
	dir := t.TempDir()
	p := model.ProcessInfo{PID: 501, Exe: filepath.Join(dir, "node_modules/.bin/next")}
	g := New()

	assert.False(t, g.ShouldSuspend(p, nil, 10*time.Minute))
}

func TestShouldSuspendFromRunningInstallProcess(t *testing.T) {
	dir := t.TempDir()
	p := model.ProcessInfo{PID: 502, Exe: filepath.Join(dir, "app")}
	installer := model.ProcessInfo{PID: 503, Cmdline: "npm install --prefix " + dir}
	g := New()

	assert.True(t, g.ShouldSuspend(p, []model.ProcessInfo{installer}, 10*time.Minute))
}

func TestCachedDecisionSuspendsOnlyWithinGraceWindow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte("{}"), 0644))
	p := model.ProcessInfo{PID: 504, Exe: filepath.Join(dir, "app")}

	g := New()
	require.True(t, g.ShouldSuspend(p, nil, 10*time.Millisecond))

	// Remove the lockfile; the cached decision alone should still
	// suspend until it ages past the grace window.
	require.NoError(t, os.Remove(filepath.Join(dir, "package-lock.json")))
	assert.True(t, g.ShouldSuspend(p, nil, 10*time.Millisecond))

	time.Sleep(15 * time.Millisecond)
	assert.False(t, g.ShouldSuspend(p, nil, 10*time.Millisecond))
}
