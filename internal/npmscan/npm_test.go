package npmscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func writePackageJSON(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0644))
}

func TestThreatLevelKnownMinerPackage(t *testing.T) {
	assert.Equal(t, float32(0.9), threatLevel("coinhive-stratum", nil))
	assert.Equal(t, float32(0.9), threatLevel("xmrig-wrapper", nil))
	assert.Equal(t, float32(0), threatLevel("express", nil))
}

func TestThreatLevelSuspiciousScripts(t *testing.T) {
	scripts := map[string]string{
		"postinstall": "node setup.js",
		"mine-coins":  "node miner.js",
	}
	got := threatLevel("innocuous-pkg", scripts)
	assert.InDelta(t, 0.7, got, 0.001)
}

func TestThreatLevelClampsAtOne(t *testing.T) {
	scripts := map[string]string{
		"miner": "x", "crypto": "x", "coin": "x", "hash": "x",
		"mine": "x", "xmrig": "x", "stratum": "x", "pool": "x",
		"postinstall": "x",
	}
	assert.Equal(t, float32(1), threatLevel("whatever", scripts))
}

func TestScanDirectoryFindsMinerDependency(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, `{"name":"app","dependencies":{"xmrig-core":"1.0.0"}}`)

	s := New()
	infections := s.scanDirectory(dir)
	require.Len(t, infections, 1)
	assert.Equal(t, float32(0.9), infections[0].Confidence)
	assert.Equal(t, dir, infections[0].Path)
}

func TestScanDirectoryIgnoresCleanDependencies(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, `{"name":"app","dependencies":{"express":"4.0.0"}}`)

	s := New()
	assert.Empty(t, s.scanDirectory(dir))
}

func TestScanSkipsNonNodeProcess(t *testing.T) {
	s := New()
	p := model.ProcessInfo{Exe: "/usr/bin/python3", Cmdline: "python3 app.py"}
	assert.Nil(t, s.Scan(p))
}

func TestScanReturnsNilWithoutResolvableWorkingDir(t *testing.T) {
	s := New()
	p := model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node server.js"}
	assert.Nil(t, s.Scan(p))
}

func TestMaxConfidencePicksHighest(t *testing.T) {
	infections := []model.NpmInfection{
		{Confidence: 0.4},
		{Confidence: 0.9},
		{Confidence: 0.6},
	}
	assert.Equal(t, float32(0.9), MaxConfidence(infections))
	assert.Equal(t, float32(0), MaxConfidence(nil))
}

func TestExtractWorkingDirFromAbsoluteScriptArg(t *testing.T) {
	dir := t.TempDir()
	p := model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node " + filepath.Join(dir, "server.js")}
	got, ok := extractWorkingDir(p)
	require.True(t, ok)
	assert.Equal(t, dir, got)
}
