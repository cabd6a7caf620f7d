package npmscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

func TestDetectReactIgnoresNonNodeProcess(t *testing.T) {
	p := model.ProcessInfo{Exe: "/usr/bin/python3", Cmdline: "python3 serve.py"}
	_, ok := DetectReact(p, 90)
	assert.False(t, ok)
}

func TestDetectReactBelowConfidenceFloor(t *testing.T) {
	p := model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node next start"}
	_, ok := DetectReact(p, 10)
	assert.False(t, ok)
}

func TestDetectReactHighCPUCryptoKeywordsTrip(t *testing.T) {
	p := model.ProcessInfo{PID: 42, Exe: "/usr/bin/node", Cmdline: "node next start --crypto-miner"}
	det, ok := DetectReact(p, 25)
	require.True(t, ok)
	assert.Equal(t, int32(42), det.PID)
	assert.GreaterOrEqual(t, det.Confidence, float32(0.5))
	assert.NotEmpty(t, det.Reasons)
}

func TestDetectReactDynamicCodeExecution(t *testing.T) {
	p := model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node next start eval(Function(x))"}
	det, ok := DetectReact(p, 22)
	require.True(t, ok)
	assert.Contains(t, det.Reasons, "dynamic code execution detected")
}
