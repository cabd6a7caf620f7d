package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentryd/sentryd/internal/model"
)

func TestBuildAutoDetectSeedsSupervisorBindings(t *testing.T) {
	bindings := []model.SupervisorBinding{
		{Kind: model.SupervisorPm2, Pm2Name: "my-api"},
	}
	set, warnings := Build(bindings, true, nil)
	assert.Empty(t, warnings)
	assert.True(t, set.IsTrusted(model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node my-api/server.js"}))
}

func TestBuildWithoutAutoDetectIgnoresSupervisorBindings(t *testing.T) {
	bindings := []model.SupervisorBinding{
		{Kind: model.SupervisorPm2, Pm2Name: "my-distinctive-app-name"},
	}
	set, _ := Build(bindings, false, nil)
	assert.False(t, set.IsTrusted(model.ProcessInfo{Exe: "/usr/bin/node", Cmdline: "node my-distinctive-app-name/server.js"}))
}

func TestBuildAlwaysCompilesDefaultPatterns(t *testing.T) {
	set, _ := Build(nil, false, nil)
	assert.True(t, set.IsTrusted(model.ProcessInfo{Exe: "/usr/bin/pm2", Cmdline: "pm2"}))
}

func TestBuildRejectsInvalidManualPatternWithoutFailing(t *testing.T) {
	set, warnings := Build(nil, false, []string{"("})
	assert.NotEmpty(t, warnings)
	assert.NotNil(t, set)
}

func TestBuildCompilesValidManualPattern(t *testing.T) {
	set, warnings := Build(nil, false, []string{"^my-custom-tool$"})
	assert.Empty(t, warnings)
	assert.True(t, set.IsTrusted(model.ProcessInfo{Exe: "my-custom-tool"}))
}
