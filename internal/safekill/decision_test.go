package safekill

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentryd/sentryd/internal/model"
)

var defaultCfg = Thresholds{HighConfidence: 0.8, KillThreshold: 0.6, AutoKill: true}

func TestNeverKillPrefixWinsOverEverything(t *testing.T) {
	p := model.ProcessInfo{Exe: "/usr/sbin/sshd"}
	got := Decide(p, 1.0, model.SupervisorBinding{}, false, false, defaultCfg)
	assert.Equal(t, Skip, got)
}

func TestWhitelistedSkips(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/app/server"}
	got := Decide(p, 1.0, model.SupervisorBinding{}, true, false, defaultCfg)
	assert.Equal(t, Skip, got)
}

func TestDeployGuardShortCircuitsBeforePm2(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/app/server"}
	sup := model.SupervisorBinding{Kind: model.SupervisorPm2, Pm2Name: "app"}
	got := Decide(p, 1.0, sup, false, true, defaultCfg)
	assert.Equal(t, Skip, got)
}

func TestPm2HighConfidenceStops(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/app/server"}
	sup := model.SupervisorBinding{Kind: model.SupervisorPm2, Pm2Name: "app"}
	assert.Equal(t, StopPm2, Decide(p, 0.9, sup, false, false, defaultCfg))
	assert.Equal(t, Notify, Decide(p, 0.5, sup, false, false, defaultCfg))
}

func TestSystemdHighConfidenceStops(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/app/server"}
	sup := model.SupervisorBinding{Kind: model.SupervisorSystemd, SystemdUnit: "app.service"}
	assert.Equal(t, StopUnit, Decide(p, 0.9, sup, false, false, defaultCfg))
	assert.Equal(t, Notify, Decide(p, 0.5, sup, false, false, defaultCfg))
}

func TestNginxUpstreamAlwaysNotifies(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/app/server"}
	sup := model.SupervisorBinding{Kind: model.SupervisorNginxUpstream, NginxName: "api"}
	assert.Equal(t, Notify, Decide(p, 1.0, sup, false, false, defaultCfg))
}

func TestUnsupervisedTmpHighConfidenceKillsDirect(t *testing.T) {
	p := model.ProcessInfo{Exe: "/tmp/.x/miner"}
	got := Decide(p, 0.7, model.SupervisorBinding{}, false, false, defaultCfg)
	assert.Equal(t, KillDirect, got)
}

func TestUnsupervisedTmpLowConfidenceNotifies(t *testing.T) {
	p := model.ProcessInfo{Exe: "/tmp/.x/miner"}
	got := Decide(p, 0.3, model.SupervisorBinding{}, false, false, defaultCfg)
	assert.Equal(t, Notify, got)
}

func TestUnsupervisedElsewhereNotifies(t *testing.T) {
	p := model.ProcessInfo{Exe: "/opt/misc/tool"}
	got := Decide(p, 1.0, model.SupervisorBinding{}, false, false, defaultCfg)
	assert.Equal(t, Notify, got)
}
