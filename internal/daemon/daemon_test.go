package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/safekill"
)

func TestTickCountFloorsAtOne(t *testing.T) {
	assert.Equal(t, int64(1), tickCount(1*time.Second, 10*time.Second))
	assert.Equal(t, int64(30), tickCount(5*time.Minute, 10*time.Second))
	assert.Equal(t, int64(0), tickCount(0, 10*time.Second))
	assert.Equal(t, int64(0), tickCount(5*time.Minute, 0))
}

func TestClassifyPrefersWhitelistOverEverythingElse(t *testing.T) {
	got := classify(safekill.KillTree, true, true, model.SupervisorBinding{Kind: model.SupervisorNginxUpstream})
	assert.Equal(t, "whitelisted", got)
}

func TestClassifyDeployGraceBeforeSupervisor(t *testing.T) {
	got := classify(safekill.KillTree, false, true, model.SupervisorBinding{Kind: model.SupervisorNginxUpstream})
	assert.Equal(t, "deploy-grace", got)
}

func TestClassifyFallsBackToActionName(t *testing.T) {
	got := classify(safekill.KillTree, false, false, model.SupervisorBinding{Kind: model.SupervisorNone})
	assert.Equal(t, "KillTree", got)
}
