package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

type fakeRefresher struct {
	bindings map[int32]model.SupervisorBinding
}

func (f fakeRefresher) Refresh() (map[int32]model.SupervisorBinding, error) {
	return f.bindings, nil
}

func newTestIndex() *Index {
	idx := &Index{
		TTL:     time.Hour,
		Pm2:     fakeRefresher{bindings: map[int32]model.SupervisorBinding{1: {Kind: model.SupervisorPm2, Pm2Name: "app"}}},
		Systemd: fakeRefresher{bindings: map[int32]model.SupervisorBinding{2: {Kind: model.SupervisorSystemd, SystemdUnit: "app.service"}}},
		Nginx:   fakeRefresher{bindings: map[int32]model.SupervisorBinding{3: {Kind: model.SupervisorNginxUpstream, NginxName: "upstream-app"}}},
	}
	idx.cur.Store(&snapshot{
		pm2:     map[int32]model.SupervisorBinding{},
		systemd: map[int32]model.SupervisorBinding{},
		nginx:   map[int32]model.SupervisorBinding{},
	})
	return idx
}

func TestAllFlattensEverySubIndex(t *testing.T) {
	idx := newTestIndex()
	bindings := idx.All()
	require.Len(t, bindings, 3)

	var kinds []model.SupervisorKind
	for _, b := range bindings {
		kinds = append(kinds, b.Kind)
	}
	assert.Contains(t, kinds, model.SupervisorPm2)
	assert.Contains(t, kinds, model.SupervisorSystemd)
	assert.Contains(t, kinds, model.SupervisorNginxUpstream)
}

func TestLookupReturnsNoneForUnknownPID(t *testing.T) {
	idx := newTestIndex()
	got := idx.Lookup(999)
	assert.Equal(t, model.SupervisorNone, got.Kind)
}

func TestLookupFindsPm2Binding(t *testing.T) {
	idx := newTestIndex()
	got := idx.Lookup(1)
	assert.Equal(t, model.SupervisorPm2, got.Kind)
	assert.Equal(t, "app", got.Pm2Name)
}
