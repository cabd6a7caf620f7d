// Package supervisor implements C4, the supervisor index: lazily
// refreshed mappings from pid to the process manager responsible for
// it (PM2, systemd, nginx upstream, or none).
package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentryd/sentryd/internal/model"
)

// snapshot is the immutable, atomically-swapped view readers see.
type snapshot struct {
	pm2     map[int32]model.SupervisorBinding
	systemd map[int32]model.SupervisorBinding
	nginx   map[int32]model.SupervisorBinding
	builtAt time.Time
}

// Index holds the three sub-indices behind an atomically-swapped
// immutable snapshot, refreshed lazily on the first query after its
// TTL expires. Errors during refresh are non-fatal: an empty
// sub-index degrades the safe-kill decision toward KillDirect, never
// toward silent success.
type Index struct {
	TTL time.Duration

	cur      atomic.Pointer[snapshot]
	refresh  sync.Mutex
	Pm2      Pm2Refresher
	Systemd  SystemdRefresher
	Nginx    NginxRefresher
}

// Pm2Refresher, SystemdRefresher, NginxRefresher are narrow interfaces
// so each sub-index can be exercised independently in tests without
// shelling out.
type Pm2Refresher interface {
	Refresh() (map[int32]model.SupervisorBinding, error)
}
type SystemdRefresher interface {
	Refresh() (map[int32]model.SupervisorBinding, error)
}
type NginxRefresher interface {
	Refresh() (map[int32]model.SupervisorBinding, error)
}

// New creates an index with a 45s TTL (within spec.md's 30-60s range)
// and the default shell-out refreshers.
func New() *Index {
	idx := &Index{
		TTL:     45 * time.Second,
		Pm2:     NewPm2Refresher(),
		Systemd: NewSystemdRefresher(),
		Nginx:   NewNginxRefresher(),
	}
	idx.cur.Store(&snapshot{
		pm2:     map[int32]model.SupervisorBinding{},
		systemd: map[int32]model.SupervisorBinding{},
		nginx:   map[int32]model.SupervisorBinding{},
	})
	return idx
}

// Lookup returns the supervisor binding for pid, refreshing the index
// first if its TTL has expired. A sub-index whose refresh fails is
// empty in the new snapshot; its previous entries are not kept.
func (idx *Index) Lookup(pid int32) model.SupervisorBinding {
	idx.maybeRefresh()
	snap := idx.cur.Load()
	if b, ok := snap.pm2[pid]; ok {
		return b
	}
	if b, ok := snap.systemd[pid]; ok {
		return b
	}
	if b, ok := snap.nginx[pid]; ok {
		return b
	}
	return model.SupervisorBinding{Kind: model.SupervisorNone}
}

// All forces a refresh if the TTL has expired and returns every known
// binding across all three sub-indices, for whitelist.Build to seed
// supervisor-derived trust patterns (spec.md §4.5).
func (idx *Index) All() []model.SupervisorBinding {
	idx.maybeRefresh()
	snap := idx.cur.Load()
	bindings := make([]model.SupervisorBinding, 0, len(snap.pm2)+len(snap.systemd)+len(snap.nginx))
	for _, b := range snap.pm2 {
		bindings = append(bindings, b)
	}
	for _, b := range snap.systemd {
		bindings = append(bindings, b)
	}
	for _, b := range snap.nginx {
		bindings = append(bindings, b)
	}
	return bindings
}

func (idx *Index) maybeRefresh() {
	snap := idx.cur.Load()
	if time.Since(snap.builtAt) < idx.TTL {
		return
	}

	idx.refresh.Lock()
	defer idx.refresh.Unlock()

	// Re-check: another goroutine may have refreshed while we waited.
	snap = idx.cur.Load()
	if time.Since(snap.builtAt) < idx.TTL {
		return
	}

	next := &snapshot{builtAt: time.Now()}

	if pm2, err := idx.Pm2.Refresh(); err == nil {
		next.pm2 = pm2
	} else {
		next.pm2 = map[int32]model.SupervisorBinding{}
	}
	if sysd, err := idx.Systemd.Refresh(); err == nil {
		next.systemd = sysd
	} else {
		next.systemd = map[int32]model.SupervisorBinding{}
	}
	if ngx, err := idx.Nginx.Refresh(); err == nil {
		next.nginx = ngx
	} else {
		next.nginx = map[int32]model.SupervisorBinding{}
	}

	idx.cur.Store(next)
}
