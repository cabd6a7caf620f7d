// Package procsnap implements C2, the process snapshot: a periodic
// read of the kernel's process table into a consistent {pid ->
// ProcessInfo} map, plus tree queries (ancestors, descendants) over
// the ppid graph of that one snapshot.
package procsnap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procutil"
)

// maxAncestors bounds Ancestors() against ppid cycles or corrupt chains.
const maxAncestors = 100

// cpuSample is the raw counter this package needs to turn utime+stime
// into a CPU percentage across two ticks.
type cpuSample struct {
	ticks uint64
	at    time.Time
}

// Snapshot holds one consistent {pid -> ProcessInfo} view of /proc.
// Refresh() replaces the view; subsequent queries refer to that view
// until the next Refresh().
type Snapshot struct {
	mu    sync.RWMutex
	byPID map[int32]model.ProcessInfo
	prev  map[int32]cpuSample
}

// New creates an empty snapshot. Call Refresh before querying it.
func New() *Snapshot {
	return &Snapshot{byPID: make(map[int32]model.ProcessInfo), prev: make(map[int32]cpuSample)}
}

// Refresh reads /proc and replaces the snapshot's contents. CPUPercent
// on each ProcessInfo is computed against the previous Refresh's
// sample for that pid; a pid seen for the first time gets 0%.
func (s *Snapshot) Refresh() error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return fmt.Errorf("read /proc: %w", err)
	}

	now := time.Now()

	s.mu.RLock()
	prevSamples := s.prev
	s.mu.RUnlock()

	next := make(map[int32]model.ProcessInfo, len(entries))
	nextSamples := make(map[int32]cpuSample, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid := procutil.ParseInt(e.Name())
		if pid <= 0 {
			continue
		}
		pi, ticks, err := readProcess(int32(pid))
		if err != nil {
			// Transient: process may have exited mid-read. Skip it.
			continue
		}
		if prev, ok := prevSamples[pi.PID]; ok {
			pi.CPUPercent = procutil.CPUPercent(prev.ticks, ticks, now.Sub(prev.at))
		}
		next[pi.PID] = pi
		nextSamples[pi.PID] = cpuSample{ticks: ticks, at: now}
	}

	s.mu.Lock()
	s.byPID = next
	s.prev = nextSamples
	s.mu.Unlock()
	return nil
}

// All returns every ProcessInfo in the current snapshot.
func (s *Snapshot) All() []model.ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProcessInfo, 0, len(s.byPID))
	for _, pi := range s.byPID {
		out = append(out, pi)
	}
	return out
}

// ByPID looks up a single pid in the current snapshot.
func (s *Snapshot) ByPID(pid int32) (model.ProcessInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pi, ok := s.byPID[pid]
	return pi, ok
}

// Ancestors returns pid's parent chain, stopping at ppid=0 or a
// self-parent (to break cycles), bounded at maxAncestors entries.
func (s *Snapshot) Ancestors(pid int32) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int32
	cur := pid
	seen := map[int32]bool{}
	for i := 0; i < maxAncestors; i++ {
		pi, ok := s.byPID[cur]
		if !ok {
			break
		}
		if pi.PPID == 0 || pi.PPID == cur || seen[pi.PPID] {
			break
		}
		out = append(out, pi.PPID)
		seen[pi.PPID] = true
		cur = pi.PPID
	}
	return out
}

// Descendants does a DFS over the ppid map rooted at pid, returning
// every pid found below it (not including pid itself).
func (s *Snapshot) Descendants(pid int32) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := make(map[int32][]int32, len(s.byPID))
	for p, pi := range s.byPID {
		children[pi.PPID] = append(children[pi.PPID], p)
	}

	var out []int32
	visited := map[int32]bool{pid: true}
	stack := append([]int32{}, children[pid]...)
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		stack = append(stack, children[cur]...)
	}
	return out
}

// Tree returns pid plus all of its descendants.
func (s *Snapshot) Tree(pid int32) []int32 {
	return append([]int32{pid}, s.Descendants(pid)...)
}

// readProcess returns the process's ProcessInfo and its raw utime+stime
// tick count (for CPU-percent delta computation by the caller).
func readProcess(pid int32) (model.ProcessInfo, uint64, error) {
	pi := model.ProcessInfo{PID: pid}
	pidDir := fmt.Sprintf("/proc/%d", pid)

	content, err := procutil.ReadFileString(filepath.Join(pidDir, "stat"))
	if err != nil {
		return pi, 0, err
	}
	// comm can contain spaces/parens; split on the last ')'.
	closeIdx := strings.LastIndex(content, ")")
	if closeIdx < 0 {
		return pi, 0, fmt.Errorf("bad stat format for pid %d", pid)
	}
	rest := strings.Fields(content[closeIdx+2:])
	if len(rest) < 15 {
		return pi, 0, fmt.Errorf("stat too short for pid %d", pid)
	}
	pi.PPID = procutil.ParseInt32(rest[1])
	utime := procutil.ParseUint64(rest[11])
	stime := procutil.ParseUint64(rest[12])

	if status, err := procutil.ParseKeyValueFile(filepath.Join(pidDir, "status")); err == nil {
		pi.UID = parseFirstUID(status["Uid"])
	}

	exe, err := os.Readlink(filepath.Join(pidDir, "exe"))
	if err != nil {
		pi.Exe = "unknown"
	} else {
		pi.Exe = exe
	}

	if cmdline, err := procutil.ReadFileString(filepath.Join(pidDir, "cmdline")); err == nil {
		pi.Cmdline = model.TruncateCmdline(strings.ReplaceAll(strings.TrimRight(cmdline, "\x00"), "\x00", " "))
	}

	return pi, utime + stime, nil
}

func parseFirstUID(s string) uint32 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	return uint32(procutil.ParseInt(fields[0]))
}
