// Package server owns the configured outbound list, their mutable stats,
// and the active-server selection logic described in spec.md §3's
// "server stats" model, grounded on
// proxy-nlb/internal/nlb/router.go's atomically-guarded ModuleEndpoint.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"pegasproxy/internal/config"
	"pegasproxy/internal/queue"
)

// Stats is the mutable per-server state spec.md §3 describes, updated
// solely by Manager.Drain as it consumes the stat queue — never written
// directly by worker goroutines, which only enqueue deltas.
type Stats struct {
	ConnectDelayMS uint32
	G204DelayMS    uint32
	LastChecked    time.Time
	ConnCount      uint32
}

// Manager tracks the configured servers, their live stats, and which one
// is currently active. The active index is read far more often than it's
// written (every new session consults it), so it's stored with
// atomic.Int32 rather than behind the stats mutex.
type Manager struct {
	servers []config.Server
	active  atomic.Int32
	pinned  atomic.Bool

	mu    sync.RWMutex
	stats []Stats
}

// New builds a Manager over the configured servers, defaulting the active
// index to 0 (the first configured server).
func New(servers []config.Server) *Manager {
	return &Manager{
		servers: servers,
		stats:   make([]Stats, len(servers)),
	}
}

// Servers returns the immutable configured server list.
func (m *Manager) Servers() []config.Server {
	return m.servers
}

// Active returns the currently selected server's index and descriptor.
func (m *Manager) Active() (int, config.Server) {
	idx := int(m.active.Load())
	return idx, m.servers[idx]
}

// SetActive pins the active server to idx, used by the control plane's
// set_active command. Once pinned, AutoSelect no longer overrides the
// choice with latency-based selection until the process restarts.
// Returns false if idx is out of range.
func (m *Manager) SetActive(idx int) bool {
	if idx < 0 || idx >= len(m.servers) {
		return false
	}
	m.active.Store(int32(idx))
	m.pinned.Store(true)
	return true
}

// Stats returns a snapshot of server idx's stats.
func (m *Manager) Stats(idx int) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats[idx]
}

// AllStats returns a snapshot of every server's stats, in index order, for
// the control plane's list_servers command.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, len(m.stats))
	copy(out, m.stats)
	return out
}

// PickDefault selects the server with the lowest g204_delay_ms, breaking
// ties by the lower index, and makes it active — spec.md §3's
// latency-based default selection, run once stats have been populated by
// at least one probe cycle. Servers with no successful probe yet
// (G204DelayMS == 0) or marked unhealthy (unhealthySentinel) are skipped;
// if none have a usable reading, index 0 is made active.
func (m *Manager) PickDefault() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := -1
	for i, s := range m.stats {
		if s.G204DelayMS == 0 || s.G204DelayMS == unhealthySentinel {
			continue
		}
		if best == -1 || s.G204DelayMS < m.stats[best].G204DelayMS {
			best = i
		}
	}
	if best == -1 {
		best = 0
	}
	m.active.Store(int32(best))
	return best
}

// AutoSelect runs PickDefault unless the operator has pinned the active
// server via the control plane's set_active command, in which case it
// leaves the pinned choice alone. Called every helper tick so the
// latency-based default tracks fresh probe stats until an operator
// overrides it.
func (m *Manager) AutoSelect() {
	if m.pinned.Load() {
		return
	}
	m.PickDefault()
}

// Drain consumes every message in q, applying stat deltas to the relevant
// server and returning the log messages for the caller to forward to the
// logger — the single place spec.md §3 permits stats mutation from.
func (m *Manager) Drain(q *queue.Queue) []queue.Message {
	var logs []queue.Message
	for _, msg := range q.Drain() {
		switch msg.Kind {
		case queue.KindLog:
			logs = append(logs, msg)
		case queue.KindStat:
			m.applyStat(msg)
		}
	}
	return logs
}

func (m *Manager) applyStat(msg queue.Message) {
	if msg.ServerIdx < 0 || msg.ServerIdx >= len(m.stats) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.stats[msg.ServerIdx]
	switch msg.StatK {
	case queue.StatConnectDelayMS:
		s.ConnectDelayMS = msg.Value
		s.LastChecked = time.Now()
	case queue.StatG204DelayMS:
		s.G204DelayMS = msg.Value
		s.LastChecked = time.Now()
	case queue.StatConnCount:
		s.ConnCount += msg.Value
	}
}
