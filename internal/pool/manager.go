package pool

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/odz123/nzbdav/internal/config"
)

// Manager owns one ServerPool per configured server and rebuilds the fleet
// on reconfiguration.
type Manager struct {
	mu    sync.RWMutex
	pools []*ServerPool
	dial  DialFunc
	log   *slog.Logger
}

// NewManager creates an empty manager. Call SetServers to build pools.
func NewManager(dial DialFunc) *Manager {
	return &Manager{
		dial: dial,
		log:  slog.Default().With("component", "pool-manager"),
	}
}

// SetServers replaces the pool fleet. Existing pools are closed; health
// counters start fresh, which also re-enables servers disabled for bad
// credentials.
func (m *Manager) SetServers(servers []config.ServerConfig) {
	pools := make([]*ServerPool, 0, len(servers))
	for _, s := range servers {
		pools = append(pools, NewServerPool(s, m.dial))
	}
	sort.SliceStable(pools, func(i, j int) bool {
		return pools[i].cfg.Priority < pools[j].cfg.Priority
	})

	m.mu.Lock()
	old := m.pools
	m.pools = pools
	m.mu.Unlock()

	for _, p := range old {
		p.Close()
	}

	m.log.Info("Server pools configured", "server_count", len(pools))
}

// Pools returns the pools sorted by priority (lower first).
func (m *Manager) Pools() []*ServerPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServerPool, len(m.pools))
	copy(out, m.pools)
	return out
}

// Pool returns the pool for a server id, nil when unknown.
func (m *Manager) Pool(serverID string) *ServerPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		if p.cfg.ID == serverID {
			return p
		}
	}
	return nil
}

// HealthSnapshots returns health copies for every pool.
func (m *Manager) HealthSnapshots() []Health {
	pools := m.Pools()
	out := make([]Health, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.HealthSnapshot())
	}
	return out
}

// ServerConfigs returns the configuration of every pool, priority order.
func (m *Manager) ServerConfigs() []config.ServerConfig {
	pools := m.Pools()
	out := make([]config.ServerConfig, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.cfg)
	}
	return out
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
