// Package pool keeps idle, already-handshaked backend connections per
// destination so a later client command can reuse them with a session
// reset instead of a full handshake.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/config"
)

// Stats holds pool statistics for one destination.
type Stats struct {
	Addr     string `json:"addr"`
	Idle     int    `json:"idle"`
	MaxIdle  int    `json:"max_idle"`
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
	Rejected int64  `json:"rejected_total"`
}

// DestinationPool holds the idle connections of one destination.
type DestinationPool struct {
	mu          sync.Mutex
	addr        string
	maxIdle     int
	idleTimeout time.Duration
	maxLifetime time.Duration

	idle     []*ServerConn
	hits     int64
	misses   int64
	rejected int64

	closed bool
	stopCh chan struct{}
}

// NewDestinationPool creates an idle-connection pool for one destination.
func NewDestinationPool(addr string, cfg config.PoolConfig) *DestinationPool {
	dp := &DestinationPool{
		addr:        addr,
		maxIdle:     cfg.MaxIdlePerDestination,
		idleTimeout: cfg.IdleTimeout,
		maxLifetime: cfg.MaxLifetime,
		stopCh:      make(chan struct{}),
	}

	go dp.reapLoop()
	return dp
}

// Pop takes the most recently pooled live connection, or nil when the
// pool is empty.
func (dp *DestinationPool) Pop() *ServerConn {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	for len(dp.idle) > 0 {
		sc := dp.idle[len(dp.idle)-1]
		dp.idle = dp.idle[:len(dp.idle)-1]

		if sc.IsExpired(dp.maxLifetime) {
			sc.Close()
			continue
		}
		if err := sc.Ping(); err != nil {
			sc.Close()
			continue
		}

		dp.hits++
		return sc
	}

	dp.misses++
	return nil
}

// Add returns a connection to the pool. Returns false without taking
// ownership when the pool is closed or at capacity, or when the connection
// has exceeded the pool's max lifetime.
func (dp *DestinationPool) Add(sc *ServerConn) bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.closed || len(dp.idle) >= dp.maxIdle || sc.IsExpired(dp.maxLifetime) {
		dp.rejected++
		return false
	}

	sc.pooledAt = time.Now()
	dp.idle = append(dp.idle, sc)
	return true
}

// Stats returns current pool statistics.
func (dp *DestinationPool) Stats() Stats {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	return Stats{
		Addr:     dp.addr,
		Idle:     len(dp.idle),
		MaxIdle:  dp.maxIdle,
		Hits:     dp.hits,
		Misses:   dp.misses,
		Rejected: dp.rejected,
	}
}

// Close shuts down the pool and closes all idle connections.
func (dp *DestinationPool) Close() {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return
	}
	dp.closed = true
	close(dp.stopCh)

	idle := dp.idle
	dp.idle = nil
	dp.mu.Unlock()

	for _, sc := range idle {
		sc.Close()
	}
}

func (dp *DestinationPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dp.reapIdle()
		case <-dp.stopCh:
			return
		}
	}
}

func (dp *DestinationPool) reapIdle() {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	kept := dp.idle[:0]
	for _, sc := range dp.idle {
		if sc.IsIdle(dp.idleTimeout) || sc.IsExpired(dp.maxLifetime) {
			sc.Close()
		} else {
			kept = append(kept, sc)
		}
	}
	dp.idle = kept
}

// Manager manages the idle pools of all destinations.
type Manager struct {
	mu        sync.RWMutex
	pools     map[string]*DestinationPool
	cfg       config.PoolConfig
	closeOnce sync.Once
}

// NewManager creates a new pool manager.
func NewManager(cfg config.PoolConfig) *Manager {
	return &Manager{
		pools: make(map[string]*DestinationPool),
		cfg:   cfg,
	}
}

// GetOrCreate returns the pool for a destination, creating it lazily.
func (m *Manager) GetOrCreate(addr string) *DestinationPool {
	m.mu.RLock()
	if p, ok := m.pools[addr]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[addr]; ok {
		return p
	}

	p := NewDestinationPool(addr, m.cfg)
	m.pools[addr] = p
	slog.Info("created backend pool", "addr", addr, "max_idle", m.cfg.MaxIdlePerDestination)
	return p
}

// Get returns the pool for a destination if it exists.
func (m *Manager) Get(addr string) (*DestinationPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[addr]
	return p, ok
}

// UpdateConfig replaces the pool settings for pools created afterwards.
func (m *Manager) UpdateConfig(cfg config.PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// AllStats returns stats for all destination pools.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Close shuts down all pools. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		pools := m.pools
		m.pools = make(map[string]*DestinationPool)
		m.mu.Unlock()

		for _, p := range pools {
			p.Close()
		}
	})
}
