package nntp

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"davstream/pkg/logger"
)

// Manager owns the process-wide pool. A pool is rebuilt when the requested
// configuration no longer matches the live one; concurrent warm-up
// requests for the same config share a single build.
type Manager struct {
	mu      sync.Mutex
	current *Pool
	group   singleflight.Group
}

func NewManager() *Manager { return &Manager{} }

// Pool returns a live pool for cfg, building or rebuilding as needed.
func (m *Manager) Pool(cfg PoolConfig) (*Pool, error) {
	m.mu.Lock()
	if m.current != nil && m.current.Matches(cfg) {
		p := m.current
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(cfg.Key(), func() (any, error) {
		m.mu.Lock()
		stale := m.current
		m.current = nil
		m.mu.Unlock()
		if stale != nil {
			logger.Info("Rebuilding NNTP pool for new configuration", "host", cfg.Host)
			stale.Close()
		}

		p, err := NewPool(cfg)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.current = p
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// Shutdown closes any live pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	p := m.current
	m.current = nil
	m.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
