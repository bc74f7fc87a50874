package pty

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"
)

// createWait is the window Create gives a fresh PTY to produce initial
// output before returning.
const createWait = 500 * time.Millisecond

// Manager owns the PTYs of one session, keyed by process id.
type Manager struct {
	sessionID string

	mu    sync.RWMutex
	procs map[string]*Process

	logger *slog.Logger
}

// NewManager creates an empty manager for the given session.
func NewManager(sessionID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessionID: sessionID,
		procs:     map[string]*Process{},
		logger:    logger,
	}
}

// SessionID returns the owning session's identifier.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Create validates and spawns a PTY, publishes it under a unique id, and
// waits briefly for initial output. Creation never blocks on the child
// running to completion.
func (m *Manager) Create(ctx context.Context, opts Options) (*Process, error) {
	p, err := New(opts, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for {
		if _, exists := m.procs[p.ID]; !exists {
			break
		}
		p.setID(NewID(), m.logger)
	}
	m.procs[p.ID] = p
	m.mu.Unlock()

	if err := p.Start(); err != nil {
		m.mu.Lock()
		delete(m.procs, p.ID)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case <-time.After(createWait):
	case <-p.Exited():
	case <-ctx.Done():
	}
	return p, nil
}

// Get looks up a PTY by id.
func (m *Manager) Get(id string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[id]
	return p, ok
}

// All returns the PTYs sorted by creation time.
func (m *Manager) All() []*Process {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	sort.Slice(procs, func(i, j int) bool {
		return procs[i].CreatedAt().Before(procs[j].CreatedAt())
	})
	return procs
}

// Count returns the number of managed PTYs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.procs)
}

// Remove unlists a PTY and schedules its disposal. It reports whether
// the id existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	p, ok := m.procs[id]
	if ok {
		delete(m.procs, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	go p.Dispose(syscall.SIGTERM)
	m.logger.Info("pty removed", "pty_id", id)
	return true
}

// Dispose tears down every PTY in parallel and empties the manager.
func (m *Manager) Dispose(sig syscall.Signal) {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.procs = map[string]*Process{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Dispose(sig)
		}(p)
	}
	wg.Wait()
}

// RefreshIdle marks stale active PTYs idle.
func (m *Manager) RefreshIdle(threshold time.Duration) {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	for _, p := range procs {
		if p.MarkIdleIfStale(threshold) {
			m.logger.Debug("pty idle", "pty_id", p.ID)
		}
	}
}
