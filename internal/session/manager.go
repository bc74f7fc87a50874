// Package session tracks client sessions and their PTY managers.
//
// The Manager is the single owner of the session table. Each session
// binds exactly one pty.Manager for as long as it lives; disposing the
// session tears the PTYs down with it. Transports create sessions on
// first contact and the idle sweeper reclaims the ones nobody is
// using.
package session

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ptyhub/mcp-pty/internal/pty"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
)

const (
	// DefaultIdleThreshold is how long a session may sit without
	// activity before the sweeper acts on it.
	DefaultIdleThreshold = 5 * time.Minute

	// DefaultSweepInterval is the cadence of the idle sweeper.
	DefaultSweepInterval = time.Minute

	// disposeGrace is how long a graceful dispose may run before the
	// remaining children are force-killed.
	disposeGrace = 3 * time.Second
)

// Session is a point-in-time snapshot of one client session.
type Session struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	PTYRefs      []string  `json:"pty_refs"`
}

type record struct {
	id           string
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	ptyRefs      map[string]struct{}
}

func (r *record) snapshot() Session {
	refs := make([]string, 0, len(r.ptyRefs))
	for id := range r.ptyRefs {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return Session{
		ID:           r.id,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		PTYRefs:      refs,
	}
}

// Manager owns every session and the pty.Manager bound to each.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*record
	managers  map[string]*pty.Manager
	listeners []Listener

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	// IdleThreshold and SweepInterval tune the idle sweeper. They are
	// read when monitoring starts and by each sweep.
	IdleThreshold time.Duration
	SweepInterval time.Duration

	monitorMu   sync.Mutex
	monitorStop chan struct{}

	logger *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:      make(map[string]*record),
		managers:      make(map[string]*pty.Manager),
		entropy:       ulid.Monotonic(rand.Reader, 0),
		IdleThreshold: DefaultIdleThreshold,
		SweepInterval: DefaultSweepInterval,
		logger:        logger,
	}
}

// Subscribe registers a listener for session events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	ev.Time = time.Now()
	m.mu.RLock()
	ls := make([]Listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session event listener panicked",
						"event", string(ev.Type),
						"session_id", ev.SessionID,
						"error", r,
					)
				}
			}()
			l(ev)
		}()
	}
}

func (m *Manager) newID() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

// Create inserts a fresh session in status initializing, binds a new
// pty.Manager to it, and returns its id. Ids are ULIDs, so they sort
// by creation time.
func (m *Manager) Create() string {
	id := m.newID()
	now := time.Now()

	m.mu.Lock()
	m.sessions[id] = &record{
		id:           id,
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
		ptyRefs:      make(map[string]struct{}),
	}
	m.managers[id] = pty.NewManager(id, m.logger)
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, SessionID: id})
	m.logger.Info("session created", "session_id", id)
	return id
}

// Get returns a snapshot of the session, if it exists.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// All returns snapshots of every session, ordered by id. ULID ids make
// that creation order.
func (m *Manager) All() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PTYManager returns the pty.Manager bound to the session.
func (m *Manager) PTYManager(id string) (*pty.Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mgr, ok := m.managers[id]
	return mgr, ok
}

// UpdateStatus moves the session to status and bumps last_activity.
// Returns false for unknown sessions.
func (m *Manager) UpdateStatus(id string, status Status) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	from := rec.status
	rec.status = status
	rec.lastActivity = time.Now()
	m.mu.Unlock()

	if from != status {
		m.emit(Event{Type: EventStatusChanged, SessionID: id, From: from, To: status})
	}
	return true
}

// Touch bumps the session's last_activity and wakes it from idle.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	rec.lastActivity = time.Now()
	woke := rec.status == StatusIdle
	if woke {
		rec.status = StatusActive
	}
	m.mu.Unlock()

	if woke {
		m.emit(Event{Type: EventStatusChanged, SessionID: id, From: StatusIdle, To: StatusActive})
	}
	return true
}

// AddPTY records pty membership on the session.
func (m *Manager) AddPTY(id, ptyID string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	rec.ptyRefs[ptyID] = struct{}{}
	rec.lastActivity = time.Now()
	m.mu.Unlock()

	m.emit(Event{Type: EventPTYBound, SessionID: id, PTYID: ptyID})
	return true
}

// RemovePTY drops pty membership from the session.
func (m *Manager) RemovePTY(id, ptyID string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(rec.ptyRefs, ptyID)
	rec.lastActivity = time.Now()
	m.mu.Unlock()

	m.emit(Event{Type: EventPTYUnbound, SessionID: id, PTYID: ptyID})
	return true
}

// Dispose gracefully tears a session down. Every PTY receives SIGTERM
// with a shared 3 second grace window; children still alive after that
// are force-killed. The session entry and its pty.Manager are removed
// either way. Returns false for unknown sessions.
func (m *Manager) Dispose(id string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if rec.status == StatusTerminating {
		// Another disposer is already on it.
		m.mu.Unlock()
		return true
	}
	from := rec.status
	rec.status = StatusTerminating
	mgr := m.managers[id]
	m.mu.Unlock()

	m.emit(Event{Type: EventStatusChanged, SessionID: id, From: from, To: StatusTerminating})

	// Snapshot the processes before the graceful pass claims them, so
	// the escalation path can still reach the stragglers.
	var procs []*pty.Process
	if mgr != nil {
		procs = mgr.All()
	}

	done := make(chan struct{})
	go func() {
		if mgr != nil {
			mgr.Dispose(syscall.SIGTERM)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(disposeGrace):
		m.logger.Warn("graceful dispose timed out, force-killing ptys", "session_id", id)
		for _, p := range procs {
			p.Kill()
		}
	}

	m.remove(id)
	return true
}

// Terminate is the synchronous force path: SIGKILL to every PTY, then
// the session entry and manager are removed.
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	mgr := m.managers[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if mgr != nil {
		for _, p := range mgr.All() {
			p.Kill()
		}
		mgr.Dispose(syscall.SIGKILL)
	}

	m.remove(id)
	return true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.managers, id)
	m.mu.Unlock()

	if ok {
		m.emit(Event{Type: EventTerminated, SessionID: id})
		m.logger.Info("session terminated", "session_id", id)
	}
}

// DisposeAll tears down every session in parallel. It returns when all
// disposals finish or ctx expires, whichever comes first.
func (m *Manager) DisposeAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Dispose(id)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached before all sessions disposed",
			"remaining", m.Count(),
		)
	}
}

// MonitorIdleSessions runs a single sweep. Stale active sessions turn
// idle, stale idle sessions are disposed, and every session's PTYs get
// the same idle marking.
func (m *Manager) MonitorIdleSessions() {
	threshold := m.IdleThreshold
	now := time.Now()

	m.mu.Lock()
	var dispose []string
	var flipped []string
	for id, rec := range m.sessions {
		stale := now.Sub(rec.lastActivity) > threshold
		switch {
		case rec.status == StatusIdle && stale:
			dispose = append(dispose, id)
		case rec.status == StatusActive && stale:
			rec.status = StatusIdle
			flipped = append(flipped, id)
		}
	}
	mgrs := make([]*pty.Manager, 0, len(m.managers))
	for _, mgr := range m.managers {
		mgrs = append(mgrs, mgr)
	}
	m.mu.Unlock()

	for _, id := range flipped {
		m.emit(Event{Type: EventStatusChanged, SessionID: id, From: StatusActive, To: StatusIdle})
		m.logger.Debug("session marked idle", "session_id", id)
	}
	for _, id := range dispose {
		m.logger.Info("disposing idle session", "session_id", id)
		go m.Dispose(id)
	}
	for _, mgr := range mgrs {
		mgr.RefreshIdle(threshold)
	}
}

// StartMonitoring launches the periodic idle sweeper. Calling it twice
// is a no-op until StopMonitoring runs.
func (m *Manager) StartMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	m.monitorStop = stop

	interval := m.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.MonitorIdleSessions()
			case <-stop:
				return
			}
		}
	}()
}

// StopMonitoring halts the idle sweeper.
func (m *Manager) StopMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorStop == nil {
		return
	}
	close(m.monitorStop)
	m.monitorStop = nil
}
