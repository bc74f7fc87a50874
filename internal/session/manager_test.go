package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ptyhub/mcp-pty/internal/command"
	"github.com/ptyhub/mcp-pty/internal/pty"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSessionManager(t *testing.T) *Manager {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Setenv(command.ConsentEnv, "true")
	}
	return NewManager(testLogger())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateSession(t *testing.T) {
	m := testSessionManager(t)

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	id := m.Create()
	if len(id) != 26 {
		t.Errorf("session id %q has length %d, want a 26 character ulid", id, len(id))
	}

	sess, ok := m.Get(id)
	if !ok {
		t.Fatal("Get should find the created session")
	}
	if sess.Status != StatusInitializing {
		t.Errorf("Status = %s, want %s", sess.Status, StatusInitializing)
	}
	if len(sess.PTYRefs) != 0 {
		t.Errorf("new session has %d pty refs, want 0", len(sess.PTYRefs))
	}

	if _, ok := m.PTYManager(id); !ok {
		t.Error("every session should have a pty manager bound")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}

	if len(events) != 1 || events[0].Type != EventCreated || events[0].SessionID != id {
		t.Errorf("events = %+v, want a single created event for %s", events, id)
	}
}

func TestSessionIDsSortByCreation(t *testing.T) {
	m := testSessionManager(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, m.Create())
	}

	seen := make(map[string]bool)
	for i, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
		if i > 0 && ids[i-1] >= id {
			t.Errorf("ids not monotonic: %q then %q", ids[i-1], id)
		}
	}

	all := m.All()
	for i, sess := range all {
		if sess.ID != ids[i] {
			t.Errorf("All()[%d] = %s, want %s", i, sess.ID, ids[i])
		}
	}
}

func TestUpdateStatus(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()

	var got []Event
	m.Subscribe(func(ev Event) {
		if ev.Type == EventStatusChanged {
			got = append(got, ev)
		}
	})

	if !m.UpdateStatus(id, StatusActive) {
		t.Fatal("UpdateStatus should succeed for a live session")
	}
	sess, _ := m.Get(id)
	if sess.Status != StatusActive {
		t.Errorf("Status = %s, want %s", sess.Status, StatusActive)
	}
	if len(got) != 1 || got[0].From != StatusInitializing || got[0].To != StatusActive {
		t.Errorf("statusChanged events = %+v, want initializing -> active", got)
	}

	if m.UpdateStatus("01UNKNOWNSESSIONIDXXXXXXXX", StatusActive) {
		t.Error("UpdateStatus should fail for an unknown session")
	}
}

func TestTouchWakesIdle(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()
	m.UpdateStatus(id, StatusIdle)

	before, _ := m.Get(id)
	time.Sleep(10 * time.Millisecond)

	if !m.Touch(id) {
		t.Fatal("Touch should succeed for a live session")
	}
	after, _ := m.Get(id)
	if after.Status != StatusActive {
		t.Errorf("Status after Touch = %s, want %s", after.Status, StatusActive)
	}
	if !after.LastActivity.After(before.LastActivity) {
		t.Error("Touch should bump last_activity")
	}
}

func TestPTYMembership(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()

	var bound, unbound []string
	m.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventPTYBound:
			bound = append(bound, ev.PTYID)
		case EventPTYUnbound:
			unbound = append(unbound, ev.PTYID)
		}
	})

	m.AddPTY(id, "abc12345")
	m.AddPTY(id, "def67890")
	sess, _ := m.Get(id)
	if len(sess.PTYRefs) != 2 {
		t.Errorf("PTYRefs = %v, want two entries", sess.PTYRefs)
	}

	m.RemovePTY(id, "abc12345")
	sess, _ = m.Get(id)
	if len(sess.PTYRefs) != 1 || sess.PTYRefs[0] != "def67890" {
		t.Errorf("PTYRefs = %v, want just def67890", sess.PTYRefs)
	}

	if len(bound) != 2 || len(unbound) != 1 {
		t.Errorf("bound=%v unbound=%v, want 2 and 1", bound, unbound)
	}

	if m.AddPTY("nope", "x") || m.RemovePTY("nope", "x") {
		t.Error("membership ops should fail for unknown sessions")
	}
}

func TestDisposeSession(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()
	mgr, _ := m.PTYManager(id)

	p, err := mgr.Create(context.Background(), pty.Options{Command: "sleep 60", Dir: "/tmp"})
	if err != nil {
		t.Fatalf("Create pty failed: %v", err)
	}
	m.AddPTY(id, p.ID)

	var terminated bool
	m.Subscribe(func(ev Event) {
		if ev.Type == EventTerminated && ev.SessionID == id {
			terminated = true
		}
	})

	start := time.Now()
	if !m.Dispose(id) {
		t.Fatal("Dispose should report the session existed")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Dispose took %v, want it bounded by the grace window", elapsed)
	}

	if _, ok := m.Get(id); ok {
		t.Error("disposed session should be gone from the table")
	}
	if _, ok := m.PTYManager(id); ok {
		t.Error("disposed session should have no pty manager")
	}
	if p.Status() != pty.StatusTerminated {
		t.Errorf("pty status = %s, want %s", p.Status(), pty.StatusTerminated)
	}
	if !terminated {
		t.Error("terminated event was not emitted")
	}

	if m.Dispose(id) {
		t.Error("second Dispose should report a missing session")
	}
}

func TestTerminateSession(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()
	mgr, _ := m.PTYManager(id)

	p, err := mgr.Create(context.Background(), pty.Options{Command: "sleep 60", Dir: "/tmp"})
	if err != nil {
		t.Fatalf("Create pty failed: %v", err)
	}

	if !m.Terminate(id) {
		t.Fatal("Terminate should report the session existed")
	}
	if _, ok := m.Get(id); ok {
		t.Error("terminated session should be gone")
	}
	if p.Status() != pty.StatusTerminated {
		t.Errorf("pty status = %s, want %s", p.Status(), pty.StatusTerminated)
	}
	if code := p.ExitCode(); code == nil || *code != 137 {
		t.Errorf("exit code = %v, want 137 for SIGKILL", code)
	}
}

func TestDisposeAll(t *testing.T) {
	m := testSessionManager(t)

	var procs []*pty.Process
	for i := 0; i < 2; i++ {
		id := m.Create()
		mgr, _ := m.PTYManager(id)
		p, err := mgr.Create(context.Background(), pty.Options{Command: "sleep 60", Dir: "/tmp"})
		if err != nil {
			t.Fatalf("Create pty failed: %v", err)
		}
		procs = append(procs, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.DisposeAll(ctx)

	if m.Count() != 0 {
		t.Errorf("Count after DisposeAll = %d, want 0", m.Count())
	}
	for _, p := range procs {
		if p.Status() != pty.StatusTerminated {
			t.Errorf("pty %s status = %s, want %s", p.ID, p.Status(), pty.StatusTerminated)
		}
	}
}

func TestIdleSweep(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()
	m.UpdateStatus(id, StatusActive)

	m.mu.Lock()
	m.sessions[id].lastActivity = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	// First sweep flips a stale active session to idle.
	m.MonitorIdleSessions()
	sess, _ := m.Get(id)
	if sess.Status != StatusIdle {
		t.Fatalf("Status after first sweep = %s, want %s", sess.Status, StatusIdle)
	}

	// Second sweep disposes a stale idle session.
	m.mu.Lock()
	m.sessions[id].lastActivity = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()
	m.MonitorIdleSessions()

	waitFor(t, 5*time.Second, func() bool {
		_, ok := m.Get(id)
		return !ok
	}, "stale idle session was never disposed")
}

func TestIdleSweepSkipsFreshSessions(t *testing.T) {
	m := testSessionManager(t)
	id := m.Create()
	m.UpdateStatus(id, StatusActive)

	m.MonitorIdleSessions()
	sess, ok := m.Get(id)
	if !ok || sess.Status != StatusActive {
		t.Errorf("fresh session should survive the sweep untouched, got ok=%v status=%s", ok, sess.Status)
	}
}

func TestStartStopMonitoring(t *testing.T) {
	m := testSessionManager(t)
	m.IdleThreshold = 30 * time.Millisecond
	m.SweepInterval = 20 * time.Millisecond

	id := m.Create()
	m.UpdateStatus(id, StatusIdle)
	m.mu.Lock()
	m.sessions[id].lastActivity = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.StartMonitoring()
	defer m.StopMonitoring()
	// Double start must not spawn a second sweeper.
	m.StartMonitoring()

	waitFor(t, 5*time.Second, func() bool {
		_, ok := m.Get(id)
		return !ok
	}, "sweeper never disposed the stale session")

	m.StopMonitoring()
	m.StopMonitoring()
}

func TestListenerPanicDoesNotAbort(t *testing.T) {
	m := testSessionManager(t)

	var mu sync.Mutex
	var afterPanic []EventType
	m.Subscribe(func(ev Event) { panic("listener bug") })
	m.Subscribe(func(ev Event) {
		mu.Lock()
		afterPanic = append(afterPanic, ev.Type)
		mu.Unlock()
	})

	id := m.Create()
	if _, ok := m.Get(id); !ok {
		t.Fatal("Create should survive a panicking listener")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(afterPanic) != 1 || afterPanic[0] != EventCreated {
		t.Errorf("second listener saw %v, want the created event", afterPanic)
	}
}
