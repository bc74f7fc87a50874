// Package pty implements pseudo-terminal processes and the per-session
// manager that owns them.
//
// A Process couples a child process attached to a PTY with a headless
// terminal emulator and a capped raw output buffer. Simple command lines
// run the executable directly; anything needing shell features runs a
// /bin/sh child and injects the command line through the PTY, bracketed
// by echo markers so the command's own output can be recovered from the
// surrounding shell noise.
package pty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/ptyhub/mcp-pty/internal/command"
	"github.com/ptyhub/mcp-pty/internal/errdefs"
	"github.com/ptyhub/mcp-pty/internal/term"
)

// Status is the lifecycle state of a PTY or session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
)

const (
	// shellPath is the bottom shell for shell-form and empty commands.
	shellPath = "/bin/sh"

	// shellSettle is how long the shell gets to start reading before
	// the prompt is silenced.
	shellSettle = 100 * time.Millisecond

	// markerPause separates the PS1 write from the marker-wrapped
	// command so the shell processes them as two lines.
	markerPause = 150 * time.Millisecond

	// disposeGrace is how long a signaled child may take to exit
	// before SIGKILL.
	disposeGrace = 3 * time.Second

	// sigtermExitCode is 128 + SIGTERM, the normal outcome of
	// disposing a long-running process.
	sigtermExitCode = 143
)

// Options configures a new Process.
type Options struct {
	// Command is the raw command line. Empty opens a plain shell.
	Command string

	// Dir is the working directory; empty inherits the server's.
	Dir string

	// Env is appended to the inherited environment as KEY=VALUE pairs.
	Env []string

	// Cols and Rows give the initial geometry; zero means 80x24.
	Cols, Rows uint16

	// StripANSI removes escape sequences from raw output reads.
	StripANSI bool

	// AutoDisposeOnExit tears the PTY down as soon as the child exits.
	AutoDisposeOnExit bool
}

// Observation is the result of a write: the screen as rendered after the
// wait window, the cursor, and the exit code when the child has exited.
type Observation struct {
	Screen   string
	Cursor   term.Cursor
	ExitCode *int
	Warning  string
}

// Subscriber receives PTY events. Nil callbacks are skipped.
type Subscriber struct {
	OnData  func(data []byte)
	OnError func(err error)
	OnExit  func(code int)
}

// Subscription is the unsubscribe handle returned by Subscribe.
type Subscription struct {
	p    *Process
	id   int
	once sync.Once
}

// Cancel removes the subscriber. Cancelling the last subscription
// disposes the PTY.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.p.unsubscribe(s.id) })
}

// ExitError reports a child that exited with a code Wait does not treat
// as success.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Info is a point-in-time snapshot of process metadata.
type Info struct {
	ID           string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	ExitCode     *int
}

// Process is one pseudo-terminal with its child, emulator, and buffers.
type Process struct {
	// ID is assigned at construction and stable once the process is
	// published by a Manager.
	ID string

	opts Options
	spec command.Spec

	ptmx *os.File
	cmd  *exec.Cmd
	term *term.Terminal
	raw  *RingBuffer

	startMarker string
	endMarker   string

	mu           sync.Mutex
	status       Status
	cols, rows   uint16
	createdAt    time.Time
	lastActivity time.Time
	exitCode     *int
	subs         map[int]Subscriber
	nextSub      int
	autoDispose  bool
	disposing    bool
	cleanups     []func()

	// exited closes once the child is reaped.
	exited chan struct{}

	// grace is the signal-to-SIGKILL window, a field so tests can
	// shorten it.
	grace time.Duration

	readerWg sync.WaitGroup
	logger   *slog.Logger
}

// NewID returns a fresh short process identifier.
func NewID() string {
	return uuid.NewString()[:8]
}

// New validates the command line and prepares a Process. Start spawns it.
func New(opts Options, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if os.Geteuid() == 0 && !command.ConsentGranted() {
		return nil, errdefs.Security("refusing to run as root without consent")
	}
	spec, err := command.Normalize(opts.Command)
	if err != nil {
		return nil, err
	}

	if opts.Cols == 0 {
		opts.Cols = term.DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = term.DefaultRows
	}

	now := time.Now()
	p := &Process{
		opts:         opts,
		spec:         spec,
		term:         term.New(int(opts.Cols), int(opts.Rows)),
		raw:          NewRingBuffer(0),
		status:       StatusInitializing,
		cols:         opts.Cols,
		rows:         opts.Rows,
		createdAt:    now,
		lastActivity: now,
		subs:         map[int]Subscriber{},
		autoDispose:  opts.AutoDisposeOnExit,
		exited:       make(chan struct{}),
		grace:        disposeGrace,
	}
	p.setID(NewID(), logger)
	return p, nil
}

// setID stamps the identifier and everything derived from it. Only safe
// before the process is published.
func (p *Process) setID(id string, base *slog.Logger) {
	p.ID = id
	p.startMarker = fmt.Sprintf("__MCP_PTY_%s_START__", id)
	p.endMarker = fmt.Sprintf("__MCP_PTY_%s_END__", id)
	p.logger = base.With("pty_id", id)
}

// Start spawns the child attached to a fresh PTY and begins reading.
func (p *Process) Start() error {
	var cmd *exec.Cmd
	if p.useShell() {
		cmd = exec.Command(shellPath)
	} else {
		cmd = exec.Command(p.spec.Path, p.spec.Args...)
	}
	if p.opts.Dir != "" {
		cmd.Dir = p.opts.Dir
	}
	env := append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(env, p.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: p.rows, Cols: p.cols})
	if err != nil {
		p.mu.Lock()
		p.status = StatusTerminated
		p.mu.Unlock()
		close(p.exited)
		return errdefs.Wrap(errdefs.KindResource, err, "spawning %q", p.opts.Command)
	}
	p.ptmx = ptmx
	p.cmd = cmd

	p.mu.Lock()
	p.status = StatusActive
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.readerWg.Add(1)
	go p.readLoop()
	if p.useShell() {
		go p.injectCommand()
	}

	p.logger.Info("pty started", "command", p.opts.Command, "pid", cmd.Process.Pid)
	return nil
}

func (p *Process) useShell() bool {
	return p.spec.Shell || p.spec.Empty()
}

// injectCommand silences the prompt and types the marker-wrapped command
// line into the shell.
func (p *Process) injectCommand() {
	time.Sleep(shellSettle)
	p.injectWrite([]byte("PS1=''\n"))
	time.Sleep(markerPause)
	if p.spec.Raw == "" {
		return
	}
	line := fmt.Sprintf("echo %s; %s; echo %s\n", p.startMarker, p.spec.Raw, p.endMarker)
	p.injectWrite([]byte(line))
}

func (p *Process) injectWrite(data []byte) {
	if _, err := p.ptmx.Write(data); err != nil {
		p.logger.Debug("command injection write failed", "error", err)
	}
}

// readLoop pumps PTY output into the emulator, the raw buffer, and the
// subscribers until the master reports end of stream.
func (p *Process) readLoop() {
	defer p.readerWg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.term.Write(chunk)
			p.raw.Push(chunk)
			p.touch()
			p.fanoutData(chunk)
		}
		if err != nil {
			p.handleExit(err)
			return
		}
	}
}

// handleExit reaps the child, records its exit code, and notifies
// subscribers. EIO and closed-file errors are the normal end of a PTY
// stream.
func (p *Process) handleExit(readErr error) {
	if err := p.cmd.Wait(); err != nil && p.cmd.ProcessState == nil {
		p.logger.Debug("wait failed", "error", err)
	}
	code := 0
	if state := p.cmd.ProcessState; state != nil {
		code = exitCodeOf(state)
	}

	p.mu.Lock()
	c := code
	p.exitCode = &c
	if p.status != StatusTerminating {
		p.status = StatusTerminated
	}
	subs := p.snapshotSubsLocked()
	auto := p.autoDispose
	p.mu.Unlock()

	close(p.exited)

	if !expectedReadError(readErr) {
		p.logger.Warn("pty read failed", "error", readErr)
		for _, s := range subs {
			if s.OnError != nil {
				s.OnError(readErr)
			}
		}
	}
	for _, s := range subs {
		if s.OnExit != nil {
			s.OnExit(code)
		}
	}
	p.logger.Info("pty exited", "exit_code", code)

	if auto {
		go p.Dispose(syscall.SIGTERM)
	}
}

func expectedReadError(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}

func exitCodeOf(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return state.ExitCode()
}

// touch records activity and wakes an idle process.
func (p *Process) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	if p.status == StatusIdle {
		p.status = StatusActive
	}
	p.mu.Unlock()
}

func (p *Process) snapshotSubsLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	return subs
}

func (p *Process) fanoutData(data []byte) {
	p.mu.Lock()
	subs := p.snapshotSubsLocked()
	p.mu.Unlock()
	for _, s := range subs {
		if s.OnData != nil {
			s.OnData(data)
		}
	}
}

// --- write and observation ---

// Write delivers input to the PTY, waits up to waitMs milliseconds or
// until the child exits, and returns what the screen looks like after
// the window. Input on an exited process is dropped with a warning in
// the observation.
func (p *Process) Write(data []byte, waitMs int) (Observation, error) {
	if err := command.GuardInput(string(data)); err != nil {
		return Observation{}, err
	}
	if waitMs < 0 {
		waitMs = 0
	}

	p.mu.Lock()
	st := p.status
	p.mu.Unlock()

	if st == StatusTerminated || st == StatusTerminating {
		obs := p.Observe()
		obs.Warning = "process already exited; input was not delivered"
		return obs, nil
	}

	if len(data) > 0 {
		if _, err := p.ptmx.Write(data); err != nil {
			if p.ExitCode() != nil {
				obs := p.Observe()
				obs.Warning = "process already exited; input was not delivered"
				return obs, nil
			}
			return Observation{}, errdefs.Wrap(errdefs.KindResource, err, "writing to pty %s", p.ID)
		}
		p.touch()
	}

	if waitMs > 0 {
		select {
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		case <-p.exited:
		}
	}
	return p.Observe(), nil
}

// Observe snapshots the screen, cursor, and exit code.
func (p *Process) Observe() Observation {
	return Observation{
		Screen:   p.term.Render(),
		Cursor:   p.term.CursorPosition(),
		ExitCode: p.ExitCode(),
	}
}

// Screen returns the emulator's visible rows.
func (p *Process) Screen() []string {
	return p.term.Screen()
}

// RawOutput returns the accumulated output buffer.
func (p *Process) RawOutput() []byte {
	return p.maybeStrip(p.raw.Bytes())
}

// CleanOutput returns the bytes between the last pair of echo markers,
// which is the output of the injected command without shell noise. When
// the markers are absent the full buffer comes back.
func (p *Process) CleanOutput() []byte {
	buf := p.raw.Bytes()
	if i := bytes.LastIndex(buf, []byte(p.startMarker)); i >= 0 {
		rest := buf[i+len(p.startMarker):]
		if j := bytes.Index(rest, []byte(p.endMarker)); j >= 0 {
			return p.maybeStrip(bytes.Trim(rest[:j], "\r\n"))
		}
	}
	return p.maybeStrip(buf)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[@-_]`)

func (p *Process) maybeStrip(data []byte) []byte {
	if !p.opts.StripANSI {
		return data
	}
	return ansiPattern.ReplaceAll(data, nil)
}

// Resize changes the emulator and kernel window size together.
func (p *Process) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return errdefs.Validation("resize dimensions must be positive")
	}
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	if st != StatusActive && st != StatusIdle {
		return errdefs.Validation("cannot resize pty %s while %s", p.ID, st)
	}

	p.term.Resize(int(cols), int(rows))
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return errdefs.Wrap(errdefs.KindResource, err, "resizing pty %s", p.ID)
	}

	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	p.touch()
	return nil
}

// Size returns the current geometry.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// --- lifecycle and metadata ---

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// CreatedAt returns the construction time.
func (p *Process) CreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt
}

// LastActivity returns the time of the most recent I/O.
func (p *Process) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// ExitCode returns a copy of the exit code, or nil while running.
func (p *Process) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return nil
	}
	c := *p.exitCode
	return &c
}

// Exited closes when the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Info snapshots the process metadata.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		ID:           p.ID,
		Status:       p.status,
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActivity,
	}
	if p.exitCode != nil {
		c := *p.exitCode
		info.ExitCode = &c
	}
	return info
}

// MarkIdleIfStale flips an active process to idle when it has seen no
// activity within threshold.
func (p *Process) MarkIdleIfStale(threshold time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusActive && time.Since(p.lastActivity) > threshold {
		p.status = StatusIdle
		return true
	}
	return false
}

// OnCleanup registers a function that runs once when the PTY is
// disposed.
func (p *Process) OnCleanup(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, fn)
}

// Subscribe registers callbacks for output and exit events.
func (p *Process) Subscribe(sub Subscriber) *Subscription {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = sub
	p.mu.Unlock()
	return &Subscription{p: p, id: id}
}

func (p *Process) unsubscribe(id int) {
	p.mu.Lock()
	delete(p.subs, id)
	last := len(p.subs) == 0
	p.mu.Unlock()
	if last {
		go p.Dispose(syscall.SIGTERM)
	}
}

// Wait blocks until the child exits and returns the accumulated output.
// Exit codes other than 0 and 143 come back as an ExitError. Waiting
// arms auto-dispose, so the PTY tears down once the child is gone.
func (p *Process) Wait(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	p.autoDispose = true
	p.mu.Unlock()

	type exitEvent struct {
		code int
		out  []byte
	}
	// Snapshot the buffer inside the callback: it runs before the
	// auto-dispose that empties it.
	exitCh := make(chan exitEvent, 1)
	sub := p.Subscribe(Subscriber{OnExit: func(code int) {
		select {
		case exitCh <- exitEvent{code: code, out: p.RawOutput()}:
		default:
		}
	}})
	defer sub.Cancel()

	var ev exitEvent
	if ec := p.ExitCode(); ec != nil {
		ev = exitEvent{code: *ec, out: p.RawOutput()}
	} else {
		select {
		case ev = <-exitCh:
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.KindResource, ctx.Err(), "waiting for pty %s", p.ID)
		}
	}

	if ev.code == 0 || ev.code == sigtermExitCode {
		return ev.out, nil
	}
	return nil, &ExitError{Code: ev.code}
}

// Detach removes every subscriber and returns the child process handle.
// The child keeps running; the caller owns it from here.
func (p *Process) Detach() *os.Process {
	p.mu.Lock()
	p.subs = map[int]Subscriber{}
	p.autoDispose = false
	p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Process
}

// Kill sends SIGKILL to the child's process group without waiting.
// Unlike Dispose it still fires while a graceful teardown is in flight.
func (p *Process) Kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.signal(syscall.SIGKILL)
}

// Dispose tears the PTY down: cleanup callbacks run, the child gets sig
// then SIGKILL after the grace window, and the emulator and buffers are
// released. Safe to call more than once; later calls return immediately.
func (p *Process) Dispose(sig syscall.Signal) error {
	p.mu.Lock()
	if p.disposing {
		p.mu.Unlock()
		return nil
	}
	p.disposing = true
	alreadyExited := p.exitCode != nil
	if p.status != StatusTerminated {
		p.status = StatusTerminating
	}
	cleanups := p.cleanups
	p.cleanups = nil
	p.mu.Unlock()

	if sig == 0 {
		sig = syscall.SIGTERM
	}
	for _, fn := range cleanups {
		fn()
	}

	if !alreadyExited && p.cmd != nil && p.cmd.Process != nil {
		p.signal(sig)
		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("child ignored signal, sending SIGKILL", "signal", sig.String())
			p.signal(syscall.SIGKILL)
			select {
			case <-p.exited:
			case <-time.After(2 * time.Second):
				// Grandchildren can hold the slave open; closing the
				// master unblocks the reader so the child gets reaped.
				p.ptmx.Close()
				<-p.exited
			}
		}
	}

	if p.ptmx != nil {
		p.ptmx.Close()
	}
	p.readerWg.Wait()

	p.mu.Lock()
	p.status = StatusTerminated
	p.subs = map[int]Subscriber{}
	p.mu.Unlock()

	p.term.Close()
	p.raw.Reset()
	p.logger.Info("pty disposed")
	return nil
}

// signal delivers sig to the child's process group, falling back to the
// child alone.
func (p *Process) signal(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return
		}
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("signal failed", "signal", sig.String(), "error", err)
	}
}
