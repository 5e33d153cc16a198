package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/relaybridge/agentbridge/internal/model"
)

// ErrSessionClosed is returned by operations against an already-closed
// session.
var ErrSessionClosed = errors.New("terminal: session closed")

// Event is one server->client protocol frame, per spec.md §4.8.
type Event struct {
	Type          string
	SessionID     string
	ThreadID      string
	Cwd           string
	TransportMode model.TerminalTransportMode
	Seq           int64
	Data          []byte
	ExitCode      *int
	Signal        string
	Code          string
	Message       string
}

// SessionOpts configures a new terminal session.
type SessionOpts struct {
	ID       string
	ThreadID string
	Command  []string
	Cwd      string
	Cols     int
	Rows     int
	Env      []string
}

// Session is one running shell bound to a thread. Output is collected in the
// background and fanned out to attached clients plus retained in a bounded
// ring for replay.
type Session struct {
	ID        string
	ThreadID  string
	Cwd       string
	Mode      model.TerminalTransportMode
	StartedAt time.Time

	log *slog.Logger

	cmd     *exec.Cmd
	ptyFile *os.File

	mu       sync.Mutex
	ring     *outputRing
	clients  map[string]*clientSink
	lastUsed time.Time
	closed   bool
	status   model.TerminalStatus

	exitCode atomic.Int32
	exitSig  atomic.Value

	readerWg sync.WaitGroup
}

// startSession spawns the command, trying a PTY first and falling back to
// plain pipes (pipe mode drops resize and raw stdin, per spec.md §4.8), then
// starts the background output reader. Grounded in
// mfateev-temporal-agent-harness/internal/execsession/session.go's
// StartSession/startPTY/startPipes/readLoop/waitForExit shape.
func startSession(opts SessionOpts, log *slog.Logger) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("terminal: empty command")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		ID:        opts.ID,
		ThreadID:  opts.ThreadID,
		Cwd:       opts.Cwd,
		StartedAt: time.Now(),
		lastUsed:  time.Now(),
		log:       log.With("session_id", opts.ID, "thread_id", opts.ThreadID),
		ring:      newOutputRing(defaultRingMaxBytes),
		clients:   make(map[string]*clientSink),
		status:    model.TerminalRunning,
	}
	s.exitCode.Store(-1)

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	s.cmd = cmd

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	if err := s.startPTY(cmd, cols, rows); err != nil {
		s.log.Warn("pty start failed, falling back to pipe transport", "err", err)
		if err := s.startPipe(cmd); err != nil {
			return nil, err
		}
	}

	go s.waitForExit()
	return s, nil
}

func (s *Session) startPTY(cmd *exec.Cmd, cols, rows int) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return err
	}
	s.ptyFile = ptmx
	s.Mode = model.TransportPTY

	s.readerWg.Add(1)
	go s.readLoop(ptmx)
	return nil
}

func (s *Session) startPipe(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.Mode = model.TransportPipe

	s.readerWg.Add(2)
	go s.readLoop(stdout)
	go s.readLoop(stderr)
	return nil
}

func (s *Session) readLoop(r io.Reader) {
	defer s.readerWg.Done()
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.pushOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitForExit() {
	// Readers must drain before cmd.Wait() closes the pipe/pty read ends.
	s.readerWg.Wait()
	err := s.cmd.Wait()

	code := -1
	sig := ""
	if err == nil {
		code = 0
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	s.exitCode.Store(int32(code))
	s.exitSig.Store(sig)

	s.mu.Lock()
	s.status = model.TerminalExited
	clients := make([]*clientSink, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*clientSink)
	s.mu.Unlock()

	ec := code
	for _, c := range clients {
		c.trySend(Event{Type: "exit", ExitCode: &ec, Signal: sig})
		c.Close()
	}
}

// pushOutput records a chunk of output in the ring and fans it out live to
// every attached client. Replay (attach) and live fan-out share s.mu so a
// client can never see a frame twice or out of order.
func (s *Session) pushOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	seq := s.ring.append(data)
	s.lastUsed = time.Now()
	for _, c := range s.clients {
		c.trySend(Event{Type: "output", Seq: seq, Data: data})
	}
}

// attach registers a client and returns its sink already primed with a
// ready frame plus whatever replay it's owed. If fromSeq has fallen out of
// the retained ring the sink carries a single TERMINAL_CURSOR_EXPIRED error
// frame and is not registered for live output.
func (s *Session) attach(clientID string, fromSeq int64) *clientSink {
	s.mu.Lock()
	defer s.mu.Unlock()

	sink := newClientSink()
	sink.trySend(Event{
		Type: "ready", SessionID: s.ID, ThreadID: s.ThreadID, Cwd: s.Cwd, TransportMode: s.Mode,
	})

	if s.closed {
		sink.trySend(Event{Type: "error", Code: "TERMINAL_CURSOR_EXPIRED", Message: "session closed"})
		sink.Close()
		return sink
	}

	frames, expired := s.ring.since(fromSeq)
	if expired {
		sink.trySend(Event{Type: "error", Code: "TERMINAL_CURSOR_EXPIRED", Message: "cursor expired, reconnect without a cursor"})
		sink.Close()
		return sink
	}
	for _, f := range frames {
		sink.trySend(Event{Type: "output", Seq: f.Seq, Data: f.Data})
	}

	s.lastUsed = time.Now()
	s.clients[clientID] = sink
	return sink
}

// StatusSnapshot is a point-in-time view of a session for the boundary's
// GET /v1/threads/{id}/terminal status endpoint.
type StatusSnapshot struct {
	ID            string
	ThreadID      string
	Cwd           string
	TransportMode model.TerminalTransportMode
	Status        model.TerminalStatus
	ExitCode      *int
	StartedAt     time.Time
}

// Status returns a snapshot of the session's current state.
func (s *Session) Status() StatusSnapshot {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	snap := StatusSnapshot{
		ID: s.ID, ThreadID: s.ThreadID, Cwd: s.Cwd,
		TransportMode: s.Mode, Status: status, StartedAt: s.StartedAt,
	}
	if status == model.TerminalExited {
		code := int(s.exitCode.Load())
		snap.ExitCode = &code
	}
	return snap
}

func (s *Session) detach(clientID string) {
	s.mu.Lock()
	sink, ok := s.clients[clientID]
	delete(s.clients, clientID)
	s.mu.Unlock()
	if ok {
		sink.Close()
	}
}

// writeInput pipes raw bytes to the PTY. In pipe mode there is no
// interactive stdin, so input is echoed back as a synthetic "$ <command>"
// output frame instead, per spec.md §4.8.
func (s *Session) writeInput(data []byte) error {
	s.mu.Lock()
	mode := s.Mode
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if mode == model.TransportPipe {
		echo := append([]byte("$ "), data...)
		s.pushOutput(echo)
		return nil
	}
	if s.ptyFile == nil {
		return ErrSessionClosed
	}
	_, err := s.ptyFile.Write(data)
	return err
}

// resize is a no-op in pipe mode, per spec.md §4.8.
func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	mode := s.Mode
	ptyFile := s.ptyFile
	s.mu.Unlock()
	if mode != model.TransportPTY || ptyFile == nil {
		return nil
	}
	return pty.Setsize(ptyFile, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// close kills the child process and marks the session exited. Safe to call
// more than once.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.ptyFile != nil {
		_ = s.ptyFile.Close()
	}
}

// idleEligible reports whether this session has no attached clients, has
// been quiet at least idleTTL, and has no remaining OS child process tree
// (shell-state probes, item (d) in spec.md §4.8, are left to future work:
// none of the teacher's dependencies expose a shell-idle probe).
func (s *Session) idleEligible(idleTTL time.Duration, now time.Time) bool {
	s.mu.Lock()
	empty := len(s.clients) == 0
	quiet := now.Sub(s.lastUsed) >= idleTTL
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	if !empty || !quiet {
		return false
	}
	return s.childProcessesEmpty()
}

func (s *Session) childProcessesEmpty() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return true
	}
	proc, err := process.NewProcess(int32(s.cmd.Process.Pid))
	if err != nil {
		return true
	}
	children, err := proc.Children()
	if err != nil {
		return true
	}
	return len(children) == 0
}

// clientSink is a per-attached-client buffered channel with drop-on-full
// backpressure, grounded on the teacher's sinkWriter
// (internal/terminal/manager.go) TrySend/Close idiom.
type clientSink struct {
	ch     chan Event
	once   sync.Once
	closed chan struct{}
}

const clientSinkBuffer = 256

func newClientSink() *clientSink {
	return &clientSink{ch: make(chan Event, clientSinkBuffer), closed: make(chan struct{})}
}

func (c *clientSink) trySend(ev Event) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.ch <- ev:
	default:
	}
}

func (c *clientSink) Close() {
	c.once.Do(func() {
		close(c.closed)
		close(c.ch)
	})
}
