// Package terminal runs interactive shell sessions attached to threads and
// streams their output to one or more clients.
package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by operations against an unknown session id.
var ErrSessionNotFound = errors.New("terminal: session not found")

// DefaultIdleTTL is how long a session may sit with no clients, no I/O, and
// no child processes before the sweeper reclaims it.
const DefaultIdleTTL = 10 * time.Minute

// DefaultSweepInterval is how often the idle sweeper scans.
const DefaultSweepInterval = 30 * time.Second

// Manager owns every running terminal session. openSession returns the
// existing running session for a thread rather than spawning a second one,
// per spec.md §4.8. Rebuilt from internal/terminal/manager.go's bookkeeping
// shape (one mutex guarding session indexes, a background sweep goroutine)
// with the teacher's termgo PTY engine swapped for Session's creack/pty +
// pipe-fallback implementation.
type Manager struct {
	shell []string
	log   *slog.Logger

	mu        sync.Mutex
	byID      map[string]*Session
	byThread  map[string]string // threadID -> sessionID, running sessions only
	idleTTL   time.Duration
	sweepQuit chan struct{}
}

// NewManager constructs a Manager. shell is the fallback command used when
// OpenSession is not given an explicit command (e.g. "/bin/bash").
func NewManager(shell string, idleTTL time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		shell:     []string{shell},
		log:       log.With("component", "terminal"),
		byID:      make(map[string]*Session),
		byThread:  make(map[string]string),
		idleTTL:   idleTTL,
		sweepQuit: make(chan struct{}),
	}
}

// StartSweep runs the idle-reclaim sweeper until Stop is called. Grounded in
// the ticker-driven sweep loop idiom of internal/ai/subagent_manager.go's
// wait/close goroutines, here checking spec.md §4.8(c)'s child-process-tree
// emptiness via gopsutil.
func (m *Manager) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepIdle()
			case <-m.sweepQuit:
				return
			}
		}
	}()
}

// Stop ends the sweeper and kills every running session.
func (m *Manager) Stop() {
	close(m.sweepQuit)
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close("daemon shutdown")
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var victims []*Session
	for _, s := range m.byID {
		if s.idleEligible(m.idleTTL, now) {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.log.Info("reclaiming idle terminal session", "session_id", s.ID, "thread_id", s.ThreadID)
		m.CloseSession(s.ID, "idle timeout")
	}
}

// OpenSession returns the existing running session for threadID (reused =
// true), or spawns a new one rooted at cwd (already resolved to an
// absolute, sandbox-checked path by the caller). command, if empty, falls
// back to the manager's configured shell.
func (m *Manager) OpenSession(threadID, cwd string, cols, rows int, command []string) (sess *Session, reused bool, err error) {
	m.mu.Lock()
	if id, ok := m.byThread[threadID]; ok {
		if s, ok := m.byID[id]; ok {
			m.mu.Unlock()
			return s, true, nil
		}
		delete(m.byThread, threadID)
	}
	m.mu.Unlock()

	if len(command) == 0 {
		command = m.shell
	}
	id := "term_" + uuid.NewString()
	sess, err = startSession(SessionOpts{
		ID: id, ThreadID: threadID, Command: command, Cwd: cwd, Cols: cols, Rows: rows,
	}, m.log)
	if err != nil {
		return nil, false, fmt.Errorf("terminal: spawn: %w", err)
	}

	m.mu.Lock()
	m.byID[id] = sess
	m.byThread[threadID] = id
	m.mu.Unlock()

	go m.reapOnExit(sess)
	return sess, false, nil
}

// reapOnExit removes a session from the index once its process has exited,
// so OpenSession spawns a fresh one on the next call for that thread.
func (m *Manager) reapOnExit(s *Session) {
	s.readerWg.Wait()
	m.mu.Lock()
	if id, ok := m.byThread[s.ThreadID]; ok && id == s.ID {
		delete(m.byThread, s.ThreadID)
	}
	m.mu.Unlock()
}

// GetByThread looks up the running session for a thread, if any.
func (m *Manager) GetByThread(threadID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byThread[threadID]
	if !ok {
		return nil, false
	}
	s, ok := m.byID[id]
	return s, ok
}

// Get looks up a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// AttachClient delivers a ready frame, replays the output ring for entries
// with seq > fromSeq, then tails live frames until Detach is called
// (fromSeq<0 replays everything retained).
func (m *Manager) AttachClient(sessionID, clientID string, fromSeq int64) (<-chan Event, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sink := s.attach(clientID, fromSeq)
	return sink.ch, nil
}

// DetachClient drops a subscriber without affecting the session.
func (m *Manager) DetachClient(sessionID, clientID string) {
	s, err := m.Get(sessionID)
	if err != nil {
		return
	}
	s.detach(clientID)
}

// WriteInput pipes raw bytes to a session's PTY (or synthesizes an echo
// frame in pipe mode).
func (m *Manager) WriteInput(sessionID string, data []byte) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.writeInput(data)
}

// Resize resizes a session's PTY; a no-op in pipe mode.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

// CloseSession kills the child and marks the session exited.
func (m *Manager) CloseSession(sessionID, reason string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.close(reason)

	m.mu.Lock()
	delete(m.byID, sessionID)
	if id, ok := m.byThread[s.ThreadID]; ok && id == sessionID {
		delete(m.byThread, s.ThreadID)
	}
	m.mu.Unlock()
	return nil
}

// ResolveCwd treats cwd as a POSIX-style virtual path rooted at root,
// resolving any path that escapes it to root itself (no error). Lifted from
// internal/terminal/manager.go's resolveCwd, unchanged in shape: the
// difference is that root here is per-thread (a project path) rather than
// one global server root. Exported for the boundary, which resolves a
// thread's virtual cwd before calling OpenSession.
func ResolveCwd(root, cwd string) (string, error) {
	if root == "" {
		return "", errors.New("terminal: empty root")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	root = filepath.Clean(root)

	v := strings.ReplaceAll(strings.TrimSpace(cwd), "\\", "/")
	v = strings.TrimPrefix(v, "/")
	if v == "" {
		return root, nil
	}
	if filepath.IsAbs(v) {
		return root, nil
	}

	joined := filepath.Join(root, v)
	ok, err := isWithinRoot(joined, root)
	if err != nil || !ok {
		return root, nil
	}
	return joined, nil
}

// VirtualPathFromAbs maps an absolute path back to a "/"-rooted virtual
// path relative to root, defaulting to "/" on any escape or error.
func VirtualPathFromAbs(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "/"
	}
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func isWithinRoot(path, root string) (bool, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}
