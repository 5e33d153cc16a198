// Package eventlog is the per-job append-only envelope log with
// cursor-based replay and a live fan-out hub for streaming subscribers.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaybridge/agentbridge/internal/model"
)

// ErrCursorExpired is returned when a requested cursor predates the
// retained ring for a job.
var ErrCursorExpired = errors.New("eventlog: cursor expired")

// NoCursor is the sentinel cursor meaning "no cursor was supplied": List and
// Subscribe always honor it as a request for the full retained tail, never
// ErrCursorExpired, regardless of how much retention has trimmed. Any other
// cursor value must be >= the job's first retained seq.
const NoCursor int64 = -1

// Persister durably appends and lists envelopes. internal/store implements
// this; it's an interface here so the hub can be tested without sqlite.
type Persister interface {
	AppendEvent(ctx context.Context, env *model.Envelope, threadID string) error
	ListEvents(ctx context.Context, jobID string, cursor int64) ([]*model.Envelope, error)
	FirstRetainedSeq(ctx context.Context, jobID string) (int64, error)
	TrimEventsBefore(ctx context.Context, jobID string, floor int64) error
}

// subscriberBufferSize bounds how far behind a live subscriber may fall
// before it is dropped, mirroring the teacher's bounded-channel streaming
// idiom (internal/ai/stream.go's ndjsonStream).
const subscriberBufferSize = 256

type subscriber struct {
	ch     chan *model.Envelope
	closed chan struct{}
	once   sync.Once
}

func (s *subscriber) trySend(env *model.Envelope) bool {
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// jobLog is the in-memory state for one job: retention ring plus live
// subscriber set. A single writer goroutine (owned by internal/orchestrator)
// calls Append; readers call Subscribe/List concurrently.
type jobLog struct {
	mu          sync.Mutex
	threadID    string
	retention   int
	subscribers map[*subscriber]struct{}
	finished    bool
}

// Hub owns one jobLog per active job and persists through a Persister.
type Hub struct {
	store     Persister
	retention int

	mu   sync.Mutex
	logs map[string]*jobLog
}

func New(store Persister, retention int) *Hub {
	if retention <= 0 {
		retention = 2000
	}
	return &Hub{store: store, retention: retention, logs: make(map[string]*jobLog)}
}

func (h *Hub) logFor(jobID, threadID string) *jobLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	jl, ok := h.logs[jobID]
	if !ok {
		jl = &jobLog{threadID: threadID, retention: h.retention, subscribers: make(map[*subscriber]struct{})}
		h.logs[jobID] = jl
	}
	return jl
}

// Append persists env (which must already carry its assigned seq) and
// fans it out to live subscribers, dropping any subscriber whose buffer is
// full. Call sites must serialize appends per job themselves (the
// orchestrator's per-job actor does this); Append itself does not allocate
// seq.
func (h *Hub) Append(ctx context.Context, env *model.Envelope, threadID string) error {
	if err := h.store.AppendEvent(ctx, env, threadID); err != nil {
		return err
	}

	jl := h.logFor(env.JobID, threadID)
	jl.mu.Lock()
	if env.Type == model.EnvJobFinished {
		jl.finished = true
	}
	subs := make([]*subscriber, 0, len(jl.subscribers))
	for s := range jl.subscribers {
		subs = append(subs, s)
	}
	finished := jl.finished
	jl.mu.Unlock()

	for _, s := range subs {
		if !s.trySend(env) {
			h.dropSubscriber(env.JobID, s)
		}
	}

	if finished {
		h.closeAllSubscribers(env.JobID)
		if err := h.store.TrimEventsBefore(ctx, env.JobID, 0); err != nil {
			_ = err // retention trim is best-effort after job completion
		}
	} else {
		h.enforceRetention(ctx, env.JobID)
	}

	return nil
}

func (h *Hub) enforceRetention(ctx context.Context, jobID string) {
	first, err := h.store.FirstRetainedSeq(ctx, jobID)
	if err != nil || first < 0 {
		return
	}
	events, err := h.store.ListEvents(ctx, jobID, first-1)
	if err != nil {
		return
	}
	if len(events) <= h.retention {
		return
	}
	floor := events[len(events)-h.retention].Seq
	_ = h.store.TrimEventsBefore(ctx, jobID, floor)
}

func (h *Hub) dropSubscriber(jobID string, s *subscriber) {
	h.mu.Lock()
	jl, ok := h.logs[jobID]
	h.mu.Unlock()
	if !ok {
		return
	}
	jl.mu.Lock()
	delete(jl.subscribers, s)
	jl.mu.Unlock()
	s.close()
}

func (h *Hub) closeAllSubscribers(jobID string) {
	h.mu.Lock()
	jl, ok := h.logs[jobID]
	h.mu.Unlock()
	if !ok {
		return
	}
	jl.mu.Lock()
	subs := jl.subscribers
	jl.subscribers = make(map[*subscriber]struct{})
	jl.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

// List returns every envelope with seq > cursor, or ErrCursorExpired if
// cursor predates the retained ring. NoCursor always succeeds, returning
// the full retained tail.
func (h *Hub) List(ctx context.Context, jobID string, cursor int64) ([]*model.Envelope, error) {
	if cursor == NoCursor {
		return h.store.ListEvents(ctx, jobID, NoCursor)
	}
	first, err := h.store.FirstRetainedSeq(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if first >= 0 && cursor < first {
		return nil, ErrCursorExpired
	}
	return h.store.ListEvents(ctx, jobID, cursor)
}

// FirstRetainedSeq exposes the job's retention floor, used by the boundary
// to report firstSeq on a no-cursor snapshot request.
func (h *Hub) FirstRetainedSeq(ctx context.Context, jobID string) (int64, error) {
	return h.store.FirstRetainedSeq(ctx, jobID)
}

// Subscription is a live envelope stream: replay-then-tail, invisible
// boundary between the two per the ordering guarantee.
type Subscription struct {
	Envelopes <-chan *model.Envelope
	Done      <-chan struct{}
	hub       *Hub
	jobID     string
	sub       *subscriber
}

// Close detaches the subscriber without affecting the job.
func (s *Subscription) Close() {
	s.hub.dropSubscriber(s.jobID, s.sub)
}

// Subscribe replays stored envelopes with seq > cursor, then returns a
// channel that tails new appends until job.finished is delivered or Close
// is called.
func (h *Hub) Subscribe(ctx context.Context, jobID, threadID string, cursor int64) (*Subscription, []*model.Envelope, error) {
	replay, err := h.List(ctx, jobID, cursor)
	if err != nil {
		return nil, nil, err
	}

	jl := h.logFor(jobID, threadID)
	sub := &subscriber{ch: make(chan *model.Envelope, subscriberBufferSize), closed: make(chan struct{})}

	jl.mu.Lock()
	if jl.finished {
		jl.mu.Unlock()
		close(sub.ch)
		sub.close()
		return &Subscription{Envelopes: sub.ch, Done: sub.closed, hub: h, jobID: jobID, sub: sub}, replay, nil
	}
	jl.subscribers[sub] = struct{}{}
	jl.mu.Unlock()

	return &Subscription{Envelopes: sub.ch, Done: sub.closed, hub: h, jobID: jobID, sub: sub}, replay, nil
}

// HeartbeatInterval is how often the SSE transport should emit a comment
// line on an idle stream.
const HeartbeatInterval = 15 * time.Second
