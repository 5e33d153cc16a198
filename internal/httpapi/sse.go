package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/model"
)

// sseWriteTimeout bounds a single frame write, so a stalled client can't
// hang the writer goroutine forever.
const sseWriteTimeout = 10 * time.Second

// sseStream writes Server-Sent Events frames, grounded on
// internal/ai/stream.go's ndjsonStream (per-frame write deadline,
// flush-after-write), adapted to emit `id:/event:/data:` SSE frames instead
// of bare NDJSON lines per spec.md §4.9/§6. Frames are written directly on
// the calling goroutine; there is no buffered channel or separate writer.
type sseStream struct {
	w    http.ResponseWriter
	f    http.Flusher
	ctrl *http.ResponseController
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseStream{w: w, f: f, ctrl: http.NewResponseController(w)}
}

func (s *sseStream) sendEnvelope(env *model.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = s.ctrl.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(s.w, "id:%d\nevent:%s\ndata:%s\n\n", env.Seq, env.Type, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseStream) ping() error {
	_ = s.ctrl.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func newHeartbeatTicker() *time.Ticker {
	return time.NewTicker(eventlog.HeartbeatInterval)
}
