package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/auditlog"
	"github.com/relaybridge/agentbridge/internal/terminal"
)

func (s *Server) handleTerminalStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	sess, ok := s.terminals.GetByThread(threadID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": terminalStatusView(sess)})
}

func terminalStatusView(sess *terminal.Session) map[string]any {
	snap := sess.Status()
	return map[string]any{
		"sessionId":     snap.ID,
		"threadId":      snap.ThreadID,
		"cwd":           snap.Cwd,
		"transportMode": snap.TransportMode,
		"status":        snap.Status,
		"exitCode":      snap.ExitCode,
		"startedAt":     snap.StartedAt,
	}
}

type openTerminalRequest struct {
	Cwd  string `json:"cwd"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func (s *Server) handleTerminalOpen(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	th, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.ThreadNotFound, "thread not found", err))
		return
	}

	var req openTerminalRequest
	_ = decodeJSON(r, &req)

	abs, err := terminal.ResolveCwd(th.ProjectPath, req.Cwd)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.FSPathForbidden, "invalid cwd", err))
		return
	}

	sess, reused, err := s.terminals.OpenSession(threadID, abs, req.Cols, req.Rows, nil)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to open terminal", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "terminal_opened", ThreadID: threadID, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"wsPath":    "/v1/terminals/" + sess.ID + "/stream",
		"reused":    reused,
	})
}

type resizeTerminalRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	var req resizeTerminalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.terminals.Resize(sid, req.Cols, req.Rows); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "resize failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resized": true})
}

func (s *Server) handleTerminalClose(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if err := s.terminals.CloseSession(sid, "closed by client"); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "close failed", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "terminal_closed", SessionID: sid})
	writeJSON(w, http.StatusOK, map[string]any{"closed": true})
}

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleTerminalStream upgrades to a WebSocket and pumps terminal.Event
// frames to the client while relaying inbound control/input frames, per
// spec.md §4.8/§6.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	fromSeq := queryInt64(r, "fromSeq", -1)

	if _, err := s.terminals.Get(sid); err != nil {
		writeError(w, apierr.Wrap(apierr.TerminalCursorExpired, "session not found", err))
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal websocket upgrade failed", "session_id", sid, "err", err)
		return
	}
	defer conn.Close()

	clientID := "ws_" + uuid.NewString()
	events, err := s.terminals.AttachClient(sid, clientID, fromSeq)
	if err != nil {
		_ = conn.WriteJSON(map[string]any{"type": "error", "code": "TERMINAL_CURSOR_EXPIRED", "message": err.Error()})
		return
	}
	defer s.terminals.DetachClient(sid, clientID)

	done := make(chan struct{})
	pongs := make(chan struct{}, 1)
	go s.terminalReadPump(conn, sid, done, pongs)

	for {
		select {
		case <-done:
			return
		case <-pongs:
			// Writes must stay on this goroutine: gorilla/websocket
			// forbids concurrent writers on one connection.
			if err := conn.WriteJSON(map[string]any{"type": "pong"}); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(terminalEventView(ev)); err != nil {
				return
			}
		}
	}
}

// terminalReadPump relays inbound input/resize/ping/detach/close control
// frames from the client until the connection errors or closes, at which
// point done is closed so the write loop can release the session's client
// slot. ping requests a pong through the write loop's pongs channel since
// only that goroutine may write to conn.
func (s *Server) terminalReadPump(conn *websocket.Conn, sessionID string, done chan struct{}, pongs chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
			Data string `json:"data"`
			Cols int    `json:"cols"`
			Rows int    `json:"rows"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch strings.ToLower(frame.Type) {
		case "input":
			_ = s.terminals.WriteInput(sessionID, []byte(frame.Data))
		case "resize":
			_ = s.terminals.Resize(sessionID, frame.Cols, frame.Rows)
		case "ping":
			select {
			case pongs <- struct{}{}:
			default:
			}
		case "detach":
			return
		case "close":
			_ = s.terminals.CloseSession(sessionID, "closed by client")
			return
		}
	}
}

func terminalEventView(ev terminal.Event) map[string]any {
	out := map[string]any{"type": ev.Type}
	if ev.SessionID != "" {
		out["sessionId"] = ev.SessionID
	}
	if ev.ThreadID != "" {
		out["threadId"] = ev.ThreadID
	}
	if ev.Cwd != "" {
		out["cwd"] = ev.Cwd
	}
	if ev.TransportMode != "" {
		out["transportMode"] = ev.TransportMode
	}
	if ev.Type == "output" {
		out["seq"] = ev.Seq
	}
	if len(ev.Data) > 0 {
		out["data"] = string(ev.Data)
	}
	if ev.ExitCode != nil {
		out["exitCode"] = *ev.ExitCode
	}
	if ev.Signal != "" {
		out["signal"] = ev.Signal
	}
	if ev.Code != "" {
		out["code"] = ev.Code
	}
	if ev.Message != "" {
		out["message"] = ev.Message
	}
	return out
}
