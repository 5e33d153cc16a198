package httpapi

import (
	"net/http"
	"strings"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/auditlog"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/model"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.JobNotFound, "job not found", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents serves either an SSE stream (Accept: text/event-stream)
// or a single JSON batch of envelopes with seq > cursor, per spec.md §6. An
// absent cursor query param is a snapshot request: it always returns the
// retained tail (never CURSOR_EXPIRED) and echoes firstSeq so the caller
// knows where the tail begins.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	noCursor := strings.TrimSpace(r.URL.Query().Get("cursor")) == ""
	cursor := queryInt64(r, "cursor", eventlog.NoCursor)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamJobEventsSSE(w, r, id, cursor)
		return
	}

	envs, err := s.hub.List(r.Context(), id, cursor)
	if err != nil {
		if err == eventlog.ErrCursorExpired {
			writeError(w, apierr.New(apierr.CursorExpired, "cursor expired"))
			return
		}
		writeError(w, apierr.Wrap(apierr.Internal, "failed to list job events", err))
		return
	}

	body := map[string]any{"data": envs}
	if noCursor {
		if first, err := s.hub.FirstRetainedSeq(r.Context(), id); err == nil && first >= 0 {
			body["firstSeq"] = first
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) streamJobEventsSSE(w http.ResponseWriter, r *http.Request, jobID string, cursor int64) {
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.JobNotFound, "job not found", err))
		return
	}

	sub, replay, err := s.hub.Subscribe(r.Context(), jobID, job.ThreadID, cursor)
	if err != nil {
		if err == eventlog.ErrCursorExpired {
			writeError(w, apierr.New(apierr.CursorExpired, "cursor expired"))
			return
		}
		writeError(w, apierr.Wrap(apierr.Internal, "subscribe failed", err))
		return
	}
	defer sub.Close()

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, apierr.New(apierr.Internal, "streaming unsupported"))
		return
	}

	for _, env := range replay {
		if err := stream.sendEnvelope(env); err != nil {
			return
		}
	}

	ctx := r.Context()
	heartbeat := newHeartbeatTicker()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case <-heartbeat.C:
			if err := stream.ping(); err != nil {
				return
			}
		case env, ok := <-sub.Envelopes:
			if !ok {
				return
			}
			if err := stream.sendEnvelope(env); err != nil {
				return
			}
			if env.Type == model.EnvJobFinished {
				return
			}
		}
	}
}

type approveJobRequest struct {
	ApprovalID    string                 `json:"approvalId"`
	Decision      model.ApprovalDecision `json:"decision"`
	Amendment     string                 `json:"execpolicyAmendment"`
	DeclineReason string                 `json:"declineReason"`
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var req approveJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ApprovalID) == "" || req.Decision == "" {
		writeError(w, apierr.New(apierr.BadRequest, "approvalId and decision are required"))
		return
	}

	result, err := s.approvals.Record(r.Context(), req.ApprovalID, req.Decision, req.Amendment, req.DeclineReason)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.ApprovalNotFound, "approval not found", err))
		return
	}
	s.orch.ApplyApprovalDecision(jobID, req.ApprovalID, req.Decision)
	s.auditAppend(auditlog.Entry{Action: "approval_decided", JobID: jobID, ApprovalID: req.ApprovalID,
		Detail: map[string]any{"decision": string(req.Decision), "status": result.Status}})
	writeJSON(w, http.StatusOK, map[string]any{"status": result.Status, "decision": result.Decision})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), jobID); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "cancel failed", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "job_cancelled", JobID: jobID})
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "state": string(model.JobCancelled)})
}
