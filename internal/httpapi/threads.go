package httpapi

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/auditlog"
	"github.com/relaybridge/agentbridge/internal/model"
	"github.com/relaybridge/agentbridge/internal/store"
)

type createThreadRequest struct {
	ProjectPath    string `json:"projectPath"`
	ThreadName     string `json:"threadName"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Model          string `json:"model"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		writeError(w, apierr.New(apierr.BadRequest, "projectPath is required"))
		return
	}
	if !s.projectPathAllowed(req.ProjectPath) {
		writeError(w, apierr.New(apierr.FSPathForbidden, "projectPath is outside the configured whitelist"))
		return
	}

	now := time.Now().UTC()
	th := &model.Thread{
		ID:             "th_" + uuid.NewString(),
		ProjectPath:    req.ProjectPath,
		Name:           req.ThreadName,
		ApprovalPolicy: approvals.NormalizeApprovalPolicy(req.ApprovalPolicy),
		Sandbox:        approvals.NormalizeSandbox(req.Sandbox),
		Model:          req.Model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateThread(r.Context(), th); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to create thread", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "thread_created", ThreadID: th.ID})
	writeJSON(w, http.StatusCreated, th)
}

// projectPathAllowed reports whether path is within the configured
// whitelist; an empty whitelist means no restriction.
func (s *Server) projectPathAllowed(path string) bool {
	if len(s.projectPaths) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, allowed := range s.projectPaths {
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if abs == allowedAbs {
			return true
		}
		rel, err := filepath.Rel(allowedAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	archived := queryBool(r, "archived")
	limit := queryInt(r, "limit", 50)

	var cursor *store.ThreadsCursor
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		c, err := store.DecodeCursor(raw)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.BadRequest, "invalid cursor", err))
			return
		}
		cursor = &c
	}

	threads, err := s.store.ListThreads(r.Context(), archived, cursor, limit)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to list threads", err))
		return
	}

	var nextCursor string
	if len(threads) == limit {
		last := threads[len(threads)-1]
		nextCursor = store.EncodeCursor(store.ThreadsCursor{UpdatedAtUnix: last.UpdatedAt.Unix(), ID: last.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       threads,
		"nextCursor": nextCursor,
		"hasMore":    nextCursor != "",
	})
}

func (s *Server) handleActivateThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		writeError(w, apierr.Wrap(apierr.ThreadNotFound, "thread not found", err))
		return
	}
	if err := s.proj.Activate(r.Context(), id); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "activate failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": id, "activated": true})
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cursor := queryInt64(r, "cursor", -1)
	limit := queryInt(r, "limit", 0)

	data, next, hasMore, total, err := s.proj.ListThreadEvents(r.Context(), id, cursor, limit)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.ThreadNotFound, "thread not found", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data, "nextCursor": next, "hasMore": hasMore, "total": total,
	})
}

type startTurnRequest struct {
	Text           string `json:"text"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Model          string `json:"model"`
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req startTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apierr.New(apierr.BadRequest, "text is required"))
		return
	}

	job, err := s.orch.StartTurn(r.Context(), id, req.Text, req.ApprovalPolicy, req.Sandbox, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditAppend(auditlog.Entry{Action: "turn_started", ThreadID: id, JobID: job.ID})
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

func (s *Server) handleArchive(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.store.GetThread(r.Context(), id); err != nil {
			writeError(w, apierr.Wrap(apierr.ThreadNotFound, "thread not found", err))
			return
		}
		if err := s.store.SetThreadArchived(r.Context(), id, archived); err != nil {
			writeError(w, apierr.Wrap(apierr.Internal, "failed to update archive state", err))
			return
		}
		action := "thread_unarchived"
		if archived {
			action = "thread_archived"
		}
		s.auditAppend(auditlog.Entry{Action: action, ThreadID: id})
		writeJSON(w, http.StatusOK, map[string]any{"threadId": id, "archived": archived})
	}
}

func (s *Server) handleExportThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pkgDir, err := s.proj.Export(r.Context(), id, s.packagesDir)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "export failed", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "thread_exported", ThreadID: id, Detail: map[string]any{"package": pkgDir}})
	writeJSON(w, http.StatusOK, map[string]any{"packageDir": pkgDir})
}

type importThreadRequest struct {
	PackageDir string `json:"packageDir"`
}

func (s *Server) handleImportThread(w http.ResponseWriter, r *http.Request) {
	var req importThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newID, err := s.proj.Import(r.Context(), req.PackageDir)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "import failed", err))
		return
	}
	s.auditAppend(auditlog.Entry{Action: "thread_imported", ThreadID: newID})
	writeJSON(w, http.StatusCreated, map[string]any{"targetThreadId": newID})
}

func (s *Server) auditAppend(e auditlog.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Append(e)
}
