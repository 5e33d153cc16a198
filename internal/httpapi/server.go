// Package httpapi is the bridge daemon's HTTP boundary: bearer-token auth,
// the REST route table, SSE envelope streaming, and the WebSocket terminal
// endpoint. Grounded in internal/codeapp/gateway/gateway.go's single
// dispatch surface (writeJSON helper, auth-gate-per-handler idiom), adapted
// here to Go's method+pattern ServeMux instead of the teacher's manual
// switch-on-method-and-path, since the route table here is large enough
// that the stdlib router reads more clearly without losing the "one place
// that lists every route" property the teacher's handleAPI has.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/auditlog"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/healthprobe"
	"github.com/relaybridge/agentbridge/internal/model"
	"github.com/relaybridge/agentbridge/internal/orchestrator"
	"github.com/relaybridge/agentbridge/internal/store"
	"github.com/relaybridge/agentbridge/internal/terminal"
	"github.com/relaybridge/agentbridge/internal/threadproj"
)

// Store is the narrow persistence surface the boundary reads/writes
// directly (beyond what orchestrator/threadproj already cover).
type Store interface {
	CreateThread(ctx context.Context, th *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, archived bool, cursor *store.ThreadsCursor, limit int) ([]*model.Thread, error)
	SetThreadArchived(ctx context.Context, id string, archived bool) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	RegisterDevice(ctx context.Context, d *model.PushDevice) error
	UnregisterDevice(ctx context.Context, token string) error
}

// AgentTransport is the subset needed to list models from the agent.
type AgentTransport interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Config bundles the boundary's tunables.
type Config struct {
	BearerToken  string
	ProjectPaths []string
	PackagesDir  string
}

// Server is the HTTP boundary. It owns no transport lifecycle of its own;
// it only drives the already-running orchestrator/terminal manager/store.
type Server struct {
	log       *slog.Logger
	store     Store
	hub       *eventlog.Hub
	approvals *approvals.Registry
	orch      *orchestrator.Orchestrator
	proj      *threadproj.Projector
	terminals *terminal.Manager
	transport AgentTransport
	audit     *auditlog.Store

	bearerToken  string
	projectPaths []string
	packagesDir  string

	startedAt time.Time
	mux       *http.ServeMux
	health    *healthprobe.Sampler
}

// New wires a Server and registers every route from spec.md §6.
func New(st Store, hub *eventlog.Hub, reg *approvals.Registry, orch *orchestrator.Orchestrator, proj *threadproj.Projector, terminals *terminal.Manager, transport AgentTransport, audit *auditlog.Store, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log: log.With("component", "httpapi"), store: st, hub: hub, approvals: reg,
		orch: orch, proj: proj, terminals: terminals, transport: transport, audit: audit,
		bearerToken: cfg.BearerToken, projectPaths: cfg.ProjectPaths, packagesDir: cfg.PackagesDir,
		startedAt: time.Now(), mux: http.NewServeMux(), health: healthprobe.NewSampler(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/threads", s.auth(s.handleCreateThread))
	s.mux.HandleFunc("GET /v1/threads", s.auth(s.handleListThreads))
	s.mux.HandleFunc("POST /v1/threads/{id}/activate", s.auth(s.handleActivateThread))
	s.mux.HandleFunc("GET /v1/threads/{id}/events", s.auth(s.handleThreadEvents))
	s.mux.HandleFunc("POST /v1/threads/{id}/turns", s.auth(s.handleStartTurn))
	s.mux.HandleFunc("POST /v1/threads/{id}/archive", s.auth(s.handleArchive(true)))
	s.mux.HandleFunc("POST /v1/threads/{id}/unarchive", s.auth(s.handleArchive(false)))
	s.mux.HandleFunc("POST /v1/threads/{id}/export", s.auth(s.handleExportThread))
	s.mux.HandleFunc("POST /v1/threads/import", s.auth(s.handleImportThread))

	s.mux.HandleFunc("GET /v1/jobs/{id}", s.auth(s.handleGetJob))
	s.mux.HandleFunc("GET /v1/jobs/{id}/events", s.auth(s.handleJobEvents))
	s.mux.HandleFunc("POST /v1/jobs/{id}/approve", s.auth(s.handleApproveJob))
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.auth(s.handleCancelJob))

	s.mux.HandleFunc("GET /v1/projects", s.auth(s.handleProjects))
	s.mux.HandleFunc("GET /v1/models", s.auth(s.handleModels))

	s.mux.HandleFunc("GET /v1/threads/{id}/terminal", s.auth(s.handleTerminalStatus))
	s.mux.HandleFunc("POST /v1/threads/{id}/terminal/open", s.auth(s.handleTerminalOpen))
	s.mux.HandleFunc("POST /v1/terminals/{sid}/resize", s.auth(s.handleTerminalResize))
	s.mux.HandleFunc("POST /v1/terminals/{sid}/close", s.auth(s.handleTerminalClose))
	s.mux.HandleFunc("GET /v1/terminals/{sid}/stream", s.auth(s.handleTerminalStream))

	s.mux.HandleFunc("POST /v1/push/devices/register", s.auth(s.handleDeviceRegister))
	s.mux.HandleFunc("POST /v1/push/devices/unregister", s.auth(s.handleDeviceUnregister))
}

// auth gates a handler behind the configured bearer token. Constant-time
// comparison avoids leaking the token's length/contents through timing.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.bearerToken)) != 1 {
			writeError(w, apierr.New(apierr.Unauthorized, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"authEnabled": s.bearerToken != "",
		"uptime":      time.Since(s.startedAt).String(),
		"goroutines":  snap.Goroutines,
		"allocBytes":  snap.AllocBytes,
		"loadAverage": snap.LoadAverage,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is spec.md §6's canonical error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	ce := apierr.As(err)
	var body errorBody
	body.Error.Code = string(ce.Code)
	body.Error.Message = ce.Message
	writeJSON(w, ce.Status, body)
}

func decodeRawJSON(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.BadRequest, "invalid request body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name)))
	return v == "1" || v == "true" || v == "yes"
}
