package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/model"
	"github.com/relaybridge/agentbridge/internal/orchestrator"
	"github.com/relaybridge/agentbridge/internal/store"
	"github.com/relaybridge/agentbridge/internal/terminal"
	"github.com/relaybridge/agentbridge/internal/threadproj"
)

// fakeStore is an in-memory stand-in for *store.Store, satisfying every
// narrow interface the boundary's dependencies need (httpapi.Store,
// orchestrator.ThreadStore, threadproj.Store, eventlog.Persister,
// approvals.Persister), mirroring the fakeStore pattern used in
// internal/orchestrator's and internal/threadproj's own tests.
type fakeStore struct {
	mu         sync.Mutex
	threads    map[string]*model.Thread
	jobs       map[string]*model.Job
	approvals  map[string]*model.Approval
	events     map[string][]*model.Envelope
	projection map[string][]*model.Envelope
	devices    map[string]*model.PushDevice
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:    make(map[string]*model.Thread),
		jobs:       make(map[string]*model.Job),
		approvals:  make(map[string]*model.Approval),
		events:     make(map[string][]*model.Envelope),
		projection: make(map[string][]*model.Envelope),
		devices:    make(map[string]*model.PushDevice),
	}
}

func (f *fakeStore) CreateThread(ctx context.Context, th *model.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *th
	f.threads[th.ID] = &cp
	return nil
}

func (f *fakeStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	cp := *th
	return &cp, nil
}

func (f *fakeStore) ListThreads(ctx context.Context, archived bool, cursor *store.ThreadsCursor, limit int) ([]*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Thread
	for _, th := range f.threads {
		if th.Archived != archived {
			continue
		}
		cp := *th
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SetThreadArchived(ctx context.Context, id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return fmt.Errorf("thread %s not found", id)
	}
	th.Archived = archived
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) RegisterDevice(ctx context.Context, d *model.PushDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.devices[d.Token] = &cp
	return nil
}

func (f *fakeStore) UnregisterDevice(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, token)
	return nil
}

func (f *fakeStore) ActiveJobForThread(ctx context.Context, threadID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ThreadID == threadID && !j.State.IsTerminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no active job for thread %s", threadID)
}

func (f *fakeStore) CreateJob(ctx context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateJobState(ctx context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) TouchThread(ctx context.Context, id string, pendingApprovalCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if th, ok := f.threads[id]; ok {
		th.PendingApprovalCount = pendingApprovalCount
		th.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeStore) UpsertApproval(ctx context.Context, a *model.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.approvals[a.ID] = &cp
	return nil
}

func (f *fakeStore) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, env *model.Envelope, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[env.JobID] = append(f.events[env.JobID], env)
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, jobID string, cursor int64) ([]*model.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Envelope
	for _, env := range f.events[jobID] {
		if env.Seq > cursor {
			out = append(out, env)
		}
	}
	return out, nil
}

func (f *fakeStore) FirstRetainedSeq(ctx context.Context, jobID string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) TrimEventsBefore(ctx context.Context, jobID string, floor int64) error {
	return nil
}

func (f *fakeStore) ReplaceProjection(ctx context.Context, threadID string, envs []*model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projection[threadID] = envs
	return nil
}

func (f *fakeStore) UpsertProjectionEvents(ctx context.Context, threadID string, envs []*model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projection[threadID] = append(f.projection[threadID], envs...)
	return nil
}

func (f *fakeStore) ListProjection(ctx context.Context, threadID string, cursor int64, limit int) ([]*model.Envelope, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.projection[threadID]
	var out []*model.Envelope
	for _, env := range all {
		if env.Seq > cursor {
			out = append(out, env)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, len(all), nil
}

// newTestServer wires a Server against fakeStore and real, otherwise-idle
// instances of every other subsystem, with no agent transport attached.
func newTestServer(t *testing.T, bearerToken string) (*Server, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	log := slog.Default()

	hub := eventlog.New(fs, 100)
	reg := approvals.New(fs, nil)
	proj := threadproj.New(fs, nil, log)
	orch := orchestrator.New(fs, hub, reg, nil, proj, log, orchestrator.Config{})
	terminals := terminal.NewManager("/bin/sh", time.Minute, log)

	s := New(fs, hub, reg, orch, proj, terminals, nil, nil, Config{
		BearerToken: bearerToken,
	}, log)
	return s, fs
}

func doRequest(t *testing.T, s *Server, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doRequest(t, s, "GET", "/v1/projects", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("error code = %q, want UNAUTHORIZED", body.Error.Code)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doRequest(t, s, "GET", "/v1/projects", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthDisabledWhenNoBearerConfigured(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "GET", "/v1/projects", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthIncludesSnapshotFields(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"status", "authEnabled", "uptime", "goroutines", "allocBytes"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("health response missing %q: %v", key, body)
		}
	}
}

func TestCreateThreadRejectsEmptyProjectPath(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "POST", "/v1/threads", `{"projectPath":""}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateThreadEnforcesProjectPathWhitelist(t *testing.T) {
	fs := newFakeStore()
	log := slog.Default()
	hub := eventlog.New(fs, 100)
	reg := approvals.New(fs, nil)
	proj := threadproj.New(fs, nil, log)
	orch := orchestrator.New(fs, hub, reg, nil, proj, log, orchestrator.Config{})
	terminals := terminal.NewManager("/bin/sh", time.Minute, log)
	s := New(fs, hub, reg, orch, proj, terminals, nil, nil, Config{
		ProjectPaths: []string{"/srv/allowed"},
	}, log)

	rec := doRequest(t, s, "POST", "/v1/threads", `{"projectPath":"/etc"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "POST", "/v1/threads", `{"projectPath":"/srv/allowed/sub"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateThreadThenListAndArchive(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := doRequest(t, s, "POST", "/v1/threads", `{"projectPath":"/tmp/proj"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var created model.Thread
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created thread: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a thread id to be assigned")
	}

	rec = doRequest(t, s, "GET", "/v1/threads?archived=false", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Data []*model.Thread `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Data) != 1 || listed.Data[0].ID != created.ID {
		t.Fatalf("expected created thread in list, got %+v", listed.Data)
	}

	rec = doRequest(t, s, "POST", "/v1/threads/"+created.ID+"/archive", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status = %d, body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "GET", "/v1/threads?archived=false", "", "")
	var listedAfter struct {
		Data []*model.Thread `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listedAfter)
	if len(listedAfter.Data) != 0 {
		t.Fatalf("expected archived thread to drop from active list, got %+v", listedAfter.Data)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "GET", "/v1/jobs/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "JOB_NOT_FOUND" {
		t.Fatalf("error code = %q, want JOB_NOT_FOUND", body.Error.Code)
	}
}

func TestApproveJobRequiresApprovalIDAndDecision(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "POST", "/v1/jobs/job_1/approve", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestTerminalStatusNullWhenNoSessionOpen(t *testing.T) {
	s, fs := newTestServer(t, "")
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/tmp"}

	rec := doRequest(t, s, "GET", "/v1/threads/th_1/terminal", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Session *struct{} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session != nil {
		t.Fatalf("expected null session, got %+v", body.Session)
	}
}

func TestDeviceRegisterAndUnregister(t *testing.T) {
	s, fs := newTestServer(t, "")

	rec := doRequest(t, s, "POST", "/v1/push/devices/register", `{"platform":"ios","token":"tok_1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := fs.devices["tok_1"]; !ok {
		t.Fatalf("expected device to be registered")
	}

	rec = doRequest(t, s, "POST", "/v1/push/devices/unregister", `{"token":"tok_1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unregister status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := fs.devices["tok_1"]; ok {
		t.Fatalf("expected device to be unregistered")
	}
}

func TestModelsEmptyWithoutTransport(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s, "GET", "/v1/models", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Data []modelInfo `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 0 {
		t.Fatalf("expected empty model list without a transport, got %+v", body.Data)
	}
}
