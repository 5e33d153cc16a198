package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/model"
)

// fakeStore is a minimal in-memory ThreadStore + approvals.Persister +
// eventlog.Persister for orchestrator tests.
type fakeStore struct {
	mu        sync.Mutex
	threads   map[string]*model.Thread
	jobs      map[string]*model.Job
	approvals map[string]*model.Approval
	events    map[string][]*model.Envelope
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:   make(map[string]*model.Thread),
		jobs:      make(map[string]*model.Job),
		approvals: make(map[string]*model.Approval),
		events:    make(map[string][]*model.Envelope),
	}
}

func (f *fakeStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *th
	return &cp, nil
}

func (f *fakeStore) ActiveJobForThread(ctx context.Context, threadID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ThreadID == threadID && !j.State.IsTerminal() {
			return j, nil
		}
	}
	return nil, fmt.Errorf("none")
}

func (f *fakeStore) CreateJob(ctx context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) UpdateJobState(ctx context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) TouchThread(ctx context.Context, id string, pendingApprovalCount int) error {
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
		return nil, fmt.Errorf("not found")
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
	for _, e := range f.events[jobID] {
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) FirstRetainedSeq(ctx context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[jobID]
	if len(evs) == 0 {
		return -1, nil
	}
	return evs[0].Seq, nil
}

func (f *fakeStore) TrimEventsBefore(ctx context.Context, jobID string, floor int64) error {
	return nil
}

// fakeTransport drives a scripted agent: Request("turn/start", ...) always
// succeeds with a fixed turnId; the test then calls orchestrator's
// HandleNotification/HandleRequest directly to simulate agent-originated
// traffic, matching how a real Transport would invoke them from its read
// loop.
type fakeTransport struct {
	mu        sync.Mutex
	responses []responded
}

type responded struct {
	id     int64
	result any
}

func (f *fakeTransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "turn/start" {
		return json.Marshal(map[string]string{"turnId": "turn_1"})
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Notify(method string, params any) error { return nil }

func (f *fakeTransport) Respond(id int64, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responded{id: id, result: result})
	return nil
}

func (f *fakeTransport) RespondError(id int64, code int, message string) error { return nil }

// fakeProjector records MergeJob calls so tests can assert the orchestrator
// wires job completion into the thread projection.
type fakeProjector struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeProjector) MergeJob(ctx context.Context, threadID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, threadID+"/"+jobID)
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *fakeTransport) {
	t.Helper()
	fs := newFakeStore()
	hub := eventlog.New(fs, 2000)
	ft := &fakeTransport{}
	reg := approvals.New(fs, ft)
	o := New(fs, hub, reg, ft, nil, nil, Config{ApprovalTimeout: time.Hour, CancelDeadline: 50 * time.Millisecond})
	return o, fs, ft
}

func waitForJobState(t *testing.T, o *Orchestrator, jobID string, want model.JobState, timeout time.Duration) *model.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		actor, ok := o.byJobID[jobID]
		o.mu.Unlock()
		if ok {
			if actor.job.State == want {
				return actor.job
			}
		} else {
			// actor removed after finishing; check state was persisted
			job, err := o.store.GetJob(context.Background(), jobID)
			if err == nil && job.State == want {
				return job
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s in time", jobID, want)
	return nil
}

func TestStartTurnHappyPath(t *testing.T) {
	o, fs, _ := newTestOrchestrator(t)
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/repo"}

	job, err := o.StartTurn(context.Background(), "th_1", "hello", "on-request", "workspace-write", "")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	waitForJobState(t, o, job.ID, model.JobRunning, time.Second)

	o.HandleNotification("item/agentMessage/delta", json.RawMessage(`{"turnId":"turn_1","text":"hi"}`))
	o.HandleNotification("turn/completed", json.RawMessage(`{"turnId":"turn_1","status":"completed"}`))

	waitForJobState(t, o, job.ID, model.JobDone, time.Second)

	events, err := o.hub.List(context.Background(), job.ID, -1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected envelopes")
	}
	last := events[len(events)-1]
	if last.Type != model.EnvJobFinished {
		t.Fatalf("last envelope type = %q, want job.finished", last.Type)
	}
}

func TestFinishMergesJobIntoThreadProjection(t *testing.T) {
	fs := newFakeStore()
	hub := eventlog.New(fs, 2000)
	ft := &fakeTransport{}
	reg := approvals.New(fs, ft)
	proj := &fakeProjector{}
	o := New(fs, hub, reg, ft, proj, nil, Config{ApprovalTimeout: time.Hour, CancelDeadline: 50 * time.Millisecond})
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/repo"}

	job, err := o.StartTurn(context.Background(), "th_1", "hello", "on-request", "workspace-write", "")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForJobState(t, o, job.ID, model.JobRunning, time.Second)

	o.HandleNotification("turn/completed", json.RawMessage(`{"turnId":"turn_1","status":"completed"}`))
	waitForJobState(t, o, job.ID, model.JobDone, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		proj.mu.Lock()
		n := len(proj.calls)
		proj.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	proj.mu.Lock()
	defer proj.mu.Unlock()
	if len(proj.calls) != 1 || proj.calls[0] != "th_1/"+job.ID {
		t.Fatalf("proj.calls = %v, want one call merging th_1/%s", proj.calls, job.ID)
	}
}

func TestStartTurnRejectsArchivedThread(t *testing.T) {
	o, fs, _ := newTestOrchestrator(t)
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/repo", Archived: true}

	_, err := o.StartTurn(context.Background(), "th_1", "hello", "", "", "")
	if err == nil {
		t.Fatalf("expected error for archived thread")
	}
}

func TestStartTurnRejectsSecondActiveJob(t *testing.T) {
	o, fs, _ := newTestOrchestrator(t)
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/repo"}

	if _, err := o.StartTurn(context.Background(), "th_1", "first", "", "", ""); err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}
	if _, err := o.StartTurn(context.Background(), "th_1", "second", "", "", ""); err == nil {
		t.Fatalf("expected THREAD_HAS_ACTIVE_JOB on second StartTurn")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	o, fs, _ := newTestOrchestrator(t)
	fs.threads["th_1"] = &model.Thread{ID: "th_1", ProjectPath: "/repo"}

	job, err := o.StartTurn(context.Background(), "th_1", "run tests", "on-request", "workspace-write", "")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForJobState(t, o, job.ID, model.JobRunning, time.Second)

	result, _, deferred := o.HandleRequest(42, "item/commandExecution/requestApproval",
		json.RawMessage(`{"turnId":"turn_1","itemId":"item_1","command":"npm test","cwd":"/repo"}`))
	if !deferred || result != nil {
		t.Fatalf("expected deferred response")
	}

	waitForJobState(t, o, job.ID, model.JobWaitingApproval, time.Second)

	var approvalID string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		for id := range fs.approvals {
			approvalID = id
		}
		fs.mu.Unlock()
		if approvalID != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if approvalID == "" {
		t.Fatalf("approval never persisted")
	}

	res, err := o.approvals.Record(context.Background(), approvalID, model.DecisionAccept, "", "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Status != "submitted" {
		t.Fatalf("status = %q", res.Status)
	}

	o.ApplyApprovalDecision(job.ID, approvalID, model.DecisionAccept)
	waitForJobState(t, o, job.ID, model.JobRunning, time.Second)
}
