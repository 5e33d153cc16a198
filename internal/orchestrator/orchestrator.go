// Package orchestrator implements the per-thread job state machine: it
// turns a user message into a job, normalizes the agent's event stream into
// envelopes, routes approval round-trips, and determines terminal status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/jsonrpc"
	"github.com/relaybridge/agentbridge/internal/model"
)

// ThreadStore is the subset of *store.Store the orchestrator needs for
// thread-level reads, kept narrow so tests can fake it.
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ActiveJobForThread(ctx context.Context, threadID string) (*model.Job, error)
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJobState(ctx context.Context, j *model.Job) error
	TouchThread(ctx context.Context, id string, pendingApprovalCount int) error
	UpsertApproval(ctx context.Context, a *model.Approval) error
}

// AgentTransport is the subset of *agenttransport.Transport the orchestrator
// drives, narrowed to an interface so tests can fake the agent subprocess.
type AgentTransport interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	Respond(id int64, result any) error
	RespondError(id int64, code int, message string) error
}

// Projector merges a finished job's envelopes into its thread's restartable
// projection. *threadproj.Projector implements this; nil disables the merge
// (used by tests that don't exercise the projection).
type Projector interface {
	MergeJob(ctx context.Context, threadID, jobID string) error
}

// inboxCapacity bounds how many pending actor actions may queue per job
// before submit blocks; generous because actions are cheap closures.
const inboxCapacity = 64

// Orchestrator owns the live set of per-job actors.
type Orchestrator struct {
	store     ThreadStore
	hub       *eventlog.Hub
	approvals *approvals.Registry
	transport AgentTransport
	proj      Projector
	log       *slog.Logger

	approvalTimeout time.Duration
	cancelDeadline  time.Duration

	mu             sync.Mutex
	activeByThread map[string]*jobActor
	byJobID        map[string]*jobActor
	byTurnID       map[string]*jobActor
}

// Config bundles the orchestrator's tunables.
type Config struct {
	ApprovalTimeout time.Duration
	CancelDeadline  time.Duration
}

func New(st ThreadStore, hub *eventlog.Hub, reg *approvals.Registry, transport AgentTransport, proj Projector, log *slog.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 10 * time.Minute
	}
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = 15 * time.Second
	}
	return &Orchestrator{
		store:           st,
		hub:             hub,
		approvals:       reg,
		transport:       transport,
		proj:            proj,
		log:             log.With("component", "orchestrator"),
		approvalTimeout: cfg.ApprovalTimeout,
		cancelDeadline:  cfg.CancelDeadline,
		activeByThread:  make(map[string]*jobActor),
		byJobID:         make(map[string]*jobActor),
		byTurnID:        make(map[string]*jobActor),
	}
}

type jobActor struct {
	orch   *Orchestrator
	job    *model.Job
	thread *model.Thread
	turnID string

	inbox chan func()
	done  chan struct{}

	pendingApprovals map[string]*model.Approval
}

// StartTurn validates I4/archive invariants, creates the job row, and spawns
// its actor. The agent request itself ("turn/start") is sent from inside the
// actor so all subsequent agent-originated events are already serialized
// through the same goroutine that issued the start.
func (o *Orchestrator) StartTurn(ctx context.Context, threadID, text, approvalPolicy, sandbox, modelName string) (*model.Job, error) {
	th, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, apierr.Wrap(apierr.ThreadNotFound, "thread not found", err)
	}
	if th.Archived {
		return nil, apierr.New(apierr.ThreadArchived, "thread is archived")
	}

	o.mu.Lock()
	if _, exists := o.activeByThread[threadID]; exists {
		o.mu.Unlock()
		return nil, apierr.New(apierr.ThreadHasActiveJob, "thread already has an active job")
	}

	if existing, err := o.store.ActiveJobForThread(ctx, threadID); err == nil && existing != nil {
		o.mu.Unlock()
		return nil, apierr.New(apierr.ThreadHasActiveJob, "thread already has an active job")
	}

	job := &model.Job{
		ID:        "job_" + uuid.NewString(),
		ThreadID:  threadID,
		State:     model.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	actor := &jobActor{
		orch:             o,
		job:              job,
		thread:           th,
		inbox:            make(chan func(), inboxCapacity),
		done:             make(chan struct{}),
		pendingApprovals: make(map[string]*model.Approval),
	}
	o.activeByThread[threadID] = actor
	o.byJobID[job.ID] = actor
	o.mu.Unlock()

	go actor.run()

	actor.submit(func() {
		actor.start(context.Background(), text, approvalPolicy, sandbox, modelName)
	})

	return job, nil
}

func (a *jobActor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.done:
			return
		}
	}
}

func (a *jobActor) submit(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.done:
	}
}

func (a *jobActor) start(ctx context.Context, text, approvalPolicy, sandbox, modelName string) {
	a.emit(ctx, model.EnvJobCreated, map[string]any{"jobId": a.job.ID, "threadId": a.thread.ID})
	a.transition(ctx, model.JobRunning, "")

	params := map[string]any{
		"threadId":       a.thread.ID,
		"text":           text,
		"approvalPolicy": approvals.NormalizeApprovalPolicy(approvalPolicy),
		"sandbox":        approvals.NormalizeSandbox(sandbox),
		"model":          modelName,
		"cwd":            a.thread.ProjectPath,
	}
	res, err := a.orch.transport.Request(ctx, "turn/start", params)
	if err != nil {
		a.fail(ctx, fmt.Sprintf("turn/start failed: %v", err))
		return
	}
	var started struct {
		TurnID string `json:"turnId"`
	}
	if err := json.Unmarshal(res, &started); err != nil || started.TurnID == "" {
		a.fail(ctx, "turn/start returned no turnId")
		return
	}

	a.turnID = started.TurnID
	a.orch.mu.Lock()
	a.orch.byTurnID[a.turnID] = a
	a.orch.mu.Unlock()
}

// HandleNotification implements agenttransport.Handler: routes an agent
// notification to the owning job's actor by turnId.
func (o *Orchestrator) HandleNotification(method string, params json.RawMessage) {
	var withTurn struct {
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(params, &withTurn)

	o.mu.Lock()
	actor, ok := o.byTurnID[withTurn.TurnID]
	o.mu.Unlock()
	if !ok {
		o.log.Warn("notification for unknown turn", "method", method, "turnId", withTurn.TurnID)
		return
	}

	actor.submit(func() {
		actor.handleAgentEvent(context.Background(), method, params)
	})
}

// HandleRequest implements agenttransport.Handler for inbound approval
// requests issued by the agent. For a request naming a known turn the
// response is written later, once a decision is recorded, so it defers;
// malformed params or an unknown turnId get an immediate RPC error.
func (o *Orchestrator) HandleRequest(id int64, method string, params json.RawMessage) (any, *jsonrpc.RPCError, bool) {
	var body struct {
		TurnID  string          `json:"turnId"`
		ItemID  string          `json:"itemId"`
		Command string          `json:"command"`
		Cwd     string          `json:"cwd"`
		Actions json.RawMessage `json:"actions"`
		Reason  string          `json:"reason"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "invalid params"}, false
	}

	o.mu.Lock()
	actor, ok := o.byTurnID[body.TurnID]
	o.mu.Unlock()
	if !ok {
		return nil, &jsonrpc.RPCError{Code: -32001, Message: "unknown turn"}, false
	}

	kind := model.ApprovalCommand
	if method == "item/fileChange/requestApproval" {
		kind = model.ApprovalFileChange
	}

	approval := &model.Approval{
		ID:        "ap_" + uuid.NewString(),
		JobID:     actor.job.ID,
		ThreadID:  actor.thread.ID,
		Kind:      kind,
		Command:   body.Command,
		Cwd:       body.Cwd,
		Actions:   body.Actions,
		Reason:    body.Reason,
		TurnID:    body.TurnID,
		ItemID:    body.ItemID,
		RequestID: id,
		CreatedAt: time.Now().UTC(),
	}

	actor.submit(func() {
		actor.handleApprovalRequest(context.Background(), approval)
	})

	// The response to this RPC id is written later by the approval
	// registry once a decision is recorded; nothing to return now.
	return nil, nil, true
}

func (a *jobActor) handleApprovalRequest(ctx context.Context, approval *model.Approval) {
	existing, coalesced := a.orch.approvals.Open(approval)
	a.pendingApprovals[existing.ID] = existing

	if !coalesced {
		a.job.PendingApprovalCount++
		if err := a.orch.store.UpsertApproval(ctx, existing); err != nil {
			a.orch.log.Error("persist approval failed", "err", err)
		}
		a.emit(ctx, model.EnvApprovalRequired, existing)
		a.transition(ctx, model.JobWaitingApproval, "")
	}

	go a.startApprovalTimeout(existing.ID, a.orch.approvalTimeout)
}

func (a *jobActor) startApprovalTimeout(approvalID string, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		a.submit(func() {
			a.applyApprovalDecision(context.Background(), approvalID, model.DecisionTimeout, "", "approval timed out")
		})
	case <-a.done:
	}
}

// ApplyApprovalDecision is called by the approvals registry's HTTP-facing
// caller (internal/httpapi) after Record() durably stores the decision; the
// actor applies the job-state-machine side effects.
func (o *Orchestrator) ApplyApprovalDecision(jobID, approvalID string, decision model.ApprovalDecision) {
	o.mu.Lock()
	actor, ok := o.byJobID[jobID]
	o.mu.Unlock()
	if !ok {
		return
	}
	actor.submit(func() {
		actor.applyApprovalDecision(context.Background(), approvalID, decision, "", "")
	})
}

func (a *jobActor) applyApprovalDecision(ctx context.Context, approvalID string, decision model.ApprovalDecision, amendment, declineReason string) {
	if _, ok := a.pendingApprovals[approvalID]; !ok {
		return
	}
	delete(a.pendingApprovals, approvalID)
	if a.job.PendingApprovalCount > 0 {
		a.job.PendingApprovalCount--
	}

	a.emit(ctx, model.EnvApprovalResolved, map[string]any{"approvalId": approvalID, "decision": decision})

	if decision == model.DecisionCancel {
		a.cancelLocked(ctx, "cancelled via approval decision")
		return
	}

	if a.job.PendingApprovalCount == 0 && a.job.State == model.JobWaitingApproval {
		a.transition(ctx, model.JobRunning, "")
	}
}

func (a *jobActor) handleAgentEvent(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "turn/started":
		a.emit(ctx, model.EnvTurnStarted, params)
	case "turn/completed":
		a.handleTurnCompleted(ctx, params)
	case "item/started":
		a.emit(ctx, model.EnvItemStarted, params)
	case "item/completed":
		a.emit(ctx, model.EnvItemCompleted, params)
	case "item/agentMessage/delta":
		a.emit(ctx, model.EnvItemAgentMessageDelta, params)
	case "item/commandExecution/outputDelta":
		a.emit(ctx, model.EnvItemCommandExecutionOutputDelta, params)
	case "item/fileChange/outputDelta":
		a.emit(ctx, model.EnvItemFileChangeOutputDelta, params)
	default:
		a.emit(ctx, model.EnvError, map[string]any{"message": "unknown agent method", "method": method})
	}
}

func (a *jobActor) handleTurnCompleted(ctx context.Context, params json.RawMessage) {
	var body struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(params, &body)
	a.emit(ctx, model.EnvTurnCompleted, params)

	switch body.Status {
	case "completed":
		a.finish(ctx, model.JobDone, "")
	case "interrupted":
		a.finish(ctx, model.JobCancelled, "")
	default:
		a.finish(ctx, model.JobFailed, "turn failed")
	}
}

// Cancel requests an interrupt upstream and, regardless of acknowledgment,
// forces the job terminal after the agent confirms or cancelDeadline
// elapses.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	actor, ok := o.byJobID[jobID]
	o.mu.Unlock()
	if !ok {
		return apierr.New(apierr.JobNotFound, "job not found")
	}

	done := make(chan struct{})
	actor.submit(func() {
		actor.cancelLocked(context.Background(), "")
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *jobActor) cancelLocked(ctx context.Context, reason string) {
	if a.job.State.IsTerminal() {
		return
	}
	go func() {
		_, _ = a.orch.transport.Request(ctx, "turn/interrupt", map[string]string{"turnId": a.turnID})
	}()

	deadline := time.NewTimer(a.orch.cancelDeadline)
	go func() {
		select {
		case <-deadline.C:
			a.submit(func() { a.finish(ctx, model.JobCancelled, "") })
		case <-a.done:
		}
	}()
}

func (a *jobActor) finish(ctx context.Context, state model.JobState, errMsg string) {
	if a.job.State.IsTerminal() {
		return
	}
	a.job.State = state
	a.job.ErrorMessage = errMsg
	now := time.Now().UTC()
	a.job.FinishedAt = &now

	a.emit(ctx, model.EnvJobFinished, map[string]any{"jobId": a.job.ID, "state": state, "errorMessage": errMsg})
	a.persistJobState(ctx)

	if a.orch.proj != nil {
		if err := a.orch.proj.MergeJob(ctx, a.thread.ID, a.job.ID); err != nil {
			a.orch.log.Error("merge job into thread projection failed", "jobId", a.job.ID, "err", err)
		}
	}

	a.orch.mu.Lock()
	delete(a.orch.activeByThread, a.thread.ID)
	delete(a.orch.byJobID, a.job.ID)
	if a.turnID != "" {
		delete(a.orch.byTurnID, a.turnID)
	}
	a.orch.mu.Unlock()

	close(a.done)
}

func (a *jobActor) fail(ctx context.Context, reason string) {
	a.finish(ctx, model.JobFailed, reason)
}

func (a *jobActor) transition(ctx context.Context, state model.JobState, errMsg string) {
	a.job.State = state
	if errMsg != "" {
		a.job.ErrorMessage = errMsg
	}
	a.emit(ctx, model.EnvJobState, map[string]any{"jobId": a.job.ID, "state": state})
	a.persistJobState(ctx)
}

func (a *jobActor) persistJobState(ctx context.Context) {
	if err := a.orch.store.UpdateJobState(ctx, a.job); err != nil {
		a.orch.log.Error("persist job state failed", "jobId", a.job.ID, "err", err)
	}
	_ = a.orch.store.TouchThread(ctx, a.thread.ID, a.job.PendingApprovalCount)
}

func (a *jobActor) emit(ctx context.Context, typ model.EnvelopeType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	seq := a.job.NextSeq
	a.job.NextSeq++
	env := &model.Envelope{Type: typ, TS: time.Now().UTC(), JobID: a.job.ID, Seq: seq, Payload: raw}
	if err := a.orch.hub.Append(ctx, env, a.thread.ID); err != nil {
		a.orch.log.Error("append envelope failed", "jobId", a.job.ID, "err", err)
	}
}

// OnTransportClosed fails every active job with a transport-closed error,
// per §4.2's fail-stop policy.
func (o *Orchestrator) OnTransportClosed() {
	o.mu.Lock()
	actors := make([]*jobActor, 0, len(o.byJobID))
	for _, a := range o.byJobID {
		actors = append(actors, a)
	}
	o.mu.Unlock()

	for _, a := range actors {
		actor := a
		actor.submit(func() {
			actor.finish(context.Background(), model.JobFailed, "transport-closed")
		})
	}
}

// ErrNoActiveJob reports that a thread has no running job; no function in
// this package returns it.
var ErrNoActiveJob = errors.New("orchestrator: no active job for thread")
