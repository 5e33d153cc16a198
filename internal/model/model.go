// Package model holds the shared entity and envelope types used across the
// store, orchestrator, event log, and boundary.
package model

import (
	"encoding/json"
	"time"
)

// JobState is one of the closed set of job states in the state machine.
type JobState string

const (
	JobQueued           JobState = "QUEUED"
	JobRunning          JobState = "RUNNING"
	JobWaitingApproval  JobState = "WAITING_APPROVAL"
	JobDone             JobState = "DONE"
	JobFailed           JobState = "FAILED"
	JobCancelled        JobState = "CANCELLED"
)

// IsTerminal reports whether the state is one of DONE/FAILED/CANCELLED.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// EnvelopeType is drawn from the closed taxonomy in the system design.
type EnvelopeType string

const (
	EnvJobCreated                    EnvelopeType = "job.created"
	EnvJobState                      EnvelopeType = "job.state"
	EnvJobFinished                   EnvelopeType = "job.finished"
	EnvTurnStarted                   EnvelopeType = "turn.started"
	EnvTurnCompleted                 EnvelopeType = "turn.completed"
	EnvItemStarted                   EnvelopeType = "item.started"
	EnvItemCompleted                 EnvelopeType = "item.completed"
	EnvItemAgentMessageDelta         EnvelopeType = "item.agentMessage.delta"
	EnvItemCommandExecutionOutputDelta EnvelopeType = "item.commandExecution.outputDelta"
	EnvItemFileChangeOutputDelta      EnvelopeType = "item.fileChange.outputDelta"
	EnvApprovalRequired               EnvelopeType = "approval.required"
	EnvApprovalResolved                EnvelopeType = "approval.resolved"
	EnvError                            EnvelopeType = "error"
	EnvThreadStarted                    EnvelopeType = "thread.started"
)

// Envelope is the uniform unit of the per-job event log.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	TS      time.Time       `json:"ts"`
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Thread is a persistent conversation context pinned to a working directory.
type Thread struct {
	ID                   string    `json:"threadId"`
	ProjectPath          string    `json:"projectPath"`
	Name                 string    `json:"threadName,omitempty"`
	ApprovalPolicy       string    `json:"approvalPolicy"`
	Sandbox              string    `json:"sandbox"`
	Model                string    `json:"model,omitempty"`
	Archived             bool      `json:"archived"`
	PendingApprovalCount int       `json:"pendingApprovalCount"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Job is the daemon's tracking handle for a turn.
type Job struct {
	ID                   string     `json:"jobId"`
	ThreadID             string     `json:"threadId"`
	State                JobState   `json:"state"`
	NextSeq              int64      `json:"-"`
	PendingApprovalCount int        `json:"pendingApprovalCount"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
}

// ApprovalKind distinguishes command execution from file-change approvals.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command"
	ApprovalFileChange ApprovalKind = "file-change"
)

// ApprovalDecision is one of the closed set of decisions a user can record.
type ApprovalDecision string

const (
	DecisionAccept                   ApprovalDecision = "accept"
	DecisionAcceptForSession          ApprovalDecision = "accept_for_session"
	DecisionAcceptWithAmendment       ApprovalDecision = "accept_with_execpolicy_amendment"
	DecisionDecline                   ApprovalDecision = "decline"
	DecisionCancel                    ApprovalDecision = "cancel"
	DecisionTimeout                   ApprovalDecision = "timeout"
)

// Approval is an agent-initiated request awaiting a user decision.
type Approval struct {
	ID              string           `json:"approvalId"`
	JobID           string           `json:"jobId"`
	ThreadID        string           `json:"threadId"`
	Kind            ApprovalKind     `json:"kind"`
	Command         string           `json:"command,omitempty"`
	Cwd             string           `json:"cwd,omitempty"`
	Actions         json.RawMessage  `json:"actions,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	TurnID          string           `json:"turnId,omitempty"`
	ItemID          string           `json:"itemId,omitempty"`
	RequestID       int64            `json:"-"`
	Decision        ApprovalDecision `json:"decision,omitempty"`
	DeclineReason   string           `json:"declineReason,omitempty"`
	Amendment       json.RawMessage  `json:"amendment,omitempty"`
	DecidedAt       *time.Time       `json:"decidedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Fingerprint is the coalescing key for duplicate inbound approval requests.
// Per design note, coalescing only applies when all four fields are
// non-empty; never widen or narrow this key.
func (a *Approval) Fingerprint() (string, bool) {
	if a.TurnID == "" || a.ItemID == "" || a.Command == "" || a.Cwd == "" {
		return "", false
	}
	return a.TurnID + "\x00" + a.ItemID + "\x00" + a.Command + "\x00" + a.Cwd, true
}

// TerminalTransportMode is pty or pipe fallback.
type TerminalTransportMode string

const (
	TransportPTY  TerminalTransportMode = "pty"
	TransportPipe TerminalTransportMode = "pipe"
)

// TerminalStatus is running or exited.
type TerminalStatus string

const (
	TerminalRunning TerminalStatus = "running"
	TerminalExited  TerminalStatus = "exited"
)

// PushDevice is a registered push-notification target.
type PushDevice struct {
	Platform    string `json:"platform"`
	Token       string `json:"token"`
	Bundle      string `json:"bundle,omitempty"`
	Environment string `json:"environment,omitempty"`
	ThreadScope string `json:"threadScope,omitempty"`
}
