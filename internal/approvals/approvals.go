// Package approvals is the idempotent decision ledger for agent-initiated
// command/file-change approval requests.
package approvals

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaybridge/agentbridge/internal/model"
)

// Responder forwards a decision to the agent transport by responding to the
// stored inbound request id.
type Responder interface {
	Respond(id int64, result any) error
}

// Persister durably stores approval rows. internal/store implements this.
type Persister interface {
	UpsertApproval(ctx context.Context, a *model.Approval) error
	GetApproval(ctx context.Context, id string) (*model.Approval, error)
}

// SubmitResult is returned by Record.
type SubmitResult struct {
	Status   string // "submitted" or "already_submitted"
	Decision model.ApprovalDecision
}

// Registry tracks in-flight approvals and coalesces duplicate inbound
// requests by fingerprint.
type Registry struct {
	store     Persister
	responder Responder

	mu          sync.Mutex
	byID        map[string]*model.Approval
	fingerprint map[string]string // fingerprint -> approvalId
}

func New(store Persister, responder Responder) *Registry {
	return &Registry{
		store:       store,
		responder:   responder,
		byID:        make(map[string]*model.Approval),
		fingerprint: make(map[string]string),
	}
}

// Open registers a newly-arrived inbound approval request. If a prior
// request with an identical fingerprint is still pending, the existing
// approval is reused and its stored request id is superseded by the new
// one, so the eventual response lands on the live request; coalesced==true
// signals the caller should not emit a second approval.required envelope.
func (r *Registry) Open(a *model.Approval) (existing *model.Approval, coalesced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fp, ok := a.Fingerprint(); ok {
		if id, dup := r.fingerprint[fp]; dup {
			if prior, ok := r.byID[id]; ok && prior.Decision == "" {
				prior.RequestID = a.RequestID
				return prior, true
			}
		}
		r.fingerprint[fp] = a.ID
	}

	r.byID[a.ID] = a
	return a, false
}

// Record applies a decision idempotently. The first valid call is durable
// and forwarded to the agent by responding to the stored inbound request
// id; subsequent calls return already_submitted with the first decision and
// never touch the transport.
func (r *Registry) Record(ctx context.Context, approvalID string, decision model.ApprovalDecision, amendment, declineReason string) (*SubmitResult, error) {
	r.mu.Lock()
	a, ok := r.byID[approvalID]
	r.mu.Unlock()

	if !ok {
		loaded, err := r.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, fmt.Errorf("approvals: not found: %w", err)
		}
		a = loaded
		r.mu.Lock()
		r.byID[approvalID] = a
		r.mu.Unlock()
	}

	r.mu.Lock()
	if a.Decision != "" {
		prior := a.Decision
		r.mu.Unlock()
		return &SubmitResult{Status: "already_submitted", Decision: prior}, nil
	}

	a.Decision = decision
	a.DeclineReason = declineReason
	now := time.Now().UTC()
	a.DecidedAt = &now
	requestID := a.RequestID
	r.mu.Unlock()

	if err := r.store.UpsertApproval(ctx, a); err != nil {
		return nil, err
	}

	if err := r.responder.Respond(requestID, decisionResponse(decision, amendment, declineReason)); err != nil {
		return nil, fmt.Errorf("approvals: respond to agent: %w", err)
	}

	return &SubmitResult{Status: "submitted", Decision: decision}, nil
}

func decisionResponse(decision model.ApprovalDecision, amendment, declineReason string) map[string]any {
	out := map[string]any{"decision": string(decision)}
	if amendment != "" {
		out["execpolicyAmendment"] = amendment
	}
	if declineReason != "" {
		out["declineReason"] = declineReason
	}
	return out
}

// NormalizeSandbox accepts either camelCase or kebab-case spellings and
// returns the canonical kebab-case form used on the wire to the agent,
// defaulting invalid input to "workspace-write".
func NormalizeSandbox(v string) string {
	switch normalizeSpelling(v) {
	case "read_only", "readonly":
		return "read-only"
	case "workspace_write", "workspacewrite":
		return "workspace-write"
	case "danger_full_access", "dangerfullaccess":
		return "danger-full-access"
	default:
		return "workspace-write"
	}
}

// NormalizeApprovalPolicy accepts either spelling and returns the canonical
// kebab-case form, defaulting invalid input to "on-request".
func NormalizeApprovalPolicy(v string) string {
	switch normalizeSpelling(v) {
	case "untrusted", "unless_trusted", "unlesstrusted":
		return "untrusted"
	case "on_failure", "onfailure":
		return "on-failure"
	case "on_request", "onrequest":
		return "on-request"
	case "never":
		return "never"
	default:
		return "on-request"
	}
}

// normalizeSpelling lowercases and converts both kebab-case and camelCase
// input into a common snake_case intermediate for matching.
func normalizeSpelling(v string) string {
	v = strings.TrimSpace(v)
	v = strings.ReplaceAll(v, "-", "_")
	var b strings.Builder
	for i, r := range v {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
