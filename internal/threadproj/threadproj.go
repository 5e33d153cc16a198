// Package threadproj maintains each thread's restartable projection of job
// envelopes and packages threads for export/import between daemons.
package threadproj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaybridge/agentbridge/internal/model"
)

// Store is the narrow persistence surface threadproj needs.
type Store interface {
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	CreateThread(ctx context.Context, th *model.Thread) error
	ReplaceProjection(ctx context.Context, threadID string, envs []*model.Envelope) error
	UpsertProjectionEvents(ctx context.Context, threadID string, envs []*model.Envelope) error
	ListProjection(ctx context.Context, threadID string, cursor int64, limit int) ([]*model.Envelope, int, error)
	ListEvents(ctx context.Context, jobID string, cursor int64) ([]*model.Envelope, error)
}

// AgentTransport is the subset of agenttransport.Transport needed to ask the
// agent to rehydrate a thread's authoritative turn history.
type AgentTransport interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

const defaultListLimit = 200

// Projector rebuilds and serves each thread's projection, per spec.md §4.7.
type Projector struct {
	store Store
	agent AgentTransport
	log   *slog.Logger
}

// New constructs a Projector. agent may be nil; in that case Activate always
// falls back to the store's existing projection.
func New(store Store, agent AgentTransport, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{store: store, agent: agent, log: log.With("component", "threadproj")}
}

type rehydrateResult struct {
	Envelopes []*model.Envelope `json:"envelopes"`
}

// Activate asks the agent to rehydrate threadID and replaces the stored
// projection wholesale with its answer. If the agent can't rehydrate (no
// transport, RPC error, or malformed reply), the existing projection is left
// untouched — the fallback spec.md §4.7 requires.
func (p *Projector) Activate(ctx context.Context, threadID string) error {
	th, err := p.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("threadproj: activate: %w", err)
	}

	if p.agent == nil {
		p.log.Debug("no agent transport wired, using stored projection", "thread_id", threadID)
		return nil
	}

	raw, err := p.agent.Request(ctx, "thread/rehydrate", map[string]string{
		"threadId":    th.ID,
		"projectPath": th.ProjectPath,
	})
	if err != nil {
		p.log.Warn("thread rehydrate failed, falling back to stored projection", "thread_id", threadID, "err", err)
		return nil
	}

	var result rehydrateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		p.log.Warn("thread rehydrate reply malformed, falling back to stored projection", "thread_id", threadID, "err", err)
		return nil
	}

	return p.store.ReplaceProjection(ctx, threadID, result.Envelopes)
}

// MergeJob folds a finished job's full envelope history into its thread's
// projection, per spec.md §4.7's "on per-job completion" rule.
func (p *Projector) MergeJob(ctx context.Context, threadID, jobID string) error {
	envs, err := p.store.ListEvents(ctx, jobID, -1)
	if err != nil {
		return fmt.Errorf("threadproj: merge job %s: %w", jobID, err)
	}
	if len(envs) == 0 {
		return nil
	}
	return p.store.UpsertProjectionEvents(ctx, threadID, envs)
}

// ListThreadEvents returns a paged slice of the projection.
func (p *Projector) ListThreadEvents(ctx context.Context, threadID string, cursor int64, limit int) (data []*model.Envelope, nextCursor int64, hasMore bool, total int, err error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	envs, total, err := p.store.ListProjection(ctx, threadID, cursor, limit+1)
	if err != nil {
		return nil, 0, false, 0, err
	}
	hasMore = len(envs) > limit
	if hasMore {
		envs = envs[:limit]
	}
	nextCursor = cursor
	if len(envs) > 0 {
		nextCursor = envs[len(envs)-1].Seq
	}
	return envs, nextCursor, hasMore, total, nil
}

// ErrPackageExists is returned by Export when the destination package
// directory already exists.
var ErrPackageExists = errors.New("threadproj: export destination already exists")

// ErrChecksumMismatch is returned by Import when the session file's SHA-256
// doesn't match the package index.
var ErrChecksumMismatch = errors.New("threadproj: session file checksum mismatch")
