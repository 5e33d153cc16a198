// Package store is the embedded SQL persistence layer: threads, jobs,
// events, approvals, devices, and terminal session snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaybridge/agentbridge/internal/model"
)

const schemaVersion = 1

// Store wraps a single-writer sqlite connection.
type Store struct {
	db *sql.DB
}

// Open creates the parent directory if needed, opens the database in WAL
// mode with a single connection (the embedded engine serializes writes
// internally; one connection avoids SQLITE_BUSY under concurrent writers),
// and runs pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign_keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("store: read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range initSchemaStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

var initSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL,
		name TEXT,
		approval_policy TEXT NOT NULL,
		sandbox TEXT NOT NULL,
		model TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		pending_approval_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		state TEXT NOT NULL,
		next_seq INTEGER NOT NULL DEFAULT 0,
		pending_approval_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_thread_created ON jobs(thread_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		job_id TEXT NOT NULL REFERENCES jobs(id),
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		ts TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_job_seq ON events(job_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_events_thread_seq ON events(thread_id, seq)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		thread_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		command TEXT,
		cwd TEXT,
		actions BLOB,
		reason TEXT,
		turn_id TEXT,
		item_id TEXT,
		request_id INTEGER,
		decision TEXT,
		decline_reason TEXT,
		amendment BLOB,
		decided_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_job ON approvals(job_id)`,

	`CREATE TABLE IF NOT EXISTS devices (
		token TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		bundle TEXT,
		environment TEXT,
		thread_scope TEXT,
		registered_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS terminal_sessions (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL UNIQUE,
		pid INTEGER,
		shell TEXT,
		cwd TEXT,
		cols INTEGER,
		rows INTEGER,
		status TEXT NOT NULL,
		exit_code INTEGER,
		transport_mode TEXT NOT NULL,
		next_seq INTEGER NOT NULL DEFAULT 0,
		last_activity_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS thread_projection (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		job_id TEXT NOT NULL,
		type TEXT NOT NULL,
		ts TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (thread_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projection_thread_seq ON thread_projection(thread_id, seq)`,
}

// ThreadsCursor encodes a (updatedAt, id) pagination position.
type ThreadsCursor struct {
	UpdatedAtUnix int64
	ID            string
}

func EncodeCursor(c ThreadsCursor) string {
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnix, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (ThreadsCursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ThreadsCursor{}, fmt.Errorf("store: bad cursor: %w", err)
	}
	var ts int64
	var id string
	if _, err := fmt.Sscanf(string(b), "%d:%s", &ts, &id); err != nil {
		return ThreadsCursor{}, fmt.Errorf("store: bad cursor: %w", err)
	}
	return ThreadsCursor{UpdatedAtUnix: ts, ID: id}, nil
}

// CreateThread inserts a new thread row.
func (s *Store) CreateThread(ctx context.Context, th *model.Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, project_path, name, approval_policy, sandbox, model, archived, pending_approval_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		th.ID, th.ProjectPath, th.Name, th.ApprovalPolicy, th.Sandbox, th.Model,
		th.CreatedAt.UTC().Format(time.RFC3339Nano), th.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetThread fetches a thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_path, name, approval_policy, sandbox, model, archived, pending_approval_count, created_at, updated_at
		FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

func scanThread(row *sql.Row) (*model.Thread, error) {
	var th model.Thread
	var archived int
	var createdAt, updatedAt string
	var name, modelName sql.NullString
	if err := row.Scan(&th.ID, &th.ProjectPath, &name, &th.ApprovalPolicy, &th.Sandbox, &modelName, &archived, &th.PendingApprovalCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	th.Name = name.String
	th.Model = modelName.String
	th.Archived = archived != 0
	th.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	th.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &th, nil
}

// ListThreads returns threads with the given archived flag ordered by
// updated_at desc, id desc, paged with a cursor.
func (s *Store) ListThreads(ctx context.Context, archived bool, cursor *ThreadsCursor, limit int) ([]*model.Thread, error) {
	var rows *sql.Rows
	var err error
	archivedInt := 0
	if archived {
		archivedInt = 1
	}
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, project_path, name, approval_policy, sandbox, model, archived, pending_approval_count, created_at, updated_at
			FROM threads WHERE archived = ?
			ORDER BY updated_at DESC, id DESC LIMIT ?`, archivedInt, limit)
	} else {
		ts := time.Unix(cursor.UpdatedAtUnix, 0).UTC().Format(time.RFC3339Nano)
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, project_path, name, approval_policy, sandbox, model, archived, pending_approval_count, created_at, updated_at
			FROM threads WHERE archived = ? AND (updated_at < ? OR (updated_at = ? AND id < ?))
			ORDER BY updated_at DESC, id DESC LIMIT ?`, archivedInt, ts, ts, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Thread
	for rows.Next() {
		var th model.Thread
		var archivedCol int
		var createdAt, updatedAt string
		var name, modelName sql.NullString
		if err := rows.Scan(&th.ID, &th.ProjectPath, &name, &th.ApprovalPolicy, &th.Sandbox, &modelName, &archivedCol, &th.PendingApprovalCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		th.Name = name.String
		th.Model = modelName.String
		th.Archived = archivedCol != 0
		th.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		th.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &th)
	}
	return out, rows.Err()
}

// SetThreadArchived flips the archived flag.
func (s *Store) SetThreadArchived(ctx context.Context, id string, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// TouchThread updates updated_at and pending_approval_count.
func (s *Store) TouchThread(ctx context.Context, id string, pendingApprovalCount int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ?, pending_approval_count = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), pendingApprovalCount, id)
	return err
}

// CreateJob inserts a new job row in QUEUED state.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, thread_id, state, next_seq, pending_approval_count, created_at)
		VALUES (?, ?, ?, 0, 0, ?)`,
		j.ID, j.ThreadID, j.State, j.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, state, next_seq, pending_approval_count, error_message, created_at, finished_at
		FROM jobs WHERE id = ?`, id)
	var j model.Job
	var createdAt string
	var finishedAt, errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.ThreadID, &j.State, &j.NextSeq, &j.PendingApprovalCount, &errMsg, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	j.ErrorMessage = errMsg.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finishedAt.Valid {
		ft, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		j.FinishedAt = &ft
	}
	return &j, nil
}

// ActiveJobForThread returns the non-terminal job for a thread, if any.
func (s *Store) ActiveJobForThread(ctx context.Context, threadID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, state, next_seq, pending_approval_count, error_message, created_at, finished_at
		FROM jobs WHERE thread_id = ? AND state NOT IN ('DONE','FAILED','CANCELLED')
		ORDER BY created_at DESC LIMIT 1`, threadID)
	var j model.Job
	var createdAt string
	var finishedAt, errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.ThreadID, &j.State, &j.NextSeq, &j.PendingApprovalCount, &errMsg, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	j.ErrorMessage = errMsg.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &j, nil
}

// UpdateJobState persists the job's state, pending approval count, error
// message and next_seq/finished_at in one statement.
func (s *Store) UpdateJobState(ctx context.Context, j *model.Job) error {
	var finishedAt any
	if j.FinishedAt != nil {
		finishedAt = j.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, next_seq = ?, pending_approval_count = ?, error_message = ?, finished_at = ?
		WHERE id = ?`, j.State, j.NextSeq, j.PendingApprovalCount, j.ErrorMessage, finishedAt, j.ID)
	return err
}

// AppendEvent persists one envelope. Callers must serialize appends per job
// (see internal/orchestrator); the store does not itself allocate seq.
func (s *Store) AppendEvent(ctx context.Context, env *model.Envelope, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (job_id, thread_id, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		env.JobID, threadID, env.Seq, env.Type, env.TS.UTC().Format(time.RFC3339Nano), []byte(env.Payload))
	return err
}

// ListEvents returns events for a job with seq > cursor in order.
func (s *Store) ListEvents(ctx context.Context, jobID string, cursor int64) ([]*model.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, type, ts, payload FROM events WHERE job_id = ? AND seq > ? ORDER BY seq ASC`,
		jobID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// FirstRetainedSeq returns the smallest seq stored for a job, or -1 if none.
func (s *Store) FirstRetainedSeq(ctx context.Context, jobID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(seq) FROM events WHERE job_id = ?`, jobID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// TrimEventsBefore deletes events for a job with seq < floor, enforcing the
// bounded retention ring.
func (s *Store) TrimEventsBefore(ctx context.Context, jobID string, floor int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE job_id = ? AND seq < ?`, jobID, floor)
	return err
}

func scanEnvelopes(rows *sql.Rows) ([]*model.Envelope, error) {
	var out []*model.Envelope
	for rows.Next() {
		var env model.Envelope
		var ts string
		var payload []byte
		if err := rows.Scan(&env.JobID, &env.Seq, &env.Type, &ts, &payload); err != nil {
			return nil, err
		}
		env.TS, _ = time.Parse(time.RFC3339Nano, ts)
		env.Payload = json.RawMessage(payload)
		out = append(out, &env)
	}
	return out, rows.Err()
}

// UpsertProjectionEvents appends envelopes into the per-thread projection
// table, used by internal/threadproj for rebuild/merge. Envelopes carry
// their job-local seq, which is meaningless across jobs, so this rebases
// each one onto the thread's own monotonic counter (current MAX(seq)+1)
// instead of reusing it as the projection's primary key — otherwise a
// second job in the same thread would overwrite the first job's rows at
// matching job-local seq 0,1,2...
func (s *Store) UpsertProjectionEvents(ctx context.Context, threadID string, envs []*model.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM thread_projection WHERE thread_id = ?`, threadID).Scan(&maxSeq); err != nil {
		return err
	}
	next := int64(0)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thread_projection (thread_id, seq, job_id, type, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range envs {
		if _, err := stmt.ExecContext(ctx, threadID, next, e.JobID, e.Type, e.TS.UTC().Format(time.RFC3339Nano), []byte(e.Payload)); err != nil {
			return err
		}
		next++
	}
	return tx.Commit()
}

// ReplaceProjection clears and rewrites the entire projection for a thread.
func (s *Store) ReplaceProjection(ctx context.Context, threadID string, envs []*model.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_projection WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thread_projection (thread_id, seq, job_id, type, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range envs {
		if _, err := stmt.ExecContext(ctx, threadID, e.Seq, e.JobID, e.Type, e.TS.UTC().Format(time.RFC3339Nano), []byte(e.Payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListProjection returns a paged slice of a thread's projection, seq > cursor.
func (s *Store) ListProjection(ctx context.Context, threadID string, cursor int64, limit int) (envs []*model.Envelope, total int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_projection WHERE thread_id = ?`, threadID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, type, ts, payload FROM thread_projection
		WHERE thread_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, threadID, cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	envs, err = scanEnvelopes(rows)
	return envs, total, err
}

// UpsertApproval inserts or updates an approval row.
func (s *Store) UpsertApproval(ctx context.Context, a *model.Approval) error {
	var decidedAt any
	if a.DecidedAt != nil {
		decidedAt = a.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, job_id, thread_id, kind, command, cwd, actions, reason, turn_id, item_id, request_id, decision, decline_reason, amendment, decided_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			request_id=excluded.request_id, decision=excluded.decision,
			decline_reason=excluded.decline_reason, amendment=excluded.amendment, decided_at=excluded.decided_at`,
		a.ID, a.JobID, a.ThreadID, a.Kind, a.Command, a.Cwd, []byte(a.Actions), a.Reason,
		a.TurnID, a.ItemID, a.RequestID, string(a.Decision), a.DeclineReason, []byte(a.Amendment), decidedAt,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, thread_id, kind, command, cwd, actions, reason, turn_id, item_id, request_id, decision, decline_reason, amendment, decided_at, created_at
		FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func scanApproval(row *sql.Row) (*model.Approval, error) {
	var a model.Approval
	var actions, amendment []byte
	var command, cwd, reason, turnID, itemID, decision, declineReason sql.NullString
	var decidedAt sql.NullString
	var createdAt string
	var requestID sql.NullInt64
	if err := row.Scan(&a.ID, &a.JobID, &a.ThreadID, &a.Kind, &command, &cwd, &actions, &reason, &turnID, &itemID,
		&requestID, &decision, &declineReason, &amendment, &decidedAt, &createdAt); err != nil {
		return nil, err
	}
	a.Command = command.String
	a.Cwd = cwd.String
	a.Reason = reason.String
	a.TurnID = turnID.String
	a.ItemID = itemID.String
	a.RequestID = requestID.Int64
	a.Decision = model.ApprovalDecision(decision.String)
	a.DeclineReason = declineReason.String
	if len(actions) > 0 {
		a.Actions = actions
	}
	if len(amendment) > 0 {
		a.Amendment = amendment
	}
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
		a.DecidedAt = &t
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

// RegisterDevice upserts a push-device registration.
func (s *Store) RegisterDevice(ctx context.Context, d *model.PushDevice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, platform, bundle, environment, thread_scope, registered_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(token) DO UPDATE SET platform=excluded.platform, bundle=excluded.bundle,
			environment=excluded.environment, thread_scope=excluded.thread_scope`,
		d.Token, d.Platform, d.Bundle, d.Environment, d.ThreadScope, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// UnregisterDevice deletes a device row by token.
func (s *Store) UnregisterDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE token = ?`, token)
	return err
}
