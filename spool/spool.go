// Package spool implements the connector's durable work queue backed by
// SQLite.
//
// Every upstream change, webhook or poll result, becomes an envelope in
// the spool. Envelopes are leased by workers for a bounded duration; if the
// holder crashes or the lease expires the envelope becomes eligible for
// re-lease, giving at-least-once delivery. Retirement ("complete") and the
// sink upsert share one transaction so a crash can never produce a
// user-visible write without retiring the envelope.
//
// Enqueue is idempotent on (source, id): re-enqueueing a live envelope is a
// no-op, while re-enqueueing a completed one re-activates it so later
// upstream edits to the same entity are picked up again.
//
// Envelopes that exhaust their attempts move to a visible "failed" state and
// are never deleted by the core; operators requeue them manually.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sources mirrored by the connector.
const (
	SourceTeamwork = "teamwork"
	SourceMissive  = "missive"
	SourceCraft    = "craft"
)

// Envelope kinds.
const (
	KindUpsert = "create_or_update"
	KindDelete = "delete"
	KindPage   = "page_item"
)

// Envelope states.
const (
	StatePending   = "pending"
	StateLeased    = "leased"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Enqueue outcomes.
const (
	Inserted  = "inserted"
	Duplicate = "duplicate"
)

// Envelope is one unit of work: what to reconcile, not what the result is.
type Envelope struct {
	ID         string // source + ":" + external id + ":" + kind
	Source     string
	Kind       string
	ExternalID string
	Payload    []byte // webhook body or a Descriptor
	Attempts   int
	State      string
	EnqueuedAt time.Time
	VisibleAt  time.Time // lease expiry or retry-after
	LastError  string
}

// Descriptor is the minimal payload of a poller-originated envelope.
type Descriptor struct {
	ExternalID string    `json:"external_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewEnvelope builds an envelope with the deterministic id the dedup
// invariant relies on.
func NewEnvelope(source, kind, externalID string, payload []byte) *Envelope {
	return &Envelope{
		ID:         source + ":" + externalID + ":" + kind,
		Source:     source,
		Kind:       kind,
		ExternalID: externalID,
		Payload:    payload,
	}
}

// NewDescriptorEnvelope builds a poller envelope carrying only the external
// id and the upstream updated_at.
func NewDescriptorEnvelope(source, externalID string, updatedAt time.Time) (*Envelope, error) {
	payload, err := json.Marshal(Descriptor{ExternalID: externalID, UpdatedAt: updatedAt.UTC()})
	if err != nil {
		return nil, fmt.Errorf("spool: marshal descriptor: %w", err)
	}
	return NewEnvelope(source, KindUpsert, externalID, payload), nil
}

// Options configures the spool.
type Options struct {
	// MaxAttempts is the retry cap before an envelope moves to failed.
	// Default: 3.
	MaxAttempts int
	// RetryDelay is the minimum wait before a failed attempt is re-leased.
	// Default: 60s.
	RetryDelay time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Spool is the queue handle. All methods are safe for concurrent use.
type Spool struct {
	db       *sql.DB
	opts     Options
	workerID string
}

// New creates a spool handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Spool {
	opts.defaults()
	return &Spool{
		db:       db,
		opts:     opts,
		workerID: uuid.NewString()[:8],
	}
}

// EnsureTable creates the spool table and indexes if they don't exist.
func (s *Spool) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spool_envelopes (
			id          TEXT NOT NULL,
			source      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			external_id TEXT NOT NULL,
			payload     BLOB,
			attempts    INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL DEFAULT 'pending',
			enqueued_at INTEGER NOT NULL,             -- milliseconds since epoch
			visible_at  INTEGER NOT NULL DEFAULT 0,   -- milliseconds since epoch
			leased_by   TEXT,
			last_error  TEXT,
			PRIMARY KEY (source, id)
		);
		CREATE INDEX IF NOT EXISTS idx_spool_lease
			ON spool_envelopes (source, state, visible_at, enqueued_at);
	`)
	return err
}

// Enqueue inserts an envelope. It returns Inserted when the envelope is new
// (or re-activates a completed one), Duplicate when a live envelope with the
// same (source, id) already exists.
func (s *Spool) Enqueue(ctx context.Context, e *Envelope) (string, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spool_envelopes (id, source, kind, external_id, payload, state, enqueued_at)
		VALUES (?,?,?,?,?,'pending',?)
		ON CONFLICT (source, id) DO UPDATE SET
			payload     = excluded.payload,
			state       = 'pending',
			attempts    = 0,
			visible_at  = 0,
			leased_by   = NULL,
			last_error  = NULL,
			enqueued_at = excluded.enqueued_at
		WHERE spool_envelopes.state = 'completed'`,
		e.ID, e.Source, e.Kind, e.ExternalID, e.Payload, now,
	)
	if err != nil {
		return "", fmt.Errorf("spool: enqueue %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("spool: enqueue %s: rows affected: %w", e.ID, err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// Lease atomically claims up to n eligible envelopes for one source, oldest
// first, marking them leased until now+leaseFor. Eligible envelopes are
// pending ones whose retry delay has elapsed and leased ones whose lease has
// expired (crashed holder). Returns an empty slice when nothing is eligible.
func (s *Spool) Lease(ctx context.Context, source string, n int, leaseFor time.Duration) ([]*Envelope, error) {
	now := time.Now()
	leasedUntil := now.Add(leaseFor).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE spool_envelopes
		SET state = 'leased', visible_at = ?, attempts = attempts + 1, leased_by = ?
		WHERE source = ? AND id IN (
			SELECT id FROM spool_envelopes
			WHERE source = ? AND state IN ('pending','leased') AND visible_at <= ?
			ORDER BY enqueued_at ASC
			LIMIT ?
		)
		RETURNING id, source, kind, external_id, payload, attempts, state, enqueued_at, visible_at, COALESCE(last_error,'')`,
		leasedUntil, s.workerID, source, source, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("spool: lease %s: %w", source, err)
	}
	defer rows.Close()

	envs := []*Envelope{}
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: lease %s: %w", source, err)
	}
	return envs, nil
}

// Complete retires a processed envelope.
func (s *Spool) Complete(ctx context.Context, source, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spool_envelopes SET state = 'completed', visible_at = 0, leased_by = NULL
		 WHERE source = ? AND id = ?`, source, id)
	if err != nil {
		return fmt.Errorf("spool: complete %s: %w", id, err)
	}
	return nil
}

// CompleteTx retires an envelope inside the caller's transaction. The
// dispatcher uses this to commit the sink upsert and the retirement
// atomically.
func (s *Spool) CompleteTx(ctx context.Context, tx *sql.Tx, source, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE spool_envelopes SET state = 'completed', visible_at = 0, leased_by = NULL
		 WHERE source = ? AND id = ?`, source, id)
	if err != nil {
		return fmt.Errorf("spool: complete %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Permanent failures and envelopes at the
// attempt cap move directly to failed; everything else goes back to
// pending after the retry delay. Returns the envelope's attempt count.
func (s *Spool) Fail(ctx context.Context, source, id string, cause error, permanent bool) (int, error) {
	retryAt := time.Now().Add(s.opts.RetryDelay).UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE spool_envelopes
		SET last_error = ?,
		    state      = CASE WHEN ? OR attempts >= ? THEN 'failed' ELSE 'pending' END,
		    visible_at = CASE WHEN ? OR attempts >= ? THEN 0 ELSE ? END,
		    leased_by  = NULL
		WHERE source = ? AND id = ?
		RETURNING attempts, state`,
		msg, permanent, s.opts.MaxAttempts, permanent, s.opts.MaxAttempts, retryAt,
		source, id,
	)

	var attempts int
	var state string
	if err := row.Scan(&attempts, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("spool: fail %s: envelope not found", id)
		}
		return 0, fmt.Errorf("spool: fail %s: %w", id, err)
	}
	if state == StateFailed {
		s.opts.Logger.Warn("spool: envelope moved to failed",
			"source", source, "envelope", id, "attempts", attempts, "error", msg)
	}
	return attempts, nil
}

// Requeue puts a failed envelope back to pending, resetting its attempts.
func (s *Spool) Requeue(ctx context.Context, source, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spool_envelopes
		SET state = 'pending', attempts = 0, visible_at = 0, last_error = NULL
		WHERE source = ? AND id = ? AND state = 'failed'`, source, id)
	if err != nil {
		return fmt.Errorf("spool: requeue %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("spool: requeue %s: no failed envelope", id)
	}
	return nil
}

// RequeueFailed puts every failed envelope of a source back to pending.
// Returns the number of envelopes requeued.
func (s *Spool) RequeueFailed(ctx context.Context, source string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spool_envelopes
		SET state = 'pending', attempts = 0, visible_at = 0, last_error = NULL
		WHERE source = ? AND state = 'failed'`, source)
	if err != nil {
		return 0, fmt.Errorf("spool: requeue failed %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// List returns envelopes in a given state for a source, oldest first.
func (s *Spool) List(ctx context.Context, source, state string) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, kind, external_id, payload, attempts, state, enqueued_at, visible_at, COALESCE(last_error,'')
		FROM spool_envelopes
		WHERE source = ? AND state = ?
		ORDER BY enqueued_at ASC`, source, state)
	if err != nil {
		return nil, fmt.Errorf("spool: list %s/%s: %w", source, state, err)
	}
	defer rows.Close()

	envs := []*Envelope{}
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// StateCounts holds per-state envelope counts for one source.
type StateCounts struct {
	Pending   int `json:"pending"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats returns envelope counts per source and state.
func (s *Spool) Stats(ctx context.Context) (map[string]StateCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, state, COUNT(*) FROM spool_envelopes GROUP BY source, state`)
	if err != nil {
		return nil, fmt.Errorf("spool: stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]StateCounts{}
	for rows.Next() {
		var source, state string
		var n int
		if err := rows.Scan(&source, &state, &n); err != nil {
			return nil, fmt.Errorf("spool: stats: %w", err)
		}
		c := stats[source]
		switch state {
		case StatePending:
			c.Pending = n
		case StateLeased:
			c.Leased = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
		stats[source] = c
	}
	return stats, rows.Err()
}

// Depth returns the number of envelopes still awaiting work (pending plus
// leased) and the number in failed state.
func (s *Spool) Depth(ctx context.Context) (backlog, failed int, err error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range stats {
		backlog += c.Pending + c.Leased
		failed += c.Failed
	}
	return backlog, failed, nil
}

// PurgeCompleted deletes completed envelopes older than the retention
// window. Failed envelopes are never purged.
func (s *Spool) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spool_envelopes WHERE state = 'completed' AND enqueued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("spool: purge completed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*Envelope, error) {
	var e Envelope
	var enqAt, visAt int64
	if err := row.Scan(&e.ID, &e.Source, &e.Kind, &e.ExternalID, &e.Payload,
		&e.Attempts, &e.State, &enqAt, &visAt, &e.LastError); err != nil {
		return nil, fmt.Errorf("spool: scan envelope: %w", err)
	}
	e.EnqueuedAt = time.UnixMilli(enqAt)
	e.VisibleAt = time.UnixMilli(visAt)
	return &e, nil
}
