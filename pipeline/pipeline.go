// Package pipeline turns spool envelopes into canonical records.
//
// Each source has a Handler that re-fetches the entity named by an envelope
// and maps the authoritative upstream state into a store.Batch. Envelopes
// carry identity, not state: the fetch at processing time decides what gets
// written, which makes reordering and duplicate delivery harmless.
//
// The Dispatcher leases envelopes per source, runs the handler, and commits
// the sink write together with the envelope retirement in one transaction.
package pipeline

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
)

// Lease parameters for one dispatcher pass.
const (
	leaseBatch = 10
	leaseFor   = 5 * time.Minute
	idleWait   = time.Second
)

// Handler maps one envelope to the canonical records it implies. A nil or
// empty batch with a nil error means the envelope is done (filtered out or
// a no-op). Errors are classified through the rest error taxonomy: transient
// errors requeue the envelope, everything else counts against its attempts.
type Handler interface {
	Handle(ctx context.Context, env *spool.Envelope) (*store.Batch, error)
}

// Dispatcher drains the spool into the store.
type Dispatcher struct {
	sp       *spool.Spool
	st       *store.Store
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given per-source handlers.
func NewDispatcher(sp *spool.Spool, st *store.Store, handlers map[string]Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sp: sp, st: st, handlers: handlers, logger: logger}
}

// Run processes envelopes until ctx is cancelled. Sources are drained
// serially within a pass; ordering within a source follows enqueue order.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("pipeline: pass failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleWait):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// RunOnce leases and processes one batch per source. Returns the number of
// envelopes handled (completed or failed).
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for source, h := range d.handlers {
		envs, err := d.sp.Lease(ctx, source, leaseBatch, leaseFor)
		if err != nil {
			return total, err
		}
		for _, env := range envs {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			d.process(ctx, h, env)
			total++
		}
	}
	return total, nil
}

// Drain processes until the spool is empty. Used by the one-shot backfill.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, h Handler, env *spool.Envelope) {
	start := time.Now()
	batch, err := h.Handle(ctx, env)
	if err != nil {
		permanent := !rest.IsTransient(err)
		attempts, failErr := d.sp.Fail(ctx, env.Source, env.ID, err, permanent)
		if failErr != nil {
			d.logger.Error("pipeline: record failure", "envelope", env.ID, "error", failErr)
			return
		}
		d.logger.Warn("pipeline: envelope failed",
			"source", env.Source, "envelope", env.ID, "kind", env.Kind,
			"attempts", attempts, "permanent", permanent, "error", err)
		return
	}

	// The write and the retirement commit together: a crash between them is
	// impossible, so a visible record always has a retired envelope and a
	// live envelope never lost its write.
	err = dbopen.RunTx(ctx, d.st.DB, func(tx *sql.Tx) error {
		if err := d.st.ApplyTx(ctx, tx, batch); err != nil {
			return err
		}
		return d.sp.CompleteTx(ctx, tx, env.Source, env.ID)
	})
	if err != nil {
		if _, failErr := d.sp.Fail(ctx, env.Source, env.ID, err, false); failErr != nil {
			d.logger.Error("pipeline: record failure", "envelope", env.ID, "error", failErr)
		}
		d.logger.Error("pipeline: apply failed",
			"source", env.Source, "envelope", env.ID, "error", err)
		return
	}

	d.logger.Info("pipeline: envelope processed",
		"source", env.Source, "envelope", env.ID, "kind", env.Kind,
		"records", batchSize(batch), "elapsed_ms", time.Since(start).Milliseconds())
}

func batchSize(b *store.Batch) int {
	if b == nil {
		return 0
	}
	return len(b.Tasks) + len(b.Emails) + len(b.Docs) + len(b.DeletedThreads)
}
