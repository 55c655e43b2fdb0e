// Package poller runs the periodic backfill that keeps the store converged
// even when webhooks are lost, disabled, or were never delivered.
//
// Each cycle asks every source "what changed since the checkpoint", minus a
// backward overlap window so clock skew and in-flight edits near the
// boundary are re-observed rather than missed. Everything the listing
// returns is enqueued as a descriptor envelope; the spool's idempotent
// enqueue absorbs the overlap's duplicates. The checkpoint advances to the
// newest timestamp seen, and only after every descriptor of the cycle is
// safely enqueued; a transient listing failure aborts the cycle without
// advancing, so nothing is skipped.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/craft"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

// maxPagesPerCycle caps one cycle's listing work per source; the remainder
// is picked up by the next cycle from the advanced checkpoint.
const maxPagesPerCycle = 50

// Lookbacks used to seed a source that has no checkpoint yet.
const (
	teamworkSeedLookback = 10 * 365 * 24 * time.Hour
	missiveSeedLookback  = 30 * 24 * time.Hour
)

// Poller drives the backfill cycles for every configured source.
type Poller struct {
	cfg    *config.Config
	st     *store.Store
	sp     *spool.Spool
	tw     *teamwork.Client
	mv     *missive.Client
	cr     *craft.Client // nil when source C is disabled
	logger *slog.Logger
}

// New creates a Poller. cr may be nil.
func New(cfg *config.Config, st *store.Store, sp *spool.Spool, tw *teamwork.Client, mv *missive.Client, cr *craft.Client, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, st: st, sp: sp, tw: tw, mv: mv, cr: cr, logger: logger}
}

// Run executes cycles at the configured interval until ctx is cancelled.
// The first cycle starts immediately.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.BackfillInterval)
	defer t.Stop()
	for {
		p.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce executes one backfill cycle across all sources. Source failures
// are independent: one source aborting does not stop the others.
func (p *Poller) RunOnce(ctx context.Context) {
	if err := p.teamworkCycle(ctx); err != nil {
		p.logger.Warn("poller: teamwork cycle aborted", "error", err)
	}
	if err := p.missiveCycle(ctx); err != nil {
		p.logger.Warn("poller: missive cycle aborted", "error", err)
	}
	if p.cr != nil {
		if err := p.craftCycle(ctx); err != nil {
			p.logger.Warn("poller: craft cycle aborted", "error", err)
		}
	}
}

func (p *Poller) teamworkCycle(ctx context.Context) error {
	ckpt, err := p.st.GetCheckpoint(ctx, spool.SourceTeamwork)
	if err != nil {
		return err
	}
	initial := ckpt == nil
	since := p.since(ckpt, p.cfg.TeamworkProcessAfter, teamworkSeedLookback)
	includeCompleted := !initial || p.cfg.IncludeCompletedInitial

	maxSeen := time.Time{}
	enqueued := 0
	for page := 1; page <= maxPagesPerCycle; page++ {
		tasks, exhausted, err := p.tw.ListUpdatedSince(ctx, since, page, includeCompleted)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			env, err := spool.NewDescriptorEnvelope(spool.SourceTeamwork, formatID(t.ID), t.UpdatedAt)
			if err != nil {
				return err
			}
			if _, err := p.sp.Enqueue(ctx, env); err != nil {
				return err
			}
			enqueued++
			if t.UpdatedAt.After(maxSeen) {
				maxSeen = t.UpdatedAt
			}
		}
		if exhausted {
			break
		}
	}

	return p.advance(ctx, spool.SourceTeamwork, maxSeen, "", enqueued)
}

func (p *Poller) missiveCycle(ctx context.Context) error {
	ckpt, err := p.st.GetCheckpoint(ctx, spool.SourceMissive)
	if err != nil {
		return err
	}
	since := p.since(ckpt, p.cfg.MissiveProcessAfter, missiveSeedLookback)

	maxSeen := time.Time{}
	enqueued := 0
	cursor := ""
	for page := 0; page < maxPagesPerCycle; page++ {
		convs, next, err := p.mv.ListUpdatedSince(ctx, since, cursor)
		if err != nil {
			return err
		}
		for _, c := range convs {
			env, err := spool.NewDescriptorEnvelope(spool.SourceMissive, c.ID, time.Unix(c.UpdatedAt, 0).UTC())
			if err != nil {
				return err
			}
			if _, err := p.sp.Enqueue(ctx, env); err != nil {
				return err
			}
			enqueued++
			if at := time.Unix(c.UpdatedAt, 0).UTC(); at.After(maxSeen) {
				maxSeen = at
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	return p.advance(ctx, spool.SourceMissive, maxSeen, "", enqueued)
}

func (p *Poller) craftCycle(ctx context.Context) error {
	ckpt, err := p.st.GetCheckpoint(ctx, spool.SourceCraft)
	if err != nil {
		return err
	}
	// Craft has no incremental listing; filter the full list locally.
	var since time.Time
	if ckpt != nil {
		since = ckpt.LastEventTime.Add(-p.cfg.BackfillOverlap)
	}

	docs, err := p.cr.ListDocuments(ctx)
	if err != nil {
		return err
	}

	maxSeen := time.Time{}
	enqueued := 0
	for _, d := range docs {
		if !since.IsZero() && d.LastModifiedAt.Before(since) {
			continue
		}
		payload, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := p.sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceCraft, spool.KindUpsert, d.ID, payload)); err != nil {
			return err
		}
		enqueued++
		if d.LastModifiedAt.After(maxSeen) {
			maxSeen = d.LastModifiedAt
		}
	}

	return p.advance(ctx, spool.SourceCraft, maxSeen, "", enqueued)
}

// since computes the listing lower bound: checkpoint minus overlap, or the
// seed for a source polled for the first time.
func (p *Poller) since(ckpt *store.Checkpoint, processAfter time.Time, seedLookback time.Duration) time.Time {
	if ckpt != nil {
		return ckpt.LastEventTime.Add(-p.cfg.BackfillOverlap)
	}
	if !processAfter.IsZero() {
		return processAfter
	}
	return time.Now().Add(-seedLookback).UTC()
}

// advance persists the checkpoint after a fully-enqueued cycle. The store
// keeps last_event_time monotonic, so concurrent cycles cannot move it back.
func (p *Poller) advance(ctx context.Context, source string, maxSeen time.Time, cursor string, enqueued int) error {
	if maxSeen.IsZero() {
		p.logger.Debug("poller: cycle found no changes", "source", source)
		return nil
	}
	if err := p.st.SetCheckpoint(ctx, store.Checkpoint{
		Source:        source,
		LastEventTime: maxSeen,
		LastCursor:    cursor,
	}); err != nil {
		return err
	}
	p.logger.Info("poller: cycle complete",
		"source", source, "enqueued", enqueued, "checkpoint", maxSeen.UTC().Format(time.RFC3339))
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
