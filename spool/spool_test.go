package spool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
)

func newSpool(t *testing.T, opts spool.Options) *spool.Spool {
	t.Helper()
	db := dbopen.OpenMemory(t)
	sp := spool.New(db, opts)
	if err := sp.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return sp
}

func TestEnqueueDedup(t *testing.T) {
	sp := newSpool(t, spool.Options{})
	ctx := context.Background()

	env := spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, "42", []byte(`{}`))
	outcome, err := sp.Enqueue(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != spool.Inserted {
		t.Fatalf("first enqueue = %q, want inserted", outcome)
	}

	// Same (source, id) while the first is still live.
	outcome, err = sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, "42", []byte(`{"again":true}`)))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != spool.Duplicate {
		t.Fatalf("duplicate enqueue = %q, want duplicate", outcome)
	}

	// Same external id, different kind: distinct envelope.
	outcome, err = sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceTeamwork, spool.KindDelete, "42", nil))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != spool.Inserted {
		t.Fatalf("different-kind enqueue = %q, want inserted", outcome)
	}
}

func TestEnqueueReactivatesCompleted(t *testing.T) {
	sp := newSpool(t, spool.Options{})
	ctx := context.Background()

	env := spool.NewEnvelope(spool.SourceMissive, spool.KindUpsert, "c1", []byte(`1`))
	if _, err := sp.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}
	leased, err := sp.Lease(ctx, spool.SourceMissive, 10, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease = %d envelopes, err %v", len(leased), err)
	}
	if err := sp.Complete(ctx, spool.SourceMissive, env.ID); err != nil {
		t.Fatal(err)
	}

	// A later edit to the same entity produces the same deterministic id;
	// it must become processable again.
	outcome, err := sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceMissive, spool.KindUpsert, "c1", []byte(`2`)))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != spool.Inserted {
		t.Fatalf("re-enqueue after complete = %q, want inserted", outcome)
	}

	leased, err = sp.Lease(ctx, spool.SourceMissive, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 1 {
		t.Fatalf("re-lease = %d envelopes, want 1", len(leased))
	}
	if string(leased[0].Payload) != "2" {
		t.Fatalf("payload = %q, want the newer one", leased[0].Payload)
	}
	if leased[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want reset to 1 on first re-lease", leased[0].Attempts)
	}
}

func TestLeaseOrderAndVisibility(t *testing.T) {
	sp := newSpool(t, spool.Options{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, id, nil)); err != nil {
			t.Fatal(err)
		}
	}

	first, err := sp.Lease(ctx, spool.SourceTeamwork, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("lease = %d, want 2", len(first))
	}
	if first[0].ExternalID != "a" || first[1].ExternalID != "b" {
		t.Fatalf("lease order = %s,%s, want a,b", first[0].ExternalID, first[1].ExternalID)
	}

	// Leased envelopes are invisible until the lease expires.
	second, err := sp.Lease(ctx, spool.SourceTeamwork, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ExternalID != "c" {
		t.Fatalf("second lease = %d envelopes, want only c", len(second))
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	sp := newSpool(t, spool.Options{})
	ctx := context.Background()

	if _, err := sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceCraft, spool.KindUpsert, "d1", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Lease(ctx, spool.SourceCraft, 1, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	// Crashed-holder simulation: the lease lapsed without completion.
	reclaimed, err := sp.Lease(ctx, spool.SourceCraft, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaim = %d envelopes, want 1", len(reclaimed))
	}
	if reclaimed[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 after re-lease", reclaimed[0].Attempts)
	}
}

func TestFailRetriesThenFails(t *testing.T) {
	sp := newSpool(t, spool.Options{MaxAttempts: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	env := spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, "t1", nil)
	if _, err := sp.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}

	lease := func() *spool.Envelope {
		t.Helper()
		envs, err := sp.Lease(ctx, spool.SourceTeamwork, 1, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(envs) != 1 {
			t.Fatalf("lease = %d envelopes, want 1", len(envs))
		}
		return envs[0]
	}

	lease()
	if _, err := sp.Fail(ctx, spool.SourceTeamwork, env.ID, errors.New("upstream 503"), false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	e := lease()
	if e.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", e.Attempts)
	}
	if _, err := sp.Fail(ctx, spool.SourceTeamwork, env.ID, errors.New("upstream 503 again"), false); err != nil {
		t.Fatal(err)
	}

	// Attempt cap reached: the envelope must be parked, not retried.
	failed, err := sp.List(ctx, spool.SourceTeamwork, spool.StateFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %d envelopes, want 1", len(failed))
	}
	if failed[0].LastError == "" {
		t.Fatal("failed envelope lost its last error")
	}
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	sp := newSpool(t, spool.Options{MaxAttempts: 5})
	ctx := context.Background()

	env := spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, "t2", nil)
	if _, err := sp.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Lease(ctx, spool.SourceTeamwork, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Fail(ctx, spool.SourceTeamwork, env.ID, errors.New("http 400"), true); err != nil {
		t.Fatal(err)
	}

	failed, err := sp.List(ctx, spool.SourceTeamwork, spool.StateFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Attempts != 1 {
		t.Fatalf("failed = %d envelopes (attempts %v), want 1 after a single attempt", len(failed), failed)
	}
}

func TestRequeueFailed(t *testing.T) {
	sp := newSpool(t, spool.Options{MaxAttempts: 1})
	ctx := context.Background()

	env := spool.NewEnvelope(spool.SourceMissive, spool.KindUpsert, "m1", nil)
	if _, err := sp.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Lease(ctx, spool.SourceMissive, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Fail(ctx, spool.SourceMissive, env.ID, errors.New("boom"), false); err != nil {
		t.Fatal(err)
	}

	n, err := sp.RequeueFailed(ctx, spool.SourceMissive)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	envs, err := sp.Lease(ctx, spool.SourceMissive, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Attempts != 1 {
		t.Fatalf("requeued envelope attempts = %v, want reset", envs)
	}
}

func TestStatsAndDepth(t *testing.T) {
	sp := newSpool(t, spool.Options{MaxAttempts: 1})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := sp.Enqueue(ctx, spool.NewEnvelope(spool.SourceTeamwork, spool.KindUpsert, id, nil)); err != nil {
			t.Fatal(err)
		}
	}
	envs, err := sp.Lease(ctx, spool.SourceTeamwork, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Complete(ctx, spool.SourceTeamwork, envs[0].ID); err != nil {
		t.Fatal(err)
	}

	stats, err := sp.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c := stats[spool.SourceTeamwork]
	if c.Pending != 2 || c.Completed != 1 {
		t.Fatalf("stats = %+v, want 2 pending / 1 completed", c)
	}

	backlog, failed, err := sp.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backlog != 2 || failed != 0 {
		t.Fatalf("depth = %d/%d, want 2/0", backlog, failed)
	}
}

func TestPurgeCompletedKeepsFailed(t *testing.T) {
	sp := newSpool(t, spool.Options{MaxAttempts: 1})
	ctx := context.Background()

	done := spool.NewEnvelope(spool.SourceCraft, spool.KindUpsert, "ok", nil)
	broken := spool.NewEnvelope(spool.SourceCraft, spool.KindUpsert, "bad", nil)
	for _, e := range []*spool.Envelope{done, broken} {
		if _, err := sp.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := sp.Lease(ctx, spool.SourceCraft, 2, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := sp.Complete(ctx, spool.SourceCraft, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Fail(ctx, spool.SourceCraft, broken.ID, errors.New("boom"), true); err != nil {
		t.Fatal(err)
	}

	n, err := sp.PurgeCompleted(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	failed, err := sp.List(ctx, spool.SourceCraft, spool.StateFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatal("purge removed a failed envelope")
	}
}
