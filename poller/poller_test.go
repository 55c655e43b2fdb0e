package poller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/craft"
	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/poller"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

func fastOpts() []rest.Option {
	return []rest.Option{rest.WithMaxRetries(0), rest.WithRateLimit(1000, 1000)}
}

func fixture(t *testing.T) (*config.Config, *store.Store, *spool.Spool) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	sp := spool.New(db, spool.Options{})
	if err := sp.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		BackfillOverlap:  120 * time.Second,
		BackfillInterval: time.Minute,
	}
	return cfg, store.New(db), sp
}

// emptyUpstream answers every list with nothing.
func emptyUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tasks": []any{}, "conversations": []any{}, "items": []any{}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTeamworkCycleEnqueuesAndAdvances(t *testing.T) {
	cfg, st, sp := fixture(t)
	updated := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	var gotSince string
	twSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("updatedAfterDate")
		json.NewEncoder(w).Encode(map[string]any{"tasks": []map[string]any{
			{"id": 1, "updatedAt": updated.Add(-time.Hour).Format(time.RFC3339)},
			{"id": 2, "updatedAt": updated.Format(time.RFC3339)},
		}})
	}))
	t.Cleanup(twSrv.Close)

	tw := teamwork.New(twSrv.URL, "key", fastOpts()...)
	mv := missive.New(emptyUpstream(t).URL, "tok", fastOpts()...)
	p := poller.New(cfg, st, sp, tw, mv, nil, nil)

	p.RunOnce(context.Background())

	if gotSince == "" {
		t.Fatal("listing never called")
	}
	envs, err := sp.Lease(context.Background(), spool.SourceTeamwork, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 {
		t.Fatalf("enqueued = %d, want 2", len(envs))
	}

	ckpt, err := st.GetCheckpoint(context.Background(), spool.SourceTeamwork)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt == nil || !ckpt.LastEventTime.Equal(updated) {
		t.Fatalf("checkpoint = %+v, want advanced to max updatedAt", ckpt)
	}
}

func TestCycleUsesOverlapWindow(t *testing.T) {
	cfg, st, sp := fixture(t)
	ctx := context.Background()

	ckptAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if err := st.SetCheckpoint(ctx, store.Checkpoint{Source: spool.SourceTeamwork, LastEventTime: ckptAt}); err != nil {
		t.Fatal(err)
	}

	var gotSince string
	twSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("updatedAfterDate")
		json.NewEncoder(w).Encode(map[string]any{"tasks": []any{}})
	}))
	t.Cleanup(twSrv.Close)

	tw := teamwork.New(twSrv.URL, "key", fastOpts()...)
	mv := missive.New(emptyUpstream(t).URL, "tok", fastOpts()...)
	poller.New(cfg, st, sp, tw, mv, nil, nil).RunOnce(ctx)

	want := ckptAt.Add(-cfg.BackfillOverlap).Format("20060102150405")
	if gotSince != want {
		t.Fatalf("since = %q, want checkpoint minus overlap %q", gotSince, want)
	}

	// No changes seen: the checkpoint must not move.
	ckpt, _ := st.GetCheckpoint(ctx, spool.SourceTeamwork)
	if !ckpt.LastEventTime.Equal(ckptAt) {
		t.Fatalf("checkpoint moved without changes: %v", ckpt.LastEventTime)
	}
}

func TestTransientFailureDoesNotAdvance(t *testing.T) {
	cfg, st, sp := fixture(t)
	ctx := context.Background()

	twSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(twSrv.Close)

	tw := teamwork.New(twSrv.URL, "key", fastOpts()...)
	mv := missive.New(emptyUpstream(t).URL, "tok", fastOpts()...)
	poller.New(cfg, st, sp, tw, mv, nil, nil).RunOnce(ctx)

	ckpt, err := st.GetCheckpoint(ctx, spool.SourceTeamwork)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt != nil {
		t.Fatalf("checkpoint = %+v, want none after aborted cycle", ckpt)
	}
}

func TestMissiveCycleFollowsCursor(t *testing.T) {
	cfg, st, sp := fixture(t)
	ctx := context.Background()

	page := 0
	mvSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"conversations": []map[string]any{{"id": "c1", "last_activity_at": 1750000000}},
				"next_cursor":   "page2",
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"conversations": []map[string]any{{"id": "c2", "last_activity_at": 1750000500}},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	t.Cleanup(mvSrv.Close)

	tw := teamwork.New(emptyUpstream(t).URL, "key", fastOpts()...)
	mv := missive.New(mvSrv.URL, "tok", fastOpts()...)
	poller.New(cfg, st, sp, tw, mv, nil, nil).RunOnce(ctx)

	if page != 2 {
		t.Fatalf("pages fetched = %d, want cursor followed to 2", page)
	}
	envs, _ := sp.Lease(ctx, spool.SourceMissive, 10, time.Minute)
	if len(envs) != 2 {
		t.Fatalf("enqueued = %d, want both pages", len(envs))
	}

	ckpt, _ := st.GetCheckpoint(ctx, spool.SourceMissive)
	want := time.Unix(1750000500, 0).UTC()
	if ckpt == nil || !ckpt.LastEventTime.Equal(want) {
		t.Fatalf("checkpoint = %+v, want %v", ckpt, want)
	}
}

func TestCraftCycleFiltersByModification(t *testing.T) {
	cfg, st, sp := fixture(t)
	ctx := context.Background()

	ckptAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := st.SetCheckpoint(ctx, store.Checkpoint{Source: spool.SourceCraft, LastEventTime: ckptAt}); err != nil {
		t.Fatal(err)
	}

	crSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
			{"id": "old", "title": "Old", "lastModifiedAt": "2026-07-01T00:00:00Z"},
			{"id": "new", "title": "New", "lastModifiedAt": "2026-08-15T00:00:00Z"},
		}})
	}))
	t.Cleanup(crSrv.Close)

	tw := teamwork.New(emptyUpstream(t).URL, "key", fastOpts()...)
	mv := missive.New(emptyUpstream(t).URL, "tok", fastOpts()...)
	cr := craft.New(crSrv.URL, fastOpts()...)
	poller.New(cfg, st, sp, tw, mv, cr, nil).RunOnce(ctx)

	envs, _ := sp.Lease(ctx, spool.SourceCraft, 10, time.Minute)
	if len(envs) != 1 || envs[0].ExternalID != "new" {
		t.Fatalf("enqueued = %+v, want only the modified document", envs)
	}
}

func TestDuplicateDescriptorsAbsorbed(t *testing.T) {
	cfg, st, sp := fixture(t)
	ctx := context.Background()

	twSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tasks": []map[string]any{
			{"id": 1, "updatedAt": "2026-08-20T12:00:00Z"},
		}})
	}))
	t.Cleanup(twSrv.Close)

	tw := teamwork.New(twSrv.URL, "key", fastOpts()...)
	mv := missive.New(emptyUpstream(t).URL, "tok", fastOpts()...)
	p := poller.New(cfg, st, sp, tw, mv, nil, nil)

	// The overlap window re-lists the same task on every cycle.
	p.RunOnce(ctx)
	p.RunOnce(ctx)
	p.RunOnce(ctx)

	backlog, _, err := sp.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backlog != 1 {
		t.Fatalf("backlog = %d, want overlap duplicates absorbed", backlog)
	}
}
