// Package e2e exercises the full path: webhook or poll in, spool, handler
// re-fetch against stub upstreams, canonical write, envelope retirement.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/identity"
	"github.com/Jorineg/TeamworkMissiveConnector/ingress"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/pipeline"
	"github.com/Jorineg/TeamworkMissiveConnector/poller"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

// world is one fully wired connector over stub upstreams.
type world struct {
	sp         *spool.Spool
	st         *store.Store
	ingress    *httptest.Server
	dispatcher *pipeline.Dispatcher
	poller     *poller.Poller

	taskGone atomic.Bool
	taskName atomic.Value // string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{}
	w.taskName.Store("Fix the roof")

	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	w.sp = spool.New(db, spool.Options{MaxAttempts: 2, RetryDelay: time.Millisecond})
	if err := w.sp.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.st = store.New(db)

	twSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/projects/api/v3/tasks/"):
			if w.taskGone.Load() {
				rw.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(rw).Encode(map[string]any{"task": map[string]any{
				"id": 42, "name": w.taskName.Load(), "status": "new", "projectId": 7,
				"createdAt": "2026-03-01T10:00:00Z", "updatedAt": "2026-03-02T11:00:00Z",
			}})
		case r.URL.Path == "/projects/api/v3/tasks.json":
			json.NewEncoder(rw).Encode(map[string]any{"tasks": []map[string]any{
				{"id": 42, "updatedAt": "2026-03-02T11:00:00Z"},
			}})
		case r.URL.Path == "/projects/api/v3/people.json":
			json.NewEncoder(rw).Encode(map[string]any{"people": []any{}})
		case r.URL.Path == "/projects/api/v3/tags.json":
			json.NewEncoder(rw).Encode(map[string]any{"tags": []any{}})
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(twSrv.Close)

	mvSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/conv-1":
			json.NewEncoder(rw).Encode(map[string]any{"conversations": []map[string]any{{
				"id": "conv-1", "trashed": false,
			}}})
		case "/conversations/conv-1/messages":
			json.NewEncoder(rw).Encode(map[string]any{"messages": []map[string]any{
				{"id": "m1", "subject": "Hello", "body": "<p>Hi there</p>", "created_at": 1750000000},
			}})
		case "/conversations":
			json.NewEncoder(rw).Encode(map[string]any{"conversations": []any{}})
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(mvSrv.Close)

	opts := []rest.Option{rest.WithMaxRetries(0), rest.WithRateLimit(1000, 1000)}
	tw := teamwork.New(twSrv.URL, "key", opts...)
	mv := missive.New(mvSrv.URL, "tok", opts...)
	ident := identity.New(tw, "")

	w.dispatcher = pipeline.NewDispatcher(w.sp, w.st, map[string]pipeline.Handler{
		spool.SourceTeamwork: pipeline.NewTeamworkHandler(tw, ident, time.Time{}),
		spool.SourceMissive:  pipeline.NewMissiveHandler(mv, nil, time.Time{}),
	}, nil)

	w.ingress = httptest.NewServer(ingress.New(w.sp, w.st, "", "", nil).Router())
	t.Cleanup(w.ingress.Close)

	cfg := &config.Config{BackfillOverlap: time.Minute, BackfillInterval: time.Minute}
	w.poller = poller.New(cfg, w.st, w.sp, tw, mv, nil, nil)

	return w
}

func (w *world) drain(t *testing.T) {
	t.Helper()
	if err := w.dispatcher.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookToStore(t *testing.T) {
	w := newWorld(t)

	body := url.Values{"Event": {"TASK.UPDATED"}, "Task.ID": {"42"}}.Encode()
	resp, err := http.Post(w.ingress.URL+"/webhook/teamwork", "application/x-www-form-urlencoded", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	w.drain(t)

	task, err := w.st.GetTask(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.Title != "Fix the roof" {
		t.Fatalf("task = %+v, want mirrored from upstream", task)
	}
}

func TestPollToStore(t *testing.T) {
	w := newWorld(t)

	w.poller.RunOnce(context.Background())
	w.drain(t)

	task, err := w.st.GetTask(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatal("poll cycle did not mirror the task")
	}
}

func TestWebhookThenDeletion(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	body := url.Values{"Task.ID": {"42"}}.Encode()
	resp, _ := http.Post(w.ingress.URL+"/webhook/teamwork", "application/x-www-form-urlencoded", strings.NewReader(body))
	resp.Body.Close()
	w.drain(t)

	// The task disappears upstream; the next event resolves to a 404 and
	// must soft-delete, keeping the record content.
	w.taskGone.Store(true)
	resp, _ = http.Post(w.ingress.URL+"/webhook/teamwork", "application/x-www-form-urlencoded", strings.NewReader(body))
	resp.Body.Close()
	w.drain(t)

	task, err := w.st.GetTask(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !task.Deleted {
		t.Fatalf("task = %+v, want soft-deleted", task)
	}
	if task.Title != "Fix the roof" {
		t.Fatal("soft delete destroyed content")
	}
}

func TestMissiveWebhookToStore(t *testing.T) {
	w := newWorld(t)

	payload := `{"conversation":{"id":"conv-1"}}`
	resp, err := http.Post(w.ingress.URL+"/webhook/missive", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	w.drain(t)

	email, err := w.st.GetEmail(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if email == nil || email.Subject != "Hello" || email.ThreadID != "conv-1" {
		t.Fatalf("email = %+v", email)
	}
	if !strings.Contains(email.BodyText, "Hi there") {
		t.Fatalf("body text = %q", email.BodyText)
	}
}

func TestStaleEventConverges(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// The upstream state changed between event emission and processing;
	// processing must land on the current state, not the event's snapshot.
	w.taskName.Store("Renamed meanwhile")

	body := url.Values{"Task.ID": {"42"}}.Encode()
	resp, _ := http.Post(w.ingress.URL+"/webhook/teamwork", "application/x-www-form-urlencoded", strings.NewReader(body))
	resp.Body.Close()
	w.drain(t)

	task, _ := w.st.GetTask(ctx, "42")
	if task.Title != "Renamed meanwhile" {
		t.Fatalf("title = %q, want current upstream state", task.Title)
	}
}
