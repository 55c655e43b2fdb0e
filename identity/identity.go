// Package identity resolves Teamwork person and tag ids to display names.
//
// Names are decoration, not data: a lookup never fails. When the upstream
// refresh is unavailable the directory falls back to its last disk snapshot,
// and an id that is simply unknown resolves to the id itself.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

// defaultTTL bounds how stale the in-memory directory may get before the
// next lookup triggers a refresh.
const defaultTTL = 60 * time.Second

// snapshotFile is the on-disk cache name under the data directory.
const snapshotFile = "identity.json"

// Source lists people and tags; *teamwork.Client satisfies it.
type Source interface {
	ListPeople(ctx context.Context) ([]teamwork.Person, error)
	ListTags(ctx context.Context) ([]teamwork.Tag, error)
}

// Directory is the resolving cache. Safe for concurrent use.
type Directory struct {
	src    Source
	path   string // snapshot location, empty disables persistence
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	people    map[string]string
	tags      map[string]string
	fetchedAt time.Time
}

type snapshot struct {
	FetchedAt time.Time         `json:"fetched_at"`
	People    map[string]string `json:"people"`
	Tags      map[string]string `json:"tags"`
}

// Option customises a Directory.
type Option func(*Directory)

// WithTTL overrides the refresh interval. Default: 60s.
func WithTTL(d time.Duration) Option {
	return func(dir *Directory) { dir.ttl = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(dir *Directory) { dir.logger = l }
}

// New creates a Directory. dataDir locates the disk snapshot; pass "" to
// keep the cache memory-only. The snapshot, when present, seeds the
// directory so restarts resolve names before the first refresh completes.
func New(src Source, dataDir string, opts ...Option) *Directory {
	d := &Directory{
		src:    src,
		ttl:    defaultTTL,
		logger: slog.Default(),
		now:    time.Now,
		people: map[string]string{},
		tags:   map[string]string{},
	}
	if dataDir != "" {
		d.path = filepath.Join(dataDir, snapshotFile)
	}
	for _, o := range opts {
		o(d)
	}
	d.loadSnapshot()
	return d
}

// PersonName resolves a person id, refreshing the directory when stale.
func (d *Directory) PersonName(ctx context.Context, id int64) string {
	return d.resolve(ctx, strconv.FormatInt(id, 10), func() map[string]string { return d.people })
}

// TagName resolves a tag id, refreshing the directory when stale.
func (d *Directory) TagName(ctx context.Context, id int64) string {
	return d.resolve(ctx, strconv.FormatInt(id, 10), func() map[string]string { return d.tags })
}

func (d *Directory) resolve(ctx context.Context, id string, table func() map[string]string) string {
	d.maybeRefresh(ctx)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := table()[id]; ok && name != "" {
		return name
	}
	return id
}

// Refresh fetches people and tags unconditionally and persists the snapshot.
func (d *Directory) Refresh(ctx context.Context) error {
	people, err := d.src.ListPeople(ctx)
	if err != nil {
		return fmt.Errorf("identity: refresh people: %w", err)
	}
	tags, err := d.src.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("identity: refresh tags: %w", err)
	}

	d.mu.Lock()
	d.people = make(map[string]string, len(people))
	for _, p := range people {
		d.people[strconv.FormatInt(p.ID, 10)] = p.DisplayName()
	}
	d.tags = make(map[string]string, len(tags))
	for _, t := range tags {
		d.tags[strconv.FormatInt(t.ID, 10)] = t.Name
	}
	d.fetchedAt = d.now()
	snap := snapshot{FetchedAt: d.fetchedAt, People: d.people, Tags: d.tags}
	d.mu.Unlock()

	d.saveSnapshot(snap)
	return nil
}

// maybeRefresh refreshes when the TTL has lapsed. A failed refresh keeps the
// previous tables and only logs; the next lookup will try again.
func (d *Directory) maybeRefresh(ctx context.Context) {
	d.mu.RLock()
	fresh := d.now().Sub(d.fetchedAt) < d.ttl
	d.mu.RUnlock()
	if fresh {
		return
	}
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("identity: refresh failed, serving cached names", "error", err)
		d.mu.Lock()
		// Back off for one TTL so a dead upstream doesn't add a failing
		// round-trip to every lookup.
		d.fetchedAt = d.now()
		d.mu.Unlock()
	}
}

func (d *Directory) loadSnapshot() {
	if d.path == "" {
		return
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		d.logger.Warn("identity: corrupt snapshot ignored", "path", d.path, "error", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if snap.People != nil {
		d.people = snap.People
	}
	if snap.Tags != nil {
		d.tags = snap.Tags
	}
	// fetchedAt stays zero so the first lookup still refreshes.
}

func (d *Directory) saveSnapshot(snap snapshot) {
	if d.path == "" {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.logger.Warn("identity: snapshot write failed", "path", d.path, "error", err)
		return
	}
	if err := os.Rename(tmp, d.path); err != nil {
		d.logger.Warn("identity: snapshot rename failed", "path", d.path, "error", err)
	}
}
