package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Task is the canonical record for a Teamwork task.
type Task struct {
	TaskID        string
	ProjectID     string
	Title         string
	Description   string
	Status        string
	TagIDs        []string
	TagNames      []string
	AssigneeIDs   []string
	AssigneeNames []string
	CreatorID     string
	CreatorName   string
	UpdaterID     string
	UpdaterName   string
	DueAt         time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Deleted       bool
	DeletedAt     time.Time
}

// Email is the canonical record for one Missive message.
type Email struct {
	EmailID         string
	ThreadID        string
	Subject         string
	From            string
	To              []string
	Cc              []string
	Bcc             []string
	BodyText        string
	BodyHTML        string
	SentAt          time.Time
	ReceivedAt      time.Time
	Labels          []string
	LabelCategories map[string][]string
	Attachments     []Attachment
	Deleted         bool
	DeletedAt       time.Time
}

// Attachment is carried as metadata plus a source URL; bytes are not
// fetched by the core.
type Attachment struct {
	Filename    string
	ContentType string
	ByteSize    int64
	SourceURL   string
}

// Document is the canonical record for a Craft document.
type Document struct {
	DocID     string
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	DeletedAt time.Time
}

// Checkpoint is the per-source high-water mark the poller resumes from.
type Checkpoint struct {
	Source        string
	LastEventTime time.Time
	LastCursor    string
}

// Batch groups the canonical records produced from one lease of envelopes.
// DeletedThreads soft-deletes every stored email of a conversation; it is
// used when the upstream conversation is gone and individual message ids are
// no longer retrievable.
type Batch struct {
	Tasks          []*Task
	Emails         []*Email
	Docs           []*Document
	DeletedThreads []string
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Tasks) == 0 && len(b.Emails) == 0 &&
		len(b.Docs) == 0 && len(b.DeletedThreads) == 0)
}

// Merge appends another batch's records.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	b.Tasks = append(b.Tasks, other.Tasks...)
	b.Emails = append(b.Emails, other.Emails...)
	b.Docs = append(b.Docs, other.Docs...)
	b.DeletedThreads = append(b.DeletedThreads, other.DeletedThreads...)
}

// msOrNil encodes a timestamp as milliseconds since epoch, NULL when zero,
// so merge upserts can distinguish "absent" from "present".
func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func msToTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// jsonOrNil encodes a list as a JSON array, NULL when empty.
func jsonOrNil(v []string) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func jsonToList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

// strOrNil encodes a string, NULL when empty, preserving merge semantics.
func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
