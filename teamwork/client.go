// Package teamwork is the upstream client for the Teamwork projects API
// (source T): incremental task listing, single-task hydration, people and
// tag lookups, and webhook registration.
package teamwork

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/rest"
)

// pageSize is the Teamwork v3 page size used for incremental listing.
const pageSize = 100

// updatedAfterLayout is Teamwork's updatedAfterDate wire format.
const updatedAfterLayout = "20060102150405"

// Task is the subset of the Teamwork task wire format the connector reads.
type Task struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	ProjectID       int64     `json:"projectId"`
	TagIDs          []int64   `json:"tagIds"`
	AssigneeUserIDs []int64   `json:"assigneeUserIds"`
	CreatedBy       int64     `json:"createdBy"`
	UpdatedBy       int64     `json:"updatedBy"`
	DueDate         string    `json:"dueDate"` // YYYY-MM-DD, may be empty
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Deleted         bool      `json:"deleted"`
}

// Person is a Teamwork user as needed for identity resolution.
type Person struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// DisplayName returns "First Last", falling back to the email address.
func (p Person) DisplayName() string {
	name := p.FirstName
	if p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += p.LastName
	}
	if name == "" {
		name = p.Email
	}
	return name
}

// Tag is a Teamwork tag as needed for identity resolution.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Client talks to one Teamwork installation.
type Client struct {
	rc     *rest.Client
	logger *slog.Logger
}

// New creates a Client. The base URL is tenant-specific
// (https://yourcompany.teamwork.com); the API key authenticates as basic
// auth username with an empty password.
func New(baseURL, apiKey string, opts ...rest.Option) *Client {
	all := append([]rest.Option{
		rest.WithBasicAuth(apiKey, ""),
		rest.WithUserAgent("teamwork-missive-connector/1.0"),
	}, opts...)
	return &Client{
		rc:     rest.New(baseURL, all...),
		logger: slog.Default(),
	}
}

// ListUpdatedSince returns one page of tasks updated at or after since.
// Pages are 1-based; exhausted is true when this was the last page.
func (c *Client) ListUpdatedSince(ctx context.Context, since time.Time, page int, includeCompleted bool) (tasks []Task, exhausted bool, err error) {
	q := url.Values{
		"page":                    {strconv.Itoa(page)},
		"pageSize":                {strconv.Itoa(pageSize)},
		"updatedAfterDate":        {since.UTC().Format(updatedAfterLayout)},
		"includeCompletedTasks":   {strconv.FormatBool(includeCompleted)},
		"includeArchivedProjects": {strconv.FormatBool(includeCompleted)},
	}

	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.rc.GetJSON(ctx, "/projects/api/v3/tasks.json", q, &resp); err != nil {
		return nil, false, fmt.Errorf("teamwork: list tasks: %w", err)
	}
	return resp.Tasks, len(resp.Tasks) < pageSize, nil
}

// Get hydrates a single task. A 404 surfaces as a rest.Gone error, which
// the handler treats as upstream deletion.
func (c *Client) Get(ctx context.Context, taskID string) (*Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	if err := c.rc.GetJSON(ctx, "/projects/api/v3/tasks/"+url.PathEscape(taskID)+".json", nil, &resp); err != nil {
		return nil, fmt.Errorf("teamwork: get task %s: %w", taskID, err)
	}
	return &resp.Task, nil
}

// ListPeople returns all people for the identity cache.
func (c *Client) ListPeople(ctx context.Context) ([]Person, error) {
	var resp struct {
		People []Person `json:"people"`
	}
	if err := c.rc.GetJSON(ctx, "/projects/api/v3/people.json", url.Values{"pageSize": {"250"}}, &resp); err != nil {
		return nil, fmt.Errorf("teamwork: list people: %w", err)
	}
	return resp.People, nil
}

// ListTags returns all tags for the identity cache.
func (c *Client) ListTags(ctx context.Context) ([]Tag, error) {
	var resp struct {
		Tags []Tag `json:"tags"`
	}
	if err := c.rc.GetJSON(ctx, "/projects/api/v3/tags.json", url.Values{"pageSize": {"250"}}, &resp); err != nil {
		return nil, fmt.Errorf("teamwork: list tags: %w", err)
	}
	return resp.Tags, nil
}
