// Package missive is the upstream client for the Missive public API
// (source M): cursor-paged conversation listing, per-conversation message
// hydration, and webhook registration.
package missive

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/rest"
)

// DefaultBaseURL is the Missive public API endpoint.
const DefaultBaseURL = "https://public.missiveapp.com/v1"

// listLimit is the conversation page size.
const listLimit = 50

// Address is one mailbox in a from/to/cc/bcc field.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// AttachmentMeta is the wire shape of a message attachment.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Message is the subset of the Missive message wire format the connector
// reads. Timestamps are Unix seconds.
type Message struct {
	ID          string           `json:"id"`
	Subject     string           `json:"subject"`
	Preview     string           `json:"preview"`
	Body        string           `json:"body"` // HTML
	FromField   *Address         `json:"from_field"`
	ToFields    []Address        `json:"to_fields"`
	CcFields    []Address        `json:"cc_fields"`
	BccFields   []Address        `json:"bcc_fields"`
	DeliveredAt int64            `json:"delivered_at"`
	CreatedAt   int64            `json:"created_at"`
	Attachments []AttachmentMeta `json:"attachments"`
}

// Conversation is the subset of the conversation wire format the connector
// reads from list pages.
type Conversation struct {
	ID             string `json:"id"`
	LatestSubject  string `json:"latest_message_subject"`
	UpdatedAt      int64  `json:"last_activity_at"`
	Trashed        bool   `json:"trashed"`
	SharedLabelIDs []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"shared_labels"`
}

// Client talks to the Missive public API.
type Client struct {
	rc     *rest.Client
	logger *slog.Logger
}

// New creates a Client authenticated with the given bearer token. Pass
// DefaultBaseURL outside of tests.
func New(baseURL, token string, opts ...rest.Option) *Client {
	all := append([]rest.Option{
		rest.WithBearer(token),
		rest.WithUserAgent("teamwork-missive-connector/1.0"),
		// Missive enforces a strict global rate limit; stay well under it.
		rest.WithRateLimit(1, 2),
	}, opts...)
	return &Client{
		rc:     rest.New(baseURL, all...),
		logger: slog.Default(),
	}
}

// ListUpdatedSince returns one page of conversations updated at or after
// since. An empty nextCursor means the listing is exhausted.
func (c *Client) ListUpdatedSince(ctx context.Context, since time.Time, cursor string) (convs []Conversation, nextCursor string, err error) {
	q := url.Values{
		"updated_after": {strconv.FormatInt(since.UTC().Unix(), 10)},
		"limit":         {strconv.Itoa(listLimit)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp struct {
		Conversations []Conversation `json:"conversations"`
		NextCursor    string         `json:"next_cursor"`
	}
	if err := c.rc.GetJSON(ctx, "/conversations", q, &resp); err != nil {
		return nil, "", fmt.Errorf("missive: list conversations: %w", err)
	}
	return resp.Conversations, resp.NextCursor, nil
}

// Conversation hydrates a single conversation, carrying the trashed flag and
// shared labels the message listing lacks. A 404 surfaces as a rest.Gone
// error.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.rc.GetJSON(ctx, "/conversations/"+url.PathEscape(conversationID), nil, &resp); err != nil {
		return nil, fmt.Errorf("missive: conversation %s: %w", conversationID, err)
	}
	if len(resp.Conversations) == 0 {
		return nil, &rest.Error{Kind: rest.Gone, Op: "GET /conversations/" + conversationID, Err: fmt.Errorf("empty response")}
	}
	return &resp.Conversations[0], nil
}

// Messages returns every message in a conversation. A 404 surfaces as a
// rest.Gone error, which the handler treats as upstream deletion.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.rc.GetJSON(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp); err != nil {
		return nil, fmt.Errorf("missive: messages %s: %w", conversationID, err)
	}
	return resp.Messages, nil
}
