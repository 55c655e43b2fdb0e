// Package craft is the upstream client for the Craft Connect API
// (source C). Craft has no webhooks; the poller is its only ingest path.
package craft

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/rest"
)

// Document is the wire shape of one Craft document listing entry.
type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	IsDeleted      bool      `json:"isDeleted"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// Client talks to one Craft Connect link.
type Client struct {
	rc *rest.Client
}

// New creates a Client. The base URL has the form
// https://connect.craft.do/links/{linkId}/api/v1.
func New(baseURL string, opts ...rest.Option) *Client {
	all := append([]rest.Option{
		rest.WithUserAgent("teamwork-missive-connector/1.0"),
	}, opts...)
	return &Client{rc: rest.New(baseURL, all...)}
}

// ListDocuments returns every document visible through the link, with
// metadata so the poller can filter by lastModifiedAt.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var resp struct {
		Items []Document `json:"items"`
	}
	q := url.Values{"fetchMetadata": {"true"}}
	if err := c.rc.GetJSON(ctx, "/documents", q, &resp); err != nil {
		return nil, fmt.Errorf("craft: list documents: %w", err)
	}
	return resp.Items, nil
}

// Content returns a document's body as markdown. A 404 surfaces as a
// rest.Gone error, which the handler treats as upstream deletion.
func (c *Client) Content(ctx context.Context, documentID string) (string, error) {
	q := url.Values{"id": {documentID}, "fetchMetadata": {"true"}}
	body, err := c.rc.Do(ctx, "GET", "/blocks", q, nil, "text/markdown")
	if err != nil {
		return "", fmt.Errorf("craft: document content %s: %w", documentID, err)
	}
	return string(body), nil
}
