package teamwork

import (
	"context"
	"fmt"

	"github.com/Jorineg/TeamworkMissiveConnector/rest"
)

// Events the connector subscribes to. One registration per event type, the
// Teamwork v1 webhook model.
var WebhookEvents = []string{
	"task.created",
	"task.updated",
	"task.deleted",
	"task.completed",
}

// Source name used by the webhook lifecycle manager.
func (c *Client) Source() string { return "teamwork" }

// RequiredEvents returns the event types a complete registration set covers.
func (c *Client) RequiredEvents() []string { return WebhookEvents }

// CreateWebhook registers one event type against targetURL and returns the
// upstream registration id.
func (c *Client) CreateWebhook(ctx context.Context, targetURL, event string) (string, error) {
	payload := map[string]any{
		"webhook": map[string]any{
			"url":    targetURL,
			"event":  event,
			"active": true,
		},
	}
	var resp struct {
		Webhook struct {
			ID int64 `json:"id"`
		} `json:"webhook"`
		ID int64 `json:"id"`
	}
	if err := c.rc.PostJSON(ctx, "/projects/api/v1/webhooks.json", payload, &resp); err != nil {
		return "", fmt.Errorf("teamwork: create webhook %s: %w", event, err)
	}
	id := resp.Webhook.ID
	if id == 0 {
		id = resp.ID
	}
	if id == 0 {
		return "", fmt.Errorf("teamwork: create webhook %s: no id in response", event)
	}
	return fmt.Sprintf("%d", id), nil
}

// DeleteWebhook removes a registration. A 404 means it is already gone and
// is not an error.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.rc.Delete(ctx, "/projects/api/v1/webhooks/"+id+".json")
	if err != nil && !rest.IsGone(err) {
		return fmt.Errorf("teamwork: delete webhook %s: %w", id, err)
	}
	return nil
}
