package missive

import (
	"context"
	"fmt"

	"github.com/Jorineg/TeamworkMissiveConnector/rest"
)

// Events the connector subscribes to.
var WebhookEvents = []string{
	"incoming_email",
	"new_comment",
}

// Source name used by the webhook lifecycle manager.
func (c *Client) Source() string { return "missive" }

// RequiredEvents returns the event types a complete registration set covers.
func (c *Client) RequiredEvents() []string { return WebhookEvents }

// CreateWebhook registers one event type against targetURL and returns the
// upstream registration id.
func (c *Client) CreateWebhook(ctx context.Context, targetURL, event string) (string, error) {
	payload := map[string]any{
		"hooks": map[string]any{
			"type": event,
			"url":  targetURL,
		},
	}
	var resp struct {
		Hooks struct {
			ID string `json:"id"`
		} `json:"hooks"`
	}
	if err := c.rc.PostJSON(ctx, "/hooks", payload, &resp); err != nil {
		return "", fmt.Errorf("missive: create webhook %s: %w", event, err)
	}
	if resp.Hooks.ID == "" {
		return "", fmt.Errorf("missive: create webhook %s: no id in response", event)
	}
	return resp.Hooks.ID, nil
}

// DeleteWebhook removes a registration. A 404 means it is already gone and
// is not an error.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.rc.Delete(ctx, "/hooks/"+id)
	if err != nil && !rest.IsGone(err) {
		return fmt.Errorf("missive: delete webhook %s: %w", id, err)
	}
	return nil
}
