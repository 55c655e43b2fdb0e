package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/craft"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
)

// CraftHandler reconciles document envelopes against the Craft Connect API.
// Craft envelopes carry the listing metadata as payload; only the document
// body needs a further fetch.
type CraftHandler struct {
	cr *craft.Client
}

// NewCraftHandler creates the handler for source C.
func NewCraftHandler(cr *craft.Client) *CraftHandler {
	return &CraftHandler{cr: cr}
}

// Handle fetches the document content. The isDeleted listing flag and an
// upstream 404 both produce a soft-delete record.
func (h *CraftHandler) Handle(ctx context.Context, env *spool.Envelope) (*store.Batch, error) {
	docID := env.ExternalID
	if docID == "" {
		return nil, fmt.Errorf("craft envelope %s: empty external id", env.ID)
	}

	if env.Kind == spool.KindDelete {
		return deletedDocBatch(docID), nil
	}

	var meta craft.Document
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &meta); err != nil {
			return nil, fmt.Errorf("craft envelope %s: decode payload: %w", env.ID, err)
		}
	}
	if meta.IsDeleted {
		return deletedDocBatch(docID), nil
	}

	content, err := h.cr.Content(ctx, docID)
	if err != nil {
		if rest.IsGone(err) {
			return deletedDocBatch(docID), nil
		}
		return nil, err
	}

	return &store.Batch{Docs: []*store.Document{{
		DocID:     docID,
		Title:     meta.Title,
		Content:   content,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.LastModifiedAt,
	}}}, nil
}

func deletedDocBatch(docID string) *store.Batch {
	return &store.Batch{Docs: []*store.Document{{
		DocID:     docID,
		Deleted:   true,
		DeletedAt: time.Now().UTC(),
	}}}
}
