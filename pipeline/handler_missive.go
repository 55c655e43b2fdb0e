package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/htmltext"
	"github.com/Jorineg/TeamworkMissiveConnector/labels"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
)

// MissiveHandler reconciles conversation envelopes against the Missive API.
// An envelope names a conversation, never a single message; the handler
// fans out one email record per message so partial webhook payloads can
// never starve the store of siblings.
type MissiveHandler struct {
	mv           *missive.Client
	cats         *labels.Categorizer
	processAfter time.Time
}

// NewMissiveHandler creates the handler for source M.
func NewMissiveHandler(mv *missive.Client, cats *labels.Categorizer, processAfter time.Time) *MissiveHandler {
	return &MissiveHandler{mv: mv, cats: cats, processAfter: processAfter}
}

// Handle re-fetches the conversation and all its messages. A conversation
// that is gone upstream soft-deletes its whole thread; a trashed one marks
// every message deleted while keeping content. An untrashed re-fetch
// undeletes.
func (h *MissiveHandler) Handle(ctx context.Context, env *spool.Envelope) (*store.Batch, error) {
	convID := env.ExternalID
	if convID == "" {
		return nil, fmt.Errorf("missive envelope %s: empty external id", env.ID)
	}

	conv, err := h.mv.Conversation(ctx, convID)
	if err != nil {
		if rest.IsGone(err) {
			return &store.Batch{DeletedThreads: []string{convID}}, nil
		}
		return nil, err
	}

	msgs, err := h.mv.Messages(ctx, convID)
	if err != nil {
		if rest.IsGone(err) {
			return &store.Batch{DeletedThreads: []string{convID}}, nil
		}
		return nil, err
	}

	labelNames := make([]string, 0, len(conv.SharedLabelIDs))
	for _, l := range conv.SharedLabelIDs {
		labelNames = append(labelNames, l.Name)
	}
	categories := h.cats.Categorize(labelNames)

	batch := &store.Batch{}
	for i := range msgs {
		email := h.mapMessage(convID, &msgs[i], labelNames, categories)
		if conv.Trashed {
			email.Deleted = true
			email.DeletedAt = time.Now().UTC()
		}
		if !h.processAfter.IsZero() && !email.SentAt.IsZero() && email.SentAt.Before(h.processAfter) {
			continue
		}
		batch.Emails = append(batch.Emails, email)
	}
	return batch, nil
}

func (h *MissiveHandler) mapMessage(convID string, m *missive.Message, labelNames []string, categories map[string][]string) *store.Email {
	email := &store.Email{
		EmailID:         m.ID,
		ThreadID:        convID,
		Subject:         m.Subject,
		BodyHTML:        m.Body,
		BodyText:        htmltext.Render(m.Body),
		Labels:          labelNames,
		LabelCategories: categories,
	}
	if email.BodyText == "" {
		email.BodyText = m.Preview
	}
	if m.FromField != nil {
		email.From = formatAddress(*m.FromField)
	}
	for _, a := range m.ToFields {
		email.To = append(email.To, formatAddress(a))
	}
	for _, a := range m.CcFields {
		email.Cc = append(email.Cc, formatAddress(a))
	}
	for _, a := range m.BccFields {
		email.Bcc = append(email.Bcc, formatAddress(a))
	}
	if m.CreatedAt > 0 {
		email.SentAt = time.Unix(m.CreatedAt, 0).UTC()
	}
	if m.DeliveredAt > 0 {
		email.ReceivedAt = time.Unix(m.DeliveredAt, 0).UTC()
		if email.SentAt.IsZero() {
			email.SentAt = email.ReceivedAt
		}
	}
	for _, att := range m.Attachments {
		if att.Filename == "" {
			continue
		}
		email.Attachments = append(email.Attachments, store.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			ByteSize:    att.Size,
			SourceURL:   att.URL,
		})
	}
	return email
}

func formatAddress(a missive.Address) string {
	if a.Name != "" && a.Name != a.Address {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}
