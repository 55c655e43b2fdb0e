package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func upsertEmail(ctx context.Context, tx *sql.Tx, e *Email) error {
	if e.EmailID == "" {
		return fmt.Errorf("store: upsert email: empty email_id")
	}

	var categories any
	if len(e.LabelCategories) > 0 {
		b, err := json.Marshal(e.LabelCategories)
		if err != nil {
			return fmt.Errorf("store: upsert email %s: marshal categories: %w", e.EmailID, err)
		}
		categories = string(b)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO emails (
			email_id, thread_id, subject, from_address,
			to_addresses, cc_addresses, bcc_addresses,
			body_text, body_html, sent_at, received_at,
			labels, label_categories, deleted, deleted_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (email_id) DO UPDATE SET
			thread_id        = COALESCE(excluded.thread_id, emails.thread_id),
			subject          = COALESCE(excluded.subject, emails.subject),
			from_address     = COALESCE(excluded.from_address, emails.from_address),
			to_addresses     = COALESCE(excluded.to_addresses, emails.to_addresses),
			cc_addresses     = COALESCE(excluded.cc_addresses, emails.cc_addresses),
			bcc_addresses    = COALESCE(excluded.bcc_addresses, emails.bcc_addresses),
			body_text        = COALESCE(excluded.body_text, emails.body_text),
			body_html        = COALESCE(excluded.body_html, emails.body_html),
			sent_at          = COALESCE(excluded.sent_at, emails.sent_at),
			received_at      = COALESCE(excluded.received_at, emails.received_at),
			labels           = COALESCE(excluded.labels, emails.labels),
			label_categories = COALESCE(excluded.label_categories, emails.label_categories),
			deleted          = excluded.deleted,
			deleted_at       = COALESCE(excluded.deleted_at, emails.deleted_at)`,
		e.EmailID, strOrNil(e.ThreadID), strOrNil(e.Subject), strOrNil(e.From),
		jsonOrNil(e.To), jsonOrNil(e.Cc), jsonOrNil(e.Bcc),
		strOrNil(e.BodyText), strOrNil(e.BodyHTML), msOrNil(e.SentAt), msOrNil(e.ReceivedAt),
		jsonOrNil(e.Labels), categories, e.Deleted, msOrNil(e.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert email %s: %w", e.EmailID, err)
	}

	for _, a := range e.Attachments {
		if a.Filename == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_attachments (email_id, filename, content_type, byte_size, source_url)
			VALUES (?,?,?,?,?)
			ON CONFLICT (email_id, filename) DO UPDATE SET
				content_type = excluded.content_type,
				byte_size    = excluded.byte_size,
				source_url   = excluded.source_url`,
			e.EmailID, a.Filename, strOrNil(a.ContentType), a.ByteSize, strOrNil(a.SourceURL))
		if err != nil {
			return fmt.Errorf("store: upsert attachment %s/%s: %w", e.EmailID, a.Filename, err)
		}
	}
	return nil
}

// markThreadDeleted soft-deletes every stored email of a conversation.
func markThreadDeleted(ctx context.Context, tx *sql.Tx, threadID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE emails
		SET deleted = 1, deleted_at = COALESCE(deleted_at, ?)
		WHERE thread_id = ?`,
		time.Now().UTC().UnixMilli(), threadID)
	if err != nil {
		return fmt.Errorf("store: mark thread deleted %s: %w", threadID, err)
	}
	return nil
}

// MarkEmailDeleted flips the soft-delete flag without touching other fields.
func (s *Store) MarkEmailDeleted(ctx context.Context, emailID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO emails (email_id, deleted, deleted_at) VALUES (?, 1, ?)
		ON CONFLICT (email_id) DO UPDATE SET
			deleted    = 1,
			deleted_at = COALESCE(emails.deleted_at, excluded.deleted_at)`,
		emailID, msOrNil(at))
	if err != nil {
		return fmt.Errorf("store: mark email deleted %s: %w", emailID, err)
	}
	return nil
}

// GetEmail returns a stored email with its attachments, or nil when unknown.
func (s *Store) GetEmail(ctx context.Context, emailID string) (*Email, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT email_id, thread_id, subject, from_address,
		       to_addresses, cc_addresses, bcc_addresses,
		       body_text, body_html, sent_at, received_at,
		       labels, label_categories, deleted, deleted_at
		FROM emails WHERE email_id = ?`, emailID)

	var e Email
	var threadID, subject, from sql.NullString
	var to, cc, bcc, bodyText, bodyHTML, labels, categories sql.NullString
	var sentAt, receivedAt, deletedAt sql.NullInt64
	err := row.Scan(&e.EmailID, &threadID, &subject, &from,
		&to, &cc, &bcc, &bodyText, &bodyHTML, &sentAt, &receivedAt,
		&labels, &categories, &e.Deleted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get email %s: %w", emailID, err)
	}

	e.ThreadID, e.Subject, e.From = threadID.String, subject.String, from.String
	e.To, e.Cc, e.Bcc = jsonToList(to), jsonToList(cc), jsonToList(bcc)
	e.BodyText, e.BodyHTML = bodyText.String, bodyHTML.String
	e.SentAt, e.ReceivedAt, e.DeletedAt = msToTime(sentAt), msToTime(receivedAt), msToTime(deletedAt)
	e.Labels = jsonToList(labels)
	if categories.Valid && categories.String != "" {
		_ = json.Unmarshal([]byte(categories.String), &e.LabelCategories)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT filename, COALESCE(content_type,''), COALESCE(byte_size,0), COALESCE(source_url,'')
		FROM email_attachments WHERE email_id = ? ORDER BY filename`, emailID)
	if err != nil {
		return nil, fmt.Errorf("store: get attachments %s: %w", emailID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.ByteSize, &a.SourceURL); err != nil {
			return nil, fmt.Errorf("store: get attachments %s: %w", emailID, err)
		}
		e.Attachments = append(e.Attachments, a)
	}
	return &e, rows.Err()
}

// CountEmails returns the number of stored emails (deleted included).
func (s *Store) CountEmails(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails`).Scan(&n)
	return n, err
}
