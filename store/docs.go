package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func upsertDocument(ctx context.Context, tx *sql.Tx, d *Document) error {
	if d.DocID == "" {
		return fmt.Errorf("store: upsert document: empty doc_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, title, content, created_at, updated_at, deleted, deleted_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (doc_id) DO UPDATE SET
			title      = COALESCE(excluded.title, documents.title),
			content    = COALESCE(excluded.content, documents.content),
			created_at = COALESCE(excluded.created_at, documents.created_at),
			updated_at = COALESCE(excluded.updated_at, documents.updated_at),
			deleted    = excluded.deleted,
			deleted_at = COALESCE(excluded.deleted_at, documents.deleted_at)`,
		d.DocID, strOrNil(d.Title), strOrNil(d.Content),
		msOrNil(d.CreatedAt), msOrNil(d.UpdatedAt), d.Deleted, msOrNil(d.DeletedAt))
	if err != nil {
		return fmt.Errorf("store: upsert document %s: %w", d.DocID, err)
	}
	return nil
}

// MarkDocumentDeleted flips the soft-delete flag without touching other fields.
func (s *Store) MarkDocumentDeleted(ctx context.Context, docID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO documents (doc_id, deleted, deleted_at) VALUES (?, 1, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			deleted    = 1,
			deleted_at = COALESCE(documents.deleted_at, excluded.deleted_at)`,
		docID, msOrNil(at))
	if err != nil {
		return fmt.Errorf("store: mark document deleted %s: %w", docID, err)
	}
	return nil
}

// GetDocument returns a stored document, or nil when unknown.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT doc_id, title, content, created_at, updated_at, deleted, deleted_at
		FROM documents WHERE doc_id = ?`, docID)

	var d Document
	var title, content sql.NullString
	var createdAt, updatedAt, deletedAt sql.NullInt64
	err := row.Scan(&d.DocID, &title, &content, &createdAt, &updatedAt, &d.Deleted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %s: %w", docID, err)
	}
	d.Title, d.Content = title.String, content.String
	d.CreatedAt, d.UpdatedAt, d.DeletedAt = msToTime(createdAt), msToTime(updatedAt), msToTime(deletedAt)
	return &d, nil
}
