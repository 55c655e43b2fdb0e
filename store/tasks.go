package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func upsertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("store: upsert task: empty task_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, project_id, title, description, status,
			tag_ids, tag_names, assignee_ids, assignee_names,
			creator_id, creator_name, updater_id, updater_name,
			due_at, created_at, updated_at, deleted, deleted_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (task_id) DO UPDATE SET
			project_id     = COALESCE(excluded.project_id, tasks.project_id),
			title          = COALESCE(excluded.title, tasks.title),
			description    = COALESCE(excluded.description, tasks.description),
			status         = COALESCE(excluded.status, tasks.status),
			tag_ids        = COALESCE(excluded.tag_ids, tasks.tag_ids),
			tag_names      = COALESCE(excluded.tag_names, tasks.tag_names),
			assignee_ids   = COALESCE(excluded.assignee_ids, tasks.assignee_ids),
			assignee_names = COALESCE(excluded.assignee_names, tasks.assignee_names),
			creator_id     = COALESCE(excluded.creator_id, tasks.creator_id),
			creator_name   = COALESCE(excluded.creator_name, tasks.creator_name),
			updater_id     = COALESCE(excluded.updater_id, tasks.updater_id),
			updater_name   = COALESCE(excluded.updater_name, tasks.updater_name),
			due_at         = COALESCE(excluded.due_at, tasks.due_at),
			created_at     = COALESCE(excluded.created_at, tasks.created_at),
			updated_at     = COALESCE(excluded.updated_at, tasks.updated_at),
			deleted        = excluded.deleted,
			deleted_at     = COALESCE(excluded.deleted_at, tasks.deleted_at)`,
		t.TaskID, strOrNil(t.ProjectID), strOrNil(t.Title), strOrNil(t.Description), strOrNil(t.Status),
		jsonOrNil(t.TagIDs), jsonOrNil(t.TagNames), jsonOrNil(t.AssigneeIDs), jsonOrNil(t.AssigneeNames),
		strOrNil(t.CreatorID), strOrNil(t.CreatorName), strOrNil(t.UpdaterID), strOrNil(t.UpdaterName),
		msOrNil(t.DueAt), msOrNil(t.CreatedAt), msOrNil(t.UpdatedAt), t.Deleted, msOrNil(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert task %s: %w", t.TaskID, err)
	}
	return nil
}

// MarkTaskDeleted flips the soft-delete flag without touching other fields.
func (s *Store) MarkTaskDeleted(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (task_id, deleted, deleted_at) VALUES (?, 1, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			deleted    = 1,
			deleted_at = COALESCE(tasks.deleted_at, excluded.deleted_at)`,
		taskID, msOrNil(at))
	if err != nil {
		return fmt.Errorf("store: mark task deleted %s: %w", taskID, err)
	}
	return nil
}

// GetTask returns a stored task, or nil when unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, project_id, title, description, status,
		       tag_ids, tag_names, assignee_ids, assignee_names,
		       creator_id, creator_name, updater_id, updater_name,
		       due_at, created_at, updated_at, deleted, deleted_at
		FROM tasks WHERE task_id = ?`, taskID)

	var t Task
	var projectID, title, desc, status sql.NullString
	var tagIDs, tagNames, assigneeIDs, assigneeNames sql.NullString
	var creatorID, creatorName, updaterID, updaterName sql.NullString
	var dueAt, createdAt, updatedAt, deletedAt sql.NullInt64
	err := row.Scan(&t.TaskID, &projectID, &title, &desc, &status,
		&tagIDs, &tagNames, &assigneeIDs, &assigneeNames,
		&creatorID, &creatorName, &updaterID, &updaterName,
		&dueAt, &createdAt, &updatedAt, &t.Deleted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}

	t.ProjectID, t.Title, t.Description, t.Status = projectID.String, title.String, desc.String, status.String
	t.TagIDs, t.TagNames = jsonToList(tagIDs), jsonToList(tagNames)
	t.AssigneeIDs, t.AssigneeNames = jsonToList(assigneeIDs), jsonToList(assigneeNames)
	t.CreatorID, t.CreatorName = creatorID.String, creatorName.String
	t.UpdaterID, t.UpdaterName = updaterID.String, updaterName.String
	t.DueAt, t.CreatedAt, t.UpdatedAt, t.DeletedAt = msToTime(dueAt), msToTime(createdAt), msToTime(updatedAt), msToTime(deletedAt)
	return &t, nil
}

// CountTasks returns the number of stored tasks (deleted included).
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}
