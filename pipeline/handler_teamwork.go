package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Jorineg/TeamworkMissiveConnector/identity"
	"github.com/Jorineg/TeamworkMissiveConnector/rest"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

// TeamworkHandler reconciles task envelopes against the Teamwork API.
type TeamworkHandler struct {
	tw    *teamwork.Client
	ident *identity.Directory
	// processAfter filters out tasks created before this instant; zero
	// means no lower bound.
	processAfter time.Time
}

// NewTeamworkHandler creates the handler for source T.
func NewTeamworkHandler(tw *teamwork.Client, ident *identity.Directory, processAfter time.Time) *TeamworkHandler {
	return &TeamworkHandler{tw: tw, ident: ident, processAfter: processAfter}
}

// Handle re-fetches the task named by the envelope. A delete envelope and an
// upstream 404 both produce a soft-delete record; everything else maps the
// authoritative task state, which also undeletes a previously deleted task
// the upstream still serves.
func (h *TeamworkHandler) Handle(ctx context.Context, env *spool.Envelope) (*store.Batch, error) {
	taskID := env.ExternalID
	if taskID == "" {
		return nil, fmt.Errorf("teamwork envelope %s: empty external id", env.ID)
	}

	if env.Kind == spool.KindDelete {
		return deletedTaskBatch(taskID), nil
	}

	task, err := h.tw.Get(ctx, taskID)
	if err != nil {
		if rest.IsGone(err) {
			return deletedTaskBatch(taskID), nil
		}
		return nil, err
	}
	if task.Deleted {
		return deletedTaskBatch(taskID), nil
	}
	if !h.processAfter.IsZero() && !task.CreatedAt.IsZero() && task.CreatedAt.Before(h.processAfter) {
		return nil, nil
	}

	return &store.Batch{Tasks: []*store.Task{h.mapTask(ctx, task)}}, nil
}

func (h *TeamworkHandler) mapTask(ctx context.Context, t *teamwork.Task) *store.Task {
	rec := &store.Task{
		TaskID:      strconv.FormatInt(t.ID, 10),
		ProjectID:   strconv.FormatInt(t.ProjectID, 10),
		Title:       t.Name,
		Description: t.Description,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.DueDate != "" {
		if due, err := time.Parse("2006-01-02", t.DueDate); err == nil {
			rec.DueAt = due
		}
	}
	for _, id := range t.TagIDs {
		rec.TagIDs = append(rec.TagIDs, strconv.FormatInt(id, 10))
		rec.TagNames = append(rec.TagNames, h.ident.TagName(ctx, id))
	}
	for _, id := range t.AssigneeUserIDs {
		rec.AssigneeIDs = append(rec.AssigneeIDs, strconv.FormatInt(id, 10))
		rec.AssigneeNames = append(rec.AssigneeNames, h.ident.PersonName(ctx, id))
	}
	if t.CreatedBy != 0 {
		rec.CreatorID = strconv.FormatInt(t.CreatedBy, 10)
		rec.CreatorName = h.ident.PersonName(ctx, t.CreatedBy)
	}
	if t.UpdatedBy != 0 {
		rec.UpdaterID = strconv.FormatInt(t.UpdatedBy, 10)
		rec.UpdaterName = h.ident.PersonName(ctx, t.UpdatedBy)
	}
	return rec
}

// Completion is a status, not a deletion: completed tasks stay visible.
func deletedTaskBatch(taskID string) *store.Batch {
	return &store.Batch{Tasks: []*store.Task{{
		TaskID:    taskID,
		Deleted:   true,
		DeletedAt: time.Now().UTC(),
	}}}
}
