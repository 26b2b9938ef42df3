package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"maturion/internal/domain"
	"maturion/internal/events"
	"maturion/internal/policy"
)

type TaskCreateOptions struct {
	Title         string
	Description   string
	Priority      string
	IndexID       string
	RequirementID string
	AssigneeID    string
	DueDate       string
	ActorID       string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, ValidationError{Msg: "title is required"}
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	switch opts.Priority {
	case "low", "medium", "high":
	default:
		return domain.Task{}, validationErrorf("invalid priority %q", opts.Priority)
	}
	if opts.RequirementID != "" {
		rq, err := e.Repo.GetRequirement(ctx, opts.RequirementID)
		if err != nil {
			return domain.Task{}, err
		}
		if opts.IndexID == "" {
			opts.IndexID = rq.IndexID
		} else if opts.IndexID != rq.IndexID {
			return domain.Task{}, validationErrorf("requirement %s not in index %s", opts.RequirementID, opts.IndexID)
		}
	}
	if opts.IndexID != "" {
		ix, err := e.Repo.GetIndex(ctx, opts.IndexID)
		if err != nil {
			return domain.Task{}, err
		}
		if _, _, err := e.authorize(ctx, opts.ActorID, ix, policy.View); err != nil {
			return domain.Task{}, err
		}
	}
	now := e.nowStr()
	t := domain.Task{
		ID:            uuid.New().String(),
		Title:         opts.Title,
		Description:   opts.Description,
		Status:        "todo",
		Priority:      opts.Priority,
		IndexID:       optionalString(opts.IndexID),
		RequirementID: optionalString(opts.RequirementID),
		AssigneeID:    optionalString(opts.AssigneeID),
		CreatedBy:     opts.ActorID,
		DueDate:       optionalString(opts.DueDate),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if opts.AssigneeID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.AssigneeID, policy.GlobalNone.String(), now); err != nil {
			return t, err
		}
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "task.created", IndexID: opts.IndexID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"title": t.Title, "priority": t.Priority},
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "todo":
		if newStatus == "in_progress" || newStatus == "completed" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "todo" {
			return nil
		}
	case "completed":
		if newStatus == "in_progress" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// canModifyTask gates task mutation: the creator, the current assignee, a
// platform admin, or a supervisor/owner of the task's index.
func (e Engine) canModifyTask(ctx context.Context, t domain.Task, actorID string) error {
	if actorID == t.CreatedBy {
		return nil
	}
	if t.AssigneeID != nil && actorID == *t.AssigneeID {
		return nil
	}
	indexID := ""
	if t.IndexID != nil {
		indexID = *t.IndexID
	}
	global, scoped, err := e.actorRoles(ctx, actorID, indexID)
	if err != nil {
		return err
	}
	if global == policy.GlobalAdmin || scoped == policy.Supervisor || scoped == policy.Owner {
		return nil
	}
	return policy.ForbiddenError{Action: policy.EditContent}
}

type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	Priority    string
	Assign      *string
	DueDate     *string
	ActorID     string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if err := e.canModifyTask(ctx, t, opts.ActorID); err != nil {
		return t, err
	}
	original := t.Status
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, ValidationError{Msg: "title must not be empty"}
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Priority != "" {
		switch opts.Priority {
		case "low", "medium", "high":
			t.Priority = opts.Priority
		default:
			return t, validationErrorf("invalid priority %q", opts.Priority)
		}
	}
	if opts.Assign != nil {
		t.AssigneeID = optionalString(*opts.Assign)
	}
	if opts.DueDate != nil {
		t.DueDate = optionalString(*opts.DueDate)
	}
	now := e.nowStr()
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, ValidationError{Msg: err.Error()}
		}
		t.Status = opts.Status
		if opts.Status == "completed" {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if opts.Assign != nil && *opts.Assign != "" {
		if err := e.Repo.EnsureActor(ctx, tx, *opts.Assign, policy.GlobalNone.String(), now); err != nil {
			return t, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	indexID := ""
	if t.IndexID != nil {
		indexID = *t.IndexID
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "task.updated", IndexID: indexID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"from_status": original, "to_status": t.Status},
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := e.canModifyTask(ctx, t, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	indexID := ""
	if t.IndexID != nil {
		indexID = *t.IndexID
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "task.deleted", IndexID: indexID, EntityKind: "task", EntityID: t.ID, ActorID: actorID,
		Payload: events.Payload{"title": t.Title},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
