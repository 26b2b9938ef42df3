package engine

import (
	"context"

	"maturion/internal/domain"
	"maturion/internal/events"
	"maturion/internal/maturity"
	"maturion/internal/policy"
	"maturion/internal/workflow"
)

// SaveAnswer writes draft answer text. Text edits are only legal while the
// answer sits in draft; anything later must travel through the workflow.
func (e Engine) SaveAnswer(ctx context.Context, requirementID, text, actorID string) (domain.Requirement, error) {
	rq, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return rq, err
	}
	ix, err := e.Repo.GetIndex(ctx, rq.IndexID)
	if err != nil {
		return rq, err
	}
	if ix.ArchivedAt != nil {
		return rq, validationErrorf("index %s is archived", ix.ID)
	}
	if _, _, err := e.authorize(ctx, actorID, ix, policy.EditContent); err != nil {
		return rq, err
	}
	if rq.AnswerStatus != workflow.AnswerDraft {
		return rq, validationErrorf("answer is %s; only drafts can be edited", rq.AnswerStatus)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rq, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateAnswer(ctx, tx, rq.ID, &text, workflow.AnswerDraft, workflow.AnswerDraft, now)
	if err != nil {
		return rq, err
	}
	if !ok {
		return rq, ConflictError{Entity: "requirement", ID: rq.ID}
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "answer.saved", IndexID: ix.ID, EntityKind: "requirement", EntityID: rq.ID, ActorID: actorID,
	}); err != nil {
		return rq, err
	}
	if err := tx.Commit(); err != nil {
		return rq, err
	}
	rq.Answer = &text
	rq.UpdatedAt = now
	return rq, nil
}

type AnswerTransitionOptions struct {
	RequirementID  string
	Action         string
	ExpectedStatus string
	Comment        string
	ActorID        string
}

// TransitionAnswer moves a requirement answer through its review lifecycle
// with the same guarded-update discipline as evidence.
func (e Engine) TransitionAnswer(ctx context.Context, opts AnswerTransitionOptions) (domain.Requirement, error) {
	rq, err := e.Repo.GetRequirement(ctx, opts.RequirementID)
	if err != nil {
		return rq, err
	}
	if opts.ExpectedStatus != "" && opts.ExpectedStatus != rq.AnswerStatus {
		return rq, ConflictError{Entity: "requirement", ID: rq.ID}
	}
	ix, err := e.Repo.GetIndex(ctx, rq.IndexID)
	if err != nil {
		return rq, err
	}
	if ix.ArchivedAt != nil {
		return rq, validationErrorf("index %s is archived", ix.ID)
	}
	tr, err := workflow.AnswerMachine.Next(rq.AnswerStatus, opts.Action)
	if err != nil {
		return rq, err
	}
	global, scoped, err := e.actorRoles(ctx, opts.ActorID, ix.ID)
	if err != nil {
		return rq, err
	}
	if !tr.Guard(global, scoped) {
		return rq, policy.ForbiddenError{Action: tr.Policy}
	}
	if opts.Action == workflow.ActionSubmitAnswer && (rq.Answer == nil || *rq.Answer == "") {
		return rq, ValidationError{Msg: "cannot submit an empty answer"}
	}
	if (opts.Action == workflow.ActionReject || opts.Action == workflow.ActionRequestChanges) && opts.Comment == "" {
		return rq, ValidationError{Msg: "comment required when rejecting or requesting changes"}
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rq, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateAnswer(ctx, tx, rq.ID, nil, rq.AnswerStatus, tr.To, now)
	if err != nil {
		return rq, err
	}
	if !ok {
		return rq, ConflictError{Entity: "requirement", ID: rq.ID}
	}
	entry := events.Entry{
		Action: "answer." + opts.Action, IndexID: ix.ID, EntityKind: "requirement", EntityID: rq.ID, ActorID: opts.ActorID,
		Comment: opts.Comment,
		Payload: events.Payload{"from": rq.AnswerStatus, "to": tr.To},
	}
	if tr.To == workflow.AnswerConfirmed {
		it, err := maturity.Type(ix.Type)
		if err == nil && it.AnswerBased {
			level := it.MaxLevel
			entry.MaturityLevel = &level
		}
	}
	if err := e.Activity.Append(ctx, tx, entry); err != nil {
		return rq, err
	}
	if err := tx.Commit(); err != nil {
		return rq, err
	}
	rq.AnswerStatus = tr.To
	rq.UpdatedAt = now
	return rq, nil
}
