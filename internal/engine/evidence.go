package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"maturion/internal/domain"
	"maturion/internal/events"
	"maturion/internal/maturity"
	"maturion/internal/policy"
	"maturion/internal/repo"
	"maturion/internal/workflow"
)

type EvidenceCreateOptions struct {
	RequirementID string
	MaturityLevel int
	DocumentName  string
	ActorID       string
}

func (e Engine) CreateEvidence(ctx context.Context, opts EvidenceCreateOptions) (domain.Evidence, error) {
	if opts.DocumentName == "" {
		return domain.Evidence{}, ValidationError{Msg: "document_name is required"}
	}
	rq, err := e.Repo.GetRequirement(ctx, opts.RequirementID)
	if err != nil {
		return domain.Evidence{}, err
	}
	ix, err := e.Repo.GetIndex(ctx, rq.IndexID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if ix.ArchivedAt != nil {
		return domain.Evidence{}, validationErrorf("index %s is archived", ix.ID)
	}
	it, err := maturity.Type(ix.Type)
	if err != nil {
		return domain.Evidence{}, err
	}
	if it.AnswerBased {
		return domain.Evidence{}, validationErrorf("index type %s tracks answers, not file evidence", ix.Type)
	}
	if opts.MaturityLevel < 1 || opts.MaturityLevel > it.MaxLevel {
		return domain.Evidence{}, validationErrorf("maturity level must be between 1 and %d", it.MaxLevel)
	}
	if _, _, err := e.authorize(ctx, opts.ActorID, ix, policy.Create); err != nil {
		return domain.Evidence{}, err
	}
	now := e.nowStr()
	ev := domain.Evidence{
		ID:            uuid.New().String(),
		RequirementID: rq.ID,
		IndexID:       ix.ID,
		MaturityLevel: opts.MaturityLevel,
		DocumentName:  opts.DocumentName,
		Status:        workflow.EvidenceNotStarted,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "evidence.created", IndexID: ix.ID, EntityKind: "evidence", EntityID: ev.ID, ActorID: opts.ActorID,
		MaturityLevel: &ev.MaturityLevel,
		Payload:       events.Payload{"requirement_id": rq.ID, "document_name": ev.DocumentName},
	}); err != nil {
		return ev, err
	}
	return ev, tx.Commit()
}

type EvidenceTransitionOptions struct {
	EvidenceID string
	Action     string
	// ExpectedStatus is the status the caller last observed. Empty means
	// "whatever it is now", which still races safely via the guarded update.
	ExpectedStatus string
	AssigneeID     string
	Comment        string
	ActorID        string
}

// TransitionEvidence applies one workflow action. The status read feeds the
// transition table; the write re-checks the status so a concurrent transition
// turns into a ConflictError instead of a lost update.
func (e Engine) TransitionEvidence(ctx context.Context, opts EvidenceTransitionOptions) (domain.Evidence, error) {
	ev, err := e.Repo.GetEvidence(ctx, opts.EvidenceID)
	if err != nil {
		return ev, err
	}
	if opts.ExpectedStatus != "" && opts.ExpectedStatus != ev.Status {
		return ev, ConflictError{Entity: "evidence", ID: ev.ID}
	}
	ix, err := e.Repo.GetIndex(ctx, ev.IndexID)
	if err != nil {
		return ev, err
	}
	if ix.ArchivedAt != nil {
		return ev, validationErrorf("index %s is archived", ix.ID)
	}
	tr, err := workflow.EvidenceMachine.Next(ev.Status, opts.Action)
	if err != nil {
		return ev, err
	}
	global, scoped, err := e.actorRoles(ctx, opts.ActorID, ix.ID)
	if err != nil {
		return ev, err
	}
	if !tr.Guard(global, scoped) {
		return ev, policy.ForbiddenError{Action: tr.Policy}
	}
	if opts.Action == workflow.ActionAssign && opts.AssigneeID == "" {
		return ev, ValidationError{Msg: "assignee required for assign"}
	}
	if opts.Action == workflow.ActionRequestChanges && opts.Comment == "" {
		return ev, ValidationError{Msg: "comment required when requesting changes"}
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionEvidence(ctx, tx, ev.ID, ev.Status, tr.To, now)
	if err != nil {
		return ev, err
	}
	if !ok {
		return ev, ConflictError{Entity: "evidence", ID: ev.ID}
	}
	if opts.Action == workflow.ActionAssign {
		// Must run on the open tx: a pooled write here would sit behind the
		// tx's own lock.
		if err := e.Repo.EnsureActor(ctx, tx, opts.AssigneeID, policy.GlobalNone.String(), now); err != nil {
			return ev, err
		}
		if err := e.Repo.AssignEvidence(ctx, tx, ev.ID, opts.AssigneeID, now); err != nil {
			return ev, err
		}
		ev.AssigneeID = opts.AssigneeID
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "evidence." + opts.Action, IndexID: ix.ID, EntityKind: "evidence", EntityID: ev.ID, ActorID: opts.ActorID,
		MaturityLevel: &ev.MaturityLevel, Comment: opts.Comment,
		Payload: events.Payload{"from": ev.Status, "to": tr.To},
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	ev.Status = tr.To
	ev.UpdatedAt = now
	return ev, nil
}

type VersionCreateOptions struct {
	EvidenceID string
	Filename   string
	Content    io.Reader
	Comment    string
	ActorID    string
}

// CreateVersion stores file content and appends the next version. The upload
// is also a workflow action: it moves the evidence to in_progress, restarting
// review when it was confirmed or had changes requested.
func (e Engine) CreateVersion(ctx context.Context, opts VersionCreateOptions) (domain.EvidenceVersion, error) {
	if opts.Filename == "" {
		return domain.EvidenceVersion{}, ValidationError{Msg: "filename is required"}
	}
	if opts.Content == nil {
		return domain.EvidenceVersion{}, ValidationError{Msg: "content is required"}
	}
	if e.Store == nil {
		return domain.EvidenceVersion{}, errors.New("blob store not configured")
	}
	ev, err := e.Repo.GetEvidence(ctx, opts.EvidenceID)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	ix, err := e.Repo.GetIndex(ctx, ev.IndexID)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	if ix.ArchivedAt != nil {
		return domain.EvidenceVersion{}, validationErrorf("index %s is archived", ix.ID)
	}
	tr, err := workflow.EvidenceMachine.Next(ev.Status, workflow.ActionUploadContent)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	global, scoped, err := e.actorRoles(ctx, opts.ActorID, ix.ID)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	if !tr.Guard(global, scoped) {
		return domain.EvidenceVersion{}, policy.ForbiddenError{Action: tr.Policy}
	}

	key := uuid.New().String()
	size, digest, err := e.Store.Put(key, opts.Content)
	if err != nil {
		return domain.EvidenceVersion{}, fmt.Errorf("store content: %w", err)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	defer tx.Rollback()
	n, err := e.Repo.NextVersionNumber(ctx, tx, ev.ID)
	if err != nil {
		return domain.EvidenceVersion{}, err
	}
	v := domain.EvidenceVersion{
		ID:            uuid.New().String(),
		EvidenceID:    ev.ID,
		VersionNumber: n,
		Filename:      opts.Filename,
		StorageKey:    key,
		FileSize:      size,
		SHA256:        digest,
		UploadedBy:    opts.ActorID,
		Comment:       opts.Comment,
		UploadedAt:    now,
	}
	if err := e.Repo.InsertEvidenceVersion(ctx, tx, v); err != nil {
		if isUniqueViolation(err) {
			return v, ConflictError{Entity: "evidence", ID: ev.ID}
		}
		return v, err
	}
	ok, err := e.Repo.TransitionEvidence(ctx, tx, ev.ID, ev.Status, tr.To, now)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, ConflictError{Entity: "evidence", ID: ev.ID}
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "evidence.version_uploaded", IndexID: ix.ID, EntityKind: "evidence", EntityID: ev.ID, ActorID: opts.ActorID,
		MaturityLevel: &ev.MaturityLevel, VersionNumber: &v.VersionNumber, Comment: opts.Comment,
		Payload: events.Payload{"filename": v.Filename, "size": v.FileSize, "sha256": v.SHA256},
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		// The blob is orphaned on commit failure; sweep is manual.
		return v, err
	}
	return v, nil
}

// OpenVersion streams the stored content of one version after a view check.
func (e Engine) OpenVersion(ctx context.Context, evidenceID string, versionNumber int, actorID string) (domain.EvidenceVersion, io.ReadCloser, error) {
	ev, err := e.Repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return domain.EvidenceVersion{}, nil, err
	}
	ix, err := e.Repo.GetIndex(ctx, ev.IndexID)
	if err != nil {
		return domain.EvidenceVersion{}, nil, err
	}
	if _, _, err := e.authorize(ctx, actorID, ix, policy.View); err != nil {
		return domain.EvidenceVersion{}, nil, err
	}
	if versionNumber == 0 {
		versionNumber = ev.CurrentVersion
	}
	v, err := e.Repo.GetEvidenceVersion(ctx, evidenceID, versionNumber)
	if err != nil {
		return v, nil, err
	}
	if e.Store == nil {
		return v, nil, errors.New("blob store not configured")
	}
	rc, err := e.Store.Open(v.StorageKey)
	return v, rc, err
}

// ListEvidence lists evidence visible to the actor within one index.
func (e Engine) ListEvidence(ctx context.Context, f repo.EvidenceFilters, actorID string) ([]domain.Evidence, error) {
	if f.IndexID == "" {
		return nil, ValidationError{Msg: "index is required"}
	}
	ix, err := e.Repo.GetIndex(ctx, f.IndexID)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.authorize(ctx, actorID, ix, policy.View); err != nil {
		return nil, err
	}
	return e.Repo.ListEvidence(ctx, f)
}

// EvidenceActions reports the workflow actions available from the current
// status, filtered by what the actor's roles can actually take.
func (e Engine) EvidenceActions(ctx context.Context, evidenceID, actorID string) ([]string, error) {
	ev, err := e.Repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	global, scoped, err := e.actorRoles(ctx, actorID, ev.IndexID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, action := range workflow.EvidenceMachine.Actions(ev.Status) {
		tr, err := workflow.EvidenceMachine.Next(ev.Status, action)
		if err != nil {
			continue
		}
		if tr.Guard(global, scoped) {
			out = append(out, action)
		}
	}
	return out, nil
}

func parseDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, *s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", *s); err == nil {
		return &t
	}
	return nil
}
