// Package engine orchestrates every mutation: it resolves roles, consults the
// policy and workflow tables, applies the change in one transaction, and
// appends the matching ledger entry. Nothing below it enforces access.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maturion/internal/blob"
	"maturion/internal/config"
	"maturion/internal/domain"
	"maturion/internal/events"
	"maturion/internal/maturity"
	"maturion/internal/policy"
	"maturion/internal/repo"
	"maturion/internal/workflow"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity events.Writer
	Config   *config.Config
	Store    blob.Store
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, store blob.Store) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: events.Writer{DB: db},
		Config:   cfg,
		Store:    store,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ConflictError means a guarded write found the row in a different state than
// expected; the caller should reload and retry.
type ConflictError struct {
	Entity string
	ID     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// ValidationError is a malformed or inconsistent request. Not retryable.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// actorRoles resolves the actor's global role and their scoped role in the
// index. A missing actor row means GlobalNone, never an error: absence must
// not grant and must not block public reads.
func (e Engine) actorRoles(ctx context.Context, actorID, indexID string) (policy.GlobalRole, policy.ScopedRole, error) {
	global := policy.GlobalNone
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err == nil {
		global = policy.ParseGlobalRole(actor.GlobalRole)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return global, policy.ScopedNone, err
	}
	scoped := policy.ScopedNone
	if indexID != "" {
		m, err := e.Repo.GetMembership(ctx, indexID, actorID)
		if err == nil {
			scoped, err = policy.ParseScopedRole(m.Role)
			if err != nil {
				return global, policy.ScopedNone, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return global, policy.ScopedNone, err
		}
	}
	return global, scoped, nil
}

// authorize evaluates one action against an index and returns the resolved
// roles for callers that need them again.
func (e Engine) authorize(ctx context.Context, actorID string, ix domain.Index, action policy.Action) (policy.GlobalRole, policy.ScopedRole, error) {
	global, scoped, err := e.actorRoles(ctx, actorID, ix.ID)
	if err != nil {
		return global, scoped, err
	}
	if !policy.Evaluate(global, scoped, action, ix.Public).Allowed() {
		return global, scoped, policy.ForbiddenError{Action: action}
	}
	return global, scoped, nil
}

// Evaluate answers "may this actor do this action on this index" without
// performing it.
func (e Engine) Evaluate(ctx context.Context, actorID, indexID string, action policy.Action) (bool, error) {
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return false, err
	}
	global, scoped, err := e.actorRoles(ctx, actorID, indexID)
	if err != nil {
		return false, err
	}
	return policy.Evaluate(global, scoped, action, ix.Public).Allowed(), nil
}

type IndexCreateOptions struct {
	Code        string
	NameAr      string
	NameEn      string
	Description string
	Type        string
	Public      bool
	StartDate   string
	EndDate     string
	OwnerID     string
	ActorID     string
}

// CreateIndex creates an index. Only platform admins may create one; the
// designated owner (the actor by default) gets an owner membership in the
// same transaction so no index exists without an owner.
func (e Engine) CreateIndex(ctx context.Context, opts IndexCreateOptions) (domain.Index, error) {
	if opts.Code == "" {
		return domain.Index{}, ValidationError{Msg: "code is required"}
	}
	if opts.NameAr == "" {
		return domain.Index{}, ValidationError{Msg: "name_ar is required"}
	}
	if _, err := maturity.Type(opts.Type); err != nil {
		return domain.Index{}, ValidationError{Msg: err.Error()}
	}
	global, _, err := e.actorRoles(ctx, opts.ActorID, "")
	if err != nil {
		return domain.Index{}, err
	}
	if global != policy.GlobalAdmin {
		return domain.Index{}, policy.ForbiddenError{Action: policy.Create}
	}
	ownerID := opts.OwnerID
	if ownerID == "" {
		ownerID = opts.ActorID
	}
	now := e.nowStr()
	ix := domain.Index{
		ID:          uuid.New().String(),
		Code:        opts.Code,
		NameAr:      opts.NameAr,
		NameEn:      opts.NameEn,
		Description: opts.Description,
		Type:        opts.Type,
		Public:      opts.Public,
		StartDate:   optionalString(opts.StartDate),
		EndDate:     optionalString(opts.EndDate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Index{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIndex(ctx, tx, ix); err != nil {
		if isUniqueViolation(err) {
			return domain.Index{}, validationErrorf("index code %s already exists", opts.Code)
		}
		return domain.Index{}, fmt.Errorf("insert index: %w", err)
	}
	// The owner may not have acted yet; the membership's foreign key needs
	// the actor row in the same commit.
	if err := e.Repo.EnsureActor(ctx, tx, ownerID, policy.GlobalNone.String(), now); err != nil {
		return domain.Index{}, fmt.Errorf("ensure owner actor: %w", err)
	}
	m := domain.Membership{
		ID:        uuid.New().String(),
		IndexID:   ix.ID,
		ActorID:   ownerID,
		Role:      policy.Owner.String(),
		AddedBy:   opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertMembership(ctx, tx, m); err != nil {
		return domain.Index{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "index.created", IndexID: ix.ID, EntityKind: "index", EntityID: ix.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"code": ix.Code, "type": ix.Type, "owner_id": ownerID},
	}); err != nil {
		return domain.Index{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Index{}, err
	}
	return ix, nil
}

type IndexUpdateOptions struct {
	IndexID     string
	NameAr      *string
	NameEn      *string
	Description *string
	Public      *bool
	StartDate   *string
	EndDate     *string
	ActorID     string
}

func (e Engine) UpdateIndex(ctx context.Context, opts IndexUpdateOptions) (domain.Index, error) {
	ix, err := e.Repo.GetIndex(ctx, opts.IndexID)
	if err != nil {
		return ix, err
	}
	if ix.ArchivedAt != nil {
		return ix, validationErrorf("index %s is archived", ix.ID)
	}
	if _, _, err := e.authorize(ctx, opts.ActorID, ix, policy.EditContent); err != nil {
		return ix, err
	}
	if opts.NameAr != nil {
		if *opts.NameAr == "" {
			return ix, ValidationError{Msg: "name_ar must not be empty"}
		}
		ix.NameAr = *opts.NameAr
	}
	if opts.NameEn != nil {
		ix.NameEn = *opts.NameEn
	}
	if opts.Description != nil {
		ix.Description = *opts.Description
	}
	if opts.Public != nil {
		ix.Public = *opts.Public
	}
	if opts.StartDate != nil {
		ix.StartDate = optionalString(*opts.StartDate)
	}
	if opts.EndDate != nil {
		ix.EndDate = optionalString(*opts.EndDate)
	}
	ix.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ix, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIndex(ctx, tx, ix); err != nil {
		return ix, err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "index.updated", IndexID: ix.ID, EntityKind: "index", EntityID: ix.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"public": ix.Public},
	}); err != nil {
		return ix, err
	}
	return ix, tx.Commit()
}

// ArchiveIndex freezes an index. The guarded update loses to a concurrent
// archive, which surfaces as a conflict rather than a silent double-archive.
func (e Engine) ArchiveIndex(ctx context.Context, indexID, actorID string) (domain.Index, error) {
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return ix, err
	}
	if _, _, err := e.authorize(ctx, actorID, ix, policy.Delete); err != nil {
		return ix, err
	}
	if ix.ArchivedAt != nil {
		return ix, validationErrorf("index %s already archived", ix.ID)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ix, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ArchiveIndex(ctx, tx, ix.ID, now, now)
	if err != nil {
		return ix, err
	}
	if !ok {
		return ix, ConflictError{Entity: "index", ID: ix.ID}
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "index.archived", IndexID: ix.ID, EntityKind: "index", EntityID: ix.ID, ActorID: actorID,
	}); err != nil {
		return ix, err
	}
	if err := tx.Commit(); err != nil {
		return ix, err
	}
	ix.ArchivedAt = &now
	ix.UpdatedAt = now
	return ix, nil
}

type RequirementCreateOptions struct {
	IndexID      string
	Code         string
	QuestionAr   string
	QuestionEn   string
	MainArea     string
	SubDomain    string
	DisplayOrder int
	ActorID      string
}

func (e Engine) CreateRequirement(ctx context.Context, opts RequirementCreateOptions) (domain.Requirement, error) {
	if opts.Code == "" {
		return domain.Requirement{}, ValidationError{Msg: "code is required"}
	}
	if opts.QuestionAr == "" {
		return domain.Requirement{}, ValidationError{Msg: "question_ar is required"}
	}
	ix, err := e.Repo.GetIndex(ctx, opts.IndexID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if ix.ArchivedAt != nil {
		return domain.Requirement{}, validationErrorf("index %s is archived", ix.ID)
	}
	if _, _, err := e.authorize(ctx, opts.ActorID, ix, policy.Create); err != nil {
		return domain.Requirement{}, err
	}
	now := e.nowStr()
	rq := domain.Requirement{
		ID:           uuid.New().String(),
		IndexID:      ix.ID,
		Code:         opts.Code,
		QuestionAr:   opts.QuestionAr,
		QuestionEn:   opts.QuestionEn,
		MainArea:     opts.MainArea,
		SubDomain:    opts.SubDomain,
		DisplayOrder: opts.DisplayOrder,
		AnswerStatus: workflow.AnswerDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rq, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequirement(ctx, tx, rq); err != nil {
		if isUniqueViolation(err) {
			return rq, validationErrorf("requirement code %s already exists in index", opts.Code)
		}
		return rq, err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "requirement.created", IndexID: ix.ID, EntityKind: "requirement", EntityID: rq.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"code": rq.Code},
	}); err != nil {
		return rq, err
	}
	return rq, tx.Commit()
}

// SetMembership grants a role in an index. Memberships are insert-only here;
// role changes go through UpdateMembershipRole so both sides of a change stay
// explicit in the ledger.
func (e Engine) SetMembership(ctx context.Context, indexID, targetActorID, role, actorID string) (domain.Membership, error) {
	target, err := policy.ParseScopedRole(role)
	if err != nil || target == policy.ScopedNone {
		return domain.Membership{}, validationErrorf("invalid role %q", role)
	}
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return domain.Membership{}, err
	}
	global, scoped, err := e.actorRoles(ctx, actorID, indexID)
	if err != nil {
		return domain.Membership{}, err
	}
	if !policy.CanManageMembership(global, scoped, target) {
		return domain.Membership{}, policy.ForbiddenError{Action: policy.ManageMembership}
	}
	if err := e.Repo.EnsureActor(ctx, nil, targetActorID, policy.GlobalNone.String(), e.nowStr()); err != nil {
		return domain.Membership{}, err
	}
	now := e.nowStr()
	m := domain.Membership{
		ID:        uuid.New().String(),
		IndexID:   ix.ID,
		ActorID:   targetActorID,
		Role:      target.String(),
		AddedBy:   actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMembership(ctx, tx, m); err != nil {
		if isUniqueViolation(err) {
			return m, validationErrorf("actor %s already has a role in index %s", targetActorID, ix.ID)
		}
		return m, err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "membership.added", IndexID: ix.ID, EntityKind: "membership", EntityID: m.ID, ActorID: actorID,
		Payload: events.Payload{"actor_id": targetActorID, "role": m.Role},
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// UpdateMembershipRole changes an existing membership's role. expectedRole is
// the role the caller last saw; a mismatch at write time is a conflict.
func (e Engine) UpdateMembershipRole(ctx context.Context, indexID, targetActorID, expectedRole, newRole, actorID string) (domain.Membership, error) {
	target, err := policy.ParseScopedRole(newRole)
	if err != nil || target == policy.ScopedNone {
		return domain.Membership{}, validationErrorf("invalid role %q", newRole)
	}
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return domain.Membership{}, err
	}
	global, scoped, err := e.actorRoles(ctx, actorID, indexID)
	if err != nil {
		return domain.Membership{}, err
	}
	if !policy.CanManageMembership(global, scoped, target) {
		return domain.Membership{}, policy.ForbiddenError{Action: policy.ChangeRole}
	}
	m, err := e.Repo.GetMembership(ctx, indexID, targetActorID)
	if err != nil {
		return domain.Membership{}, err
	}
	if expectedRole == "" {
		expectedRole = m.Role
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if m.Role == policy.Owner.String() && target != policy.Owner {
		owners, err := e.Repo.CountOwners(ctx, tx, ix.ID)
		if err != nil {
			return m, err
		}
		if owners <= 1 {
			return m, validationErrorf("index %s must keep at least one owner", ix.ID)
		}
	}
	ok, err := e.Repo.UpdateMembershipRole(ctx, tx, ix.ID, targetActorID, expectedRole, target.String(), now)
	if err != nil {
		return m, err
	}
	if !ok {
		return m, ConflictError{Entity: "membership", ID: m.ID}
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "membership.role_changed", IndexID: ix.ID, EntityKind: "membership", EntityID: m.ID, ActorID: actorID,
		Payload: events.Payload{"actor_id": targetActorID, "from": expectedRole, "to": target.String()},
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Role = target.String()
	m.UpdatedAt = now
	return m, nil
}

func (e Engine) RemoveMembership(ctx context.Context, indexID, targetActorID, actorID string) error {
	ix, err := e.Repo.GetIndex(ctx, indexID)
	if err != nil {
		return err
	}
	m, err := e.Repo.GetMembership(ctx, indexID, targetActorID)
	if err != nil {
		return err
	}
	target, err := policy.ParseScopedRole(m.Role)
	if err != nil {
		return err
	}
	global, scoped, err := e.actorRoles(ctx, actorID, indexID)
	if err != nil {
		return err
	}
	if !policy.CanManageMembership(global, scoped, target) {
		return policy.ForbiddenError{Action: policy.ManageMembership}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if target == policy.Owner {
		owners, err := e.Repo.CountOwners(ctx, tx, ix.ID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return validationErrorf("index %s must keep at least one owner", ix.ID)
		}
	}
	if err := e.Repo.DeleteMembership(ctx, tx, ix.ID, targetActorID); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "membership.removed", IndexID: ix.ID, EntityKind: "membership", EntityID: m.ID, ActorID: actorID,
		Payload: events.Payload{"actor_id": targetActorID, "role": m.Role},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetGlobalRole grants or revokes the platform admin role. Admin only.
func (e Engine) SetGlobalRole(ctx context.Context, targetActorID, role, actorID string) error {
	if role != policy.GlobalAdmin.String() && role != policy.GlobalNone.String() {
		return validationErrorf("invalid global role %q", role)
	}
	global, _, err := e.actorRoles(ctx, actorID, "")
	if err != nil {
		return err
	}
	if global != policy.GlobalAdmin {
		return policy.ForbiddenError{Action: policy.ChangeRole}
	}
	if err := e.Repo.EnsureActor(ctx, nil, targetActorID, policy.GlobalNone.String(), e.nowStr()); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetGlobalRole(ctx, tx, targetActorID, role); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, events.Entry{
		Action: "actor.global_role_changed", EntityKind: "actor", EntityID: targetActorID, ActorID: actorID,
		Payload: events.Payload{"role": role},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
