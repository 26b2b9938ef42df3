package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"maturion/internal/blob"
	"maturion/internal/config"
	"maturion/internal/db"
	"maturion/internal/domain"
	"maturion/internal/engine"
	"maturion/internal/migrate"
	"maturion/internal/policy"
	"maturion/internal/repo"
	"maturion/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Index  domain.Index
}

// newTestEnv builds a migrated database with one naii index owned by "owner",
// plus "super" (supervisor), "contrib" (contributor) and the platform admin
// "admin".
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	cfg := config.Default("idx-1", "naii")
	eng := engine.New(conn, cfg, store)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertActor(ctx, domain.Actor{ID: "admin", GlobalRole: "admin", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	ix, err := eng.CreateIndex(ctx, engine.IndexCreateOptions{
		Code: "idx-1", NameAr: "مؤشر الاختبار", Type: "naii", StartDate: "2023-01-01T00:00:00Z",
		OwnerID: "owner", ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	if _, err := eng.SetMembership(ctx, ix.ID, "super", "supervisor", "owner"); err != nil {
		t.Fatalf("add supervisor: %v", err)
	}
	if _, err := eng.SetMembership(ctx, ix.ID, "contrib", "contributor", "owner"); err != nil {
		t.Fatalf("add contributor: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Index: ix}
}

func mustRequirement(t *testing.T, env testEnv, code string) domain.Requirement {
	t.Helper()
	rq, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		IndexID: env.Index.ID, Code: code, QuestionAr: "سؤال", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	return rq
}

func TestEvidenceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "policy doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatalf("create evidence: %v", err)
	}
	ev, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super",
	})
	if err != nil || ev.Status != workflow.EvidenceAssigned {
		t.Fatalf("assign: %v (status %s)", err, ev.Status)
	}
	v, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
		EvidenceID: ev.ID, Filename: "doc.pdf", Content: strings.NewReader("content v1"), ActorID: "contrib",
	})
	if err != nil || v.VersionNumber != 1 {
		t.Fatalf("upload v1: %v (n=%d)", err, v.VersionNumber)
	}
	ev, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionSubmit, ActorID: "contrib",
	})
	if err != nil || ev.Status != workflow.EvidenceSubmitted {
		t.Fatalf("submit: %v", err)
	}
	ev, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionMoveToAudit, ActorID: "super",
	})
	if err != nil || ev.Status != workflow.EvidenceReadyForAudit {
		t.Fatalf("move to audit: %v", err)
	}
	ev, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionConfirm, ActorID: "super",
	})
	if err != nil || ev.Status != workflow.EvidenceConfirmed {
		t.Fatalf("confirm: %v", err)
	}

	c, err := env.Engine.ComputeCompletion(env.Ctx, env.Index.ID, "owner")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if c.Percent != 20 || c.IsComplete {
		t.Fatalf("after confirming level 1 expected 20%% incomplete, got %+v", c)
	}
	if c.DerivedStatus != "in_progress" {
		t.Fatalf("derived status: %s", c.DerivedStatus)
	}
}

func TestPolicyGuardsOnTransitions(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 2, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	// contributors cannot assign
	_, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "contrib",
	})
	var fe policy.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	// non-members see nothing on a private index
	_, err = env.Engine.ListEvidence(env.Ctx, repo.EvidenceFilters{IndexID: env.Index.ID}, "nobody")
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for outsider, got %v", err)
	}
	// admin bypasses the role guard entirely
	if _, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "admin",
	}); err != nil {
		t.Fatalf("admin assign: %v", err)
	}
}

func TestOptimisticConflict(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super",
	}); err != nil {
		t.Fatal(err)
	}
	// a second caller still holding the not_started snapshot loses
	_, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib",
		ExpectedStatus: workflow.EvidenceNotStarted, ActorID: "super",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestVersionNumbersAreSequential(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super",
	}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		v, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
			EvidenceID: ev.ID, Filename: "doc.pdf", Content: strings.NewReader("rev"), ActorID: "contrib",
		})
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
		if v.VersionNumber != i {
			t.Fatalf("version %d got %d", i, v.VersionNumber)
		}
	}
	got, err := env.Engine.Repo.GetEvidence(env.Ctx, ev.ID)
	if err != nil || got.CurrentVersion != 3 {
		t.Fatalf("current version: %v %d", err, got.CurrentVersion)
	}
	versions, err := env.Engine.Repo.ListEvidenceVersions(env.Ctx, ev.ID)
	if err != nil || len(versions) != 3 {
		t.Fatalf("versions: %v %d", err, len(versions))
	}
}

func TestChangesRequestedRestartsCycle(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, _ := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	steps := []engine.EvidenceTransitionOptions{
		{EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super"},
	}
	for _, s := range steps {
		if _, err := env.Engine.TransitionEvidence(env.Ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
		EvidenceID: ev.ID, Filename: "a.pdf", Content: strings.NewReader("v1"), ActorID: "contrib",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionSubmit, ActorID: "contrib",
	}); err != nil {
		t.Fatal(err)
	}
	// comment is mandatory on request-changes
	_, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionRequestChanges, ActorID: "super",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for missing comment, got %v", err)
	}
	got, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionRequestChanges, Comment: "needs detail", ActorID: "super",
	})
	if err != nil || got.Status != workflow.EvidenceChangesRequested {
		t.Fatalf("request changes: %v", err)
	}
	v, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
		EvidenceID: ev.ID, Filename: "a.pdf", Content: strings.NewReader("v2"), ActorID: "contrib",
	})
	if err != nil || v.VersionNumber != 2 {
		t.Fatalf("upload after changes requested: %v", err)
	}
	got, err = env.Engine.Repo.GetEvidence(env.Ctx, ev.ID)
	if err != nil || got.Status != workflow.EvidenceInProgress {
		t.Fatalf("status after re-upload: %v %s", err, got.Status)
	}
}

func TestAnswerWorkflowOnAnswerBasedIndex(t *testing.T) {
	env := newTestEnv(t)
	ix, err := env.Engine.CreateIndex(env.Ctx, engine.IndexCreateOptions{
		Code: "etari-1", NameAr: "إطار", Type: "etari", StartDate: "2023-01-01T00:00:00Z",
		OwnerID: "owner", ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetMembership(env.Ctx, ix.ID, "contrib", "contributor", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetMembership(env.Ctx, ix.ID, "super", "supervisor", "owner"); err != nil {
		t.Fatal(err)
	}
	rq, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		IndexID: ix.ID, Code: "Q-1", QuestionAr: "سؤال", ActorID: "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	// submitting an empty answer is rejected
	_, err = env.Engine.TransitionAnswer(env.Ctx, engine.AnswerTransitionOptions{
		RequirementID: rq.ID, Action: workflow.ActionSubmitAnswer, ActorID: "contrib",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := env.Engine.SaveAnswer(env.Ctx, rq.ID, "نص الإجابة", "contrib"); err != nil {
		t.Fatal(err)
	}
	rq, err = env.Engine.TransitionAnswer(env.Ctx, engine.AnswerTransitionOptions{
		RequirementID: rq.ID, Action: workflow.ActionSubmitAnswer, ActorID: "contrib",
	})
	if err != nil || rq.AnswerStatus != workflow.AnswerPendingReview {
		t.Fatalf("submit answer: %v", err)
	}
	// pending answers are locked for editing
	if _, err := env.Engine.SaveAnswer(env.Ctx, rq.ID, "edit", "contrib"); err == nil {
		t.Fatal("expected edit of pending answer to fail")
	}
	rq, err = env.Engine.TransitionAnswer(env.Ctx, engine.AnswerTransitionOptions{
		RequirementID: rq.ID, Action: workflow.ActionApprove, ActorID: "super",
	})
	if err != nil || rq.AnswerStatus != workflow.AnswerApproved {
		t.Fatalf("approve: %v", err)
	}
	rq, err = env.Engine.TransitionAnswer(env.Ctx, engine.AnswerTransitionOptions{
		RequirementID: rq.ID, Action: workflow.ActionConfirmAnswer, ActorID: "super",
	})
	if err != nil || rq.AnswerStatus != workflow.AnswerConfirmed {
		t.Fatalf("confirm: %v", err)
	}
	c, err := env.Engine.ComputeCompletion(env.Ctx, ix.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if c.Percent != 100 || !c.IsComplete || c.DerivedStatus != "completed" {
		t.Fatalf("completion: %+v", c)
	}
}

func TestCompletionRequiresUnbrokenLevelRun(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	confirm := func(level int) {
		t.Helper()
		ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
			RequirementID: rq.ID, MaturityLevel: level, DocumentName: "doc", ActorID: "contrib",
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range []engine.EvidenceTransitionOptions{
			{EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super"},
		} {
			if _, err := env.Engine.TransitionEvidence(env.Ctx, s); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
			EvidenceID: ev.ID, Filename: "f", Content: strings.NewReader("x"), ActorID: "contrib",
		}); err != nil {
			t.Fatal(err)
		}
		for _, s := range []engine.EvidenceTransitionOptions{
			{EvidenceID: ev.ID, Action: workflow.ActionSubmit, ActorID: "contrib"},
			{EvidenceID: ev.ID, Action: workflow.ActionMoveToAudit, ActorID: "super"},
			{EvidenceID: ev.ID, Action: workflow.ActionConfirm, ActorID: "super"},
		} {
			if _, err := env.Engine.TransitionEvidence(env.Ctx, s); err != nil {
				t.Fatal(err)
			}
		}
	}
	confirm(3)
	c, err := env.Engine.ComputeCompletion(env.Ctx, env.Index.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if c.Requirements[0].CurrentLevel != 0 {
		t.Fatalf("level 3 without 1 and 2 must not count, got %d", c.Requirements[0].CurrentLevel)
	}
	confirm(1)
	confirm(2)
	c, err = env.Engine.ComputeCompletion(env.Ctx, env.Index.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if c.Requirements[0].CurrentLevel != 3 || c.Requirements[0].Percent != 60 {
		t.Fatalf("expected level 3 / 60%%, got %+v", c.Requirements[0])
	}
}

func TestMembershipRules(t *testing.T) {
	env := newTestEnv(t)
	// duplicate membership is a validation error
	_, err := env.Engine.SetMembership(env.Ctx, env.Index.ID, "contrib", "supervisor", "owner")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for duplicate, got %v", err)
	}
	// supervisors cannot manage membership
	_, err = env.Engine.SetMembership(env.Ctx, env.Index.ID, "newbie", "contributor", "super")
	var fe policy.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	// role change with stale expected role conflicts
	_, err = env.Engine.UpdateMembershipRole(env.Ctx, env.Index.ID, "contrib", "supervisor", "supervisor", "owner")
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	m, err := env.Engine.UpdateMembershipRole(env.Ctx, env.Index.ID, "contrib", "contributor", "supervisor", "owner")
	if err != nil || m.Role != "supervisor" {
		t.Fatalf("role change: %v", err)
	}
	// the last owner cannot be removed or demoted
	if err := env.Engine.RemoveMembership(env.Ctx, env.Index.ID, "owner", "admin"); !errors.As(err, &ve) {
		t.Fatalf("expected last-owner guard, got %v", err)
	}
	if _, err := env.Engine.UpdateMembershipRole(env.Ctx, env.Index.ID, "owner", "owner", "contributor", "admin"); !errors.As(err, &ve) {
		t.Fatalf("expected last-owner guard on demote, got %v", err)
	}
	// a second owner unblocks removal
	if _, err := env.Engine.SetMembership(env.Ctx, env.Index.ID, "owner2", "owner", "owner"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveMembership(env.Ctx, env.Index.ID, "owner", "admin"); err != nil {
		t.Fatalf("remove after second owner: %v", err)
	}
}

func TestArchiveFreezesIndex(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ix, err := env.Engine.ArchiveIndex(env.Ctx, env.Index.ID, "owner")
	if err != nil || ix.ArchivedAt == nil {
		t.Fatalf("archive: %v", err)
	}
	// double archive is a validation error
	if _, err := env.Engine.ArchiveIndex(env.Ctx, env.Index.ID, "owner"); err == nil {
		t.Fatal("expected error on double archive")
	}
	if _, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	}); err == nil {
		t.Fatal("expected mutation on archived index to fail")
	}
	c, err := env.Engine.ComputeCompletion(env.Ctx, env.Index.ID, "owner")
	if err != nil || c.DerivedStatus != "archived" {
		t.Fatalf("derived status after archive: %v %s", err, c.DerivedStatus)
	}
}

func TestActivityLedger(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := env.Engine.ListActivity(env.Ctx, repo.ActivityFilters{IndexID: env.Index.ID}, "owner")
	if err != nil {
		t.Fatal(err)
	}
	// index.created, memberships, requirement.created, evidence.created
	if len(recs) < 4 {
		t.Fatalf("expected ledger entries, got %d", len(recs))
	}
	if recs[0].Action != "evidence.created" || recs[0].EntityID != ev.ID {
		t.Fatalf("newest entry: %+v", recs[0])
	}
	// outsiders cannot read a private ledger
	if _, err := env.Engine.ListActivity(env.Ctx, repo.ActivityFilters{IndexID: env.Index.ID}, "nobody"); err == nil {
		t.Fatal("expected outsider denied")
	}
	// the unscoped ledger is admin only
	if _, err := env.Engine.ListActivity(env.Ctx, repo.ActivityFilters{}, "owner"); err == nil {
		t.Fatal("expected unscoped ledger denied for non-admin")
	}
	all, err := env.Engine.ListActivity(env.Ctx, repo.ActivityFilters{}, "admin")
	if err != nil || len(all) < len(recs) {
		t.Fatalf("admin unscoped ledger: %v", err)
	}
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "follow up", IndexID: env.Index.ID, ActorID: "contrib",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress", ActorID: "contrib"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "completed", ActorID: "contrib"})
	if err != nil || task.Status != "completed" || task.CompletedAt == nil {
		t.Fatalf("to completed: %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "todo", ActorID: "contrib"}); err == nil {
		t.Fatal("expected transition error completed -> todo")
	}
}

func TestCreateIndexBootstrapsOwner(t *testing.T) {
	// newTestEnv designates "owner" before any actor row for it exists; the
	// create must write the actor row and the membership in one commit.
	env := newTestEnv(t)
	a, err := env.Engine.Repo.GetActor(env.Ctx, "owner")
	if err != nil {
		t.Fatalf("owner actor row: %v", err)
	}
	if a.GlobalRole != "none" {
		t.Fatalf("owner global role: %s", a.GlobalRole)
	}
	m, err := env.Engine.Repo.GetMembership(env.Ctx, env.Index.ID, "owner")
	if err != nil || m.Role != "owner" {
		t.Fatalf("owner membership: %v %+v", err, m)
	}
}

func TestAssignBootstrapsAssignee(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	// the assignee has never acted before
	ev, err = env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "newhire", ActorID: "super",
	})
	if err != nil || ev.AssigneeID != "newhire" {
		t.Fatalf("assign: %v (assignee %q)", err, ev.AssigneeID)
	}
	if _, err := env.Engine.Repo.GetActor(env.Ctx, "newhire"); err != nil {
		t.Fatalf("assignee actor row: %v", err)
	}
}

func TestTaskAccessControl(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "collect docs", IndexID: env.Index.ID, AssigneeID: "helper", ActorID: "contrib",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// neither creator, assignee nor management: denied
	var fe policy.ForbiddenError
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Status: "in_progress", ActorID: "nobody",
	}); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on update, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "nobody"); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on delete, got %v", err)
	}
	// the assignee may move the task, membership or not
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Status: "in_progress", ActorID: "helper",
	})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("assignee update: %v", err)
	}
	// supervisors of the task's index count as management
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Status: "completed", ActorID: "super",
	}); err != nil {
		t.Fatalf("supervisor update: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "admin"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestConcurrentConfirmLosesOnce(t *testing.T) {
	env := newTestEnv(t)
	rq := mustRequirement(t, env, "REQ-1")
	ev, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "contrib",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
		EvidenceID: ev.ID, Action: workflow.ActionAssign, AssigneeID: "contrib", ActorID: "super",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{
		EvidenceID: ev.ID, Filename: "f", Content: strings.NewReader("x"), ActorID: "contrib",
	}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []engine.EvidenceTransitionOptions{
		{EvidenceID: ev.ID, Action: workflow.ActionSubmit, ActorID: "contrib"},
		{EvidenceID: ev.ID, Action: workflow.ActionMoveToAudit, ActorID: "super"},
	} {
		if _, err := env.Engine.TransitionEvidence(env.Ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	// two reviewers race the same confirm; the guarded update must let
	// exactly one through and turn the other into a conflict
	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := env.Engine.TransitionEvidence(env.Ctx, engine.EvidenceTransitionOptions{
				EvidenceID: ev.ID, Action: workflow.ActionConfirm,
				ExpectedStatus: workflow.EvidenceReadyForAudit, ActorID: "super",
			})
			results <- err
		}()
	}
	close(start)
	var wins, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		var ce engine.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("want one winner and one conflict, got %d wins / %d conflicts", wins, conflicts)
	}
	got, err := env.Engine.Repo.GetEvidence(env.Ctx, ev.ID)
	if err != nil || got.Status != workflow.EvidenceConfirmed {
		t.Fatalf("final status: %v %s", err, got.Status)
	}
}

func TestPublicIndexOpensViewOnly(t *testing.T) {
	env := newTestEnv(t)
	pub := true
	if _, err := env.Engine.UpdateIndex(env.Ctx, engine.IndexUpdateOptions{
		IndexID: env.Index.ID, Public: &pub, ActorID: "owner",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ComputeCompletion(env.Ctx, env.Index.ID, "nobody"); err != nil {
		t.Fatalf("public view: %v", err)
	}
	rq := mustRequirement(t, env, "REQ-1")
	if _, err := env.Engine.CreateEvidence(env.Ctx, engine.EvidenceCreateOptions{
		RequirementID: rq.ID, MaturityLevel: 1, DocumentName: "doc", ActorID: "nobody",
	}); err == nil {
		t.Fatal("public must not open create")
	}
}
