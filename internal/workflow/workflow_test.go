package workflow

import (
	"errors"
	"testing"

	"maturion/internal/policy"
)

func TestEvidenceHappyPath(t *testing.T) {
	steps := []struct {
		from, action, to string
	}{
		{EvidenceNotStarted, ActionAssign, EvidenceAssigned},
		{EvidenceAssigned, ActionUploadContent, EvidenceInProgress},
		{EvidenceInProgress, ActionSubmit, EvidenceSubmitted},
		{EvidenceSubmitted, ActionMoveToAudit, EvidenceReadyForAudit},
		{EvidenceReadyForAudit, ActionConfirm, EvidenceConfirmed},
	}
	for _, s := range steps {
		tr, err := EvidenceMachine.Next(s.from, s.action)
		if err != nil {
			t.Fatalf("%s/%s: %v", s.from, s.action, err)
		}
		if tr.To != s.to {
			t.Fatalf("%s/%s: got %s want %s", s.from, s.action, tr.To, s.to)
		}
	}
}

func TestEvidenceChangesRequestedCycle(t *testing.T) {
	tr, err := EvidenceMachine.Next(EvidenceReadyForAudit, ActionRequestChanges)
	if err != nil || tr.To != EvidenceChangesRequested {
		t.Fatalf("request-changes: %v %v", tr, err)
	}
	tr, err = EvidenceMachine.Next(EvidenceChangesRequested, ActionUploadContent)
	if err != nil || tr.To != EvidenceInProgress {
		t.Fatalf("upload after changes requested: %v %v", tr, err)
	}
}

func TestNoStateSkipping(t *testing.T) {
	cases := []struct{ from, action string }{
		{EvidenceNotStarted, ActionConfirm},
		{EvidenceNotStarted, ActionSubmit},
		{EvidenceInProgress, ActionConfirm},
		{EvidenceSubmitted, ActionConfirm},
		{EvidenceConfirmed, ActionConfirm},
		{EvidenceAssigned, ActionMoveToAudit},
	}
	for _, c := range cases {
		_, err := EvidenceMachine.Next(c.from, c.action)
		var ite InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("%s/%s: expected InvalidTransitionError, got %v", c.from, c.action, err)
		}
	}
}

func TestEvidenceGuards(t *testing.T) {
	confirm, err := EvidenceMachine.Next(EvidenceReadyForAudit, ActionConfirm)
	if err != nil {
		t.Fatal(err)
	}
	if confirm.Guard(policy.GlobalNone, policy.Contributor) {
		t.Fatal("contributor allowed to confirm")
	}
	if !confirm.Guard(policy.GlobalNone, policy.Supervisor) {
		t.Fatal("supervisor blocked from confirm")
	}
	if !confirm.Guard(policy.GlobalNone, policy.Owner) {
		t.Fatal("owner blocked from confirm")
	}
	if !confirm.Guard(policy.GlobalAdmin, policy.ScopedNone) {
		t.Fatal("admin blocked from confirm")
	}
	upload, err := EvidenceMachine.Next(EvidenceInProgress, ActionUploadContent)
	if err != nil {
		t.Fatal(err)
	}
	if upload.Guard(policy.GlobalNone, policy.Supervisor) {
		t.Fatal("supervisor allowed to upload content")
	}
	if !upload.Guard(policy.GlobalNone, policy.Contributor) {
		t.Fatal("contributor blocked from upload")
	}
}

func TestAnswerLifecycle(t *testing.T) {
	tr, err := AnswerMachine.Next(AnswerDraft, ActionSubmitAnswer)
	if err != nil || tr.To != AnswerPendingReview {
		t.Fatalf("submit: %v %v", tr, err)
	}
	tr, err = AnswerMachine.Next(AnswerPendingReview, ActionApprove)
	if err != nil || tr.To != AnswerApproved {
		t.Fatalf("approve: %v %v", tr, err)
	}
	tr, err = AnswerMachine.Next(AnswerApproved, ActionConfirmAnswer)
	if err != nil || tr.To != AnswerConfirmed {
		t.Fatalf("confirm: %v %v", tr, err)
	}
	tr, err = AnswerMachine.Next(AnswerPendingReview, ActionReject)
	if err != nil || tr.To != AnswerRejected {
		t.Fatalf("reject: %v %v", tr, err)
	}
	tr, err = AnswerMachine.Next(AnswerRejected, ActionRevise)
	if err != nil || tr.To != AnswerDraft {
		t.Fatalf("revise: %v %v", tr, err)
	}
	if _, err := AnswerMachine.Next(AnswerConfirmed, ActionSubmitAnswer); err == nil {
		t.Fatal("confirmed answer must be terminal")
	}
}

func TestActionsDiscovery(t *testing.T) {
	got := EvidenceMachine.Actions(EvidenceReadyForAudit)
	if len(got) != 2 {
		t.Fatalf("expected 2 actions from ready_for_audit, got %v", got)
	}
}
