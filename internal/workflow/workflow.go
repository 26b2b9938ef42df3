// Package workflow defines the transition-table state machines for evidence
// and requirement answers. Both lifecycles share one mechanism; each is a
// table instance with its own states, actions, and role guards.
package workflow

import (
	"fmt"

	"maturion/internal/policy"
)

// Evidence statuses.
const (
	EvidenceNotStarted       = "not_started"
	EvidenceAssigned         = "assigned"
	EvidenceInProgress       = "in_progress"
	EvidenceSubmitted        = "submitted"
	EvidenceReadyForAudit    = "ready_for_audit"
	EvidenceConfirmed        = "confirmed"
	EvidenceChangesRequested = "changes_requested"
)

// Evidence actions.
const (
	ActionAssign         = "assign"
	ActionUploadContent  = "upload-content"
	ActionSubmit         = "submit"
	ActionMoveToAudit    = "move-to-audit"
	ActionConfirm        = "confirm"
	ActionRequestChanges = "request-changes"
)

// Answer statuses.
const (
	AnswerDraft         = "draft"
	AnswerPendingReview = "pending_review"
	AnswerApproved      = "approved"
	AnswerRejected      = "rejected"
	AnswerConfirmed     = "confirmed"
)

// Answer actions.
const (
	ActionSubmitAnswer  = "submit"
	ActionApprove       = "approve"
	ActionReject        = "reject"
	ActionRevise        = "revise"
	ActionConfirmAnswer = "confirm"
)

// InvalidTransitionError means the action is not defined for the current
// state. It signals a caller bug, not a race; it is not retryable.
type InvalidTransitionError struct {
	Machine string
	From    string
	Action  string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: action %s not valid from status %s", e.Machine, e.Action, e.From)
}

// Transition is one row of a machine's table. Roles lists the scoped roles
// whose holders may take the action; the policy action names which policy
// gate applies (admins pass any gate).
type Transition struct {
	From   string
	Action string
	To     string
	Roles  []policy.ScopedRole
	Policy policy.Action
}

type Machine struct {
	Name        string
	Transitions []Transition
}

// Next returns the target status for (from, action), or an
// InvalidTransitionError when the table has no such row.
func (m Machine) Next(from, action string) (Transition, error) {
	for _, t := range m.Transitions {
		if t.From == from && t.Action == action {
			return t, nil
		}
	}
	return Transition{}, InvalidTransitionError{Machine: m.Name, From: from, Action: action}
}

// Actions returns the actions available from a status, for API discovery.
func (m Machine) Actions(from string) []string {
	var out []string
	for _, t := range m.Transitions {
		if t.From == from {
			out = append(out, t.Action)
		}
	}
	return out
}

// Guard reports whether the holder of the given roles may take the
// transition. Global admins bypass via policy.Evaluate.
func (t Transition) Guard(global policy.GlobalRole, scoped policy.ScopedRole) bool {
	if global == policy.GlobalAdmin {
		return true
	}
	for _, r := range t.Roles {
		if r == scoped {
			return true
		}
	}
	return false
}

var reviewers = []policy.ScopedRole{policy.Supervisor, policy.Owner}
var contributors = []policy.ScopedRole{policy.Contributor, policy.Owner}

// EvidenceMachine is the file-evidence lifecycle. changes_requested routes
// back to in_progress on the next content upload; confirmed is terminal for
// the current version.
var EvidenceMachine = Machine{
	Name: "evidence",
	Transitions: []Transition{
		{From: EvidenceNotStarted, Action: ActionAssign, To: EvidenceAssigned, Roles: reviewers, Policy: policy.ManageMembership},
		{From: EvidenceAssigned, Action: ActionUploadContent, To: EvidenceInProgress, Roles: contributors, Policy: policy.EditContent},
		{From: EvidenceInProgress, Action: ActionUploadContent, To: EvidenceInProgress, Roles: contributors, Policy: policy.EditContent},
		{From: EvidenceInProgress, Action: ActionSubmit, To: EvidenceSubmitted, Roles: contributors, Policy: policy.Submit},
		{From: EvidenceSubmitted, Action: ActionMoveToAudit, To: EvidenceReadyForAudit, Roles: reviewers, Policy: policy.ReviewApprove},
		{From: EvidenceSubmitted, Action: ActionRequestChanges, To: EvidenceChangesRequested, Roles: reviewers, Policy: policy.ReviewReject},
		{From: EvidenceReadyForAudit, Action: ActionConfirm, To: EvidenceConfirmed, Roles: reviewers, Policy: policy.Confirm},
		{From: EvidenceReadyForAudit, Action: ActionRequestChanges, To: EvidenceChangesRequested, Roles: reviewers, Policy: policy.ReviewReject},
		{From: EvidenceChangesRequested, Action: ActionUploadContent, To: EvidenceInProgress, Roles: contributors, Policy: policy.EditContent},
		// A new version against confirmed evidence restarts the review cycle.
		{From: EvidenceConfirmed, Action: ActionUploadContent, To: EvidenceInProgress, Roles: contributors, Policy: policy.EditContent},
	},
}

// AnswerMachine is the free-text requirement answer lifecycle.
var AnswerMachine = Machine{
	Name: "answer",
	Transitions: []Transition{
		{From: AnswerDraft, Action: ActionSubmitAnswer, To: AnswerPendingReview, Roles: contributors, Policy: policy.Submit},
		{From: AnswerPendingReview, Action: ActionApprove, To: AnswerApproved, Roles: reviewers, Policy: policy.ReviewApprove},
		{From: AnswerPendingReview, Action: ActionReject, To: AnswerRejected, Roles: reviewers, Policy: policy.ReviewReject},
		{From: AnswerPendingReview, Action: ActionRequestChanges, To: AnswerDraft, Roles: reviewers, Policy: policy.ReviewReject},
		{From: AnswerRejected, Action: ActionRevise, To: AnswerDraft, Roles: contributors, Policy: policy.EditContent},
		{From: AnswerRejected, Action: ActionSubmitAnswer, To: AnswerPendingReview, Roles: contributors, Policy: policy.Submit},
		{From: AnswerApproved, Action: ActionConfirmAnswer, To: AnswerConfirmed, Roles: reviewers, Policy: policy.Confirm},
	},
}
