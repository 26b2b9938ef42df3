// Package policy resolves what an actor may do against an index by combining
// a global role with a per-index scoped role. Evaluation is pure: no I/O, no
// mutation, safe from any goroutine.
package policy

import "fmt"

// GlobalRole is the platform-wide role tier. Only admins carry one; every
// other actor is GlobalNone and gets capabilities through memberships.
type GlobalRole int

const (
	GlobalNone GlobalRole = iota
	GlobalAdmin
)

func (r GlobalRole) String() string {
	if r == GlobalAdmin {
		return "admin"
	}
	return "none"
}

// ParseGlobalRole maps a stored role string to the enum. Unknown values
// collapse to GlobalNone rather than erroring; a bad row must never grant.
func ParseGlobalRole(s string) GlobalRole {
	if s == "admin" {
		return GlobalAdmin
	}
	return GlobalNone
}

// ScopedRole is the per-index role tier.
type ScopedRole int

const (
	ScopedNone ScopedRole = iota
	Contributor
	Supervisor
	Owner
)

func (r ScopedRole) String() string {
	switch r {
	case Contributor:
		return "contributor"
	case Supervisor:
		return "supervisor"
	case Owner:
		return "owner"
	}
	return "none"
}

func ParseScopedRole(s string) (ScopedRole, error) {
	switch s {
	case "contributor":
		return Contributor, nil
	case "supervisor":
		return Supervisor, nil
	case "owner":
		return Owner, nil
	case "", "none":
		return ScopedNone, nil
	}
	return ScopedNone, fmt.Errorf("unknown scoped role %q", s)
}

// Action is the closed set of operations the engine gates.
type Action int

const (
	View Action = iota
	Create
	EditContent
	Submit
	ReviewApprove
	ReviewReject
	Confirm
	ChangeRole
	Delete
	ManageMembership
)

var actionNames = map[Action]string{
	View:             "view",
	Create:           "create",
	EditContent:      "edit-content",
	Submit:           "submit",
	ReviewApprove:    "review-approve",
	ReviewReject:     "review-reject",
	Confirm:          "confirm",
	ChangeRole:       "change-role",
	Delete:           "delete",
	ManageMembership: "manage-membership",
}

func (a Action) String() string { return actionNames[a] }

func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return View, fmt.Errorf("unknown action %q", s)
}

// Decision is the evaluation result. Evaluation never errors; absence of a
// grant is a deny.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) Allowed() bool { return d == Allow }

// ForbiddenError is returned by callers of Evaluate when a deny must surface
// as an error. It is never retried.
type ForbiddenError struct {
	Action Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("action %s forbidden", e.Action)
}

// Evaluate resolves (global role, scoped role, action) to a decision.
// The global tier shadows the scoped tier: an admin is allowed everything.
// public gates View for actors with no membership on a public index.
func Evaluate(global GlobalRole, scoped ScopedRole, action Action, public bool) Decision {
	if global == GlobalAdmin {
		return Allow
	}
	switch scoped {
	case Owner:
		// Owner is maximal within its index.
		return Allow
	case Supervisor:
		switch action {
		case View, Submit, ReviewApprove, ReviewReject, Confirm:
			return Allow
		}
		return Deny
	case Contributor:
		switch action {
		case View, Create, EditContent, Submit:
			return Allow
		}
		return Deny
	}
	if action == View && public {
		return Allow
	}
	return Deny
}

// CanManageMembership decides whether a requester may create, change, or
// remove a membership carrying targetRole. Only a platform admin or an owner
// of the same index qualifies; the scoped role passed here must be the
// requester's role in that index, which blocks privilege self-escalation by
// supervisors and contributors.
func CanManageMembership(global GlobalRole, requesterScoped ScopedRole, targetRole ScopedRole) bool {
	if global == GlobalAdmin {
		return true
	}
	if requesterScoped != Owner {
		return false
	}
	// An owner of the index may grant or revoke any role, owner included.
	_ = targetRole
	return true
}
