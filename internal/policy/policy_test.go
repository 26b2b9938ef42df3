package policy

import "testing"

func TestAdminShadowsScopedRoles(t *testing.T) {
	actions := []Action{View, Create, EditContent, Submit, ReviewApprove, ReviewReject, Confirm, ChangeRole, Delete, ManageMembership}
	for _, a := range actions {
		if !Evaluate(GlobalAdmin, ScopedNone, a, false).Allowed() {
			t.Fatalf("admin denied %s", a)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	for g := GlobalNone; g <= GlobalAdmin; g++ {
		for s := ScopedNone; s <= Owner; s++ {
			for a := View; a <= ManageMembership; a++ {
				first := Evaluate(g, s, a, false)
				if second := Evaluate(g, s, a, false); second != first {
					t.Fatalf("evaluate(%v,%v,%v) not deterministic: %v then %v", g, s, a, first, second)
				}
			}
		}
	}
}

func TestContributorGrants(t *testing.T) {
	allowed := map[Action]bool{View: true, Create: true, EditContent: true, Submit: true}
	for a := View; a <= ManageMembership; a++ {
		got := Evaluate(GlobalNone, Contributor, a, false).Allowed()
		if got != allowed[a] {
			t.Fatalf("contributor %s: got allow=%v", a, got)
		}
	}
}

func TestSupervisorGrants(t *testing.T) {
	allowed := map[Action]bool{View: true, Submit: true, ReviewApprove: true, ReviewReject: true, Confirm: true}
	for a := View; a <= ManageMembership; a++ {
		got := Evaluate(GlobalNone, Supervisor, a, false).Allowed()
		if got != allowed[a] {
			t.Fatalf("supervisor %s: got allow=%v", a, got)
		}
	}
}

func TestOwnerIsMaximalInIndex(t *testing.T) {
	for a := View; a <= ManageMembership; a++ {
		if !Evaluate(GlobalNone, Owner, a, false).Allowed() {
			t.Fatalf("owner denied %s", a)
		}
	}
}

func TestNoMembership(t *testing.T) {
	if Evaluate(GlobalNone, ScopedNone, View, false).Allowed() {
		t.Fatal("view allowed on private index without membership")
	}
	if !Evaluate(GlobalNone, ScopedNone, View, true).Allowed() {
		t.Fatal("view denied on public index")
	}
	if Evaluate(GlobalNone, ScopedNone, Submit, true).Allowed() {
		t.Fatal("public only opens view")
	}
}

func TestCanManageMembership(t *testing.T) {
	if !CanManageMembership(GlobalAdmin, ScopedNone, Owner) {
		t.Fatal("admin blocked from membership change")
	}
	if !CanManageMembership(GlobalNone, Owner, Supervisor) {
		t.Fatal("owner blocked from granting supervisor")
	}
	if !CanManageMembership(GlobalNone, Owner, Owner) {
		t.Fatal("owner blocked from granting owner in own index")
	}
	if CanManageMembership(GlobalNone, Supervisor, Contributor) {
		t.Fatal("supervisor allowed to manage memberships")
	}
	if CanManageMembership(GlobalNone, Contributor, Contributor) {
		t.Fatal("contributor allowed to manage memberships")
	}
	if CanManageMembership(GlobalNone, ScopedNone, Contributor) {
		t.Fatal("non-member allowed to manage memberships")
	}
}

func TestParseRoundTrips(t *testing.T) {
	for _, s := range []string{"owner", "supervisor", "contributor", "none"} {
		r, err := ParseScopedRole(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if s != "none" && r.String() != s {
			t.Fatalf("round trip %s got %s", s, r)
		}
	}
	if _, err := ParseScopedRole("OWNER"); err == nil {
		t.Fatal("case-variant role accepted")
	}
	if ParseGlobalRole("ADMIN") != GlobalNone {
		t.Fatal("unknown global role must not grant")
	}
}
