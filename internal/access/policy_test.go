package access

import (
	"context"
	"testing"

	"dermatrust.org/internal/credential"
)

type ownsFn func(userID, resourceID string, action Action) bool

func (f ownsFn) Owns(_ context.Context, userID, resourceID string, action Action) (bool, error) {
	return f(userID, resourceID, action), nil
}

func user(id string, role credential.Role) *credential.User {
	return &credential.User{ID: id, Role: role, Status: credential.StatusActive}
}

func TestPolicyTable(t *testing.T) {
	e := NewEvaluator(ownsFn(func(userID, resourceID string, _ Action) bool {
		return resourceID == "owned-by-"+userID
	}))
	ctx := context.Background()

	cases := []struct {
		name     string
		user     *credential.User
		action   Action
		resource string
		allowed  bool
		reason   Reason
	}{
		{"doctor views any", user("d1", credential.RoleDoctor), ActionView, "owned-by-p1", true, ""},
		{"doctor deletes any", user("d1", credential.RoleDoctor), ActionDelete, "owned-by-p1", true, ""},
		{"doctor cannot manage users", user("d1", credential.RoleDoctor), ActionManageUsers, "u1", false, ReasonInsufficientRole},
		{"patient views own", user("p1", credential.RolePatient), ActionView, "owned-by-p1", true, ""},
		{"patient views other", user("p1", credential.RolePatient), ActionView, "owned-by-p2", false, ReasonNotResourceOwner},
		{"patient cannot analyze own", user("p1", credential.RolePatient), ActionAnalyze, "owned-by-p1", false, ReasonInsufficientRole},
		{"patient cannot delete own", user("p1", credential.RolePatient), ActionDelete, "owned-by-p1", false, ReasonInsufficientRole},
		{"patient exports own", user("p1", credential.RolePatient), ActionExport, "owned-by-p1", true, ""},
		{"admin manages sessions", user("a1", credential.RoleAdmin), ActionManageSessions, "s1", true, ""},
		{"admin reads audit", user("a1", credential.RoleAdmin), ActionAuditRead, "audit", true, ""},
		{"admin cannot view clinical data", user("a1", credential.RoleAdmin), ActionView, "owned-by-p1", false, ReasonInsufficientRole},
		{"admin cannot analyze", user("a1", credential.RoleAdmin), ActionAnalyze, "owned-by-p1", false, ReasonInsufficientRole},
		{"nil user denied", nil, ActionView, "owned-by-p1", false, ReasonSessionInvalid},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d, err := e.Authorize(ctx, c.user, c.action, c.resource)
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if d.Allowed != c.allowed {
				t.Fatalf("allowed = %v, want %v", d.Allowed, c.allowed)
			}
			if !c.allowed && d.Reason != c.reason {
				t.Fatalf("reason = %q, want %q", d.Reason, c.reason)
			}
		})
	}
}

func TestUnknownActionDenied(t *testing.T) {
	e := NewEvaluator(ownsFn(func(string, string, Action) bool { return true }))
	d, err := e.Authorize(context.Background(), user("d1", credential.RoleDoctor), Action("made_up"), "r1")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("unknown action must be denied")
	}
	if d.Reason != ReasonInsufficientRole {
		t.Fatalf("reason = %q", d.Reason)
	}
}
