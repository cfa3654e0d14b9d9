package access

import (
	"context"
	"errors"

	"dermatrust.org/internal/credential"
)

// ErrAccessDenied is the only authorization error callers ever see. The
// distinguishing reason is recorded in the audit trail, never returned, so
// policy structure does not leak to untrusted clients.
var ErrAccessDenied = errors.New("access denied")

// Action is a gated operation on a clinical resource or the system itself.
type Action string

const (
	ActionView           Action = "view"
	ActionAnnotate       Action = "annotate"
	ActionExport         Action = "export"
	ActionUpload         Action = "upload"
	ActionAnalyze        Action = "analyze"
	ActionGenerateReport Action = "generate_report"
	ActionDelete         Action = "delete"
	ActionManageUsers    Action = "manage_users"
	ActionManageSessions Action = "manage_sessions"
	ActionAuditRead      Action = "audit_read"
)

// Reason is the internal denial reason recorded in audit entries.
type Reason string

const (
	ReasonInsufficientRole Reason = "insufficient_role"
	ReasonNotResourceOwner Reason = "not_resource_owner"
	ReasonSessionInvalid   Reason = "session_invalid"
)

// Scope is how far a role's grant for an action reaches.
type Scope int

const (
	ScopeNone  Scope = iota // action never allowed for the role
	ScopeOwned              // allowed only on resources the user owns
	ScopeAny                // allowed on any resource
)

// policy is the declarative role × action table. One table, one evaluation
// function; no scattered role checks.
var policy = map[credential.Role]map[Action]Scope{
	credential.RoleDoctor: {
		ActionView:           ScopeAny,
		ActionAnnotate:       ScopeAny,
		ActionExport:         ScopeAny,
		ActionUpload:         ScopeAny,
		ActionAnalyze:        ScopeAny,
		ActionGenerateReport: ScopeAny,
		ActionDelete:         ScopeAny,
	},
	credential.RolePatient: {
		ActionView:   ScopeOwned,
		ActionExport: ScopeOwned,
		ActionUpload: ScopeOwned,
	},
	credential.RoleAdmin: {
		ActionManageUsers:    ScopeAny,
		ActionManageSessions: ScopeAny,
		ActionAuditRead:      ScopeAny,
	},
}

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow and Deny are the two decision constructors.
func Allow() Decision        { return Decision{Allowed: true} }
func Deny(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// OwnershipChecker resolves the (user, resource, permission-kind) relation.
type OwnershipChecker interface {
	Owns(ctx context.Context, userID, resourceID string, action Action) (bool, error)
}

// Evaluator is the stateless access decision component.
type Evaluator struct {
	owners OwnershipChecker
}

// NewEvaluator constructs an Evaluator over an ownership relation.
func NewEvaluator(owners OwnershipChecker) *Evaluator {
	return &Evaluator{owners: owners}
}

// Authorize decides whether user may perform action on resource. A nil user
// (no valid session) is always denied with ReasonSessionInvalid.
func (e *Evaluator) Authorize(ctx context.Context, user *credential.User, action Action, resourceID string) (Decision, error) {
	if user == nil {
		return Deny(ReasonSessionInvalid), nil
	}
	scope, ok := policy[user.Role][action]
	if !ok || scope == ScopeNone {
		return Deny(ReasonInsufficientRole), nil
	}
	if scope == ScopeAny {
		return Allow(), nil
	}
	owns, err := e.owners.Owns(ctx, user.ID, resourceID, action)
	if err != nil {
		return Decision{}, err
	}
	if !owns {
		return Deny(ReasonNotResourceOwner), nil
	}
	return Allow(), nil
}
