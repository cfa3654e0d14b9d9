package gateway

import (
	"context"
	"errors"

	"dermatrust.org/internal/access"
	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/obs"
	"dermatrust.org/internal/session"
)

// Operation is the externally supplied business logic run once the caller is
// authenticated and authorized (fetch image bytes, invoke the model, ...).
type Operation func(ctx context.Context, actor *credential.User) (any, error)

// Gateway is the single entry point for every gated action. Nothing reaches
// an Operation without a validated session, an authorization decision and an
// audit entry covering the outcome.
type Gateway struct {
	sessions *session.Manager
	access   *access.Evaluator
	log      *audit.Log
}

// New constructs a Gateway.
func New(sessions *session.Manager, eval *access.Evaluator, log *audit.Log) *Gateway {
	return &Gateway{sessions: sessions, access: eval, log: log}
}

// Perform validates the token, authorizes the action and runs op, appending
// exactly one audit entry per call regardless of outcome. Denials surface as
// access.ErrAccessDenied with the distinguishing reason recorded only in the
// audit trail; session failures surface their own errors.
func (g *Gateway) Perform(ctx context.Context, token string, action access.Action, resourceID string, op Operation) (any, error) {
	sess, user, err := g.sessions.Validate(ctx, token)
	if err != nil {
		outcome := audit.OutcomeDenied
		if errors.Is(err, session.ErrStorageUnavailable) {
			outcome = audit.OutcomeError
		}
		g.record(ctx, audit.Entry{
			Action:   string(action),
			Resource: resourceID,
			Outcome:  outcome,
			Reason:   string(access.ReasonSessionInvalid) + ": " + err.Error(),
		})
		return nil, err
	}

	decision, err := g.access.Authorize(ctx, user, action, resourceID)
	if err != nil {
		g.record(ctx, audit.Entry{
			UserID:    user.ID,
			SessionID: sess.ID,
			Action:    string(action),
			Resource:  resourceID,
			Outcome:   audit.OutcomeError,
			Reason:    err.Error(),
		})
		return nil, err
	}
	if !decision.Allowed {
		g.record(ctx, audit.Entry{
			UserID:    user.ID,
			SessionID: sess.ID,
			Action:    string(action),
			Resource:  resourceID,
			Outcome:   audit.OutcomeDenied,
			Reason:    string(decision.Reason),
		})
		return nil, access.ErrAccessDenied
	}

	out, opErr := op(ctx, user)

	entry := audit.Entry{
		UserID:    user.ID,
		SessionID: sess.ID,
		Action:    string(action),
		Resource:  resourceID,
		Outcome:   audit.OutcomeAllowed,
	}
	if opErr != nil {
		entry.Outcome = audit.OutcomeError
		entry.Reason = opErr.Error()
	}
	// Audit completeness outranks noise suppression: the entry is committed
	// even when the operation already failed with partial side effects.
	if _, auditErr := g.log.Append(ctx, entry); auditErr != nil {
		obs.LogEvent("gateway.audit_append_failed", map[string]any{
			"action": string(action),
			"error":  auditErr.Error(),
		})
		if opErr == nil {
			return nil, auditErr
		}
	}
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// record appends a best-effort audit entry for a request that never reached
// its operation. Failures are logged, not surfaced: the caller's error
// already describes the denial.
func (g *Gateway) record(ctx context.Context, e audit.Entry) {
	if _, err := g.log.Append(ctx, e); err != nil {
		obs.LogEvent("gateway.audit_append_failed", map[string]any{
			"action": e.Action,
			"error":  err.Error(),
		})
	}
}
