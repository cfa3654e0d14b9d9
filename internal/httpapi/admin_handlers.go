package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dermatrust.org/internal/access"
	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
)

type revokeSessionRequest struct {
	SessionID string `json:"session_id"`
}

type verifyRequest struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

type compensateRequest struct {
	Seq  uint64 `json:"seq"`
	Note string `json:"note"`
}

type auditListResponse struct {
	Items     []audit.Entry `json:"items"`
	NextAfter uint64        `json:"next_after"`
	AsOf      time.Time     `json:"as_of"`
}

// /v1/admin/users/{id}/unlock, /v1/admin/users/{id}/disable
func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")

	var userID string
	var op func(context.Context, string) error
	switch {
	case strings.HasSuffix(path, "/unlock"):
		userID = strings.TrimSuffix(path, "/unlock")
		op = a.deps.Credentials.Unlock
	case strings.HasSuffix(path, "/disable"):
		userID = strings.TrimSuffix(path, "/disable")
		op = a.deps.Credentials.Disable
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if userID == "" {
		writeError(w, r, http.StatusNotFound, "user not found")
		return
	}

	_, err = a.deps.Gateway.Perform(r.Context(), token, access.ActionManageUsers, userID,
		func(ctx context.Context, _ *credential.User) (any, error) {
			return nil, op(ctx, userID)
		})
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleAdminRevokeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req revokeSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}

	_, err = a.deps.Gateway.Perform(r.Context(), token, access.ActionManageSessions, req.SessionID,
		func(ctx context.Context, _ *credential.User) (any, error) {
			return nil, a.deps.Sessions.RevokeID(ctx, req.SessionID)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// GET /v1/admin/audit lists entries with optional filters.
func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		UserID:    strings.TrimSpace(q.Get("user_id")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Action:    strings.TrimSpace(q.Get("action")),
		Outcome:   audit.Outcome(strings.TrimSpace(q.Get("outcome"))),
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseSeq(q.Get("after"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionAuditRead, "audit",
		func(ctx context.Context, _ *credential.User) (any, error) {
			it := a.deps.Audit.Query(filter)
			it.Seek(after)
			items := make([]audit.Entry, 0, limit)
			for len(items) < limit {
				e, ok, err := it.Next(ctx)
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				items = append(items, *e)
			}
			next := after
			if len(items) > 0 {
				next = items[len(items)-1].Seq
			}
			return auditListResponse{Items: items, NextAfter: next, AsOf: time.Now().UTC()}, nil
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /v1/admin/audit/verify recomputes the hash chain over a range.
func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionAuditRead, "audit",
		func(ctx context.Context, _ *credential.User) (any, error) {
			verr := a.deps.Audit.VerifyChain(ctx, req.FromSeq, req.ToSeq)
			var tampered *audit.TamperError
			if errors.As(verr, &tampered) {
				return map[string]any{"intact": false, "tampered_seq": tampered.Seq}, nil
			}
			if verr != nil {
				return nil, verr
			}
			return map[string]any{"intact": true}, nil
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /v1/admin/audit/compensate appends a correction entry.
func (a *API) handleAuditCompensate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req compensateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Seq == 0 {
		writeError(w, r, http.StatusBadRequest, "seq is required")
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, r, http.StatusBadRequest, "note is required")
		return
	}

	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionAuditRead, "audit",
		func(ctx context.Context, actor *credential.User) (any, error) {
			return a.deps.Audit.Compensate(ctx, req.Seq, actor.ID, req.Note)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func parseSeq(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
