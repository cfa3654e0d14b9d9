package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/session"
)

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTPCode  string `json:"otp_code"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type rotatePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role := credential.Role(strings.TrimSpace(req.Role))
	if !credential.ValidRole(role) {
		writeError(w, r, http.StatusBadRequest, "role must be doctor, patient or admin")
		return
	}
	user, err := a.deps.Credentials.Register(r.Context(), req.Username, req.DisplayName, req.Email, req.Password, role)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrDuplicateIdentity):
			writeError(w, r, http.StatusConflict, "username already taken")
		case errors.Is(err, credential.ErrWeakCredential):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	a.auditEvent(r, audit.Entry{
		UserID:   user.ID,
		Action:   "auth.register",
		Resource: user.ID,
		Outcome:  audit.OutcomeAllowed,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.deps.Credentials.Verify(r.Context(), req.Username, req.Password, req.OTPCode)
	if err != nil {
		a.auditEvent(r, audit.Entry{
			Action:   "auth.login",
			Resource: strings.ToLower(strings.TrimSpace(req.Username)),
			Outcome:  audit.OutcomeDenied,
			Reason:   err.Error(),
		})
		switch {
		case errors.Is(err, credential.ErrAccountLocked):
			writeError(w, r, http.StatusForbidden, "account locked")
		case errors.Is(err, credential.ErrInvalidCredential), errors.Is(err, credential.ErrNotFound):
			// One answer for bad user and bad password.
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			writeError(w, r, http.StatusInternalServerError, "authentication error")
		}
		return
	}

	token, sess, err := a.deps.Sessions.Create(r.Context(), user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session creation failed")
		return
	}

	a.auditEvent(r, audit.Entry{
		UserID:    user.ID,
		SessionID: sess.ID,
		Action:    "auth.login",
		Resource:  user.ID,
		Outcome:   audit.OutcomeAllowed,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Role:      string(user.Role),
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	sess, user, vErr := a.deps.Sessions.Validate(r.Context(), token)
	if err := a.deps.Sessions.Revoke(r.Context(), token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	if vErr == nil {
		a.auditEvent(r, audit.Entry{
			UserID:    user.ID,
			SessionID: sess.ID,
			Action:    "auth.logout",
			Resource:  sess.ID,
			Outcome:   audit.OutcomeAllowed,
		})
	}
	// Idempotent: logging out an expired or revoked token still succeeds.
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleRotatePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	sess, user, err := a.deps.Sessions.Validate(r.Context(), token)
	if err != nil {
		a.sessionError(w, r, err)
		return
	}
	var req rotatePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err = a.deps.Credentials.RotatePassword(r.Context(), user.ID, req.OldPassword, req.NewPassword)
	if err != nil {
		a.auditEvent(r, audit.Entry{
			UserID:    user.ID,
			SessionID: sess.ID,
			Action:    "auth.password.rotate",
			Resource:  user.ID,
			Outcome:   audit.OutcomeDenied,
			Reason:    err.Error(),
		})
		switch {
		case errors.Is(err, credential.ErrInvalidCredential):
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, credential.ErrWeakCredential):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "password rotation failed")
		}
		return
	}

	a.auditEvent(r, audit.Entry{
		UserID:    user.ID,
		SessionID: sess.ID,
		Action:    "auth.password.rotate",
		Resource:  user.ID,
		Outcome:   audit.OutcomeAllowed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "rotated"})
}

func (a *API) handleEnrollMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	sess, user, err := a.deps.Sessions.Validate(r.Context(), token)
	if err != nil {
		a.sessionError(w, r, err)
		return
	}

	otpURL, err := a.deps.Credentials.EnrollMFA(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "mfa enrollment failed")
		return
	}
	a.auditEvent(r, audit.Entry{
		UserID:    user.ID,
		SessionID: sess.ID,
		Action:    "auth.mfa.enroll",
		Resource:  user.ID,
		Outcome:   audit.OutcomeAllowed,
	})
	// The provisioning URL is shown exactly once; only the secret digest of
	// future codes ever crosses this API again.
	writeJSON(w, http.StatusOK, map[string]any{"otpauth_url": otpURL})
}

func (a *API) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, "session expired")
	case errors.Is(err, session.ErrSessionRevoked):
		writeError(w, r, http.StatusUnauthorized, "session revoked")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, r, http.StatusUnauthorized, "invalid session")
	case errors.Is(err, session.ErrStorageUnavailable), errors.Is(err, credential.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "session validation failed")
	}
}

func (a *API) auditEvent(r *http.Request, e audit.Entry) {
	if _, err := a.deps.Audit.Append(r.Context(), e); err != nil {
		// The auth endpoints stay available; the failure itself is logged.
		writeAuditFailure(e.Action, err)
	}
}
