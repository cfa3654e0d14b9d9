package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"dermatrust.org/internal/analysis"
	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/gateway"
	"dermatrust.org/internal/obs"
	"dermatrust.org/internal/records"
	"dermatrust.org/internal/report"
	"dermatrust.org/internal/session"
)

// ReadyProbe checks readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps collects the wired subsystem services the HTTP layer fronts.
type Deps struct {
	Credentials *credential.Service
	Sessions    *session.Manager
	Gateway     *gateway.Gateway
	Registry    *records.Registry
	Analyzer    analysis.Analyzer
	Renderer    report.Renderer
	Reports     *report.TokenIssuer
	Audit       *audit.Log
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	readyProbe ReadyProbe
	version    string
}

func New(deps Deps, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleRotatePassword)
	a.mux.HandleFunc("/v1/auth/mfa/enroll", a.handleEnrollMFA)

	// clinical resources
	a.mux.HandleFunc("/v1/images", a.handleImages)
	a.mux.HandleFunc("/v1/images/", a.handleImageResource)
	a.mux.HandleFunc("/v1/analyses", a.handleHistory)
	a.mux.HandleFunc("/v1/analyses/", a.handleAnalysisResource)
	a.mux.HandleFunc("/v1/reports/", a.handleReportResource)
	a.mux.HandleFunc("/v1/resources/", a.handleShare)

	// administration
	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUsers)
	a.mux.HandleFunc("/v1/admin/sessions/revoke", a.handleAdminRevokeSession)
	a.mux.HandleFunc("/v1/admin/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/admin/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/admin/audit/compensate", a.handleAuditCompensate)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 16<<20)
	h = RateLimit(h, 20, 10)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "dermatrust-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "dermatrust-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	const prefix = "bearer "
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func writeAuditFailure(action string, err error) {
	obs.LogEvent("httpapi.audit_append_failed", map[string]any{
		"action": action,
		"error":  err.Error(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
