package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"dermatrust.org/internal/access"
	"dermatrust.org/internal/analysis"
	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/records"
	"dermatrust.org/internal/report"
)

const maxImageBytes = 10 << 20

type shareRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

type annotateRequest struct {
	Note string `json:"note"`
}

type reportResponse struct {
	ReportID      string    `json:"report_id"`
	DownloadToken string    `json:"download_token"`
	CreatedAt     time.Time `json:"created_at"`
}

// POST /v1/images uploads a dermoscopic image (multipart field "image").
// Doctors may upload on behalf of a patient via the "owner_id" form value.
func (a *API) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "multipart form required")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read image")
		return
	}
	if len(content) == 0 || len(content) > maxImageBytes {
		writeError(w, r, http.StatusBadRequest, "image must be between 1 byte and 10 MiB")
		return
	}

	ownerOverride := strings.TrimSpace(r.FormValue("owner_id"))

	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionUpload,
		uploadResource(ownerOverride),
		func(ctx context.Context, actor *credential.User) (any, error) {
			owner := actor.ID
			if ownerOverride != "" {
				owner = ownerOverride
			}
			return a.deps.Registry.AddImage(ctx, owner, header.Filename, content)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	img := out.(*records.Image)
	w.Header().Set("Location", "/v1/images/"+img.ID)
	writeJSON(w, http.StatusCreated, img)
}

// uploadResource names the collection an upload lands in. Patients target
// their own collection; the empty override resolves to the actor at
// authorization time, which the owned-scope check accepts.
func uploadResource(ownerOverride string) string {
	if ownerOverride != "" {
		return records.HistoryPrefix + ownerOverride
	}
	return records.HistoryPrefix + "self"
}

// /v1/images/{id}, /v1/images/{id}/export, /v1/images/{id}/analyze
func (a *API) handleImageResource(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/images/")
	switch {
	case strings.HasSuffix(path, "/analyze"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.analyzeImage(w, r, token, strings.TrimSuffix(path, "/analyze"))
	case strings.HasSuffix(path, "/export"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.exportImage(w, r, token, strings.TrimSuffix(path, "/export"))
	case path != "" && !strings.Contains(path, "/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getImage(w, r, token, path)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getImage(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionView, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return a.deps.Registry.Image(ctx, id)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) exportImage(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionExport, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return a.deps.Registry.ImageContent(ctx, id)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.([]byte))
}

func (a *API) analyzeImage(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionAnalyze, id,
		func(ctx context.Context, actor *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			img, err := a.deps.Registry.Image(ctx, id)
			if err != nil {
				return nil, err
			}
			content, err := a.deps.Registry.ImageContent(ctx, id)
			if err != nil {
				return nil, err
			}
			res, err := a.deps.Analyzer.Analyze(ctx, content)
			if err != nil {
				return nil, err
			}
			level := analysis.Risk(res.MalignancyProbability)
			return a.deps.Registry.RecordAnalysis(ctx, &records.Analysis{
				ImageID:               img.ID,
				OwnerID:               img.OwnerID,
				SkinRatio:             res.SkinRatio,
				MalignancyProbability: res.MalignancyProbability,
				RiskLevel:             string(level),
				Advice:                analysis.Advice(level),
				ModelVersion:          res.ModelVersion,
			})
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GET /v1/analyses lists history. Patients see their own; doctors pass
// ?patient_id= to review someone else's.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))

	resource := records.HistoryPrefix + "self"
	if patientID != "" {
		resource = records.HistoryPrefix + patientID
	}
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionView, resource,
		func(ctx context.Context, actor *credential.User) (any, error) {
			owner := actor.ID
			if patientID != "" {
				owner = patientID
			}
			return a.deps.Registry.History(ctx, owner)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	items, _ := out.([]records.Analysis)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC(),
	})
}

// /v1/analyses/{id}, DELETE /v1/analyses/{id}, POST /v1/analyses/{id}/report,
// /v1/analyses/{id}/annotations
func (a *API) handleAnalysisResource(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/analyses/")
	if strings.HasSuffix(path, "/report") {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.generateReport(w, r, token, strings.TrimSuffix(path, "/report"))
		return
	}
	if strings.HasSuffix(path, "/annotations") {
		id := strings.TrimSuffix(path, "/annotations")
		switch r.Method {
		case http.MethodPost:
			a.annotateAnalysis(w, r, token, id)
		case http.MethodGet:
			a.listAnnotations(w, r, token, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
		return
	}
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getAnalysis(w, r, token, path)
	case http.MethodDelete:
		a.deleteAnalysis(w, r, token, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) getAnalysis(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionView, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return a.deps.Registry.Analysis(ctx, id)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) deleteAnalysis(w http.ResponseWriter, r *http.Request, token, id string) {
	_, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionDelete, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			return nil, a.deps.Registry.Delete(ctx, id)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) annotateAnalysis(w http.ResponseWriter, r *http.Request, token, id string) {
	var req annotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, r, http.StatusBadRequest, "note is required")
		return
	}
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionAnnotate, id,
		func(ctx context.Context, actor *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return a.deps.Registry.Annotate(ctx, id, actor.ID, req.Note)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) listAnnotations(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionView, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return a.deps.Registry.Annotations(ctx, id)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	notes, _ := out.([]records.Annotation)
	writeJSON(w, http.StatusOK, map[string]any{"items": notes})
}

func (a *API) generateReport(w http.ResponseWriter, r *http.Request, token, id string) {
	out, err := a.deps.Gateway.Perform(r.Context(), token, access.ActionGenerateReport, id,
		func(ctx context.Context, actor *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			an, err := a.deps.Registry.Analysis(ctx, id)
			if err != nil {
				return nil, err
			}
			img, err := a.deps.Registry.Image(ctx, an.ImageID)
			if err != nil {
				return nil, err
			}
			patientName := an.OwnerID
			if patient, err := a.deps.Credentials.Find(ctx, an.OwnerID); err == nil {
				patientName = patient.DisplayName
			}
			content, ctype, err := a.deps.Renderer.Render(report.Data{
				Analysis:    an,
				Image:       img,
				PatientName: patientName,
				GeneratedBy: actor.DisplayName,
				GeneratedAt: time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
			rep, err := a.deps.Registry.RecordReport(ctx, &records.Report{
				AnalysisID:  an.ID,
				PatientID:   an.OwnerID,
				GeneratedBy: actor.ID,
				ContentType: ctype,
				Content:     content,
			})
			if err != nil {
				return nil, err
			}
			dl, err := a.deps.Reports.Issue(rep.ID, actor.ID)
			if err != nil {
				return nil, err
			}
			return reportResponse{ReportID: rep.ID, DownloadToken: dl, CreatedAt: rep.CreatedAt}, nil
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// /v1/reports/{id}/download?token=... serves the artifact. The signed token
// is the sole authorization; it expires on its own clock.
func (a *API) handleReportResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	if !strings.HasSuffix(path, "/download") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimSuffix(path, "/download")

	claims, err := a.deps.Reports.Verify(r.URL.Query().Get("token"))
	if err != nil || claims.ReportID != id {
		writeError(w, r, http.StatusUnauthorized, "invalid or expired download token")
		return
	}
	rep, err := a.deps.Registry.Report(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "report not found")
		return
	}
	w.Header().Set("Content-Type", rep.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Content)
}

// POST /v1/resources/{id}/share grants view or export to another user.
// Sharing reaches exactly as far as the sharer's export rights.
func (a *API) handleShare(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/resources/")
	if !strings.HasSuffix(path, "/share") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	id := strings.TrimSuffix(path, "/share")

	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind := records.GrantKind(strings.TrimSpace(req.Kind))
	if kind != records.GrantView && kind != records.GrantExport {
		writeError(w, r, http.StatusBadRequest, "kind must be view or export")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	_, err = a.deps.Gateway.Perform(r.Context(), token, access.ActionExport, id,
		func(ctx context.Context, _ *credential.User) (any, error) {
			if err := a.requireLive(ctx, id); err != nil {
				return nil, err
			}
			return nil, a.deps.Registry.Share(ctx, req.UserID, id, kind)
		})
	if err != nil {
		a.gatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "shared"})
}

// requireLive rejects tombstoned resources as not found.
func (a *API) requireLive(ctx context.Context, id string) error {
	res, err := a.deps.Registry.Resource(ctx, id)
	if err != nil {
		return err
	}
	if res.Deleted {
		return records.ErrNotFound
	}
	return nil
}

func (a *API) gatewayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, records.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, analysis.ErrAnalysis):
		writeError(w, r, http.StatusBadGateway, "analysis failed")
	case errors.Is(err, records.ErrStorageUnavailable), errors.Is(err, audit.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	default:
		a.sessionError(w, r, err)
	}
}
