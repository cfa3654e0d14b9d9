package report

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"dermatrust.org/internal/records"
)

// Disclaimer accompanies every generated report. Regulatory wording; do not
// edit without clinical sign-off.
const Disclaimer = "This report was produced by an automated decision-support tool. " +
	"It is not a diagnosis. All findings must be reviewed by a qualified dermatologist."

// Data is the input to a Renderer: the analysis plus display context.
type Data struct {
	Analysis    *records.Analysis
	Image       *records.Image
	PatientName string
	GeneratedBy string
	GeneratedAt time.Time
}

// Renderer turns analysis data into a report artifact.
type Renderer interface {
	Render(d Data) (content []byte, contentType string, err error)
}

const textTemplate = `DermaTrust Clinical Report
==========================

Generated: {{.GeneratedAt.Format "2006-01-02 15:04 MST"}}
Generated by: {{.GeneratedBy}}
Patient: {{.PatientName}}

Image
-----
File: {{.Image.Filename}}
SHA-256: {{.Image.SHA256}}
Uploaded: {{.Image.UploadedAt.Format "2006-01-02 15:04 MST"}}

Findings
--------
Skin coverage ratio: {{printf "%.1f%%" (pct .Analysis.SkinRatio)}}
Malignancy probability: {{printf "%.1f%%" (pct .Analysis.MalignancyProbability)}}
Risk level: {{.Analysis.RiskLevel}}
Model version: {{.Analysis.ModelVersion}}

Recommendation
--------------
{{.Analysis.Advice}}

{{.Disclaimer}}
`

// TextRenderer renders plain-text reports.
type TextRenderer struct {
	tmpl *template.Template
}

// NewTextRenderer compiles the report template.
func NewTextRenderer() (*TextRenderer, error) {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"pct": func(v float64) float64 { return v * 100 },
	}).Parse(textTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile report template: %w", err)
	}
	return &TextRenderer{tmpl: tmpl}, nil
}

// Render produces the text/plain artifact.
func (r *TextRenderer) Render(d Data) ([]byte, string, error) {
	if d.Analysis == nil || d.Image == nil {
		return nil, "", fmt.Errorf("report: incomplete data")
	}
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, struct {
		Data
		Disclaimer string
	}{Data: d, Disclaimer: Disclaimer})
	if err != nil {
		return nil, "", fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), "text/plain; charset=utf-8", nil
}
