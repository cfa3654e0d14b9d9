package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"dermatrust.org/internal/records"
)

func sampleData() Data {
	return Data{
		Analysis: &records.Analysis{
			ID:                    "an_1",
			SkinRatio:             0.91,
			MalignancyProbability: 0.34,
			RiskLevel:             "moderate",
			Advice:                "A dermatologist review within the next weeks is recommended.",
			ModelVersion:          "sim-1",
		},
		Image: &records.Image{
			ID:       "img_1",
			Filename: "lesion.png",
			SHA256:   "abc123",
		},
		PatientName: "P. Example",
		GeneratedBy: "Dr. Reviewer",
		GeneratedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTextRendererIncludesFindingsAndDisclaimer(t *testing.T) {
	r, err := NewTextRenderer()
	if err != nil {
		t.Fatalf("NewTextRenderer: %v", err)
	}
	content, ctype, err := r.Render(sampleData())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(ctype, "text/plain") {
		t.Fatalf("unexpected content type %q", ctype)
	}
	body := string(content)
	for _, want := range []string{"34.0%", "moderate", "lesion.png", Disclaimer} {
		if !strings.Contains(body, want) {
			t.Errorf("report missing %q:\n%s", want, body)
		}
	}
}

func TestTextRendererRejectsIncompleteData(t *testing.T) {
	r, err := NewTextRenderer()
	if err != nil {
		t.Fatalf("NewTextRenderer: %v", err)
	}
	if _, _, err := r.Render(Data{}); err == nil {
		t.Fatal("want error for missing analysis/image")
	}
}

func TestDownloadTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), 10*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, err := issuer.Issue("rep_1", "usr_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ReportID != "rep_1" || claims.Subject != "usr_1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestDownloadTokenExpiry(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return base }

	token, err := issuer.Issue("rep_1", "usr_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	issuer.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidDownloadToken) {
		t.Fatalf("want ErrInvalidDownloadToken after expiry, got %v", err)
	}
}

func TestDownloadTokenWrongSecret(t *testing.T) {
	a, _ := NewTokenIssuer([]byte("secret-a"), time.Minute)
	b, _ := NewTokenIssuer([]byte("secret-b"), time.Minute)
	token, err := a.Issue("rep_1", "usr_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidDownloadToken) {
		t.Fatalf("want ErrInvalidDownloadToken for wrong secret, got %v", err)
	}
}
