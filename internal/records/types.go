package records

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("records: not found")
	ErrStorageUnavailable = errors.New("records: storage unavailable")
)

// Kind classifies a clinical resource.
type Kind string

const (
	KindImage    Kind = "image"
	KindAnalysis Kind = "analysis"
	KindReport   Kind = "report"
)

// Resource is the subsystem's view of a clinical artifact: an identifier,
// its kind and its owning patient. Content lives with the upper layers.
type Resource struct {
	ID        string
	Kind      Kind
	OwnerID   string
	CreatedAt time.Time
	Deleted   bool // tombstone; rows are never removed
}

// Image is an uploaded dermatological image record.
type Image struct {
	ID         string
	OwnerID    string
	Filename   string
	SHA256     string
	Size       int64
	UploadedAt time.Time
}

// Analysis is a persisted model invocation result.
type Analysis struct {
	ID                    string
	ImageID               string
	OwnerID               string
	SkinRatio             float64
	MalignancyProbability float64
	RiskLevel             string
	Advice                string
	ModelVersion          string
	CreatedAt             time.Time
}

// Report is a rendered clinical report artifact.
type Report struct {
	ID          string
	AnalysisID  string
	PatientID   string
	GeneratedBy string
	ContentType string
	Content     []byte
	CreatedAt   time.Time
}

// Annotation is a clinician note attached to a resource. Annotations are
// append-only; corrections are new annotations.
type Annotation struct {
	ID         string
	ResourceID string
	AuthorID   string
	Note       string
	CreatedAt  time.Time
}

// GrantKind is the permission-kind leg of the ownership relation.
type GrantKind string

const (
	GrantOwner  GrantKind = "owner"
	GrantView   GrantKind = "view"
	GrantExport GrantKind = "export"
)

// Grant names one (user, resource, permission-kind) tuple.
type Grant struct {
	UserID     string
	ResourceID string
	Kind       GrantKind
	CreatedAt  time.Time
}
