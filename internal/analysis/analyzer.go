package analysis

import (
	"context"
	"errors"
)

// ErrAnalysis indicates the model failed to produce a result for an image.
var ErrAnalysis = errors.New("analysis: model failure")

// Risk thresholds over the calibrated malignancy probability. DetectionThreshold
// is the mask cutoff used when binarizing the segmentation output.
const (
	LowRiskBelow       = 0.2
	ModerateRiskBelow  = 0.5
	DetectionThreshold = 0.3
)

// RiskLevel buckets a malignancy probability for clinician-facing output.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// Result is one model evaluation of a dermoscopic image.
type Result struct {
	MalignancyProbability float64
	SkinRatio             float64
	SegmentationMask      []byte
	ModelVersion          string
}

// Analyzer evaluates image bytes. Implementations must be safe for
// concurrent use; the gateway fans analyze requests across goroutines.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (*Result, error)
}

// Risk maps a probability onto its risk bucket.
func Risk(p float64) RiskLevel {
	switch {
	case p < LowRiskBelow:
		return RiskLow
	case p < ModerateRiskBelow:
		return RiskModerate
	default:
		return RiskHigh
	}
}

// Advice returns the canned recommendation text for a risk bucket. The tool
// assists triage; it never replaces clinical judgment, and the wording says so.
func Advice(level RiskLevel) string {
	switch level {
	case RiskLow:
		return "Low estimated risk. Continue routine self-monitoring and report any change in size, shape or color."
	case RiskModerate:
		return "Moderate estimated risk. A dermatologist review within the next weeks is recommended."
	default:
		return "High estimated risk. Seek an in-person dermatologist assessment promptly."
	}
}
