package comparator

import (
	"context"
	"fmt"
	"net/http"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/example/faceverify-gateway/internal/comparator Client

// Options are the algorithm knobs shared by every capability.
type Options struct {
	ModelName        string
	DetectorBackend  string
	DistanceMetric   string
	Align            bool
	EnforceDetection bool
	AntiSpoofing     bool
}

// DefaultOptions mirrors the model service defaults.
func DefaultOptions() Options {
	return Options{
		ModelName:        "VGG-Face",
		DetectorBackend:  "opencv",
		DistanceMetric:   "cosine",
		Align:            true,
		EnforceDetection: true,
	}
}

// VerifyParams asks the service to compare two canonical image references.
// When Threshold is set the service must decide with it instead of its default.
type VerifyParams struct {
	Img1      string
	Img2      string
	Options   Options
	Threshold *float64
}

// Comparison is the raw service answer before the gateway renders a verdict.
type Comparison struct {
	Distance float64
	// Threshold is the service's effective threshold; zero when it did not report one.
	Threshold        float64
	Verified         bool
	Model            string
	DetectorBackend  string
	SimilarityMetric string
	Facial           map[string]any
	TimeSeconds      float64
}

// RepresentParams requests embeddings for one image.
type RepresentParams struct {
	Img      string
	Options  Options
	MaxFaces int
}

// AnalyzeParams requests facial attribute analysis for one image.
type AnalyzeParams struct {
	Img     string
	Actions []string
	Options Options
}

// Client is the face comparison capability.
type Client interface {
	Verify(ctx context.Context, params VerifyParams) (*Comparison, error)
	Represent(ctx context.Context, params RepresentParams) (map[string]any, error)
	Analyze(ctx context.Context, params AnalyzeParams) (map[string]any, error)
}

// StatusError is a failure reported by the service with an HTTP-equivalent status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("comparison service: %s", http.StatusText(e.Code))
	}
	return fmt.Sprintf("comparison service: %s (%d)", e.Message, e.Code)
}

// StatusCode lets the retry loop classify the failure.
func (e *StatusError) StatusCode() int { return e.Code }

// Transient reports whether the service said it is temporarily unavailable.
func (e *StatusError) Transient() bool { return e.Code == http.StatusServiceUnavailable }
