package tools

import (
	"context"

	"github.com/feichai0017/zone-engine/internal/models"
)

// Result is the outcome of a single tool run against a zone.
type Result struct {
	Content    string
	Confidence float64
	DurationMs int64
}

// Runner executes a named extraction tool against a zone. Runs are
// long-running and must honor context cancellation; the result of an
// abandoned run is discarded by the caller.
type Runner interface {
	Run(ctx context.Context, tool string, zone *models.Zone) (*Result, error)
}

// ArtifactFetcher loads the page bytes a zone was detected on.
type ArtifactFetcher interface {
	FetchPage(ctx context.Context, documentID string, pageNumber int) (data []byte, mimeType string, err error)
}

// FetchFunc adapts a function to the ArtifactFetcher interface.
type FetchFunc func(ctx context.Context, documentID string, pageNumber int) ([]byte, string, error)

func (f FetchFunc) FetchPage(ctx context.Context, documentID string, pageNumber int) ([]byte, string, error) {
	return f(ctx, documentID, pageNumber)
}
