package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

var ErrNoAdapter = errors.New("no adapter registered for tool")

// Adapter is a single tool backend. Extract receives the raw page
// artifact the zone belongs to and returns content plus the tool's
// self-reported confidence in [0,1].
type Adapter interface {
	Tool() string
	Extract(ctx context.Context, zone *models.Zone, artifact []byte, mimeType string) (content string, confidence float64, err error)
	Close() error
}

// Router dispatches runs to per-tool adapters.
type Router struct {
	adapters map[string]Adapter
	fetcher  ArtifactFetcher
	logger   logger.Logger
}

func NewRouter(fetcher ArtifactFetcher, log logger.Logger, adapters ...Adapter) *Router {
	r := &Router{
		adapters: make(map[string]Adapter),
		fetcher:  fetcher,
		logger:   log,
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its tool name.
func (r *Router) Register(a Adapter) {
	r.adapters[a.Tool()] = a
}

// Tools returns the names with a registered adapter.
func (r *Router) Tools() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

type extractOut struct {
	content    string
	confidence float64
	err        error
}

// Run fetches the zone's page artifact and executes the adapter for the
// named tool. The adapter call runs in its own goroutine so a context
// deadline or cancellation returns immediately; the orphaned result is
// dropped.
func (r *Router) Run(ctx context.Context, tool string, zone *models.Zone) (*Result, error) {
	adapter, ok := r.adapters[tool]
	if !ok {
		r.logger.Error("No adapter for tool",
			logger.String("tool", tool),
			logger.String("zoneId", zone.ID),
		)
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, tool)
	}

	var (
		data []byte
		mime string
		err  error
	)
	if r.fetcher != nil {
		data, mime, err = r.fetcher.FetchPage(ctx, zone.DocumentID, zone.PageNumber)
		if err != nil {
			return nil, fmt.Errorf("fetch page artifact: %w", err)
		}
	}

	start := time.Now()
	out := make(chan extractOut, 1)
	go func() {
		content, confidence, err := adapter.Extract(ctx, zone, data, mime)
		out <- extractOut{content: content, confidence: confidence, err: err}
	}()

	select {
	case res := <-out:
		elapsed := time.Since(start)
		if res.err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool, res.err)
		}
		r.logger.Debug("Tool run finished",
			logger.String("tool", tool),
			logger.String("zoneId", zone.ID),
			logger.Float64("confidence", res.confidence),
			logger.Int64("durationMs", elapsed.Milliseconds()),
		)
		return &Result{
			Content:    res.content,
			Confidence: res.confidence,
			DurationMs: elapsed.Milliseconds(),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every registered adapter.
func (r *Router) Close() error {
	var firstErr error
	for name, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close adapter %s: %w", name, err)
		}
	}
	return firstErr
}
