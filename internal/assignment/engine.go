package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/registry"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// ErrUnsupportedContentType marks a zone no registered tool can process.
// Callers must route such zones to manual review.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Scoring weights. Accuracy dominates, content-type support is the entry
// ticket, speed and degraded-input specialization break the rest.
const (
	weightContentType   = 0.3
	weightAccuracy      = 0.4
	weightSpeed         = 0.2
	weightLowConfidence = 0.1
)

// ScoredTool is one ranked candidate for a zone.
type ScoredTool struct {
	Name     string             `json:"name"`
	Score    float64            `json:"score"`
	Accuracy float64            `json:"accuracy"`
	Speed    models.SpeedRating `json:"speed"`
	Cost     float64            `json:"cost"`
}

// Assignment is the ordered candidate list for one zone. The first entry
// is the primary tool, the remainder the fallback sequence.
type Assignment struct {
	ZoneID      string             `json:"zoneId"`
	ContentType models.ContentType `json:"contentType"`
	Candidates  []ScoredTool       `json:"candidates"`
}

// Primary returns the winning tool name.
func (a Assignment) Primary() string {
	if len(a.Candidates) == 0 {
		return ""
	}
	return a.Candidates[0].Name
}

// FallbackSequence returns the candidate names after the primary.
func (a Assignment) FallbackSequence() []string {
	if len(a.Candidates) <= 1 {
		return nil
	}
	out := make([]string, 0, len(a.Candidates)-1)
	for _, c := range a.Candidates[1:] {
		out = append(out, c.Name)
	}
	return out
}

// ToolNames returns every candidate name in rank order.
func (a Assignment) ToolNames() []string {
	out := make([]string, 0, len(a.Candidates))
	for _, c := range a.Candidates {
		out = append(out, c.Name)
	}
	return out
}

// BatchResult pairs a zone with its assignment or error. Batch assignment
// never fails as a whole; unsupported zones carry their error here.
type BatchResult struct {
	ZoneID     string
	Assignment Assignment
	Err        error
}

// Engine scores registry tools against zones.
type Engine struct {
	registry *registry.Registry
	logger   logger.Logger
}

// NewEngine creates an assignment engine over the given registry.
func NewEngine(reg *registry.Registry, log logger.Logger) *Engine {
	return &Engine{
		registry: reg,
		logger:   log.Named("assignment"),
	}
}

func speedBonus(s models.SpeedRating) float64 {
	switch s {
	case models.SpeedVeryFast:
		return 1.0
	case models.SpeedFast:
		return 0.5
	default:
		return 0
	}
}

func lowConfidenceBonus(td models.ToolDescriptor) float64 {
	if td.HasFeature(models.FeatureLowConfidence) || td.HasFeature(models.FeatureOCR) {
		return 1.0
	}
	return 0
}

// score computes the weighted suitability of a supporting tool. The
// content-type term is always 1 here: non-supporting tools never score.
func score(td models.ToolDescriptor) float64 {
	return weightContentType*1.0 +
		weightAccuracy*td.AccuracyRating +
		weightSpeed*speedBonus(td.SpeedRating) +
		weightLowConfidence*lowConfidenceBonus(td)
}

// AssignZone ranks every compatible tool for the zone. Returns
// ErrUnsupportedContentType when the registry holds no compatible tool.
func (e *Engine) AssignZone(zone *models.Zone) (Assignment, error) {
	if !zone.ContentType.Valid() {
		e.logger.Warn("zone has unknown content type",
			logger.String("zone_id", zone.ID),
			logger.String("content_type", string(zone.ContentType)))
		return Assignment{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, zone.ContentType)
	}

	compatible := e.registry.ForContentType(zone.ContentType)
	if len(compatible) == 0 {
		e.logger.Warn("no tool supports content type",
			logger.String("zone_id", zone.ID),
			logger.String("content_type", string(zone.ContentType)))
		return Assignment{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, zone.ContentType)
	}

	candidates := make([]ScoredTool, 0, len(compatible))
	for _, td := range compatible {
		candidates = append(candidates, ScoredTool{
			Name:     td.Name,
			Score:    score(td),
			Accuracy: td.AccuracyRating,
			Speed:    td.SpeedRating,
			Cost:     td.CostEstimate,
		})
	}

	// Rank by score, ties by accuracy, then speed, then cost ascending.
	// Name is the last resort so ordering stays deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Accuracy != b.Accuracy {
			return a.Accuracy > b.Accuracy
		}
		if a.Speed.Rank() != b.Speed.Rank() {
			return a.Speed.Rank() > b.Speed.Rank()
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Name < b.Name
	})

	asn := Assignment{
		ZoneID:      zone.ID,
		ContentType: zone.ContentType,
		Candidates:  candidates,
	}
	e.logger.Debug("zone assigned",
		logger.String("zone_id", zone.ID),
		logger.String("content_type", string(zone.ContentType)),
		logger.String("primary", asn.Primary()),
		logger.Strings("fallbacks", asn.FallbackSequence()))
	return asn, nil
}

// AssignBatch scores many zones concurrently. The slice order matches the
// input order.
func (e *Engine) AssignBatch(ctx context.Context, zones []*models.Zone) []BatchResult {
	results := make([]BatchResult, len(zones))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, zone := range zones {
		i, zone := i, zone
		g.Go(func() error {
			asn, err := e.AssignZone(zone)
			results[i] = BatchResult{ZoneID: zone.ID, Assignment: asn, Err: err}
			return nil
		})
	}
	// Goroutines only write their own slot and never return errors.
	_ = g.Wait()

	return results
}
