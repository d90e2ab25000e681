package confidence

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// Agreement shifts the combined score by at most this much either way.
const maxAgreementShift = 0.1

// Run is one prior tool execution considered for agreement scoring.
type Run struct {
	Tool       string
	Content    string
	Confidence float64
}

// Engine computes normalized confidence scores for processed zones.
type Engine struct {
	logger logger.Logger
}

// NewEngine creates a confidence engine.
func NewEngine(log logger.Logger) *Engine {
	return &Engine{logger: log.Named("confidence")}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sanitize converts NaN, Inf and out-of-range values to 0 and records a
// warning; valid values pass through unchanged.
func (e *Engine) sanitize(zoneID string, reported float64, warnings *[]string) float64 {
	switch {
	case math.IsNaN(reported) || math.IsInf(reported, 0):
		w := fmt.Sprintf("tool reported non-finite confidence %v, treated as 0", reported)
		*warnings = append(*warnings, w)
		e.logger.Warn("non-finite tool confidence",
			logger.String("zone_id", zoneID),
			logger.Float64("reported", reported))
		return 0
	case reported < 0 || reported > 1:
		w := fmt.Sprintf("tool reported out-of-range confidence %.4f, treated as 0", reported)
		*warnings = append(*warnings, w)
		e.logger.Warn("out-of-range tool confidence",
			logger.String("zone_id", zoneID),
			logger.Float64("reported", reported))
		return 0
	}
	return reported
}

// Score combines the tool-reported confidence with the tool's baseline
// accuracy, adjusted by cross-run agreement when prior runs exist.
func (e *Engine) Score(zoneID string, ct models.ContentType, tool models.ToolDescriptor, reported float64, content string, prior []Run) models.ConfidenceScore {
	var warnings []string
	sanitized := e.sanitize(zoneID, reported, &warnings)
	baseline := clamp01(tool.AccuracyRating)

	score := models.ConfidenceScore{
		ToolReported: sanitized,
		ToolBaseline: baseline,
		Warnings:     warnings,
		ComputedAt:   time.Now().UTC(),
	}

	final := (sanitized + baseline) / 2

	if len(prior) > 0 {
		agr := agreement(ct, content, prior)
		score.Agreement = &agr
		// Agreement above 0.5 raises the score, contradiction lowers it.
		final += (agr - 0.5) * 2 * maxAgreementShift
		score.Notes = fmt.Sprintf("agreement over %d prior run(s)", len(prior))
	}

	score.FinalConfidence = clamp01(final)

	e.logger.Debug("confidence scored",
		logger.String("zone_id", zoneID),
		logger.String("tool", tool.Name),
		logger.Float64("reported", sanitized),
		logger.Float64("baseline", baseline),
		logger.Float64("final", score.FinalConfidence))
	return score
}

// ManualCorrection returns the terminal override score. Applying it more
// than once yields the same result.
func (e *Engine) ManualCorrection(zoneID, by string) models.ConfidenceScore {
	e.logger.Info("manual correction applied",
		logger.String("zone_id", zoneID),
		logger.String("by", by))
	return models.ConfidenceScore{
		FinalConfidence: 1.0,
		ToolReported:    1.0,
		ToolBaseline:    1.0,
		ManualOverride:  true,
		Notes:           "manual correction",
		ComputedAt:      time.Now().UTC(),
	}
}

// agreement returns the mean pairwise similarity between the new content
// and each prior run's content.
func agreement(ct models.ContentType, content string, prior []Run) float64 {
	if len(prior) == 0 {
		return 0.5
	}
	var sum float64
	for _, run := range prior {
		sum += similarity(ct, content, run.Content)
	}
	return clamp01(sum / float64(len(prior)))
}

// similarity measures token overlap between two extraction outputs.
// Tables compare cell tokens, everything else compares word tokens.
func similarity(ct models.ContentType, a, b string) float64 {
	ta := tokenize(ct, a)
	tb := tokenize(ct, b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	union := len(tb)
	for tok := range ta {
		if tb[tok] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func tokenize(ct models.ContentType, s string) map[string]bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}

	var parts []string
	if ct == models.ContentTypeTable {
		// Table output is row-oriented; split cells as well as words.
		parts = strings.FieldsFunc(s, func(r rune) bool {
			return r == '\n' || r == ',' || r == '\t' || r == '|' || r == ' '
		})
	} else {
		parts = strings.Fields(s)
	}

	set := make(map[string]bool, len(parts))
	for _, p := range parts {
		if p != "" {
			set[p] = true
		}
	}
	return set
}
