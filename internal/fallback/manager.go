package fallback

import (
	"fmt"

	"github.com/feichai0017/zone-engine/internal/assignment"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// Defaults for the acceptance policy. Both are tunable via Config.
const (
	DefaultThreshold  = 0.7
	DefaultMaxRetries = 3
)

// Config tunes the acceptance policy.
type Config struct {
	// Threshold is the minimum final confidence for acceptance.
	Threshold float64
	// MaxRetries bounds the total attempts per zone.
	MaxRetries int
}

// Manager rules on retry, fallback and terminal failure after each
// processing attempt.
type Manager struct {
	threshold  float64
	maxRetries int
	logger     logger.Logger
}

// NewManager creates a fallback manager. Out-of-range config values fall
// back to the defaults.
func NewManager(cfg Config, log logger.Logger) *Manager {
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &Manager{
		threshold:  threshold,
		maxRetries: maxRetries,
		logger:     log.Named("fallback"),
	}
}

// Threshold returns the acceptance threshold in effect.
func (m *Manager) Threshold() float64 { return m.threshold }

// MaxRetries returns the retry budget in effect.
func (m *Manager) MaxRetries() int { return m.maxRetries }

// Evaluate rules on the outcome of the zone's latest attempt. The zone's
// History must already contain that attempt. When the result is accepted
// the decision is nil; otherwise the decision names the next tool to try
// or declares exhaustion.
//
// execErr carries hard failures (tool errors and timeouts alike); score
// may be nil in that case.
func (m *Manager) Evaluate(zone *models.Zone, asn assignment.Assignment, score *models.ConfidenceScore, execErr error) (bool, *models.FallbackDecision) {
	// A manual correction is terminal. Nothing to rule on.
	if zone.ManuallyCorrected {
		return true, nil
	}

	var reason string
	switch {
	case execErr != nil:
		reason = fmt.Sprintf("attempt %d with %s failed: %v", zone.Attempt, zone.AssignedTool, execErr)
	case score == nil:
		reason = fmt.Sprintf("attempt %d with %s produced no score", zone.Attempt, zone.AssignedTool)
	case score.FinalConfidence >= m.threshold:
		m.logger.Debug("attempt accepted",
			logger.String("zone_id", zone.ID),
			logger.Int("attempt", zone.Attempt),
			logger.Float64("confidence", score.FinalConfidence))
		return true, nil
	default:
		reason = fmt.Sprintf("confidence %.2f below threshold %.2f", score.FinalConfidence, m.threshold)
	}

	tried := zone.TriedTools()
	decision := &models.FallbackDecision{
		ZoneID:     zone.ID,
		TriedTools: tried,
		Reason:     reason,
		Attempt:    zone.Attempt,
	}

	if zone.Attempt >= m.maxRetries {
		decision.Exhausted = true
		decision.Reason = fmt.Sprintf("%s; retry budget of %d exhausted", reason, m.maxRetries)
		m.logger.Warn("zone exhausted retry budget",
			logger.String("zone_id", zone.ID),
			logger.Int("attempts", zone.Attempt),
			logger.Strings("tried", tried))
		return false, decision
	}

	next := nextUntried(asn, tried)
	if next == "" {
		decision.Exhausted = true
		decision.Reason = fmt.Sprintf("%s; no untried compatible tool remains", reason)
		m.logger.Warn("zone has no fallback tool left",
			logger.String("zone_id", zone.ID),
			logger.Strings("tried", tried))
		return false, decision
	}

	decision.NextTool = next
	m.logger.Info("fallback selected",
		logger.String("zone_id", zone.ID),
		logger.String("next_tool", next),
		logger.Int("attempt", zone.Attempt),
		logger.String("reason", reason))
	return false, decision
}

// nextUntried returns the highest-ranked assignment candidate that has not
// been tried yet. Tools are never repeated.
func nextUntried(asn assignment.Assignment, tried []string) string {
	used := make(map[string]bool, len(tried))
	for _, t := range tried {
		used[t] = true
	}
	for _, name := range asn.ToolNames() {
		if !used[name] {
			return name
		}
	}
	return ""
}
