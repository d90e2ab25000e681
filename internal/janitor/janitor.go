package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
)

const (
	DefaultSchedule          = "@hourly"
	DefaultStateRetention    = 24 * time.Hour
	DefaultArtifactRetention = 7 * 24 * time.Hour
)

// Config tunes the retention sweep.
type Config struct {
	// Schedule is a cron expression; empty means hourly.
	Schedule string
	// StateRetention is how long idle document aggregates are kept.
	StateRetention time.Duration
	// ArtifactRetention is how long stored page artifacts are kept.
	ArtifactRetention time.Duration
}

// Janitor periodically drops document aggregates nothing has touched and
// deletes stored artifacts past their retention. Persisted zone snapshots
// expire on their own store TTL and need no sweeping here.
type Janitor struct {
	cfg       Config
	hub       *status.Hub
	artifacts store.ArtifactStore
	cron      *cron.Cron
	logger    logger.Logger
}

// New creates a janitor. The artifact store may be nil; only state
// retention runs then.
func New(cfg Config, hub *status.Hub, artifacts store.ArtifactStore, log logger.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = DefaultStateRetention
	}
	if cfg.ArtifactRetention <= 0 {
		cfg.ArtifactRetention = DefaultArtifactRetention
	}
	return &Janitor{
		cfg:       cfg,
		hub:       hub,
		artifacts: artifacts,
		cron:      cron.New(),
		logger:    log.Named("janitor"),
	}
}

// Start validates the schedule and launches the sweep loop.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.sweep); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	j.logger.Info("Janitor started",
		logger.String("schedule", j.cfg.Schedule),
		logger.Duration("stateRetention", j.cfg.StateRetention),
		logger.Duration("artifactRetention", j.cfg.ArtifactRetention),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Janitor stopped")
}

func (j *Janitor) sweep() {
	now := time.Now().UTC()

	cutoff := now.Add(-j.cfg.StateRetention)
	docs, err := j.hub.DocumentsIdleSince(cutoff)
	if err != nil {
		j.logger.Warn("Idle document scan failed", logger.Error(err))
	} else {
		removed := 0
		for _, doc := range docs {
			ok, err := j.hub.RemoveState(doc)
			if err != nil {
				j.logger.Warn("Could not remove document state",
					logger.String("documentId", doc),
					logger.Error(err),
				)
				continue
			}
			if ok {
				removed++
			}
		}
		if removed > 0 {
			j.logger.Info("Stale document states removed",
				logger.Int("documents", removed),
				logger.Time("cutoff", cutoff),
			)
		}
	}

	if j.artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	threshold := now.Add(-j.cfg.ArtifactRetention)
	if err := j.artifacts.CleanupBefore(ctx, threshold); err != nil {
		j.logger.Warn("Artifact cleanup failed", logger.Error(err))
	}
}
