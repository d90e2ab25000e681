package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feichai0017/zone-engine/internal/assignment"
	"github.com/feichai0017/zone-engine/internal/confidence"
	"github.com/feichai0017/zone-engine/internal/fallback"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/queue"
	"github.com/feichai0017/zone-engine/internal/registry"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/tools"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
)

var (
	ErrUnknownZone = errors.New("unknown zone")
	// ErrManuallyCorrected rejects retry and skip on corrected zones.
	ErrManuallyCorrected = errors.New("zone manually corrected")
	ErrZoneTerminal      = errors.New("zone is in a terminal state")
)

type Config struct {
	Workers             int
	QueueCapacity       int
	ToolTimeout         time.Duration
	ConfidenceThreshold float64
	MaxRetries          int
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 1024
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 120 * time.Second
	}
}

// zoneRecord is the engine's authoritative view of one zone: the zone
// itself, its tool assignment, the successful runs feeding agreement
// scoring, and pending operator intent for an in-flight claim.
type zoneRecord struct {
	zone *models.Zone
	asn  assignment.Assignment
	runs []confidence.Run

	skipRequested   bool
	skipReason      string
	skipBy          string
	cancelRequested bool
	cancelReason    string
}

type workerMeta struct {
	processed int64
	failures  int64
	startedAt time.Time
}

// Engine drives zones through assignment, queueing, tool execution,
// confidence scoring and fallback until each reaches a terminal state.
// It implements status.Controller so hub commands act on live work.
type Engine struct {
	cfg      Config
	registry *registry.Registry
	assigner *assignment.Engine
	scorer   *confidence.Engine
	fallback *fallback.Manager
	queue    *queue.Queue
	hub      *status.Hub
	runner   tools.Runner
	states   store.ZoneStateStore
	logger   logger.Logger

	mu      sync.Mutex
	zones   map[string]*zoneRecord
	workers map[string]*workerMeta

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closing   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires the engine. The states store may be nil; persistence is
// best-effort and in-memory state stays authoritative.
func New(cfg Config, reg *registry.Registry, hub *status.Hub, runner tools.Runner, states store.ZoneStateStore, log logger.Logger) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		assigner: assignment.NewEngine(reg, log),
		scorer:   confidence.NewEngine(log),
		fallback: fallback.NewManager(fallback.Config{
			Threshold:  cfg.ConfidenceThreshold,
			MaxRetries: cfg.MaxRetries,
		}, log),
		hub:     hub,
		runner:  runner,
		states:  states,
		logger:  log.Named("engine"),
		zones:   make(map[string]*zoneRecord),
		workers: make(map[string]*workerMeta),
	}

	e.queue = queue.NewQueue(queue.Config{
		Capacity: cfg.QueueCapacity,
		Workers:  cfg.Workers,
	}, func(m models.QueueMetrics) {
		hub.Publish(models.NewEvent("", models.QueueMetricsPayload{Metrics: m}))
	}, log)

	hub.SetController(e)
	return e
}

// Queue exposes queue metrics to the API layer.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel

		now := time.Now().UTC()
		e.mu.Lock()
		for i := 1; i <= e.cfg.Workers; i++ {
			id := fmt.Sprintf("worker-%d", i)
			e.workers[id] = &workerMeta{startedAt: now}
		}
		e.mu.Unlock()

		for i := 1; i <= e.cfg.Workers; i++ {
			id := fmt.Sprintf("worker-%d", i)
			e.wg.Add(1)
			go e.worker(runCtx, id)
		}

		e.logger.Info("Engine started",
			logger.Int("workers", e.cfg.Workers),
			logger.Float64("threshold", e.fallback.Threshold()),
			logger.Int("maxRetries", e.fallback.MaxRetries()),
		)
	})
}

// Stop drains the pool. In-flight runs are cancelled; their zones are
// marked queued again so a later run can resume them from storage.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.closing.Store(true)
		e.queue.Close()
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.logger.Info("Engine stopped")
	})
}

// SubmitZones validates, assigns and enqueues a document's zones.
// Zones whose content type no tool supports are failed immediately and
// flagged for manual review. Returns the IDs accepted for processing.
func (e *Engine) SubmitZones(ctx context.Context, documentID string, zones []*models.Zone) ([]string, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("no zones submitted")
	}

	now := time.Now().UTC()
	for _, zone := range zones {
		zone.DocumentID = documentID
		if zone.Priority == 0 {
			zone.Priority = models.DefaultPriority
		}
		if zone.CreatedAt.IsZero() {
			zone.CreatedAt = now
		}
		zone.UpdatedAt = now
	}

	results := e.assigner.AssignBatch(ctx, zones)

	var accepted []string
	for i, res := range results {
		zone := zones[i]
		if res.Err != nil {
			zone.Status = models.ZoneStatusFailed
			zone.ManualReview = true
			e.persist(zone)
			e.hub.Publish(models.NewEvent(documentID, models.ZoneFailedPayload{
				ZoneID:   zone.ID,
				Reason:   res.Err.Error(),
				Terminal: true,
			}, models.WithPriority(8)))
			continue
		}

		primary := res.Assignment.Primary()
		zone.AssignedTool = primary
		zone.Status = models.ZoneStatusQueued
		zone.Attempt = 0

		// Enqueue and announce under the lock so the queued event is
		// in the hub's channel before any worker can publish for it.
		e.mu.Lock()
		if _, exists := e.zones[zone.ID]; exists {
			e.mu.Unlock()
			e.logger.Warn("Zone already tracked, skipping",
				logger.String("zoneId", zone.ID),
				logger.String("documentId", documentID),
			)
			continue
		}
		e.zones[zone.ID] = &zoneRecord{zone: zone, asn: res.Assignment}
		err := e.queue.Enqueue(models.QueuedZone{
			ZoneID:     zone.ID,
			DocumentID: documentID,
			Tool:       primary,
			Priority:   zone.Priority,
			EnqueuedAt: now,
			Attempt:    1,
		})
		if err != nil {
			delete(e.zones, zone.ID)
			e.mu.Unlock()
			if errors.Is(err, queue.ErrDuplicate) {
				e.logger.Warn("Zone already queued, skipping",
					logger.String("zoneId", zone.ID),
					logger.String("documentId", documentID),
				)
				continue
			}
			return accepted, fmt.Errorf("enqueue zone %s: %w", zone.ID, err)
		}
		e.hub.Publish(models.NewEvent(documentID, models.ZoneQueuedPayload{
			ZoneID:   zone.ID,
			Tool:     primary,
			Priority: zone.Priority,
			Attempt:  1,
		}))
		e.mu.Unlock()

		e.persist(zone)
		accepted = append(accepted, zone.ID)
	}

	e.logger.Info("Zones submitted",
		logger.String("documentId", documentID),
		logger.Int("submitted", len(zones)),
		logger.Int("accepted", len(accepted)),
	)
	return accepted, nil
}

// ManualCorrection overrides a zone's content with operator-supplied
// truth. Confidence becomes 1.0 and the zone is terminal; applying the
// correction again is a no-op. Queued or running work is withdrawn.
func (e *Engine) ManualCorrection(zoneID, content, by string) (*models.Zone, error) {
	e.mu.Lock()
	rec, ok := e.zones[zoneID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	zone := rec.zone
	if zone.ManuallyCorrected {
		snap := snapshotZone(zone)
		e.mu.Unlock()
		return snap, nil
	}

	wasQueued := zone.Status == models.ZoneStatusQueued
	wasActive := zone.Status == models.ZoneStatusProcessing

	score := e.scorer.ManualCorrection(zoneID, by)
	if content != "" {
		zone.Content = content
	}
	zone.Confidence = score.FinalConfidence
	zone.Status = models.ZoneStatusCompleted
	zone.ManuallyCorrected = true
	zone.ManualReview = false
	zone.UpdatedAt = time.Now().UTC()
	snap := snapshotZone(zone)
	e.mu.Unlock()

	if wasQueued || wasActive {
		// removes a waiting entry or signals the claim holder
		if _, err := e.queue.Cancel(zoneID); err != nil {
			e.logger.Warn("Could not withdraw corrected zone from queue",
				logger.String("zoneId", zoneID),
				logger.Error(err),
			)
		}
	}

	e.persist(snap)
	e.hub.Publish(models.NewEvent(snap.DocumentID, models.ZoneCorrectedPayload{
		ZoneID: zoneID,
		By:     by,
	}, models.WithPriority(8)))

	return snap, nil
}

// Zone returns a snapshot of one tracked zone.
func (e *Engine) Zone(zoneID string) (*models.Zone, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.zones[zoneID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	return snapshotZone(rec.zone), nil
}

// DocumentZones returns snapshots of every tracked zone of a document.
func (e *Engine) DocumentZones(documentID string) []*models.Zone {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*models.Zone
	for _, rec := range e.zones {
		if rec.zone.DocumentID == documentID {
			out = append(out, snapshotZone(rec.zone))
		}
	}
	return out
}

func snapshotZone(zone *models.Zone) *models.Zone {
	snap := *zone
	snap.History = append([]models.AttemptRecord(nil), zone.History...)
	return &snap
}

// persist writes the zone to the state store, best-effort.
func (e *Engine) persist(zone *models.Zone) {
	if e.states == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.states.Save(ctx, zone); err != nil {
		e.logger.Warn("Failed to persist zone state",
			logger.String("zoneId", zone.ID),
			logger.Error(err),
		)
	}
}
