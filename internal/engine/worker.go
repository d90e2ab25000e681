package engine

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/zone-engine/internal/confidence"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/queue"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

func (e *Engine) worker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	e.logger.Debug("Worker started", logger.String("workerId", workerID))

	for {
		qz, claimCtx, err := e.queue.Claim(ctx, workerID)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				e.logger.Error("Claim failed",
					logger.String("workerId", workerID),
					logger.Error(err),
				)
			}
			e.publishWorker("", workerID, models.WorkerStopped, "")
			return
		}
		e.processClaim(claimCtx, workerID, qz)
	}
}

// processClaim runs one attempt: phase walk, tool execution, scoring and
// the fallback verdict. claimCtx dies on queue cancellation or shutdown.
//
// The verdict section mutates the record, pushes the zone's events into
// the hub and releases or re-enqueues the claim under one mutex hold, so
// subscribers observe transitions in the order the engine committed them
// and a concurrent document cancel cannot slip between release and
// re-enqueue.
func (e *Engine) processClaim(claimCtx context.Context, workerID string, qz models.QueuedZone) {
	e.mu.Lock()
	rec, ok := e.zones[qz.ZoneID]
	if !ok {
		e.mu.Unlock()
		e.logger.Error("Claimed zone has no record",
			logger.String("zoneId", qz.ZoneID),
			logger.String("workerId", workerID),
		)
		_ = e.queue.Finish(qz.ZoneID, queue.OutcomeCancelled)
		return
	}
	zone := rec.zone
	zone.Status = models.ZoneStatusProcessing
	zone.Attempt = qz.Attempt
	zone.AssignedTool = qz.Tool
	zone.UpdatedAt = time.Now().UTC()
	asn := rec.asn
	priorRuns := append([]confidence.Run(nil), rec.runs...)
	zoneCopy := *zone
	e.mu.Unlock()

	documentID := qz.DocumentID
	e.publishWorker(documentID, workerID, models.WorkerBusy, qz.ZoneID)
	e.hub.Publish(models.NewEvent(documentID, models.ZoneStartedPayload{
		ZoneID:   qz.ZoneID,
		Tool:     qz.Tool,
		Attempt:  qz.Attempt,
		WorkerID: workerID,
	}))
	e.progress(documentID, qz.ZoneID, models.PhaseAnalyzing)

	td, tdErr := e.registry.Get(qz.Tool)

	e.progress(documentID, qz.ZoneID, models.PhaseProcessing)
	runCtx, cancelRun := context.WithTimeout(claimCtx, e.cfg.ToolTimeout)
	res, runErr := e.runner.Run(runCtx, qz.Tool, &zoneCopy)
	cancelRun()

	// Claim cancellation and shutdown preempt the normal verdict. A
	// per-run timeout does not: it is a hard failure ruled on below.
	if claimCtx.Err() != nil {
		e.finishCancelled(rec, qz, workerID)
		return
	}
	if tdErr != nil {
		runErr = tdErr
	}

	e.progress(documentID, qz.ZoneID, models.PhaseValidating)

	var score *models.ConfidenceScore
	if runErr == nil && res != nil {
		s := e.scorer.Score(qz.ZoneID, zoneCopy.ContentType, td, res.Confidence, res.Content, priorRuns)
		score = &s
	}

	now := time.Now().UTC()
	e.mu.Lock()
	attempt := models.AttemptRecord{
		Attempt: qz.Attempt,
		Tool:    qz.Tool,
		At:      now,
	}
	if res != nil {
		attempt.DurationMs = res.DurationMs
	}
	if runErr != nil {
		attempt.Error = runErr.Error()
	}
	if score != nil {
		attempt.Confidence = score.FinalConfidence
	}
	zone.History = append(zone.History, attempt)
	zone.UpdatedAt = now

	accepted, decision := e.fallback.Evaluate(zone, asn, score, runErr)

	var snap *models.Zone
	succeeded := false

	switch {
	case zone.ManuallyCorrected:
		// corrected while running; the correction already published
		e.mu.Unlock()
		_ = e.queue.Finish(qz.ZoneID, queue.OutcomeCompleted)
		e.markWorkerDone(documentID, workerID, true)
		return

	case accepted:
		zone.Status = models.ZoneStatusCompleted
		zone.Content = res.Content
		zone.Confidence = score.FinalConfidence
		zone.History[len(zone.History)-1].Accepted = true
		rec.runs = append(rec.runs, confidence.Run{
			Tool:       qz.Tool,
			Content:    res.Content,
			Confidence: res.Confidence,
		})
		snap = snapshotZone(zone)
		e.progress(documentID, qz.ZoneID, models.PhaseFinalizing)
		e.hub.Publish(models.NewEvent(documentID, models.ZoneCompletedPayload{
			ZoneID:     qz.ZoneID,
			Tool:       qz.Tool,
			Attempt:    qz.Attempt,
			Confidence: snap.Confidence,
			DurationMs: attempt.DurationMs,
		}))
		_ = e.queue.Finish(qz.ZoneID, queue.OutcomeCompleted)
		e.mu.Unlock()
		succeeded = true

	case decision.Exhausted:
		zone.Status = models.ZoneStatusFailed
		zone.ManualReview = true
		snap = snapshotZone(zone)
		e.hub.Publish(models.NewEvent(documentID, models.ZoneFailedPayload{
			ZoneID:   qz.ZoneID,
			Tool:     qz.Tool,
			Attempt:  qz.Attempt,
			Reason:   decision.Reason,
			Terminal: true,
		}, models.WithPriority(8)))
		_ = e.queue.Finish(qz.ZoneID, queue.OutcomeFailed)
		e.mu.Unlock()
		e.logger.Warn("Zone failed terminally",
			logger.String("zoneId", qz.ZoneID),
			logger.String("documentId", documentID),
			logger.Int("attempts", qz.Attempt),
			logger.String("reason", decision.Reason),
		)

	default:
		// rejected with a fallback tool remaining
		if rec.cancelRequested || rec.skipRequested {
			e.divertClaim(rec, qz, workerID)
			return
		}
		zone.Status = models.ZoneStatusQueued
		zone.AssignedTool = decision.NextTool
		if runErr == nil && res != nil {
			// a low-confidence result still informs agreement later
			rec.runs = append(rec.runs, confidence.Run{
				Tool:       qz.Tool,
				Content:    res.Content,
				Confidence: res.Confidence,
			})
		}
		snap = snapshotZone(zone)
		e.hub.Publish(models.NewEvent(documentID, models.ZoneFailedPayload{
			ZoneID:    qz.ZoneID,
			Tool:      qz.Tool,
			Attempt:   qz.Attempt,
			Reason:    decision.Reason,
			WillRetry: true,
			NextTool:  decision.NextTool,
		}))
		e.hub.Publish(models.NewEvent(documentID, models.ZoneQueuedPayload{
			ZoneID:   qz.ZoneID,
			Tool:     decision.NextTool,
			Priority: snap.Priority,
			Attempt:  qz.Attempt + 1,
		}))
		_ = e.queue.Finish(qz.ZoneID, queue.OutcomeRequeued)
		enqErr := e.queue.Enqueue(models.QueuedZone{
			ZoneID:     qz.ZoneID,
			DocumentID: documentID,
			Tool:       decision.NextTool,
			Priority:   snap.Priority,
			EnqueuedAt: now,
			Attempt:    qz.Attempt + 1,
		})
		e.mu.Unlock()
		if enqErr != nil && !errors.Is(enqErr, queue.ErrClosed) {
			e.failRequeue(rec, qz, enqErr)
		}
	}

	e.persist(snap)
	e.markWorkerDone(documentID, workerID, succeeded)
}

// divertClaim finishes a claim whose record acquired a skip or cancel
// intent during the verdict. Called with e.mu held; releases it.
func (e *Engine) divertClaim(rec *zoneRecord, qz models.QueuedZone, workerID string) {
	zone := rec.zone
	var payload models.EventPayload
	if rec.skipRequested {
		zone.Status = models.ZoneStatusSkipped
		payload = models.ZoneSkippedPayload{
			ZoneID: zone.ID,
			Reason: rec.skipReason,
			By:     rec.skipBy,
		}
	} else {
		zone.Status = models.ZoneStatusCancelled
		payload = models.ZoneCancelledPayload{
			ZoneID: zone.ID,
			Reason: rec.cancelReason,
		}
	}
	zone.UpdatedAt = time.Now().UTC()
	snap := snapshotZone(zone)
	e.hub.Publish(models.NewEvent(snap.DocumentID, payload))
	_ = e.queue.Finish(qz.ZoneID, queue.OutcomeCancelled)
	e.mu.Unlock()

	e.persist(snap)
	e.markWorkerDone(snap.DocumentID, workerID, false)
}

// finishCancelled unwinds a claim whose context died mid-run. The pending
// intent on the record decides what the cancellation meant.
func (e *Engine) finishCancelled(rec *zoneRecord, qz models.QueuedZone, workerID string) {
	now := time.Now().UTC()

	e.mu.Lock()
	zone := rec.zone
	var payload models.EventPayload
	outcome := queue.OutcomeCancelled

	switch {
	case zone.ManuallyCorrected:
		// withdrawal after a correction; the correction event covers it
		outcome = queue.OutcomeCompleted
	case rec.skipRequested:
		zone.Status = models.ZoneStatusSkipped
		payload = models.ZoneSkippedPayload{
			ZoneID: zone.ID,
			Reason: rec.skipReason,
			By:     rec.skipBy,
		}
	case e.closing.Load():
		// shutdown: leave the zone queued so a restart can resume it
		zone.Status = models.ZoneStatusQueued
		outcome = queue.OutcomeRequeued
	default:
		zone.Status = models.ZoneStatusCancelled
		payload = models.ZoneCancelledPayload{
			ZoneID: zone.ID,
			Reason: rec.cancelReason,
		}
	}
	zone.UpdatedAt = now
	snap := snapshotZone(zone)
	if payload != nil {
		e.hub.Publish(models.NewEvent(snap.DocumentID, payload))
	}
	_ = e.queue.Finish(qz.ZoneID, outcome)
	e.mu.Unlock()

	e.persist(snap)
	e.markWorkerDone(snap.DocumentID, workerID, false)
}

// failRequeue converts an impossible re-enqueue into a terminal failure.
func (e *Engine) failRequeue(rec *zoneRecord, qz models.QueuedZone, cause error) {
	e.mu.Lock()
	zone := rec.zone
	zone.Status = models.ZoneStatusFailed
	zone.ManualReview = true
	zone.UpdatedAt = time.Now().UTC()
	snap := snapshotZone(zone)
	e.hub.Publish(models.NewEvent(snap.DocumentID, models.ZoneFailedPayload{
		ZoneID:   qz.ZoneID,
		Tool:     qz.Tool,
		Attempt:  qz.Attempt,
		Reason:   "requeue failed: " + cause.Error(),
		Terminal: true,
	}, models.WithPriority(8)))
	e.mu.Unlock()

	e.persist(snap)
	e.logger.Error("Requeue failed",
		logger.String("zoneId", qz.ZoneID),
		logger.Error(cause),
	)
}

func (e *Engine) progress(documentID, zoneID string, phase models.ZonePhase) {
	e.hub.Publish(models.NewEvent(documentID, models.ZoneProgressPayload{
		ZoneID:   zoneID,
		Phase:    phase,
		Progress: phase.Progress(),
	}))
}

func (e *Engine) publishWorker(documentID, workerID string, status models.WorkerStatus, currentZone string) {
	now := time.Now().UTC()

	e.mu.Lock()
	m, ok := e.workers[workerID]
	if !ok {
		m = &workerMeta{startedAt: now}
		e.workers[workerID] = m
	}
	w := models.WorkerState{
		WorkerID:       workerID,
		Status:         status,
		CurrentZone:    currentZone,
		ProcessedCount: m.processed,
		FailureCount:   m.failures,
		StartedAt:      m.startedAt,
		LastActiveAt:   now,
	}
	e.mu.Unlock()

	e.hub.Publish(models.NewEvent(documentID, models.WorkerHealthPayload{Worker: w}))
}

// markWorkerDone updates the worker's counters and announces it idle.
func (e *Engine) markWorkerDone(documentID, workerID string, succeeded bool) {
	e.mu.Lock()
	if m, ok := e.workers[workerID]; ok {
		if succeeded {
			m.processed++
		} else {
			m.failures++
		}
	}
	e.mu.Unlock()
	e.publishWorker(documentID, workerID, models.WorkerIdle, "")
}
