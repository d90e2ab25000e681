package engine

import (
	"fmt"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/queue"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// The engine is the hub's Controller: commands issued over the status
// surface land here, already permission-checked and serialized by the
// hub's drain loop.

// PauseDocument makes the document's queued zones ineligible for
// claiming. Running zones complete their current attempt.
func (e *Engine) PauseDocument(documentID string) ([]string, error) {
	affected := e.queue.PauseDocument(documentID)
	e.logger.Info("Document paused",
		logger.String("documentId", documentID),
		logger.Int("zones", len(affected)),
	)
	return affected, nil
}

// ResumeDocument restores the document's paused zones in their prior
// priority order.
func (e *Engine) ResumeDocument(documentID string) ([]string, error) {
	affected := e.queue.ResumeDocument(documentID)
	e.logger.Info("Document resumed",
		logger.String("documentId", documentID),
		logger.Int("zones", len(affected)),
	)
	return affected, nil
}

// CancelDocument withdraws every non-terminal zone of a document.
// Queued zones are resolved immediately; running ones unwind through
// their claim context and report cancelled from the worker.
func (e *Engine) CancelDocument(documentID, reason string) ([]string, error) {
	affected, snaps := e.cancelDocument(documentID, reason)
	for _, snap := range snaps {
		e.persist(snap)
	}
	e.logger.Info("Document cancelled",
		logger.String("documentId", documentID),
		logger.String("reason", reason),
		logger.Int("zones", len(affected)),
	)
	return affected, nil
}

// EmergencyStop cancels like CancelDocument; an empty document id stops
// every tracked document.
func (e *Engine) EmergencyStop(documentID, reason string) ([]string, error) {
	if reason == "" {
		reason = "emergency stop"
	}
	docs := []string{documentID}
	if documentID == "" {
		docs = e.trackedDocuments()
	}

	var affected []string
	var snaps []*models.Zone
	for _, doc := range docs {
		ids, s := e.cancelDocument(doc, reason)
		affected = append(affected, ids...)
		snaps = append(snaps, s...)
	}
	for _, snap := range snaps {
		e.persist(snap)
	}
	e.logger.Warn("Emergency stop executed",
		logger.String("documentId", documentID),
		logger.String("reason", reason),
		logger.Int("zones", len(affected)),
	)
	return affected, nil
}

func (e *Engine) cancelDocument(documentID, reason string) ([]string, []*models.Zone) {
	now := time.Now().UTC()

	e.mu.Lock()
	_, signalled := e.queue.CancelDocument(documentID)
	inFlight := make(map[string]bool, len(signalled))
	for _, id := range signalled {
		inFlight[id] = true
	}

	var affected []string
	var snaps []*models.Zone
	for id, rec := range e.zones {
		zone := rec.zone
		if zone.DocumentID != documentID || zone.Status.Terminal() {
			continue
		}
		rec.cancelRequested = true
		rec.cancelReason = reason
		affected = append(affected, id)
		if inFlight[id] {
			// the claim holder unwinds it
			continue
		}
		zone.Status = models.ZoneStatusCancelled
		zone.UpdatedAt = now
		snaps = append(snaps, snapshotZone(zone))
		e.hub.Publish(models.NewEvent(documentID, models.ZoneCancelledPayload{
			ZoneID: id,
			Reason: reason,
		}))
	}
	e.mu.Unlock()

	return affected, snaps
}

func (e *Engine) trackedDocuments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool)
	var docs []string
	for _, rec := range e.zones {
		if !seen[rec.zone.DocumentID] {
			seen[rec.zone.DocumentID] = true
			docs = append(docs, rec.zone.DocumentID)
		}
	}
	return docs
}

// RetryZone grants a failed zone one more attempt. The attempt counter
// keeps its history; the zone runs its first untried tool, or the
// primary again when every candidate has been tried.
func (e *Engine) RetryZone(documentID, zoneID string) error {
	now := time.Now().UTC()

	e.mu.Lock()
	rec, ok := e.zones[zoneID]
	if !ok || rec.zone.DocumentID != documentID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	zone := rec.zone
	if zone.ManuallyCorrected {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrManuallyCorrected, zoneID)
	}
	if zone.Status != models.ZoneStatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("zone %s is %s, only failed zones can be retried", zoneID, zone.Status)
	}

	tried := make(map[string]bool, len(zone.History))
	for _, t := range zone.TriedTools() {
		tried[t] = true
	}
	tool := rec.asn.Primary()
	for _, name := range rec.asn.ToolNames() {
		if !tried[name] {
			tool = name
			break
		}
	}

	attempt := zone.Attempt + 1
	err := e.queue.Enqueue(models.QueuedZone{
		ZoneID:     zoneID,
		DocumentID: documentID,
		Tool:       tool,
		Priority:   zone.Priority,
		EnqueuedAt: now,
		Attempt:    attempt,
	})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("requeue zone %s: %w", zoneID, err)
	}

	zone.Status = models.ZoneStatusQueued
	zone.AssignedTool = tool
	zone.ManualReview = false
	zone.UpdatedAt = now
	rec.skipRequested = false
	rec.skipReason = ""
	rec.skipBy = ""
	rec.cancelRequested = false
	rec.cancelReason = ""
	snap := snapshotZone(zone)
	e.hub.Publish(models.NewEvent(documentID, models.ZoneQueuedPayload{
		ZoneID:   zoneID,
		Tool:     tool,
		Priority: zone.Priority,
		Attempt:  attempt,
	}))
	e.mu.Unlock()

	e.persist(snap)
	e.logger.Info("Zone retry granted",
		logger.String("zoneId", zoneID),
		logger.String("documentId", documentID),
		logger.String("tool", tool),
		logger.Int("attempt", attempt),
	)
	return nil
}

// SkipZone excludes a zone from processing. Terminal zones cannot be
// skipped; failed ones want RetryZone or a manual correction instead.
func (e *Engine) SkipZone(documentID, zoneID, reason, by string) error {
	now := time.Now().UTC()

	e.mu.Lock()
	rec, ok := e.zones[zoneID]
	if !ok || rec.zone.DocumentID != documentID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	zone := rec.zone
	if zone.ManuallyCorrected {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrManuallyCorrected, zoneID)
	}
	if zone.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrZoneTerminal, zoneID, zone.Status)
	}

	rec.skipRequested = true
	rec.skipReason = reason
	rec.skipBy = by

	outcome, err := e.queue.Cancel(zoneID)
	var snap *models.Zone
	if err != nil || outcome == queue.CancelRemoved {
		// not in flight, resolved here
		zone.Status = models.ZoneStatusSkipped
		zone.UpdatedAt = now
		snap = snapshotZone(zone)
		e.hub.Publish(models.NewEvent(documentID, models.ZoneSkippedPayload{
			ZoneID: zoneID,
			Reason: reason,
			By:     by,
		}))
	}
	e.mu.Unlock()

	if snap != nil {
		e.persist(snap)
	}
	e.logger.Info("Zone skipped",
		logger.String("zoneId", zoneID),
		logger.String("documentId", documentID),
		logger.String("by", by),
	)
	return nil
}

// UpdateZonePriority re-prioritizes a queued or paused zone. Running
// and terminal zones reject the change.
func (e *Engine) UpdateZonePriority(documentID, zoneID string, priority int) error {
	if !models.ValidPriority(priority) {
		return fmt.Errorf("priority %d out of range [%d, %d]", priority, models.MinPriority, models.MaxPriority)
	}

	e.mu.Lock()
	rec, ok := e.zones[zoneID]
	if !ok || rec.zone.DocumentID != documentID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
	}
	err := e.queue.UpdatePriority(zoneID, priority)
	var snap *models.Zone
	if err == nil {
		rec.zone.Priority = priority
		rec.zone.UpdatedAt = time.Now().UTC()
		snap = snapshotZone(rec.zone)
	}
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("update priority of zone %s: %w", zoneID, err)
	}
	e.persist(snap)
	e.logger.Info("Zone priority updated",
		logger.String("zoneId", zoneID),
		logger.Int("priority", priority),
	)
	return nil
}
