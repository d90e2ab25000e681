package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags every status update on the stream.
type EventType string

const (
	EventZoneQueued              EventType = "zone_queued"
	EventZoneProcessingStarted   EventType = "zone_processing_started"
	EventZoneProcessingProgress  EventType = "zone_processing_progress"
	EventZoneProcessingCompleted EventType = "zone_processing_completed"
	EventZoneProcessingFailed    EventType = "zone_processing_failed"
	EventZoneSkipped             EventType = "zone_skipped"
	EventZoneCancelled           EventType = "zone_cancelled"
	EventZoneManuallyCorrected   EventType = "zone_manually_corrected"
	EventQueueMetricsUpdated     EventType = "queue_metrics_updated"
	EventWorkerHealthChanged     EventType = "worker_health_changed"
	EventDocumentStatusChanged   EventType = "document_status_changed"
	EventConnectionEstablished   EventType = "connection_established"
	EventConnectionClosed        EventType = "connection_closed"
)

// EventPayload is the closed set of typed payloads an Event may carry.
// The status hub switches exhaustively over the concrete types.
type EventPayload interface {
	eventType() EventType
}

// ZoneQueuedPayload announces a zone entering the queue.
type ZoneQueuedPayload struct {
	ZoneID   string `json:"zoneId"`
	Tool     string `json:"tool"`
	Priority int    `json:"priority"`
	Attempt  int    `json:"attempt"`
}

// ZoneStartedPayload announces a worker claiming a zone.
type ZoneStartedPayload struct {
	ZoneID   string `json:"zoneId"`
	Tool     string `json:"tool"`
	Attempt  int    `json:"attempt"`
	WorkerID string `json:"workerId"`
}

// ZoneProgressPayload reports a phase change inside an attempt.
type ZoneProgressPayload struct {
	ZoneID   string    `json:"zoneId"`
	Phase    ZonePhase `json:"phase"`
	Progress float64   `json:"progress"`
}

// ZoneCompletedPayload reports an accepted result.
type ZoneCompletedPayload struct {
	ZoneID     string  `json:"zoneId"`
	Tool       string  `json:"tool"`
	Attempt    int     `json:"attempt"`
	Confidence float64 `json:"confidence"`
	DurationMs int64   `json:"durationMs"`
}

// ZoneFailedPayload reports a failed or rejected attempt.
type ZoneFailedPayload struct {
	ZoneID    string `json:"zoneId"`
	Tool      string `json:"tool"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason"`
	WillRetry bool   `json:"willRetry"`
	NextTool  string `json:"nextTool,omitempty"`
	Terminal  bool   `json:"terminal"`
}

// ZoneSkippedPayload reports an operator skip.
type ZoneSkippedPayload struct {
	ZoneID string `json:"zoneId"`
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

// ZoneCancelledPayload reports a cancellation observed by the pipeline.
type ZoneCancelledPayload struct {
	ZoneID string `json:"zoneId"`
	Reason string `json:"reason,omitempty"`
}

// ZoneCorrectedPayload reports a manual correction override.
type ZoneCorrectedPayload struct {
	ZoneID string `json:"zoneId"`
	By     string `json:"by,omitempty"`
}

// QueueMetricsPayload carries a queue health snapshot.
type QueueMetricsPayload struct {
	Metrics QueueMetrics `json:"metrics"`
}

// WorkerHealthPayload carries one worker's state.
type WorkerHealthPayload struct {
	Worker WorkerState `json:"worker"`
}

// DocumentStatusPayload re-broadcasts a document-wide transition.
type DocumentStatusPayload struct {
	Status DocumentStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	By     string         `json:"by,omitempty"`
}

// ConnectionPayload reports subscriber lifecycle.
type ConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	Active       bool   `json:"active"`
}

func (ZoneQueuedPayload) eventType() EventType     { return EventZoneQueued }
func (ZoneStartedPayload) eventType() EventType    { return EventZoneProcessingStarted }
func (ZoneProgressPayload) eventType() EventType   { return EventZoneProcessingProgress }
func (ZoneCompletedPayload) eventType() EventType  { return EventZoneProcessingCompleted }
func (ZoneFailedPayload) eventType() EventType     { return EventZoneProcessingFailed }
func (ZoneSkippedPayload) eventType() EventType    { return EventZoneSkipped }
func (ZoneCancelledPayload) eventType() EventType  { return EventZoneCancelled }
func (ZoneCorrectedPayload) eventType() EventType  { return EventZoneManuallyCorrected }
func (QueueMetricsPayload) eventType() EventType   { return EventQueueMetricsUpdated }
func (WorkerHealthPayload) eventType() EventType   { return EventWorkerHealthChanged }
func (DocumentStatusPayload) eventType() EventType { return EventDocumentStatusChanged }

func (p ConnectionPayload) eventType() EventType {
	if p.Active {
		return EventConnectionEstablished
	}
	return EventConnectionClosed
}

// EventMetadata carries delivery hints alongside a payload.
type EventMetadata struct {
	Priority    int        `json:"priority"`
	RequiresAck bool       `json:"requiresAck,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Event is one entry of a document's ordered update stream.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
	DocumentID string        `json:"documentId"`
	Payload    EventPayload  `json:"payload"`
	Metadata   EventMetadata `json:"metadata"`
}

// EventOption tweaks event metadata at construction.
type EventOption func(*Event)

// WithPriority sets the delivery priority, clamped to the valid range.
func WithPriority(p int) EventOption {
	return func(e *Event) {
		if p < MinPriority {
			p = MinPriority
		}
		if p > MaxPriority {
			p = MaxPriority
		}
		e.Metadata.Priority = p
	}
}

// WithAckRequired marks the event as requiring acknowledgment.
func WithAckRequired() EventOption {
	return func(e *Event) {
		e.Metadata.RequiresAck = true
	}
}

// WithExpiry drops the event at delivery time once t has passed.
func WithExpiry(t time.Time) EventOption {
	return func(e *Event) {
		e.Metadata.ExpiresAt = &t
	}
}

// NewEvent builds an event around a payload. The type tag always comes
// from the payload so the two cannot disagree.
func NewEvent(documentID string, payload EventPayload, opts ...EventOption) Event {
	e := Event{
		ID:         uuid.New().String(),
		Type:       payload.eventType(),
		Timestamp:  time.Now().UTC(),
		DocumentID: documentID,
		Payload:    payload,
		Metadata:   EventMetadata{Priority: DefaultPriority},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Expired reports whether the event's TTL has passed at now.
func (e Event) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt != nil && now.After(*e.Metadata.ExpiresAt)
}

// ZoneID returns the zone the event refers to, or "" for document-level
// events.
func (e Event) ZoneID() string {
	switch p := e.Payload.(type) {
	case ZoneQueuedPayload:
		return p.ZoneID
	case ZoneStartedPayload:
		return p.ZoneID
	case ZoneProgressPayload:
		return p.ZoneID
	case ZoneCompletedPayload:
		return p.ZoneID
	case ZoneFailedPayload:
		return p.ZoneID
	case ZoneSkippedPayload:
		return p.ZoneID
	case ZoneCancelledPayload:
		return p.ZoneID
	case ZoneCorrectedPayload:
		return p.ZoneID
	}
	return ""
}
