package models

import (
	"time"
)

// DocumentStatus 文档处理状态
type DocumentStatus string

const (
	DocumentStatusQueued     DocumentStatus = "queued"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusPaused     DocumentStatus = "paused"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusCancelled  DocumentStatus = "cancelled"
)

// ZonePhase is the fine-grained pipeline stage of a zone.
type ZonePhase string

const (
	PhaseQueued       ZonePhase = "queued"
	PhaseInitializing ZonePhase = "initializing"
	PhaseAnalyzing    ZonePhase = "analyzing"
	PhaseProcessing   ZonePhase = "processing"
	PhaseValidating   ZonePhase = "validating"
	PhaseFinalizing   ZonePhase = "finalizing"
	PhaseCompleted    ZonePhase = "completed"
	PhaseError        ZonePhase = "error"
	PhaseFailed       ZonePhase = "failed"
	PhaseSkipped      ZonePhase = "skipped"
	PhaseCancelled    ZonePhase = "cancelled"
)

// phaseOrder drives forward-only transition checks for the happy path.
var phaseOrder = map[ZonePhase]int{
	PhaseQueued:       0,
	PhaseInitializing: 1,
	PhaseAnalyzing:    2,
	PhaseProcessing:   3,
	PhaseValidating:   4,
	PhaseFinalizing:   5,
	PhaseCompleted:    6,
}

// phaseProgress maps a phase to its completion percentage.
var phaseProgress = map[ZonePhase]float64{
	PhaseQueued:       0,
	PhaseInitializing: 10,
	PhaseAnalyzing:    25,
	PhaseProcessing:   60,
	PhaseValidating:   80,
	PhaseFinalizing:   90,
	PhaseCompleted:    100,
	PhaseError:        0,
	PhaseFailed:       100,
	PhaseSkipped:      100,
	PhaseCancelled:    100,
}

// Terminal reports whether the phase permits no further transition.
func (p ZonePhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseCancelled:
		return true
	}
	return false
}

// Progress returns the completion percentage the phase represents.
func (p ZonePhase) Progress() float64 {
	return phaseProgress[p]
}

// CanTransition reports whether moving from p to next is legal: forward
// along the pipeline, into error from any non-terminal phase, error back
// to queued on retry, and non-terminal phases to failed/skipped/cancelled.
// Failed additionally permits queued, the operator retry path; the other
// terminal phases are sealed.
func (p ZonePhase) CanTransition(next ZonePhase) bool {
	if p == PhaseFailed && next == PhaseQueued {
		return true
	}
	if p.Terminal() {
		return false
	}
	switch next {
	case PhaseError:
		return p != PhaseError
	case PhaseQueued:
		return p == PhaseError
	case PhaseFailed:
		return true
	case PhaseSkipped, PhaseCancelled:
		return true
	}
	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// ZoneProcessingState is the per-zone slice of a document aggregate.
type ZoneProcessingState struct {
	ZoneID       string    `json:"zoneId"`
	Phase        ZonePhase `json:"phase"`
	AssignedTool string    `json:"assignedTool,omitempty"`
	Attempt      int       `json:"attempt"`
	Confidence   float64   `json:"confidence"`
	Progress     float64   `json:"progress"`
	LastError    string    `json:"lastError,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WorkerStatus 工作协程状态
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerState tracks one pool worker's health.
type WorkerState struct {
	WorkerID       string       `json:"workerId"`
	Status         WorkerStatus `json:"status"`
	CurrentZone    string       `json:"currentZone,omitempty"`
	ProcessedCount int64        `json:"processedCount"`
	FailureCount   int64        `json:"failureCount"`
	StartedAt      time.Time    `json:"startedAt"`
	LastActiveAt   time.Time    `json:"lastActiveAt"`
}

// SystemHealth is a coarse snapshot of the engine's own condition.
type SystemHealth struct {
	Status       string    `json:"status"`
	EventBacklog int       `json:"eventBacklog"`
	LastEventAt  time.Time `json:"lastEventAt,omitempty"`
}

// ProcessingState is the per-document aggregate owned by the status hub.
type ProcessingState struct {
	DocumentID        string                          `json:"documentId"`
	Status            DocumentStatus                  `json:"status"`
	OverallProgress   float64                         `json:"overallProgress"`
	Queue             QueueMetrics                    `json:"queue"`
	Zones             map[string]*ZoneProcessingState `json:"zones"`
	Workers           map[string]*WorkerState         `json:"workers"`
	Health            SystemHealth                    `json:"health"`
	ActiveConnections int                             `json:"activeConnections"`
	StartedAt         time.Time                       `json:"startedAt"`
	UpdatedAt         time.Time                       `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to readers.
func (s *ProcessingState) Clone() *ProcessingState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Zones = make(map[string]*ZoneProcessingState, len(s.Zones))
	for id, z := range s.Zones {
		zc := *z
		cp.Zones[id] = &zc
	}
	cp.Workers = make(map[string]*WorkerState, len(s.Workers))
	for id, w := range s.Workers {
		wc := *w
		cp.Workers[id] = &wc
	}
	return &cp
}

// RecalculateProgress recomputes the document progress as the mean of
// per-zone phase percentages.
func (s *ProcessingState) RecalculateProgress() {
	if len(s.Zones) == 0 {
		s.OverallProgress = 0
		return
	}
	var sum float64
	for _, z := range s.Zones {
		sum += z.Phase.Progress()
	}
	s.OverallProgress = sum / float64(len(s.Zones))
}

// ConnectionStats summarizes the subscriber population and delivery health.
type ConnectionStats struct {
	Total             int            `json:"total"`
	Active            int            `json:"active"`
	Inactive          int            `json:"inactive"`
	PerDocument       map[string]int `json:"perDocument,omitempty"`
	Delivered         int64          `json:"delivered"`
	Dropped           int64          `json:"dropped"`
	Expired           int64          `json:"expired"`
	AverageDeliveryMs float64        `json:"averageDeliveryMs"`
}
