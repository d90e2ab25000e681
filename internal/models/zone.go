package models

import (
	"time"
)

// ContentType classifies what a zone contains.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeTable   ContentType = "table"
	ContentTypeDiagram ContentType = "diagram"
	ContentTypeImage   ContentType = "image"
	ContentTypeMixed   ContentType = "mixed"
)

// Valid reports whether the content type is one of the known kinds.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeText, ContentTypeTable, ContentTypeDiagram, ContentTypeImage, ContentTypeMixed:
		return true
	}
	return false
}

// ZoneStatus 区域状态
type ZoneStatus string

const (
	ZoneStatusQueued     ZoneStatus = "queued"
	ZoneStatusProcessing ZoneStatus = "processing"
	ZoneStatusCompleted  ZoneStatus = "completed"
	ZoneStatusFailed     ZoneStatus = "failed"
	ZoneStatusCancelled  ZoneStatus = "cancelled"
	ZoneStatusSkipped    ZoneStatus = "skipped"
)

// Terminal reports whether no further processing may happen for the status.
func (s ZoneStatus) Terminal() bool {
	switch s {
	case ZoneStatusCompleted, ZoneStatusFailed, ZoneStatusCancelled, ZoneStatusSkipped:
		return true
	}
	return false
}

// BoundingBox locates a zone on its page.
type BoundingBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	PageWidth  float64 `json:"pageWidth,omitempty"`
	PageHeight float64 `json:"pageHeight,omitempty"`
}

// Zone is a content region of a document handed over by detection.
type Zone struct {
	ID                string          `json:"id"`
	DocumentID        string          `json:"documentId"`
	PageNumber        int             `json:"pageNumber"`
	Box               BoundingBox     `json:"boundingBox"`
	ContentType       ContentType     `json:"contentType"`
	Content           string          `json:"content,omitempty"`
	Confidence        float64         `json:"confidence"`
	AssignedTool      string          `json:"assignedTool,omitempty"`
	Priority          int             `json:"priority"`
	Status            ZoneStatus      `json:"status"`
	Attempt           int             `json:"attempt"`
	ManuallyCorrected bool            `json:"manuallyCorrected,omitempty"`
	ManualReview      bool            `json:"manualReview,omitempty"`
	History           []AttemptRecord `json:"history,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt,omitempty"`
}

// AttemptRecord is one entry of a zone's processing provenance.
type AttemptRecord struct {
	Attempt    int       `json:"attempt"`
	Tool       string    `json:"tool"`
	Confidence float64   `json:"confidence"`
	Accepted   bool      `json:"accepted"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// TriedTools lists the tools recorded in the attempt history, in order.
func (z *Zone) TriedTools() []string {
	tools := make([]string, 0, len(z.History))
	for _, rec := range z.History {
		tools = append(tools, rec.Tool)
	}
	return tools
}

// SpeedRating 工具速度等级
type SpeedRating string

const (
	SpeedVeryFast SpeedRating = "very_fast"
	SpeedFast     SpeedRating = "fast"
	SpeedMedium   SpeedRating = "medium"
	SpeedSlow     SpeedRating = "slow"
)

// Rank orders speed ratings for tie-breaking. Higher is faster.
func (s SpeedRating) Rank() int {
	switch s {
	case SpeedVeryFast:
		return 3
	case SpeedFast:
		return 2
	case SpeedMedium:
		return 1
	default:
		return 0
	}
}

// Special feature names tools may declare.
const (
	FeatureOCR           = "ocr"
	FeatureLowConfidence = "low_confidence"
	FeatureHandwriting   = "handwriting"
	FeatureTableDetect   = "table_detection"
	FeatureLayout        = "layout_analysis"
	FeatureForms         = "form_extraction"
)

// ToolDescriptor describes a pluggable extraction capability. Immutable
// after registry load.
type ToolDescriptor struct {
	Name                  string        `json:"name" yaml:"name"`
	Version               string        `json:"version" yaml:"version"`
	SupportedContentTypes []ContentType `json:"supportedContentTypes" yaml:"supportedContentTypes"`
	AccuracyRating        float64       `json:"accuracyRating" yaml:"accuracyRating"`
	SpeedRating           SpeedRating   `json:"speedRating" yaml:"speedRating"`
	MemoryEfficiency      float64       `json:"memoryEfficiency" yaml:"memoryEfficiency"`
	MaxInputSize          int64         `json:"maxInputSize" yaml:"maxInputSize"`
	SpecialFeatures       []string      `json:"specialFeatures" yaml:"specialFeatures"`
	CostEstimate          float64       `json:"costEstimate" yaml:"costEstimate"`
}

// Supports reports whether the tool can process the given content type.
func (t ToolDescriptor) Supports(ct ContentType) bool {
	for _, s := range t.SupportedContentTypes {
		if s == ct {
			return true
		}
	}
	return false
}

// HasFeature reports whether the tool declares a special feature.
func (t ToolDescriptor) HasFeature(name string) bool {
	for _, f := range t.SpecialFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// ConfidenceScore is the scored result of one processing attempt.
type ConfidenceScore struct {
	FinalConfidence float64   `json:"finalConfidence"`
	ToolReported    float64   `json:"toolReported"`
	ToolBaseline    float64   `json:"toolBaseline"`
	Agreement       *float64  `json:"agreement,omitempty"`
	ManualOverride  bool      `json:"manualOverride,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ComputedAt      time.Time `json:"computedAt"`
}

// FallbackDecision is a single retry/fallback ruling for a zone attempt.
type FallbackDecision struct {
	ZoneID     string   `json:"zoneId"`
	TriedTools []string `json:"triedTools"`
	NextTool   string   `json:"nextTool,omitempty"`
	Reason     string   `json:"reason"`
	Attempt    int      `json:"attempt"`
	Exhausted  bool     `json:"exhausted"`
}

// QueuedZone is a unit of work awaiting a worker.
type QueuedZone struct {
	ZoneID         string    `json:"zoneId"`
	DocumentID     string    `json:"documentId"`
	Tool           string    `json:"tool"`
	Priority       int       `json:"priority"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	Attempt        int       `json:"attempt"`
	AssignedWorker string    `json:"assignedWorker,omitempty"`
}

// Priority bounds for queue items and events.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ValidPriority reports whether p lies in the accepted range.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// QueueMetrics is a point-in-time snapshot of queue health.
type QueueMetrics struct {
	Queued              int       `json:"queued"`
	Paused              int       `json:"paused"`
	Processing          int       `json:"processing"`
	Completed           int64     `json:"completed"`
	Failed              int64     `json:"failed"`
	Cancelled           int64     `json:"cancelled"`
	ActiveWorkers       int       `json:"activeWorkers"`
	Capacity            int       `json:"capacity"`
	AverageWaitMs       float64   `json:"averageWaitMs"`
	AverageProcessingMs float64   `json:"averageProcessingMs"`
	ThroughputPerMin    float64   `json:"throughputPerMin"`
	ErrorRate           float64   `json:"errorRate"`
	ResourceUtilization float64   `json:"resourceUtilization"`
	UpdatedAt           time.Time `json:"updatedAt"`
}
