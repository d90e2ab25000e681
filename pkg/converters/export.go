package converters

import (
	"fmt"
	"sort"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
)

// ZoneConverter 定义区域结果转换器接口
type ZoneConverter interface {
	Convert(documentID string, zones []*models.Zone) (*ExportDocument, error)
}

// ExportDocument 定义导出的文档结构
type ExportDocument struct {
	DocumentID string         `json:"documentId"`
	Status     string         `json:"status"`
	Zones      []ExportZone   `json:"zones"`
	Metadata   ExportMetadata `json:"metadata"`
	ExportedAt time.Time      `json:"exportedAt"`
}

// ExportZone 定义单个区域的导出内容
type ExportZone struct {
	ZoneID      string  `json:"zoneId"`
	PageNumber  int     `json:"pageNumber"`
	ContentType string  `json:"contentType"`
	Content     string  `json:"content,omitempty"`
	Confidence  float64 `json:"confidence"`
	Tool        string  `json:"tool,omitempty"`
	Status      string  `json:"status"`
	Corrected   bool    `json:"corrected,omitempty"`
	Attempts    int     `json:"attempts"`
}

// ExportMetadata 定义导出文档的聚合元数据
type ExportMetadata struct {
	ZoneCount      int            `json:"zoneCount"`
	PageCount      int            `json:"pageCount"`
	ContentTypes   []string       `json:"contentTypes"`
	StatusCounts   map[string]int `json:"statusCounts"`
	MeanConfidence float64        `json:"meanConfidence"`
	NeedsReview    int            `json:"needsReview"`
	ProcessingMs   int64          `json:"processingMs"`
}

// JSONConverter 实现区域结果转换器
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

// Convert flattens a document's zones into the export shape downstream
// consumers index. Zones come out in reading order: by page, then top
// to bottom and left to right within a page.
func (c *JSONConverter) Convert(documentID string, zones []*models.Zone) (*ExportDocument, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("document %s has no zones to export", documentID)
	}

	ordered := make([]*models.Zone, len(zones))
	copy(ordered, zones)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PageNumber != ordered[j].PageNumber {
			return ordered[i].PageNumber < ordered[j].PageNumber
		}
		if ordered[i].Box.Y != ordered[j].Box.Y {
			return ordered[i].Box.Y < ordered[j].Box.Y
		}
		return ordered[i].Box.X < ordered[j].Box.X
	})

	doc := &ExportDocument{
		DocumentID: documentID,
		ExportedAt: time.Now().UTC(),
		Zones:      make([]ExportZone, 0, len(ordered)),
		Metadata: ExportMetadata{
			StatusCounts: make(map[string]int),
		},
	}

	pages := make(map[int]bool)
	types := make(map[string]bool)
	var confidenceSum float64
	var completed int
	var processingMs int64

	for _, zone := range ordered {
		doc.Zones = append(doc.Zones, ExportZone{
			ZoneID:      zone.ID,
			PageNumber:  zone.PageNumber,
			ContentType: string(zone.ContentType),
			Content:     zone.Content,
			Confidence:  zone.Confidence,
			Tool:        zone.AssignedTool,
			Status:      string(zone.Status),
			Corrected:   zone.ManuallyCorrected,
			Attempts:    zone.Attempt,
		})

		pages[zone.PageNumber] = true
		types[string(zone.ContentType)] = true
		doc.Metadata.StatusCounts[string(zone.Status)]++
		if zone.Status == models.ZoneStatusCompleted {
			confidenceSum += zone.Confidence
			completed++
		}
		if zone.ManualReview {
			doc.Metadata.NeedsReview++
		}
		for _, attempt := range zone.History {
			processingMs += attempt.DurationMs
		}
	}

	doc.Metadata.ZoneCount = len(ordered)
	doc.Metadata.PageCount = len(pages)
	doc.Metadata.ContentTypes = make([]string, 0, len(types))
	for ct := range types {
		doc.Metadata.ContentTypes = append(doc.Metadata.ContentTypes, ct)
	}
	sort.Strings(doc.Metadata.ContentTypes)
	if completed > 0 {
		doc.Metadata.MeanConfidence = confidenceSum / float64(completed)
	}
	doc.Metadata.ProcessingMs = processingMs

	doc.Status = exportStatus(doc.Metadata.StatusCounts, len(ordered))
	return doc, nil
}

// exportStatus rolls the per-zone counts up into one verdict. Completed
// means every zone yielded content, partial means some did, failed means
// none did; anything still queued or running keeps the export in_progress.
func exportStatus(counts map[string]int, total int) string {
	completed := counts[string(models.ZoneStatusCompleted)]
	terminal := completed
	for _, s := range []models.ZoneStatus{
		models.ZoneStatusFailed,
		models.ZoneStatusCancelled,
		models.ZoneStatusSkipped,
	} {
		terminal += counts[string(s)]
	}

	switch {
	case terminal < total:
		return "in_progress"
	case completed == total:
		return "completed"
	case completed > 0:
		return "partial"
	default:
		return "failed"
	}
}
