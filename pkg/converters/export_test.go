package converters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/zone-engine/internal/models"
)

func exportZone(id string, page int, status models.ZoneStatus) *models.Zone {
	return &models.Zone{
		ID:          id,
		DocumentID:  "doc-1",
		PageNumber:  page,
		Box:         models.BoundingBox{X: 10, Y: 10, Width: 100, Height: 40},
		ContentType: models.ContentTypeText,
		Status:      status,
	}
}

func TestConvertOrdersZonesForReading(t *testing.T) {
	second := exportZone("z-p2", 2, models.ZoneStatusCompleted)
	lower := exportZone("z-low", 1, models.ZoneStatusCompleted)
	lower.Box.Y = 500
	upperRight := exportZone("z-right", 1, models.ZoneStatusCompleted)
	upperRight.Box.Y = 40
	upperRight.Box.X = 300
	upperLeft := exportZone("z-left", 1, models.ZoneStatusCompleted)
	upperLeft.Box.Y = 40

	doc, err := NewJSONConverter().Convert("doc-1", []*models.Zone{second, lower, upperRight, upperLeft})
	require.NoError(t, err)

	ids := make([]string, 0, len(doc.Zones))
	for _, z := range doc.Zones {
		ids = append(ids, z.ZoneID)
	}
	assert.Equal(t, []string{"z-left", "z-right", "z-low", "z-p2"}, ids)
}

func TestConvertAggregatesMetadata(t *testing.T) {
	table := exportZone("z1", 1, models.ZoneStatusCompleted)
	table.ContentType = models.ContentTypeTable
	table.Content = "a,b\n1,2"
	table.Confidence = 0.9
	table.AssignedTool = "camelot"
	table.Attempt = 1
	table.History = []models.AttemptRecord{{Attempt: 1, Tool: "camelot", DurationMs: 1200, Accepted: true}}

	text := exportZone("z2", 1, models.ZoneStatusCompleted)
	text.Content = "Paragraph."
	text.Confidence = 0.8
	text.AssignedTool = "pdfplumber"
	text.Attempt = 2
	text.History = []models.AttemptRecord{
		{Attempt: 1, Tool: "unstructured", DurationMs: 300},
		{Attempt: 2, Tool: "pdfplumber", DurationMs: 500, Accepted: true},
	}

	failed := exportZone("z3", 2, models.ZoneStatusFailed)
	failed.ManualReview = true

	skipped := exportZone("z4", 3, models.ZoneStatusSkipped)

	doc, err := NewJSONConverter().Convert("doc-1", []*models.Zone{table, text, failed, skipped})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", doc.DocumentID)
	assert.Equal(t, "partial", doc.Status)
	assert.False(t, doc.ExportedAt.IsZero())

	m := doc.Metadata
	assert.Equal(t, 4, m.ZoneCount)
	assert.Equal(t, 3, m.PageCount)
	assert.Equal(t, []string{"table", "text"}, m.ContentTypes)
	assert.Equal(t, 2, m.StatusCounts["completed"])
	assert.Equal(t, 1, m.StatusCounts["failed"])
	assert.Equal(t, 1, m.StatusCounts["skipped"])
	assert.InDelta(t, 0.85, m.MeanConfidence, 1e-9)
	assert.Equal(t, 1, m.NeedsReview)
	assert.Equal(t, int64(2000), m.ProcessingMs)
}

func TestConvertCarriesZoneFields(t *testing.T) {
	zone := exportZone("z1", 4, models.ZoneStatusCompleted)
	zone.Content = "corrected by hand"
	zone.Confidence = 1.0
	zone.ManuallyCorrected = true
	zone.Attempt = 3
	zone.AssignedTool = "tesseract"

	doc, err := NewJSONConverter().Convert("doc-1", []*models.Zone{zone})
	require.NoError(t, err)

	require.Len(t, doc.Zones, 1)
	out := doc.Zones[0]
	assert.Equal(t, "z1", out.ZoneID)
	assert.Equal(t, 4, out.PageNumber)
	assert.Equal(t, "text", out.ContentType)
	assert.Equal(t, "corrected by hand", out.Content)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, "tesseract", out.Tool)
	assert.Equal(t, "completed", out.Status)
	assert.True(t, out.Corrected)
	assert.Equal(t, 3, out.Attempts)
}

func TestConvertStatusVerdicts(t *testing.T) {
	cases := []struct {
		name     string
		statuses []models.ZoneStatus
		want     string
	}{
		{"all completed", []models.ZoneStatus{models.ZoneStatusCompleted, models.ZoneStatusCompleted}, "completed"},
		{"some content", []models.ZoneStatus{models.ZoneStatusCompleted, models.ZoneStatusFailed}, "partial"},
		{"no content", []models.ZoneStatus{models.ZoneStatusFailed, models.ZoneStatusCancelled, models.ZoneStatusSkipped}, "failed"},
		{"still running", []models.ZoneStatus{models.ZoneStatusCompleted, models.ZoneStatusProcessing}, "in_progress"},
		{"still queued", []models.ZoneStatus{models.ZoneStatusQueued}, "in_progress"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zones := make([]*models.Zone, 0, len(tc.statuses))
			for i, s := range tc.statuses {
				zones = append(zones, exportZone(string(rune('a'+i)), 1, s))
			}
			doc, err := NewJSONConverter().Convert("doc-1", zones)
			require.NoError(t, err)
			assert.Equal(t, tc.want, doc.Status)
		})
	}
}

func TestConvertRejectsEmptyInput(t *testing.T) {
	_, err := NewJSONConverter().Convert("", []*models.Zone{exportZone("z1", 1, models.ZoneStatusCompleted)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document id is required")

	_, err = NewJSONConverter().Convert("doc-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no zones to export")
}
