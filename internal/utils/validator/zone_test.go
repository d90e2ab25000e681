package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

func validZone(id string) *models.Zone {
	return &models.Zone{
		ID:         id,
		PageNumber: 1,
		Box: models.BoundingBox{
			X: 12, Y: 30, Width: 140, Height: 60,
			PageWidth: 612, PageHeight: 792,
		},
		ContentType: models.ContentTypeTable,
	}
}

func codes(result *ValidationResult) []string {
	out := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		out = append(out, e.Code)
	}
	return out
}

func findCode(t *testing.T, result *ValidationResult, code string) ValidationError {
	t.Helper()
	for _, e := range result.Errors {
		if e.Code == code {
			return e
		}
	}
	t.Fatalf("no %s error among %v", code, codes(result))
	return ValidationError{}
}

func TestValidBatchPasses(t *testing.T) {
	log := logger.NewTestLogger()
	v := NewZoneValidator(log, nil)

	text := validZone("z-text")
	text.ContentType = models.ContentTypeText
	text.Priority = 7
	image := validZone("z-image")
	image.ContentType = models.ContentTypeImage
	image.PageNumber = 12

	result := v.ValidateBatch("doc-1", []*models.Zone{validZone("z-table"), text, image})
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.False(t, log.HasMessage("WARN", "Zone batch rejected"))
}

func TestMissingDocumentID(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	result := v.ValidateBatch("", []*models.Zone{validZone("z1")})
	require.False(t, result.IsValid)
	e := findCode(t, result, "MISSING_DOCUMENT_ID")
	assert.Equal(t, "documentId", e.Field)
	assert.Equal(t, "document id is required", e.Message)
}

func TestEmptyBatch(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	result := v.ValidateBatch("doc-1", nil)
	require.False(t, result.IsValid)
	e := findCode(t, result, "EMPTY_BATCH")
	assert.Equal(t, "zones", e.Field)
}

func TestBatchTooLarge(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), &ValidatorConfig{
		MaxBatchSize: 2,
		MaxPageCount: 1000,
		MinZoneSize:  1,
	})

	batch := []*models.Zone{validZone("z1"), validZone("z2"), validZone("z3")}
	result := v.ValidateBatch("doc-1", batch)
	require.False(t, result.IsValid)
	e := findCode(t, result, "BATCH_TOO_LARGE")
	assert.Equal(t, "batch has 3 zones, limit is 2", e.Message)
}

func TestMissingZoneIDShortCircuitsZoneChecks(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	zone := validZone("")
	zone.Box.Width = 0 // must not be reported for an unidentified zone
	result := v.ValidateBatch("doc-1", []*models.Zone{zone})
	require.False(t, result.IsValid)
	assert.Equal(t, []string{"MISSING_ZONE_ID"}, codes(result))
}

func TestDuplicateZoneIDShortCircuitsZoneChecks(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	dup := validZone("z1")
	dup.PageNumber = 0 // swallowed by the duplicate short-circuit
	result := v.ValidateBatch("doc-1", []*models.Zone{validZone("z1"), dup})
	require.False(t, result.IsValid)
	assert.Equal(t, []string{"DUPLICATE_ZONE_ID"}, codes(result))
	e := findCode(t, result, "DUPLICATE_ZONE_ID")
	assert.Equal(t, "zone z1 appears more than once in the batch", e.Message)
	assert.Equal(t, "z1", e.ZoneID)
}

func TestPageNumberBounds(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	low := validZone("z-low")
	low.PageNumber = 0
	high := validZone("z-high")
	high.PageNumber = 1001

	result := v.ValidateBatch("doc-1", []*models.Zone{low, high})
	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "page number 0, pages start at 1", result.Errors[0].Message)
	assert.Equal(t, "z-low", result.Errors[0].ZoneID)
	assert.Equal(t, "page number 1001 exceeds the limit of 1000", result.Errors[1].Message)
	assert.Equal(t, "z-high", result.Errors[1].ZoneID)
}

func TestBoundingBoxValidation(t *testing.T) {
	t.Run("no area", func(t *testing.T) {
		v := NewZoneValidator(logger.NewTestLogger(), nil)
		zone := validZone("z1")
		zone.Box.Width = 0
		result := v.ValidateBatch("doc-1", []*models.Zone{zone})
		e := findCode(t, result, "INVALID_BOUNDING_BOX")
		assert.Equal(t, "bounding box 0x60 has no area", e.Message)
	})

	t.Run("negative origin", func(t *testing.T) {
		v := NewZoneValidator(logger.NewTestLogger(), nil)
		zone := validZone("z1")
		zone.Box.X = -5
		result := v.ValidateBatch("doc-1", []*models.Zone{zone})
		e := findCode(t, result, "INVALID_BOUNDING_BOX")
		assert.Equal(t, "origin (-5, 30) lies outside the page", e.Message)
	})

	t.Run("negative page dimensions", func(t *testing.T) {
		v := NewZoneValidator(logger.NewTestLogger(), nil)
		zone := validZone("z1")
		zone.Box.PageWidth = -1
		result := v.ValidateBatch("doc-1", []*models.Zone{zone})
		e := findCode(t, result, "INVALID_BOUNDING_BOX")
		assert.Equal(t, "page dimensions cannot be negative", e.Message)
	})

	t.Run("edge below minimum", func(t *testing.T) {
		v := NewZoneValidator(logger.NewTestLogger(), &ValidatorConfig{
			MaxBatchSize: 500,
			MaxPageCount: 1000,
			MinZoneSize:  4,
		})
		zone := validZone("z1")
		zone.Box.Width = 2
		result := v.ValidateBatch("doc-1", []*models.Zone{zone})
		e := findCode(t, result, "ZONE_TOO_SMALL")
		assert.Equal(t, "bounding box 2x60 below the minimum edge of 4", e.Message)
	})
}

func TestUnsupportedContentType(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	zone := validZone("z1")
	zone.ContentType = models.ContentType("hologram")
	result := v.ValidateBatch("doc-1", []*models.Zone{zone})
	require.False(t, result.IsValid)
	e := findCode(t, result, "UNSUPPORTED_CONTENT_TYPE")
	assert.Equal(t, `content type "hologram" is not recognized`, e.Message)
	assert.Equal(t, "contentType", e.Field)
}

func TestPriorityValidation(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	// Zero means "engine picks the default" and passes.
	zero := validZone("z-zero")
	zero.Priority = 0
	result := v.ValidateBatch("doc-1", []*models.Zone{zero})
	assert.True(t, result.IsValid)

	over := validZone("z-over")
	over.Priority = 11
	under := validZone("z-under")
	under.Priority = -2
	result = v.ValidateBatch("doc-1", []*models.Zone{over, under})
	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "priority 11 outside [1, 10]", result.Errors[0].Message)
	assert.Equal(t, "priority -2 outside [1, 10]", result.Errors[1].Message)
}

func TestNilConfigUsesDefaults(t *testing.T) {
	v := NewZoneValidator(logger.NewTestLogger(), nil)

	// Default minimum edge is 1 pixel.
	zone := validZone("z1")
	zone.Box.Width = 0.5
	result := v.ValidateBatch("doc-1", []*models.Zone{zone})
	require.False(t, result.IsValid)
	e := findCode(t, result, "ZONE_TOO_SMALL")
	assert.Equal(t, "bounding box 0.5x60 below the minimum edge of 1", e.Message)
}

func TestErrorsAccumulateAcrossChecks(t *testing.T) {
	log := logger.NewTestLogger()
	v := NewZoneValidator(log, nil)

	zone := validZone("z1")
	zone.PageNumber = 0
	zone.Box.Height = -3
	zone.ContentType = models.ContentType("scroll")

	result := v.ValidateBatch("doc-1", []*models.Zone{zone})
	require.False(t, result.IsValid)
	assert.ElementsMatch(t, []string{"INVALID_PAGE", "INVALID_BOUNDING_BOX", "UNSUPPORTED_CONTENT_TYPE"}, codes(result))
	assert.True(t, log.HasMessage("WARN", "Zone batch rejected"))
}
