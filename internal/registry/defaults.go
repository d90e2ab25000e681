package registry

import (
	"github.com/feichai0017/zone-engine/internal/models"
)

// defaultVersion tags the built-in descriptor set.
const defaultVersion = "2025.06"

// defaultDescriptors is the built-in capability set. Ratings follow the
// operational benchmarks collected from production runs; a YAML override
// file replaces the whole set (see LoadFile).
var defaultDescriptors = []models.ToolDescriptor{
	{
		Name:                  "camelot",
		Version:               "0.11",
		SupportedContentTypes: []models.ContentType{models.ContentTypeTable},
		AccuracyRating:        0.95,
		SpeedRating:           models.SpeedSlow,
		MemoryEfficiency:      0.6,
		MaxInputSize:          50 << 20,
		SpecialFeatures:       []string{models.FeatureTableDetect},
		CostEstimate:          0.8,
	},
	{
		Name:                  "tabula",
		Version:               "1.0",
		SupportedContentTypes: []models.ContentType{models.ContentTypeTable},
		AccuracyRating:        0.88,
		SpeedRating:           models.SpeedMedium,
		MemoryEfficiency:      0.7,
		MaxInputSize:          50 << 20,
		SpecialFeatures:       []string{models.FeatureTableDetect},
		CostEstimate:          0.5,
	},
	{
		Name:                  "pdfplumber",
		Version:               "0.10",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeTable},
		AccuracyRating:        0.75,
		SpeedRating:           models.SpeedMedium,
		MemoryEfficiency:      0.8,
		MaxInputSize:          100 << 20,
		SpecialFeatures:       []string{models.FeatureLayout},
		CostEstimate:          0.3,
	},
	{
		Name:                  "unstructured",
		Version:               "0.15",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeMixed},
		AccuracyRating:        0.85,
		SpeedRating:           models.SpeedMedium,
		MemoryEfficiency:      0.6,
		MaxInputSize:          100 << 20,
		SpecialFeatures:       []string{models.FeatureLayout},
		CostEstimate:          0.4,
	},
	{
		Name:                  "layoutlm",
		Version:               "3.0",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeDiagram, models.ContentTypeMixed},
		AccuracyRating:        0.90,
		SpeedRating:           models.SpeedSlow,
		MemoryEfficiency:      0.4,
		MaxInputSize:          20 << 20,
		SpecialFeatures:       []string{models.FeatureLayout, models.FeatureLowConfidence},
		CostEstimate:          0.9,
	},
	{
		Name:                  "paddle",
		Version:               "2.7",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeImage},
		AccuracyRating:        0.86,
		SpeedRating:           models.SpeedFast,
		MemoryEfficiency:      0.7,
		MaxInputSize:          32 << 20,
		SpecialFeatures:       []string{models.FeatureOCR},
		CostEstimate:          0.4,
	},
	{
		Name:                  "tesseract",
		Version:               "5.3",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeImage},
		AccuracyRating:        0.78,
		SpeedRating:           models.SpeedFast,
		MemoryEfficiency:      0.9,
		MaxInputSize:          32 << 20,
		SpecialFeatures:       []string{models.FeatureOCR, models.FeatureLowConfidence},
		CostEstimate:          0.1,
	},
	{
		Name:                  "textract",
		Version:               "2024.11",
		SupportedContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeImage, models.ContentTypeMixed},
		AccuracyRating:        0.92,
		SpeedRating:           models.SpeedMedium,
		MemoryEfficiency:      1.0,
		MaxInputSize:          10 << 20,
		SpecialFeatures:       []string{models.FeatureOCR, models.FeatureForms},
		CostEstimate:          1.0,
	},
}
