package validator

import (
	"fmt"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// ZoneValidator 区域提交验证器
type ZoneValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxBatchSize int     // 单次提交最大区域数
	MaxPageCount int     // 文档最大页数
	MinZoneSize  float64 // 区域最小边长（像素）
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	ZoneID  string `json:"zoneId,omitempty"`
}

// NewZoneValidator 创建新的区域验证器
func NewZoneValidator(log logger.Logger, config *ValidatorConfig) *ZoneValidator {
	if config == nil {
		config = &ValidatorConfig{
			MaxBatchSize: 500,
			MaxPageCount: 1000,
			MinZoneSize:  1,
		}
	}
	return &ZoneValidator{
		logger: log.Named("validator"),
		config: config,
	}
}

// ValidateBatch 验证一次提交的所有区域
func (v *ZoneValidator) ValidateBatch(documentID string, zones []*models.Zone) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		Errors:  make([]ValidationError, 0),
	}

	if documentID == "" {
		result.add("MISSING_DOCUMENT_ID", "document id is required", "documentId", "")
	}
	if len(zones) == 0 {
		result.add("EMPTY_BATCH", "at least one zone is required", "zones", "")
	}
	if v.config.MaxBatchSize > 0 && len(zones) > v.config.MaxBatchSize {
		result.add("BATCH_TOO_LARGE",
			fmt.Sprintf("batch has %d zones, limit is %d", len(zones), v.config.MaxBatchSize),
			"zones", "")
	}

	seen := make(map[string]bool, len(zones))
	for _, zone := range zones {
		v.validateZone(result, zone, seen)
	}

	if !result.IsValid {
		v.logger.Warn("Zone batch rejected",
			logger.String("documentId", documentID),
			logger.Int("zones", len(zones)),
			logger.Int("errors", len(result.Errors)),
		)
	}
	return result
}

// validateZone 验证单个区域
func (v *ZoneValidator) validateZone(result *ValidationResult, zone *models.Zone, seen map[string]bool) {
	if zone.ID == "" {
		result.add("MISSING_ZONE_ID", "zone id is required", "id", "")
		return
	}
	if seen[zone.ID] {
		result.add("DUPLICATE_ZONE_ID",
			fmt.Sprintf("zone %s appears more than once in the batch", zone.ID),
			"id", zone.ID)
		return
	}
	seen[zone.ID] = true

	if zone.PageNumber < 1 {
		result.add("INVALID_PAGE",
			fmt.Sprintf("page number %d, pages start at 1", zone.PageNumber),
			"pageNumber", zone.ID)
	} else if v.config.MaxPageCount > 0 && zone.PageNumber > v.config.MaxPageCount {
		result.add("INVALID_PAGE",
			fmt.Sprintf("page number %d exceeds the limit of %d", zone.PageNumber, v.config.MaxPageCount),
			"pageNumber", zone.ID)
	}

	box := zone.Box
	if box.Width <= 0 || box.Height <= 0 {
		result.add("INVALID_BOUNDING_BOX",
			fmt.Sprintf("bounding box %gx%g has no area", box.Width, box.Height),
			"boundingBox", zone.ID)
	} else if box.Width < v.config.MinZoneSize || box.Height < v.config.MinZoneSize {
		result.add("ZONE_TOO_SMALL",
			fmt.Sprintf("bounding box %gx%g below the minimum edge of %g", box.Width, box.Height, v.config.MinZoneSize),
			"boundingBox", zone.ID)
	}
	if box.X < 0 || box.Y < 0 {
		result.add("INVALID_BOUNDING_BOX",
			fmt.Sprintf("origin (%g, %g) lies outside the page", box.X, box.Y),
			"boundingBox", zone.ID)
	}
	if box.PageWidth < 0 || box.PageHeight < 0 {
		result.add("INVALID_BOUNDING_BOX", "page dimensions cannot be negative", "boundingBox", zone.ID)
	}

	if !zone.ContentType.Valid() {
		result.add("UNSUPPORTED_CONTENT_TYPE",
			fmt.Sprintf("content type %q is not recognized", zone.ContentType),
			"contentType", zone.ID)
	}

	// 优先级为 0 时由引擎填默认值
	if zone.Priority != 0 && !models.ValidPriority(zone.Priority) {
		result.add("INVALID_PRIORITY",
			fmt.Sprintf("priority %d outside [%d, %d]", zone.Priority, models.MinPriority, models.MaxPriority),
			"priority", zone.ID)
	}
}

func (r *ValidationResult) add(code, message, field, zoneID string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{
		Code:    code,
		Message: message,
		Field:   field,
		ZoneID:  zoneID,
	})
}
