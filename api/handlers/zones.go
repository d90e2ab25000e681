package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/zone-engine/internal/engine"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/utils/validator"
	"github.com/feichai0017/zone-engine/pkg/converters"
	"github.com/feichai0017/zone-engine/pkg/dispatch"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
)

type ZoneHandler struct {
	engine     *engine.Engine
	hub        *status.Hub
	dispatcher *dispatch.Dispatcher
	states     store.ZoneStateStore
	validator  *validator.ZoneValidator
	converter  converters.ZoneConverter
	logger     logger.Logger
}

// SubmitRequest 区域提交请求
type SubmitRequest struct {
	Zones    []models.Zone `json:"zones" binding:"required"`
	Priority int           `json:"priority,omitempty"`
}

// SubmitResponse 区域提交响应
type SubmitResponse struct {
	DocumentID string   `json:"documentId"`
	Accepted   []string `json:"accepted,omitempty"`
	TaskID     string   `json:"taskId,omitempty"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"createdAt"`
}

// CorrectionRequest 人工校正请求
type CorrectionRequest struct {
	Content string `json:"content"`
	By      string `json:"by"`
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// NewZoneHandler wires the processing surface. dispatcher may be nil;
// batches then run in-process instead of through the task queue.
func NewZoneHandler(
	eng *engine.Engine,
	hub *status.Hub,
	dispatcher *dispatch.Dispatcher,
	states store.ZoneStateStore,
	v *validator.ZoneValidator,
	log logger.Logger,
) *ZoneHandler {
	return &ZoneHandler{
		engine:     eng,
		hub:        hub,
		dispatcher: dispatcher,
		states:     states,
		validator:  v,
		converter:  converters.NewJSONConverter(),
		logger:     log,
	}
}

// SubmitZones 提交一批待处理区域
func (h *ZoneHandler) SubmitZones(c *gin.Context) {
	documentID := c.Param("documentId")

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	zones := make([]*models.Zone, len(req.Zones))
	for i := range req.Zones {
		if req.Zones[i].Priority == 0 && req.Priority != 0 {
			req.Zones[i].Priority = req.Priority
		}
		zones[i] = &req.Zones[i]
	}

	if result := h.validator.ValidateBatch(documentID, zones); !result.IsValid {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Validation failed",
			"errors":  result.Errors,
		})
		return
	}

	now := time.Now().UTC()
	if h.dispatcher != nil {
		taskID, err := h.dispatcher.DispatchBatch(c.Request.Context(), &dispatch.ZoneBatchTask{
			DocumentID: documentID,
			Zones:      req.Zones,
			Priority:   req.Priority,
			EnqueuedAt: now,
		})
		if err != nil {
			h.handleError(c, http.StatusInternalServerError, "Failed to dispatch batch", err)
			return
		}
		c.JSON(http.StatusAccepted, SubmitResponse{
			DocumentID: documentID,
			TaskID:     taskID,
			Status:     "dispatched",
			CreatedAt:  now.Format(time.RFC3339),
		})
		return
	}

	accepted, err := h.engine.SubmitZones(c.Request.Context(), documentID, zones)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to submit zones", err)
		return
	}
	c.JSON(http.StatusOK, SubmitResponse{
		DocumentID: documentID,
		Accepted:   accepted,
		Status:     "queued",
		CreatedAt:  now.Format(time.RFC3339),
	})
}

// GetZone 获取单个区域
func (h *ZoneHandler) GetZone(c *gin.Context) {
	zoneID := c.Param("zoneId")
	if zoneID == "" {
		h.handleError(c, http.StatusBadRequest, "Zone ID is required", nil)
		return
	}

	zone, err := h.engine.Zone(zoneID)
	if err != nil && h.states != nil {
		// not tracked in this process; try the persisted snapshot
		zone, err = h.states.Load(c.Request.Context(), zoneID)
	}
	if err != nil {
		h.handleError(c, http.StatusNotFound, "Zone not found", err)
		return
	}
	c.JSON(http.StatusOK, zone)
}

// GetDocumentZones 获取文档下的所有区域
func (h *ZoneHandler) GetDocumentZones(c *gin.Context) {
	documentID := c.Param("documentId")
	zones := h.engine.DocumentZones(documentID)
	c.JSON(http.StatusOK, gin.H{
		"documentId": documentID,
		"zones":      zones,
		"count":      len(zones),
	})
}

// CorrectZone 人工校正区域内容
func (h *ZoneHandler) CorrectZone(c *gin.Context) {
	zoneID := c.Param("zoneId")

	var req CorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	zone, err := h.engine.ManualCorrection(zoneID, req.Content, req.By)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownZone) {
			h.handleError(c, http.StatusNotFound, "Zone not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to apply correction", err)
		return
	}
	c.JSON(http.StatusOK, zone)
}

// ExportDocument 导出文档的区域提取结果
func (h *ZoneHandler) ExportDocument(c *gin.Context) {
	documentID := c.Param("documentId")

	zones := h.engine.DocumentZones(documentID)
	if len(zones) == 0 {
		h.handleError(c, http.StatusNotFound, "Document not found", nil)
		return
	}

	doc, err := h.converter.Convert(documentID, zones)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to export document", err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetProcessingState 获取文档处理状态聚合
func (h *ZoneHandler) GetProcessingState(c *gin.Context) {
	documentID := c.Param("documentId")

	state, err := h.hub.GetState(documentID)
	if err != nil {
		if errors.Is(err, status.ErrUnknownDocument) {
			h.handleError(c, http.StatusNotFound, "Document not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get state", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetQueueMetrics 获取队列指标
func (h *ZoneHandler) GetQueueMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Queue().Metrics())
}

// ExecuteCommand 执行控制命令
func (h *ZoneHandler) ExecuteCommand(c *gin.Context) {
	var cmd models.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}

	result := h.hub.Execute(cmd)
	code := http.StatusOK
	if !result.Success {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, result)
}

// Health 健康检查
func (h *ZoneHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"queue":  h.engine.Queue().Metrics(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleError 统一错误处理
func (h *ZoneHandler) handleError(c *gin.Context, code int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(code, response)
}
