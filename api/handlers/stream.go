package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// streamHeartbeatEvery keeps SSE sockets alive well inside the hub's
// heartbeat window and defeats idle proxy timeouts.
const streamHeartbeatEvery = 15 * time.Second

type StreamHandler struct {
	hub    *status.Hub
	logger logger.Logger
}

func NewStreamHandler(hub *status.Hub, log logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		logger: log,
	}
}

// Stream 订阅文档的实时更新 (SSE)
//
// An open socket is liveness: the handler heartbeats the hub on the
// client's behalf, so SSE consumers never need the heartbeat endpoint.
func (h *StreamHandler) Stream(c *gin.Context) {
	documentID := c.Param("documentId")

	req := status.SubscribeRequest{
		DocumentID:   documentID,
		ConnectionID: c.Query("connectionId"),
		UserID:       c.Query("userId"),
		Filters:      parseFilters(c.Query("filters")),
		Permissions:  parsePermissions(c.Query("permissions")),
	}

	conn, err := h.hub.Subscribe(req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, status.ErrHubStopped) {
			code = http.StatusServiceUnavailable
		}
		h.logger.Error("Subscribe failed",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
		c.JSON(code, ErrorResponse{Message: "Failed to subscribe", Error: err.Error()})
		return
	}
	defer func() {
		_ = h.hub.Unsubscribe(conn.ID)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 先推送连接信息，客户端据此发心跳和命令
	c.SSEvent("connected", gin.H{
		"connectionId": conn.ID,
		"documentId":   documentID,
	})
	c.Writer.Flush()

	ticker := time.NewTicker(streamHeartbeatEvery)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-conn.Updates():
			if !ok {
				// evicted or hub stopped
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			_ = h.hub.Heartbeat(conn.ID)
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Heartbeat 非流式客户端的显式心跳
func (h *StreamHandler) Heartbeat(c *gin.Context) {
	connectionID := c.Param("connectionId")

	if err := h.hub.Heartbeat(connectionID); err != nil {
		code := http.StatusNotFound
		if errors.Is(err, status.ErrHubStopped) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, ErrorResponse{Message: "Heartbeat failed", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connectionId": connectionID,
		"status":       "alive",
	})
}

// Unsubscribe 关闭连接
func (h *StreamHandler) Unsubscribe(c *gin.Context) {
	connectionID := c.Param("connectionId")

	if err := h.hub.Unsubscribe(connectionID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Connection not found", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connectionId": connectionID,
		"status":       "closed",
	})
}

// Stats 连接统计
func (h *StreamHandler) Stats(c *gin.Context) {
	stats, err := h.hub.ConnectionStats()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: "Hub unavailable", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseFilters(raw string) []models.EventType {
	if raw == "" {
		return nil
	}
	var filters []models.EventType
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, models.EventType(f))
		}
	}
	return filters
}

func parsePermissions(raw string) []models.Permission {
	if raw == "" {
		return nil
	}
	var perms []models.Permission
	for _, p := range strings.Split(raw, ",") {
		switch models.Permission(strings.TrimSpace(p)) {
		case models.PermissionRead:
			perms = append(perms, models.PermissionRead)
		case models.PermissionControl:
			perms = append(perms, models.PermissionControl)
		case models.PermissionAdmin:
			perms = append(perms, models.PermissionAdmin)
		}
	}
	return perms
}
