package status

import (
	"fmt"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// Execute validates and runs a control command, returning the structured
// outcome to the issuer. Command failures never corrupt processing state.
func (h *Hub) Execute(cmd models.Command) models.CommandResult {
	reply := make(chan models.CommandResult, 1)
	if err := h.send(cmdOp{cmd: cmd, reply: reply}); err != nil {
		return models.CommandResult{
			CommandID: cmd.ID,
			Success:   false,
			Error:     err.Error(),
		}
	}
	res, err := await(h, reply)
	if err != nil {
		return models.CommandResult{
			CommandID: cmd.ID,
			Success:   false,
			Error:     err.Error(),
		}
	}
	return res
}

// execute runs on the drain loop.
func (h *Hub) execute(cmd models.Command) models.CommandResult {
	started := time.Now()
	result := models.CommandResult{CommandID: cmd.ID}

	fail := func(format string, args ...interface{}) models.CommandResult {
		result.Success = false
		result.Error = fmt.Sprintf(format, args...)
		result.ExecutionTimeMs = time.Since(started).Milliseconds()
		h.logger.Warn("command rejected",
			logger.String("command_id", cmd.ID),
			logger.String("type", string(cmd.Type)),
			logger.String("error", result.Error))
		return result
	}

	if !cmd.Type.Valid() {
		return fail("unknown command type %q", cmd.Type)
	}

	conn, ok := h.conns[cmd.ConnectionID]
	if !ok {
		return fail("unknown connection %s", cmd.ConnectionID)
	}
	// Any command counts as liveness.
	conn.LastHeartbeat = time.Now().UTC()

	if required := cmd.Type.RequiredPermission(); !conn.hasPermission(required) {
		return fail("connection %s lacks %s permission", cmd.ConnectionID, required)
	}

	// Target existence checks before any side effect.
	switch cmd.Type {
	case models.CommandSubscribe, models.CommandUnsubscribe:
		// Subscription commands target the issuing connection itself.
	case models.CommandEmergencyStop:
		// An empty document id stops everything.
		if cmd.DocumentID != "" {
			if _, ok := h.states[cmd.DocumentID]; !ok {
				return fail("unknown document %s", cmd.DocumentID)
			}
		}
	default:
		if _, ok := h.states[cmd.DocumentID]; !ok {
			return fail("unknown document %s", cmd.DocumentID)
		}
	}
	switch cmd.Type {
	case models.CommandRetryZone, models.CommandSkipZone, models.CommandUpdatePriority:
		st := h.states[cmd.DocumentID]
		if _, ok := st.Zones[cmd.ZoneID]; !ok {
			return fail("unknown zone %s in document %s", cmd.ZoneID, cmd.DocumentID)
		}
	}

	if h.controller == nil {
		switch cmd.Type {
		case models.CommandSubscribe, models.CommandUnsubscribe:
			// Handled by the hub itself below.
		default:
			return fail("no controller wired")
		}
	}

	var (
		affected []string
		err      error
	)
	switch cmd.Type {
	case models.CommandPause:
		affected, err = h.controller.PauseDocument(cmd.DocumentID)

	case models.CommandResume:
		affected, err = h.controller.ResumeDocument(cmd.DocumentID)

	case models.CommandCancel:
		affected, err = h.controller.CancelDocument(cmd.DocumentID, cmd.Reason)

	case models.CommandEmergencyStop:
		affected, err = h.controller.EmergencyStop(cmd.DocumentID, cmd.Reason)

	case models.CommandRetryZone:
		err = h.controller.RetryZone(cmd.DocumentID, cmd.ZoneID)
		affected = []string{cmd.ZoneID}

	case models.CommandSkipZone:
		err = h.controller.SkipZone(cmd.DocumentID, cmd.ZoneID, cmd.Reason, cmd.ConnectionID)
		affected = []string{cmd.ZoneID}

	case models.CommandUpdatePriority:
		err = h.controller.UpdateZonePriority(cmd.DocumentID, cmd.ZoneID, cmd.Priority)
		affected = []string{cmd.ZoneID}

	case models.CommandSubscribe:
		// Re-scope the issuing connection's filter set.
		conn.Subscriptions = make(map[models.EventType]bool, len(cmd.Filters))
		for _, f := range cmd.Filters {
			conn.Subscriptions[f] = true
		}
		affected = []string{conn.ID}

	case models.CommandUnsubscribe:
		err = h.unsubscribe(conn.ID, "unsubscribe command")
		affected = []string{conn.ID}
	}

	if err != nil {
		return fail("%s failed: %v", cmd.Type, err)
	}

	result.Success = true
	result.AffectedResources = affected
	result.ExecutionTimeMs = time.Since(started).Milliseconds()
	if len(affected) > 0 {
		result.Result = map[string]interface{}{"affected": len(affected)}
	}

	h.logger.Info("command executed",
		logger.String("command_id", cmd.ID),
		logger.String("type", string(cmd.Type)),
		logger.String("document_id", cmd.DocumentID),
		logger.String("connection_id", cmd.ConnectionID),
		logger.Int64("took_ms", result.ExecutionTimeMs))

	// Document-wide effects are re-broadcast so every subscriber
	// converges on the same view.
	if cmd.Type.DocumentWide() {
		h.apply(models.NewEvent(cmd.DocumentID, models.DocumentStatusPayload{
			Status: documentStatusFor(cmd.Type),
			Reason: cmd.Reason,
			By:     cmd.ConnectionID,
		}, models.WithPriority(8)))
	}
	return result
}

func documentStatusFor(t models.CommandType) models.DocumentStatus {
	switch t {
	case models.CommandPause:
		return models.DocumentStatusPaused
	case models.CommandResume:
		return models.DocumentStatusProcessing
	default:
		return models.DocumentStatusCancelled
	}
}
