package models

import (
	"time"

	"github.com/google/uuid"
)

// Permission gates what a connection may do.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionControl Permission = "control"
	PermissionAdmin   Permission = "admin"
)

// CommandType 控制命令类型
type CommandType string

const (
	CommandPause          CommandType = "pause"
	CommandResume         CommandType = "resume"
	CommandCancel         CommandType = "cancel"
	CommandRetryZone      CommandType = "retry_zone"
	CommandSkipZone       CommandType = "skip_zone"
	CommandUpdatePriority CommandType = "update_priority"
	CommandEmergencyStop  CommandType = "emergency_stop"
	CommandSubscribe      CommandType = "subscribe"
	CommandUnsubscribe    CommandType = "unsubscribe"
)

// Valid reports whether the command type is known.
func (t CommandType) Valid() bool {
	switch t {
	case CommandPause, CommandResume, CommandCancel, CommandRetryZone,
		CommandSkipZone, CommandUpdatePriority, CommandEmergencyStop,
		CommandSubscribe, CommandUnsubscribe:
		return true
	}
	return false
}

// DocumentWide reports whether the command affects a whole document and
// must be re-broadcast to subscribers after execution.
func (t CommandType) DocumentWide() bool {
	switch t {
	case CommandPause, CommandResume, CommandCancel, CommandEmergencyStop:
		return true
	}
	return false
}

// RequiredPermission returns the permission the issuer must hold.
func (t CommandType) RequiredPermission() Permission {
	switch t {
	case CommandSubscribe, CommandUnsubscribe:
		return PermissionRead
	case CommandEmergencyStop:
		return PermissionAdmin
	default:
		return PermissionControl
	}
}

// Command is a control intent issued over a connection.
type Command struct {
	ID           string      `json:"id"`
	Type         CommandType `json:"type"`
	DocumentID   string      `json:"documentId"`
	ZoneID       string      `json:"zoneId,omitempty"`
	ConnectionID string      `json:"connectionId"`
	Priority     int         `json:"priority,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Filters      []EventType `json:"filters,omitempty"`
	IssuedAt     time.Time   `json:"issuedAt"`
}

// NewCommand builds a command with a fresh id and timestamp.
func NewCommand(t CommandType, documentID, connectionID string) Command {
	return Command{
		ID:           uuid.New().String(),
		Type:         t,
		DocumentID:   documentID,
		ConnectionID: connectionID,
		IssuedAt:     time.Now().UTC(),
	}
}

// CommandResult is the synchronous outcome returned to the issuer.
type CommandResult struct {
	CommandID         string                 `json:"commandId"`
	Success           bool                   `json:"success"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	AffectedResources []string               `json:"affectedResources,omitempty"`
	ExecutionTimeMs   int64                  `json:"executionTimeMs"`
}
