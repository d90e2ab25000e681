package status

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// deliveryAlpha weights the delivery-time moving average.
const deliveryAlpha = 0.1

// SubscribeRequest registers a new subscriber connection.
type SubscribeRequest struct {
	DocumentID   string
	ConnectionID string // generated when empty
	UserID       string
	Filters      []models.EventType  // empty means all event types
	Permissions  []models.Permission // empty means read-only
	Buffer       int                 // per-connection channel size override
}

// Connection is a live subscriber. The hub's drain loop owns all fields;
// transports only read from Updates.
type Connection struct {
	ID            string
	DocumentID    string
	UserID        string
	Subscriptions map[models.EventType]bool
	Permissions   map[models.Permission]bool
	LastHeartbeat time.Time
	Active        bool
	CreatedAt     time.Time

	updates chan models.Event
	dropped int64
}

// Updates is the ordered stream of events matching the subscription.
// The channel closes when the connection is evicted or the hub stops.
func (c *Connection) Updates() <-chan models.Event {
	return c.updates
}

// wants applies the subscription filter.
func (c *Connection) wants(t models.EventType) bool {
	if len(c.Subscriptions) == 0 {
		return true
	}
	return c.Subscriptions[t]
}

// hasPermission checks the connection's grant set. Admin implies control,
// control implies read.
func (c *Connection) hasPermission(p models.Permission) bool {
	if c.Permissions[models.PermissionAdmin] {
		return true
	}
	if p == models.PermissionRead && c.Permissions[models.PermissionControl] {
		return true
	}
	return c.Permissions[p]
}

// Subscribe registers a connection for a document's update stream.
func (h *Hub) Subscribe(req SubscribeRequest) (*Connection, error) {
	reply := make(chan subscribeReply, 1)
	if err := h.send(subscribeOp{req: req, reply: reply}); err != nil {
		return nil, err
	}
	r, err := await(h, reply)
	if err != nil {
		return nil, err
	}
	return r.conn, r.err
}

// Unsubscribe removes a connection and closes its update channel.
func (h *Hub) Unsubscribe(connectionID string) error {
	reply := make(chan error, 1)
	if err := h.send(unsubscribeOp{connectionID: connectionID, reply: reply}); err != nil {
		return err
	}
	res, err := await(h, reply)
	if err != nil {
		return err
	}
	return res
}

// Heartbeat refreshes a connection's liveness. An inactive connection
// that heartbeats before eviction becomes active again.
func (h *Hub) Heartbeat(connectionID string) error {
	reply := make(chan error, 1)
	if err := h.send(heartbeatOp{connectionID: connectionID, at: time.Now().UTC(), reply: reply}); err != nil {
		return err
	}
	res, err := await(h, reply)
	if err != nil {
		return err
	}
	return res
}

// SubscribeZone registers a callback for one zone's events. Returns the
// subscription id used to unsubscribe.
func (h *Hub) SubscribeZone(zoneID string, cb ZoneCallback) (string, error) {
	subID := uuid.New().String()
	reply := make(chan struct{}, 1)
	if err := h.send(zoneSubscribeOp{zoneID: zoneID, subID: subID, cb: cb, reply: reply}); err != nil {
		return "", err
	}
	if _, err := await(h, reply); err != nil {
		return "", err
	}
	return subID, nil
}

// UnsubscribeZone removes a zone callback.
func (h *Hub) UnsubscribeZone(zoneID, subID string) error {
	reply := make(chan struct{}, 1)
	if err := h.send(zoneUnsubscribeOp{zoneID: zoneID, subID: subID, reply: reply}); err != nil {
		return err
	}
	if _, err := await(h, reply); err != nil {
		return err
	}
	return nil
}

// subscribe runs on the drain loop.
func (h *Hub) subscribe(req SubscribeRequest) (*Connection, error) {
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrUnknownDocument)
	}
	id := req.ConnectionID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := h.conns[id]; exists {
		return nil, fmt.Errorf("connection %s already registered", id)
	}

	buffer := req.Buffer
	if buffer <= 0 {
		buffer = h.cfg.ConnectionBuffer
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:            id,
		DocumentID:    req.DocumentID,
		UserID:        req.UserID,
		Subscriptions: make(map[models.EventType]bool, len(req.Filters)),
		Permissions:   make(map[models.Permission]bool, len(req.Permissions)),
		LastHeartbeat: now,
		Active:        true,
		CreatedAt:     now,
		updates:       make(chan models.Event, buffer),
	}
	for _, f := range req.Filters {
		conn.Subscriptions[f] = true
	}
	if len(req.Permissions) == 0 {
		conn.Permissions[models.PermissionRead] = true
	}
	for _, p := range req.Permissions {
		conn.Permissions[p] = true
	}

	h.conns[id] = conn
	byDoc, ok := h.connsByDoc[req.DocumentID]
	if !ok {
		byDoc = make(map[string]*Connection)
		h.connsByDoc[req.DocumentID] = byDoc
	}
	byDoc[id] = conn

	h.ensureState(req.DocumentID)
	h.logger.Info("connection subscribed",
		logger.String("connection_id", id),
		logger.String("document_id", req.DocumentID),
		logger.String("user_id", req.UserID))

	h.apply(models.NewEvent(req.DocumentID, models.ConnectionPayload{
		ConnectionID: id,
		UserID:       req.UserID,
		Active:       true,
	}))
	return conn, nil
}

// unsubscribe runs on the drain loop.
func (h *Hub) unsubscribe(connectionID, reason string) error {
	conn, ok := h.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	delete(h.conns, connectionID)
	if byDoc, ok := h.connsByDoc[conn.DocumentID]; ok {
		delete(byDoc, connectionID)
		if len(byDoc) == 0 {
			delete(h.connsByDoc, conn.DocumentID)
		}
	}
	close(conn.updates)

	h.logger.Info("connection removed",
		logger.String("connection_id", connectionID),
		logger.String("document_id", conn.DocumentID),
		logger.String("reason", reason))

	h.apply(models.NewEvent(conn.DocumentID, models.ConnectionPayload{
		ConnectionID: connectionID,
		UserID:       conn.UserID,
		Active:       false,
	}))
	return nil
}

// heartbeat runs on the drain loop.
func (h *Hub) heartbeat(connectionID string, at time.Time) error {
	conn, ok := h.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	conn.LastHeartbeat = at
	if !conn.Active {
		conn.Active = true
		h.logger.Info("connection reactivated",
			logger.String("connection_id", connectionID))
		if st, ok := h.states[conn.DocumentID]; ok {
			st.ActiveConnections = h.activeConnCount(conn.DocumentID)
		}
	}
	return nil
}

// scanHeartbeats runs on the drain loop every HeartbeatInterval. One
// silent window marks a connection inactive, two evict it.
func (h *Hub) scanHeartbeats(now time.Time) {
	timeout := h.cfg.HeartbeatTimeout
	for id, conn := range h.conns {
		silent := now.Sub(conn.LastHeartbeat)
		switch {
		case silent > 2*timeout:
			h.logger.Warn("connection evicted after missed heartbeats",
				logger.String("connection_id", id),
				logger.Duration("silent", silent))
			_ = h.unsubscribe(id, "heartbeat timeout")
		case silent > timeout && conn.Active:
			conn.Active = false
			h.logger.Warn("connection marked inactive",
				logger.String("connection_id", id),
				logger.Duration("silent", silent))
			if st, ok := h.states[conn.DocumentID]; ok {
				st.ActiveConnections = h.activeConnCount(conn.DocumentID)
			}
		}
	}
}

// broadcast is step (b) of the drain loop: filter-then-send.
func (h *Hub) broadcast(ev models.Event) {
	now := time.Now().UTC()
	if ev.Expired(now) {
		h.expired++
		return
	}

	var targets map[string]*Connection
	if ev.DocumentID == "" {
		targets = h.conns
	} else {
		targets = h.connsByDoc[ev.DocumentID]
	}

	for _, conn := range targets {
		if !conn.Active || !conn.wants(ev.Type) {
			continue
		}
		select {
		case conn.updates <- ev:
			h.delivered++
			latency := float64(now.Sub(ev.Timestamp).Milliseconds())
			if h.deliveryMs == 0 {
				h.deliveryMs = latency
			} else {
				h.deliveryMs = deliveryAlpha*latency + (1-deliveryAlpha)*h.deliveryMs
			}
		default:
			// A slow consumer never blocks processing.
			conn.dropped++
			h.dropped++
		}
	}
}

// activeConnCount runs on the drain loop.
func (h *Hub) activeConnCount(documentID string) int {
	n := 0
	for _, conn := range h.connsByDoc[documentID] {
		if conn.Active {
			n++
		}
	}
	return n
}

// connectionStats runs on the drain loop.
func (h *Hub) connectionStats() models.ConnectionStats {
	stats := models.ConnectionStats{
		Total:             len(h.conns),
		PerDocument:       make(map[string]int, len(h.connsByDoc)),
		Delivered:         h.delivered,
		Dropped:           h.dropped,
		Expired:           h.expired,
		AverageDeliveryMs: h.deliveryMs,
	}
	for _, conn := range h.conns {
		if conn.Active {
			stats.Active++
		} else {
			stats.Inactive++
		}
	}
	for doc, conns := range h.connsByDoc {
		stats.PerDocument[doc] = len(conns)
	}
	return stats
}
