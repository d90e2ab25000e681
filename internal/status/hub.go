package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

var (
	// ErrUnknownDocument marks queries for documents the hub never saw.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrUnknownConnection marks operations on unregistered connections.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrHubStopped marks operations after shutdown.
	ErrHubStopped = errors.New("status hub stopped")
)

// Config tunes the hub.
type Config struct {
	// EventBuffer sizes the serialized event queue. 0 means 4096.
	EventBuffer int
	// ConnectionBuffer sizes each subscriber's update channel. 0 means 64.
	ConnectionBuffer int
	// HeartbeatInterval is the liveness scan period. 0 means 30s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout marks a connection inactive once silent for this
	// long, and evicts it after twice this long. 0 means 60s.
	HeartbeatTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 4096
	}
	if c.ConnectionBuffer <= 0 {
		c.ConnectionBuffer = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
}

// ZoneCallback receives every event concerning one zone, in order.
type ZoneCallback func(models.Event)

// Controller executes control commands against the running pipeline. The
// engine implements it; the hub validates and dispatches.
type Controller interface {
	PauseDocument(documentID string) ([]string, error)
	ResumeDocument(documentID string) ([]string, error)
	CancelDocument(documentID, reason string) ([]string, error)
	EmergencyStop(documentID, reason string) ([]string, error)
	RetryZone(documentID, zoneID string) error
	SkipZone(documentID, zoneID, reason, by string) error
	UpdateZonePriority(documentID, zoneID string, priority int) error
}

// op is a serialized intent handled by the drain loop.
type op interface{ isOp() }

type cmdOp struct {
	cmd   models.Command
	reply chan models.CommandResult
}

type subscribeOp struct {
	req   SubscribeRequest
	reply chan subscribeReply
}

type subscribeReply struct {
	conn *Connection
	err  error
}

type unsubscribeOp struct {
	connectionID string
	reply        chan error
}

type heartbeatOp struct {
	connectionID string
	at           time.Time
	reply        chan error
}

type zoneSubscribeOp struct {
	zoneID string
	subID  string
	cb     ZoneCallback
	reply  chan struct{}
}

type zoneUnsubscribeOp struct {
	zoneID string
	subID  string
	reply  chan struct{}
}

type stateOp struct {
	documentID string
	reply      chan stateReply
}

type stateReply struct {
	state *models.ProcessingState
	err   error
}

type statsOp struct {
	reply chan models.ConnectionStats
}

type idleDocsOp struct {
	since time.Time
	reply chan []string
}

type removeStateOp struct {
	documentID string
	reply      chan bool
}

func (cmdOp) isOp()           {}
func (subscribeOp) isOp()     {}
func (unsubscribeOp) isOp()   {}
func (heartbeatOp) isOp()     {}
func (zoneSubscribeOp) isOp() {}
func (zoneUnsubscribeOp) isOp() {}
func (stateOp) isOp()         {}
func (statsOp) isOp()         {}
func (idleDocsOp) isOp()      {}
func (removeStateOp) isOp()   {}

// Hub is the processing status and control manager. One drain goroutine
// owns every piece of mutable state: the per-document aggregates, the
// connection registry and the zone callback table. Producers enqueue
// events, callers enqueue ops, readers get deep-copied snapshots.
type Hub struct {
	cfg        Config
	controller Controller
	logger     logger.Logger

	events chan models.Event
	ops    chan op

	// Owned by the drain loop. Never touched from outside it.
	states      map[string]*models.ProcessingState
	conns       map[string]*Connection
	connsByDoc  map[string]map[string]*Connection
	zoneSubs    map[string]map[string]ZoneCallback
	lastEventAt time.Time

	delivered  int64
	dropped    int64
	expired    int64
	deliveryMs float64 // EMA, alpha 0.1

	eventsDropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	done      chan struct{}
}

// NewHub creates a status hub. The controller may be set later with
// SetController, but must be set before commands are executed.
func NewHub(cfg Config, log logger.Logger) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:        cfg,
		logger:     log.Named("status"),
		events:     make(chan models.Event, cfg.EventBuffer),
		ops:        make(chan op, 64),
		states:     make(map[string]*models.ProcessingState),
		conns:      make(map[string]*Connection),
		connsByDoc: make(map[string]map[string]*Connection),
		zoneSubs:   make(map[string]map[string]ZoneCallback),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetController wires the command executor. Must happen before Start.
func (h *Hub) SetController(c Controller) {
	h.controller = c
}

// Start launches the drain loop and heartbeat scanner.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.run(ctx)
	})
}

// Stop shuts the hub down and closes all subscriber channels.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
	})
	<-h.done
}

// Publish enqueues an event for serialized application and broadcast.
// It never blocks: when the hub is saturated the event is dropped and
// counted, preserving order for everything that is delivered.
func (h *Hub) Publish(ev models.Event) {
	select {
	case h.events <- ev:
	case <-h.stopped:
	default:
		n := h.eventsDropped.Add(1)
		if n%100 == 1 {
			h.logger.Warn("event queue saturated, dropping",
				logger.String("type", string(ev.Type)),
				logger.Int64("dropped_total", n))
		}
	}
}

// send queues an op for the drain loop and fails fast once stopped. The
// stopped check runs first: the ops channel is buffered, so a plain
// two-way select could park an op nobody will ever drain.
func (h *Hub) send(o op) error {
	select {
	case <-h.stopped:
		return ErrHubStopped
	default:
	}
	select {
	case h.ops <- o:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// await reads an op's reply, giving up when the drain loop has exited
// without handling it. A reply that raced the shutdown still wins.
func await[T any](h *Hub, reply <-chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		select {
		case v := <-reply:
			return v, nil
		default:
		}
		var zero T
		return zero, ErrHubStopped
	}
}

// GetState returns a deep-copied snapshot of a document's aggregate.
func (h *Hub) GetState(documentID string) (*models.ProcessingState, error) {
	reply := make(chan stateReply, 1)
	if err := h.send(stateOp{documentID: documentID, reply: reply}); err != nil {
		return nil, err
	}
	r, err := await(h, reply)
	if err != nil {
		return nil, err
	}
	return r.state, r.err
}

// ConnectionStats returns a snapshot of the subscriber population.
func (h *Hub) ConnectionStats() (models.ConnectionStats, error) {
	reply := make(chan models.ConnectionStats, 1)
	if err := h.send(statsOp{reply: reply}); err != nil {
		return models.ConnectionStats{}, err
	}
	return await(h, reply)
}

// DocumentsIdleSince lists documents whose last update precedes the cutoff.
func (h *Hub) DocumentsIdleSince(cutoff time.Time) ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.send(idleDocsOp{since: cutoff, reply: reply}); err != nil {
		return nil, err
	}
	return await(h, reply)
}

// RemoveState tears down an abandoned document aggregate.
func (h *Hub) RemoveState(documentID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.send(removeStateOp{documentID: documentID, reply: reply}); err != nil {
		return false, err
	}
	return await(h, reply)
}

// run is the single writer. All mutation happens here.
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			h.apply(ev)
		case o := <-h.ops:
			h.handleOp(o)
		case now := <-ticker.C:
			h.scanHeartbeats(now.UTC())
		case <-h.stopped:
			h.drainAndClose()
			return
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.stopped) })
			h.drainAndClose()
			return
		}
	}
}

// drainAndClose applies whatever is already queued, then closes every
// subscriber channel so transports observe EOF.
func (h *Hub) drainAndClose() {
	for {
		select {
		case ev := <-h.events:
			h.apply(ev)
			continue
		default:
		}
		break
	}
	for id, conn := range h.conns {
		close(conn.updates)
		delete(h.conns, id)
	}
	h.connsByDoc = make(map[string]map[string]*Connection)
	h.logger.Info("status hub stopped")
}

func (h *Hub) handleOp(o op) {
	switch v := o.(type) {
	case cmdOp:
		v.reply <- h.execute(v.cmd)
	case subscribeOp:
		conn, err := h.subscribe(v.req)
		v.reply <- subscribeReply{conn: conn, err: err}
	case unsubscribeOp:
		v.reply <- h.unsubscribe(v.connectionID, "unsubscribe")
	case heartbeatOp:
		v.reply <- h.heartbeat(v.connectionID, v.at)
	case zoneSubscribeOp:
		subs, ok := h.zoneSubs[v.zoneID]
		if !ok {
			subs = make(map[string]ZoneCallback)
			h.zoneSubs[v.zoneID] = subs
		}
		subs[v.subID] = v.cb
		v.reply <- struct{}{}
	case zoneUnsubscribeOp:
		if subs, ok := h.zoneSubs[v.zoneID]; ok {
			delete(subs, v.subID)
			if len(subs) == 0 {
				delete(h.zoneSubs, v.zoneID)
			}
		}
		v.reply <- struct{}{}
	case stateOp:
		if st, ok := h.states[v.documentID]; ok {
			v.reply <- stateReply{state: st.Clone()}
		} else {
			v.reply <- stateReply{err: fmt.Errorf("%w: %s", ErrUnknownDocument, v.documentID)}
		}
	case statsOp:
		v.reply <- h.connectionStats()
	case idleDocsOp:
		var idle []string
		for id, st := range h.states {
			if st.UpdatedAt.Before(v.since) {
				idle = append(idle, id)
			}
		}
		v.reply <- idle
	case removeStateOp:
		_, ok := h.states[v.documentID]
		delete(h.states, v.documentID)
		v.reply <- ok
	}
}

// ensureState returns the aggregate for a document, creating it on first
// contact.
func (h *Hub) ensureState(documentID string) *models.ProcessingState {
	st, ok := h.states[documentID]
	if !ok {
		now := time.Now().UTC()
		st = &models.ProcessingState{
			DocumentID: documentID,
			Status:     models.DocumentStatusQueued,
			Zones:      make(map[string]*models.ZoneProcessingState),
			Workers:    make(map[string]*models.WorkerState),
			Health:     models.SystemHealth{Status: "healthy"},
			StartedAt:  now,
			UpdatedAt:  now,
		}
		h.states[documentID] = st
	}
	return st
}

// apply is step (a) of the drain loop: fold the event into the aggregate.
// Steps (b) and (c) broadcast to connections and zone callbacks.
func (h *Hub) apply(ev models.Event) {
	h.lastEventAt = ev.Timestamp

	if ev.DocumentID == "" {
		// Global events (queue metrics) fold into every aggregate.
		for _, st := range h.states {
			h.applyToState(st, ev)
		}
	} else {
		h.applyToState(h.ensureState(ev.DocumentID), ev)
	}

	h.broadcast(ev)
	h.invokeZoneCallbacks(ev)
}

func (h *Hub) applyToState(st *models.ProcessingState, ev models.Event) {
	now := ev.Timestamp
	st.UpdatedAt = now

	switch p := ev.Payload.(type) {
	case models.ZoneQueuedPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, models.PhaseQueued)
		z.AssignedTool = p.Tool
		z.Attempt = p.Attempt
		z.UpdatedAt = now

	case models.ZoneStartedPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, models.PhaseInitializing)
		z.AssignedTool = p.Tool
		z.Attempt = p.Attempt
		z.UpdatedAt = now

	case models.ZoneProgressPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, p.Phase)
		z.UpdatedAt = now

	case models.ZoneCompletedPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, models.PhaseCompleted)
		z.Confidence = p.Confidence
		z.LastError = ""
		z.UpdatedAt = now

	case models.ZoneFailedPayload:
		z := h.ensureZone(st, p.ZoneID)
		if p.Terminal {
			h.transition(st, z, models.PhaseFailed)
		} else {
			h.transition(st, z, models.PhaseError)
		}
		z.LastError = p.Reason
		z.UpdatedAt = now

	case models.ZoneSkippedPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, models.PhaseSkipped)
		z.UpdatedAt = now

	case models.ZoneCancelledPayload:
		z := h.ensureZone(st, p.ZoneID)
		h.transition(st, z, models.PhaseCancelled)
		z.UpdatedAt = now

	case models.ZoneCorrectedPayload:
		z := h.ensureZone(st, p.ZoneID)
		z.Phase = models.PhaseCompleted
		z.Progress = z.Phase.Progress()
		z.Confidence = 1.0
		z.LastError = ""
		z.UpdatedAt = now

	case models.QueueMetricsPayload:
		st.Queue = p.Metrics

	case models.WorkerHealthPayload:
		w := p.Worker
		st.Workers[w.WorkerID] = &w

	case models.DocumentStatusPayload:
		st.Status = p.Status

	case models.ConnectionPayload:
		st.ActiveConnections = h.activeConnCount(st.DocumentID)
	}

	st.RecalculateProgress()
	h.recomputeDocumentStatus(st)
	st.Health.EventBacklog = len(h.events)
	st.Health.LastEventAt = h.lastEventAt
	if h.eventsDropped.Load() > 0 {
		st.Health.Status = "degraded"
	}
}

// transition applies a phase change, logging and ignoring illegal ones so
// a late event cannot corrupt a terminal zone.
func (h *Hub) transition(st *models.ProcessingState, z *models.ZoneProcessingState, next models.ZonePhase) {
	if z.Phase == next {
		return
	}
	if !z.Phase.CanTransition(next) {
		h.logger.Debug("illegal phase transition ignored",
			logger.String("document_id", st.DocumentID),
			logger.String("zone_id", z.ZoneID),
			logger.String("from", string(z.Phase)),
			logger.String("to", string(next)))
		return
	}
	z.Phase = next
	z.Progress = next.Progress()
}

func (h *Hub) ensureZone(st *models.ProcessingState, zoneID string) *models.ZoneProcessingState {
	z, ok := st.Zones[zoneID]
	if !ok {
		z = &models.ZoneProcessingState{
			ZoneID:    zoneID,
			Phase:     models.PhaseQueued,
			Progress:  0,
			UpdatedAt: time.Now().UTC(),
		}
		st.Zones[zoneID] = z
	}
	return z
}

// recomputeDocumentStatus derives the document status from its zones.
// Paused and cancelled are sticky command states and never recomputed.
func (h *Hub) recomputeDocumentStatus(st *models.ProcessingState) {
	if st.Status == models.DocumentStatusPaused || st.Status == models.DocumentStatusCancelled {
		return
	}
	if len(st.Zones) == 0 {
		return
	}

	allTerminal := true
	anyStarted := false
	anyAcceptable := false
	for _, z := range st.Zones {
		if !z.Phase.Terminal() {
			allTerminal = false
		}
		if z.Phase != models.PhaseQueued {
			anyStarted = true
		}
		if z.Phase == models.PhaseCompleted || z.Phase == models.PhaseSkipped {
			anyAcceptable = true
		}
	}

	switch {
	case allTerminal && anyAcceptable:
		st.Status = models.DocumentStatusCompleted
	case allTerminal:
		st.Status = models.DocumentStatusFailed
	case anyStarted:
		st.Status = models.DocumentStatusProcessing
	default:
		st.Status = models.DocumentStatusQueued
	}
}

func (h *Hub) invokeZoneCallbacks(ev models.Event) {
	zoneID := ev.ZoneID()
	if zoneID == "" {
		return
	}
	for _, cb := range h.zoneSubs[zoneID] {
		cb(ev)
	}
}
