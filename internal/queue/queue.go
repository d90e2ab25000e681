package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

var (
	// ErrQueueFull rejects enqueues beyond capacity.
	ErrQueueFull = errors.New("queue capacity exceeded")
	// ErrNotFound marks operations on unknown zone ids.
	ErrNotFound = errors.New("queue item not found")
	// ErrDuplicate rejects enqueueing a zone already tracked.
	ErrDuplicate = errors.New("zone already queued")
	// ErrClosed marks operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrInvalidPriority rejects priorities outside 1..10.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrItemProcessing rejects pause/priority changes on claimed items.
	ErrItemProcessing = errors.New("zone is processing")
)

// CancelOutcome tells the caller how a cancellation took effect.
type CancelOutcome string

const (
	// CancelRemoved means the item was still queued and has been removed.
	CancelRemoved CancelOutcome = "removed"
	// CancelSignalled means the item is in flight and its worker has been
	// signalled to abandon the call.
	CancelSignalled CancelOutcome = "signalled"
)

// Outcome closes an active claim.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRequeued releases the claim without counting a completion;
	// the caller re-enqueues the zone for its next attempt.
	OutcomeRequeued Outcome = "requeued"
)

// Config sizes the queue.
type Config struct {
	// Capacity bounds queued+paused+active items. 0 means 1024.
	Capacity int
	// Workers is the executing pool size, used for utilization metrics.
	Workers int
}

// MetricsFunc receives a snapshot after every queue state change.
type MetricsFunc func(models.QueueMetrics)

type item struct {
	qz     models.QueuedZone
	seq    uint64
	index  int
	paused bool
}

type activeEntry struct {
	qz        models.QueuedZone
	cancel    context.CancelFunc
	startedAt time.Time
}

// priorityHeap orders items by priority desc, then enqueue sequence asc.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].qz.Priority != h[j].qz.Priority {
		return h[i].qz.Priority > h[j].qz.Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the in-memory priority work queue. A claim atomically marks the
// item processing before execution starts, so no two workers ever run the
// same item.
type Queue struct {
	mu       sync.Mutex
	ready    priorityHeap
	index    map[string]*item        // queued + paused items by zone id
	active   map[string]*activeEntry // claimed items by zone id
	seq      uint64
	capacity int
	workers  int
	closed   bool

	notify   chan struct{}
	closedCh chan struct{}

	completed       int64
	failed          int64
	cancelled       int64
	totalWaitMs     float64
	waitSamples     int64
	totalProcMs     float64
	procSamples     int64
	completionTimes []time.Time

	onMetrics MetricsFunc
	logger    logger.Logger
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config, onMetrics MetricsFunc, log logger.Logger) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		ready:     priorityHeap{},
		index:     make(map[string]*item),
		active:    make(map[string]*activeEntry),
		capacity:  capacity,
		workers:   workers,
		notify:    make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
		onMetrics: onMetrics,
		logger:    log.Named("queue"),
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds a zone to the queue. Returns ErrQueueFull at capacity and
// ErrDuplicate when the zone is already queued, paused or active.
func (q *Queue) Enqueue(qz models.QueuedZone) error {
	if !models.ValidPriority(qz.Priority) {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, qz.Priority)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, ok := q.index[qz.ZoneID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, qz.ZoneID)
	}
	if _, ok := q.active[qz.ZoneID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, qz.ZoneID)
	}
	if len(q.index)+len(q.active) >= q.capacity {
		q.mu.Unlock()
		q.logger.Warn("queue at capacity",
			logger.String("zone_id", qz.ZoneID),
			logger.Int("capacity", q.capacity))
		return fmt.Errorf("%w: %d items", ErrQueueFull, q.capacity)
	}

	if qz.EnqueuedAt.IsZero() {
		qz.EnqueuedAt = time.Now().UTC()
	}
	q.seq++
	it := &item{qz: qz, seq: q.seq, index: -1}
	q.index[qz.ZoneID] = it
	heap.Push(&q.ready, it)
	m := q.metricsLocked()
	q.mu.Unlock()

	q.wake()
	q.emit(m)
	return nil
}

// Claim blocks until an item is ready, then atomically assigns it to the
// worker. The returned context is cancelled if the item is cancelled while
// in flight; execution must run under it.
func (q *Queue) Claim(ctx context.Context, workerID string) (models.QueuedZone, context.Context, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return models.QueuedZone{}, nil, ErrClosed
		}
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			delete(q.index, it.qz.ZoneID)

			now := time.Now().UTC()
			it.qz.AssignedWorker = workerID
			q.totalWaitMs += float64(now.Sub(it.qz.EnqueuedAt).Milliseconds())
			q.waitSamples++

			cctx, cancel := context.WithCancel(ctx)
			q.active[it.qz.ZoneID] = &activeEntry{
				qz:        it.qz,
				cancel:    cancel,
				startedAt: now,
			}
			more := q.ready.Len() > 0
			m := q.metricsLocked()
			q.mu.Unlock()

			if more {
				q.wake()
			}
			q.emit(m)
			return it.qz, cctx, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return models.QueuedZone{}, nil, ctx.Err()
		case <-q.closedCh:
			return models.QueuedZone{}, nil, ErrClosed
		}
	}
}

// Finish releases an active claim with its outcome.
func (q *Queue) Finish(zoneID string, outcome Outcome) error {
	q.mu.Lock()
	entry, ok := q.active[zoneID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, zoneID)
	}
	delete(q.active, zoneID)
	entry.cancel()

	now := time.Now().UTC()
	q.totalProcMs += float64(now.Sub(entry.startedAt).Milliseconds())
	q.procSamples++

	switch outcome {
	case OutcomeCompleted:
		q.completed++
		q.completionTimes = append(q.completionTimes, now)
	case OutcomeFailed:
		q.failed++
	case OutcomeCancelled:
		q.cancelled++
	case OutcomeRequeued:
		// Claim released, attempt continues elsewhere.
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.emit(m)
	return nil
}

// Pause makes a queued item ineligible for claiming. Active items cannot
// be paused.
func (q *Queue) Pause(zoneID string) error {
	q.mu.Lock()
	it, ok := q.index[zoneID]
	if !ok {
		if _, isActive := q.active[zoneID]; isActive {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrItemProcessing, zoneID)
		}
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, zoneID)
	}
	if !it.paused {
		heap.Remove(&q.ready, it.index)
		it.paused = true
		it.index = -1
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.emit(m)
	return nil
}

// Resume returns a paused item to the ready heap. Its original enqueue
// sequence is kept, so it does not lose its FIFO position.
func (q *Queue) Resume(zoneID string) error {
	q.mu.Lock()
	it, ok := q.index[zoneID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, zoneID)
	}
	if it.paused {
		it.paused = false
		heap.Push(&q.ready, it)
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.wake()
	q.emit(m)
	return nil
}

// Cancel removes a queued item, or signals the worker of an active one.
// The zone is marked cancelled by the caller once the worker observes the
// signal.
func (q *Queue) Cancel(zoneID string) (CancelOutcome, error) {
	q.mu.Lock()
	if it, ok := q.index[zoneID]; ok {
		if !it.paused {
			heap.Remove(&q.ready, it.index)
		}
		delete(q.index, zoneID)
		q.cancelled++
		m := q.metricsLocked()
		q.mu.Unlock()
		q.emit(m)
		return CancelRemoved, nil
	}
	if entry, ok := q.active[zoneID]; ok {
		entry.cancel()
		q.mu.Unlock()
		return CancelSignalled, nil
	}
	q.mu.Unlock()
	return "", fmt.Errorf("%w: %s", ErrNotFound, zoneID)
}

// UpdatePriority re-prioritizes a queued or paused item.
func (q *Queue) UpdatePriority(zoneID string, priority int) error {
	if !models.ValidPriority(priority) {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	q.mu.Lock()
	it, ok := q.index[zoneID]
	if !ok {
		if _, isActive := q.active[zoneID]; isActive {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrItemProcessing, zoneID)
		}
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, zoneID)
	}
	it.qz.Priority = priority
	if !it.paused {
		heap.Fix(&q.ready, it.index)
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.emit(m)
	return nil
}

// PauseDocument pauses every queued item of a document. Returns the zone
// ids affected.
func (q *Queue) PauseDocument(documentID string) []string {
	q.mu.Lock()
	var affected []string
	for id, it := range q.index {
		if it.qz.DocumentID != documentID || it.paused {
			continue
		}
		heap.Remove(&q.ready, it.index)
		it.paused = true
		it.index = -1
		affected = append(affected, id)
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.emit(m)
	return affected
}

// ResumeDocument resumes every paused item of a document.
func (q *Queue) ResumeDocument(documentID string) []string {
	q.mu.Lock()
	var affected []string
	for id, it := range q.index {
		if it.qz.DocumentID != documentID || !it.paused {
			continue
		}
		it.paused = false
		heap.Push(&q.ready, it)
		affected = append(affected, id)
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.wake()
	q.emit(m)
	return affected
}

// CancelDocument removes every queued item of a document and signals its
// active ones. Returns removed and signalled zone ids.
func (q *Queue) CancelDocument(documentID string) (removed, signalled []string) {
	q.mu.Lock()
	for id, it := range q.index {
		if it.qz.DocumentID != documentID {
			continue
		}
		if !it.paused {
			heap.Remove(&q.ready, it.index)
		}
		delete(q.index, id)
		q.cancelled++
		removed = append(removed, id)
	}
	for id, entry := range q.active {
		if entry.qz.DocumentID != documentID {
			continue
		}
		entry.cancel()
		signalled = append(signalled, id)
	}
	m := q.metricsLocked()
	q.mu.Unlock()

	q.emit(m)
	return removed, signalled
}

// Metrics returns a point-in-time snapshot.
func (q *Queue) Metrics() models.QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metricsLocked()
}

// Len returns the number of claimable items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// Close stops claiming. Active claims may still Finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closedCh)
	q.mu.Unlock()
}

func (q *Queue) metricsLocked() models.QueueMetrics {
	now := time.Now().UTC()

	// Trim the completion window to the last minute for throughput.
	cutoff := now.Add(-time.Minute)
	trimmed := q.completionTimes[:0]
	for _, t := range q.completionTimes {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	q.completionTimes = trimmed

	paused := 0
	for _, it := range q.index {
		if it.paused {
			paused++
		}
	}

	m := models.QueueMetrics{
		Queued:        q.ready.Len(),
		Paused:        paused,
		Processing:    len(q.active),
		Completed:     q.completed,
		Failed:        q.failed,
		Cancelled:     q.cancelled,
		ActiveWorkers: len(q.active),
		Capacity:      q.capacity,
		UpdatedAt:     now,
	}
	if q.waitSamples > 0 {
		m.AverageWaitMs = q.totalWaitMs / float64(q.waitSamples)
	}
	if q.procSamples > 0 {
		m.AverageProcessingMs = q.totalProcMs / float64(q.procSamples)
	}
	m.ThroughputPerMin = float64(len(q.completionTimes))
	if done := q.completed + q.failed; done > 0 {
		m.ErrorRate = float64(q.failed) / float64(done)
	}
	if q.workers > 0 {
		m.ResourceUtilization = float64(len(q.active)) / float64(q.workers)
	}
	return m
}

func (q *Queue) emit(m models.QueueMetrics) {
	if q.onMetrics != nil {
		q.onMetrics(m)
	}
}
