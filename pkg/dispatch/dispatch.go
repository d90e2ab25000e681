package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	cfg "github.com/feichai0017/zone-engine/config"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// TaskTypeZoneBatch 定义任务类型
const TaskTypeZoneBatch = "zones:process_batch"

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// ZoneBatchTask carries one document's zones to a processing worker.
type ZoneBatchTask struct {
	DocumentID string        `json:"documentId"`
	Zones      []models.Zone `json:"zones"`
	Priority   int           `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// Dispatcher hands zone batches to worker processes through asynq. The
// task ID is the document ID, so a document cannot be dispatched twice
// while its batch is still pending.
type Dispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    logger.Logger

	maxRetry int
	timeout  time.Duration
}

func NewDispatcher(log logger.Logger) *Dispatcher {
	c := cfg.GetDispatchConfig()
	redisOpt := asynq.RedisClientOpt{
		Addr: c.RedisAddr,
		DB:   c.RedisDB,
	}

	return &Dispatcher{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    log,
		maxRetry:  c.MaxRetry,
		timeout:   c.ProcessTimeout,
	}
}

// queueFor maps zone priorities (1-10, high first) onto asynq queues.
func queueFor(priority int) string {
	switch {
	case priority >= 8:
		return QueueCritical
	case priority >= 4:
		return QueueDefault
	default:
		return QueueLow
	}
}

// DispatchBatch enqueues the batch and returns the asynq task ID.
func (d *Dispatcher) DispatchBatch(ctx context.Context, task *ZoneBatchTask) (string, error) {
	if task.DocumentID == "" {
		return "", fmt.Errorf("batch has no document id")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
		asynq.TaskID(task.DocumentID),
		asynq.Queue(queueFor(task.Priority)),
	}

	t := asynq.NewTask(TaskTypeZoneBatch, payload, opts...)
	info, err := d.client.EnqueueContext(ctx, t)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue batch: %w", err)
	}

	d.logger.Info("Dispatched zone batch",
		logger.String("documentId", task.DocumentID),
		logger.Int("zones", len(task.Zones)),
		logger.String("queue", info.Queue),
	)

	return info.ID, nil
}

// CancelBatch removes a pending batch from whichever queue holds it.
func (d *Dispatcher) CancelBatch(ctx context.Context, documentID string) error {
	queues := []string{QueueCritical, QueueDefault, QueueLow}
	var lastErr error

	for _, queue := range queues {
		err := d.inspector.DeleteTask(queue, documentID)
		if err == nil {
			d.logger.Info("Cancelled pending batch",
				logger.String("documentId", documentID),
				logger.String("queue", queue),
			)
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed to cancel batch: %w", lastErr)
}

func (d *Dispatcher) Close() error {
	return d.client.Close()
}
