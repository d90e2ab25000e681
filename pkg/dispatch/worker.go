package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/zone-engine/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type WorkerConfig struct {
	RedisAddr   string
	RedisDB     int
	Concurrency int
	Queues      map[string]int
}

func defaultQueues() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.server.Stop()
	})
	return nil
}

// BatchHandler consumes one dispatched zone batch.
type BatchHandler func(ctx context.Context, task *ZoneBatchTask) error

// ZoneWorker pulls zone batches off redis and feeds them to the handler.
type ZoneWorker struct {
	BaseWorker
	handler BatchHandler
}

func NewZoneWorker(cfg *WorkerConfig, handler BatchHandler, log logger.Logger) (*ZoneWorker, error) {
	if handler == nil {
		return nil, fmt.Errorf("batch handler is required")
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = defaultQueues()
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &ZoneWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log,
			stopChan: make(chan struct{}),
		},
		handler: handler,
	}

	// 注册任务处理器
	w.registerHandlers()
	return w, nil
}

func (w *ZoneWorker) registerHandlers() {
	w.mux.HandleFunc(TaskTypeZoneBatch, w.handleZoneBatch)
}

func (w *ZoneWorker) handleZoneBatch(ctx context.Context, t *asynq.Task) error {
	var task ZoneBatchTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.logger.Error("Failed to unmarshal batch",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	if task.DocumentID == "" || len(task.Zones) == 0 {
		w.logger.Error("Invalid batch data",
			logger.String("documentId", task.DocumentID),
			logger.Int("zones", len(task.Zones)),
		)
		return fmt.Errorf("invalid batch data: missing required fields")
	}

	w.logger.Info("Processing zone batch",
		logger.String("documentId", task.DocumentID),
		logger.Int("zones", len(task.Zones)),
	)

	info := t.ResultWriter()
	if _, err := info.Write([]byte(`{"status":"running","progress":0}`)); err != nil {
		w.logger.Error("Failed to write batch status", logger.Error(err))
	}

	if err := w.handler(ctx, &task); err != nil {
		if _, writeErr := info.Write([]byte(fmt.Sprintf(`{"status":"failed","error":%q}`, err.Error()))); writeErr != nil {
			w.logger.Error("Failed to write batch failure", logger.Error(writeErr))
		}
		return err
	}

	if _, err := info.Write([]byte(`{"status":"completed","progress":100}`)); err != nil {
		w.logger.Error("Failed to write batch completion", logger.Error(err))
	}

	return nil
}

func (w *ZoneWorker) Start(ctx context.Context) error {
	go func() {
		if err := w.server.Run(w.mux); err != nil {
			w.logger.Error("Worker server stopped", logger.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopChan:
		}
	}()

	return nil
}
