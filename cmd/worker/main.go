package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/zone-engine/config"
	"github.com/feichai0017/zone-engine/internal/engine"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/registry"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/tools"
	"github.com/feichai0017/zone-engine/pkg/dispatch"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
	redisstore "github.com/feichai0017/zone-engine/pkg/store/redis"
)

// Headless consumer: pulls dispatched zone batches off redis and runs
// them through an in-process engine. Zone snapshots land in the shared
// state store, so the API tier can serve them.
func main() {

	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	engCfg := config.GetEngineConfig()

	// 初始化存储
	artifacts, err := store.NewArtifactStore(store.BackendType(engCfg.StorageBackend), log)
	if err != nil {
		log.Error("Failed to init artifact store", logger.Error(err))
		os.Exit(1)
	}
	states := redisstore.New(log)
	defer states.Close()

	// 初始化工具注册表
	reg := registry.NewRegistry(log)
	if engCfg.RegistryPath != "" {
		if err := reg.LoadFile(engCfg.RegistryPath); err != nil {
			log.Error("Failed to load tool registry", logger.Error(err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := status.NewHub(status.Config{}, log)
	hub.Start(ctx)

	router := tools.NewRouter(tools.NewStoreFetcher(artifacts), log, tools.BuildAdapters(ctx, log)...)

	eng := engine.New(engine.Config{
		Workers:             engCfg.Workers,
		QueueCapacity:       engCfg.QueueCapacity,
		ToolTimeout:         engCfg.ToolTimeout,
		ConfidenceThreshold: engCfg.ConfidenceThreshold,
		MaxRetries:          engCfg.MaxRetries,
	}, reg, hub, router, states, log)
	eng.Start(ctx)

	// 创建 worker 配置
	dispCfg := config.GetDispatchConfig()
	workerCfg := &dispatch.WorkerConfig{
		RedisAddr:   dispCfg.RedisAddr,
		RedisDB:     dispCfg.RedisDB,
		Concurrency: dispCfg.Concurrency,
	}

	// 创建 worker
	zoneWorker, err := dispatch.NewZoneWorker(workerCfg, func(ctx context.Context, task *dispatch.ZoneBatchTask) error {
		zones := make([]*models.Zone, len(task.Zones))
		for i := range task.Zones {
			zones[i] = &task.Zones[i]
		}
		_, err := eng.SubmitZones(ctx, task.DocumentID, zones)
		return err
	}, log)
	if err != nil {
		log.Error("Failed to create zone worker", logger.Error(err))
		os.Exit(1)
	}

	// 启动 worker
	if err := zoneWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	zoneWorker.Stop()
	eng.Stop()
	hub.Stop()
	if err := router.Close(); err != nil {
		log.Error("Tool router close", logger.Error(err))
	}
	log.Info("Worker stopped")
}
