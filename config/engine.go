package config

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	engineOnce   sync.Once
	engineConfig *EngineConfig
)

type EngineConfig struct {
	ConfidenceThreshold float64
	MaxRetries          int
	Workers             int
	QueueCapacity       int
	ToolTimeout         time.Duration
	RegistryPath        string
	StorageBackend      string
	AsyncIntake         bool
}

func GetEngineConfig() *EngineConfig {
	engineOnce.Do(func() {
		// 获取当前文件的目录
		_, filename, _, _ := runtime.Caller(0)
		configDir := filepath.Dir(filename)

		// 构建到项目根目录的路径
		rootDir := filepath.Dir(configDir)
		envPath := filepath.Join(rootDir, ".env")

		// 加载 .env 文件
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
		}

		engineConfig = &EngineConfig{
			ConfidenceThreshold: envFloat("ZONE_CONFIDENCE_THRESHOLD", 0.7),
			MaxRetries:          envInt("ZONE_MAX_RETRIES", 3),
			Workers:             envInt("ENGINE_WORKERS", 4),
			QueueCapacity:       envInt("QUEUE_CAPACITY", 1024),
			ToolTimeout:         time.Duration(envInt("TOOL_TIMEOUT_SECONDS", 120)) * time.Second,
			RegistryPath:        os.Getenv("TOOL_REGISTRY_PATH"),
			StorageBackend:      envString("STORAGE_BACKEND", "minio"),
			AsyncIntake:         envBool("ASYNC_INTAKE", false),
		}
	})
	return engineConfig
}
