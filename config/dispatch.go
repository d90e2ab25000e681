package config

import (
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	dispatchOnce   sync.Once
	dispatchConfig *DispatchConfig
)

type DispatchConfig struct {
	RedisAddr      string
	RedisDB        int
	MaxRetry       int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
	Concurrency    int
}

func GetDispatchConfig() *DispatchConfig {
	dispatchOnce.Do(func() {
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

		dispatchConfig = &DispatchConfig{
			RedisAddr:      envString("REDIS_ADDR", "localhost:6379"),
			RedisDB:        envInt("ASYNQ_REDIS_DB", 1),
			MaxRetry:       envInt("DISPATCH_MAX_RETRY", 3),
			RetryDelay:     time.Duration(envInt("DISPATCH_RETRY_DELAY_SECONDS", 60)) * time.Second,
			ProcessTimeout: time.Duration(envInt("DISPATCH_TIMEOUT_MINUTES", 30)) * time.Minute,
			Concurrency:    envInt("DISPATCH_CONCURRENCY", 5),
		}
	})
	return dispatchConfig
}
