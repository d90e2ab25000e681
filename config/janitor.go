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
	janitorOnce   sync.Once
	janitorConfig *JanitorConfig
)

type JanitorConfig struct {
	Schedule          string
	StateRetention    time.Duration
	ArtifactRetention time.Duration
}

func GetJanitorConfig() *JanitorConfig {
	janitorOnce.Do(func() {
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

		janitorConfig = &JanitorConfig{
			Schedule:          envString("JANITOR_SCHEDULE", "@hourly"),
			StateRetention:    time.Duration(envInt("STATE_RETENTION_HOURS", 24)) * time.Hour,
			ArtifactRetention: time.Duration(envInt("ARTIFACT_RETENTION_HOURS", 168)) * time.Hour,
		}
	})
	return janitorConfig
}
