package config

import (
	"log"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	extractorOnce   sync.Once
	extractorConfig *ExtractorConfig
)

// ExtractorConfig points at the sidecar hosting the non-native tools.
type ExtractorConfig struct {
	Endpoint string
	Timeout  time.Duration
	Tools    []string
}

func GetExtractorConfig() *ExtractorConfig {
	extractorOnce.Do(func() {
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

		tools := envString("EXTRACTOR_TOOLS", "camelot,tabula,unstructured,layoutlm,paddle")
		var names []string
		for _, name := range strings.Split(tools, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				names = append(names, name)
			}
		}

		extractorConfig = &ExtractorConfig{
			Endpoint: envString("EXTRACTOR_ENDPOINT", "http://localhost:9090"),
			Timeout:  time.Duration(envInt("EXTRACTOR_TIMEOUT_SECONDS", 120)) * time.Second,
			Tools:    names,
		}
	})
	return extractorConfig
}
