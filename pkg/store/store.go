package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store/minio"
	"github.com/feichai0017/zone-engine/pkg/store/s3"
)

// BackendType 定义存储类型
type BackendType string

const (
	BackendS3    BackendType = "s3"
	BackendMinio BackendType = "minio"
)

// ArtifactStore holds the page artifacts zones are extracted from.
type ArtifactStore interface {
	// Store 存储文件
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get 获取文件
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除文件
	Delete(ctx context.Context, key string) error
	// CleanupBefore 清理过期文件
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// NewArtifactStore 创建存储实例的工厂方法
func NewArtifactStore(backend BackendType, logger logger.Logger) (ArtifactStore, error) {
	switch backend {
	case BackendS3:
		return s3.GetClient(logger)
	case BackendMinio:
		return minio.GetClient(logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

// ZoneStateStore persists zone snapshots across restarts. Persistence is
// best-effort; in-memory state stays authoritative during an active run.
type ZoneStateStore interface {
	Save(ctx context.Context, zone *models.Zone) error
	Load(ctx context.Context, zoneID string) (*models.Zone, error)
	Delete(ctx context.Context, zoneID string) error
	Close() error
}
