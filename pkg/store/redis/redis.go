package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/zone-engine/config"
	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

var ErrNotFound = errors.New("zone state not found")

// Store persists zone snapshots in redis with a TTL. State here is a
// recovery copy; the in-memory hub stays authoritative during a run.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func New(log logger.Logger) *Store {
	redisConfig := cfg.GetRedisConfig()
	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	return &Store{
		client: client,
		ttl:    redisConfig.StateTTL,
		logger: log,
	}
}

func stateKey(zoneID string) string {
	return fmt.Sprintf("zone_state:%s", zoneID)
}

func (s *Store) Save(ctx context.Context, zone *models.Zone) error {
	data, err := json.Marshal(zone)
	if err != nil {
		return fmt.Errorf("failed to marshal zone state: %w", err)
	}

	if err := s.client.Set(ctx, stateKey(zone.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save zone state: %w", err)
	}

	return nil
}

func (s *Store) Load(ctx context.Context, zoneID string) (*models.Zone, error) {
	data, err := s.client.Get(ctx, stateKey(zoneID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone state: %w", err)
	}

	var zone models.Zone
	if err := json.Unmarshal(data, &zone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal zone state: %w", err)
	}

	return &zone, nil
}

func (s *Store) Delete(ctx context.Context, zoneID string) error {
	if err := s.client.Del(ctx, stateKey(zoneID)).Err(); err != nil {
		return fmt.Errorf("failed to delete zone state: %w", err)
	}
	return nil
}

// Ping verifies the connection, for startup checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
