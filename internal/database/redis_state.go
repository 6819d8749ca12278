package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/position"
)

const (
	// positionStateKey holds the single active position. The engine runs
	// one trade at a time, so one key is enough.
	positionStateKey = "trading:position:active"

	// positionStateTTL bounds how long a stale snapshot can survive a
	// crashed process. Reconciliation against the broker is the real
	// source of truth; the snapshot just speeds up restart.
	positionStateTTL = 48 * time.Hour
)

// RedisStateStore persists the active position snapshot in Redis so a
// restarted process can resume reconciliation immediately.
type RedisStateStore struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisStateStore connects to Redis and verifies the connection.
func NewRedisStateStore(ctx context.Context, addr, password string, db, poolSize int, logger *logging.Logger) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.WithComponent("redis_state").Info("connected to Redis", "addr", addr)
	return &RedisStateStore{client: client, logger: logger.WithComponent("redis_state")}, nil
}

var _ position.SnapshotStore = (*RedisStateStore)(nil)

// Save stores the position snapshot with a TTL.
func (s *RedisStateStore) Save(ctx context.Context, p *position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if err := s.client.Set(ctx, positionStateKey, data, positionStateTTL).Err(); err != nil {
		return fmt.Errorf("save position state: %w", err)
	}
	return nil
}

// Clear removes the snapshot after the position closes.
func (s *RedisStateStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, positionStateKey).Err(); err != nil {
		return fmt.Errorf("clear position state: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil when none exists.
func (s *RedisStateStore) Load(ctx context.Context) (*position.Position, error) {
	data, err := s.client.Get(ctx, positionStateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position state: %w", err)
	}
	var p position.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal position state: %w", err)
	}
	return &p, nil
}

// Close releases the Redis connection pool.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
