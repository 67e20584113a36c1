package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wheelpot/wheelpot/internal/models"
)

const (
	currentRoundKey = "wheel:round:current"
	snapshotTTL     = 10 * time.Minute
)

// SnapshotCache keeps the latest round snapshot in Redis so freshly
// connected clients and the state endpoint read it without touching the
// primary store.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotCache(rdb *redis.Client) *SnapshotCache {
	return &SnapshotCache{
		rdb: rdb,
		ttl: snapshotTTL,
	}
}

// Store replaces the cached snapshot.
func (c *SnapshotCache) Store(ctx context.Context, r *models.Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal round snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, currentRoundKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store round snapshot: %w", err)
	}
	return nil
}

// Load returns the cached snapshot, or (nil, nil) on a cache miss.
func (c *SnapshotCache) Load(ctx context.Context) (*models.Round, error) {
	data, err := c.rdb.Get(ctx, currentRoundKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load round snapshot: %w", err)
	}

	var r models.Round
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal round snapshot: %w", err)
	}
	return &r, nil
}

// Invalidate drops the cached snapshot.
func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, currentRoundKey).Err()
}
