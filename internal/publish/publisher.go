// Package publish mirrors the latest target table to Redis so external
// dashboards and execution tooling can read it without touching the
// engine. Publishing is best effort.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TargetTable is the published payload: the final per-symbol weights of
// one cycle plus enough context to interpret them.
type TargetTable struct {
	CycleID    string             `json:"cycle_id"`
	Timestamp  time.Time          `json:"ts"`
	Regime     string             `json:"regime"`
	Scale      float64            `json:"scale"`
	Weights    map[string]float64 `json:"weights"`
	CashWeight float64            `json:"cash_weight"`
}

// setter is the slice of the redis client the publisher uses.
type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Publisher writes the target table under a fixed key with a TTL, so a
// stalled engine leaves no stale table behind.
type Publisher struct {
	rdb setter
	key string
	ttl time.Duration
}

// New builds a publisher over a live Redis connection.
func New(addr string, db int, key string, ttl time.Duration) *Publisher {
	return &Publisher{
		rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		key: key,
		ttl: ttl,
	}
}

// NewWithClient injects a client, used by tests.
func NewWithClient(rdb setter, key string, ttl time.Duration) *Publisher {
	return &Publisher{rdb: rdb, key: key, ttl: ttl}
}

// Publish serializes the table and stores it.
func (p *Publisher) Publish(ctx context.Context, table TargetTable) error {
	payload, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("marshal target table: %w", err)
	}
	if err := p.rdb.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("publish target table: %w", err)
	}
	return nil
}
