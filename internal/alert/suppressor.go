package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Suppressor claims the right to emit an alert for (productID, type). Claim is an
// atomic check-and-set: among concurrent callers within one window exactly one wins.
type Suppressor interface {
	Claim(ctx context.Context, productID string, typ model.AlertType, at time.Time, window time.Duration) (bool, error)
}

// MemorySuppressor keeps the last emission time per (productID, type) in process.
type MemorySuppressor struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{last: make(map[string]time.Time)}
}

func (m *MemorySuppressor) Claim(_ context.Context, productID string, typ model.AlertType, at time.Time, window time.Duration) (bool, error) {
	key := productID + ":" + string(typ)

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.last[key]; ok {
		d := at.Sub(last)
		if d < 0 {
			d = -d
		}
		if d < window {
			return false, nil
		}
	}
	m.last[key] = at
	return true, nil
}

// RedisSuppressor claims with SET NX PX so claims are shared across replicas.
type RedisSuppressor struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisSuppressor(rdb redis.UniversalClient, prefix string) *RedisSuppressor {
	if prefix == "" {
		prefix = "pricewatch:alert:suppress"
	}
	return &RedisSuppressor{rdb: rdb, prefix: prefix}
}

func (r *RedisSuppressor) Claim(ctx context.Context, productID string, typ model.AlertType, at time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:%s:%s", r.prefix, productID, typ)
	ok, err := r.rdb.SetNX(ctx, key, at.UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("alert: suppression claim %s: %w", key, err)
	}
	return ok, nil
}
