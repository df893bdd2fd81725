package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Store is the Redis-first, Postgres-backed persistence used for price history and
// the alert audit trail. The catalog has its own storage boundary.
type Store interface {
	RecordPricePoint(ctx context.Context, p model.PricePoint) error
	LatestPrice(ctx context.Context, productID, vendor string) (*model.PricePoint, error)
	PrunePricePoints(ctx context.Context, productID, vendor string, cutoff time.Time) (int64, error)
	RecordAlert(ctx context.Context, a model.Alert) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	HealthCheck(ctx context.Context) error
	Close() error
}

type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
	// LatestTTL bounds how long the latest-price cache entries live.
	LatestTTL time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store. An empty pgURL leaves
// Postgres disabled and its writes become no-ops.
func NewHybrid(redisAddr string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		pool, err := NewPGPool(ctx, pgURL, pgPoolConfig)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		pgPool = pool
	}

	return &HybridStore{redis: rdb, PG: pgPool, logger: logger, LatestTTL: 7 * 24 * time.Hour}, nil
}

// NewPGPool opens a pgx pool with the given overrides applied.
func NewPGPool(ctx context.Context, pgURL string, pgPoolConfig PGPoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// Redis exposes the client for components that share the connection (alert suppression).
func (s *HybridStore) Redis() *redis.Client {
	return s.redis
}

const (
	latestPricePointQuery = `
		SELECT price, delta, observed_at
		FROM history.price_point
		WHERE product_id = $1 AND vendor = $2
		ORDER BY observed_at DESC
		LIMIT 1;`

	prunePricePointsQuery = `
		DELETE FROM history.price_point
		WHERE product_id = $1 AND vendor = $2 AND observed_at < $3
		  AND observed_at < (
			SELECT MAX(observed_at) FROM history.price_point
			WHERE product_id = $1 AND vendor = $2
		  );`
)

func latestKey(productID, vendor string) string {
	return fmt.Sprintf("price:latest:%s:%s", productID, vendor)
}

// RecordPricePoint appends the point to history.price_point and refreshes the
// latest-price cache entry.
func (s *HybridStore) RecordPricePoint(ctx context.Context, p model.PricePoint) error {
	if s.PG != nil {
		var delta *int64
		if !p.First {
			d := p.DeltaFromPrevious
			delta = &d
		}
		_, err := s.PG.Exec(ctx, `
			INSERT INTO history.price_point (product_id, vendor, price, delta, observed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (product_id, vendor, observed_at) DO NOTHING;
		`, p.ProductID, p.Vendor, p.PriceMinorUnit, delta, p.ObservedAt)
		if err != nil {
			s.logger.Error("store.pg.insert_price_point_failed",
				zap.String("product_id", p.ProductID),
				zap.String("vendor", p.Vendor),
				zap.Error(err),
			)
			return err
		}
	}

	if err := s.SetJSON(ctx, latestKey(p.ProductID, p.Vendor), p, s.LatestTTL); err != nil {
		// the cache is advisory; Postgres already holds the point
		s.logger.Warn("store.redis.latest_price_failed",
			zap.String("product_id", p.ProductID),
			zap.String("vendor", p.Vendor),
			zap.Error(err),
		)
	}
	return nil
}

// LatestPrice returns the newest stored point for the key, or nil when there is
// none. The cache is read first; on a miss Postgres is authoritative.
func (s *HybridStore) LatestPrice(ctx context.Context, productID, vendor string) (*model.PricePoint, error) {
	var p model.PricePoint
	err := s.GetJSON(ctx, latestKey(productID, vendor), &p)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if s.PG == nil {
		return nil, nil
	}

	var delta *int64
	err = s.PG.QueryRow(ctx, latestPricePointQuery, productID, vendor).Scan(&p.PriceMinorUnit, &delta, &p.ObservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest price %s/%s: %w", productID, vendor, err)
	}
	p.ProductID, p.Vendor = productID, vendor
	if delta == nil {
		p.First = true
	} else {
		p.DeltaFromPrevious = *delta
	}
	return &p, nil
}

// PrunePricePoints deletes points of the key observed before cutoff, keeping
// the newest one.
func (s *HybridStore) PrunePricePoints(ctx context.Context, productID, vendor string, cutoff time.Time) (int64, error) {
	if s.PG == nil {
		return 0, nil
	}
	tag, err := s.PG.Exec(ctx, prunePricePointsQuery, productID, vendor, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune %s/%s: %w", productID, vendor, err)
	}
	return tag.RowsAffected(), nil
}

// RecordAlert writes the alert to history.alert; a repeated suppression key is ignored.
func (s *HybridStore) RecordAlert(ctx context.Context, a model.Alert) error {
	if s.PG == nil {
		return nil
	}
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	_, err = s.PG.Exec(ctx, `
		INSERT INTO history.alert (
			id, product_id, alert_type, severity, payload, suppression_key, delivered, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (suppression_key) DO NOTHING;
	`, a.ID, a.ProductID, string(a.Type), string(a.Severity), payload, a.SuppressionKey, a.Delivered, a.CreatedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_alert_failed",
			zap.String("alert_id", a.ID),
			zap.String("product_id", a.ProductID),
			zap.Error(err),
		)
	}
	return err
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
