package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/pricehistory"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

func newTestStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	st, err := NewHybrid(mr.Addr(), 0, "", PGPoolConfig{}, zap.NewNop())
	require.NoError(t, err)
	return st, mr
}

// --- HealthCheck Tests ---

func TestHealthCheck_Success(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	err := store.HealthCheck(context.Background())
	require.NoError(t, err)
}

func TestHealthCheck_RedisNil(t *testing.T) {
	store := &HybridStore{redis: nil}
	err := store.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis not initialized")
}

func TestHealthCheck_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &HybridStore{redis: rdb}

	mr.Close()

	err = store.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

// --- Close Tests ---

func TestClose_RedisOnly(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, store.Close())
}

func TestClose_NilComponents(t *testing.T) {
	store := &HybridStore{}
	require.NoError(t, store.Close())
}

// --- Price points ---

func TestRecordPricePoint_CachesLatest(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	p := model.PricePoint{ProductID: "p1", Vendor: "v1", PriceMinorUnit: 18_500_000, ObservedAt: at, First: true}
	require.NoError(t, store.RecordPricePoint(ctx, p))
	assert.True(t, mr.Exists("price:latest:p1:v1"))

	got, err := store.LatestPrice(ctx, "p1", "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(18_500_000), got.PriceMinorUnit)
	assert.True(t, got.ObservedAt.Equal(at))
}

func TestLatestPrice_Missing(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	got, err := store.LatestPrice(context.Background(), "p1", "v1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLatestPrice_InvalidJSON(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, mr.Set("price:latest:p1:v1", "not-json"))
	got, err := store.LatestPrice(context.Background(), "p1", "v1")
	assert.Nil(t, got)
	assert.Error(t, err)
}

func TestLatestPrice_CacheMissWithoutPG(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	// an expired cache entry and no Postgres means no known point
	require.NoError(t, store.SetJSON(context.Background(), "price:latest:p1:v1", model.PricePoint{PriceMinorUnit: 1}, time.Minute))
	mr.FastForward(2 * time.Minute)

	got, err := store.LatestPrice(context.Background(), "p1", "v1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrunePricePoints_NilPG(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	n, err := store.PrunePricePoints(context.Background(), "p1", "v1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPricePointQueries(t *testing.T) {
	assert.Contains(t, latestPricePointQuery, "ORDER BY observed_at DESC")
	assert.Contains(t, latestPricePointQuery, "LIMIT 1")
	assert.Contains(t, prunePricePointsQuery, "observed_at < $3")
	// the newest point of a key is never pruned
	assert.Contains(t, prunePricePointsQuery, "SELECT MAX(observed_at)")
}

func TestHybridStore_FeedsTracker(t *testing.T) {
	var _ pricehistory.Sink = (*HybridStore)(nil)
	var _ pricehistory.Seeder = (*HybridStore)(nil)
	var _ pricehistory.Pruner = (*HybridStore)(nil)
}

func TestHybridStore_TrackerSeedsFromCache(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordPricePoint(ctx, model.PricePoint{
		ProductID: "p1", Vendor: "v1", PriceMinorUnit: 20_000_000, ObservedAt: at, First: true,
	}))

	// a fresh tracker, as after a restart
	tr := pricehistory.New(pricehistory.DefaultConfig(), store, nil)
	_, err := tr.RecordPrice(ctx, "p1", "v1", 19_000_000, at.Add(-time.Hour))
	assert.ErrorIs(t, err, pricehistory.ErrOutOfOrder)

	next, err := tr.RecordPrice(ctx, "p1", "v1", 19_000_000, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(-1_000_000), next.DeltaFromPrevious)
}

func TestRecordPricePoint_CacheFailureIgnored(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	err := store.RecordPricePoint(context.Background(), model.PricePoint{ProductID: "p1", Vendor: "v1"})
	require.NoError(t, err)
}

// --- Alerts with nil PG ---

func TestRecordAlert_NilPG(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	err := store.RecordAlert(context.Background(), model.Alert{ID: "a1", ProductID: "p1", Type: model.AlertPriceDrop})
	require.NoError(t, err)
}

// --- SetJSON / GetJSON edge cases ---

func TestGetJSON_KeyNotFound(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	var dest map[string]string
	err := store.GetJSON(context.Background(), "nonexistent:key", &dest)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestSetJSON_NilValue(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	err := store.SetJSON(context.Background(), "test:nil", nil, 0)
	require.NoError(t, err)
}

func TestSetJSON_TTL(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, store.SetJSON(context.Background(), "test:ttl", map[string]int{"a": 1}, time.Minute))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:ttl"))
}

// --- NewHybrid ---

func TestNewHybrid_NilLogger(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st, err := NewHybrid(mr.Addr(), 0, "", PGPoolConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NotNil(t, st.Redis())

	require.NoError(t, st.Close())
}

func TestNewHybrid_InvalidRedis(t *testing.T) {
	_, err := NewHybrid("localhost:1", 0, "", PGPoolConfig{}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestNewHybrid_InvalidPGURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	_, err = NewHybrid(mr.Addr(), 0, "not-a-valid-pg-url", PGPoolConfig{}, nil)
	assert.Error(t, err)
}
