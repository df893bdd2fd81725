// Package pricehistory keeps append-only price series per (product, vendor) and
// classifies their trend and volatility.
package pricehistory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/lock"
	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// ErrOutOfOrder marks an observation that is not strictly after the last point of
// its key. Nothing is written.
var ErrOutOfOrder = errors.New("pricehistory: observation not after last point")

type Config struct {
	Retention time.Duration
	// MinSlope is the minimum |slope/mean| per point for a non-stable trend.
	MinSlope float64
	// VolatileRatio is the stddev/mean ratio above which a series is volatile.
	VolatileRatio float64
	Window        int
}

func DefaultConfig() Config {
	return Config{
		Retention:     90 * 24 * time.Hour,
		MinSlope:      0.005,
		VolatileRatio: 0.10,
		Window:        10,
	}
}

// Sink persists committed points. A sink failure aborts the write for that key only.
type Sink interface {
	RecordPricePoint(ctx context.Context, p model.PricePoint) error
}

// Seeder is implemented by sinks that can return the last persisted point of a
// key. The tracker consults it on the first write of a key since start, so
// ordering and deltas hold across restarts and replicas.
type Seeder interface {
	LatestPrice(ctx context.Context, productID, vendor string) (*model.PricePoint, error)
}

// Pruner is implemented by sinks that can drop persisted points past retention.
// The newest point of a key must survive.
type Pruner interface {
	PrunePricePoints(ctx context.Context, productID, vendor string, cutoff time.Time) (int64, error)
}

// Tracker is safe for concurrent use; writes are serialized per (product, vendor).
type Tracker struct {
	cfg    Config
	locks  *lock.Keyed
	sink   Sink
	seeder Seeder
	pruner Pruner
	logger *zap.Logger

	mu     sync.RWMutex
	series map[string]map[string][]model.PricePoint
	// loaded marks keys whose persisted tail has been consulted.
	loaded map[string]bool
}

// New creates a tracker. sink may be nil; when it also implements Seeder or
// Pruner those are used for the persisted side of the series.
func New(cfg Config, sink Sink, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MinSlope <= 0 {
		cfg.MinSlope = def.MinSlope
	}
	if cfg.VolatileRatio <= 0 {
		cfg.VolatileRatio = def.VolatileRatio
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:    cfg,
		locks:  lock.NewKeyed(),
		sink:   sink,
		logger: logger,
		series: make(map[string]map[string][]model.PricePoint),
		loaded: make(map[string]bool),
	}
	if s, ok := sink.(Seeder); ok {
		t.seeder = s
	}
	if p, ok := sink.(Pruner); ok {
		t.pruner = p
	}
	return t
}

func (t *Tracker) Config() Config { return t.cfg }

// RecordPrice appends a point for (productID, vendor) and returns it with the delta
// against the previous point filled in.
func (t *Tracker) RecordPrice(ctx context.Context, productID, vendor string, price int64, observedAt time.Time) (model.PricePoint, error) {
	key := productID + "|" + vendor
	unlock, err := t.locks.LockContext(ctx, key)
	if err != nil {
		return model.PricePoint{}, err
	}
	defer unlock()

	firstSinceStart, err := t.load(ctx, key, productID, vendor)
	if err != nil {
		return model.PricePoint{}, err
	}

	observedAt = observedAt.UTC()
	point := model.PricePoint{
		ProductID:      productID,
		Vendor:         vendor,
		PriceMinorUnit: price,
		ObservedAt:     observedAt,
		First:          true,
	}

	t.mu.RLock()
	pts := t.series[productID][vendor]
	var last model.PricePoint
	hasLast := len(pts) > 0
	if hasLast {
		last = pts[len(pts)-1]
	}
	t.mu.RUnlock()

	if hasLast {
		if !observedAt.After(last.ObservedAt) {
			metrics.PricePoints.WithLabelValues("out_of_order").Inc()
			t.logger.Debug("pricehistory.out_of_order",
				zap.String("product_id", productID),
				zap.String("vendor", vendor),
				zap.Time("observed_at", observedAt),
				zap.Time("last_observed_at", last.ObservedAt),
			)
			return model.PricePoint{}, ErrOutOfOrder
		}
		point.First = false
		point.DeltaFromPrevious = price - last.PriceMinorUnit
	}

	if t.sink != nil {
		if err := t.sink.RecordPricePoint(ctx, point); err != nil {
			metrics.PricePoints.WithLabelValues("error").Inc()
			t.logger.Warn("pricehistory.sink_failed",
				zap.String("product_id", productID),
				zap.String("vendor", vendor),
				zap.Error(err),
			)
			return model.PricePoint{}, fmt.Errorf("pricehistory: persist %s/%s: %w", productID, vendor, err)
		}
	}

	cutoff := observedAt.Add(-t.cfg.Retention)
	t.mu.Lock()
	byVendor, ok := t.series[productID]
	if !ok {
		byVendor = make(map[string][]model.PricePoint)
		t.series[productID] = byVendor
	}
	grown := append(byVendor[vendor], point)
	byVendor[vendor] = prune(grown, cutoff)
	dropped := len(grown) - len(byVendor[vendor])
	t.mu.Unlock()

	if firstSinceStart || dropped > 0 {
		t.prunePersisted(ctx, productID, vendor, cutoff)
	}

	metrics.PricePoints.WithLabelValues("recorded").Inc()
	return point, nil
}

// load seeds the in-memory series of a key from the seeder once. It reports
// whether this call did the loading. Called with the key lock held.
func (t *Tracker) load(ctx context.Context, key, productID, vendor string) (bool, error) {
	t.mu.RLock()
	done := t.loaded[key] || len(t.series[productID][vendor]) > 0
	t.mu.RUnlock()
	if done {
		return false, nil
	}

	var seed *model.PricePoint
	if t.seeder != nil {
		p, err := t.seeder.LatestPrice(ctx, productID, vendor)
		if err != nil {
			metrics.PricePoints.WithLabelValues("error").Inc()
			t.logger.Warn("pricehistory.seed_failed",
				zap.String("product_id", productID),
				zap.String("vendor", vendor),
				zap.Error(err),
			)
			return false, fmt.Errorf("pricehistory: load last point %s/%s: %w", productID, vendor, err)
		}
		seed = p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded[key] = true
	if seed != nil {
		s := *seed
		s.ObservedAt = s.ObservedAt.UTC()
		byVendor, ok := t.series[productID]
		if !ok {
			byVendor = make(map[string][]model.PricePoint)
			t.series[productID] = byVendor
		}
		byVendor[vendor] = append(byVendor[vendor], s)
		t.logger.Debug("pricehistory.seeded",
			zap.String("product_id", productID),
			zap.String("vendor", vendor),
			zap.Time("observed_at", s.ObservedAt),
		)
	}
	return true, nil
}

// prunePersisted applies retention to the stored series. The in-memory write
// already succeeded, so failures are only logged.
func (t *Tracker) prunePersisted(ctx context.Context, productID, vendor string, cutoff time.Time) {
	if t.pruner == nil {
		return
	}
	n, err := t.pruner.PrunePricePoints(ctx, productID, vendor, cutoff)
	if err != nil {
		t.logger.Warn("pricehistory.prune_failed",
			zap.String("product_id", productID),
			zap.String("vendor", vendor),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		metrics.PricePoints.WithLabelValues("pruned").Add(float64(n))
	}
}

// prune drops points observed before cutoff. The newest point is always kept.
func prune(pts []model.PricePoint, cutoff time.Time) []model.PricePoint {
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].ObservedAt.Before(cutoff) })
	if i == 0 {
		return pts
	}
	if i >= len(pts) {
		i = len(pts) - 1
	}
	return append([]model.PricePoint(nil), pts[i:]...)
}

// Points returns up to the last n points for the key, oldest first; n <= 0 returns all.
func (t *Tracker) Points(productID, vendor string, n int) []model.PricePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pts := t.series[productID][vendor]
	if n > 0 && len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	return append([]model.PricePoint(nil), pts...)
}

// Latest returns the most recent point per vendor for productID.
func (t *Tracker) Latest(productID string) map[string]model.PricePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]model.PricePoint, len(t.series[productID]))
	for vendor, pts := range t.series[productID] {
		if len(pts) > 0 {
			out[vendor] = pts[len(pts)-1]
		}
	}
	return out
}

// ClassifyTrend fits a least-squares line over the last window points. The slope
// per point is taken relative to the window mean; below MinSlope in magnitude the
// series is stable.
func (t *Tracker) ClassifyTrend(productID, vendor string, window int) model.Trend {
	if window <= 0 {
		window = t.cfg.Window
	}
	return classifyTrend(prices(t.Points(productID, vendor, window)), t.cfg.MinSlope)
}

// ClassifyVolatility reports whether stddev/mean over the last window points
// exceeds VolatileRatio, along with the ratio itself.
func (t *Tracker) ClassifyVolatility(productID, vendor string, window int) (bool, float64) {
	if window <= 0 {
		window = t.cfg.Window
	}
	ratio := dispersion(prices(t.Points(productID, vendor, window)))
	return ratio > t.cfg.VolatileRatio, ratio
}

func prices(pts []model.PricePoint) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = float64(p.PriceMinorUnit)
	}
	return out
}

func classifyTrend(ys []float64, minSlope float64) model.Trend {
	n := float64(len(ys))
	if len(ys) < 2 {
		return model.TrendStable
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	mean := sumY / n
	denom := n*sumXX - sumX*sumX
	if denom == 0 || mean == 0 {
		return model.TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom
	rel := slope / mean
	switch {
	case rel > minSlope:
		return model.TrendIncreasing
	case rel < -minSlope:
		return model.TrendDecreasing
	default:
		return model.TrendStable
	}
}

// dispersion is the population coefficient of variation.
func dispersion(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / float64(len(ys))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, y := range ys {
		sq += (y - mean) * (y - mean)
	}
	return math.Sqrt(sq/float64(len(ys))) / mean
}
