// Package alert evaluates price events against the configured rules and emits at
// most one alert per (product, type) per suppression window.
package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Thresholds are percentages (10 means 10%).
type Config struct {
	DropPercent     float64
	IncreasePercent float64
	SpreadPercent   float64
	// SpreadRecency bounds which vendors count as currently listing a product:
	// their latest point must be this close to the triggering one.
	SpreadRecency     time.Duration
	SuppressionWindow time.Duration
	VolatilityWindow  int
}

func DefaultConfig() Config {
	return Config{
		DropPercent:       10,
		IncreasePercent:   10,
		SpreadPercent:     20,
		SpreadRecency:     7 * 24 * time.Hour,
		SuppressionWindow: 24 * time.Hour,
		VolatilityWindow:  10,
	}
}

// History is the read side of the price history tracker.
type History interface {
	Latest(productID string) map[string]model.PricePoint
	ClassifyVolatility(productID, vendor string, window int) (bool, float64)
}

// Dispatcher hands alerts to the notification collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, a model.Alert) error
}

// Recorder persists emitted alerts.
type Recorder interface {
	RecordAlert(ctx context.Context, a model.Alert) error
}

type Engine struct {
	cfg        Config
	history    History
	suppressor Suppressor
	dispatcher Dispatcher
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu           sync.Mutex
	volatile     map[string]bool
	availability map[string]bool
	unavailable  map[string]map[string]bool
}

// Option customises an Engine.
type Option func(*Engine)

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine wires the engine. suppressor defaults to an in-memory one.
func NewEngine(cfg Config, history History, suppressor Suppressor, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DropPercent <= 0 {
		cfg.DropPercent = def.DropPercent
	}
	if cfg.IncreasePercent <= 0 {
		cfg.IncreasePercent = def.IncreasePercent
	}
	if cfg.SpreadPercent <= 0 {
		cfg.SpreadPercent = def.SpreadPercent
	}
	if cfg.SpreadRecency <= 0 {
		cfg.SpreadRecency = def.SpreadRecency
	}
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = def.SuppressionWindow
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = def.VolatilityWindow
	}
	if suppressor == nil {
		suppressor = NewMemorySuppressor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:          cfg,
		history:      history,
		suppressor:   suppressor,
		dispatcher:   dispatcher,
		logger:       logger,
		now:          time.Now,
		volatile:     make(map[string]bool),
		availability: make(map[string]bool),
		unavailable:  make(map[string]map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnPricePoint evaluates the price rules after a point was committed and returns
// the alerts that were emitted.
func (e *Engine) OnPricePoint(ctx context.Context, p model.PricePoint) []model.Alert {
	var out []model.Alert
	if a, ok := e.priceMove(ctx, p); ok {
		out = append(out, a)
	}
	if a, ok := e.spread(ctx, p); ok {
		out = append(out, a)
	}
	if a, ok := e.volatility(ctx, p); ok {
		out = append(out, a)
	}
	return out
}

func (e *Engine) priceMove(ctx context.Context, p model.PricePoint) (model.Alert, bool) {
	if p.First || p.DeltaFromPrevious == 0 {
		return model.Alert{}, false
	}
	prev := p.PriceMinorUnit - p.DeltaFromPrevious
	if prev <= 0 {
		return model.Alert{}, false
	}
	pct := decimal.NewFromInt(p.DeltaFromPrevious).
		Div(decimal.NewFromInt(prev)).
		Mul(decimal.NewFromInt(100))

	typ, threshold := model.AlertPriceIncrease, decimal.NewFromFloat(e.cfg.IncreasePercent)
	if pct.IsNegative() {
		typ, threshold = model.AlertPriceDrop, decimal.NewFromFloat(e.cfg.DropPercent)
	}
	if !pct.Abs().GreaterThan(threshold) {
		return model.Alert{}, false
	}

	return e.emit(ctx, p.ProductID, typ, severityFor(pct.Abs(), threshold), map[string]any{
		"vendor":         p.Vendor,
		"previous_price": prev,
		"price":          p.PriceMinorUnit,
		"delta":          p.DeltaFromPrevious,
		"delta_pct":      pct.Round(2).String(),
		"observed_at":    p.ObservedAt,
	})
}

func (e *Engine) spread(ctx context.Context, p model.PricePoint) (model.Alert, bool) {
	latest := e.history.Latest(p.ProductID)
	since := p.ObservedAt.Add(-e.cfg.SpreadRecency)

	e.mu.Lock()
	gone := e.unavailable[p.ProductID]
	type quote struct {
		vendor string
		price  int64
	}
	quotes := make([]quote, 0, len(latest))
	for vendor, pt := range latest {
		if gone[vendor] || pt.ObservedAt.Before(since) {
			continue
		}
		quotes = append(quotes, quote{vendor: vendor, price: pt.PriceMinorUnit})
	}
	e.mu.Unlock()

	if len(quotes) < 2 {
		return model.Alert{}, false
	}
	sort.Slice(quotes, func(i, j int) bool {
		if quotes[i].price != quotes[j].price {
			return quotes[i].price < quotes[j].price
		}
		return quotes[i].vendor < quotes[j].vendor
	})

	cheapest, dearest := quotes[0], quotes[len(quotes)-1]
	med := medianOf(quotes, func(q quote) int64 { return q.price })
	if med.IsZero() {
		return model.Alert{}, false
	}
	pct := decimal.NewFromInt(dearest.price - cheapest.price).Div(med).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(e.cfg.SpreadPercent)
	if !pct.GreaterThan(threshold) {
		return model.Alert{}, false
	}

	return e.emit(ctx, p.ProductID, model.AlertCrossVendorSpread, severityFor(pct, threshold), map[string]any{
		"cheapest_vendor": cheapest.vendor,
		"cheapest_price":  cheapest.price,
		"dearest_vendor":  dearest.vendor,
		"dearest_price":   dearest.price,
		"median_price":    med.Round(0).IntPart(),
		"spread_pct":      pct.Round(2).String(),
		"vendors":         len(quotes),
	})
}

func medianOf[T any](xs []T, val func(T) int64) decimal.Decimal {
	n := len(xs)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 1 {
		return decimal.NewFromInt(val(xs[n/2]))
	}
	return decimal.NewFromInt(val(xs[n/2-1])).Add(decimal.NewFromInt(val(xs[n/2]))).Div(decimal.NewFromInt(2))
}

func (e *Engine) volatility(ctx context.Context, p model.PricePoint) (model.Alert, bool) {
	volatile, ratio := e.history.ClassifyVolatility(p.ProductID, p.Vendor, e.cfg.VolatilityWindow)

	key := p.ProductID + "|" + p.Vendor
	e.mu.Lock()
	was := e.volatile[key]
	e.volatile[key] = volatile
	e.mu.Unlock()

	if !volatile || was {
		return model.Alert{}, false
	}
	return e.emit(ctx, p.ProductID, model.AlertVolatility, model.SeverityMedium, map[string]any{
		"vendor":           p.Vendor,
		"dispersion_ratio": decimal.NewFromFloat(ratio).Round(4).String(),
		"window":           e.cfg.VolatilityWindow,
	})
}

// OnAvailability compares the listing's availability with the previous observation
// of the same vendor page and emits an availability-change alert on a flip.
func (e *Engine) OnAvailability(ctx context.Context, productID string, l model.Listing) (model.Alert, bool) {
	key := productID + "|" + l.SourceKey()

	e.mu.Lock()
	prev, seen := e.availability[key]
	e.availability[key] = l.Available
	gone, ok := e.unavailable[productID]
	if !ok {
		gone = make(map[string]bool)
		e.unavailable[productID] = gone
	}
	if l.Available {
		delete(gone, l.Vendor)
	} else {
		gone[l.Vendor] = true
	}
	e.mu.Unlock()

	if !seen || prev == l.Available {
		return model.Alert{}, false
	}
	return e.emit(ctx, productID, model.AlertAvailabilityChange, model.SeverityLow, map[string]any{
		"vendor":      l.Vendor,
		"url":         l.URL,
		"available":   l.Available,
		"observed_at": l.ObservedAt,
	})
}

func (e *Engine) emit(ctx context.Context, productID string, typ model.AlertType, sev model.Severity, payload map[string]any) (model.Alert, bool) {
	at := e.now().UTC()
	log := e.logger.With(zap.String("product_id", productID), zap.String("type", string(typ)))

	ok, err := e.suppressor.Claim(ctx, productID, typ, at, e.cfg.SuppressionWindow)
	if err != nil {
		metrics.Alerts.WithLabelValues(string(typ), "error").Inc()
		log.Warn("alert.suppression_check_failed", zap.Error(err))
		return model.Alert{}, false
	}
	if !ok {
		metrics.Alerts.WithLabelValues(string(typ), "suppressed").Inc()
		log.Debug("alert.suppressed")
		return model.Alert{}, false
	}

	a := model.Alert{
		ID:             uuid.NewString(),
		ProductID:      productID,
		Type:           typ,
		Severity:       sev,
		Payload:        payload,
		CreatedAt:      at,
		SuppressionKey: model.SuppressionKey(productID, typ, at, e.cfg.SuppressionWindow),
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, a); err != nil {
			log.Warn("alert.dispatch_failed", zap.String("alert_id", a.ID), zap.Error(err))
		} else {
			a.Delivered = true
		}
	}
	// recorded after the handoff so the stored flag matches the returned alert
	if e.recorder != nil {
		if err := e.recorder.RecordAlert(ctx, a); err != nil {
			log.Warn("alert.record_failed", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}

	metrics.Alerts.WithLabelValues(string(typ), "emitted").Inc()
	log.Info("alert.emitted", zap.String("alert_id", a.ID), zap.String("severity", string(sev)))
	return a, true
}

// severityFor is high at twice the threshold or more.
func severityFor(value, threshold decimal.Decimal) model.Severity {
	if value.GreaterThanOrEqual(threshold.Mul(decimal.NewFromInt(2))) {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}
