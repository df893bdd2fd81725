package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/pricewatch/internal/catalog"
	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Source fetches the current listings of one vendor category.
type Source interface {
	Fetch(ctx context.Context, vendor, category string) ([]model.Listing, error)
}

// Waiter spaces requests per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Processor handles a single listing.
type Processor interface {
	Process(ctx context.Context, l model.Listing) (Result, error)
}

// CycleStats summarises one run.
type CycleStats struct {
	Fetched      int64
	Created      int64
	Attached     int64
	Duplicates   int64
	Unattributed int64
	Deferred     int64
	Failed       int64
	FetchErrors  int64
	Alerts       int64
	Duration     time.Duration
}

func (s *CycleStats) count(res Result, err error) {
	if err != nil {
		atomic.AddInt64(&s.Failed, 1)
		return
	}
	switch res.Outcome {
	case OutcomeCreated:
		atomic.AddInt64(&s.Created, 1)
	case OutcomeAttached:
		atomic.AddInt64(&s.Attached, 1)
	case OutcomeDuplicate:
		atomic.AddInt64(&s.Duplicates, 1)
	case OutcomeUnattributed:
		atomic.AddInt64(&s.Unattributed, 1)
	case OutcomeDeferred:
		atomic.AddInt64(&s.Deferred, 1)
	}
	atomic.AddInt64(&s.Alerts, int64(len(res.Alerts)))
}

// Orchestrator runs ingestion cycles and unmatched-pool reprocessing.
type Orchestrator struct {
	cfg        Config
	source     Source
	politeness Waiter
	pipeline   Processor
	catalog    catalog.Catalog
	logger     *zap.Logger

	// one cycle at a time
	running sync.Mutex
}

// New builds an orchestrator. politeness may be nil.
func New(cfg Config, source Source, politeness Waiter, pipeline Processor, cat catalog.Catalog, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		source:     source,
		politeness: politeness,
		pipeline:   pipeline,
		catalog:    cat,
		logger:     logger,
	}
}

// RunCycle fetches every configured vendor category and processes the listings.
// Fetch failures are scoped to their vendor category; cancellation stops new
// work but lets in-flight listings finish.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleStats, error) {
	o.running.Lock()
	defer o.running.Unlock()

	start := time.Now()
	var stats CycleStats
	listings := make(chan model.Listing, o.cfg.Workers*4)

	var workers sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for l := range listings {
				res, err := o.pipeline.Process(ctx, l)
				if err != nil {
					o.logger.Error("cycle.listing_failed",
						zap.String("vendor", l.Vendor),
						zap.String("url", l.URL),
						zap.Error(err))
					metrics.IncError("orchestrator", "process")
				}
				stats.count(res, err)
			}
		}()
	}

	var fetchers errgroup.Group
	for _, vendor := range o.cfg.Vendors {
		vendor := vendor
		fetchers.Go(func() error {
			o.fetchVendor(ctx, vendor, listings, &stats)
			return nil
		})
	}
	_ = fetchers.Wait()
	close(listings)
	workers.Wait()

	stats.Duration = time.Since(start)
	metrics.CycleDuration.WithLabelValues("ingest").Observe(stats.Duration.Seconds())
	if ctx.Err() == nil {
		metrics.LastCycleTimestamp.WithLabelValues("ingest").SetToCurrentTime()
	}

	o.logger.Info("cycle.completed",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("created", stats.Created),
		zap.Int64("attached", stats.Attached),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("unattributed", stats.Unattributed),
		zap.Int64("deferred", stats.Deferred),
		zap.Int64("failed", stats.Failed),
		zap.Int64("fetch_errors", stats.FetchErrors),
		zap.Int64("alerts", stats.Alerts),
		zap.Duration("duration", stats.Duration),
	)
	return stats, ctx.Err()
}

func (o *Orchestrator) fetchVendor(ctx context.Context, vendor string, out chan<- model.Listing, stats *CycleStats) {
	var g errgroup.Group
	g.SetLimit(o.cfg.VendorConcurrency)
	for _, category := range o.cfg.Categories {
		category := category
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			log := o.logger.With(zap.String("vendor", vendor), zap.String("category", category))
			if o.politeness != nil {
				if err := o.politeness.Wait(ctx, vendor); err != nil {
					return nil
				}
			}
			batch, err := o.source.Fetch(ctx, vendor, category)
			if err != nil {
				atomic.AddInt64(&stats.FetchErrors, 1)
				metrics.IncError("orchestrator", "fetch")
				log.Warn("cycle.fetch_failed", zap.Error(err))
				return nil
			}
			log.Debug("cycle.fetched", zap.Int("count", len(batch)))
			for _, l := range batch {
				select {
				case out <- l:
					atomic.AddInt64(&stats.Fetched, 1)
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reprocess retries listings from the unmatched pool. Listings that still do not
// resolve stay in the pool.
func (o *Orchestrator) Reprocess(ctx context.Context) (CycleStats, error) {
	o.running.Lock()
	defer o.running.Unlock()

	start := time.Now()
	var stats CycleStats
	pending, err := o.catalog.ListUnmatched(ctx, o.cfg.ReprocessBatch)
	if err != nil {
		metrics.IncError("orchestrator", "list_unmatched")
		return stats, err
	}
	for _, u := range pending {
		if ctx.Err() != nil {
			break
		}
		res, err := o.pipeline.Process(ctx, u.Listing)
		if err != nil {
			o.logger.Warn("reprocess.listing_failed", zap.String("listing_id", u.Listing.ID), zap.Error(err))
		}
		stats.count(res, err)
	}
	stats.Fetched = int64(len(pending))
	stats.Duration = time.Since(start)
	metrics.CycleDuration.WithLabelValues("reprocess").Observe(stats.Duration.Seconds())
	metrics.LastCycleTimestamp.WithLabelValues("reprocess").SetToCurrentTime()

	o.logger.Info("reprocess.completed",
		zap.Int("pending", len(pending)),
		zap.Int64("created", stats.Created),
		zap.Int64("attached", stats.Attached),
		zap.Int64("still_unmatched", stats.Unattributed+stats.Deferred),
		zap.Duration("duration", stats.Duration),
	)
	return stats, ctx.Err()
}
