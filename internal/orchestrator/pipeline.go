// Package orchestrator drives listings through extraction, matching, catalog
// writes, price history and alerting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/catalog"
	"github.com/Checker-Finance/pricewatch/internal/extract"
	"github.com/Checker-Finance/pricewatch/internal/lock"
	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/internal/pricehistory"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Outcome is what happened to one listing.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeAttached     Outcome = "attached"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnattributed Outcome = "unattributed"
	OutcomeDeferred     Outcome = "deferred"
)

// Result describes the processing of one listing.
type Result struct {
	ListingID  string
	ProductID  string
	Outcome    Outcome
	Decision   matching.Decision
	PricePoint *model.PricePoint
	Alerts     []model.Alert
}

// PriceRecorder appends price points.
type PriceRecorder interface {
	RecordPrice(ctx context.Context, productID, vendor string, price int64, observedAt time.Time) (model.PricePoint, error)
}

// AlertEvaluator reacts to committed observations.
type AlertEvaluator interface {
	OnPricePoint(ctx context.Context, p model.PricePoint) []model.Alert
	OnAvailability(ctx context.Context, productID string, l model.Listing) (model.Alert, bool)
}

// Deferrer parks a listing whose catalog write kept failing.
type Deferrer interface {
	Defer(ctx context.Context, l model.Listing, reason error) error
}

// poolDeferrer parks listings in the catalog's unmatched pool.
type poolDeferrer struct {
	catalog catalog.Catalog
}

func (d poolDeferrer) Defer(ctx context.Context, l model.Listing, _ error) error {
	return d.catalog.PutUnmatched(ctx, l, model.ReasonDeferred)
}

// Pipeline processes single listings. It is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	extractor *extract.Extractor
	engine    *matching.Engine
	catalog   catalog.Catalog
	history   PriceRecorder
	alerts    AlertEvaluator
	deferrer  Deferrer
	locks     *lock.Keyed
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
	now   func() time.Time
}

// NewPipeline wires a pipeline. history, alerts and deferrer may be nil; without
// a deferrer, exhausted listings go to the catalog's unmatched pool.
func NewPipeline(cfg Config, ex *extract.Extractor, engine *matching.Engine, cat catalog.Catalog,
	history PriceRecorder, alerts AlertEvaluator, deferrer Deferrer, logger *zap.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if deferrer == nil {
		deferrer = poolDeferrer{catalog: cat}
	}
	return &Pipeline{
		cfg:       cfg,
		extractor: ex,
		engine:    engine,
		catalog:   cat,
		history:   history,
		alerts:    alerts,
		deferrer:  deferrer,
		locks:     lock.NewKeyed(),
		logger:    logger,
		sleep:     sleepContext,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Process runs one listing end to end. Catalog failures are retried with
// exponential backoff and then deferred; the returned error is non-nil only when
// the listing could be neither processed nor parked.
func (p *Pipeline) Process(ctx context.Context, l model.Listing) (Result, error) {
	return p.process(ctx, l, true)
}

// Redeliver is Process for listings coming back from the deferred queue: a
// failure is returned to the queue instead of being deferred again.
func (p *Pipeline) Redeliver(ctx context.Context, l model.Listing) error {
	_, err := p.process(ctx, l, false)
	return err
}

func (p *Pipeline) process(ctx context.Context, l model.Listing, deferOnFailure bool) (Result, error) {
	l = l.WithRevisionID()
	log := p.logger.With(
		zap.String("listing_id", l.ID),
		zap.String("vendor", l.Vendor),
		zap.String("url", l.URL),
	)

	attrs := p.extractor.Extract(l)
	if !attrs.Attributed() {
		res := Result{ListingID: l.ID, Outcome: OutcomeUnattributed}
		err := p.withRetry(ctx, "put_unmatched", func() error {
			return p.catalog.PutUnmatched(ctx, l, model.ReasonUnattributed)
		})
		if err != nil {
			metrics.ListingsProcessed.WithLabelValues(l.Vendor, "error").Inc()
			log.Error("pipeline.unmatched_write_failed", zap.Error(err))
			return res, err
		}
		metrics.ListingsProcessed.WithLabelValues(l.Vendor, string(OutcomeUnattributed)).Inc()
		log.Info("pipeline.listing_unattributed", zap.String("title", l.RawTitle))
		return res, nil
	}
	if attrs.BasisGuessed {
		log.Debug("pipeline.currency_basis_guessed",
			zap.Int64("price_primary", attrs.Price),
			zap.String("basis", string(attrs.Basis)))
	}

	in := matching.Input{
		Title:      attrs.Title,
		TitleLocal: attrs.TitleLocal,
		Brand:      attrs.Brand,
		Model:      attrs.Model,
		Variants:   attrs.Variants,
		Price:      attrs.Price,
		Priced:     attrs.Priced,
	}

	var res Result
	err := p.withRetry(ctx, "resolve", func() error {
		r, err := p.resolve(ctx, l, attrs, in)
		res = r
		return err
	})
	if err != nil {
		if ctx.Err() != nil || !deferOnFailure {
			metrics.ListingsProcessed.WithLabelValues(l.Vendor, "error").Inc()
			return Result{ListingID: l.ID}, err
		}
		res = Result{ListingID: l.ID, Outcome: OutcomeDeferred}
		if derr := p.deferrer.Defer(ctx, l, err); derr != nil {
			metrics.ListingsProcessed.WithLabelValues(l.Vendor, "error").Inc()
			log.Error("pipeline.defer_failed", zap.Error(err), zap.NamedError("defer_error", derr))
			return res, fmt.Errorf("listing %s: %w", l.ID, errors.Join(err, derr))
		}
		metrics.ListingsProcessed.WithLabelValues(l.Vendor, string(OutcomeDeferred)).Inc()
		log.Warn("pipeline.listing_deferred", zap.Error(err))
		return res, nil
	}

	metrics.ListingsProcessed.WithLabelValues(l.Vendor, string(res.Outcome)).Inc()
	replay := res.Outcome == OutcomeDuplicate
	if replay {
		log.Debug("pipeline.listing_duplicate", zap.String("product_id", res.ProductID))
	} else {
		log.Info("pipeline.listing_matched",
			zap.String("product_id", res.ProductID),
			zap.String("outcome", string(res.Outcome)),
			zap.Float64("confidence", res.Decision.Confidence),
			zap.Bool("exact", res.Decision.Exact),
		)
	}

	// a replay still records its price: the catalog write may have committed on
	// an earlier pass whose record failed. A point already stored is out of order.
	if err := p.observe(ctx, l, attrs, replay, &res); err != nil {
		if ctx.Err() != nil || !deferOnFailure {
			return res, err
		}
		if derr := p.deferrer.Defer(ctx, l, err); derr != nil {
			log.Error("pipeline.defer_failed", zap.Error(err), zap.NamedError("defer_error", derr))
		}
	}
	return res, nil
}

// resolve is the per-key critical section: duplicate check, candidate lookup,
// decision and the catalog write.
func (p *Pipeline) resolve(ctx context.Context, l model.Listing, attrs extract.Attributes, in matching.Input) (Result, error) {
	sig := in.Signature()
	unlock, err := p.locks.LockContext(ctx, matching.LockKey(sig, attrs.Brand))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res := Result{ListingID: l.ID}
	if id, ok, err := p.catalog.ProductForListing(ctx, l.ID); err != nil {
		return res, err
	} else if ok {
		res.ProductID, res.Outcome = id, OutcomeDuplicate
		return res, nil
	}

	// a lost conditional create means another writer got there first; one more
	// pass finds its product through the exact-signature path
	for pass := 0; pass < 2; pass++ {
		cands, err := p.candidates(ctx, l, attrs)
		if err != nil {
			return res, err
		}
		dec := p.engine.Match(in, cands)
		res.Decision = dec

		if !dec.New {
			return p.attach(ctx, l, attrs, dec, cands)
		}

		err = p.create(ctx, l, attrs, sig, dec, &res)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, catalog.ErrSignatureTaken):
			continue
		case errors.Is(err, catalog.ErrListingLinked):
			id, _, lerr := p.catalog.ProductForListing(ctx, l.ID)
			res.ProductID, res.Outcome = id, OutcomeDuplicate
			return res, lerr
		default:
			return res, err
		}
	}
	return res, catalog.ErrSignatureTaken
}

func (p *Pipeline) candidates(ctx context.Context, l model.Listing, attrs extract.Attributes) ([]matching.Candidate, error) {
	var byModel []matching.Candidate
	if attrs.Model != "" {
		c, err := p.catalog.FindCandidatesByBrandModel(ctx, attrs.Brand, attrs.Model)
		if err != nil {
			return nil, err
		}
		byModel = c
	}
	byCategory, err := p.catalog.FindCandidatesByCategory(ctx, l.Category, p.cfg.CategoryCandidateLimit)
	if err != nil {
		return nil, err
	}
	return catalog.MergeCandidates(byModel, byCategory), nil
}

func (p *Pipeline) create(ctx context.Context, l model.Listing, attrs extract.Attributes, sig string, dec matching.Decision, res *Result) error {
	title := l.RawTitle
	if title == "" {
		title = l.RawTitleLocal
	}
	prod := model.Product{
		ID:                  p.newID(),
		CanonicalTitle:      title,
		CanonicalTitleLocal: l.RawTitleLocal,
		Brand:               attrs.Brand,
		Model:               attrs.Model,
		Category:            l.Category,
		Attributes:          attrs.Variants,
		Signature:           sig,
		CreatedAt:           p.now().UTC(),
		Confidence:          model.ConfidenceLow,
		TitleScore:          titleQuality(attrs),
	}
	link := catalog.Link{Listing: l, PricePrimary: attrs.Price, Priced: attrs.Priced, Confidence: 1}
	if err := p.catalog.CreateProduct(ctx, prod, link); err != nil {
		return err
	}
	metrics.MatchDecisions.WithLabelValues("new").Inc()
	res.ProductID, res.Outcome = prod.ID, OutcomeCreated
	res.Decision = dec
	return nil
}

func (p *Pipeline) attach(ctx context.Context, l model.Listing, attrs extract.Attributes, dec matching.Decision, cands []matching.Candidate) (Result, error) {
	res := Result{ListingID: l.ID, ProductID: dec.ProductID, Decision: dec}

	link := catalog.Link{Listing: l, PricePrimary: attrs.Price, Priced: attrs.Priced, Confidence: dec.Confidence}
	attached, err := p.catalog.AttachListing(ctx, dec.ProductID, link)
	if err != nil {
		return res, err
	}
	if !attached {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	res.Outcome = OutcomeAttached
	if dec.Exact {
		metrics.MatchDecisions.WithLabelValues("exact").Inc()
	} else {
		metrics.MatchDecisions.WithLabelValues("fuzzy").Inc()
	}

	var current matching.Candidate
	for _, c := range cands {
		if c.Product.ID == dec.ProductID {
			current = c
			break
		}
	}
	p.upkeep(ctx, l, attrs, dec, current)
	return res, nil
}

// upkeep refreshes the canonical title and confidence after an attach. Failures
// are logged only: the attach itself is already committed.
func (p *Pipeline) upkeep(ctx context.Context, l model.Listing, attrs extract.Attributes, dec matching.Decision, current matching.Candidate) {
	log := p.logger.With(zap.String("product_id", dec.ProductID), zap.String("listing_id", l.ID))
	prod := current.Product

	score := dec.Confidence * titleQuality(attrs)
	switch {
	case score > prod.TitleScore && l.RawTitle != "":
		if err := p.catalog.UpdateCanonicalTitle(ctx, prod.ID, l.RawTitle, l.RawTitleLocal, score); err != nil {
			log.Warn("pipeline.title_update_failed", zap.Error(err))
		}
	case prod.CanonicalTitleLocal == "" && l.RawTitleLocal != "":
		if err := p.catalog.UpdateCanonicalTitle(ctx, prod.ID, "", l.RawTitleLocal, prod.TitleScore); err != nil {
			log.Warn("pipeline.title_update_failed", zap.Error(err))
		}
	}

	if prod.Confidence != model.ConfidenceHigh && current.ListingCount+1 >= 2 {
		if err := p.catalog.SetConfidence(ctx, prod.ID, model.ConfidenceHigh); err != nil {
			log.Warn("pipeline.confidence_update_failed", zap.Error(err))
		}
	}
}

// observe records the price point and runs the alert rules. Errors stay scoped
// to the (product, vendor) key; a failed record is returned so the listing can
// be replayed. Availability is not re-evaluated on a replay.
func (p *Pipeline) observe(ctx context.Context, l model.Listing, attrs extract.Attributes, replay bool, res *Result) error {
	if p.alerts != nil && !replay {
		if a, ok := p.alerts.OnAvailability(ctx, res.ProductID, l); ok {
			res.Alerts = append(res.Alerts, a)
		}
	}
	if !attrs.Priced {
		metrics.UnpricedListings.WithLabelValues(l.Vendor).Inc()
		p.logger.Info("pipeline.listing_unpriced",
			zap.String("product_id", res.ProductID),
			zap.String("vendor", l.Vendor),
			zap.String("url", l.URL),
			zap.String("listing_id", l.ID),
			zap.String("raw_price", l.RawPrice),
		)
		return nil
	}
	if p.history == nil {
		return nil
	}

	pt, err := p.history.RecordPrice(ctx, res.ProductID, l.Vendor, attrs.Price, l.ObservedAt)
	switch {
	case errors.Is(err, pricehistory.ErrOutOfOrder):
		return nil
	case err != nil:
		metrics.IncError("pipeline", "price_record")
		p.logger.Warn("pipeline.price_record_failed",
			zap.String("product_id", res.ProductID),
			zap.String("vendor", l.Vendor),
			zap.String("listing_id", l.ID),
			zap.Error(err),
		)
		return fmt.Errorf("listing %s: record price: %w", l.ID, err)
	}
	res.PricePoint = &pt
	if p.alerts != nil {
		res.Alerts = append(res.Alerts, p.alerts.OnPricePoint(ctx, pt)...)
	}
	return nil
}

// withRetry runs fn up to CatalogRetries+1 times with exponential backoff.
func (p *Pipeline) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.CatalogRetries; attempt++ {
		if attempt > 0 {
			metrics.CatalogRetries.WithLabelValues(op).Inc()
			if serr := p.sleep(ctx, p.cfg.backoff(attempt-1)); serr != nil {
				return errors.Join(err, serr)
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		p.logger.Debug("pipeline.retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// titleQuality grades how complete a listing's extraction is, used to decide
// whether its title should become the canonical one.
func titleQuality(a extract.Attributes) float64 {
	q := 0.5
	if a.Model != "" {
		q += 0.25
	}
	if len(a.Variants) > 0 {
		q += 0.25
	}
	return q
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
