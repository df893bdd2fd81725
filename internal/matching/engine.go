// Package matching decides whether a listing belongs to an existing canonical
// product. It is a pure decision function: callers perform the catalog writes.
package matching

import (
	"math"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const scoreEpsilon = 1e-9

// Config holds the scoring knobs.
type Config struct {
	MergeThreshold   float64
	TitleWeight      float64
	BrandModelWeight float64
	// A candidate whose median price differs from the listing price outside
	// [MinPriceRatio, MaxPriceRatio] is rejected.
	MinPriceRatio float64
	MaxPriceRatio float64
}

// DefaultConfig returns the standard weights and bands.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:   0.75,
		TitleWeight:      0.6,
		BrandModelWeight: 0.4,
		MinPriceRatio:    0.4,
		MaxPriceRatio:    2.5,
	}
}

// Input is the normalized view of a listing being matched.
type Input struct {
	Title      string
	TitleLocal string
	Brand      string
	Model      string
	Variants   map[string]string
	// Price is in primary units and only used when Priced.
	Price  int64
	Priced bool
}

// Signature returns the input's matching key.
func (in Input) Signature() string {
	return Signature(in.Brand, in.Model, in.Variants)
}

// Candidate is an existing product with the evidence needed for scoring.
type Candidate struct {
	Product      model.Product
	ListingCount int
	// MedianPrice is the median primary price across the product's listings; 0 if unknown.
	MedianPrice int64
}

func (c Candidate) signature() string {
	if c.Product.Signature != "" {
		return c.Product.Signature
	}
	return Signature(c.Product.Brand, c.Product.Model, c.Product.Attributes)
}

// Decision is the outcome of a match. New is true when no candidate qualified.
type Decision struct {
	ProductID  string
	Confidence float64
	New        bool
	Exact      bool
	// BestScore is the highest surviving score even when below threshold.
	BestScore     float64
	Scored        int
	PriceRejected int
}

// Engine scores listings against candidates.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine; zero-valued fields fall back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = def.MergeThreshold
	}
	if cfg.TitleWeight <= 0 && cfg.BrandModelWeight <= 0 {
		cfg.TitleWeight, cfg.BrandModelWeight = def.TitleWeight, def.BrandModelWeight
	}
	if cfg.MinPriceRatio <= 0 {
		cfg.MinPriceRatio = def.MinPriceRatio
	}
	if cfg.MaxPriceRatio <= 0 {
		cfg.MaxPriceRatio = def.MaxPriceRatio
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Match returns the product the input belongs to, or a New decision.
func (e *Engine) Match(in Input, candidates []Candidate) Decision {
	if sig := in.Signature(); sig != "" {
		var best *Candidate
		for i := range candidates {
			c := &candidates[i]
			if c.signature() != sig {
				continue
			}
			if best == nil || preferred(c, best) {
				best = c
			}
		}
		if best != nil {
			return Decision{ProductID: best.Product.ID, Confidence: 1.0, Exact: true, BestScore: 1.0, Scored: 1}
		}
	}

	d := Decision{New: true}
	var best *Candidate
	bestScore := math.Inf(-1)

	for i := range candidates {
		c := &candidates[i]
		if !e.pricePlausible(in, c) {
			d.PriceRejected++
			continue
		}
		score := e.Score(in, c.Product)
		d.Scored++

		switch {
		case best == nil || score > bestScore+scoreEpsilon:
			best, bestScore = c, score
		case math.Abs(score-bestScore) <= scoreEpsilon && preferred(c, best):
			best = c
		}
	}

	if best == nil {
		return d
	}
	d.BestScore = bestScore
	if bestScore > e.cfg.MergeThreshold {
		d.New = false
		d.ProductID = best.Product.ID
		d.Confidence = bestScore
	}
	return d
}

// Score is the weighted fuzzy score of in against product p.
func (e *Engine) Score(in Input, p model.Product) float64 {
	title := 0.0
	for _, a := range []string{in.Title, in.TitleLocal} {
		for _, b := range []string{p.CanonicalTitle, p.CanonicalTitleLocal} {
			if a == "" || b == "" {
				continue
			}
			if s := TitleSimilarity(a, b); s > title {
				title = s
			}
		}
	}

	brandModel := 0.0
	if in.Brand != "" && in.Model != "" && in.Brand == p.Brand && in.Model == p.Model {
		brandModel = 1.0
	}
	return e.cfg.TitleWeight*title + e.cfg.BrandModelWeight*brandModel
}

func (e *Engine) pricePlausible(in Input, c *Candidate) bool {
	if !in.Priced || in.Price <= 0 || c.MedianPrice <= 0 {
		return true
	}
	ratio := float64(in.Price) / float64(c.MedianPrice)
	return ratio >= e.cfg.MinPriceRatio && ratio <= e.cfg.MaxPriceRatio
}

// preferred breaks ties: more listings first, then the lowest id.
func preferred(a, b *Candidate) bool {
	if a.ListingCount != b.ListingCount {
		return a.ListingCount > b.ListingCount
	}
	return a.Product.ID < b.Product.ID
}
