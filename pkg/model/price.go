package model

import "time"

// PricePoint is one append-only observation in a (product, vendor) price series.
// PriceMinorUnit is always expressed in primary units.
type PricePoint struct {
	ProductID         string    `json:"product_id"`
	Vendor            string    `json:"vendor"`
	PriceMinorUnit    int64     `json:"price_minor_unit"`
	ObservedAt        time.Time `json:"observed_at"`
	DeltaFromPrevious int64     `json:"delta_from_previous"`
	// First is true when no earlier point existed for the key.
	First bool `json:"first"`
}

// Trend is the direction of a price series over a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)
