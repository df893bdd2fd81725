package model

import (
	"fmt"
	"time"
)

// AlertType enumerates the price events the engine reports.
type AlertType string

const (
	AlertPriceDrop          AlertType = "price-drop"
	AlertPriceIncrease      AlertType = "price-increase"
	AlertCrossVendorSpread  AlertType = "cross-vendor-spread"
	AlertVolatility         AlertType = "volatility"
	AlertAvailabilityChange AlertType = "availability-change"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is an emitted price event. Payload carries the triggering values.
type Alert struct {
	ID        string         `json:"id"`
	ProductID string         `json:"product_id"`
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	// Delivered reports that the dispatcher accepted the alert. Queued
	// dispatchers accept before the notification actually goes out.
	Delivered      bool   `json:"delivered"`
	SuppressionKey string `json:"suppression_key"`
}

// SuppressionKey derives the dedupe key for productID+type within the bucket of
// length window that at falls into.
func SuppressionKey(productID string, typ AlertType, at time.Time, window time.Duration) string {
	bucket := at.UTC().Unix()
	if window > 0 {
		bucket = at.UTC().Truncate(window).Unix()
	}
	return fmt.Sprintf("%s:%s:%d", productID, typ, bucket)
}
