package model

import "time"

// Confidence grades how well a canonical product is evidenced.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Product is the canonical, deduplicated real-world item that listings refer to.
type Product struct {
	ID                  string            `json:"id"`
	CanonicalTitle      string            `json:"canonical_title"`
	CanonicalTitleLocal string            `json:"canonical_title_local,omitempty"`
	Brand               string            `json:"brand"`
	Model               string            `json:"model,omitempty"`
	Category            string            `json:"category"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	Signature           string            `json:"signature,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	Confidence          Confidence        `json:"confidence"`
	// TitleScore is the match confidence of the listing the canonical title came from.
	TitleScore float64 `json:"title_score"`
}
