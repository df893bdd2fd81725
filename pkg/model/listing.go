package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// listingNamespace scopes listing revision ids so they never collide with other uuid v5 spaces.
var listingNamespace = uuid.MustParse("6f1d5a0e-3c1b-4e8e-9a57-0b6c1f6d2a11")

// Listing is a single vendor's observation of a product at a point in time.
// Listings are immutable: a new observation of the same vendor+URL is a new revision.
type Listing struct {
	ID             string        `json:"id"`
	SourceID       string        `json:"source_id,omitempty"`
	Vendor         string        `json:"vendor"`
	RawTitle       string        `json:"raw_title"`
	RawTitleLocal  string        `json:"raw_title_local,omitempty"`
	RawPrice       string        `json:"raw_price,omitempty"`
	PriceMinorUnit int64         `json:"price_minor_unit"`
	CurrencyBasis  CurrencyBasis `json:"currency_basis,omitempty"`
	Available      bool          `json:"availability"`
	URL            string        `json:"url"`
	ImageURL       string        `json:"image_url,omitempty"`
	Category       string        `json:"category"`
	ObservedAt     time.Time     `json:"observed_at"`
}

// RevisionID derives the deterministic id of this observation from vendor, URL and
// observation time, so replays of the same observation carry the same id.
func (l Listing) RevisionID() string {
	name := fmt.Sprintf("%s|%s|%d", l.Vendor, l.URL, l.ObservedAt.UTC().UnixNano())
	return uuid.NewSHA1(listingNamespace, []byte(name)).String()
}

// SourceKey identifies the vendor page a listing was observed on, across revisions.
func (l Listing) SourceKey() string {
	return l.Vendor + "|" + l.URL
}

// WithRevisionID returns a copy of l keyed by its revision id. An id supplied by
// the collaborator is kept in SourceID; it never decides replay identity.
func (l Listing) WithRevisionID() Listing {
	rev := l.RevisionID()
	if l.ID != "" && l.ID != rev && l.SourceID == "" {
		l.SourceID = l.ID
	}
	l.ID = rev
	return l
}

// UnmatchedReason explains why a listing sits in the unmatched pool.
type UnmatchedReason string

const (
	ReasonUnattributed UnmatchedReason = "unattributed"
	ReasonDeferred     UnmatchedReason = "deferred"
)

// UnmatchedListing is a pool entry awaiting (re)processing.
type UnmatchedListing struct {
	Listing  Listing         `json:"listing"`
	Reason   UnmatchedReason `json:"reason"`
	QueuedAt time.Time       `json:"queued_at"`
}
