// Package catalog defines the storage boundary for canonical products and their
// listings. Implementations must make each create-or-attach decision atomic.
package catalog

import (
	"context"
	"errors"
	"sort"

	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

var (
	ErrNotFound = errors.New("catalog: not found")
	// ErrSignatureTaken is returned by CreateProduct when a product with the same
	// non-empty signature already exists (conditional create lost).
	ErrSignatureTaken = errors.New("catalog: signature already taken")
	// ErrListingLinked is returned by CreateProduct when the listing revision is
	// already attached to a product.
	ErrListingLinked = errors.New("catalog: listing already linked")
)

// Link is a listing revision being attached to a product.
type Link struct {
	Listing model.Listing
	// PricePrimary is the listing price in primary units; ignored unless Priced.
	PricePrimary int64
	Priced       bool
	Confidence   float64
}

// Catalog is consumed by the matching pipeline.
type Catalog interface {
	FindCandidatesByBrandModel(ctx context.Context, brand, model string) ([]matching.Candidate, error)
	// FindCandidatesByCategory returns at most limit candidates, most evidenced first.
	FindCandidatesByCategory(ctx context.Context, category string, limit int) ([]matching.Candidate, error)

	// CreateProduct commits the product and its first listing link together, or neither.
	CreateProduct(ctx context.Context, p model.Product, first Link) error
	// AttachListing links a listing revision; it reports false when the revision was
	// already linked (idempotent replay).
	AttachListing(ctx context.Context, productID string, link Link) (bool, error)
	UpdateCanonicalTitle(ctx context.Context, productID, title, titleLocal string, score float64) error
	SetConfidence(ctx context.Context, productID string, c model.Confidence) error

	GetProduct(ctx context.Context, productID string) (model.Product, error)
	ProductForListing(ctx context.Context, listingID string) (string, bool, error)

	PutUnmatched(ctx context.Context, l model.Listing, reason model.UnmatchedReason) error
	ListUnmatched(ctx context.Context, limit int) ([]model.UnmatchedListing, error)
	RemoveUnmatched(ctx context.Context, listingID string) error
}

// MergeCandidates concatenates candidate sets, dropping duplicate product ids.
func MergeCandidates(sets ...[]matching.Candidate) []matching.Candidate {
	seen := make(map[string]bool)
	var out []matching.Candidate
	for _, set := range sets {
		for _, c := range set {
			if seen[c.Product.ID] {
				continue
			}
			seen[c.Product.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// median returns the median of values (mean of the middle pair for even counts).
func median(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]int64(nil), values...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
