package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

type productRecord struct {
	product  model.Product
	listings []string
	prices   []int64
}

// Memory is an in-process Catalog. Every operation runs under one mutex, which
// gives CreateProduct its all-or-nothing behaviour.
type Memory struct {
	mu          sync.RWMutex
	products    map[string]*productRecord
	bySignature map[string]string
	listings    map[string]string
	unmatched   map[string]model.UnmatchedListing
}

// NewMemory creates an empty catalog.
func NewMemory() *Memory {
	return &Memory{
		products:    make(map[string]*productRecord),
		bySignature: make(map[string]string),
		listings:    make(map[string]string),
		unmatched:   make(map[string]model.UnmatchedListing),
	}
}

func (m *Memory) FindCandidatesByBrandModel(_ context.Context, brand, mdl string) ([]matching.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []matching.Candidate
	for _, rec := range m.products {
		if rec.product.Brand == brand && rec.product.Model == mdl {
			out = append(out, candidateOf(rec))
		}
	}
	sortCandidates(out)
	return out, nil
}

func (m *Memory) FindCandidatesByCategory(_ context.Context, category string, limit int) ([]matching.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []matching.Candidate
	for _, rec := range m.products {
		if rec.product.Category == category {
			out = append(out, candidateOf(rec))
		}
	}
	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateProduct(_ context.Context, p model.Product, first Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Signature != "" {
		if _, taken := m.bySignature[p.Signature]; taken {
			return ErrSignatureTaken
		}
	}
	if _, linked := m.listings[first.Listing.ID]; linked {
		return ErrListingLinked
	}

	rec := &productRecord{product: cloneProduct(p)}
	m.products[p.ID] = rec
	if p.Signature != "" {
		m.bySignature[p.Signature] = p.ID
	}
	m.link(rec, first)
	return nil
}

func (m *Memory) AttachListing(_ context.Context, productID string, link Link) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.products[productID]
	if !ok {
		return false, ErrNotFound
	}
	if _, linked := m.listings[link.Listing.ID]; linked {
		return false, nil
	}
	m.link(rec, link)
	return true, nil
}

func (m *Memory) link(rec *productRecord, link Link) {
	rec.listings = append(rec.listings, link.Listing.ID)
	if link.Priced {
		rec.prices = append(rec.prices, link.PricePrimary)
	}
	m.listings[link.Listing.ID] = rec.product.ID
	delete(m.unmatched, link.Listing.ID)
}

func (m *Memory) UpdateCanonicalTitle(_ context.Context, productID, title, titleLocal string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	if title != "" {
		rec.product.CanonicalTitle = title
	}
	if titleLocal != "" {
		rec.product.CanonicalTitleLocal = titleLocal
	}
	rec.product.TitleScore = score
	return nil
}

func (m *Memory) SetConfidence(_ context.Context, productID string, c model.Confidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	rec.product.Confidence = c
	return nil
}

func (m *Memory) GetProduct(_ context.Context, productID string) (model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.products[productID]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return cloneProduct(rec.product), nil
}

func (m *Memory) ProductForListing(_ context.Context, listingID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.listings[listingID]
	return id, ok, nil
}

func (m *Memory) PutUnmatched(_ context.Context, l model.Listing, reason model.UnmatchedReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, linked := m.listings[l.ID]; linked {
		return nil
	}
	if existing, ok := m.unmatched[l.ID]; ok {
		existing.Reason = reason
		m.unmatched[l.ID] = existing
		return nil
	}
	m.unmatched[l.ID] = model.UnmatchedListing{Listing: l, Reason: reason, QueuedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) ListUnmatched(_ context.Context, limit int) ([]model.UnmatchedListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.UnmatchedListing, 0, len(m.unmatched))
	for _, u := range m.unmatched {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Listing.ID < out[j].Listing.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RemoveUnmatched(_ context.Context, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unmatched, listingID)
	return nil
}

// ListingCount returns how many listing revisions are linked to productID.
func (m *Memory) ListingCount(productID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.products[productID]; ok {
		return len(rec.listings)
	}
	return 0
}

// Products returns a snapshot of all products ordered by id.
func (m *Memory) Products() []model.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Product, 0, len(m.products))
	for _, rec := range m.products {
		out = append(out, cloneProduct(rec.product))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func candidateOf(rec *productRecord) matching.Candidate {
	return matching.Candidate{
		Product:      cloneProduct(rec.product),
		ListingCount: len(rec.listings),
		MedianPrice:  median(rec.prices),
	}
}

func sortCandidates(c []matching.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].ListingCount != c[j].ListingCount {
			return c[i].ListingCount > c[j].ListingCount
		}
		return c[i].Product.ID < c[j].Product.ID
	})
}

func cloneProduct(p model.Product) model.Product {
	if p.Attributes != nil {
		attrs := make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		p.Attributes = attrs
	}
	return p
}
