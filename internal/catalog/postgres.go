package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// DB is the subset of *pgxpool.Pool the Postgres catalog uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const candidateSelect = `
	SELECT p.id, p.canonical_title, p.canonical_title_local, p.brand, p.model, p.category,
	       p.attributes, p.signature, p.created_at, p.confidence, p.title_score,
	       COUNT(l.id) AS listing_count,
	       COALESCE(percentile_disc(0.5) WITHIN GROUP (ORDER BY l.price_primary), 0) AS median_price
	FROM catalog.product p
	LEFT JOIN catalog.listing l ON l.product_id = p.id
`

const (
	candidatesByBrandModelQuery = candidateSelect + `
	WHERE p.brand = $1 AND p.model = $2
	GROUP BY p.id
	ORDER BY listing_count DESC, p.id;`

	candidatesByCategoryQuery = candidateSelect + `
	WHERE p.category = $1
	GROUP BY p.id
	ORDER BY listing_count DESC, p.id
	LIMIT $2;`

	insertProductQuery = `
	INSERT INTO catalog.product (
		id, canonical_title, canonical_title_local, brand, model, category,
		attributes, signature, created_at, confidence, title_score
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
	ON CONFLICT (signature) DO NOTHING;`

	insertListingQuery = `
	INSERT INTO catalog.listing (
		id, product_id, vendor, url, raw_title, raw_title_local, raw_price,
		price_minor_unit, currency_basis, price_primary, available, image_url,
		category, observed_at, match_confidence, source_id
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''))
	ON CONFLICT (id) DO NOTHING;`

	deleteUnmatchedQuery = `DELETE FROM catalog.unmatched WHERE listing_id = $1;`
)

// Postgres is a Catalog backed by the catalog schema (see migrations/).
type Postgres struct {
	db     DB
	logger *zap.Logger
}

// NewPostgres wraps db, typically a *pgxpool.Pool.
func NewPostgres(db DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) FindCandidatesByBrandModel(ctx context.Context, brand, mdl string) ([]matching.Candidate, error) {
	rows, err := p.db.Query(ctx, candidatesByBrandModelQuery, brand, mdl)
	if err != nil {
		return nil, fmt.Errorf("catalog: candidates by brand/model: %w", err)
	}
	return scanCandidates(rows)
}

func (p *Postgres) FindCandidatesByCategory(ctx context.Context, category string, limit int) ([]matching.Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, candidatesByCategoryQuery, category, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: candidates by category: %w", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]matching.Candidate, error) {
	defer rows.Close()

	var out []matching.Candidate
	for rows.Next() {
		var (
			c         matching.Candidate
			attrs     []byte
			sig       *string
			titleLoc  *string
			mdl       *string
			confident string
		)
		if err := rows.Scan(&c.Product.ID, &c.Product.CanonicalTitle, &titleLoc, &c.Product.Brand,
			&mdl, &c.Product.Category, &attrs, &sig, &c.Product.CreatedAt, &confident,
			&c.Product.TitleScore, &c.ListingCount, &c.MedianPrice); err != nil {
			return nil, err
		}
		c.Product.CanonicalTitleLocal = deref(titleLoc)
		c.Product.Model = deref(mdl)
		c.Product.Signature = deref(sig)
		c.Product.Confidence = model.Confidence(confident)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &c.Product.Attributes); err != nil {
				return nil, fmt.Errorf("catalog: decode attributes for %s: %w", c.Product.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateProduct(ctx context.Context, prod model.Product, first Link) (err error) {
	attrs, err := json.Marshal(prod.Attributes)
	if err != nil {
		return err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, insertProductQuery,
		prod.ID, prod.CanonicalTitle, prod.CanonicalTitleLocal, prod.Brand, prod.Model, prod.Category,
		attrs, prod.Signature, prod.CreatedAt, string(prod.Confidence), prod.TitleScore)
	if err != nil {
		return fmt.Errorf("catalog: insert product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignatureTaken
	}

	tag, err = tx.Exec(ctx, insertListingQuery, listingArgs(prod.ID, first)...)
	if err != nil {
		return fmt.Errorf("catalog: insert listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingLinked
	}
	if _, err = tx.Exec(ctx, deleteUnmatchedQuery, first.Listing.ID); err != nil {
		return fmt.Errorf("catalog: clear unmatched: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	p.logger.Debug("catalog.product_created",
		zap.String("product_id", prod.ID),
		zap.String("signature", prod.Signature),
		zap.String("listing_id", first.Listing.ID),
	)
	return nil
}

func (p *Postgres) AttachListing(ctx context.Context, productID string, link Link) (attached bool, err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("catalog: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, insertListingQuery, listingArgs(productID, link)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("catalog: insert listing: %w", err)
	}
	if _, err = tx.Exec(ctx, deleteUnmatchedQuery, link.Listing.ID); err != nil {
		return false, fmt.Errorf("catalog: clear unmatched: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("catalog: commit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func listingArgs(productID string, link Link) []any {
	l := link.Listing
	var primary *int64
	if link.Priced {
		v := link.PricePrimary
		primary = &v
	}
	return []any{
		l.ID, productID, l.Vendor, l.URL, l.RawTitle, l.RawTitleLocal, l.RawPrice,
		l.PriceMinorUnit, string(l.CurrencyBasis), primary, l.Available, l.ImageURL,
		l.Category, l.ObservedAt, link.Confidence, l.SourceID,
	}
}

func (p *Postgres) UpdateCanonicalTitle(ctx context.Context, productID, title, titleLocal string, score float64) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE catalog.product
		SET canonical_title = COALESCE(NULLIF($2, ''), canonical_title),
		    canonical_title_local = COALESCE(NULLIF($3, ''), canonical_title_local),
		    title_score = $4
		WHERE id = $1;
	`, productID, title, titleLocal, score)
	if err != nil {
		return fmt.Errorf("catalog: update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetConfidence(ctx context.Context, productID string, c model.Confidence) error {
	tag, err := p.db.Exec(ctx, `UPDATE catalog.product SET confidence = $2 WHERE id = $1;`, productID, string(c))
	if err != nil {
		return fmt.Errorf("catalog: set confidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	var (
		prod      model.Product
		attrs     []byte
		sig       *string
		titleLoc  *string
		mdl       *string
		confident string
	)
	err := p.db.QueryRow(ctx, `
		SELECT id, canonical_title, canonical_title_local, brand, model, category,
		       attributes, signature, created_at, confidence, title_score
		FROM catalog.product
		WHERE id = $1;
	`, productID).Scan(&prod.ID, &prod.CanonicalTitle, &titleLoc, &prod.Brand, &mdl, &prod.Category,
		&attrs, &sig, &prod.CreatedAt, &confident, &prod.TitleScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, ErrNotFound
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("catalog: get product: %w", err)
	}
	prod.CanonicalTitleLocal = deref(titleLoc)
	prod.Model = deref(mdl)
	prod.Signature = deref(sig)
	prod.Confidence = model.Confidence(confident)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &prod.Attributes); err != nil {
			return model.Product{}, fmt.Errorf("catalog: decode attributes: %w", err)
		}
	}
	return prod, nil
}

func (p *Postgres) ProductForListing(ctx context.Context, listingID string) (string, bool, error) {
	var productID string
	err := p.db.QueryRow(ctx, `SELECT product_id FROM catalog.listing WHERE id = $1;`, listingID).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("catalog: product for listing: %w", err)
	}
	return productID, true, nil
}

func (p *Postgres) PutUnmatched(ctx context.Context, l model.Listing, reason model.UnmatchedReason) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO catalog.unmatched (listing_id, listing, reason, queued_at)
		SELECT $1, $2, $3, NOW()
		WHERE NOT EXISTS (SELECT 1 FROM catalog.listing WHERE id = $1)
		ON CONFLICT (listing_id) DO UPDATE SET reason = EXCLUDED.reason;
	`, l.ID, payload, string(reason))
	if err != nil {
		p.logger.Error("catalog.pg.put_unmatched_failed", zap.String("listing_id", l.ID), zap.Error(err))
		return fmt.Errorf("catalog: put unmatched: %w", err)
	}
	return nil
}

func (p *Postgres) ListUnmatched(ctx context.Context, limit int) ([]model.UnmatchedListing, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, `
		SELECT listing, reason, queued_at
		FROM catalog.unmatched
		ORDER BY queued_at, listing_id
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list unmatched: %w", err)
	}
	defer rows.Close()

	var out []model.UnmatchedListing
	for rows.Next() {
		var (
			u       model.UnmatchedListing
			payload []byte
			reason  string
		)
		if err := rows.Scan(&payload, &reason, &u.QueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &u.Listing); err != nil {
			return nil, fmt.Errorf("catalog: decode unmatched listing: %w", err)
		}
		u.Reason = model.UnmatchedReason(reason)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) RemoveUnmatched(ctx context.Context, listingID string) error {
	if _, err := p.db.Exec(ctx, deleteUnmatchedQuery, listingID); err != nil {
		return fmt.Errorf("catalog: remove unmatched: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
