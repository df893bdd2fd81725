package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execResult struct {
	tag pgconn.CommandTag
	err error
}

// fakeTx answers Exec calls in order and records how the transaction ended.
type fakeTx struct {
	pgx.Tx
	results    []execResult
	execs      []string
	commitErr  error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, sql)
	if len(tx.results) == 0 {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	r := tx.results[0]
	tx.results = tx.results[1:]
	return r.tag, r.err
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.rolledBack = true
	return nil
}

type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return db.tx, nil
}

func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec outside a transaction")
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (db *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

var (
	inserted = execResult{tag: pgconn.NewCommandTag("INSERT 0 1")}
	conflict = execResult{tag: pgconn.NewCommandTag("INSERT 0 0")}
)

func newFakePostgres(results ...execResult) (*Postgres, *fakeTx) {
	tx := &fakeTx{results: results}
	return NewPostgres(&fakeDB{tx: tx}, nil), tx
}

func TestPostgres_Queries(t *testing.T) {
	assert.Contains(t, insertProductQuery, "ON CONFLICT (signature) DO NOTHING")
	assert.Contains(t, insertListingQuery, "ON CONFLICT (id) DO NOTHING")
	assert.Contains(t, candidatesByBrandModelQuery, "WHERE p.brand = $1 AND p.model = $2")
	assert.Contains(t, candidatesByCategoryQuery, "LIMIT $2")

	// both candidate queries share the deterministic ordering used by the matcher
	for _, q := range []string{candidatesByBrandModelQuery, candidatesByCategoryQuery} {
		assert.True(t, strings.Contains(q, "ORDER BY listing_count DESC, p.id"))
	}
}

func TestListingArgs(t *testing.T) {
	l := testListing("l1", "v1")

	args := listingArgs("p1", Link{Listing: l, Confidence: 0.8})
	assert.Len(t, args, strings.Count(insertListingQuery, "$"))
	assert.Equal(t, "l1", args[0])
	assert.Equal(t, "p1", args[1])
	assert.Nil(t, args[9].(*int64))

	args = listingArgs("p1", Link{Listing: l, PricePrimary: 42, Priced: true})
	assert.Equal(t, int64(42), *args[9].(*int64))
}

func TestNewPostgres_NilLogger(t *testing.T) {
	p := NewPostgres(nil, nil)
	assert.NotNil(t, p.logger)
	var _ Catalog = p
	var _ Catalog = NewMemory()
}

func TestPostgres_CreateProductCommits(t *testing.T) {
	p, tx := newFakePostgres(inserted, inserted)

	err := p.CreateProduct(context.Background(), testProduct("p1", "samsung|a54|storage=128gb"), Link{Listing: testListing("l1", "v1")})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	require.Len(t, tx.execs, 3)
	assert.Equal(t, insertProductQuery, tx.execs[0])
	assert.Equal(t, insertListingQuery, tx.execs[1])
	assert.Equal(t, deleteUnmatchedQuery, tx.execs[2])
}

func TestPostgres_CreateProductSignatureTaken(t *testing.T) {
	p, tx := newFakePostgres(conflict)

	err := p.CreateProduct(context.Background(), testProduct("p1", "samsung|a54|storage=128gb"), Link{Listing: testListing("l1", "v1")})
	assert.ErrorIs(t, err, ErrSignatureTaken)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	// the listing is never written
	assert.Len(t, tx.execs, 1)
}

func TestPostgres_CreateProductListingLinked(t *testing.T) {
	p, tx := newFakePostgres(inserted, conflict)

	err := p.CreateProduct(context.Background(), testProduct("p1", "samsung|a54|storage=128gb"), Link{Listing: testListing("l1", "v1")})
	assert.ErrorIs(t, err, ErrListingLinked)
	// the product insert is undone with it
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestPostgres_CreateProductFailures(t *testing.T) {
	ctx := context.Background()
	prod, link := testProduct("p1", "sig"), Link{Listing: testListing("l1", "v1")}

	p := NewPostgres(&fakeDB{beginErr: errors.New("pool closed")}, nil)
	assert.ErrorContains(t, p.CreateProduct(ctx, prod, link), "pool closed")

	p, tx := newFakePostgres(execResult{err: errors.New("connection reset")})
	assert.ErrorContains(t, p.CreateProduct(ctx, prod, link), "insert product")
	assert.True(t, tx.rolledBack)

	p, tx = newFakePostgres(inserted, inserted)
	tx.commitErr = errors.New("serialization failure")
	assert.ErrorContains(t, p.CreateProduct(ctx, prod, link), "commit")
	assert.True(t, tx.rolledBack)
}

func TestPostgres_AttachListing(t *testing.T) {
	p, tx := newFakePostgres(inserted)

	attached, err := p.AttachListing(context.Background(), "p1", Link{Listing: testListing("l1", "v1"), Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, attached)
	assert.True(t, tx.committed)
	assert.Equal(t, []string{insertListingQuery, deleteUnmatchedQuery}, tx.execs)
}

func TestPostgres_AttachListingReplay(t *testing.T) {
	p, tx := newFakePostgres(conflict)

	attached, err := p.AttachListing(context.Background(), "p1", Link{Listing: testListing("l1", "v1")})
	require.NoError(t, err)
	assert.False(t, attached)
	assert.True(t, tx.committed)
}

func TestPostgres_AttachListingUnknownProduct(t *testing.T) {
	p, tx := newFakePostgres(execResult{err: &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"}})

	attached, err := p.AttachListing(context.Background(), "missing", Link{Listing: testListing("l1", "v1")})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, attached)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestPostgres_AttachListingOtherError(t *testing.T) {
	p, tx := newFakePostgres(execResult{err: &pgconn.PgError{Code: "57014"}})

	_, err := p.AttachListing(context.Background(), "p1", Link{Listing: testListing("l1", "v1")})
	assert.ErrorContains(t, err, "insert listing")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, tx.rolledBack)
}
