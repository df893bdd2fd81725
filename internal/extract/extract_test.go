package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const fixtureTables = `{
	"brands": {"samsung": "samsung", "سامسونگ": "samsung", "apple": "apple", "اپل": "apple", "ال جی": "lg"},
	"series": {"galaxy": "galaxy", "گلکسی": "galaxy", "iphone": "iphone", "آیفون": "iphone"},
	"model_suffixes": {"pro": "pro", "پرو": "pro", "5g": "5g"},
	"capacity_units": {"gb": "gb", "گیگ": "gb", "گیگابایت": "gb", "tb": "tb"},
	"ram_keywords": ["ram", "رم"],
	"currency_units": {"toman": "secondary", "تومان": "secondary", "rial": "primary", "ریال": "primary"}
}`

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	tables, err := ParseTables([]byte(fixtureTables))
	require.NoError(t, err)
	return New(tables, Config{SecondaryBelow: 1_000_000, CurrencyRatio: 10}, zap.NewNop())
}

func TestExtract_EnglishTitle(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{RawTitle: "Samsung Galaxy A54 5G 128GB 8GB RAM"})

	assert.True(t, a.Attributed())
	assert.Equal(t, "samsung", a.Brand)
	assert.Equal(t, "a54 5g", a.Model)
	assert.Equal(t, "128gb", a.Variants[AttrStorage])
	assert.Equal(t, "8gb", a.Variants[AttrRAM])
}

func TestExtract_LocalTitle(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{
		RawTitleLocal: "گوشی موبایل سامسونگ مدل Galaxy A54 5G ظرفیت ۱۲۸ گیگابایت رم ۸ گیگابایت",
	})

	assert.Equal(t, "samsung", a.Brand)
	assert.Equal(t, "a54 5g", a.Model)
	assert.Equal(t, "128gb", a.Variants[AttrStorage])
	assert.Equal(t, "8gb", a.Variants[AttrRAM])
}

func TestExtract_SeriesNumberModel(t *testing.T) {
	ex := newTestExtractor(t)

	en := ex.Extract(model.Listing{RawTitle: "Apple iPhone 13 Pro 256GB"})
	local := ex.Extract(model.Listing{RawTitleLocal: "گوشی اپل آیفون ۱۳ پرو ۲۵۶ گیگ"})

	assert.Equal(t, "apple", en.Brand)
	assert.Equal(t, "iphone 13 pro", en.Model)
	assert.Equal(t, en.Brand, local.Brand)
	assert.Equal(t, en.Model, local.Model)
	assert.Equal(t, en.Variants, local.Variants)
}

func TestExtract_MultiTokenBrand(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{RawTitleLocal: "تلویزیون ال جی 55UR7300"})
	assert.Equal(t, "lg", a.Brand)
	assert.Equal(t, "55ur7300", a.Model)
}

func TestExtract_NoBrand(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{RawTitle: "Generic phone X200 64GB", PriceMinorUnit: 5_000_000, CurrencyBasis: model.BasisPrimary})

	assert.False(t, a.Attributed())
	assert.Empty(t, a.Model)
	assert.True(t, a.Priced)
}

func TestExtract_RuntimeBrandAddition(t *testing.T) {
	ex := newTestExtractor(t)
	l := model.Listing{RawTitleLocal: "گوشی شیائومی Redmi Note 12"}

	require.False(t, ex.Extract(l).Attributed())

	ex.Tables().AddBrand("شیائومی", "xiaomi")

	a := ex.Extract(l)
	assert.Equal(t, "xiaomi", a.Brand)
	assert.Equal(t, "12", a.Model)
}

func TestExtract_PriceFromListingField(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{RawTitle: "Samsung A54", PriceMinorUnit: 1_850_000, CurrencyBasis: model.BasisSecondary})
	assert.True(t, a.Priced)
	assert.Equal(t, int64(18_500_000), a.Price)
	assert.False(t, a.BasisGuessed)

	guessed := ex.Extract(model.Listing{RawTitle: "Samsung A54", PriceMinorUnit: 950_000})
	assert.Equal(t, model.BasisSecondary, guessed.Basis)
	assert.True(t, guessed.BasisGuessed)
	assert.Equal(t, int64(9_500_000), guessed.Price)
}

func TestExtract_Unpriced(t *testing.T) {
	ex := newTestExtractor(t)

	a := ex.Extract(model.Listing{RawTitle: "Samsung A54", RawPrice: "ناموجود"})
	assert.True(t, a.Attributed())
	assert.False(t, a.Priced)
}

func TestExtractPrice(t *testing.T) {
	ex := newTestExtractor(t)

	tests := []struct {
		name    string
		text    string
		primary int64
		basis   model.CurrencyBasis
		guessed bool
	}{
		{"persian digits toman", "۱۸,۵۰۰,۰۰۰ تومان", 185_000_000, model.BasisSecondary, false},
		{"dotted rial", "18.500.000 ریال", 18_500_000, model.BasisPrimary, false},
		{"arabic separator", "۱۸٬۸۰۰٬۰۰۰ ریال", 18_800_000, model.BasisPrimary, false},
		{"glued unit", "18500000تومان", 185_000_000, model.BasisSecondary, false},
		{"no unit small", "قیمت: 950,000", 9_500_000, model.BasisSecondary, true},
		{"no unit large", "Price 18,500,000", 18_500_000, model.BasisPrimary, true},
		{"longest run wins", "2 x 1,299,000 toman", 12_990_000, model.BasisSecondary, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := ex.ExtractPrice(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.primary, p.Primary)
			assert.Equal(t, tt.basis, p.Basis)
			assert.Equal(t, tt.guessed, p.Guessed)
		})
	}
}

func TestExtractPrice_NoDigits(t *testing.T) {
	ex := newTestExtractor(t)

	_, ok := ex.ExtractPrice("تماس بگیرید")
	assert.False(t, ok)

	_, ok = ex.ExtractPrice("0")
	assert.False(t, ok)

	_, ok = ex.ExtractPrice("99999999999999999999")
	assert.False(t, ok)
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reference.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtureTables), 0o600))

	tables, err := LoadTables(path)
	require.NoError(t, err)

	b, ok := tables.Brand("سامسونگ")
	assert.True(t, ok)
	assert.Equal(t, "samsung", b)
	assert.Equal(t, []string{"سامسونگ"}, tables.LocalNames("samsung"))
	assert.Equal(t, 3, tables.BrandCount())
}

func TestLoadTables_Errors(t *testing.T) {
	_, err := LoadTables("/nonexistent/reference.json")
	assert.Error(t, err)

	_, err = ParseTables([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseTables([]byte(`{"currency_units": {"usd": "dollar"}}`))
	assert.Error(t, err)
}

func TestShippedReferenceTablesParse(t *testing.T) {
	tables, err := LoadTables(filepath.Join("..", "..", "configs", "reference.json"))
	require.NoError(t, err)
	assert.Greater(t, tables.BrandCount(), 5)
}
