// Package extract pulls brand, model, variant attributes and price out of
// normalized listing text using externally supplied reference tables.
package extract

import (
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/normalize"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const (
	AttrStorage = "storage"
	AttrRAM     = "ram"
)

// Config drives price interpretation.
type Config struct {
	// SecondaryBelow: magnitudes under this value, with no unit keyword, are assumed
	// to be quoted in the secondary (larger) unit. This is a heuristic and can be wrong
	// near the threshold.
	SecondaryBelow int64
	CurrencyRatio  int64
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		SecondaryBelow: 1_000_000,
		CurrencyRatio:  model.DefaultCurrencyRatio,
	}
}

// Attributes is the extraction result; every field may be absent.
type Attributes struct {
	Title      string
	TitleLocal string
	Brand      string
	Model      string
	Variants   map[string]string

	// Price is in primary units; only meaningful when Priced.
	Price        int64
	Basis        model.CurrencyBasis
	BasisGuessed bool
	Priced       bool
}

// Attributed reports whether a brand was recognised.
func (a Attributes) Attributed() bool {
	return a.Brand != ""
}

// Extractor resolves attributes against reference tables.
type Extractor struct {
	tables *Tables
	cfg    Config
	logger *zap.Logger
}

// New creates an extractor.
func New(tables *Tables, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tables == nil {
		tables = NewTables()
	}
	if cfg.CurrencyRatio <= 0 {
		cfg.CurrencyRatio = model.DefaultCurrencyRatio
	}
	return &Extractor{tables: tables, cfg: cfg, logger: logger}
}

// Tables exposes the reference tables, e.g. for runtime brand additions.
func (e *Extractor) Tables() *Tables {
	return e.tables
}

// Extract derives attributes from a listing.
func (e *Extractor) Extract(l model.Listing) Attributes {
	a := Attributes{
		Title:      normalize.Normalize(l.RawTitle),
		TitleLocal: normalize.Normalize(l.RawTitleLocal),
		Variants:   map[string]string{},
	}

	for _, toks := range [][]string{tokens(a.Title), tokens(a.TitleLocal)} {
		if len(toks) == 0 {
			continue
		}
		brand, end, ok := e.findBrand(toks)
		if ok {
			if a.Brand == "" {
				a.Brand = brand
			}
			if a.Model == "" && brand == a.Brand {
				a.Model = e.findModel(toks[end:])
			}
		}
		if len(a.Variants) == 0 {
			e.findCapacities(toks, a.Variants)
		}
	}

	e.resolvePrice(l, &a)
	return a
}

// findBrand returns the leftmost, longest brand n-gram and the index after it.
func (e *Extractor) findBrand(toks []string) (string, int, bool) {
	maxN := e.tables.maxBrandLen()
	for i := range toks {
		for n := maxN; n >= 1; n-- {
			if i+n > len(toks) {
				continue
			}
			if b, ok := e.tables.Brand(strings.Join(toks[i:i+n], " ")); ok {
				return b, i + n, true
			}
		}
	}
	return "", 0, false
}

// findModel picks the first digit-bearing token after the brand. A bare number is
// joined to a preceding series word ("iphone 13"); recognised suffixes are appended.
func (e *Extractor) findModel(toks []string) string {
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if !hasDigit(tok) || e.isCapacityAt(toks, i) {
			continue
		}

		var parts []string
		if isNumeric(tok) {
			if i == 0 {
				parts = append(parts, tok)
			} else if s, ok := e.tables.seriesTerm(toks[i-1]); ok {
				parts = append(parts, s, tok)
			} else {
				parts = append(parts, tok)
			}
		} else {
			parts = append(parts, tok)
		}

		for j := i + 1; j < len(toks); j++ {
			s, ok := e.tables.suffix(toks[j])
			if !ok {
				break
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// isCapacityAt reports whether toks[i] is (the number of) a capacity like "128gb" or "128 gb".
func (e *Extractor) isCapacityAt(toks []string, i int) bool {
	_, _, ok := e.capacityAt(toks, i)
	return ok
}

// capacityAt parses a capacity at toks[i], returning its value and the number of
// tokens consumed.
func (e *Extractor) capacityAt(toks []string, i int) (string, int, bool) {
	num, rest := splitNumber(toks[i])
	if num == "" {
		return "", 0, false
	}
	if rest != "" {
		if u, ok := e.tables.capacityUnit(rest); ok {
			return trimZeros(num) + u, 1, true
		}
		return "", 0, false
	}
	if i+1 < len(toks) {
		if u, ok := e.tables.capacityUnit(toks[i+1]); ok {
			return trimZeros(num) + u, 2, true
		}
	}
	return "", 0, false
}

// findCapacities records storage and RAM variants. A capacity preceded by a RAM
// keyword is RAM, as is one followed by a keyword that does not itself introduce the
// next capacity ("8gb ram" vs "128gb ram 8gb"). The first other capacity is storage.
func (e *Extractor) findCapacities(toks []string, out map[string]string) {
	for i := 0; i < len(toks); i++ {
		val, n, ok := e.capacityAt(toks, i)
		if !ok {
			continue
		}
		isRAM := i > 0 && e.tables.isRAMKeyword(toks[i-1])
		if !isRAM && i+n < len(toks) && e.tables.isRAMKeyword(toks[i+n]) {
			isRAM = i+n+1 >= len(toks) || !e.isCapacityAt(toks, i+n+1)
		}
		switch {
		case isRAM:
			if _, seen := out[AttrRAM]; !seen {
				out[AttrRAM] = val
			}
		default:
			if _, seen := out[AttrStorage]; !seen {
				out[AttrStorage] = val
			}
		}
		i += n - 1
	}
}

func (e *Extractor) resolvePrice(l model.Listing, a *Attributes) {
	if l.PriceMinorUnit > 0 {
		basis := l.CurrencyBasis
		if !basis.Valid() {
			basis = e.guessBasis(l.PriceMinorUnit)
			a.BasisGuessed = true
		}
		a.Basis = basis
		a.Price = model.ToPrimary(l.PriceMinorUnit, basis, e.cfg.CurrencyRatio)
		a.Priced = true
		return
	}
	if l.RawPrice == "" {
		return
	}
	p, ok := e.ExtractPrice(l.RawPrice)
	if !ok {
		e.logger.Debug("extract.price_unparsed",
			zap.String("vendor", l.Vendor),
			zap.String("url", l.URL),
			zap.String("raw_price", l.RawPrice))
		return
	}
	a.Price, a.Basis, a.BasisGuessed, a.Priced = p.Primary, p.Basis, p.Guessed, true
}

func (e *Extractor) guessBasis(amount int64) model.CurrencyBasis {
	if e.cfg.SecondaryBelow > 0 && amount < e.cfg.SecondaryBelow {
		return model.BasisSecondary
	}
	return model.BasisPrimary
}

func tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return normalize.Tokens(normalized)
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// splitNumber splits a token into its leading ASCII digits and the remainder.
func splitNumber(tok string) (string, string) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	return tok[:i], tok[i:]
}

func trimZeros(num string) string {
	trimmed := strings.TrimLeft(num, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
