package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Checker-Finance/pricewatch/internal/normalize"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// tablesFile is the on-disk shape of the reference data.
type tablesFile struct {
	Brands        map[string]string `json:"brands"`
	Series        map[string]string `json:"series"`
	ModelSuffixes map[string]string `json:"model_suffixes"`
	CapacityUnits map[string]string `json:"capacity_units"`
	RAMKeywords   []string          `json:"ram_keywords"`
	CurrencyUnits map[string]string `json:"currency_units"`
}

// Tables holds the term mappings extraction relies on. It is data, loaded from
// configuration, and can be extended at runtime without touching extraction logic.
// All keys are stored normalized.
type Tables struct {
	mu sync.RWMutex

	brandToCanonical map[string]string
	canonicalToLocal map[string][]string
	maxBrandTokens   int

	series        map[string]string
	suffixes      map[string]string
	capacityUnits map[string]string
	ramKeywords   map[string]bool
	currencyUnits map[string]model.CurrencyBasis
}

// NewTables returns empty tables.
func NewTables() *Tables {
	return &Tables{
		brandToCanonical: make(map[string]string),
		canonicalToLocal: make(map[string][]string),
		maxBrandTokens:   1,
		series:           make(map[string]string),
		suffixes:         make(map[string]string),
		capacityUnits:    make(map[string]string),
		ramKeywords:      make(map[string]bool),
		currencyUnits:    make(map[string]model.CurrencyBasis),
	}
}

// LoadTables reads reference tables from a JSON file.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes reference tables from JSON.
func ParseTables(data []byte) (*Tables, error) {
	var f tablesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reference tables: %w", err)
	}

	t := NewTables()
	for term, canonical := range f.Brands {
		t.AddBrand(term, canonical)
	}
	for term, canonical := range f.Series {
		t.series[key(term)] = key(canonical)
	}
	for term, canonical := range f.ModelSuffixes {
		t.suffixes[key(term)] = key(canonical)
	}
	for term, unit := range f.CapacityUnits {
		t.capacityUnits[key(term)] = key(unit)
	}
	for _, kw := range f.RAMKeywords {
		t.ramKeywords[key(kw)] = true
	}
	for term, basis := range f.CurrencyUnits {
		b := model.CurrencyBasis(strings.ToLower(basis))
		if !b.Valid() {
			return nil, fmt.Errorf("currency unit %q has unknown basis %q", term, basis)
		}
		t.currencyUnits[key(term)] = b
	}
	return t, nil
}

// AddBrand maps a (possibly local-script) term to a canonical brand token.
// The canonical token always maps to itself.
func (t *Tables) AddBrand(term, canonical string) {
	term, canonical = key(term), key(canonical)
	if term == "" || canonical == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.brandToCanonical[term] = canonical
	t.brandToCanonical[canonical] = canonical
	if term != canonical && !contains(t.canonicalToLocal[canonical], term) {
		t.canonicalToLocal[canonical] = append(t.canonicalToLocal[canonical], term)
		sort.Strings(t.canonicalToLocal[canonical])
	}
	if n := len(strings.Fields(term)); n > t.maxBrandTokens {
		t.maxBrandTokens = n
	}
}

// Brand resolves a normalized term to its canonical brand token.
func (t *Tables) Brand(term string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.brandToCanonical[term]
	return b, ok
}

// LocalNames returns the local-script names registered for a canonical brand.
func (t *Tables) LocalNames(canonical string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.canonicalToLocal[key(canonical)]...)
}

// BrandCount returns the number of canonical brands known.
func (t *Tables) BrandCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range t.brandToCanonical {
		seen[c] = struct{}{}
	}
	return len(seen)
}

func (t *Tables) maxBrandLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxBrandTokens
}

func (t *Tables) seriesTerm(term string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.series[term]
	return s, ok
}

func (t *Tables) suffix(term string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.suffixes[term]
	return s, ok
}

func (t *Tables) capacityUnit(term string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.capacityUnits[term]
	return u, ok
}

func (t *Tables) isRAMKeyword(term string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ramKeywords[term]
}

func (t *Tables) currencyUnit(term string) (model.CurrencyBasis, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.currencyUnits[term]
	return b, ok
}

func key(s string) string {
	return normalize.Normalize(s)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
