package extract

import (
	"strconv"
	"strings"

	"github.com/Checker-Finance/pricewatch/internal/normalize"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// maxPriceDigits keeps magnitudes inside int64 after unit conversion.
const maxPriceDigits = 16

// groupSeparators may split a number into thousands groups.
var groupSeparators = map[rune]bool{
	',':      true,
	'.':      true,
	'\'':     true,
	'\u066c': true, // arabic thousands separator
	'\u066b': true, // arabic decimal separator, used for grouping by some vendors
	'\u2019': true,
}

// Price is a parsed price.
type Price struct {
	Magnitude int64
	Primary   int64
	Basis     model.CurrencyBasis
	// Guessed is set when the basis came from the magnitude heuristic.
	Guessed bool
}

// ExtractPrice scans free text for a price: the longest digit run (after joining
// thousands groups) is the magnitude; an explicit unit keyword decides the basis,
// otherwise the magnitude heuristic does.
func (e *Extractor) ExtractPrice(text string) (Price, bool) {
	n := joinDigitGroups(normalize.Normalize(text))

	digits := longestDigitRun(n)
	if digits == "" || len(digits) > maxPriceDigits {
		return Price{}, false
	}
	mag, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || mag <= 0 {
		return Price{}, false
	}

	p := Price{Magnitude: mag}
	if b, ok := e.unitKeyword(n); ok {
		p.Basis = b
	} else {
		p.Basis = e.guessBasis(mag)
		p.Guessed = true
	}
	p.Primary = model.ToPrimary(mag, p.Basis, e.cfg.CurrencyRatio)
	return p, true
}

func (e *Extractor) unitKeyword(normalized string) (model.CurrencyBasis, bool) {
	for _, tok := range normalize.Tokens(normalized) {
		if b, ok := e.tables.currencyUnit(tok); ok {
			return b, true
		}
		// "18500000تومان" style: unit glued to the digits
		if _, rest := splitNumber(tok); rest != "" && rest != tok {
			if b, ok := e.tables.currencyUnit(rest); ok {
				return b, true
			}
		}
	}
	return "", false
}

// joinDigitGroups drops a separator sitting between a digit and a group of exactly
// three digits, so "18,500,000" becomes "18500000".
func joinDigitGroups(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range rs {
		if groupSeparators[r] && i > 0 && isASCIIDigit(rs[i-1]) && isThreeDigitGroup(rs, i+1) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isThreeDigitGroup(rs []rune, from int) bool {
	if from+3 > len(rs) {
		return false
	}
	for j := from; j < from+3; j++ {
		if !isASCIIDigit(rs[j]) {
			return false
		}
	}
	return from+3 == len(rs) || !isASCIIDigit(rs[from+3])
}

func longestDigitRun(s string) string {
	best, cur := "", 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if cur == 0 {
				start = i
			}
			cur++
			continue
		}
		if cur > len(best) {
			best = s[start:i]
		}
		cur = 0
	}
	return best
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
