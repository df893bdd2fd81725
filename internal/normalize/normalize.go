// Package normalize canonicalizes mixed-script listing text so that titles written
// with different digit systems, letter glyphs and joiners compare equal.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// letterVariants maps visually distinct glyphs of the same letter to one form.
var letterVariants = map[rune]rune{
	'\u064a': '\u06cc', // arabic yeh -> farsi yeh
	'\u0649': '\u06cc', // alef maksura -> farsi yeh
	'\u06d2': '\u06cc', // yeh barree
	'\u0643': '\u06a9', // arabic kaf -> keheh
	'\u0623': '\u0627', // alef with hamza above
	'\u0625': '\u0627', // alef with hamza below
	'\u0671': '\u0627', // alef wasla
	'\u0622': '\u0627', // alef with madda
	'\u0629': '\u0647', // teh marbuta -> heh
	'\u06c0': '\u0647', // heh with yeh above
	'\u0624': '\u0648', // waw with hamza
}

// dropped runes vanish entirely; they are decoration, not separators.
var dropped = map[rune]bool{
	'\u0640': true, // tatweel
	'\u064b': true, // fathatan
	'\u064c': true, // dammatan
	'\u064d': true, // kasratan
	'\u064e': true, // fatha
	'\u064f': true, // damma
	'\u0650': true, // kasra
	'\u0651': true, // shadda
	'\u0652': true, // sukun
}

// Normalize applies, in order: digit unification, letter-variant unification,
// joiner/invisible collapse, whitespace collapse and case folding.
// It never fails; on unexpected input it degrades to whitespace collapse + lower case.
func Normalize(s string) (out string) {
	if s == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			out = fallback(s)
		}
	}()
	if !utf8.ValidString(s) {
		return fallback(s)
	}

	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case dropped[r]:
			continue
		case isInvisible(r):
			b.WriteRune(' ')
			continue
		}
		if d, ok := digitValue(r); ok {
			b.WriteRune('0' + d)
			continue
		}
		if v, ok := letterVariants[r]; ok {
			r = v
		}
		b.WriteRune(r)
	}

	// Casers are stateful, so each call gets its own.
	return cases.Fold().String(collapseSpace(b.String()))
}

// Tokens splits a normalized string into letter/digit runs. Input is normalized first.
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
	})
}

func fallback(s string) string {
	s = strings.ToValidUTF8(s, " ")
	return strings.ToLower(collapseSpace(s))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// digitValue resolves Arabic-Indic and extended (Persian) digits. Other compatibility
// digits (fullwidth, mathematical) were already folded by NFKC.
func digitValue(r rune) (rune, bool) {
	switch {
	case r >= '\u0660' && r <= '\u0669':
		return r - '\u0660', true
	case r >= '\u06f0' && r <= '\u06f9':
		return r - '\u06f0', true
	case r >= '\u0966' && r <= '\u096f': // devanagari
		return r - '\u0966', true
	}
	return 0, false
}

// isInvisible reports joiners and other zero-width format characters.
func isInvisible(r rune) bool {
	switch r {
	case '\u200c', '\u200d', '\u200b', '\u2060', '\ufeff', '\u00ad', '\u200e', '\u200f':
		return true
	}
	return unicode.Is(unicode.Cf, r)
}
