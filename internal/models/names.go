package models

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a statistic, macro or character name into its comparison
// key: accents stripped, case folded, inner whitespace collapsed.
// The original spelling is kept separately for display.
func NormalizeName(name string) string {
	// Transformers carry state, so a fresh chain is built per call.
	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(strip, name)
	if err != nil {
		out = name
	}
	out = cases.Fold().String(out)
	return strings.Join(strings.Fields(out), " ")
}

// SameName reports whether two names normalize to the same key.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// FormatNumber renders a statistic value without a trailing ".0".
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
