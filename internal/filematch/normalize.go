// Package filematch pairs contacts with attachment files by name.
package filematch

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeFilename drops the extension and normalizes the rest
func NormalizeFilename(name string) string {
	return Normalize(strings.TrimSuffix(name, filepath.Ext(name)))
}

// Normalize folds a name into a comparable form: accents removed, lower-case
// and every run of non-alphanumeric characters collapsed into a single space.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// tokens splits a normalized string into words
func tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// containsWords reports whether haystack contains needle on word boundaries.
// Both arguments must already be normalized.
func containsWords(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

// compact drops the spaces of a normalized string, so "budi santoso" and
// "budisantoso" compare equal
func compact(normalized string) string {
	return strings.ReplaceAll(normalized, " ", "")
}
