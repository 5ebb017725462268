// Package names normalises identity display names.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC form of name with surrounding whitespace removed
// and inner whitespace runs collapsed to a single space.
func Normalize(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

// Key returns the case-insensitive uniqueness key for a display name.
func Key(name string) string {
	// Casers are stateful and not safe for concurrent use.
	return cases.Fold().String(Normalize(name))
}

// Slug returns an ASCII identifier for s made of lower-case letters, digits
// and single underscores, suitable for MQTT topics and entity ids.
func Slug(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), Key(s))
	if err != nil {
		stripped = Key(s)
	}

	var b strings.Builder
	sep := false
	for _, r := range stripped {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	return b.String()
}
