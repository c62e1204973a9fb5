// Package textx provides small text helpers for free-text values that end up
// in stored fields: cancel reasons and delivery error summaries.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes control characters except tab, newline and carriage
// return, and trims surrounding spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate caps s at max runes without splitting a multi-byte character.
// max <= 0 returns s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
