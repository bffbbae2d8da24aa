// Package sanitize normalizes text scraped from a rendered page before it is
// compared, logged, or scored.
package sanitize

import (
	"strings"
	"unicode"
)

// Text strips control characters and code points outside the Basic
// Multilingual Plane, collapses whitespace runs to a single space and trims
// the result. Line breaks and tabs count as whitespace, so paragraphs join
// with one space instead of fusing words together.
//
// Text is idempotent: Text(Text(s)) == Text(s).
func Text(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false

	for _, r := range s {
		switch {
		case r > 0xFFFF:
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case isControl(r), r == '\u200b', r == '\ufeff':
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// isControl reports C0, DEL and C1 control characters.
func isControl(r rune) bool {
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}
