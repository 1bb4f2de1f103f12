// Package sanitize cleans untrusted strings (device names, pair codes,
// session names) before they reach logs or display surfaces.
package sanitize

import (
	"strings"
	"unicode"
)

// Line removes control characters from s and limits its length, keeping it
// safe to embed in a single log line or UI label.
func Line(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// DeviceName normalizes a client-supplied device name for registry and log
// use. Empty results fall back to "unnamed device".
func DeviceName(s string) string {
	name := Line(s, 64)
	if name == "" {
		return "unnamed device"
	}
	return name
}
