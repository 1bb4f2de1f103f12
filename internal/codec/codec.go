// Package codec prepares user-visible text for size-limited and
// markup-aware delivery channels.
package codec

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// chunkPrefixReserve is the room kept for the "[i/N]\n" prefix inside each
// chunk, so prefixed chunks still fit the channel limit.
const chunkPrefixReserve = 12

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	stripPolicy = bluemonday.StrictPolicy()
)

// Chunk splits text into pieces that fit the channel limit. Text within the
// limit (or with limit <= 0, an unbounded channel) passes through as a
// single unprefixed chunk. Split points prefer the last newline in the
// window, then the last whitespace past the halfway mark, then a hard cut.
// Split chunks carry an "[i/N]\n" prefix.
func Chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	budget := limit - chunkPrefixReserve
	if budget < 1 {
		budget = 1
	}

	var parts []string
	rest := text
	for len(rest) > budget {
		window := rest[:budget]

		if i := strings.LastIndexByte(window, '\n'); i > 0 {
			parts = append(parts, rest[:i])
			rest = rest[i+1:]
			continue
		}
		if i := strings.LastIndexAny(window, " \t"); i > budget/2 {
			parts = append(parts, rest[:i])
			rest = rest[i+1:]
			continue
		}

		// Hard cut, backed up to a rune boundary.
		cut := budget
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if cut == 0 {
			cut = budget
		}
		parts = append(parts, rest[:cut])
		rest = rest[cut:]
	}
	parts = append(parts, rest)

	for i, p := range parts {
		parts[i] = fmt.Sprintf("[%d/%d]\n%s", i+1, len(parts), p)
	}
	return parts
}

// EscapeHTML escapes the three characters with markup meaning. Applied to
// any user content interpolated into an HTML-formatted message.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// StripMarkup reduces an HTML-formatted message to plain text: tags are
// removed and entities decoded. Channels without markup rendering use it
// to degrade formatted output.
func StripMarkup(s string) string {
	return html.UnescapeString(stripPolicy.Sanitize(s))
}
