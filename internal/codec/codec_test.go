package codec

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_UnderLimitPassesThrough(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Chunk("hello", 100))
	assert.Equal(t, []string{"exactly"}, Chunk("exactly", 7))
	assert.Equal(t, []string{""}, Chunk("", 10))
}

func TestChunk_UnboundedChannel(t *testing.T) {
	long := strings.Repeat("x", 100000)
	assert.Equal(t, []string{long}, Chunk(long, 0))
}

func TestChunk_PrefersNewline(t *testing.T) {
	// limit 20 leaves a 8-byte window; the newline at offset 7 wins.
	got := Chunk("ab\ncdef\nghijklmnopqrs", 20)
	assert.Equal(t, []string{
		"[1/3]\nab\ncdef",
		"[2/3]\nghijklmn",
		"[3/3]\nopqrs",
	}, got)
}

func TestChunk_WhitespacePastHalfway(t *testing.T) {
	// The space at offset 5 is past half of the 8-byte window; the space at
	// offset 3 of the second window is not, so that one hard-cuts.
	got := Chunk("abcde fgh jklmnopqrstuvw", 20)
	assert.Equal(t, []string{
		"[1/4]\nabcde",
		"[2/4]\nfgh jklm",
		"[3/4]\nnopqrstu",
		"[4/4]\nvw",
	}, got)
}

func TestChunk_FitsLimitAndShape(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("some words of filler text with occasional\nnewlines mixed in ")
	}
	text := b.String()

	const limit = 100
	chunks := Chunk(text, limit)
	require.Greater(t, len(chunks), 1)

	prefix := regexp.MustCompile(`^\[\d+/\d+\]\n`)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), limit, "chunk %d exceeds limit", i)
		assert.Regexp(t, prefix, c, "chunk %d missing prefix", i)
	}
	assert.Contains(t, chunks[0], "[1/")
}

func TestChunk_HardCutKeepsUTF8Valid(t *testing.T) {
	text := strings.Repeat("日", 50) // 150 bytes, no split points
	for _, c := range Chunk(text, 50) {
		assert.True(t, utf8.ValidString(c), "chunk %q is not valid UTF-8", c)
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"a < b", "a &lt; b"},
		{"a > b", "a &gt; b"},
		{"fish & chips", "fish &amp; chips"},
		{"<b>&</b>", "&lt;b&gt;&amp;&lt;/b&gt;"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeHTML(tt.in), "input %q", tt.in)
	}
}

func TestStripMarkup(t *testing.T) {
	assert.Equal(t, "Hello World", StripMarkup("Hello <b>World</b>"))
	assert.Equal(t, "link", StripMarkup(`<a href="https://example.com">link</a>`))
	assert.Equal(t, "fish & chips", StripMarkup("fish &amp; chips"))
	assert.Equal(t, "no markup", StripMarkup("no markup"))
}
