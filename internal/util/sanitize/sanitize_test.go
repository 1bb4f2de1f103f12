package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLine(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "My Laptop", 100, "My Laptop"},
		{"with control chars", "La\x00pt\x07op", 100, "Laptop"},
		{"ansi escape stripped", "evil\x1b[31mname", 100, "evil[31mname"},
		{"truncate", "very long device name", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語の端末", 100, "日本語の端末"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Line(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Line(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "Desk", DeviceName("Desk"))
	assert.Equal(t, "unnamed device", DeviceName(""))
	assert.Equal(t, "unnamed device", DeviceName("\x00\x01"),
		"a name of control bytes collapses to the fallback")
}
