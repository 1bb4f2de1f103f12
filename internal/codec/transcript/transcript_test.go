package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	inputs := []string{
		"short reply",
		"",
		// Repetitive content that benefits from compression.
		strings.Repeat("the assistant generated a great deal of text. ", 200),
	}

	for _, input := range inputs {
		data := []byte(input)
		compressed, compression := Compress(data)
		assert.Equal(t, CompressionZstd, compression)

		decompressed, err := Decompress(compressed, compression)
		require.NoError(t, err)
		assert.Equal(t, data, decompressed)
	}
}

func TestCompressShrinksRepetitiveContent(t *testing.T) {
	data := []byte(strings.Repeat("over and over and over again. ", 500))
	compressed, _ := Compress(data)
	assert.Less(t, len(compressed), len(data))
}

func TestDecompressNone(t *testing.T) {
	data := []byte("stored uncompressed")
	result, err := Decompress(data, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, data, result)
}

func TestDecompressUnknownReturnsError(t *testing.T) {
	_, err := Decompress([]byte("x"), Compression(42))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression")
}
