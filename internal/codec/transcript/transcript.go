// Package transcript provides compression for stored conversation entries.
package transcript

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec applied to a stored transcript entry.
// Values are persisted; do not renumber.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("transcript: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("transcript: init zstd decoder: %v", err))
	}
}

// Compress compresses entry content with zstd and returns the bytes along
// with the Compression value to persist beside them.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress reverses Compress according to the stored Compression value.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("transcript: unsupported compression: %d", c)
	}
}
