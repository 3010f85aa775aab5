// Package codec compresses request/response payload blobs for at-rest
// storage using Brotli.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// maxDecompressed caps payload expansion to guard against corrupt or
// hostile blobs in the database.
const maxDecompressed = 64 << 20

// Compress returns the Brotli-compressed form of s. The empty string
// compresses to a valid (non-empty) stream that decompresses back to "".
func Compress(s string) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	w.Write([]byte(s)) //nolint:errcheck // bytes.Buffer writes cannot fail
	if err := w.Close(); err != nil {
		// Close flushes to a bytes.Buffer and cannot fail in practice.
		return nil
	}
	return buf.Bytes()
}

// Decompress inflates a blob produced by Compress.
func Decompress(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	r := brotli.NewReader(bytes.NewReader(blob))
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed))
	if err != nil {
		return "", fmt.Errorf("codec: decompress: %w", err)
	}
	return string(out), nil
}
