package codec

import (
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"short",
		`{"messages":[{"role":"user","content":"hello world"}]}`,
		strings.Repeat("the same sentence over and over. ", 5000),
	}
	for _, in := range cases {
		blob := Compress(in)
		out, err := Decompress(blob)
		if err != nil {
			t.Fatalf("decompress %d bytes: %v", len(blob), err)
		}
		if out != in {
			t.Errorf("round trip mismatch for %d-byte input", len(in))
		}
	}
}

func TestCompressShrinksRepetitiveText(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("abcdefgh", 10000)
	blob := Compress(in)
	if len(blob) >= len(in)/10 {
		t.Errorf("compressed %d bytes to %d, expected at least 10x reduction", len(in), len(blob))
	}
}

func TestDecompressEmptyBlob(t *testing.T) {
	t.Parallel()
	out, err := Decompress(nil)
	if err != nil || out != "" {
		t.Errorf("Decompress(nil) = (%q, %v), want (\"\", nil)", out, err)
	}
}

func TestDecompressGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Decompress([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}); err == nil {
		t.Error("garbage blob should fail to decompress")
	}
}
