// Package compression provides paired streaming compress/decompress
// transforms for the codecs supported by backup artifacts.
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm.
type Codec string

const (
	CodecNone Codec = "none"
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// Codecs lists every codec that produces compressed output.
func Codecs() []Codec {
	return []Codec{CodecGzip, CodecZstd, CodecLZ4}
}

// Parse converts a configuration string into a Codec. The empty string
// maps to CodecNone.
func Parse(s string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(s))) {
	case CodecNone, "":
		return CodecNone, nil
	case CodecGzip:
		return CodecGzip, nil
	case CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unsupported compression codec: %q", s)
	}
}

// Ext returns the artifact filename extension for a codec, including the
// leading dot. CodecNone has no extension.
func Ext(c Codec) string {
	switch c {
	case CodecGzip:
		return ".gz"
	case CodecZstd:
		return ".zst"
	case CodecLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// FromExt guesses the codec from an artifact filename. Used only as a
// fallback when the sidecar metadata is unreadable.
func FromExt(name string) Codec {
	name = strings.TrimSuffix(name, ".enc")
	switch {
	case strings.HasSuffix(name, ".gz"):
		return CodecGzip
	case strings.HasSuffix(name, ".zst"):
		return CodecZstd
	case strings.HasSuffix(name, ".lz4"):
		return CodecLZ4
	default:
		return CodecNone
	}
}

// NewWriter returns a WriteCloser that compresses everything written to
// it into w. For CodecNone it returns (nil, nil); callers treat a nil
// writer as "skip this stage".
//
// The returned writer must be closed to flush trailing codec frames;
// closing it does not close w.
func NewWriter(c Codec, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nil, nil
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %q", c)
	}
}

// NewReader returns a ReadCloser that decompresses r. For CodecNone it
// returns (nil, nil); callers treat a nil reader as "skip this stage".
func NewReader(c Codec, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return nil, nil
	case CodecGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gr, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %q", c)
	}
}
