package processor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompressor expands a payload body.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// DecompressorFunc adapts a function to Decompressor.
type DecompressorFunc func(data []byte) ([]byte, error)

// Decompress calls f.
func (f DecompressorFunc) Decompress(data []byte) ([]byte, error) {
	return f(data)
}

// Registry maps lowercased media types to decompressors. Unlisted types are
// passed through unchanged.
type Registry map[string]Decompressor

// DefaultRegistry handles zstd and gzip bodies.
func DefaultRegistry() Registry {
	return Registry{
		"application/zstd":   DecompressorFunc(decompressZstd),
		"application/gzip":   DecompressorFunc(decompressGzip),
		"application/x-gzip": DecompressorFunc(decompressGzip),
	}
}

// Lookup returns the decompressor for contentType, if any.
func (r Registry) Lookup(contentType string) (Decompressor, bool) {
	d, ok := r[contentType]
	return d, ok
}

var gzipMagic = []byte{0x1f, 0x8b}

// Safe for concurrent use; DecodeAll does not retain the input.
var zstdDecoder, _ = zstd.NewReader(nil)

func decompressZstd(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// The fetcher may already have gunzipped a body labeled as gzip, so data without
// the gzip magic number is returned as is.
func decompressGzip(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}
