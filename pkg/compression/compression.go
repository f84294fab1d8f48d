// Package compression provides streaming compression for interchange files.
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Type represents the compression algorithm used.
type Type uint8

const (
	// TypeNone represents no compression
	TypeNone Type = iota
	// TypeGzip uses gzip compression
	TypeGzip
	// TypeZstd uses zstd compression
	TypeZstd
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	default:
		return "none"
	}
}

// Extension returns the file extension for the type, including the dot.
func (t Type) Extension() string {
	switch t {
	case TypeGzip:
		return ".gz"
	case TypeZstd:
		return ".zst"
	default:
		return ""
	}
}

// Level represents the compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression ratio
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// TypeFromPath selects the compression type from a file extension.
func TypeFromPath(path string) Type {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return TypeGzip
	case ".zst", ".zstd":
		return TypeZstd
	default:
		return TypeNone
	}
}

// TrimExtension removes a compression extension from path, so
// "city.json.gz" becomes "city.json".
func TrimExtension(path string) string {
	if TypeFromPath(path) == TypeNone {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// DetectType detects the compression type from magic bytes.
func DetectType(data []byte) Type {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return TypeZstd
	case bytes.HasPrefix(data, gzipMagic):
		return TypeGzip
	default:
		return TypeNone
	}
}

// ============================================================================
// Writers
// ============================================================================

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with a compressing writer. Closing the returned writer
// flushes the compressed stream but does not close w.
func NewWriter(w io.Writer, t Type, level Level) (io.WriteCloser, error) {
	switch t {
	case TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		gz, err := gzip.NewWriterLevel(w, gzipLevel(level))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gz, nil
	case TypeZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

func gzipLevel(level Level) int {
	switch level {
	case LevelFastest:
		return gzip.BestSpeed
	case LevelBest:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func zstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// ============================================================================
// Readers
// ============================================================================

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewReader detects the compression of r from its magic bytes and returns a
// decompressing reader. Closing it does not close r.
func NewReader(r io.Reader) (io.ReadCloser, Type, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, TypeNone, fmt.Errorf("failed to read stream header: %w", err)
	}

	t := DetectType(head)
	switch t {
	case TypeGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, t, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, t, nil
	case TypeZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, t, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return zstdReadCloser{dec}, t, nil
	default:
		return io.NopCloser(br), t, nil
	}
}
