// Package compression compresses table values.
//
// A compressed value is stored by the framing layer as a 1-byte Type followed
// by the output of Compress. Values that do not shrink are stored with
// NoCompression so reads of small records stay zero-copy.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm. The numeric values are persisted.
type Type uint8

const (
	// NoCompression stores the value as-is.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy block format.
	SnappyCompression Type = 0x1

	// ZlibCompression uses zlib (RFC 1950).
	ZlibCompression Type = 0x2

	// LZ4Compression uses the LZ4 frame format at the fast level.
	LZ4Compression Type = 0x4

	// LZ4HCCompression uses the LZ4 frame format at level 9.
	LZ4HCCompression Type = 0x5

	// ZstdCompression uses Zstandard.
	ZstdCompression Type = 0x7
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZlibCompression:
		return "Zlib"
	case LZ4Compression:
		return "LZ4"
	case LZ4HCCompression:
		return "LZ4HC"
	case ZstdCompression:
		return "ZSTD"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseType is the inverse of String.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown compression type %q", s)
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// and expensive to build.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress appends the compressed form of data to dst.
func Compress(t Type, dst, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return append(dst, data...), nil

	case SnappyCompression:
		return append(dst, snappy.Encode(nil, data)...), nil

	case ZlibCompression:
		buf := bytes.NewBuffer(dst)
		w := zlib.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4Compression:
		return compressLZ4(dst, data, lz4.Fast)

	case LZ4HCCompression:
		return compressLZ4(dst, data, lz4.Level9)

	case ZstdCompression:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, dst), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func compressLZ4(dst, data []byte, level lz4.CompressionLevel) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := lz4.NewWriter(buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress returns the decompressed form of data. For NoCompression the
// input slice itself is returned.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Decode(nil, data)

	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)

	case LZ4Compression, LZ4HCCompression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case ZstdCompression:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
