// Package framing wraps encoded values with optional compression and an
// optional checksum trailer before they reach the engine.
//
// Stored layout, depending on the table's Spec:
//
//	plain:              payload
//	checksum only:      payload | trailer
//	compression:        type(1) | body | trailer?
//
// body is the compressed payload, or the payload itself with type
// NoCompression when compressing would not shrink it. The trailer covers
// every byte before it. Keys are never framed: they must keep their
// engine ordering.
package framing

import (
	"errors"
	"fmt"

	"github.com/aalhour/tablekv/internal/checksum"
	"github.com/aalhour/tablekv/internal/compression"
)

var (
	// ErrChecksumMismatch is returned when a stored trailer does not match.
	ErrChecksumMismatch = errors.New("framing: checksum mismatch")
	// ErrTruncated is returned when a stored value is shorter than its framing.
	ErrTruncated = errors.New("framing: truncated value")
)

// Spec is a table's value framing.
type Spec struct {
	Compression compression.Type
	Checksum    checksum.Type
}

// Plain reports whether values are stored unframed.
func (s Spec) Plain() bool {
	return s.Compression == compression.NoCompression && s.Checksum == checksum.TypeNoChecksum
}

// Validate reports unsupported algorithms.
func (s Spec) Validate() error {
	if !s.Compression.IsSupported() {
		return fmt.Errorf("framing: unsupported compression %s", s.Compression)
	}
	if !s.Checksum.IsSupported() {
		return fmt.Errorf("framing: unsupported checksum %s", s.Checksum)
	}
	return nil
}

// Encode appends the stored form of payload to dst.
func (s Spec) Encode(dst, payload []byte) ([]byte, error) {
	if s.Plain() {
		return append(dst, payload...), nil
	}
	start := len(dst)
	if s.Compression == compression.NoCompression {
		dst = append(dst, payload...)
	} else {
		var err error
		dst = append(dst, byte(s.Compression))
		body := len(dst)
		dst, err = compression.Compress(s.Compression, dst, payload)
		if err != nil {
			return nil, err
		}
		if len(dst)-body >= len(payload) {
			dst = append(dst[:start], byte(compression.NoCompression))
			dst = append(dst, payload...)
		}
	}
	return checksum.Append(s.Checksum, dst, dst[start:]), nil
}

// Decode returns the payload of a stored value. When copied is false the
// payload aliases stored.
func (s Spec) Decode(stored []byte) (payload []byte, copied bool, err error) {
	if s.Plain() {
		return stored, false, nil
	}
	if n := s.Checksum.Size(); n > 0 {
		if len(stored) < n {
			return nil, false, ErrTruncated
		}
		data, trailer := stored[:len(stored)-n], stored[len(stored)-n:]
		if !checksum.Verify(s.Checksum, data, trailer) {
			return nil, false, ErrChecksumMismatch
		}
		stored = data
	}
	if s.Compression == compression.NoCompression {
		return stored, false, nil
	}
	if len(stored) < 1 {
		return nil, false, ErrTruncated
	}
	typ := compression.Type(stored[0])
	if typ == compression.NoCompression {
		return stored[1:], false, nil
	}
	out, err := compression.Decompress(typ, stored[1:])
	if err != nil {
		return nil, false, fmt.Errorf("framing: %w", err)
	}
	return out, true, nil
}
