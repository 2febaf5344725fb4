// Package frame implements the length-prefixed, CRC-checked wire framing
// that carries exactly one wire.Envelope per frame. It deliberately knows
// nothing about envelope contents; it only moves bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Header layout: MAGIC(4) | VERSION(1) | FLAGS(1) | LENGTH(4, BE) | CRC32(4, BE).
const (
	HeaderSize = 14

	// DefaultMaxFrame is the default payload size cap, per spec §6.
	DefaultMaxFrame = 1024 * 1024

	protocolVersion byte = 1
)

// MagicBytes opens every frame header. Four bytes, fixed.
var MagicBytes = [4]byte{'A', 'T', 'O', 'M'}

// ErrFrameTooLarge is returned by Encode and Decode when a payload exceeds
// the configured limit.
var ErrFrameTooLarge = errors.New("frame: payload exceeds max frame size")

// ErrBadMagic is returned by Decode when the header's magic bytes don't
// match MagicBytes.
var ErrBadMagic = errors.New("frame: bad magic")

// ErrBadVersion is returned by Decode when the header's version byte is
// not the one this package writes.
var ErrBadVersion = errors.New("frame: unsupported protocol version")

// ErrBadChecksum is returned by Decode when the payload's CRC32 does not
// match the header's checksum field.
var ErrBadChecksum = errors.New("frame: checksum mismatch")

// Encode serializes payload into a framed byte sequence: header followed
// by the payload bytes, unchanged. It fails with ErrFrameTooLarge without
// writing anything if payload exceeds limit.
func Encode(payload []byte, limit uint32) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxFrame
	}
	if uint32(len(payload)) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limit)
	}

	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:4], MagicBytes[:])
	out[4] = protocolVersion
	out[5] = 0 // flags, reserved
	binary.BigEndian.PutUint32(out[6:10], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[10:14], crc32.ChecksumIEEE(payload))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteTo encodes payload with Encode and writes the framed bytes to w in a
// single Write call, for callers that don't need to keep the encoded slice.
func WriteTo(w io.Writer, payload []byte, limit uint32) error {
	b, err := Encode(payload, limit)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads exactly one frame from r and returns its payload bytes. It
// consumes exactly HeaderSize+LENGTH bytes: no more, no less. EOF or a
// short read anywhere in the header or payload is returned unwrapped (the
// caller treats io.EOF specially for "no more frames" and anything else as
// a transport failure).
func Decode(r io.Reader, limit uint32) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxFrame
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	if [4]byte(header[0:4]) != MagicBytes {
		return nil, ErrBadMagic
	}
	if header[4] != protocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header[4])
	}

	length := binary.BigEndian.Uint32(header[6:10])
	if length > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)
	}
	checksum := binary.BigEndian.Uint32(header[10:14])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, ErrBadChecksum
	}
	return payload, nil
}
