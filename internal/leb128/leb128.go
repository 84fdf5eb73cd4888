// Package leb128 implements the variable-length integer encodings used by
// the WASM binary format: unsigned LEB128 and signed LEB128, decoded from
// a *bufio.Reader byte stream and encoded by appending to a byte slice.
package leb128

import (
	"bufio"
	"fmt"
	"io"
)

const maxVarintLen64 = 10

// DecodeUint32 decodes an unsigned LEB128-encoded uint32 from r.
func DecodeUint32(r *bufio.Reader) (uint32, uint64, error) {
	v, n, err := decodeUvarint(r, 32)
	return uint32(v), n, err
}

// DecodeUint64 decodes an unsigned LEB128-encoded uint64 from r.
func DecodeUint64(r *bufio.Reader) (uint64, uint64, error) {
	return decodeUvarint(r, 64)
}

func decodeUvarint(r *bufio.Reader, bits int) (result uint64, bytesRead uint64, err error) {
	var shift int
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && bytesRead > 0 {
				return 0, bytesRead, io.ErrUnexpectedEOF
			}
			return 0, bytesRead, err
		}
		bytesRead++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if shift+7 < bits && b&0x80 == 0 && (b>>uint(bits-shift)) != 0 {
				return 0, bytesRead, fmt.Errorf("leb128: uvarint overflows %d bits", bits)
			}
			return result, bytesRead, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, bytesRead, fmt.Errorf("leb128: uvarint too long")
		}
	}
}

// DecodeInt32 decodes a signed LEB128-encoded int32 from r.
func DecodeInt32(r *bufio.Reader) (int32, uint64, error) {
	v, n, err := decodeVarint(r, 32)
	return int32(v), n, err
}

// DecodeInt64 decodes a signed LEB128-encoded int64 from r.
func DecodeInt64(r *bufio.Reader) (int64, uint64, error) {
	return decodeVarint(r, 64)
}

func decodeVarint(r *bufio.Reader, bits int) (result int64, bytesRead uint64, err error) {
	var shift int
	var b byte
	for {
		b, err = r.ReadByte()
		if err != nil {
			if err == io.EOF && bytesRead > 0 {
				return 0, bytesRead, io.ErrUnexpectedEOF
			}
			return 0, bytesRead, err
		}
		bytesRead++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, bytesRead, fmt.Errorf("leb128: varint too long")
		}
	}
	if shift < bits && (b&0x40) != 0 {
		result |= -1 << shift
	}
	return result, bytesRead, nil
}

// EncodeUint32 appends the unsigned LEB128 encoding of v to dst.
func EncodeUint32(dst []byte, v uint32) []byte { return EncodeUint64(dst, uint64(v)) }

// EncodeUint64 appends the unsigned LEB128 encoding of v to dst.
func EncodeUint64(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			dst = append(dst, b)
			return dst
		}
	}
}

// EncodeInt32 appends the signed LEB128 encoding of v to dst.
func EncodeInt32(dst []byte, v int32) []byte { return EncodeInt64(dst, int64(v)) }

// EncodeInt64 appends the signed LEB128 encoding of v to dst.
func EncodeInt64(dst []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}
