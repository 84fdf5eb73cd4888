// Package image packs a compiled program into the SPI (Standard Program
// Interface) byte layout the target-VM host expects: a fixed-size
// header, an RO-data blob, an RW-data blob, and a code blob carrying the
// jump table, instruction stream, and instruction-start bitmask
// (SPEC_FULL.md §6). Grounded structurally on the teacher's own binary
// encoders (internal/wasm/binary writes a similarly fixed section
// layout with LE-encoded length prefixes); unlike the teacher's codec
// this format has no section IDs, just a positional prefix table.
package image

import (
	"encoding/binary"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/leb128"
)

// MinHeapPages is the floor applied to a WASM module's declared initial
// page count (SPEC_FULL.md §6 "floored to a minimum that accommodates
// adapter runtime needs").
const MinHeapPages = 16

const maxU24 = 1<<24 - 1

// Image is the fully assembled, ready-to-serialize program.
type Image struct {
	// ROData holds the dispatch tables built from the module's table
	// and element sections (isa.RODataBase onward).
	ROData []byte
	// RWData holds the WASM globals' initial values, the
	// passive-segment-length region, and the WASM data segments.
	RWData []byte
	// HeapPages is the heap page count written to the header; see
	// ComputeHeapPages.
	HeapPages uint16
	// StackSize is the stack size in bytes, must fit 24 bits.
	StackSize uint32
	// JumpTable is the ordered sequence of 32-bit code offsets indexed
	// by indirect-jump instructions as (value+offset)/2-1 (glossary
	// "Jump table").
	JumpTable []uint32
	// Instructions is the already-encoded target-VM instruction stream,
	// entry header included (SPEC_FULL.md §4.I).
	Instructions []byte
}

// ComputeHeapPages floors a WASM module's declared initial linear-memory
// page count to MinHeapPages (SPEC_FULL.md §6).
func ComputeHeapPages(wasmInitialPages uint32) uint16 {
	if wasmInitialPages < MinHeapPages {
		return MinHeapPages
	}
	if wasmInitialPages > 0xFFFF {
		return 0xFFFF
	}
	return uint16(wasmInitialPages)
}

// Encode serializes img into the SPI byte layout. Trailing zero bytes of
// RWData are trimmed before encoding, since the target VM host
// zero-initializes heap memory (SPEC_FULL.md §6).
func Encode(img Image) ([]byte, error) {
	rw := trimTrailingZeros(img.RWData)
	if len(img.ROData) > maxU24 {
		return nil, compileerr.New(compileerr.Internal, "RO data length %d exceeds 24-bit field", len(img.ROData))
	}
	if len(rw) > maxU24 {
		return nil, compileerr.New(compileerr.Internal, "RW data length %d exceeds 24-bit field", len(rw))
	}
	if img.StackSize > maxU24 {
		return nil, compileerr.New(compileerr.Internal, "stack size %d exceeds 24-bit field", img.StackSize)
	}

	code, err := encodeCode(img.JumpTable, img.Instructions)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 15+len(img.ROData)+len(rw)+len(code))
	out = putU24(out, len(img.ROData))
	out = putU24(out, len(rw))
	out = putU16(out, img.HeapPages)
	out = putU24(out, int(img.StackSize))
	out = append(out, img.ROData...)
	out = append(out, rw...)
	out = putU32(out, len(code))
	out = append(out, code...)
	return out, nil
}

// encodeCode builds the code blob: jump-table length, item-size byte
// (always 4), instruction-stream length, jump-table entries, the
// instruction stream, and the instruction-start bitmask (SPEC_FULL.md
// §6).
func encodeCode(jumpTable []uint32, instrs []byte) ([]byte, error) {
	mask, err := isa.InstructionStartMask(instrs)
	if err != nil {
		return nil, compileerr.Wrap(compileerr.InvalidEncoding, err)
	}

	code := leb128.EncodeUint32(nil, uint32(len(jumpTable)))
	code = append(code, 4)
	code = leb128.EncodeUint32(code, uint32(len(instrs)))
	for _, off := range jumpTable {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], off)
		code = append(code, buf[:]...)
	}
	code = append(code, instrs...)
	code = append(code, mask...)
	return code, nil
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

func putU16(dst []byte, v uint16) []byte {
	return append(dst, byte(v), byte(v>>8))
}

func putU24(dst []byte, v int) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16))
}

func putU32(dst []byte, v int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(dst, buf[:]...)
}
