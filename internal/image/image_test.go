package image

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/isa"
)

func encodeOne(t *testing.T, in isa.Instruction) []byte {
	t.Helper()
	return isa.Encode(nil, &in)
}

func TestEncodeLayout(t *testing.T) {
	instrs := append(
		encodeOne(t, isa.Instruction{Op: isa.OpAddImm32, Rd: isa.RegS0, Imm0: 1}),
		encodeOne(t, isa.Instruction{Op: isa.OpTrap})...,
	)

	img := Image{
		ROData:       []byte{1, 2, 3, 4},
		RWData:       []byte{5, 6, 7, 0, 0, 0},
		HeapPages:    16,
		StackSize:    0x10000,
		JumpTable:    []uint32{0, 4},
		Instructions: instrs,
	}

	out, err := Encode(img)
	require.NoError(t, err)

	require.Equal(t, uint32(4), readU24(out[0:3]))
	// RW data length after trimming trailing zeros is 3, not 6.
	require.Equal(t, uint32(3), readU24(out[3:6]))
	require.Equal(t, uint16(16), binary.LittleEndian.Uint16(out[6:8]))
	require.Equal(t, uint32(0x10000), readU24(out[8:11]))
	require.Equal(t, []byte{1, 2, 3, 4}, out[11:15])
	require.Equal(t, []byte{5, 6, 7}, out[15:18])

	codeLen := binary.LittleEndian.Uint32(out[18:22])
	code := out[22 : 22+int(codeLen)]
	require.Len(t, out, 22+int(codeLen))

	// jump-table length leb128(2), item size 4, instr-stream length leb128.
	require.Equal(t, byte(2), code[0])
	require.Equal(t, byte(4), code[1])
	require.Equal(t, byte(len(instrs)), code[2])

	entries := code[3:11]
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(entries[0:4]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(entries[4:8]))

	stream := code[11 : 11+len(instrs)]
	require.Equal(t, instrs, stream)

	mask := code[11+len(instrs):]
	require.Len(t, mask, (len(instrs)+7)/8)
}

func TestEncodeRejectsOversizeFields(t *testing.T) {
	_, err := Encode(Image{StackSize: 1 << 24})
	require.Error(t, err)
}

func TestComputeHeapPagesFloors(t *testing.T) {
	require.Equal(t, uint16(MinHeapPages), ComputeHeapPages(0))
	require.Equal(t, uint16(MinHeapPages), ComputeHeapPages(3))
	require.Equal(t, uint16(32), ComputeHeapPages(32))
}

func readU24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
