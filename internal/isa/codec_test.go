package isa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_roundTrip(t *testing.T) {
	cases := []*Instruction{
		{Op: OpTrap},
		{Op: OpFallthrough},
		{Op: OpAdd32, Rd: RegS0, Rs1: RegS1, Rs2: RegT0},
		{Op: OpBswap64, Rd: RegT0, Rs1: RegS0},
		{Op: OpAddImm64, Rd: RegS0, Imm0: -1},
		{Op: OpAddImm64, Rd: RegS0, Imm0: 0},
		{Op: OpAddImm64, Rd: RegS0, Imm0: 1 << 40},
		{Op: OpLoadU32, Rd: RegT0, Rs1: RegSP, Imm0: 40},
		{Op: OpStoreU64, Rs1: RegSP, Rs2: RegT0, Imm0: -8},
		{Op: OpLoadAbsU64, Rd: RegT0, ExtImm: 0x30000},
		{Op: OpStoreAbsU8, Rs1: RegT0, ExtImm: 0xFEFF0000},
		{Op: OpJump, Imm0: 3},
		{Op: OpJumpIndirect, Rs1: RegT0, Imm0: -4},
		{Op: OpLoadImmJump, Rd: RegRA, Imm0: 128, Imm1: 7},
		{Op: OpBranchCompare, Rs1: RegS0, Rs2: RegS1, Imm0: 12, Imm1: int64(BranchCondLtS)},
		{Op: OpECall, Imm0: 5},
		{Op: OpUnknown, Raw: []byte{0xFE}},
	}

	for _, want := range cases {
		buf := Encode(nil, want)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want, got)
	}
}

func TestEncode_minimalImmediateLength(t *testing.T) {
	require.Equal(t, 0, minimalSignedLen(0))
	require.Equal(t, 1, minimalSignedLen(127))
	require.Equal(t, 1, minimalSignedLen(-128))
	require.Equal(t, 2, minimalSignedLen(128))
	require.Equal(t, 2, minimalSignedLen(-129))
	require.Equal(t, 6, minimalSignedLen(1<<40))
}

func TestDecode_unrecognizedOpcodeRoundTripsVerbatim(t *testing.T) {
	raw := []byte{0xFF}
	got, n, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, OpUnknown, got.Op)
	require.Equal(t, raw, got.Raw)
	require.Equal(t, raw, Encode(nil, got))
}

func TestInstructionStartMask(t *testing.T) {
	var stream []byte
	stream = Encode(stream, &Instruction{Op: OpAddImm32, Rd: RegS0, Rs1: RegS0, Imm0: 1})
	stream = Encode(stream, &Instruction{Op: OpTrap})

	mask, err := InstructionStartMask(stream)
	require.NoError(t, err)
	require.Equal(t, (len(stream)+7)/8, len(mask))

	set := func(i int) bool { return mask[i/8]&(1<<uint(i%8)) != 0 }
	require.True(t, set(0), "byte 0 starts the add32.imm instruction")
	require.True(t, set(len(stream)-1), "the trap opcode byte is the last byte and starts an instruction")
	if len(stream) > 1 {
		require.False(t, set(1), "byte 1 is an operand, not an opcode")
	}
}

func TestDestRegisterAndSourceRegisters(t *testing.T) {
	add := &Instruction{Op: OpAdd32, Rd: RegS0, Rs1: RegS1, Rs2: RegT0}
	d, ok := add.DestRegister()
	require.True(t, ok)
	require.Equal(t, RegS0, d)
	require.ElementsMatch(t, []Reg{RegS1, RegT0}, add.SourceRegisters())

	store := &Instruction{Op: OpStoreU64, Rs1: RegSP, Rs2: RegT0, Imm0: 0}
	_, ok = store.DestRegister()
	require.False(t, ok)
	require.ElementsMatch(t, []Reg{RegSP, RegT0}, store.SourceRegisters())
}

func TestIsBlockTerminator(t *testing.T) {
	require.True(t, (&Instruction{Op: OpTrap}).IsBlockTerminator())
	require.True(t, (&Instruction{Op: OpFallthrough}).IsBlockTerminator())
	require.True(t, (&Instruction{Op: OpJump}).IsBlockTerminator())
	require.True(t, (&Instruction{Op: OpLoadImmJump}).IsBlockTerminator())
	require.True(t, (&Instruction{Op: OpBranchCompare}).IsBlockTerminator())
	require.False(t, (&Instruction{Op: OpAdd32}).IsBlockTerminator())
}
