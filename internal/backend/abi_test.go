package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

func TestNewFunctionABI_RegisterParams(t *testing.T) {
	sig := &ssa.Signature{Params: []ssa.Type{ssa.TypeI32, ssa.TypeI32}, Results: []ssa.Type{ssa.TypeI32}}
	abi := NewFunctionABI(sig, 3)

	require.Len(t, abi.Params, 2)
	require.True(t, abi.Params[0].InReg)
	require.Equal(t, isa.RegS0, abi.Params[0].Reg)
	require.True(t, abi.Params[1].InReg)
	require.Equal(t, isa.RegS1, abi.Params[1].Reg)
	require.True(t, abi.HasResult)
	require.Equal(t, isa.RegS0, abi.ResultReg)
	require.Equal(t, int64(frameHeaderSize+3*slotSize), abi.FrameSize)
}

func TestNewFunctionABI_OverflowParams(t *testing.T) {
	sig := &ssa.Signature{Params: []ssa.Type{
		ssa.TypeI32, ssa.TypeI32, ssa.TypeI32, ssa.TypeI32, ssa.TypeI32, ssa.TypeI64,
	}}
	abi := NewFunctionABI(sig, 0)

	require.Len(t, abi.Params, 6)
	for i := 0; i < 4; i++ {
		require.Truef(t, abi.Params[i].InReg, "param %d should be in a register", i)
		require.Equal(t, isa.ParamRegs[i], abi.Params[i].Reg)
	}
	require.False(t, abi.Params[4].InReg)
	require.Equal(t, int64(0), abi.Params[4].Overflow)
	require.False(t, abi.Params[5].InReg)
	require.Equal(t, int64(slotSize), abi.Params[5].Overflow)
	require.False(t, abi.HasResult)
}

func TestNewFunctionABI_NoParamsNoResult(t *testing.T) {
	abi := NewFunctionABI(&ssa.Signature{}, 0)
	require.Empty(t, abi.Params)
	require.False(t, abi.HasResult)
	require.Equal(t, int64(frameHeaderSize), abi.FrameSize)
}
