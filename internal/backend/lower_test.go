package backend

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

// identityFuncRef treats every ssa.FuncRef as a direct module function
// index, the same mapping internal/pipeline.lowerAllFunctions wires in.
func identityFuncRef(ref ssa.FuncRef) (uint32, bool) { return uint32(ref), true }

func buildAddFunction() (ssa.Builder, *ssa.Signature) {
	sig := &ssa.Signature{Params: []ssa.Type{ssa.TypeI32, ssa.TypeI32}, Results: []ssa.Type{ssa.TypeI32}}
	b := ssa.NewBuilder()
	b.Init(sig)
	entry := b.EntryBlock()
	p0 := b.AddBlockParam(entry, ssa.TypeI32)
	p1 := b.AddBlockParam(entry, ssa.TypeI32)
	sum := b.BinOp(ssa.OpcodeIadd, ssa.TypeI32, p0, p1)
	b.Return(sum)
	b.SealBlock(entry)
	return b, sig
}

func TestLower_LeafFunction(t *testing.T) {
	b, sig := buildAddFunction()

	lowered, err := Lower(0, sig, b, identityFuncRef, false, isa.StackSegmentEnd, false, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, lowered.IsLeaf)
	require.Empty(t, lowered.Fixups)
	require.NotEmpty(t, lowered.Instrs)
	require.Equal(t, uint32(0), lowered.FuncIndex)
	require.NotNil(t, lowered.ABI)
	require.True(t, lowered.ABI.HasResult)

	for _, ins := range lowered.Instrs {
		require.NotEqual(t, isa.OpUnknown, ins.Op)
	}
}

func TestLower_DisableRegisterCacheStillLowers(t *testing.T) {
	b, sig := buildAddFunction()
	lowered, err := Lower(0, sig, b, identityFuncRef, false, isa.StackSegmentEnd, true, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, lowered.IsLeaf)
	require.NotEmpty(t, lowered.Instrs)
}

func TestLower_EntryFunctionSkipsStackCheck(t *testing.T) {
	bEntry, sig := buildAddFunction()
	loweredEntry, err := Lower(0, sig, bEntry, identityFuncRef, true, isa.StackSegmentEnd, false, zerolog.Nop())
	require.NoError(t, err)

	bNonEntry, sig2 := buildAddFunction()
	loweredNonEntry, err := Lower(0, sig2, bNonEntry, identityFuncRef, false, isa.StackSegmentEnd, false, zerolog.Nop())
	require.NoError(t, err)

	require.LessOrEqualf(t, len(loweredEntry.Instrs), len(loweredNonEntry.Instrs),
		"an entry function's prologue must never contain more instructions than a non-entry function's")
	require.NotEmpty(t, loweredEntry.Instrs)
}

// buildCallFunction builds a single-param, single-result function whose
// body calls funcIndex 0 (a different function: the caller's test lowers
// it as funcIndex 1) and returns the result, so Lower must emit a FixupDirectCall for the call site.
func buildCallFunction() (ssa.Builder, *ssa.Signature) {
	sig := &ssa.Signature{Params: []ssa.Type{ssa.TypeI32}, Results: []ssa.Type{ssa.TypeI32}}
	b := ssa.NewBuilder()
	b.Init(sig)
	entry := b.EntryBlock()
	p0 := b.AddBlockParam(entry, ssa.TypeI32)
	result := b.Call(ssa.FuncRef(0), sig, []ssa.Value{p0})
	b.Return(result)
	b.SealBlock(entry)
	return b, sig
}

func TestLower_CallSiteProducesFixupAndIsNotLeaf(t *testing.T) {
	b, sig := buildCallFunction()

	lowered, err := Lower(1, sig, b, identityFuncRef, false, isa.StackSegmentEnd, false, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, lowered.IsLeaf)
	require.Len(t, lowered.Fixups, 1)
	require.Equal(t, FixupDirectCall, lowered.Fixups[0].Kind)
	require.Equal(t, uint32(0), lowered.Fixups[0].Callee)
	require.True(t, lowered.Fixups[0].InstrIndex >= 0)
	require.Less(t, lowered.Fixups[0].InstrIndex, len(lowered.Instrs))
}

func TestLower_BranchingFunction(t *testing.T) {
	sig := &ssa.Signature{Params: []ssa.Type{ssa.TypeI32}, Results: []ssa.Type{ssa.TypeI32}}
	b := ssa.NewBuilder()
	b.Init(sig)

	entry := b.EntryBlock()
	taken := b.CreateBlock()
	fall := b.CreateBlock()
	join := b.CreateBlock()

	p0 := b.AddBlockParam(entry, ssa.TypeI32)
	zero := b.Iconst(ssa.TypeI32, 0)
	cond := b.Icmp(ssa.IcmpEq, p0, zero)
	b.BranchIf(false, cond, taken, nil, fall, nil)
	b.SealBlock(entry)

	joinParam := b.AddBlockParam(join, ssa.TypeI32)

	b.SetCurrentBlock(taken)
	one := b.Iconst(ssa.TypeI32, 1)
	b.Jump(join, []ssa.Value{one})
	b.SealBlock(taken)

	b.SetCurrentBlock(fall)
	two := b.Iconst(ssa.TypeI32, 2)
	b.Jump(join, []ssa.Value{two})
	b.SealBlock(fall)

	b.SetCurrentBlock(join)
	b.Return(joinParam)
	b.SealBlock(join)

	lowered, err := Lower(0, sig, b, identityFuncRef, false, isa.StackSegmentEnd, false, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, lowered.IsLeaf)
	require.NotEmpty(t, lowered.Instrs)
}
