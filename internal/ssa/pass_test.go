package ssa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPassDeadCode_removesUnusedPureValue(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{Results: []Type{TypeI32}})
	entry := b.EntryBlock()
	b.SetCurrentBlock(entry)
	unused := b.Iconst(TypeI32, 99)
	kept := b.Iconst(TypeI32, 1)
	b.Return(kept)

	runPass(b.(*builder), "dead-code")

	eb := entry.(*basicBlock)
	for instr := eb.root; instr != nil; instr = instr.next {
		require.NotEqual(t, unused, instr.rValue, "dead-code must remove the unused constant")
	}
}

func TestPassDeadCode_keepsSideEffectingGlobalSet(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{})
	entry := b.EntryBlock()
	b.SetCurrentBlock(entry)
	b.GlobalSet(0, b.Iconst(TypeI32, 1))
	b.Return(ValueInvalid)

	runPass(b.(*builder), "dead-code")

	eb := entry.(*basicBlock)
	var sawSet bool
	for instr := eb.root; instr != nil; instr = instr.next {
		if instr.opcode == OpcodeGlobalSet {
			sawSet = true
		}
	}
	require.True(t, sawSet, "global.set must survive dead-code even with no Value users")
}

func TestRunPass_unknownPanics(t *testing.T) {
	b := NewBuilder().(*builder)
	require.Panics(t, func() { runPass(b, "not-a-real-pass") })
}

func TestSplitPassName(t *testing.T) {
	base, param := splitPassName("inst-combine<max-iters=2>")
	require.Equal(t, "inst-combine", base)
	require.Equal(t, "2", param)

	base, param = splitPassName("simplify-cfg")
	require.Equal(t, "simplify-cfg", base)
	require.Equal(t, "", param)
}
