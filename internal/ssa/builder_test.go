package ssa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_straightLineConstFold(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{Results: []Type{TypeI32}})

	entry := b.EntryBlock()
	b.SetCurrentBlock(entry)
	c1 := b.Iconst(TypeI32, 2)
	c2 := b.Iconst(TypeI32, 3)
	sum := b.BinOp(OpcodeIadd, TypeI32, c1, c2)
	b.Return(sum)

	b.RunPasses("global-numbering", "inst-combine<max-iters=2>", "dead-code")

	found := false
	for instr := entry.(*basicBlock).root; instr != nil; instr = instr.next {
		if instr.opcode == OpcodeIconst && instr.rValue == sum {
			require.Equal(t, uint64(5), instr.ConstValue())
			found = true
		}
	}
	require.True(t, found, "expected iadd of two constants to fold into an iconst")
}

func TestBuilder_blockParamsAcrossDiamond(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{Params: []Type{TypeI32}, Results: []Type{TypeI32}})

	entry := b.EntryBlock()
	thenBlk := b.CreateBlock()
	elseBlk := b.CreateBlock()
	merge := b.CreateBlock()

	b.SetCurrentBlock(entry)
	cond := b.AddBlockParam(entry, TypeI32)
	local := b.DeclareVariable(TypeI32)
	b.DefineVariable(local, b.Iconst(TypeI32, 10), entry)
	b.BranchIf(true, cond, elseBlk, nil, thenBlk, nil)

	b.SetCurrentBlock(thenBlk)
	b.DefineVariable(local, b.Iconst(TypeI32, 20), thenBlk)
	b.Jump(merge, nil)
	b.SealBlock(thenBlk)

	b.SetCurrentBlock(elseBlk)
	b.DefineVariable(local, b.Iconst(TypeI32, 30), elseBlk)
	b.Jump(merge, nil)
	b.SealBlock(elseBlk)

	b.SealBlock(entry)
	b.SetCurrentBlock(merge)
	b.SealBlock(merge)
	result := b.FindValue(local)
	b.Return(result)

	mb := merge.(*basicBlock)
	require.Equal(t, 1, mb.Params(), "merge block should have gained exactly one block parameter for local")
	require.Equal(t, result, mb.Param(0))

	for _, pred := range mb.preds {
		term := pred.tail
		require.True(t, term.opcode == OpcodeJump)
		require.Len(t, term.targetArgs[0], 1, "the jump into merge must carry one argument for local's value")
	}
}

func TestBuilder_singlePredNoParam(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{Results: []Type{TypeI32}})

	entry := b.EntryBlock()
	next := b.CreateBlock()

	b.SetCurrentBlock(entry)
	v := b.DeclareVariable(TypeI32)
	b.DefineVariable(v, b.Iconst(TypeI32, 7), entry)
	b.Jump(next, nil)
	b.SealBlock(entry)

	b.SetCurrentBlock(next)
	b.SealBlock(next)
	got := b.FindValue(v)

	nb := next.(*basicBlock)
	require.Equal(t, 0, nb.Params(), "a single-predecessor block must resolve the variable without a block param")
	require.True(t, got.Valid())
}
