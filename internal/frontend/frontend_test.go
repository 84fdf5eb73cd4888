package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/ssa"
	"wasm2pvm/internal/wasm"
)

// assembleAddOne builds the raw instruction bytes for:
//
//	local.get 0
//	i32.const 1
//	i32.add
//	end
func assembleAddOne() []byte {
	return []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
}

func TestCompiler_straightLineAdd(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FunctionType{{
			Params:  []wasm.ValueType{wasm.ValueTypeI32},
			Results: []wasm.ValueType{wasm.ValueTypeI32},
		}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: assembleAddOne()}},
		Start:     -1,
	}
	b := ssa.NewBuilder()
	c := NewCompiler(m, b)
	c.Init(0, &m.Types[0], nil, m.Functions[0].Body)
	require.NoError(t, c.LowerToSSA())

	var sawAdd, sawReturn bool
	for _, blk := range b.Blocks() {
		for instr := blk.Root(); instr != nil; instr = instr.Next() {
			switch instr.Opcode() {
			case ssa.OpcodeIadd:
				sawAdd = true
			case ssa.OpcodeReturn:
				sawReturn = true
			}
		}
	}
	require.True(t, sawAdd, "expected an iadd instruction")
	require.True(t, sawReturn, "expected a return instruction")
}

// assembleIfElse builds:
//
//	local.get 0
//	if (result i32)
//	  i32.const 10
//	else
//	  i32.const 20
//	end
//	end
func assembleIfElse() []byte {
	return []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeIf), byte(wasm.ValueTypeI32),
		byte(wasm.OpcodeI32Const), 10,
		byte(wasm.OpcodeElse),
		byte(wasm.OpcodeI32Const), 20,
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeEnd),
	}
}

func TestCompiler_ifElseMergesWithBlockParam(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FunctionType{{
			Params:  []wasm.ValueType{wasm.ValueTypeI32},
			Results: []wasm.ValueType{wasm.ValueTypeI32},
		}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: assembleIfElse()}},
		Start:     -1,
	}
	b := ssa.NewBuilder()
	c := NewCompiler(m, b)
	c.Init(0, &m.Types[0], nil, m.Functions[0].Body)
	require.NoError(t, c.LowerToSSA())

	var mergeParams int
	for _, blk := range b.Blocks() {
		if blk.Params() > mergeParams {
			mergeParams = blk.Params()
		}
	}
	require.Equal(t, 1, mergeParams, "the if/else merge block should carry exactly one block parameter")
}
