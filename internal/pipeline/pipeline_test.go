package pipeline

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/leb128"
	"wasm2pvm/internal/wasm"
)

func i32i32Type() wasm.FunctionType {
	return wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
}

func i32Type() wasm.FunctionType {
	return wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
}

// requireCompiles runs CompileModule and checks it succeeds, produces a
// non-empty image, and is deterministic: the same module compiled twice
// yields byte-identical output.
func requireCompiles(t *testing.T, m *wasm.Module) []byte {
	t.Helper()
	out, err := CompileModule(m, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, out)

	again, err := CompileModule(m, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, out, again, "compiling the same module twice must be deterministic")
	return out
}

// TestCompile_Add exercises the whole pipeline through the raw binary
// decoder (component C), hand-assembling the minimal module
//
//	(func (export "_start") (param i32 i32) (result i32)
//	  local.get 0
//	  local.get 1
//	  i32.add)
func TestCompile_Add(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	raw := assembleModule(t, body)

	out, err := Compile(raw, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, out)

	again, err := Compile(raw, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestCompile_MalformedInput(t *testing.T) {
	_, err := Compile([]byte{0x00, 0x01, 0x02}, Options{}, zerolog.Nop())
	require.Error(t, err)
}

// TestCompileModule_Factorial exercises a loop-free recursive function:
//
//	(func (export "_start") (param $n i32) (result i32)
//	  local.get $n
//	  i32.eqz
//	  if (result i32)
//	    i32.const 1
//	  else
//	    local.get $n
//	    local.get $n
//	    i32.const 1
//	    i32.sub
//	    call 0
//	    i32.mul
//	  end)
func TestCompileModule_Factorial(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Eqz),
		byte(wasm.OpcodeIf), byte(wasm.ValueTypeI32),
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeElse),
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeI32Sub),
		byte(wasm.OpcodeCall), 0x00,
		byte(wasm.OpcodeI32Mul),
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Exports:   []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}
	requireCompiles(t, m)
}

// TestCompileModule_Fibonacci exercises a function with two recursive
// call sites in the same basic block:
//
//	(func (export "_start") (param $n i32) (result i32)
//	  local.get $n
//	  i32.const 2
//	  i32.lt_s
//	  if (result i32)
//	    local.get $n
//	  else
//	    local.get $n
//	    i32.const 1
//	    i32.sub
//	    call 0
//	    local.get $n
//	    i32.const 2
//	    i32.sub
//	    call 0
//	    i32.add
//	  end)
func TestCompileModule_Fibonacci(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x02,
		byte(wasm.OpcodeI32LtS),
		byte(wasm.OpcodeIf), byte(wasm.ValueTypeI32),
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeElse),
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeI32Sub),
		byte(wasm.OpcodeCall), 0x00,
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x02,
		byte(wasm.OpcodeI32Sub),
		byte(wasm.OpcodeCall), 0x00,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Exports:   []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}
	requireCompiles(t, m)
}

// TestCompileModule_GCD exercises a two-parameter recursive function:
//
//	(func (export "_start") (param $a i32) (param $b i32) (result i32)
//	  local.get $b
//	  i32.eqz
//	  if (result i32)
//	    local.get $a
//	  else
//	    local.get $b
//	    local.get $a
//	    local.get $b
//	    i32.rem_u
//	    call 0
//	  end)
func TestCompileModule_GCD(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeI32Eqz),
		byte(wasm.OpcodeIf), byte(wasm.ValueTypeI32),
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeElse),
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeI32RemU),
		byte(wasm.OpcodeCall), 0x00,
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Exports:   []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}
	requireCompiles(t, m)
}

// TestCompileModule_IndirectCall exercises the function-table/dispatch
// path: "_start" calls "double" through table slot 0 via call_indirect.
//
//	(func $double (param i32) (result i32)
//	  local.get 0
//	  local.get 0
//	  i32.add)
//	(func (export "_start") (param i32) (result i32)
//	  local.get 0
//	  i32.const 0
//	  call_indirect (type 0))
func TestCompileModule_IndirectCall(t *testing.T) {
	doubleBody := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	startBody := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x00,
		byte(wasm.OpcodeCallIndirect), 0x00, 0x00,
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types: []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{
			{TypeIndex: 0, Body: doubleBody},
			{TypeIndex: 0, Body: startBody},
		},
		Tables:  []wasm.Table{{Size: 1}},
		Exports: []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 1}},
		Elements: []wasm.Element{
			{Offset: wasm.ConstExpr{Kind: wasm.ConstExprI32, ValueI32: 0}, FuncIndex: []uint32{0}},
		},
		Start: -1,
	}
	requireCompiles(t, m)
}

// TestCompileModule_BrTable exercises wasm's multi-way branch:
//
//	(func (export "_start") (param $sel i32) (result i32) (local $result i32)
//	  block
//	    block
//	      local.get $sel
//	      br_table 0 1
//	    end
//	    i32.const 7
//	    local.set $result
//	  end
//	  local.get $result)
func TestCompileModule_BrTable(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeBlock), wasm.BlockTypeEmpty,
		byte(wasm.OpcodeBlock), wasm.BlockTypeEmpty,
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeBrTable), 0x01, 0x00, 0x01,
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeI32Const), 0x07,
		byte(wasm.OpcodeLocalSet), 0x01,
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Locals: []wasm.ValueType{wasm.ValueTypeI32}, Body: body}},
		Exports:   []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}
	requireCompiles(t, m)
}

// TestCompileModule_EntryViaStartSection covers chooseEntryFunction's
// fallback to the WASM start section when no export names "_start" (or
// anything else).
func TestCompileModule_EntryViaStartSection(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x05,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Start:     0,
	}
	requireCompiles(t, m)
}

// TestCompileModule_EntryViaSoleFunction covers chooseEntryFunction's last
// resort: a module with exactly one defined function, no exports, and no
// start section.
func TestCompileModule_EntryViaSoleFunction(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x05,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Start:     -1,
	}
	requireCompiles(t, m)
}

func TestCompileModule_NoEntryPointIsUnsupported(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FunctionType{i32Type()},
		Functions: []wasm.Function{
			{TypeIndex: 0, Body: []byte{byte(wasm.OpcodeLocalGet), 0x00, byte(wasm.OpcodeEnd)}},
			{TypeIndex: 0, Body: []byte{byte(wasm.OpcodeLocalGet), 0x00, byte(wasm.OpcodeEnd)}},
		},
		Start: -1,
	}
	_, err := CompileModule(m, Options{}, zerolog.Nop())
	require.Error(t, err)
}

// TestCompileModule_HeaderJumpsToEntry decodes the 6-byte program header
// that encodeHeader produces and checks it is an unconditional jump to
// the byte right after it, then checks the module compiles.
func TestCompileModule_HeaderJumpsToEntry(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeLocalGet), 0x01,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32i32Type()},
		Functions: []wasm.Function{{TypeIndex: 0, Body: body}},
		Exports:   []wasm.Export{{Name: "_start", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}
	header := encodeHeader(headerLen)
	instr, n, err := isa.Decode(header)
	require.NoError(t, err)
	require.Equal(t, headerLen, n)
	require.Equal(t, isa.OpJump, instr.Op)
	require.Equal(t, int64(headerLen), instr.Imm0)

	requireCompiles(t, m)
}

// section builds one WASM section: an id byte, a LEB128 length prefix,
// then payload.
func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = leb128.EncodeUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

// assembleModule hand-assembles a complete, minimal WASM binary
// declaring a single function of type body's signature (always
// (i32,i32)->i32 here), exported as "_start".
func assembleModule(t *testing.T, body []byte) []byte {
	t.Helper()

	var typeSection []byte
	typeSection = leb128.EncodeUint32(typeSection, 1) // 1 type
	typeSection = append(typeSection, 0x60)
	typeSection = leb128.EncodeUint32(typeSection, 2) // 2 params
	typeSection = append(typeSection, byte(wasm.ValueTypeI32), byte(wasm.ValueTypeI32))
	typeSection = leb128.EncodeUint32(typeSection, 1) // 1 result
	typeSection = append(typeSection, byte(wasm.ValueTypeI32))

	var funcSection []byte
	funcSection = leb128.EncodeUint32(funcSection, 1) // 1 function
	funcSection = leb128.EncodeUint32(funcSection, 0) // type index 0

	var exportSection []byte
	exportSection = leb128.EncodeUint32(exportSection, 1) // 1 export
	name := "_start"
	exportSection = leb128.EncodeUint32(exportSection, uint32(len(name)))
	exportSection = append(exportSection, name...)
	exportSection = append(exportSection, 0x00) // kind: func
	exportSection = leb128.EncodeUint32(exportSection, 0)

	var fnBody []byte
	fnBody = leb128.EncodeUint32(fnBody, 0) // 0 local-decl runs
	fnBody = append(fnBody, body...)

	var codeSection []byte
	codeSection = leb128.EncodeUint32(codeSection, 1) // 1 function body
	codeSection = leb128.EncodeUint32(codeSection, uint32(len(fnBody)))
	codeSection = append(codeSection, fnBody...)

	raw := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	raw = append(raw, section(1, typeSection)...)
	raw = append(raw, section(3, funcSection)...)
	raw = append(raw, section(7, exportSection)...)
	raw = append(raw, section(10, codeSection)...)
	return raw
}
