package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/wasm"
)

func i32i32() wasm.FunctionType {
	return wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
}

func TestParseImportMap(t *testing.T) {
	m, err := ParseImportMap([]byte("trap_fn = trap\nnop_fn = nop\n# comment\n\n"))
	require.NoError(t, err)
	require.Equal(t, ActionTrap, m["trap_fn"])
	require.Equal(t, ActionNop, m["nop_fn"])
	require.Len(t, m, 2)
}

func TestParseImportMapRejectsUnknownAction(t *testing.T) {
	_, err := ParseImportMap([]byte("x = burn"))
	require.Error(t, err)
}

func TestMergeStaticMapResolvesImport(t *testing.T) {
	main := &wasm.Module{
		Types:   []wasm.FunctionType{i32i32()},
		Imports: []wasm.Import{{Module: "env", Name: "missing_fn", Kind: wasm.ImportKindFunc, TypeIndex: 0}},
		Functions: []wasm.Function{
			{TypeIndex: 0, Body: []byte{0x20, 0x00, 0x10, 0x00, 0x0b}}, // local.get 0; call 0; end
		},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.ImportKindFunc, Index: 1}},
		Start:   -1,
	}

	out, err := Merge(main, nil, map[string]Action{"missing_fn": ActionTrap})
	require.NoError(t, err)
	require.Empty(t, out.Imports)
	require.Len(t, out.Functions, 2)

	// The original function now sits at index 0 and calls the
	// synthesized trap function, appended at index 1.
	require.Equal(t, []byte{0x20, 0x00, 0x10, 0x01, 0x0b}, out.Functions[0].Body)
	require.Equal(t, []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}, out.Functions[1].Body)
	require.Equal(t, uint32(0), out.Exports[0].Index)
}

func TestMergeAdapterReplacesImport(t *testing.T) {
	main := &wasm.Module{
		Types:   []wasm.FunctionType{i32i32()},
		Imports: []wasm.Import{{Module: "env", Name: "double", Kind: wasm.ImportKindFunc, TypeIndex: 0}},
		Functions: []wasm.Function{
			{TypeIndex: 0, Body: []byte{0x20, 0x00, 0x10, 0x00, 0x0b}}, // local.get 0; call 0; end
		},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.ImportKindFunc, Index: 1}},
		Start:   -1,
	}
	adapterMod := &wasm.Module{
		Types: []wasm.FunctionType{i32i32()},
		Functions: []wasm.Function{
			// local.get 0; local.get 0; i32.add; end
			{TypeIndex: 0, Body: []byte{0x20, 0x00, 0x20, 0x00, 0x6a, 0x0b}},
		},
		Exports: []wasm.Export{{Name: "double", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:   -1,
	}

	out, err := Merge(main, adapterMod, nil)
	require.NoError(t, err)
	require.Empty(t, out.Imports)
	require.Len(t, out.Functions, 2)

	require.Equal(t, []byte{0x20, 0x00, 0x10, 0x01, 0x0b}, out.Functions[0].Body)
	require.Equal(t, adapterMod.Functions[0].Body, out.Functions[1].Body)
	require.Equal(t, uint32(0), out.Exports[0].Index)
}

func TestMergeRejectsSignatureMismatch(t *testing.T) {
	main := &wasm.Module{
		Types:     []wasm.FunctionType{i32i32()},
		Imports:   []wasm.Import{{Module: "env", Name: "double", Kind: wasm.ImportKindFunc, TypeIndex: 0}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: []byte{0x0b}}},
		Start:     -1,
	}
	adapterMod := &wasm.Module{
		Types:     []wasm.FunctionType{{Results: []wasm.ValueType{wasm.ValueTypeI32}}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: []byte{0x41, 0x00, 0x0b}}},
		Exports:   []wasm.Export{{Name: "double", Kind: wasm.ImportKindFunc, Index: 0}},
		Start:     -1,
	}

	_, err := Merge(main, adapterMod, nil)
	require.Error(t, err)
	require.True(t, compileerr.Is(err, compileerr.SignatureMismatch))
}

func TestMergeFailsOnUnresolvedImport(t *testing.T) {
	main := &wasm.Module{
		Types:     []wasm.FunctionType{i32i32()},
		Imports:   []wasm.Import{{Module: "env", Name: "mystery", Kind: wasm.ImportKindFunc, TypeIndex: 0}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: []byte{0x0b}}},
		Start:     -1,
	}

	_, err := Merge(main, nil, nil)
	require.Error(t, err)
	require.True(t, compileerr.Is(err, compileerr.UnresolvedImport))
}

func TestMergeLeavesRecognizedIntrinsicUnresolved(t *testing.T) {
	main := &wasm.Module{
		Types:     []wasm.FunctionType{i32i32()},
		Imports:   []wasm.Import{{Module: "env", Name: "host_call", Kind: wasm.ImportKindFunc, TypeIndex: 0}},
		Functions: []wasm.Function{{TypeIndex: 0, Body: []byte{0x20, 0x00, 0x10, 0x00, 0x0b}}},
		Start:     -1,
	}

	out, err := Merge(main, nil, nil)
	require.NoError(t, err)
	require.Len(t, out.Imports, 1)
	require.Equal(t, "host_call", out.Imports[0].Name)
	// The only import remains at function index 0; the defined function
	// shifts to index 1 and its call site is unchanged.
	require.Equal(t, []byte{0x20, 0x00, 0x10, 0x00, 0x0b}, out.Functions[0].Body)
}

func TestMergeRejectsNonIntrinsicAdapterImport(t *testing.T) {
	main := &wasm.Module{Types: []wasm.FunctionType{i32i32()}, Start: -1}
	adapterMod := &wasm.Module{
		Imports: []wasm.Import{{Module: "env", Name: "something_else", Kind: wasm.ImportKindFunc}},
		Start:   -1,
	}

	_, err := Merge(main, adapterMod, nil)
	require.Error(t, err)
	require.True(t, compileerr.Is(err, compileerr.Unsupported))
}
