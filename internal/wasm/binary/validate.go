package binary

import (
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/wasm"
)

// validate checks the index-space invariants spec §4.C requires the
// ingestor to enforce: type/function/global indices in range, and
// element-segment function indices in range. It does not validate
// operator bodies — that is the frontend's job (spec §4.E), since it
// requires walking the operator stream with a type stack.
func validate(m *wasm.Module) error {
	numFuncs := m.NumImportedFunctions() + uint32(len(m.Functions))
	numGlobals := uint32(len(m.Globals)) // imported globals are counted separately below
	var numImportedGlobals uint32
	for _, im := range m.Imports {
		if im.Kind == wasm.ImportKindGlobal {
			numImportedGlobals++
		}
		if im.Kind == wasm.ImportKindFunc && int(im.TypeIndex) >= len(m.Types) {
			return compileerr.New(compileerr.MalformedModule, "import %q.%q: type index %d out of range", im.Module, im.Name, im.TypeIndex)
		}
	}
	numGlobals += numImportedGlobals

	for i, fn := range m.Functions {
		if int(fn.TypeIndex) >= len(m.Types) {
			return compileerr.New(compileerr.MalformedModule, "function %d: type index %d out of range", i, fn.TypeIndex)
		}
	}
	for i, g := range m.Globals {
		if g.Init.Kind == wasm.ConstExprGlobalGet && g.Init.GlobalIndex >= numImportedGlobals {
			return compileerr.New(compileerr.MalformedModule, "global %d: initializer references non-imported global %d", i, g.Init.GlobalIndex)
		}
		_ = g
	}
	for _, ex := range m.Exports {
		switch ex.Kind {
		case wasm.ImportKindFunc:
			if ex.Index >= numFuncs {
				return compileerr.New(compileerr.MalformedModule, "export %q: function index %d out of range", ex.Name, ex.Index)
			}
		case wasm.ImportKindGlobal:
			if ex.Index >= numGlobals {
				return compileerr.New(compileerr.MalformedModule, "export %q: global index %d out of range", ex.Name, ex.Index)
			}
		case wasm.ImportKindTable:
			if len(m.Tables) == 0 {
				return compileerr.New(compileerr.MalformedModule, "export %q: no table declared", ex.Name)
			}
		case wasm.ImportKindMemory:
			if m.Memory == nil {
				return compileerr.New(compileerr.MalformedModule, "export %q: no memory declared", ex.Name)
			}
		}
	}
	if m.Start >= 0 {
		if uint32(m.Start) >= numFuncs {
			return compileerr.New(compileerr.MalformedModule, "start function index %d out of range", m.Start)
		}
	}
	for i, el := range m.Elements {
		if len(m.Tables) == 0 {
			return compileerr.New(compileerr.TableOutOfRange, "element segment %d: no table declared", i)
		}
		tableSize := m.Tables[0].Size
		if el.Offset.Kind == wasm.ConstExprI32 {
			off := el.Offset.ValueI32
			if off < 0 || uint32(off)+uint32(len(el.FuncIndex)) > tableSize {
				return compileerr.New(compileerr.TableOutOfRange, "element segment %d: [%d,%d) exceeds table size %d", i, off, int(off)+len(el.FuncIndex), tableSize)
			}
		}
		for _, fi := range el.FuncIndex {
			if fi >= numFuncs {
				return compileerr.New(compileerr.MalformedModule, "element segment %d: function index %d out of range", i, fi)
			}
		}
	}
	for i, data := range m.Data {
		if data.Passive {
			continue
		}
		if m.Memory == nil {
			return compileerr.New(compileerr.MalformedModule, "data segment %d: no memory declared", i)
		}
	}
	return nil
}
