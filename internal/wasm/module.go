// Package wasm holds the WASM-level module representation (spec §3,
// "Module (WASM-level)") produced by the binary ingestor in
// internal/wasm/binary. The representation is immutable once returned
// from Decode: no later stage mutates a *Module in place, mirroring the
// teacher's split between internal/wasm (module representation) and
// internal/wasm/binary (codec).
package wasm

// ValueType is a WASM value kind. Only the integer kinds are in scope
// (spec §1 Non-goals: no floating point); the decoder rejects F32/F64/V128
// anywhere they would reach live code, but still recognizes the byte
// values below so it can produce an Unsupported diagnostic rather than a
// MalformedModule one.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// IsInteger reports whether v is one this compiler can represent.
func (v ValueType) IsInteger() bool { return v == ValueTypeI32 || v == ValueTypeI64 }

// FunctionType is a type signature: a tuple of parameter kinds and a tuple
// of result kinds. Multi-value returns are not supported (spec §9 Open
// Questions): neither the ingestor nor the frontend rejects a signature
// with len(Results) > 1, but the backend's calling convention carries at
// most one result (FunctionABI.ResultReg).
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

func (t *FunctionType) Equal(o *FunctionType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i, p := range t.Params {
		if p != o.Params[i] {
			return false
		}
	}
	for i, r := range t.Results {
		if r != o.Results[i] {
			return false
		}
	}
	return true
}

// ImportKind distinguishes the four importable/exportable item kinds.
type ImportKind byte

const (
	ImportKindFunc ImportKind = iota
	ImportKindTable
	ImportKindMemory
	ImportKindGlobal
)

// Import is a single entry of the WASM import section.
type Import struct {
	Module, Name string
	Kind         ImportKind
	// TypeIndex is valid when Kind == ImportKindFunc.
	TypeIndex uint32
}

// Export is a single entry of the WASM export section.
type Export struct {
	Name  string
	Kind  ImportKind
	Index uint32
}

// Function is a declared (non-imported) function body: its declared type
// plus the raw local-count vector and operator stream, left undecoded
// until the frontend walks it (spec §4.C: "extracts the operator sequence
// and the local-count vector").
type Function struct {
	TypeIndex uint32
	// Locals lists the additional local slots beyond the parameters, in
	// declaration order, each an (count, type) run as WASM encodes them
	// but expanded here to one entry per local for simplicity of
	// consumption by the frontend.
	Locals []ValueType
	Body   []byte
	// Name is populated from the optional custom "name" section when
	// present; empty otherwise. Used only for diagnostics.
	Name string
}

// GlobalType describes a global's value kind and mutability.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a module-level global defined with a constant initializer
// expression. Imported globals appear only in Module.Imports and have no
// entry of this type.
type Global struct {
	Type GlobalType
	// Init holds the decoded constant initializer: either a literal value
	// (ConstI32/ConstI64) or a global.get of an imported immutable global
	// (GlobalIndex >= 0).
	Init ConstExpr
}

// ConstExprKind distinguishes the three forms of constant initializer WASM
// allows for globals, table offsets, and data offsets.
type ConstExprKind byte

const (
	ConstExprI32 ConstExprKind = iota
	ConstExprI64
	ConstExprGlobalGet
)

type ConstExpr struct {
	Kind        ConstExprKind
	ValueI32    int32
	ValueI64    int64
	GlobalIndex uint32
}

// Memory is the module's single linear memory declaration.
type Memory struct {
	Min uint32
	Max uint32 // valid when HasMax
	HasMax bool
}

// Table is the module's single function table declaration.
type Table struct {
	Size uint32
}

// Element is one entry of the WASM element section: a constant table
// offset plus the sequence of function indices to place starting there.
type Element struct {
	Offset    ConstExpr
	FuncIndex []uint32
}

// Data is one entry of the WASM data section: a constant memory offset
// plus the raw bytes to place starting there. Passive segments (used only
// by bulk-memory `memory.init`, out of scope beyond `memory.fill`/
// `memory.copy` per spec §4.E) are recorded with Passive=true and no
// Offset.
type Data struct {
	Passive bool
	Offset  ConstExpr
	Bytes   []byte
}

// Module is the fully parsed, validated, and still-unresolved WASM module.
// "Unresolved" means imports have not yet been run through the adapter
// merge or static import map (component D); that happens after Decode
// returns, producing a second Module value with Imports trimmed to
// whatever remains unresolved (should be none, or compilation fails).
type Module struct {
	Types     []FunctionType
	Imports   []Import
	Functions []Function
	Tables    []Table
	Memory    *Memory // nil if the module declares no memory
	Globals   []Global
	Exports   []Export
	// Start is the start function index, or -1 if none.
	Start    int64
	Elements []Element
	Data     []Data
}

// TypeOf returns the function type backing function index idx, where idx
// indexes the combined (imported-functions ++ defined-functions) space,
// matching the WASM index space convention.
func (m *Module) TypeOf(idx uint32) *FunctionType {
	var ti uint32
	nImportFuncs := uint32(0)
	for _, im := range m.Imports {
		if im.Kind == ImportKindFunc {
			if nImportFuncs == idx {
				ti = im.TypeIndex
				return &m.Types[ti]
			}
			nImportFuncs++
		}
	}
	defIdx := idx - nImportFuncs
	ti = m.Functions[defIdx].TypeIndex
	return &m.Types[ti]
}

// NumImportedFunctions returns the count of function-kind imports, i.e.
// the size of the imported-function index space preceding defined
// functions.
func (m *Module) NumImportedFunctions() uint32 {
	var n uint32
	for _, im := range m.Imports {
		if im.Kind == ImportKindFunc {
			n++
		}
	}
	return n
}

// IsImportedFunction reports whether function index idx refers to an
// import rather than a defined function.
func (m *Module) IsImportedFunction(idx uint32) bool {
	return idx < m.NumImportedFunctions()
}
