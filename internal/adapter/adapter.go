// Package adapter implements the two import-resolution mechanisms that run
// between WASM ingestion and SSA lowering (SPEC_FULL.md §4.D): a
// binary-level merge of an optional adapter module, and a static
// name-to-action map for whatever the adapter leaves unresolved. Grounded
// on the teacher's own two-pass approach to linking host modules into a
// single instantiation (wazero's plugin/host-module instantiation walks
// imports once against supplied host functions, then fails anything left
// over) adapted here to operate on raw WASM bytes rather than in-memory
// function values, since this compiler has no host runtime to bind
// against.
package adapter

import (
	"bufio"
	"bytes"
	"strings"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/leb128"
	"wasm2pvm/internal/wasm"
)

// Action is what the static import map does with an import that neither
// the adapter nor a recognized intrinsic satisfies.
type Action int

const (
	// ActionTrap replaces the import with a body that unconditionally
	// traps.
	ActionTrap Action = iota
	// ActionNop replaces the import with a body that discards its
	// arguments and produces zeroed results.
	ActionNop
)

// recognizedIntrinsics are the two host functions the lowering backend
// special-cases; an import by either name is left in place rather than
// resolved by either mechanism (SPEC_FULL.md §4.D, §4.G).
var recognizedIntrinsics = map[string]bool{"host_call": true, "pvm_ptr": true}

// ParseImportMap parses the newline-delimited `name = action` table
// (SPEC_FULL.md §4.D). Blank lines and lines starting with `#` are
// ignored.
func ParseImportMap(data []byte) (map[string]Action, error) {
	out := make(map[string]Action)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, compileerr.New(compileerr.MalformedModule, "import map line %d: expected `name = action`", i+1)
		}
		name := strings.TrimSpace(line[:eq])
		action := strings.TrimSpace(line[eq+1:])
		switch action {
		case "trap":
			out[name] = ActionTrap
		case "nop":
			out[name] = ActionNop
		default:
			return nil, compileerr.New(compileerr.MalformedModule, "import map line %d: unknown action %q", i+1, action)
		}
	}
	return out, nil
}

type resolutionKind int

const (
	resKept resolutionKind = iota
	resAdapter
	resStatic
)

type resolution struct {
	kind           resolutionKind
	adapterFuncIdx uint32
	synthPos       int
	action         Action
}

// Merge resolves every import of main, in order: a recognized intrinsic
// (host_call/pvm_ptr) is left as an import; otherwise an adapter-export
// match (if adapter is non-nil), then importMap. Any import still
// unresolved after that is a fatal UnresolvedImport. The returned Module shares no backing arrays
// with main or adapter.
func Merge(main *wasm.Module, adapterMod *wasm.Module, importMap map[string]Action) (*wasm.Module, error) {
	if adapterMod != nil {
		for _, im := range adapterMod.Imports {
			if im.Kind != wasm.ImportKindFunc || !recognizedIntrinsics[im.Name] {
				return nil, compileerr.New(compileerr.Unsupported,
					"adapter module may only import the host_call/pvm_ptr intrinsics, found %s.%s", im.Module, im.Name)
			}
		}
	}

	adExports := map[string]uint32{}
	if adapterMod != nil {
		for _, e := range adapterMod.Exports {
			if e.Kind == wasm.ImportKindFunc {
				adExports[e.Name] = e.Index
			}
		}
	}

	numMainFuncImports := main.NumImportedFunctions()
	resolutions := make([]resolution, numMainFuncImports)
	var synthesized []wasm.Function

	k := uint32(0)
	for _, im := range main.Imports {
		if im.Kind != wasm.ImportKindFunc {
			continue
		}
		switch {
		case recognizedIntrinsics[im.Name]:
			resolutions[k] = resolution{kind: resKept}
		case adapterMod != nil && hasAdapterExport(adExports, im.Name):
			adIdx := adExports[im.Name]
			if adIdx < adapterMod.NumImportedFunctions() {
				return nil, compileerr.New(compileerr.Unsupported, "adapter export %q re-exports an import, not supported", im.Name)
			}
			adTyp := adapterMod.TypeOf(adIdx)
			mainTyp := &main.Types[im.TypeIndex]
			if !adTyp.Equal(mainTyp) {
				return nil, compileerr.New(compileerr.SignatureMismatch,
					"adapter export %q has a different signature than import %s.%s", im.Name, im.Module, im.Name)
			}
			resolutions[k] = resolution{kind: resAdapter, adapterFuncIdx: adIdx}
		case importMap != nil && hasAction(importMap, im.Name):
			action := importMap[im.Name]
			typ := &main.Types[im.TypeIndex]
			synthesized = append(synthesized, wasm.Function{
				TypeIndex: im.TypeIndex,
				Body:      synthesizeBody(action, typ),
				Name:      im.Name,
			})
			resolutions[k] = resolution{kind: resStatic, synthPos: len(synthesized) - 1, action: action}
		default:
			resolutions[k] = resolution{kind: resKept}
		}
		k++
	}

	numMainDefined := len(main.Functions)
	numSynth := len(synthesized)
	var adFuncs []wasm.Function
	var numAdFuncImports uint32
	if adapterMod != nil {
		adFuncs = adapterMod.Functions
		numAdFuncImports = adapterMod.NumImportedFunctions()
	}

	// U is the count of main func-import ordinals that remain imports
	// (kept, whether a recognized intrinsic or genuinely unresolved).
	var uMain uint32
	for _, r := range resolutions {
		if r.kind == resKept {
			uMain++
		}
	}
	uTotal := uMain + numAdFuncImports

	mainFuncRemap := func(idx uint32) uint32 {
		if idx < numMainFuncImports {
			r := resolutions[idx]
			switch r.kind {
			case resKept:
				var rank uint32
				for i := uint32(0); i < idx; i++ {
					if resolutions[i].kind == resKept {
						rank++
					}
				}
				return rank
			case resAdapter:
				pos := numMainDefined + numSynth + int(r.adapterFuncIdx-numAdFuncImports)
				return uTotal + uint32(pos)
			default: // resStatic
				pos := numMainDefined + r.synthPos
				return uTotal + uint32(pos)
			}
		}
		definedIdx := int(idx - numMainFuncImports)
		return uTotal + uint32(definedIdx)
	}
	mainGlobalRemap := func(idx uint32) uint32 { return idx }

	adapterFuncRemap := func(idx uint32) uint32 {
		if idx < numAdFuncImports {
			return uMain + idx
		}
		pos := numMainDefined + numSynth + int(idx-numAdFuncImports)
		return uTotal + uint32(pos)
	}
	numMainGlobals := len(main.Globals)
	adapterGlobalRemap := func(idx uint32) uint32 { return uint32(numMainGlobals) + idx }

	out := &wasm.Module{Start: -1}
	out.Types = append(out.Types, main.Types...)
	numMainTypes := uint32(len(main.Types))
	if adapterMod != nil {
		out.Types = append(out.Types, adapterMod.Types...)
	}

	funcOrdinal := uint32(0)
	for _, im := range main.Imports {
		if im.Kind == wasm.ImportKindFunc {
			keep := resolutions[funcOrdinal].kind == resKept
			funcOrdinal++
			if !keep {
				continue
			}
		}
		out.Imports = append(out.Imports, im)
	}
	if adapterMod != nil {
		for _, im := range adapterMod.Imports {
			if im.Kind == wasm.ImportKindFunc {
				im.TypeIndex += numMainTypes
			}
			out.Imports = append(out.Imports, im)
		}
	}

	for _, fn := range main.Functions {
		body, err := remapFuncRefs(fn.Body, mainFuncRemap, mainGlobalRemap)
		if err != nil {
			return nil, err
		}
		out.Functions = append(out.Functions, wasm.Function{TypeIndex: fn.TypeIndex, Locals: fn.Locals, Body: body, Name: fn.Name})
	}
	out.Functions = append(out.Functions, synthesized...)
	for _, fn := range adFuncs {
		body, err := remapFuncRefs(fn.Body, adapterFuncRemap, adapterGlobalRemap)
		if err != nil {
			return nil, err
		}
		out.Functions = append(out.Functions, wasm.Function{TypeIndex: fn.TypeIndex + numMainTypes, Locals: fn.Locals, Body: body, Name: fn.Name})
	}

	out.Globals = append(out.Globals, main.Globals...)
	if adapterMod != nil {
		for _, g := range adapterMod.Globals {
			out.Globals = append(out.Globals, wasm.Global{
				Type: g.Type,
				Init: remapConstExpr(g.Init, adapterGlobalRemap),
			})
		}
	}

	out.Tables = append(out.Tables, main.Tables...)
	if adapterMod != nil && len(adapterMod.Tables) > 0 {
		if len(out.Tables) > 0 {
			return nil, compileerr.New(compileerr.Unsupported, "adapter declares a function table but the main module already has one")
		}
		out.Tables = append(out.Tables, adapterMod.Tables...)
	}

	var tableSize uint32
	if len(out.Tables) > 0 {
		tableSize = out.Tables[0].Size
	}

	for _, e := range main.Elements {
		remapped := wasm.Element{Offset: remapConstExpr(e.Offset, mainGlobalRemap)}
		for _, fi := range e.FuncIndex {
			remapped.FuncIndex = append(remapped.FuncIndex, mainFuncRemap(fi))
		}
		if err := checkElementBounds(remapped, tableSize); err != nil {
			return nil, err
		}
		out.Elements = append(out.Elements, remapped)
	}
	if adapterMod != nil {
		for _, e := range adapterMod.Elements {
			remapped := wasm.Element{Offset: remapConstExpr(e.Offset, adapterGlobalRemap)}
			for _, fi := range e.FuncIndex {
				remapped.FuncIndex = append(remapped.FuncIndex, adapterFuncRemap(fi))
			}
			if err := checkElementBounds(remapped, tableSize); err != nil {
				return nil, err
			}
			out.Elements = append(out.Elements, remapped)
		}
	}

	out.Data = append(out.Data, main.Data...)
	if adapterMod != nil {
		for _, d := range adapterMod.Data {
			out.Data = append(out.Data, wasm.Data{
				Passive: d.Passive,
				Offset:  remapConstExpr(d.Offset, adapterGlobalRemap),
				Bytes:   d.Bytes,
			})
		}
	}

	if main.Memory != nil {
		m := *main.Memory
		out.Memory = &m
	}

	for _, e := range main.Exports {
		remapped := e
		if e.Kind == wasm.ImportKindFunc {
			remapped.Index = mainFuncRemap(e.Index)
		}
		out.Exports = append(out.Exports, remapped)
	}

	if main.Start >= 0 {
		out.Start = int64(mainFuncRemap(uint32(main.Start)))
	}

	for _, im := range out.Imports {
		if im.Kind != wasm.ImportKindFunc || !recognizedIntrinsics[im.Name] {
			return nil, compileerr.New(compileerr.UnresolvedImport,
				"import %s.%s has no adapter, no static-map entry, and is not a recognized intrinsic", im.Module, im.Name)
		}
	}

	return out, nil
}

func hasAdapterExport(m map[string]uint32, name string) bool { _, ok := m[name]; return ok }
func hasAction(m map[string]Action, name string) bool        { _, ok := m[name]; return ok }

func checkElementBounds(e wasm.Element, tableSize uint32) error {
	if e.Offset.Kind != wasm.ConstExprI32 {
		return nil
	}
	end := uint64(uint32(e.Offset.ValueI32)) + uint64(len(e.FuncIndex))
	if end > uint64(tableSize) {
		return compileerr.New(compileerr.TableOutOfRange, "element segment [%d, %d) exceeds table size %d", e.Offset.ValueI32, end, tableSize)
	}
	return nil
}

func remapConstExpr(ce wasm.ConstExpr, globalRemap func(uint32) uint32) wasm.ConstExpr {
	if ce.Kind == wasm.ConstExprGlobalGet {
		ce.GlobalIndex = globalRemap(ce.GlobalIndex)
	}
	return ce
}

// synthesizeBody builds the operator stream for a static-import-map
// action: `trap` produces an infinite-loop-free unreachable trap, `nop`
// discards arguments (already absent from a freshly emitted body; WASM
// locals aren't referenced) and pushes a zeroed constant per result.
func synthesizeBody(action Action, typ *wasm.FunctionType) []byte {
	var body []byte
	switch action {
	case ActionTrap:
		body = append(body, wasm.OpcodeUnreachable)
	case ActionNop:
		for _, r := range typ.Results {
			switch r {
			case wasm.ValueTypeI64:
				body = append(body, wasm.OpcodeI64Const, 0)
			default:
				body = append(body, wasm.OpcodeI32Const, 0)
			}
		}
	}
	body = append(body, wasm.OpcodeEnd)
	return body
}

// remapFuncRefs walks a raw WASM operator stream, rewriting every
// function-index operand (`call`) through funcRemap and every
// global-index operand (`global.get`/`global.set`) through globalRemap,
// re-encoding every other operand unchanged. Mirrors the opcode dispatch
// of internal/frontend/lower.go's lowerOne, since both walk the same
// operand shapes; this walker copies bytes instead of building SSA.
func remapFuncRefs(body []byte, funcRemap func(uint32) uint32, globalRemap func(uint32) uint32) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(*compileerr.Error); ok {
				err = ce
				return
			}
			panic(r)
		}
	}()

	r := bufio.NewReader(bytes.NewReader(body))
	depth := 1
	for depth > 0 {
		op, rerr := r.ReadByte()
		if rerr != nil {
			panic(compileerr.Wrap(compileerr.MalformedModule, rerr))
		}
		out = append(out, op)

		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			depth++
			out = append(out, readByte(r))
		case wasm.OpcodeEnd:
			depth--
		case wasm.OpcodeElse, wasm.OpcodeUnreachable, wasm.OpcodeNop, wasm.OpcodeDrop, wasm.OpcodeSelect,
			wasm.OpcodeI32Eqz, wasm.OpcodeI64Eqz,
			wasm.OpcodeI32Eq, wasm.OpcodeI32Ne, wasm.OpcodeI32LtS, wasm.OpcodeI32LtU, wasm.OpcodeI32GtS, wasm.OpcodeI32GtU,
			wasm.OpcodeI32LeS, wasm.OpcodeI32LeU, wasm.OpcodeI32GeS, wasm.OpcodeI32GeU,
			wasm.OpcodeI64Eq, wasm.OpcodeI64Ne, wasm.OpcodeI64LtS, wasm.OpcodeI64LtU, wasm.OpcodeI64GtS, wasm.OpcodeI64GtU,
			wasm.OpcodeI64LeS, wasm.OpcodeI64LeU, wasm.OpcodeI64GeS, wasm.OpcodeI64GeU,
			wasm.OpcodeI32Clz, wasm.OpcodeI32Ctz, wasm.OpcodeI32Popcnt,
			wasm.OpcodeI64Clz, wasm.OpcodeI64Ctz, wasm.OpcodeI64Popcnt,
			wasm.OpcodeI32Add, wasm.OpcodeI32Sub, wasm.OpcodeI32Mul, wasm.OpcodeI32DivS, wasm.OpcodeI32DivU,
			wasm.OpcodeI32RemS, wasm.OpcodeI32RemU, wasm.OpcodeI32And, wasm.OpcodeI32Or, wasm.OpcodeI32Xor,
			wasm.OpcodeI32Shl, wasm.OpcodeI32ShrS, wasm.OpcodeI32ShrU, wasm.OpcodeI32Rotl, wasm.OpcodeI32Rotr,
			wasm.OpcodeI64Add, wasm.OpcodeI64Sub, wasm.OpcodeI64Mul, wasm.OpcodeI64DivS, wasm.OpcodeI64DivU,
			wasm.OpcodeI64RemS, wasm.OpcodeI64RemU, wasm.OpcodeI64And, wasm.OpcodeI64Or, wasm.OpcodeI64Xor,
			wasm.OpcodeI64Shl, wasm.OpcodeI64ShrS, wasm.OpcodeI64ShrU, wasm.OpcodeI64Rotl, wasm.OpcodeI64Rotr,
			wasm.OpcodeI32WrapI64, wasm.OpcodeI64ExtendI32S, wasm.OpcodeI64ExtendI32U,
			wasm.OpcodeI32Extend8S, wasm.OpcodeI32Extend16S, wasm.OpcodeI64Extend8S, wasm.OpcodeI64Extend16S, wasm.OpcodeI64Extend32S,
			wasm.OpcodeReturn:
			// no operands
		case wasm.OpcodeBr, wasm.OpcodeBrIf:
			out = leb128.EncodeUint32(out, readU32(r))
		case wasm.OpcodeBrTable:
			count := readU32(r)
			out = leb128.EncodeUint32(out, count)
			for i := uint32(0); i < count; i++ {
				out = leb128.EncodeUint32(out, readU32(r))
			}
			out = leb128.EncodeUint32(out, readU32(r))
		case wasm.OpcodeCall:
			out = leb128.EncodeUint32(out, funcRemap(readU32(r)))
		case wasm.OpcodeCallIndirect:
			out = leb128.EncodeUint32(out, readU32(r))
			out = leb128.EncodeUint32(out, readU32(r))
		case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
			out = leb128.EncodeUint32(out, readU32(r))
		case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
			out = leb128.EncodeUint32(out, globalRemap(readU32(r)))
		case wasm.OpcodeI32Const:
			out = leb128.EncodeInt32(out, readI32(r))
		case wasm.OpcodeI64Const:
			out = leb128.EncodeInt64(out, readI64(r))
		case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
			out = append(out, readByte(r))
		case wasm.OpcodeI32Load, wasm.OpcodeI64Load, wasm.OpcodeI32Load8S, wasm.OpcodeI32Load8U,
			wasm.OpcodeI32Load16S, wasm.OpcodeI32Load16U, wasm.OpcodeI64Load8S, wasm.OpcodeI64Load8U,
			wasm.OpcodeI64Load16S, wasm.OpcodeI64Load16U, wasm.OpcodeI64Load32S, wasm.OpcodeI64Load32U,
			wasm.OpcodeI32Store, wasm.OpcodeI64Store, wasm.OpcodeI32Store8, wasm.OpcodeI32Store16,
			wasm.OpcodeI64Store8, wasm.OpcodeI64Store16, wasm.OpcodeI64Store32:
			out = leb128.EncodeUint32(out, readU32(r))
			out = leb128.EncodeUint32(out, readU32(r))
		default:
			panic(compileerr.New(compileerr.Unsupported, "opcode 0x%x not recognized by the adapter operand walker", op))
		}
	}
	return out, nil
}

func readByte(r *bufio.Reader) byte {
	b, err := r.ReadByte()
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return b
}

func readU32(r *bufio.Reader) uint32 {
	v, _, err := leb128.DecodeUint32(r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}

func readI32(r *bufio.Reader) int32 {
	v, _, err := leb128.DecodeInt32(r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}

func readI64(r *bufio.Reader) int64 {
	v, _, err := leb128.DecodeInt64(r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}
