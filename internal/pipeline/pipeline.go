// Package pipeline drives the whole translation end to end: it decodes a
// WASM binary, merges its imports against an adapter module and/or a
// static import map (internal/adapter), lowers every defined function
// through the frontend and the SSA optimizer into the backend, resolves
// every cross-function Fixup the backend left behind, and hands the
// result to internal/image for final serialization (SPEC_FULL.md §4.I,
// component I). Grounded on the teacher's wazero.Runtime.CompileModule,
// which plays the same "single entrypoint orchestrating every other
// package" role, though the teacher's version compiles lazily per-call
// where this one is a single eager batch pass.
package pipeline

import (
	"bytes"
	"encoding/binary"

	"github.com/rs/zerolog"

	"wasm2pvm/internal/adapter"
	"wasm2pvm/internal/backend"
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/frontend"
	"wasm2pvm/internal/image"
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
	"wasm2pvm/internal/wasm"
	wasmbinary "wasm2pvm/internal/wasm/binary"
)

// Options configures one compilation run. The zero value is a valid
// "no adapter, no static import map, default stack size, every
// optimization enabled" configuration.
type Options struct {
	// ImportMap resolves otherwise-unresolved imports by name, as parsed
	// from a --imports file (internal/adapter.ParseImportMap).
	ImportMap map[string]adapter.Action
	// Adapter, if non-nil, is merged with the main module before
	// ImportMap is consulted (internal/adapter.Merge).
	Adapter *wasm.Module
	// StackSize is the byte length recorded in the image header. Zero
	// selects defaultStackSize.
	StackSize uint32
	// Toggles disables individual optimization stages, bound from the
	// CLI's --no-* flags via internal/config (SPEC_FULL.md §6).
	Toggles Toggles
}

// Toggles names every optimization this compiler can disable from the
// CLI, one field per --no-* flag of SPEC_FULL.md §6. The zero value
// enables everything, matching Options{}'s own zero-value contract.
//
// Not every field changes emitted code yet: NoPeephole, NoICmpFusion,
// NoShrinkWrap, NoDeadStoreElim, NoConstProp, NoCrossBlockCache, and
// NoFallthroughJumps are accepted here so the CLI surface matches
// SPEC_FULL.md in full, but have no effect until internal/backend grows
// the peephole pass they each gate (tracked in DESIGN.md). NoLLVMPasses,
// NoInline, NoRegisterCache, and NoRegisterAlloc are wired below.
type Toggles struct {
	NoLLVMPasses      bool
	NoPeephole        bool
	NoRegisterCache   bool
	NoICmpFusion      bool
	NoShrinkWrap      bool
	NoDeadStoreElim   bool
	NoConstProp       bool
	NoInline          bool
	NoCrossBlockCache bool
	NoRegisterAlloc   bool
	NoFallthroughJumps bool
}

// defaultStackSize equals the size of the gap between isa.StackSegmentEnd
// and isa.ArgsSegmentBase (SPEC_FULL.md §6 memory layout); the stack
// itself grows downward from isa.StackSegmentEnd.
const defaultStackSize = isa.ArgsSegmentBase - isa.StackSegmentEnd

// optPasses is the optimizer pass sequence run twice around a single
// "inline" pass (SPEC_FULL.md §4.F).
var optPasses = []string{
	"promote-stack-slots", "inst-combine<max-iters=2>", "simplify-cfg", "global-numbering", "dead-code",
}

// relaxationPasses bounds the whole-program layout/fixup resolution loop.
// Like machine.go's own resolveIntraFunctionBranches, this is a fixed
// small number of passes rather than true fixed-point iteration: in
// practice an instruction's encoded width flips length-class at most
// once or twice as neighboring offsets settle, which this comfortably
// covers for the module sizes this compiler's scope admits (SPEC_FULL.md
// §1).
const relaxationPasses = 6

// headerLen is the size in bytes of the program image's entry header: a
// single unconditional jump to the entry function, its immediate forced
// to a fixed 4-byte width so the header's size never depends on how far
// away the entry function lands (SPEC_FULL.md §4.I).
const headerLen = 6

// Compile runs the full pipeline over a WASM binary and returns the
// serialized program image.
func Compile(wasmBytes []byte, opts Options, log zerolog.Logger) ([]byte, error) {
	raw, err := wasmbinary.Decode(bytes.NewReader(wasmBytes), log)
	if err != nil {
		return nil, err
	}
	return CompileModule(raw, opts, log)
}

// CompileModule runs the pipeline over an already-decoded module, skipping
// the binary ingestion step. Split out from Compile so callers that build
// or synthesize a wasm.Module directly (tests, or a future WAT frontend)
// don't need to round-trip through the binary encoder first.
func CompileModule(raw *wasm.Module, opts Options, log zerolog.Logger) ([]byte, error) {
	merged, err := adapter.Merge(raw, opts.Adapter, opts.ImportMap)
	if err != nil {
		return nil, err
	}

	entryIdx, err := chooseEntryFunction(merged)
	if err != nil {
		return nil, err
	}

	units, posOf, err := lowerAllFunctions(merged, entryIdx, opts.Toggles, log)
	if err != nil {
		return nil, err
	}

	globalValues, err := evalGlobals(merged)
	if err != nil {
		return nil, err
	}

	jumpTable, header, funcStart, err := resolveLayout(units, posOf, entryIdx)
	if err != nil {
		return nil, err
	}

	rodata, err := buildDispatchTable(merged, posOf, funcStart, globalValues, &jumpTable)
	if err != nil {
		return nil, err
	}
	rwdata, err := buildRWData(merged, globalValues)
	if err != nil {
		return nil, err
	}

	instrs := make([]byte, 0, len(header))
	instrs = append(instrs, header...)
	for _, u := range units {
		for k := range u.lowered.Instrs {
			instrs = isa.Encode(instrs, &u.lowered.Instrs[k])
		}
	}

	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = defaultStackSize
	}

	var initialPages uint32
	if merged.Memory != nil {
		initialPages = merged.Memory.Min
	}

	return image.Encode(image.Image{
		ROData:       rodata,
		RWData:       rwdata,
		HeapPages:    image.ComputeHeapPages(initialPages),
		StackSize:    stackSize,
		JumpTable:    jumpTable,
		Instructions: instrs,
	})
}

// chooseEntryFunction picks the module-level function index the program
// image's header jumps to. Preference order (an Open Question this
// implementation resolves, recorded in DESIGN.md): an export named
// "_start" (the convention the rest of the ecosystem also follows), else
// the first function export in declaration order, else the WASM start
// function, else — for a module with exactly one defined function and no
// exports at all — that function.
func chooseEntryFunction(m *wasm.Module) (uint32, error) {
	var firstExport *wasm.Export
	for i := range m.Exports {
		e := &m.Exports[i]
		if e.Kind != wasm.ImportKindFunc {
			continue
		}
		if e.Name == "_start" {
			return e.Index, nil
		}
		if firstExport == nil {
			firstExport = e
		}
	}
	if firstExport != nil {
		return firstExport.Index, nil
	}
	if m.Start >= 0 {
		return uint32(m.Start), nil
	}
	if len(m.Functions) == 1 {
		return m.NumImportedFunctions(), nil
	}
	return 0, compileerr.New(compileerr.Unsupported, "module has no exported function, start function, or unique function to serve as the entry point")
}

type funcUnit struct {
	idx     uint32 // combined (imports ++ defined) module function index
	lowered *backend.LoweredFunction
}

// lowerAllFunctions runs the frontend, optimizer, and backend over every
// defined function of m, in ascending function-index order. One
// ssa.Builder and one frontend.Compiler are reused across the whole
// module: Compiler.Init resets the builder before each function, so each
// function must be fully lowered (through backend.Lower) before the next
// one's Init runs.
func lowerAllFunctions(m *wasm.Module, entryIdx uint32, toggles Toggles, log zerolog.Logger) ([]funcUnit, map[uint32]int, error) {
	builder := ssa.NewBuilder()
	fc := frontend.NewCompiler(m, builder)

	funcRef := func(ref ssa.FuncRef) (uint32, bool) { return uint32(ref), true }

	numImports := m.NumImportedFunctions()
	units := make([]funcUnit, 0, len(m.Functions))
	posOf := make(map[uint32]int, len(m.Functions))

	for i := range m.Functions {
		idx := numImports + uint32(i)
		fn := &m.Functions[i]
		typ := m.TypeOf(idx)

		fc.Init(idx, typ, fn.Locals, fn.Body)
		if err := fc.LowerToSSA(); err != nil {
			return nil, nil, err
		}

		if !toggles.NoLLVMPasses {
			builder.RunPasses(optPasses...)
			if !toggles.NoInline {
				builder.RunPasses("inline")
			}
			builder.RunPasses(optPasses...)
		}

		disableRegCache := toggles.NoRegisterCache || toggles.NoRegisterAlloc
		lowered, err := backend.Lower(idx, builder.Signature(), builder, funcRef, idx == entryIdx, isa.StackSegmentEnd, disableRegCache, log)
		if err != nil {
			return nil, nil, err
		}

		posOf[idx] = len(units)
		units = append(units, funcUnit{idx: idx, lowered: lowered})
	}
	return units, posOf, nil
}

// resolveLayout computes every function's byte offset within the
// instruction stream, assigns a jump-table slot to each call-site/
// indirect-call-return-site Fixup the backend left behind, and writes the
// resolved values directly into the not-yet-encoded isa.Instruction each
// Fixup names (resolve before encode: there is no later patch step).
//
// Slot 0 is reserved for the entry function's own return site and always
// holds isa.ExitAddress: the host pre-loads RA with slot 0's encoded
// value before jumping to the entry header, so the entry function's
// epilogue can run the same generic "restore RA, jump through it" shape
// as every other function's return (SPEC_FULL.md §4.I, §4.G). The entry
// header's own jump to the main function is a separate, plain OpJump and
// does not consume a jump-table slot.
func resolveLayout(units []funcUnit, posOf map[uint32]int, entryIdx uint32) (jumpTable []uint32, header []byte, funcStart []int64, err error) {
	type slotKey struct {
		unit, instr int
	}
	slotOf := make(map[slotKey]uint32)
	funcStart = make([]int64, len(units))
	jumpTable = []uint32{uint32(isa.ExitAddress)}

	for pass := 0; pass < relaxationPasses; pass++ {
		off := int64(headerLen)
		instrOffsets := make([][]int64, len(units))
		for ui, u := range units {
			funcStart[ui] = off
			offsets := make([]int64, len(u.lowered.Instrs)+1)
			for k := range u.lowered.Instrs {
				offsets[k] = off
				off += int64(len(isa.Encode(nil, &u.lowered.Instrs[k])))
			}
			offsets[len(u.lowered.Instrs)] = off
			instrOffsets[ui] = offsets
		}

		for ui, u := range units {
			for _, fx := range u.lowered.Fixups {
				key := slotKey{ui, fx.InstrIndex}
				slot, ok := slotOf[key]
				if !ok {
					slot = uint32(len(jumpTable))
					jumpTable = append(jumpTable, 0)
					slotOf[key] = slot
				}

				switch fx.Kind {
				case backend.FixupDirectCall:
					jumpTable[slot] = uint32(instrOffsets[ui][fx.InstrIndex+1])

					calleePos, ok := posOf[fx.Callee]
					if !ok {
						return nil, nil, nil, compileerr.New(compileerr.Internal, "call to unresolved function index %d", fx.Callee)
					}
					u.lowered.Instrs[fx.InstrIndex].Imm0 = int64(2 * (uint64(slot) + 1))
					u.lowered.Instrs[fx.InstrIndex].Imm1 = funcStart[calleePos] - instrOffsets[ui][fx.InstrIndex]

				case backend.FixupIndirectReturnSite:
					jumpTable[slot] = uint32(instrOffsets[ui][fx.InstrIndex+2])
					u.lowered.Instrs[fx.InstrIndex].Imm0 = int64(2 * (uint64(slot) + 1))

				default:
					return nil, nil, nil, compileerr.New(compileerr.Internal, "unrecognized fixup kind %d", fx.Kind)
				}
			}
		}
	}

	entryPos, ok := posOf[entryIdx]
	if !ok {
		return nil, nil, nil, compileerr.New(compileerr.Internal, "entry function %d has no lowered unit", entryIdx)
	}
	header = encodeHeader(funcStart[entryPos])
	return jumpTable, header, funcStart, nil
}

func encodeHeader(entryOffset int64) []byte {
	buf := make([]byte, headerLen)
	buf[0] = byte(isa.OpJump)
	buf[1] = 4
	binary.LittleEndian.PutUint32(buf[2:], uint32(int32(entryOffset)))
	return buf
}

// buildDispatchTable materializes the RO-data dispatch table backing
// every call_indirect: 8 bytes per table slot, a jump-table-slot-encoded
// entry address at +0 and the callee's declared type index at +4
// (glossary "Dispatch table"; internal/backend/intrinsics.go
// lowerIndirectCall). Each assigned table slot gets its own fresh
// jump-table slot, appended after every call-site slot resolveLayout
// already assigned.
func buildDispatchTable(m *wasm.Module, posOf map[uint32]int, funcStart []int64, globalValues []int64, jumpTable *[]uint32) ([]byte, error) {
	if len(m.Tables) == 0 {
		return nil, nil
	}
	tableSize := m.Tables[0].Size
	rodata := make([]byte, int(tableSize)*8)

	for _, e := range m.Elements {
		base, err := evalConstExpr(e.Offset, globalValues, len(globalValues))
		if err != nil {
			return nil, err
		}
		for i, funcIdx := range e.FuncIndex {
			tableSlot := uint32(base) + uint32(i)
			if tableSlot >= tableSize {
				return nil, compileerr.New(compileerr.TableOutOfRange, "element entry %d is outside the declared table of size %d", tableSlot, tableSize)
			}
			if m.IsImportedFunction(funcIdx) {
				return nil, compileerr.New(compileerr.Unsupported, "function table entry %d references an imported function, not supported", tableSlot)
			}

			pos, ok := posOf[funcIdx]
			if !ok {
				return nil, compileerr.New(compileerr.Internal, "table entry references unresolved function index %d", funcIdx)
			}

			slot := uint32(len(*jumpTable))
			*jumpTable = append(*jumpTable, uint32(funcStart[pos]))

			typeIdx := m.Functions[funcIdx-m.NumImportedFunctions()].TypeIndex

			off := int(tableSlot) * 8
			binary.LittleEndian.PutUint32(rodata[off:], 2*(slot+1))
			binary.LittleEndian.PutUint32(rodata[off+4:], typeIdx)
		}
	}
	return rodata, nil
}

// evalGlobals computes every global's initial value in declaration order,
// so later stages (RWData, element/data-segment offsets) never need to
// re-derive them.
func evalGlobals(m *wasm.Module) ([]int64, error) {
	values := make([]int64, len(m.Globals))
	for i, g := range m.Globals {
		v, err := evalConstExpr(g.Init, values, i)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// evalConstExpr evaluates a constant initializer. selfIndex bounds which
// globals are visible to a GlobalGet reference: only globals strictly
// before selfIndex in declaration order are defined yet (WASM forbids
// forward and self references in global initializers).
func evalConstExpr(ce wasm.ConstExpr, globalValues []int64, selfIndex int) (int64, error) {
	switch ce.Kind {
	case wasm.ConstExprI32:
		return int64(ce.ValueI32), nil
	case wasm.ConstExprI64:
		return ce.ValueI64, nil
	case wasm.ConstExprGlobalGet:
		if int(ce.GlobalIndex) >= selfIndex || int(ce.GlobalIndex) >= len(globalValues) {
			return 0, compileerr.New(compileerr.Unsupported, "constant initializer references an undefined or imported global")
		}
		return globalValues[ce.GlobalIndex], nil
	default:
		return 0, compileerr.New(compileerr.Internal, "unrecognized const-expr kind %d", ce.Kind)
	}
}

// heapPageCountAddr mirrors backend's own unexported constant of the same
// name (internal/backend/intrinsics.go): the last 8-byte slot of the
// globals region, reserved for memory.size/memory.grow bookkeeping. Kept
// in sync by hand since the two packages don't share an import for it.
const heapPageCountAddr = isa.GlobalsBase + 0x1FF8

// buildRWData lays out the RW segment the host loads starting at
// isa.GlobalsBase: the module's globals (one 8-byte slot each), this
// compiler's own heap-page-count bookkeeping slot at heapPageCountAddr,
// and, starting at isa.WasmMemoryBase, the WASM linear memory's initial
// image built from the module's active data segments (SPEC_FULL.md §6
// memory layout).
func buildRWData(m *wasm.Module, globalValues []int64) ([]byte, error) {
	structRegionLen := int(isa.WasmMemoryBase - isa.GlobalsBase)
	rw := make([]byte, structRegionLen)

	for i, v := range globalValues {
		off := i * 8
		if off+8 > structRegionLen {
			return nil, compileerr.New(compileerr.Unsupported, "module declares too many globals for the reserved globals region")
		}
		binary.LittleEndian.PutUint64(rw[off:off+8], uint64(v))
	}

	heapOff := int(heapPageCountAddr - isa.GlobalsBase)
	var initialPages uint32
	if m.Memory != nil {
		initialPages = m.Memory.Min
	}
	binary.LittleEndian.PutUint64(rw[heapOff:heapOff+8], uint64(image.ComputeHeapPages(initialPages)))

	for _, d := range m.Data {
		if d.Passive {
			continue
		}
		off, err := evalConstExpr(d.Offset, globalValues, len(globalValues))
		if err != nil {
			return nil, err
		}
		end := structRegionLen + int(off) + len(d.Bytes)
		if end > len(rw) {
			grown := make([]byte, end)
			copy(grown, rw)
			rw = grown
		}
		copy(rw[structRegionLen+int(off):], d.Bytes)
	}
	return rw, nil
}
