package backend

import (
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

// heapPageCountAddr is the last 8-byte slot of the globals region
// (SPEC_FULL.md §6 "globals 0x30000-0x31FFF") reserved for this
// compiler's own memory.size/memory.grow bookkeeping. Simplification:
// the adapter/pipeline must keep the WASM module's own declared globals
// from reaching this slot, acceptable for the modest module sizes this
// compiler's scope admits (SPEC_FULL.md §1); a production-grade sibling
// would carve out a dedicated reserved region instead of stealing the
// last user-global slot.
const heapPageCountAddr = globalsBase + 0x1FF8

var loadIntrinsicOp = map[ssa.IntrinsicID]isa.Opcode{
	ssa.IntrinsicLoadI32: isa.OpLoadU32, ssa.IntrinsicLoadI64: isa.OpLoadU64,
	ssa.IntrinsicLoadI32_8S: isa.OpLoadS8, ssa.IntrinsicLoadI32_8U: isa.OpLoadU8,
	ssa.IntrinsicLoadI32_16S: isa.OpLoadS16, ssa.IntrinsicLoadI32_16U: isa.OpLoadU16,
	ssa.IntrinsicLoadI64_8S: isa.OpLoadS8, ssa.IntrinsicLoadI64_8U: isa.OpLoadU8,
	ssa.IntrinsicLoadI64_16S: isa.OpLoadS16, ssa.IntrinsicLoadI64_16U: isa.OpLoadU16,
	ssa.IntrinsicLoadI64_32S: isa.OpLoadS32, ssa.IntrinsicLoadI64_32U: isa.OpLoadU32,
}

var storeIntrinsicOp = map[ssa.IntrinsicID]isa.Opcode{
	ssa.IntrinsicStoreI32: isa.OpStoreU32, ssa.IntrinsicStoreI64: isa.OpStoreU64,
	ssa.IntrinsicStoreI32_8: isa.OpStoreU8, ssa.IntrinsicStoreI32_16: isa.OpStoreU16,
	ssa.IntrinsicStoreI64_8: isa.OpStoreU8, ssa.IntrinsicStoreI64_16: isa.OpStoreU16,
	ssa.IntrinsicStoreI64_32: isa.OpStoreU32,
}

func (m *machineCtx) lowerIntrinsic(ins *ssa.Instruction) error {
	id := ins.Intrinsic()
	args := ins.Args()

	if op, ok := loadIntrinsicOp[id]; ok {
		addr := m.materialize(args[0])
		dst := m.scratch()
		m.emit(isa.Instruction{Op: op, Rd: dst, Rs1: addr, Imm0: wasmMemoryBase})
		m.storeResult(ins.Return(), dst)
		return nil
	}
	if op, ok := storeIntrinsicOp[id]; ok {
		addr := m.materialize(args[0])
		val := m.materialize(args[1])
		m.emit(isa.Instruction{Op: op, Rs1: addr, Rs2: val, Imm0: wasmMemoryBase})
		return nil
	}

	switch id {
	case ssa.IntrinsicMemorySize:
		dst := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpLoadAbsU64, Rd: dst, ExtImm: heapPageCountAddr})
		m.storeResult(ins.Return(), dst)

	case ssa.IntrinsicMemoryGrow:
		old := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpLoadAbsU64, Rd: old, ExtImm: heapPageCountAddr})
		delta := m.materialize(args[0])
		next := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpMov, Rd: next, Rs1: old})
		m.emit(isa.Instruction{Op: isa.OpAdd64, Rd: next, Rs1: next, Rs2: delta})
		m.emit(isa.Instruction{Op: isa.OpStoreAbsU64, Rs1: next, ExtImm: heapPageCountAddr})
		m.storeResult(ins.Return(), old)

	case ssa.IntrinsicMemoryFill:
		return m.lowerMemoryFill(args)

	case ssa.IntrinsicMemoryCopy:
		return m.lowerMemoryCopy(args)

	case ssa.IntrinsicIndirectCall:
		return m.lowerIndirectCall(ins, args)

	case ssa.IntrinsicHostCall:
		return m.lowerHostCall(ins, args)

	case ssa.IntrinsicPvmPtr:
		r := m.materializeCopy(args[0])
		m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: r, Imm0: wasmMemoryBase})
		m.storeResult(ins.Return(), r)

	case ssa.IntrinsicAbs:
		r := m.materializeCopy(args[0])
		sign := m.scratch()
		width := int64(ins.Type().Bits() - 1)
		m.emit(isa.Instruction{Op: isa.OpMov, Rd: sign, Rs1: r})
		if ins.Type() == ssa.TypeI64 {
			m.emit(isa.Instruction{Op: isa.OpShrSImm64, Rd: sign, Imm0: width})
			m.emit(isa.Instruction{Op: isa.OpXor, Rd: r, Rs1: r, Rs2: sign})
			m.emit(isa.Instruction{Op: isa.OpSub64, Rd: r, Rs1: r, Rs2: sign})
		} else {
			m.emit(isa.Instruction{Op: isa.OpShrSImm32, Rd: sign, Imm0: width})
			m.emit(isa.Instruction{Op: isa.OpXor, Rd: r, Rs1: r, Rs2: sign})
			m.emit(isa.Instruction{Op: isa.OpSub32, Rd: r, Rs1: r, Rs2: sign})
		}
		m.storeResult(ins.Return(), r)

	case ssa.IntrinsicSmin, ssa.IntrinsicSmax, ssa.IntrinsicUmin, ssa.IntrinsicUmax:
		x, y := m.materialize(args[0]), m.materialize(args[1])
		dst := m.scratch()
		op := map[ssa.IntrinsicID]isa.Opcode{
			ssa.IntrinsicSmin: isa.OpMinS, ssa.IntrinsicSmax: isa.OpMaxS,
			ssa.IntrinsicUmin: isa.OpMinU, ssa.IntrinsicUmax: isa.OpMaxU,
		}[id]
		m.emit(isa.Instruction{Op: op, Rd: dst, Rs1: x, Rs2: y})
		m.storeResult(ins.Return(), dst)

	case ssa.IntrinsicBswap:
		r := m.materializeCopy(args[0])
		op := isa.OpBswap32
		if ins.Type() == ssa.TypeI64 {
			op = isa.OpBswap64
		}
		m.emit(isa.Instruction{Op: op, Rd: r, Rs1: r})
		m.storeResult(ins.Return(), r)

	default:
		return compileerr.New(compileerr.Unsupported, "intrinsic %s cannot be lowered to the target VM", id)
	}
	return nil
}

// lowerMemoryFill emits an inline bounded byte-fill loop: while (len != 0)
// { *(dest+wasmMemoryBase) = val; dest++; len-- }. args are (dest, val,
// len), the Wasm memory.fill operand order.
func (m *machineCtx) lowerMemoryFill(args []ssa.Value) error {
	dest := m.materializeCopy(args[0])
	val := m.materialize(args[1])
	length := m.materializeCopy(args[2])

	top := m.newLabel()
	done := m.newLabel()
	m.placeLabel(top)
	m.jumpTo(isa.Instruction{Op: isa.OpBranchEqImm, Rs1: length, Rs2: m.zeroReg()}, done)
	m.emit(isa.Instruction{Op: isa.OpStoreU8, Rs1: dest, Rs2: val, Imm0: wasmMemoryBase})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: dest, Imm0: 1})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: length, Imm0: -1})
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, top)
	m.placeLabel(done)
	return nil
}

// lowerMemoryCopy emits an inline bounded byte-copy loop. Backward when
// dest>src so overlapping regions copy correctly, matching memmove
// rather than memcpy semantics, per memory.copy's Wasm spec requirement.
// args are (dest, src, len).
func (m *machineCtx) lowerMemoryCopy(args []ssa.Value) error {
	dest := m.materializeCopy(args[0])
	src := m.materializeCopy(args[1])
	length := m.materializeCopy(args[2])

	backward := m.newLabel()
	forward := m.newLabel()
	done := m.newLabel()

	m.jumpTo(isa.Instruction{Op: isa.OpBranchCompare, Rs1: dest, Rs2: src, Imm1: int64(isa.BranchCondGeU)}, backward)
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, forward)

	m.placeLabel(backward)
	m.emit(isa.Instruction{Op: isa.OpAdd64, Rd: dest, Rs1: dest, Rs2: length})
	m.emit(isa.Instruction{Op: isa.OpAdd64, Rd: src, Rs1: src, Rs2: length})
	backTop := m.newLabel()
	m.placeLabel(backTop)
	m.jumpTo(isa.Instruction{Op: isa.OpBranchEqImm, Rs1: length, Rs2: m.zeroReg()}, done)
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: dest, Imm0: -1})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: src, Imm0: -1})
	tmp := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU8, Rd: tmp, Rs1: src, Imm0: wasmMemoryBase})
	m.emit(isa.Instruction{Op: isa.OpStoreU8, Rs1: dest, Rs2: tmp, Imm0: wasmMemoryBase})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: length, Imm0: -1})
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, backTop)

	m.placeLabel(forward)
	fwdTop := m.newLabel()
	m.placeLabel(fwdTop)
	m.jumpTo(isa.Instruction{Op: isa.OpBranchEqImm, Rs1: length, Rs2: m.zeroReg()}, done)
	tmp2 := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU8, Rd: tmp2, Rs1: src, Imm0: wasmMemoryBase})
	m.emit(isa.Instruction{Op: isa.OpStoreU8, Rs1: dest, Rs2: tmp2, Imm0: wasmMemoryBase})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: dest, Imm0: 1})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: src, Imm0: 1})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: length, Imm0: -1})
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, fwdTop)

	m.placeLabel(done)
	return nil
}

// zeroReg materializes a fresh zero constant; the ISA has no hardwired
// zero register (SPEC_FULL.md §4.G register set), so every comparison
// against zero pays for one load_imm.
func (m *machineCtx) zeroReg() isa.Reg {
	r := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: r, Imm0: 0})
	return r
}

// lowerIndirectCall resolves a call_indirect through the dispatch table
// the pipeline driver builds from the module's element segments
// (SPEC_FULL.md §4.D, §4.I): load the entry address and declared type
// index at the table slot, trap on a type mismatch, otherwise jump. args
// are (typeIndex, tableIndex, callArgs...).
func (m *machineCtx) lowerIndirectCall(ins *ssa.Instruction, args []ssa.Value) error {
	expectedType := m.materialize(args[0])
	tableIndex := m.materialize(args[1])
	callArgs := args[2:]

	for i, a := range callArgs {
		if i < maxParamRegs {
			r := m.materialize(a)
			if isa.ParamRegs[i] != r {
				m.emit(isa.Instruction{Op: isa.OpMov, Rd: isa.ParamRegs[i], Rs1: r})
			}
			continue
		}
		r := m.materialize(a)
		m.emit(isa.Instruction{Op: isa.OpStoreAbsU64, Rs1: r, ExtImm: paramOverflowBase + int64(i-maxParamRegs)*8})
	}

	// Dispatch table entries are 8 bytes: 4-byte entry address at +0,
	// 4-byte declared type index at +4 (glossary "Dispatch table"; §4.G
	// "compute dispatch_table_base + index*8").
	slotAddr := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpMov, Rd: slotAddr, Rs1: tableIndex})
	m.emit(isa.Instruction{Op: isa.OpShlImm64, Rd: slotAddr, Imm0: 3})

	actualType := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU32, Rd: actualType, Rs1: slotAddr, Imm0: dispatchTableBase + 4})

	okLabel := m.newLabel()
	m.jumpTo(isa.Instruction{Op: isa.OpBranchCompare, Rs1: actualType, Rs2: expectedType, Imm1: int64(isa.BranchCondEq)}, okLabel)
	m.emit(isa.Instruction{Op: isa.OpTrap})
	m.placeLabel(okLabel)

	entryAddr := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU32, Rd: entryAddr, Rs1: slotAddr, Imm0: dispatchTableBase})

	m.isLeaf = false
	retIdx := m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: isa.RegRA, HasJumpSlot: true})
	m.fixups = append(m.fixups, Fixup{InstrIndex: retIdx, Kind: FixupIndirectReturnSite})
	m.emit(isa.Instruction{Op: isa.OpJumpIndirect, Rs1: entryAddr, Imm0: 0})

	if r := ins.Return(); r.Valid() {
		m.storeResult(r, m.abiResultReg())
	}
	return nil
}

// lowerHostCall places the intrinsic's compile-time-constant identifier
// (its first arg) into the ecalli immediate and the remaining payload
// args into the five scratch registers (SPEC_FULL.md §4.G "host_call
// placing 5 args in the 5 scratch registers plus one ecalli").
func (m *machineCtx) lowerHostCall(ins *ssa.Instruction, args []ssa.Value) error {
	if len(args) == 0 {
		return compileerr.New(compileerr.Internal, "host_call with no identifier argument")
	}
	idConst, ok := m.constInt(args[0])
	if !ok {
		return compileerr.New(compileerr.Unsupported, "host_call identifier must be a compile-time constant")
	}
	payload := args[1:]
	if len(payload) > len(isa.ScratchRegs) {
		return compileerr.New(compileerr.Unsupported, "host_call takes at most %d payload arguments", len(isa.ScratchRegs))
	}
	for i, a := range payload {
		r := m.materialize(a)
		if isa.ScratchRegs[i] != r {
			m.emit(isa.Instruction{Op: isa.OpMov, Rd: isa.ScratchRegs[i], Rs1: r})
		}
	}
	m.emit(isa.Instruction{Op: isa.OpECall, Imm0: idConst})
	if r := ins.Return(); r.Valid() {
		m.storeResult(r, isa.RegT0)
	}
	return nil
}

// constInt reports the constant value backing v if v's defining
// instruction is an OpcodeIconst, for host_call's compile-time-constant
// identifier requirement.
func (m *machineCtx) constInt(v ssa.Value) (int64, bool) {
	for _, blk := range m.b.Blocks() {
		for ins := blk.Root(); ins != nil; ins = ins.Next() {
			if ins.Opcode() == ssa.OpcodeIconst && ins.Return() == v {
				return int64(ins.ConstValue()), true
			}
		}
	}
	return 0, false
}

// dispatchTableBase is the fixed address of the indirect-call dispatch
// table the pipeline driver materializes from the module's table/element
// sections into the image's RO-data blob (SPEC_FULL.md §6, glossary
// "Dispatch table").
const dispatchTableBase = isa.RODataBase
