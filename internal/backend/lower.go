package backend

import (
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

var binop32 = map[ssa.Opcode]isa.Opcode{
	ssa.OpcodeIadd: isa.OpAdd32, ssa.OpcodeIsub: isa.OpSub32, ssa.OpcodeImul: isa.OpMul32,
	ssa.OpcodeUdiv: isa.OpDivU32, ssa.OpcodeSdiv: isa.OpDivS32,
	ssa.OpcodeUrem: isa.OpRemU32, ssa.OpcodeSrem: isa.OpRemS32,
	ssa.OpcodeBand: isa.OpAnd, ssa.OpcodeBor: isa.OpOr, ssa.OpcodeBxor: isa.OpXor,
	ssa.OpcodeIshl: isa.OpShl32, ssa.OpcodeUshr: isa.OpShrU32, ssa.OpcodeSshr: isa.OpShrS32,
	ssa.OpcodeRotl: isa.OpRotL32, ssa.OpcodeRotr: isa.OpRotR32,
}

var binop64 = map[ssa.Opcode]isa.Opcode{
	ssa.OpcodeIadd: isa.OpAdd64, ssa.OpcodeIsub: isa.OpSub64, ssa.OpcodeImul: isa.OpMul64,
	ssa.OpcodeUdiv: isa.OpDivU64, ssa.OpcodeSdiv: isa.OpDivS64,
	ssa.OpcodeUrem: isa.OpRemU64, ssa.OpcodeSrem: isa.OpRemS64,
	ssa.OpcodeBand: isa.OpAnd, ssa.OpcodeBor: isa.OpOr, ssa.OpcodeBxor: isa.OpXor,
	ssa.OpcodeIshl: isa.OpShl64, ssa.OpcodeUshr: isa.OpShrU64, ssa.OpcodeSshr: isa.OpShrS64,
	ssa.OpcodeRotl: isa.OpRotL64, ssa.OpcodeRotr: isa.OpRotR64,
}

// lowerInstr selects target-VM instructions for one SSA instruction. blk
// is the block ins belongs to, needed only for the branch-family opcodes
// (block successors aren't reachable from ins alone for OpcodeJump, but
// BrTargets covers Jump/Brz/Brnz/BrTable uniformly so blk is actually
// unused outside documentation purposes for those; kept as a parameter
// for symmetry with the frontend's per-block lowering entrypoints).
func (m *machineCtx) lowerInstr(blk ssa.BasicBlock, ins *ssa.Instruction) error {
	switch ins.Opcode() {
	case ssa.OpcodeIconst:
		dst := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: dst, Imm0: int64(ins.ConstValue())})
		m.storeResult(ins.Return(), dst)

	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeImul, ssa.OpcodeUdiv, ssa.OpcodeSdiv,
		ssa.OpcodeUrem, ssa.OpcodeSrem, ssa.OpcodeBand, ssa.OpcodeBor, ssa.OpcodeBxor,
		ssa.OpcodeIshl, ssa.OpcodeUshr, ssa.OpcodeSshr, ssa.OpcodeRotl, ssa.OpcodeRotr:
		x, y := ins.Arg2()
		table := binop32
		if ins.Type() == ssa.TypeI64 {
			table = binop64
		}
		op, ok := table[ins.Opcode()]
		if !ok {
			return m.unsupported(ins, "binary op")
		}
		xr, yr := m.materialize(x), m.materialize(y)
		dst := m.scratch()
		m.emit(isa.Instruction{Op: op, Rd: dst, Rs1: xr, Rs2: yr})
		m.storeResult(ins.Return(), dst)

	case ssa.OpcodeBnot:
		r := m.materializeCopy(ins.Arg())
		m.emit(isa.Instruction{Op: isa.OpXorImm, Rd: r, Imm0: -1})
		m.storeResult(ins.Return(), r)

	case ssa.OpcodeIneg:
		r := m.materializeCopy(ins.Arg())
		m.emit(isa.Instruction{Op: isa.OpSubImm64, Rd: r, Imm0: 0})
		m.storeResult(ins.Return(), r)

	case ssa.OpcodeIclz, ssa.OpcodeIctz, ssa.OpcodePopcnt:
		return m.unsupported(ins, "bit-counting operator")

	case ssa.OpcodeIcmp:
		x, y := ins.Arg2()
		dst := m.lowerIcmp(ins.IcmpCond(), x, y)
		m.storeResult(ins.Return(), dst)

	case ssa.OpcodeSelect:
		c, x, y := ins.Arg3()
		dst := m.materializeCopy(y)
		xr := m.materialize(x)
		cr := m.materialize(c)
		m.emit(isa.Instruction{Op: isa.OpCMovNZ, Rd: dst, Rs1: xr, Rs2: cr})
		m.storeResult(ins.Return(), dst)

	case ssa.OpcodeIExtend:
		r := m.materializeCopy(ins.Arg())
		if ins.ExtendSigned() {
			m.emit(isa.Instruction{Op: isa.OpShlImm64, Rd: r, Imm0: 32})
			m.emit(isa.Instruction{Op: isa.OpShrSImm64, Rd: r, Imm0: 32})
		} else {
			m.emit(isa.Instruction{Op: isa.OpAndImm, Rd: r, Imm0: 0xFFFFFFFF})
		}
		m.storeResult(ins.Return(), r)

	case ssa.OpcodeIreduce:
		r := m.materializeCopy(ins.Arg())
		m.emit(isa.Instruction{Op: isa.OpAndImm, Rd: r, Imm0: 0xFFFFFFFF})
		m.storeResult(ins.Return(), r)

	case ssa.OpcodeExtendLow:
		r := m.materializeCopy(ins.Arg())
		width := ins.Type().Bits()
		shift := int64(width - ins.ExtendLowBits())
		if ins.Type() == ssa.TypeI64 {
			m.emit(isa.Instruction{Op: isa.OpShlImm64, Rd: r, Imm0: shift})
			m.emit(isa.Instruction{Op: isa.OpShrSImm64, Rd: r, Imm0: shift})
		} else {
			m.emit(isa.Instruction{Op: isa.OpShlImm32, Rd: r, Imm0: shift})
			m.emit(isa.Instruction{Op: isa.OpShrSImm32, Rd: r, Imm0: shift})
		}
		m.storeResult(ins.Return(), r)

	case ssa.OpcodeGlobalGet:
		dst := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpLoadAbsU64, Rd: dst, ExtImm: globalsBase + int64(ins.GlobalIndex())*8})
		m.storeResult(ins.Return(), dst)

	case ssa.OpcodeGlobalSet:
		r := m.materialize(ins.Arg())
		m.emit(isa.Instruction{Op: isa.OpStoreAbsU64, Rs1: r, ExtImm: globalsBase + int64(ins.GlobalIndex())*8})

	case ssa.OpcodeCall:
		return m.lowerCall(ins)

	case ssa.OpcodeCallIntrinsic:
		return m.lowerIntrinsic(ins)

	case ssa.OpcodeJump:
		targets, targetArgs := ins.BrTargets()
		m.writePhiArgs(targets[0], targetArgs[0])
		m.jumpTo(isa.Instruction{Op: isa.OpJump}, blockLabel(targets[0].ID()))

	case ssa.OpcodeBrz, ssa.OpcodeBrnz:
		return m.lowerCondBranch(ins)

	case ssa.OpcodeBrTable:
		return m.lowerBrTable(ins)

	case ssa.OpcodeReturn:
		if v := ins.Arg(); v.Valid() {
			r := m.materialize(v)
			if r != m.abiResultReg() {
				m.emit(isa.Instruction{Op: isa.OpMov, Rd: m.abiResultReg(), Rs1: r})
			}
		}
		m.jumpTo(isa.Instruction{Op: isa.OpJump}, m.epilogueLabel)

	case ssa.OpcodeUnreachable:
		m.emit(isa.Instruction{Op: isa.OpTrap})

	default:
		return m.unsupported(ins, "opcode")
	}
	return nil
}

func (m *machineCtx) abiResultReg() isa.Reg { return isa.RegS0 }

func (m *machineCtx) unsupported(ins *ssa.Instruction, what string) error {
	return compileerr.New(compileerr.Unsupported, "%s %s cannot be lowered to the target VM", what, ins.Opcode())
}

// materializeCopy loads v into a fresh scratch register (never the
// register cache) so the caller can mutate it in place via a ShapeRegImm
// ALU op without corrupting a cached copy other uses still expect to read.
func (m *machineCtx) materializeCopy(v ssa.Value) isa.Reg {
	r := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU64, Rd: r, Rs1: isa.RegSP, Imm0: m.slotOffset(v)})
	return r
}

// lowerIcmp synthesizes every comparison from the two primitive
// three-register compares the ISA actually has (OpSetLtU/OpSetLtS),
// following the classic a<1 <=> a==0 identity for equality on the
// unsigned XOR distance between the operands.
func (m *machineCtx) lowerIcmp(cond ssa.IcmpCond, x, y ssa.Value) isa.Reg {
	xr, yr := m.materialize(x), m.materialize(y)
	dst := m.scratch()
	negate := func() {
		m.emit(isa.Instruction{Op: isa.OpXorImm, Rd: dst, Imm0: 1})
	}
	switch cond {
	case ssa.IcmpEq, ssa.IcmpNe:
		m.emit(isa.Instruction{Op: isa.OpXor, Rd: dst, Rs1: xr, Rs2: yr})
		m.emit(isa.Instruction{Op: isa.OpSetLtUImm, Rd: dst, Imm0: 1})
		if cond == ssa.IcmpNe {
			negate()
		}
	case ssa.IcmpUnsignedLt:
		m.emit(isa.Instruction{Op: isa.OpSetLtU, Rd: dst, Rs1: xr, Rs2: yr})
	case ssa.IcmpUnsignedGe:
		m.emit(isa.Instruction{Op: isa.OpSetLtU, Rd: dst, Rs1: xr, Rs2: yr})
		negate()
	case ssa.IcmpUnsignedGt:
		m.emit(isa.Instruction{Op: isa.OpSetLtU, Rd: dst, Rs1: yr, Rs2: xr})
	case ssa.IcmpUnsignedLe:
		m.emit(isa.Instruction{Op: isa.OpSetLtU, Rd: dst, Rs1: yr, Rs2: xr})
		negate()
	case ssa.IcmpSignedLt:
		m.emit(isa.Instruction{Op: isa.OpSetLtS, Rd: dst, Rs1: xr, Rs2: yr})
	case ssa.IcmpSignedGe:
		m.emit(isa.Instruction{Op: isa.OpSetLtS, Rd: dst, Rs1: xr, Rs2: yr})
		negate()
	case ssa.IcmpSignedGt:
		m.emit(isa.Instruction{Op: isa.OpSetLtS, Rd: dst, Rs1: yr, Rs2: xr})
	case ssa.IcmpSignedLe:
		m.emit(isa.Instruction{Op: isa.OpSetLtS, Rd: dst, Rs1: yr, Rs2: xr})
		negate()
	}
	return dst
}

// writePhiArgs stores args into target's block parameters, two passes
// (load-all-then-store-all) in batches of len(isa.ScratchRegs)=5
// simultaneous incomings so that, within one batch, none of the stores
// can clobber a slot a later load in the same batch still needs
// (SPEC_FULL.md §4.G "phi-elimination trampoline ... capped at 5
// simultaneous incomings per edge").
func (m *machineCtx) writePhiArgs(target ssa.BasicBlock, args []ssa.Value) {
	const batchSize = 5
	for start := 0; start < len(args); start += batchSize {
		end := start + batchSize
		if end > len(args) {
			end = len(args)
		}
		regs := make([]isa.Reg, end-start)
		for i := start; i < end; i++ {
			regs[i-start] = m.materializeCopy(args[i])
		}
		for i := start; i < end; i++ {
			param := target.Param(i)
			m.emit(isa.Instruction{Op: isa.OpStoreU64, Rs1: isa.RegSP, Rs2: regs[i-start], Imm0: m.slotOffset(param)})
		}
	}
}

func (m *machineCtx) lowerCondBranch(ins *ssa.Instruction) error {
	cond := m.materialize(ins.Arg())
	targets, targetArgs := ins.BrTargets()
	taken, fallthroughBlk := targets[0], targets[1]

	zero := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: zero, Imm0: 0})

	m.writePhiArgs(taken, targetArgs[0])
	branchCond := isa.BranchCondNe
	if ins.Opcode() == ssa.OpcodeBrz {
		branchCond = isa.BranchCondEq
	}
	m.jumpTo(isa.Instruction{Op: isa.OpBranchCompare, Rs1: cond, Rs2: zero, Imm1: int64(branchCond)}, blockLabel(taken.ID()))

	m.writePhiArgs(fallthroughBlk, targetArgs[1])
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, blockLabel(fallthroughBlk.ID()))
	return nil
}

func (m *machineCtx) lowerBrTable(ins *ssa.Instruction) error {
	targets, targetArgs := ins.BrTargets()
	if len(targets) == 0 {
		return m.unsupported(ins, "br_table with no targets")
	}
	index := m.materialize(ins.Arg())
	defaultIdx := len(targets) - 1
	for i := 0; i < defaultIdx; i++ {
		key := m.scratch()
		m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: key, Imm0: int64(i)})
		m.writePhiArgs(targets[i], targetArgs[i])
		m.jumpTo(isa.Instruction{Op: isa.OpBranchCompare, Rs1: index, Rs2: key, Imm1: int64(isa.BranchCondEq)}, blockLabel(targets[i].ID()))
	}
	m.writePhiArgs(targets[defaultIdx], targetArgs[defaultIdx])
	m.jumpTo(isa.Instruction{Op: isa.OpJump}, blockLabel(targets[defaultIdx].ID()))
	return nil
}

func (m *machineCtx) lowerCall(ins *ssa.Instruction) error {
	args := ins.Args()
	for i, a := range args {
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

	calleeIdx, _ := m.funcRef(ins.FuncRef())
	m.isLeaf = false
	idx := m.emit(isa.Instruction{Op: isa.OpLoadImmJump, Rd: isa.RegRA, HasJumpSlot: true})
	m.fixups = append(m.fixups, Fixup{InstrIndex: idx, Kind: FixupDirectCall, Callee: calleeIdx})

	if r := ins.Return(); r.Valid() {
		m.storeResult(r, m.abiResultReg())
	}
	return nil
}
