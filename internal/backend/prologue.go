package backend

import (
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

// savedRegs lists the four callee-saved registers in the fixed frame-slot
// order the prologue/epilogue use: offsets 8/16/24/32, right after the
// saved RA at offset 0 (SPEC_FULL.md §4.G frame layout).
var savedRegs = isa.ParamRegs

// emitPrologue reserves the frame, saves RA and the callee-saved
// registers, and copies the incoming parameters into their SSA stack
// slots. entry is the function's entry block, whose block parameters are
// the function's formal parameters.
func (m *machineCtx) emitPrologue(abi *FunctionABI, entry ssa.BasicBlock, isEntry bool, stackLimit int64) {
	if !isEntry {
		m.emitStackCheck(abi.FrameSize, stackLimit)
	}

	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: isa.RegSP, Imm0: -abi.FrameSize})
	m.emit(isa.Instruction{Op: isa.OpStoreU64, Rs1: isa.RegSP, Rs2: isa.RegRA, Imm0: 0})
	for i, r := range savedRegs {
		m.emit(isa.Instruction{Op: isa.OpStoreU64, Rs1: isa.RegSP, Rs2: r, Imm0: int64(8 + 8*i)})
	}

	for i := 0; i < entry.Params(); i++ {
		v := entry.Param(i)
		loc := abi.Params[i]
		r := loc.Reg
		if !loc.InReg {
			r = m.scratch()
			m.emit(isa.Instruction{Op: isa.OpLoadAbsU64, Rd: r, ExtImm: paramOverflowBase + loc.Overflow})
		}
		m.emit(isa.Instruction{Op: isa.OpStoreU64, Rs1: isa.RegSP, Rs2: r, Imm0: m.slotOffset(v)})
	}
}

// emitStackCheck traps if reserving frameSize more bytes would push SP
// below stackLimit (an unsigned comparison). Skipped for the entry function, which the host
// invokes with a full stack (SPEC_FULL.md §6, §4.G).
func (m *machineCtx) emitStackCheck(frameSize, stackLimit int64) {
	candidate := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpMov, Rd: candidate, Rs1: isa.RegSP})
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: candidate, Imm0: -frameSize})
	limit := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadImm, Rd: limit, Imm0: stackLimit})
	ok := m.newLabel()
	m.jumpTo(isa.Instruction{Op: isa.OpBranchCompare, Rs1: candidate, Rs2: limit, Imm1: int64(isa.BranchCondGeU)}, ok)
	m.emit(isa.Instruction{Op: isa.OpTrap})
	m.placeLabel(ok)
}

// emitEpilogue restores the caller's frame and returns through RA. S0 is
// dual-purpose: it is both a callee-saved register and the designated
// result register (FunctionABI.ResultReg), so a function with a result
// leaves it holding the value its return site already moved in rather
// than reloading the caller's stale S0 from the frame.
func (m *machineCtx) emitEpilogue(abi *FunctionABI) {
	m.emit(isa.Instruction{Op: isa.OpLoadU64, Rd: isa.RegRA, Rs1: isa.RegSP, Imm0: 0})
	for i, r := range savedRegs {
		if r == isa.RegS0 && abi.HasResult {
			continue
		}
		m.emit(isa.Instruction{Op: isa.OpLoadU64, Rd: r, Rs1: isa.RegSP, Imm0: int64(8 + 8*i)})
	}
	m.emit(isa.Instruction{Op: isa.OpAddImm64, Rd: isa.RegSP, Imm0: abi.FrameSize})
	m.emit(isa.Instruction{Op: isa.OpJumpIndirect, Rs1: isa.RegRA, Imm0: 0})
}
