package isa

// Instruction is one target-VM instruction. All opcodes share this single
// flattened struct rather than one Go type per opcode, the same trade-off
// the SSA builder makes for its own Instruction: a field is meaningful only
// for the shapes that use it, looked up through opcodeTable.
type Instruction struct {
	Op Opcode

	// Rd, Rs1, Rs2 are interpreted per opcode shape; see opcodeTable. Note
	// that ShapeRegImm ALU ops (e.g. OpAddImm32) carry only one register
	// operand, which is both read and overwritten: Rd names it and Rs1 is
	// unused there.
	Rd, Rs1, Rs2 Reg

	Imm0 int64 // ShapeOneImm, ShapeRegImm, ShapeTwoRegImm, ShapeRegImm2[0], ShapeTwoRegImm2[0]
	Imm1 int64 // ShapeRegImm2[1], ShapeTwoRegImm2[1] (BranchCond for OpBranchCompare)

	ExtImm int64 // ShapeRegExtImm: the fixed 8-byte absolute address

	// JumpSlot is the pre-assigned jump-table index for instructions whose
	// target is a callee or block entry rather than a raw PC offset
	// (OpJump, OpLoadImmJump, OpBranchEqImm, OpBranchCompare). The pipeline
	// driver does not read or write it: resolved return-site encodings are
	// written into Imm0 instead.
	JumpSlot uint32
	HasJumpSlot bool

	// Raw holds the original bytes of an opcode not in the recognized set.
	// Only meaningful when Op == OpUnknown.
	Raw []byte
}

// DestRegister returns the register this instruction writes, if any.
func (i *Instruction) DestRegister() (Reg, bool) {
	if !i.Op.info().hasDest {
		return 0, false
	}
	return i.Rd, true
}

// SourceRegisters returns the registers this instruction reads, in no
// particular order. The backing array is reused across calls; callers that
// need to retain the result must copy it.
func (i *Instruction) SourceRegisters() []Reg {
	switch i.Op.shape() {
	case ShapeZero, ShapeOneImm, ShapeUnknown:
		return nil
	case ShapeOneReg:
		return []Reg{i.Rs1}
	case ShapeTwoReg:
		return []Reg{i.Rs1}
	case ShapeThreeReg:
		if i.Op == OpCMovNZ || i.Op == OpCMovZ {
			// Conditional move also reads its destination: rd keeps its
			// old value when the condition doesn't select rs1.
			return []Reg{i.Rd, i.Rs1, i.Rs2}
		}
		return []Reg{i.Rs1, i.Rs2}
	case ShapeRegImm:
		if i.Op == OpJumpIndirect {
			return []Reg{i.Rs1}
		}
		if i.Op == OpLoadImm {
			return nil // pure materialization: rd is written, never read.
		}
		// Register+immediate ALU ops have exactly one register operand,
		// which is read and then overwritten in place: Rd serves as both
		// source and destination.
		return []Reg{i.Rd}
	case ShapeTwoRegImm:
		if i.Op.info().hasDest {
			// loads: Rs1 is the base register; Rd is written.
			return []Reg{i.Rs1}
		}
		// stores and two-register compares: both operands are read.
		return []Reg{i.Rs1, i.Rs2}
	case ShapeRegImm2:
		return nil // OpLoadImmJump takes no register operands.
	case ShapeTwoRegImm2:
		return []Reg{i.Rs1, i.Rs2}
	case ShapeRegExtImm:
		if i.Op.info().hasDest {
			return nil // absolute load: no base register.
		}
		return []Reg{i.Rs1} // absolute store: Rs1 is the value being stored.
	default:
		return nil
	}
}

// IsBlockTerminator reports whether control does not unconditionally fall
// through to the instruction following i (SPEC_FULL.md §4.A): trap,
// fallthrough, every jump/branch variant, and load-immediate-and-jump.
func (i *Instruction) IsBlockTerminator() bool {
	return i.Op.info().terminator
}
