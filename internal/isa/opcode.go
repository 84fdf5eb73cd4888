package isa

// Shape names the operand layout an opcode decodes into. The shapes
// enumerated here are exactly the ones SPEC_FULL.md §4.A lists; every
// opcode belongs to exactly one.
type Shape byte

const (
	ShapeZero             Shape = iota // no operands: trap, fallthrough
	ShapeOneReg                        // one register: bswap, rotate-by-1 etc.
	ShapeTwoReg                        // two registers: mov, sign/zero extend
	ShapeThreeReg                      // three registers: rd, rs1, rs2
	ShapeOneImm                        // one immediate: unconditional jump by byte offset, ecalli
	ShapeRegImm                        // register + immediate: load-immediate, immediate-operand ALU
	ShapeTwoRegImm                     // two registers + immediate: loads/stores, branch-on-compare
	ShapeRegImm2                       // register + two immediates: load-immediate-and-jump fusion
	ShapeTwoRegImm2                    // two registers + two immediates: fused compare-and-branch
	ShapeRegExtImm                     // register + fixed 8-byte immediate: absolute load/store
	ShapeUnknown                       // opcode not in the recognized set; raw bytes preserved verbatim
)

// Opcode is one target-VM instruction kind.
type Opcode byte

const (
	OpUnknown Opcode = iota

	// Arithmetic, three-register form: rd = rs1 op rs2.
	OpAdd32
	OpAdd64
	OpSub32
	OpSub64
	OpMul32
	OpMul64
	OpDivU32
	OpDivU64
	OpDivS32
	OpDivS64
	OpRemU32
	OpRemU64
	OpRemS32
	OpRemS64

	// Arithmetic, register+immediate form: rd = rs1 op imm. Selected
	// instead of a separate load_immediate when one ALU operand is a
	// constant fitting a signed 32-bit field (SPEC_FULL.md §4.G.2).
	OpAddImm32
	OpAddImm64
	OpSubImm32 // only for a constant left-hand side; constant RHS folds to OpAddImm with the negated constant.
	OpSubImm64

	// Bitwise, three-register and register+immediate forms.
	OpAnd
	OpOr
	OpXor
	OpAndImm
	OpOrImm
	OpXorImm

	// Shift, three-register and register+immediate forms.
	OpShl32
	OpShl64
	OpShrU32
	OpShrU64
	OpShrS32
	OpShrS64
	OpShlImm32
	OpShlImm64
	OpShrUImm32
	OpShrUImm64
	OpShrSImm32
	OpShrSImm64

	// Rotate.
	OpRotL32
	OpRotL64
	OpRotR32
	OpRotR64

	// Min/max.
	OpMinU
	OpMinS
	OpMaxU
	OpMaxS

	// Byte swap.
	OpBswap32
	OpBswap64

	// OpMov copies a register's value into another: rd = rs1. Two-register
	// form, same shape as bswap/extend; there is no hardwired zero
	// register in this ISA, so a plain register-to-register copy needs its
	// own opcode rather than an add-against-zero idiom.
	OpMov

	// Compare+set, three-register and register+immediate forms. rd is
	// set to 0 or 1.
	OpSetLtU
	OpSetLtS
	OpSetLtUImm
	OpSetLtSImm

	// Conditional move: rd = cond != 0 ? rs1 : rd (three-register).
	OpCMovNZ
	OpCMovZ

	// Loads, two-register+immediate form: rd = *(base + offset).
	OpLoadU8
	OpLoadU16
	OpLoadU32
	OpLoadU64
	OpLoadS8
	OpLoadS16
	OpLoadS32

	// Stores, two-register+immediate form: *(base + offset) = src.
	OpStoreU8
	OpStoreU16
	OpStoreU32
	OpStoreU64

	// Absolute load/store, register+extended-immediate form: the address
	// is the fixed 8-byte immediate itself, not register-relative.
	OpLoadAbsU8
	OpLoadAbsU16
	OpLoadAbsU32
	OpLoadAbsU64
	OpStoreAbsU8
	OpStoreAbsU16
	OpStoreAbsU32
	OpStoreAbsU64

	// Jumps and branches. OpJump/OpBranchEqImm/OpBranchCompare carry a
	// plain intra-function byte offset (relative to the instruction's own
	// first byte) when used for ordinary control flow (loops, if/else,
	// br_table); the jump table proper (a fixed array of 32-bit absolute
	// code offsets, spec §3/§6) is only consulted by OpJumpIndirect, and
	// only ever populated for the two categories spec §4.I names: call-site
	// return addresses and function-table entry points.
	OpJump           // ShapeOneImm: unconditional jump by byte offset.
	OpJumpIndirect   // ShapeRegImm: jump through the jump table at (reg + offset)/2 - 1.
	OpLoadImmJump    // ShapeRegImm2: rd = imm0 (return-site jump-table-slot encoding), then jump by byte offset imm1 (resolved to the callee's entry via a Fixup before encoding).
	OpBranchEqImm    // ShapeTwoRegImm: if rs1 == rs2, jump by byte offset imm; else fall through.
	OpBranchCompare  // ShapeTwoRegImm2: fused compare-and-branch: if rs1 `cond` rs2, jump by byte offset imm0 (imm1 carries the BranchCond); else fall through.
	OpTrap           // ShapeZero: terminate in the trap state.
	OpFallthrough    // ShapeZero: layout marker meaning "control falls into the next instruction".

	// Host call.
	OpECall // ShapeOneImm: ecalli with a compile-time-constant host-call identifier.

	// OpLoadImm: rd = imm0, unconditionally (no fusion with a jump). Used
	// to materialize the return-site jump-table encoding ahead of an
	// indirect call, where the callee address is not known until runtime
	// and so cannot share OpLoadImmJump's single fused instruction.
	OpLoadImm

	numOpcodes
)

// BranchCond is the comparison OpBranchCompare tests.
type BranchCond byte

const (
	BranchCondEq BranchCond = iota
	BranchCondNe
	BranchCondLtU
	BranchCondLtS
	BranchCondGeU
	BranchCondGeS
)

type opcodeInfo struct {
	name         string
	shape        Shape
	hasDest      bool // the instruction writes a register result (rd)
	terminator   bool // control does not fall through unconditionally to the next instruction
}

var opcodeTable = [numOpcodes]opcodeInfo{
	OpUnknown:      {"unknown", ShapeUnknown, false, false},
	OpAdd32:        {"add32", ShapeThreeReg, true, false},
	OpAdd64:        {"add64", ShapeThreeReg, true, false},
	OpSub32:        {"sub32", ShapeThreeReg, true, false},
	OpSub64:        {"sub64", ShapeThreeReg, true, false},
	OpMul32:        {"mul32", ShapeThreeReg, true, false},
	OpMul64:        {"mul64", ShapeThreeReg, true, false},
	OpDivU32:       {"divu32", ShapeThreeReg, true, false},
	OpDivU64:       {"divu64", ShapeThreeReg, true, false},
	OpDivS32:       {"divs32", ShapeThreeReg, true, false},
	OpDivS64:       {"divs64", ShapeThreeReg, true, false},
	OpRemU32:       {"remu32", ShapeThreeReg, true, false},
	OpRemU64:       {"remu64", ShapeThreeReg, true, false},
	OpRemS32:       {"rems32", ShapeThreeReg, true, false},
	OpRemS64:       {"rems64", ShapeThreeReg, true, false},
	OpAddImm32:     {"add32.imm", ShapeRegImm, true, false},
	OpAddImm64:     {"add64.imm", ShapeRegImm, true, false},
	OpSubImm32:     {"sub32.imm", ShapeRegImm, true, false},
	OpSubImm64:     {"sub64.imm", ShapeRegImm, true, false},
	OpAnd:          {"and", ShapeThreeReg, true, false},
	OpOr:           {"or", ShapeThreeReg, true, false},
	OpXor:          {"xor", ShapeThreeReg, true, false},
	OpAndImm:       {"and.imm", ShapeRegImm, true, false},
	OpOrImm:        {"or.imm", ShapeRegImm, true, false},
	OpXorImm:       {"xor.imm", ShapeRegImm, true, false},
	OpShl32:        {"shl32", ShapeThreeReg, true, false},
	OpShl64:        {"shl64", ShapeThreeReg, true, false},
	OpShrU32:       {"shru32", ShapeThreeReg, true, false},
	OpShrU64:       {"shru64", ShapeThreeReg, true, false},
	OpShrS32:       {"shrs32", ShapeThreeReg, true, false},
	OpShrS64:       {"shrs64", ShapeThreeReg, true, false},
	OpShlImm32:     {"shl32.imm", ShapeRegImm, true, false},
	OpShlImm64:     {"shl64.imm", ShapeRegImm, true, false},
	OpShrUImm32:    {"shru32.imm", ShapeRegImm, true, false},
	OpShrUImm64:    {"shru64.imm", ShapeRegImm, true, false},
	OpShrSImm32:    {"shrs32.imm", ShapeRegImm, true, false},
	OpShrSImm64:    {"shrs64.imm", ShapeRegImm, true, false},
	OpRotL32:       {"rotl32", ShapeThreeReg, true, false},
	OpRotL64:       {"rotl64", ShapeThreeReg, true, false},
	OpRotR32:       {"rotr32", ShapeThreeReg, true, false},
	OpRotR64:       {"rotr64", ShapeThreeReg, true, false},
	OpMinU:         {"minu", ShapeThreeReg, true, false},
	OpMinS:         {"mins", ShapeThreeReg, true, false},
	OpMaxU:         {"maxu", ShapeThreeReg, true, false},
	OpMaxS:         {"maxs", ShapeThreeReg, true, false},
	OpBswap32:      {"bswap32", ShapeTwoReg, true, false},
	OpBswap64:      {"bswap64", ShapeTwoReg, true, false},
	OpMov:          {"mov", ShapeTwoReg, true, false},
	OpSetLtU:       {"setltu", ShapeThreeReg, true, false},
	OpSetLtS:       {"setlts", ShapeThreeReg, true, false},
	OpSetLtUImm:    {"setltu.imm", ShapeRegImm, true, false},
	OpSetLtSImm:    {"setlts.imm", ShapeRegImm, true, false},
	OpCMovNZ:       {"cmovnz", ShapeThreeReg, true, false},
	OpCMovZ:        {"cmovz", ShapeThreeReg, true, false},
	OpLoadU8:       {"load.u8", ShapeTwoRegImm, true, false},
	OpLoadU16:      {"load.u16", ShapeTwoRegImm, true, false},
	OpLoadU32:      {"load.u32", ShapeTwoRegImm, true, false},
	OpLoadU64:      {"load.u64", ShapeTwoRegImm, true, false},
	OpLoadS8:       {"load.s8", ShapeTwoRegImm, true, false},
	OpLoadS16:      {"load.s16", ShapeTwoRegImm, true, false},
	OpLoadS32:      {"load.s32", ShapeTwoRegImm, true, false},
	OpStoreU8:      {"store.u8", ShapeTwoRegImm, false, false},
	OpStoreU16:     {"store.u16", ShapeTwoRegImm, false, false},
	OpStoreU32:     {"store.u32", ShapeTwoRegImm, false, false},
	OpStoreU64:     {"store.u64", ShapeTwoRegImm, false, false},
	OpLoadAbsU8:    {"load.abs.u8", ShapeRegExtImm, true, false},
	OpLoadAbsU16:   {"load.abs.u16", ShapeRegExtImm, true, false},
	OpLoadAbsU32:   {"load.abs.u32", ShapeRegExtImm, true, false},
	OpLoadAbsU64:   {"load.abs.u64", ShapeRegExtImm, true, false},
	OpStoreAbsU8:   {"store.abs.u8", ShapeRegExtImm, false, false},
	OpStoreAbsU16:  {"store.abs.u16", ShapeRegExtImm, false, false},
	OpStoreAbsU32:  {"store.abs.u32", ShapeRegExtImm, false, false},
	OpStoreAbsU64:  {"store.abs.u64", ShapeRegExtImm, false, false},
	OpJump:         {"jump", ShapeOneImm, false, true},
	OpJumpIndirect: {"jump.indirect", ShapeRegImm, false, true},
	OpLoadImmJump:  {"load_imm.jump", ShapeRegImm2, true, true},
	OpBranchEqImm:  {"branch.eqimm", ShapeTwoRegImm, false, true},
	OpBranchCompare: {"branch.cmp", ShapeTwoRegImm2, false, true},
	OpTrap:         {"trap", ShapeZero, false, true},
	OpFallthrough:  {"fallthrough", ShapeZero, false, true},
	OpECall:        {"ecalli", ShapeOneImm, false, false},
	OpLoadImm:      {"load_imm", ShapeRegImm, true, false},
}

// Name returns the opcode's mnemonic, or "unknown" for values outside the
// recognized table.
func (op Opcode) Name() string {
	if int(op) >= len(opcodeTable) {
		return "unknown"
	}
	return opcodeTable[op].name
}

func (op Opcode) info() opcodeInfo {
	if int(op) >= len(opcodeTable) {
		return opcodeTable[OpUnknown]
	}
	return opcodeTable[op]
}

func (op Opcode) shape() Shape { return op.info().shape }
