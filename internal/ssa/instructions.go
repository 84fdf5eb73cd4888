package ssa

import "fmt"

// Opcode is the tag of an SSA Instruction.
type Opcode uint32

const (
	OpcodeInvalid Opcode = iota

	// OpcodeIconst materializes a constant of Type t: `v = iconst.t N`.
	OpcodeIconst

	// Binary integer arithmetic: `v = op.t x, y`.
	OpcodeIadd
	OpcodeIsub
	OpcodeImul
	OpcodeUdiv
	OpcodeSdiv
	OpcodeUrem
	OpcodeSrem
	OpcodeBand
	OpcodeBor
	OpcodeBxor
	OpcodeIshl
	OpcodeUshr
	OpcodeSshr
	OpcodeRotl
	OpcodeRotr

	// OpcodeBnot is a unary bitwise complement: `v = bnot x`.
	OpcodeBnot
	// OpcodeIneg is a unary integer negation: `v = ineg x`.
	OpcodeIneg

	// OpcodeIclz, OpcodeIctz, OpcodePopcnt are unary bit-counting ops.
	OpcodeIclz
	OpcodeIctz
	OpcodePopcnt

	// OpcodeIcmp compares x and y under condition IcmpCond(u1), producing
	// an i32 0/1: `v = icmp.cond x, y`.
	OpcodeIcmp

	// OpcodeSelect picks y if c != 0 else z: `v = select c, y, z`.
	OpcodeSelect

	// OpcodeIExtend widens an i32 to i64; u1 != 0 means sign-extend,
	// otherwise zero-extend: `v = iextend.sign x`.
	OpcodeIExtend
	// OpcodeIreduce narrows an i64 to i32 by truncation (Wasm's wrap):
	// `v = ireduce x`.
	OpcodeIreduce
	// OpcodeExtendLow sign-extends the low u1 bits of x up to its own
	// width (Wasm's i32.extend8_s et al.): `v = extend_low.bits x`.
	OpcodeExtendLow

	// OpcodeGlobalGet/Set read or write module global index u1.
	OpcodeGlobalGet
	OpcodeGlobalSet

	// OpcodeCall invokes a direct function reference (u1 = FuncRef) with
	// args vs: `rvalue = call FN, args...`.
	OpcodeCall
	// OpcodeCallIntrinsic invokes a declared intrinsic (u1 = IntrinsicID)
	// with args vs; used for every WASM memory accessor, memory.size/
	// grow/fill/copy, indirect calls, and the adapter's host_call/pvm_ptr
	// (spec §4.E, §4.D). This is the device that keeps the optimizer from
	// reasoning about target-VM memory directly.
	OpcodeCallIntrinsic

	// OpcodeJump unconditionally transfers to blk with block-parameter
	// arguments vs (the "phi" mechanism — see spec §3/§9 "Phi cycles").
	OpcodeJump
	// OpcodeBrz/OpcodeBrnz conditionally transfer on v == 0 / v != 0.
	OpcodeBrz
	OpcodeBrnz
	// OpcodeBrTable multi-way branches on index v into targets, last
	// entry is the default.
	OpcodeBrTable

	// OpcodeReturn returns rvalues (at most one, spec §9: no multi-value).
	OpcodeReturn

	// OpcodeUnreachable marks a trap with no continuation (Wasm
	// `unreachable`, distinct from a block ending in dead code).
	OpcodeUnreachable
)

func (o Opcode) String() string {
	switch o {
	case OpcodeIconst:
		return "iconst"
	case OpcodeIadd:
		return "iadd"
	case OpcodeIsub:
		return "isub"
	case OpcodeImul:
		return "imul"
	case OpcodeUdiv:
		return "udiv"
	case OpcodeSdiv:
		return "sdiv"
	case OpcodeUrem:
		return "urem"
	case OpcodeSrem:
		return "srem"
	case OpcodeBand:
		return "band"
	case OpcodeBor:
		return "bor"
	case OpcodeBxor:
		return "bxor"
	case OpcodeIshl:
		return "ishl"
	case OpcodeUshr:
		return "ushr"
	case OpcodeSshr:
		return "sshr"
	case OpcodeRotl:
		return "rotl"
	case OpcodeRotr:
		return "rotr"
	case OpcodeBnot:
		return "bnot"
	case OpcodeIneg:
		return "ineg"
	case OpcodeIclz:
		return "clz"
	case OpcodeIctz:
		return "ctz"
	case OpcodePopcnt:
		return "popcnt"
	case OpcodeIcmp:
		return "icmp"
	case OpcodeSelect:
		return "select"
	case OpcodeIExtend:
		return "iextend"
	case OpcodeIreduce:
		return "ireduce"
	case OpcodeExtendLow:
		return "extend_low"
	case OpcodeGlobalGet:
		return "global_get"
	case OpcodeGlobalSet:
		return "global_set"
	case OpcodeCall:
		return "call"
	case OpcodeCallIntrinsic:
		return "call_intrinsic"
	case OpcodeJump:
		return "jump"
	case OpcodeBrz:
		return "brz"
	case OpcodeBrnz:
		return "brnz"
	case OpcodeBrTable:
		return "br_table"
	case OpcodeReturn:
		return "return"
	case OpcodeUnreachable:
		return "unreachable"
	default:
		return "invalid"
	}
}

// IsBranching reports whether the instruction transfers control within
// the function's own CFG (excludes Return/Unreachable/Call, which do not
// target a BasicBlock).
func (o Opcode) IsBranching() bool {
	switch o {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable:
		return true
	default:
		return false
	}
}

// IsTerminator reports whether o must be the last instruction of its
// block.
func (o Opcode) IsTerminator() bool {
	switch o {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable, OpcodeReturn, OpcodeUnreachable:
		return true
	default:
		return false
	}
}

// IcmpCond is the condition code carried by OpcodeIcmp in Instruction.u1.
type IcmpCond uint64

const (
	IcmpEq IcmpCond = iota
	IcmpNe
	IcmpUnsignedLt
	IcmpUnsignedLe
	IcmpUnsignedGt
	IcmpUnsignedGe
	IcmpSignedLt
	IcmpSignedLe
	IcmpSignedGt
	IcmpSignedGe
)

func (c IcmpCond) String() string {
	return [...]string{"eq", "ne", "ult", "ule", "ugt", "uge", "slt", "sle", "sgt", "sge"}[c]
}

// Inverted returns the negation of c (used by branch-fusion and by
// dead-branch simplification).
func (c IcmpCond) Inverted() IcmpCond {
	switch c {
	case IcmpEq:
		return IcmpNe
	case IcmpNe:
		return IcmpEq
	case IcmpUnsignedLt:
		return IcmpUnsignedGe
	case IcmpUnsignedLe:
		return IcmpUnsignedGt
	case IcmpUnsignedGt:
		return IcmpUnsignedLe
	case IcmpUnsignedGe:
		return IcmpUnsignedLt
	case IcmpSignedLt:
		return IcmpSignedGe
	case IcmpSignedLe:
		return IcmpSignedGt
	case IcmpSignedGt:
		return IcmpSignedLe
	case IcmpSignedGe:
		return IcmpSignedLt
	default:
		panic("invalid IcmpCond")
	}
}

// IntrinsicID identifies one of the declared intrinsic functions that
// memory accesses, bulk-memory ops, indirect calls, and adapter-provided
// host hooks lower to (spec §3 "SSA module", §4.E, §4.D).
type IntrinsicID uint32

const (
	IntrinsicLoadI32 IntrinsicID = iota
	IntrinsicLoadI64
	IntrinsicLoadI32_8S
	IntrinsicLoadI32_8U
	IntrinsicLoadI32_16S
	IntrinsicLoadI32_16U
	IntrinsicLoadI64_8S
	IntrinsicLoadI64_8U
	IntrinsicLoadI64_16S
	IntrinsicLoadI64_16U
	IntrinsicLoadI64_32S
	IntrinsicLoadI64_32U
	IntrinsicStoreI32
	IntrinsicStoreI64
	IntrinsicStoreI32_8
	IntrinsicStoreI32_16
	IntrinsicStoreI64_8
	IntrinsicStoreI64_16
	IntrinsicStoreI64_32
	IntrinsicMemorySize
	IntrinsicMemoryGrow
	IntrinsicMemoryFill
	IntrinsicMemoryCopy
	// IntrinsicIndirectCall's args are (typeIndex, tableIndex, callArgs...).
	IntrinsicIndirectCall
	// IntrinsicHostCall's first arg must be a compile-time constant
	// identifier (spec §4.G "Intrinsic lowering").
	IntrinsicHostCall
	IntrinsicPvmPtr
	IntrinsicAbs
	IntrinsicSmin
	IntrinsicSmax
	IntrinsicUmin
	IntrinsicUmax
	IntrinsicBswap
)

var intrinsicNames = [...]string{
	"load_i32", "load_i64", "load_i32_8s", "load_i32_8u", "load_i32_16s", "load_i32_16u",
	"load_i64_8s", "load_i64_8u", "load_i64_16s", "load_i64_16u", "load_i64_32s", "load_i64_32u",
	"store_i32", "store_i64", "store_i32_8", "store_i32_16", "store_i64_8", "store_i64_16", "store_i64_32",
	"memory_size", "memory_grow", "memory_fill", "memory_copy",
	"indirect_call", "host_call", "pvm_ptr", "abs", "smin", "smax", "umin", "umax", "bswap",
}

func (i IntrinsicID) String() string {
	if int(i) < len(intrinsicNames) {
		return intrinsicNames[i]
	}
	return "invalid_intrinsic"
}

// FuncRef identifies a defined (non-intrinsic) function in the SSA
// module's function index space.
type FuncRef uint32

// InstructionGroupID groups side-effect-interchangeable instructions,
// exactly as the teacher's documentation describes: two instructions with
// the same group ID can be freely reordered/merged by the backend;
// crossing a side-effecting instruction (a call, a store intrinsic, or a
// block terminator) always starts a new group. Consulted by instruction
// selection when fusing e.g. compare-and-branch.
type InstructionGroupID uint32

// Instruction is a flattened tagged-union SSA instruction: one Go struct
// for every opcode rather than one type per opcode, matching the
// teacher's representation and for the same reason (uniform storage in a
// doubly-linked per-block list, no per-instruction interface dispatch).
type Instruction struct {
	opcode     Opcode
	u1         uint64 // cond code / intrinsic id / func ref / global index / const value low / extend_low bit width
	u2         uint64 // const value high (i64)
	typ        Type
	v, v2, v3  Value
	vs         []Value
	targets    []*basicBlock
	targetArgs [][]Value
	rValue     Value
	gid        InstructionGroupID
	prev, next *Instruction
	blk        *basicBlock
}

func (i *Instruction) reset() {
	*i = Instruction{v: ValueInvalid, v2: ValueInvalid, v3: ValueInvalid, rValue: ValueInvalid}
}

func (i *Instruction) Opcode() Opcode              { return i.opcode }
func (i *Instruction) Type() Type                  { return i.typ }
func (i *Instruction) Return() Value               { return i.rValue }
func (i *Instruction) Arg() Value                  { return i.v }
func (i *Instruction) Arg2() (Value, Value)        { return i.v, i.v2 }
func (i *Instruction) Arg3() (Value, Value, Value) { return i.v, i.v2, i.v3 }
func (i *Instruction) Args() []Value               { return i.vs }
func (i *Instruction) GroupID() InstructionGroupID { return i.gid }
func (i *Instruction) Next() *Instruction          { return i.next }
func (i *Instruction) Prev() *Instruction          { return i.prev }
func (i *Instruction) Block() BasicBlock           { return i.blk }

// ConstValue returns the constant payload of an OpcodeIconst instruction.
func (i *Instruction) ConstValue() uint64 {
	if i.typ == TypeI64 {
		return i.u1 | i.u2<<32
	}
	return i.u1 & 0xffffffff
}

// IcmpCond returns the condition code of an OpcodeIcmp instruction.
func (i *Instruction) IcmpCond() IcmpCond { return IcmpCond(i.u1) }

// ExtendSigned reports whether an OpcodeIExtend instruction sign-extends.
func (i *Instruction) ExtendSigned() bool { return i.u1 != 0 }

// ExtendLowBits returns the bit width an OpcodeExtendLow instruction
// sign-extends from (8, 16, or 32).
func (i *Instruction) ExtendLowBits() int { return int(i.u1) }

// GlobalIndex returns the module global index of an OpcodeGlobalGet/Set.
func (i *Instruction) GlobalIndex() uint32 { return uint32(i.u1) }

// FuncRef returns the callee of an OpcodeCall instruction.
func (i *Instruction) FuncRef() FuncRef { return FuncRef(i.u1) }

// Intrinsic returns the intrinsic ID of an OpcodeCallIntrinsic instruction.
func (i *Instruction) Intrinsic() IntrinsicID { return IntrinsicID(i.u1) }

// BrTargets returns the jump targets of a branching instruction and, for
// each, the block-parameter arguments supplied along that edge.
func (i *Instruction) BrTargets() ([]*basicBlock, [][]Value) { return i.targets, i.targetArgs }

func (i *Instruction) String() string {
	switch i.opcode {
	case OpcodeIconst:
		return fmt.Sprintf("%s = iconst.%s %d", i.rValue, i.typ, i.ConstValue())
	case OpcodeIcmp:
		return fmt.Sprintf("%s = icmp %s %s, %s", i.rValue, i.IcmpCond(), i.v, i.v2)
	case OpcodeCallIntrinsic:
		return fmt.Sprintf("%s = call_intrinsic %s %v", i.rValue, i.Intrinsic(), i.vs)
	default:
		return fmt.Sprintf("%s = %s %s %s %s %v", i.rValue, i.opcode, i.v, i.v2, i.v3, i.vs)
	}
}
