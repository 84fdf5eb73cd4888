package ssa

import (
	"fmt"
)

// Builder constructs one Function's SSA body at a time. Grounded directly
// on the teacher's ssa.Builder: Values and block parameters are produced
// by the sealed-block variable-resolution algorithm of Braun et al.,
// "Simple and Efficient Construction of Static Single Assignment Form"
// (https://link.springer.com/chapter/10.1007/978-3-642-37051-9_6), the
// same paper the teacher cites. This is how WASM locals end up already in
// SSA form as the frontend walks the operator stream — see DESIGN.md for
// why the resulting promote-stack-slots pass is a verification no-op
// rather than a rewrite.
type Builder interface {
	Init(sig *Signature)
	Signature() *Signature

	CreateBlock() BasicBlock
	EntryBlock() BasicBlock
	SetCurrentBlock(b BasicBlock)
	CurrentBlock() BasicBlock
	SealBlock(b BasicBlock)
	AddBlockParam(b BasicBlock, typ Type) Value

	DeclareVariable(typ Type) Variable
	DefineVariable(v Variable, value Value, blk BasicBlock)
	FindValue(v Variable) Value

	Iconst(typ Type, v uint64) Value
	BinOp(op Opcode, typ Type, x, y Value) Value
	UnOp(op Opcode, typ Type, x Value) Value
	Icmp(cond IcmpCond, x, y Value) Value
	Select(c, x, y Value, typ Type) Value
	IExtend(signed bool, x Value) Value
	Ireduce(x Value) Value
	ExtendLow(bits int, typ Type, x Value) Value
	GlobalGet(idx uint32, typ Type) Value
	GlobalSet(idx uint32, v Value)
	Call(ref FuncRef, sig *Signature, args []Value) Value
	CallIntrinsic(id IntrinsicID, typ Type, args []Value) Value

	Jump(target BasicBlock, args []Value)
	BranchIf(zero bool, cond Value, takenTarget BasicBlock, takenArgs []Value, fallthroughTarget BasicBlock, fallthroughArgs []Value)
	BrTable(index Value, targets []BasicBlock, args []Value)
	Return(v Value)
	Unreachable()

	ValueType(v Value) Type

	RunPasses(names ...string)
	Blocks() []BasicBlock

	Reset()
}

type builder struct {
	sig    *Signature
	blocks []*basicBlock
	cur    *basicBlock

	values []valueData // indexed by Value; values[0] unused (ValueInvalid)

	variables     []Type // indexed by Variable
	nextVariable  Variable

	donePasses bool
}

// NewBuilder constructs an empty Builder ready for Init.
func NewBuilder() Builder {
	b := &builder{}
	b.Reset()
	return b
}

func (b *builder) Reset() {
	b.sig = nil
	b.blocks = nil
	b.cur = nil
	b.values = make([]valueData, 1) // reserve index 0 for ValueInvalid
	b.variables = nil
	b.nextVariable = 0
	b.donePasses = false
}

func (b *builder) Init(sig *Signature) {
	b.Reset()
	b.sig = sig
	entry := b.allocateBlock()
	b.cur = entry
}

func (b *builder) Signature() *Signature { return b.sig }

func (b *builder) allocateBlock() *basicBlock {
	blk := &basicBlock{
		id:         BasicBlockID(len(b.blocks)),
		lastDefs:   make(map[Variable]Value),
		incomplete: make(map[Variable]Value),
	}
	b.blocks = append(b.blocks, blk)
	return blk
}

func (b *builder) CreateBlock() BasicBlock { return b.allocateBlock() }

func (b *builder) EntryBlock() BasicBlock { return b.blocks[0] }

func (b *builder) SetCurrentBlock(bb BasicBlock) { b.cur = bb.(*basicBlock) }

func (b *builder) CurrentBlock() BasicBlock { return b.cur }

func (b *builder) allocateValue(typ Type) Value {
	id := Value(len(b.values))
	b.values = append(b.values, valueData{typ: typ})
	return id
}

func (b *builder) ValueType(v Value) Type { return b.values[v].typ }

func (b *builder) AddBlockParam(raw BasicBlock, typ Type) Value {
	blk := raw.(*basicBlock)
	v := b.allocateValue(typ)
	idx := len(blk.params)
	blk.params = append(blk.params, v)
	blk.paramTypes = append(blk.paramTypes, typ)
	b.values[v].blk = blk
	b.values[v].paramIdx = idx
	return v
}

func (b *builder) DeclareVariable(typ Type) Variable {
	v := b.nextVariable
	b.nextVariable++
	b.variables = append(b.variables, typ)
	return v
}

func (b *builder) DefineVariable(v Variable, value Value, blk BasicBlock) {
	blk.(*basicBlock).lastDefs[v] = value
}

func (b *builder) FindValue(v Variable) Value {
	typ := b.variables[v]
	return b.findValue(typ, v, b.cur)
}

// findValue implements the recursive half of Braun et al.'s algorithm.
func (b *builder) findValue(typ Type, v Variable, blk *basicBlock) Value {
	if val, ok := blk.lastDefs[v]; ok {
		return val
	}
	if !blk.sealed {
		val := b.allocateValue(typ)
		blk.lastDefs[v] = val
		blk.incomplete[v] = val
		return val
	}
	if len(blk.preds) == 1 {
		val := b.findValue(typ, v, blk.preds[0])
		blk.lastDefs[v] = val
		return val
	}
	// Multiple (or zero) predecessors: introduce a block parameter and
	// patch every predecessor's branch to pass the right argument along
	// that edge — this is the "phi" materialization spec.md refers to.
	param := b.AddBlockParam(blk, typ)
	blk.lastDefs[v] = param
	for _, pred := range blk.preds {
		val := b.findValue(typ, v, pred)
		addBranchArgument(pred, blk, val)
	}
	return param
}

func (b *builder) SealBlock(raw BasicBlock) {
	blk := raw.(*basicBlock)
	if len(blk.preds) == 1 {
		// no-op marker; findValue re-checks len(blk.preds)==1 directly.
	}
	blk.sealed = true
	for v, param := range blk.incomplete {
		for _, pred := range blk.preds {
			val := b.findValue(b.variables[v], v, pred)
			addBranchArgument(pred, blk, val)
		}
		_ = param
	}
	blk.incomplete = nil
}

// addBranchArgument appends val to the argument list that from's
// terminator passes to the edge targeting to, recording the (from, to)
// predecessor edge on to the first time it is seen.
func addBranchArgument(from, to *basicBlock, val Value) {
	term := from.tail
	if term == nil {
		panic("addBranchArgument: predecessor block has no terminator yet")
	}
	for i, t := range term.targets {
		if t == to {
			term.targetArgs[i] = append(term.targetArgs[i], val)
			return
		}
	}
	panic(fmt.Sprintf("addBranchArgument: blk%d is not a branch target of blk%d", to.id, from.id))
}

func addPred(to, from *basicBlock) {
	for _, p := range to.preds {
		if p == from {
			return
		}
	}
	to.preds = append(to.preds, from)
	from.succs = append(from.succs, to)
}

func (b *builder) newInstr(op Opcode) *Instruction {
	instr := &Instruction{opcode: op, v: ValueInvalid, v2: ValueInvalid, v3: ValueInvalid, rValue: ValueInvalid}
	return instr
}

func (b *builder) insert(instr *Instruction) { b.cur.insertInstruction(instr) }

func (b *builder) Iconst(typ Type, v uint64) Value {
	instr := b.newInstr(OpcodeIconst)
	instr.typ = typ
	instr.u1 = v & 0xffffffff
	instr.u2 = v >> 32
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) BinOp(op Opcode, typ Type, x, y Value) Value {
	instr := b.newInstr(op)
	instr.typ = typ
	instr.v, instr.v2 = x, y
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) UnOp(op Opcode, typ Type, x Value) Value {
	instr := b.newInstr(op)
	instr.typ = typ
	instr.v = x
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) Icmp(cond IcmpCond, x, y Value) Value {
	instr := b.newInstr(OpcodeIcmp)
	instr.typ = TypeI32
	instr.u1 = uint64(cond)
	instr.v, instr.v2 = x, y
	rv := b.allocateValue(TypeI32)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) Select(c, x, y Value, typ Type) Value {
	instr := b.newInstr(OpcodeSelect)
	instr.typ = typ
	instr.v, instr.v2, instr.v3 = c, x, y
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) IExtend(signed bool, x Value) Value {
	instr := b.newInstr(OpcodeIExtend)
	instr.typ = TypeI64
	if signed {
		instr.u1 = 1
	}
	instr.v = x
	rv := b.allocateValue(TypeI64)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) Ireduce(x Value) Value {
	instr := b.newInstr(OpcodeIreduce)
	instr.typ = TypeI32
	instr.v = x
	rv := b.allocateValue(TypeI32)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) ExtendLow(bits int, typ Type, x Value) Value {
	instr := b.newInstr(OpcodeExtendLow)
	instr.typ = typ
	instr.u1 = uint64(bits)
	instr.v = x
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) GlobalGet(idx uint32, typ Type) Value {
	instr := b.newInstr(OpcodeGlobalGet)
	instr.typ = typ
	instr.u1 = uint64(idx)
	rv := b.allocateValue(typ)
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) GlobalSet(idx uint32, v Value) {
	instr := b.newInstr(OpcodeGlobalSet)
	instr.u1 = uint64(idx)
	instr.v = v
	b.insert(instr)
}

func (b *builder) Call(ref FuncRef, sig *Signature, args []Value) Value {
	instr := b.newInstr(OpcodeCall)
	instr.u1 = uint64(ref)
	instr.vs = args
	var rv Value = ValueInvalid
	if len(sig.Results) == 1 {
		rv = b.allocateValue(sig.Results[0])
		instr.typ = sig.Results[0]
	}
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) CallIntrinsic(id IntrinsicID, typ Type, args []Value) Value {
	instr := b.newInstr(OpcodeCallIntrinsic)
	instr.u1 = uint64(id)
	instr.vs = args
	var rv Value = ValueInvalid
	if typ != typeInvalid {
		rv = b.allocateValue(typ)
		instr.typ = typ
	}
	instr.rValue = rv
	b.insert(instr)
	return rv
}

func (b *builder) Jump(target BasicBlock, args []Value) {
	to := target.(*basicBlock)
	instr := b.newInstr(OpcodeJump)
	instr.targets = []*basicBlock{to}
	instr.targetArgs = [][]Value{cloneValues(args)}
	b.insert(instr)
	addPred(to, b.cur)
}

func (b *builder) BranchIf(zero bool, cond Value, takenTarget BasicBlock, takenArgs []Value, fallthroughTarget BasicBlock, fallthroughArgs []Value) {
	op := OpcodeBrnz
	if zero {
		op = OpcodeBrz
	}
	taken := takenTarget.(*basicBlock)
	fall := fallthroughTarget.(*basicBlock)
	instr := b.newInstr(op)
	instr.v = cond
	instr.targets = []*basicBlock{taken, fall}
	instr.targetArgs = [][]Value{cloneValues(takenArgs), cloneValues(fallthroughArgs)}
	b.insert(instr)
	addPred(taken, b.cur)
	addPred(fall, b.cur)
}

func (b *builder) BrTable(index Value, targets []BasicBlock, args []Value) {
	instr := b.newInstr(OpcodeBrTable)
	instr.v = index
	instr.targets = make([]*basicBlock, len(targets))
	instr.targetArgs = make([][]Value, len(targets))
	for i, t := range targets {
		blk := t.(*basicBlock)
		instr.targets[i] = blk
		instr.targetArgs[i] = cloneValues(args)
		addPred(blk, b.cur)
	}
	b.insert(instr)
}

func (b *builder) Return(v Value) {
	instr := b.newInstr(OpcodeReturn)
	if v.Valid() {
		instr.vs = []Value{v}
	}
	b.insert(instr)
}

func (b *builder) Unreachable() {
	b.insert(b.newInstr(OpcodeUnreachable))
}

func (b *builder) RunPasses(names ...string) {
	for _, name := range names {
		runPass(b, name)
	}
	b.donePasses = true
}

func (b *builder) Blocks() []BasicBlock {
	out := make([]BasicBlock, 0, len(b.blocks))
	for _, blk := range b.blocks {
		if blk.Valid() {
			out = append(out, blk)
		}
	}
	return out
}

func cloneValues(vs []Value) []Value {
	if len(vs) == 0 {
		return nil
	}
	out := make([]Value, len(vs))
	copy(out, vs)
	return out
}
