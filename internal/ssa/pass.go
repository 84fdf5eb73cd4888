package ssa

import (
	"strconv"
	"strings"
)

// runPass dispatches one named pass over b. The pipeline invoking this is
// opaque to the SSA library itself — callers name passes by string rather
// than holding function values, so the frontend/pipeline package never
// imports pass internals (SPEC_FULL.md §4.F). Parenthesized suffixes such
// as inst-combine<max-iters=2> carry a pass parameter.
func runPass(b *builder, name string) {
	base, param := splitPassName(name)
	switch base {
	case "promote-stack-slots":
		passPromoteStackSlots(b)
	case "inst-combine":
		iters := 1
		if param != "" {
			if n, err := strconv.Atoi(param); err == nil && n > 0 {
				iters = n
			}
		}
		for i := 0; i < iters; i++ {
			passInstCombine(b)
		}
	case "simplify-cfg":
		passSimplifyCFG(b)
	case "global-numbering":
		passGlobalNumbering(b)
	case "dead-code":
		passDeadCode(b)
	case "inline":
		passInline(b)
	default:
		panic("ssa: unknown pass " + name)
	}
}

func splitPassName(name string) (base, param string) {
	open := strings.IndexByte(name, '<')
	if open < 0 {
		return name, ""
	}
	close := strings.IndexByte(name, '>')
	if close < open {
		return name, ""
	}
	base = name[:open]
	inner := name[open+1 : close]
	if eq := strings.IndexByte(inner, '='); eq >= 0 {
		return base, inner[eq+1:]
	}
	return base, inner
}

// passPromoteStackSlots is a verification no-op: locals never exist as
// addressable stack slots in this builder's output (DefineVariable feeds
// directly into the Braun-et-al construction in builder.go), so there is
// nothing to rewrite. It walks every block once to assert that invariant
// holds instead of silently doing nothing — catching it here is cheaper
// than catching it in the backend.
func passPromoteStackSlots(b *builder) {
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			if instr.opcode == OpcodeInvalid {
				panic("ssa: promote-stack-slots found a reset instruction still linked into a block")
			}
		}
	}
}

// passInstCombine applies local peephole rewrites: constant folding of
// binary ops whose operands both trace to OpcodeIconst, and operand-order
// canonicalization for commutative ops so later passes see a stable shape.
// Each call is one sweep; the pipeline requests multiple iterations via
// inst-combine<max-iters=N>.
func passInstCombine(b *builder) {
	defs := make(valueDefs)
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			if instr.rValue.Valid() {
				defs[instr.rValue] = instr
			}
		}
	}
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			combineOne(instr, defs)
		}
	}
}

func combineOne(instr *Instruction, defs valueDefs) {
	switch instr.opcode {
	case OpcodeIadd, OpcodeIsub, OpcodeImul, OpcodeBand, OpcodeBor, OpcodeBxor:
		if xd, yd := defs[instr.v], defs[instr.v2]; xd != nil && yd != nil &&
			xd.opcode == OpcodeIconst && yd.opcode == OpcodeIconst {
			instr.foldConstBinOp(xd.ConstValue(), yd.ConstValue())
			return
		}
		if instr.opcode != OpcodeIsub && instr.v > instr.v2 {
			instr.v, instr.v2 = instr.v2, instr.v
		}
	}
}

// foldConstBinOp rewrites instr in place into an OpcodeIconst carrying the
// folded result, keeping its original rValue so every use stays valid.
func (i *Instruction) foldConstBinOp(x, y uint64) {
	var result uint64
	switch i.opcode {
	case OpcodeIadd:
		result = x + y
	case OpcodeIsub:
		result = x - y
	case OpcodeImul:
		result = x * y
	case OpcodeBand:
		result = x & y
	case OpcodeBor:
		result = x | y
	case OpcodeBxor:
		result = x ^ y
	}
	if i.typ == TypeI32 {
		result &= 0xffffffff
	}
	rv, typ := i.rValue, i.typ
	*i = Instruction{opcode: OpcodeIconst, typ: typ, rValue: rv, v: ValueInvalid, v2: ValueInvalid, v3: ValueInvalid,
		u1: result & 0xffffffff, u2: result >> 32, prev: i.prev, next: i.next, blk: i.blk}
}

// passSimplifyCFG drops unreachable blocks (no predecessors, not the
// entry block), repeating until no more become unreachable. Blocks that
// hold only a jump are not spliced out.
func passSimplifyCFG(b *builder) {
	changed := true
	for changed {
		changed = false
		for _, blk := range b.blocks {
			if !blk.Valid() || blk.EntryBlock() {
				continue
			}
			if len(blk.preds) == 0 {
				invalidate(blk)
				changed = true
			}
		}
	}
}

func invalidate(blk *basicBlock) {
	blk.invalid = true
	for _, s := range blk.succs {
		for i, p := range s.preds {
			if p == blk {
				s.preds = append(s.preds[:i], s.preds[i+1:]...)
				break
			}
		}
	}
}

// valueDefs maps a Value to the Instruction that defines it, built fresh
// by global-numbering since Instructions don't carry this back-pointer
// directly (only the forward rValue link).
type valueDefs map[Value]*Instruction

// passGlobalNumbering builds the def-use table used by later passes and
// within this call applies global value numbering: two OpcodeIconst
// instructions in the same function with equal (Type, constant) collapse
// to one Value, rewriting every use.
func passGlobalNumbering(b *builder) {
	defs := make(valueDefs)
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			if instr.rValue.Valid() {
				defs[instr.rValue] = instr
			}
		}
	}

	type key struct {
		typ Type
		c   uint64
	}
	seen := make(map[key]Value)
	replace := make(map[Value]Value)
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			if instr.opcode != OpcodeIconst {
				continue
			}
			k := key{instr.typ, instr.ConstValue()}
			if canon, ok := seen[k]; ok {
				replace[instr.rValue] = canon
			} else {
				seen[k] = instr.rValue
			}
		}
	}
	if len(replace) == 0 {
		return
	}
	rewrite := func(v Value) Value {
		if r, ok := replace[v]; ok {
			return r
		}
		return v
	}
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			instr.v = rewrite(instr.v)
			instr.v2 = rewrite(instr.v2)
			instr.v3 = rewrite(instr.v3)
			for i, v := range instr.vs {
				instr.vs[i] = rewrite(v)
			}
			for i, args := range instr.targetArgs {
				for j, v := range args {
					instr.targetArgs[i][j] = rewrite(v)
				}
			}
		}
	}
}

// passDeadCode removes instructions whose result Value has no uses and
// which have no side effect (not a call, store intrinsic, global.set, or
// terminator). Mirrors the teacher's reference-counting dead-code pass.
func passDeadCode(b *builder) {
	uses := make(map[Value]int)
	countUse := func(v Value) {
		if v.Valid() {
			uses[v]++
		}
	}
	for _, blk := range b.blocks {
		for instr := blk.root; instr != nil; instr = instr.next {
			countUse(instr.v)
			countUse(instr.v2)
			countUse(instr.v3)
			for _, v := range instr.vs {
				countUse(v)
			}
			for _, args := range instr.targetArgs {
				for _, v := range args {
					countUse(v)
				}
			}
		}
	}

	for _, blk := range b.blocks {
		var next *Instruction
		for instr := blk.root; instr != nil; instr = next {
			next = instr.next
			if hasSideEffect(instr) {
				continue
			}
			if instr.rValue.Valid() && uses[instr.rValue] == 0 {
				blk.removeInstruction(instr)
			}
		}
	}
}

func hasSideEffect(instr *Instruction) bool {
	switch instr.opcode {
	case OpcodeCall, OpcodeCallIntrinsic, OpcodeGlobalSet:
		return true
	default:
		return instr.opcode.IsTerminator()
	}
}

// passInline is a no-op: it leaves every call in place. Each function is
// built in its own builder, so a pass over one builder never sees a
// callee's body, and no other package performs inlining either.
func passInline(b *builder) {
	_ = b
}
