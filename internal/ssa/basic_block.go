package ssa

import "fmt"

// BasicBlock is one node of a function's CFG. Every block ends in exactly
// one terminator instruction (spec §3). Block parameters are this IR's
// phi mechanism (spec vocabulary calls these "phi nodes" / "phi
// incoming"; see SPEC_FULL.md §4.E grounding note): a block with
// parameters behaves like a classic phi at every predecessor edge, with
// the incoming value supplied as a branch argument instead of listed
// per-predecessor inside the block.
// Block parameters are allocated through Builder.AddBlockParam rather than
// a method on BasicBlock itself: allocating a parameter also allocates its
// backing Value, which is the Builder's job.
type BasicBlock interface {
	ID() BasicBlockID
	Params() int
	Param(i int) Value
	Root() *Instruction
	Tail() *Instruction
	EntryBlock() bool
	Valid() bool
	Preds() int
	Pred(i int) BasicBlock
	Succs() []BasicBlock
}

type BasicBlockID uint32

type basicBlock struct {
	id         BasicBlockID
	root, tail *Instruction
	params     []Value
	paramTypes []Type
	preds      []*basicBlock
	succs      []*basicBlock
	sealed     bool
	invalid    bool

	// lastDefs/unresolved back the Braun-et-al local-variable SSA
	// construction the frontend performs directly during translation
	// (spec §9 grounding: see DESIGN.md "promote-stack-slots").
	lastDefs   map[Variable]Value
	incomplete map[Variable]Value // Variable -> the param Value added speculatively before sealing

	reversePostOrder int
}

func (b *basicBlock) ID() BasicBlockID { return b.id }

func (b *basicBlock) EntryBlock() bool { return b.id == 0 }

func (b *basicBlock) Valid() bool { return !b.invalid }

func (b *basicBlock) Params() int { return len(b.params) }

func (b *basicBlock) Param(i int) Value { return b.params[i] }

func (b *basicBlock) Root() *Instruction { return b.root }

func (b *basicBlock) Tail() *Instruction { return b.tail }

func (b *basicBlock) Preds() int { return len(b.preds) }

func (b *basicBlock) Pred(i int) BasicBlock { return b.preds[i] }

func (b *basicBlock) Succs() []BasicBlock {
	out := make([]BasicBlock, len(b.succs))
	for i, s := range b.succs {
		out[i] = s
	}
	return out
}

func (b *basicBlock) String() string { return fmt.Sprintf("blk%d", b.id) }

// insertInstruction appends instr to the tail of the block's instruction
// list.
func (b *basicBlock) insertInstruction(instr *Instruction) {
	instr.blk = b
	if b.root == nil {
		b.root = instr
		b.tail = instr
		return
	}
	instr.prev = b.tail
	b.tail.next = instr
	b.tail = instr
}

// removeInstruction unlinks instr from the block's instruction list.
func (b *basicBlock) removeInstruction(instr *Instruction) {
	if instr.prev != nil {
		instr.prev.next = instr.next
	} else {
		b.root = instr.next
	}
	if instr.next != nil {
		instr.next.prev = instr.prev
	} else {
		b.tail = instr.prev
	}
	instr.prev, instr.next = nil, nil
}
