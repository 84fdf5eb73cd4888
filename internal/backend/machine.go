package backend

import (
	"github.com/rs/zerolog"

	"wasm2pvm/internal/backend/regalloc"
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

// Fixed memory-layout addresses from SPEC_FULL.md §6 (isa.GlobalsBase et
// al.) that instruction selection must bake directly into emitted
// instructions; aliased here under shorter names for readability.
const (
	globalsBase       = isa.GlobalsBase
	paramOverflowBase = isa.ParamOverflowBase
	wasmMemoryBase    = isa.WasmMemoryBase
)

// FixupKind distinguishes the two cross-function unknowns a lowered
// function can still contain once machine.Lower returns.
type FixupKind byte

const (
	// FixupDirectCall marks an OpLoadImmJump whose Imm1 (the callee's
	// entry byte offset) and Imm0 (the return site's jump-table encoding)
	// are unresolved
	// until the pipeline driver (component I) has laid out every
	// function and can compute both.
	FixupDirectCall FixupKind = iota
	// FixupIndirectReturnSite marks an OpLoadImm whose Imm0 needs the
	// jump-table encoding of a globally assigned return-site slot; the call's actual target is
	// resolved at runtime from the dispatch table built by the pipeline
	// driver, so there is no callee address to patch here.
	FixupIndirectReturnSite
)

// Fixup is one unresolved cross-function reference left for the pipeline
// driver. Because this compiler assigns every jump-table slot and callee
// address before the first (and only) time it encodes the instruction
// that needs it, there is no encode-then-patch step anywhere in this
// pipeline: a Fixup is resolved by writing directly into the
// not-yet-encoded Instruction, unlike an assembler that rewrites already
// emitted bytes (SPEC_FULL.md §4.I design note on "patch only the
// fixed-width offset field" — this implementation sidesteps the need for
// a fixed-width field entirely by sequencing resolution strictly before
// encoding).
type Fixup struct {
	InstrIndex int
	Kind       FixupKind
	Callee     uint32 // valid when Kind == FixupDirectCall
}

// LoweredFunction is the output of lowering one SSA function: a straight
// instruction stream (jumps/branches already resolved to intra-function
// byte offsets) plus the handful of cross-function Fixups the pipeline
// driver must still resolve.
type LoweredFunction struct {
	FuncIndex uint32
	ABI       *FunctionABI
	Instrs    []isa.Instruction
	SlotCount int
	Fixups    []Fixup
	// IsLeaf is true when the function contains no direct call and no
	// call_indirect site, so its RA never needs to survive a nested call.
	// A host_call (ecalli) does not clear it.
	IsLeaf bool
}

// reloc is a pending intra-function branch/jump whose target block is
// known but whose byte offset is not, until the whole function has been
// emitted at least once.
// reloc is a pending intra-function jump/branch whose label is known but
// whose byte offset isn't, until the whole function has been emitted at
// least once. label unifies two kinds of target under one integer space:
// an SSA block's ID (used directly, SPEC_FULL.md functions stay far
// below synthLabelBase blocks) or a synthetic label allocated by
// newLabel for a backend-generated control-flow shape that has no
// matching SSA block, such as a memory.fill/memory.copy inline loop.
type reloc struct {
	instrIndex int
	label      uint32
}

// synthLabelBase separates synthetic labels from genuine ssa.BasicBlockID
// values reused as labels verbatim.
const synthLabelBase = 1 << 20

type machineCtx struct {
	log     zerolog.Logger
	b       ssa.Builder
	sig     *ssa.Signature
	abi     *FunctionABI
	funcRef func(ssa.FuncRef) (idx uint32, direct bool)

	instrs []isa.Instruction
	fixups []Fixup
	relocs []reloc

	slotOf    map[ssa.Value]int
	slotCount int

	regCache      map[uint32]regalloc.Assignment
	blockCache    map[ssa.Value]isa.Reg // reset at every block boundary
	labelStart    map[uint32]int
	nextSynthID   uint32
	isLeaf        bool
	scratchNext int

	// epilogueLabel is where every OpcodeReturn jumps; the epilogue itself
	// is emitted once, after the body, and the whole function is then
	// reordered into [prologue][body][epilogue] order (SPEC_FULL.md §4.G).
	epilogueLabel uint32
}

// Lower translates one function's optimized SSA into a LoweredFunction.
// funcRef resolves an ssa.FuncRef to a module-level function index and
// reports whether the callee is a regular (direct-call-lowerable)
// function; it returns direct=false for the handful of intrinsics the
// frontend never emits as OpcodeCall (every intrinsic goes through
// OpcodeCallIntrinsic instead, so in practice funcRef always reports
// direct=true — the flag exists so a future adapter-merged indirection
// has somewhere to plug in without changing this signature).
//
// isEntry skips the stack-overflow check in the prologue: the entry
// function is invoked by the host with a full stack (SPEC_FULL.md §6
// "entry-function convention"). stackLimit is the lowest address a
// non-entry function's adjusted stack pointer may legally reach; below it
// the prologue traps rather than let the call proceed.
func Lower(funcIndex uint32, sig *ssa.Signature, b ssa.Builder, funcRef func(ssa.FuncRef) (uint32, bool), isEntry bool, stackLimit int64, disableRegisterCache bool, log zerolog.Logger) (*LoweredFunction, error) {
	blocks := b.Blocks()

	m := &machineCtx{
		log: log, b: b, sig: sig, funcRef: funcRef,
		slotOf:      make(map[ssa.Value]int),
		labelStart:  make(map[uint32]int, len(blocks)),
		nextSynthID: synthLabelBase,
		isLeaf:      true,
	}
	m.epilogueLabel = m.newLabel()

	// disableRegisterCache (--no-register-cache / --no-register-alloc) feeds
	// Allocate an empty candidate set instead of skipping the call: every
	// value then materializes through its stack slot on each use, the same
	// path collectCacheCandidates's rejected candidates already take.
	var candidates []regalloc.Candidate
	if !disableRegisterCache {
		candidates = collectCacheCandidates(blocks)
	}
	m.regCache = regalloc.Allocate(candidates, byte(isa.RegS0))

	for _, blk := range blocks {
		m.blockCache = make(map[ssa.Value]isa.Reg)
		m.placeLabel(blockLabel(blk.ID()))
		for ins := blk.Root(); ins != nil; ins = ins.Next() {
			if err := m.lowerInstr(blk, ins); err != nil {
				return nil, err
			}
		}
	}
	bodyLen := len(m.instrs)

	// Every parameter gets a slot counted into m.slotCount before the ABI
	// (and therefore FrameSize) is computed, even one the body never
	// actually reads, so the prologue's param copy-in below can never grow
	// the frame past what the prologue itself already reserved.
	entry := b.EntryBlock()
	for i := 0; i < entry.Params(); i++ {
		m.slot(entry.Param(i))
	}

	abi := NewFunctionABI(sig, m.slotCount)
	m.abi = abi

	prologueStart := len(m.instrs)
	m.emitPrologue(abi, entry, isEntry, stackLimit)
	prologueLen := len(m.instrs) - prologueStart

	m.placeLabel(m.epilogueLabel)
	m.emitEpilogue(abi)

	m.reorderForPrologue(bodyLen, prologueLen)
	m.resolveIntraFunctionBranches()

	log.Debug().Uint32("func", funcIndex).Int("instrs", len(m.instrs)).Int("slots", m.slotCount).Msg("lowered function")

	return &LoweredFunction{
		FuncIndex: funcIndex,
		ABI:       abi,
		Instrs:    m.instrs,
		SlotCount: m.slotCount,
		Fixups:    m.fixups,
		IsLeaf:    m.isLeaf,
	}, nil
}

// reorderForPrologue moves the prologue (emitted after the body, once the
// frame size was known) to the front, and the epilogue (emitted right
// after it) stays put at the tail: body and prologue trade places but
// their combined length is unchanged, so the epilogue's physical offset
// never moves. Every relocation, fixup, and label referencing an
// instruction index is remapped through the same function.
func (m *machineCtx) reorderForPrologue(bodyLen, prologueLen int) {
	remap := func(i int) int {
		switch {
		case i < bodyLen:
			return i + prologueLen
		case i < bodyLen+prologueLen:
			return i - bodyLen
		default:
			return i
		}
	}

	reordered := make([]isa.Instruction, len(m.instrs))
	for i, in := range m.instrs {
		reordered[remap(i)] = in
	}
	m.instrs = reordered

	for i := range m.relocs {
		m.relocs[i].instrIndex = remap(m.relocs[i].instrIndex)
	}
	for i := range m.fixups {
		m.fixups[i].InstrIndex = remap(m.fixups[i].InstrIndex)
	}
	for lbl, idx := range m.labelStart {
		m.labelStart[lbl] = remap(idx)
	}
}

// collectCacheCandidates walks every instruction once to find SSA values
// worth keeping in the per-block register cache: used more than once and
// read outside their own defining block (SPEC_FULL.md §4.H).
func collectCacheCandidates(blocks []ssa.BasicBlock) []regalloc.Candidate {
	uses := make(map[ssa.Value]int)
	defBlock := make(map[ssa.Value]ssa.BasicBlockID)
	crossesBlock := make(map[ssa.Value]bool)
	crossesLoop := make(map[ssa.Value]bool)

	for _, blk := range blocks {
		for i := 0; i < blk.Params(); i++ {
			defBlock[blk.Param(i)] = blk.ID()
		}
		for ins := blk.Root(); ins != nil; ins = ins.Next() {
			if r := ins.Return(); r.Valid() {
				defBlock[r] = blk.ID()
			}
		}
	}
	for _, blk := range blocks {
		visit := func(v ssa.Value) {
			if !v.Valid() {
				return
			}
			uses[v]++
			if db, ok := defBlock[v]; ok && db != blk.ID() {
				crossesBlock[v] = true
				// Approximate "loop-carried" by checking whether blk
				// (a block using v) has an edge back to v's defining
				// block (SPEC_FULL.md §4.H "loop back-edge" extension),
				// cheaply, without a full dominator computation.
				for _, s := range blk.Succs() {
					for j := 0; j < s.Preds(); j++ {
						if s.Pred(j).ID() == blk.ID() && s.ID() == db {
							crossesLoop[v] = true
						}
					}
				}
			}
		}
		for ins := blk.Root(); ins != nil; ins = ins.Next() {
			a, a2, a3 := ins.Arg3()
			visit(a)
			visit(a2)
			visit(a3)
			for _, v := range ins.Args() {
				visit(v)
			}
			_, targetArgs := ins.BrTargets()
			for _, args := range targetArgs {
				for _, v := range args {
					visit(v)
				}
			}
		}
	}

	out := make([]regalloc.Candidate, 0, len(uses))
	for v, n := range uses {
		out = append(out, regalloc.Candidate{
			Value:        uint32(v),
			Uses:         n,
			CrossesBlock: crossesBlock[v],
			CrossesLoop:  crossesLoop[v],
		})
	}
	return out
}

func (m *machineCtx) emit(in isa.Instruction) int {
	m.instrs = append(m.instrs, in)
	return len(m.instrs) - 1
}

// slot returns the stack-slot index assigned to v, allocating one on
// first use. SPEC_FULL.md §4.G: one slot per SSA value.
func (m *machineCtx) slot(v ssa.Value) int {
	if s, ok := m.slotOf[v]; ok {
		return s
	}
	s := len(m.slotOf)
	m.slotOf[v] = s
	if s+1 > m.slotCount {
		m.slotCount = s + 1
	}
	return s
}

func (m *machineCtx) slotOffset(v ssa.Value) int64 {
	return frameHeaderSize + int64(m.slot(v))*slotSize
}

// scratch returns the next scratch register in round-robin order over
// isa.ScratchRegs. Values materialized into a scratch register are never
// meant to survive past the instruction that consumes them.
func (m *machineCtx) scratch() isa.Reg {
	r := isa.ScratchRegs[m.scratchNext%len(isa.ScratchRegs)]
	m.scratchNext++
	return r
}

// materialize loads v into a register, preferring the per-block cache,
// then the global register-cache assignment, and falling back to a fresh
// scratch register loaded from v's stack slot.
func (m *machineCtx) materialize(v ssa.Value) isa.Reg {
	if r, ok := m.blockCache[v]; ok {
		return r
	}
	if a, ok := m.regCache[uint32(v)]; ok && a.InReg {
		r := isa.Reg(a.Reg)
		m.emit(isa.Instruction{Op: isa.OpLoadU64, Rd: r, Rs1: isa.RegSP, Imm0: m.slotOffset(v)})
		m.blockCache[v] = r
		return r
	}
	r := m.scratch()
	m.emit(isa.Instruction{Op: isa.OpLoadU64, Rd: r, Rs1: isa.RegSP, Imm0: m.slotOffset(v)})
	return r
}

// storeResult spills the value computed into src down to the stack slot
// backing result, and keeps it warm in the per-block cache if result was
// chosen for register caching.
func (m *machineCtx) storeResult(result ssa.Value, src isa.Reg) {
	m.emit(isa.Instruction{Op: isa.OpStoreU64, Rs1: isa.RegSP, Rs2: src, Imm0: m.slotOffset(result)})
	if a, ok := m.regCache[uint32(result)]; ok && a.InReg {
		dst := isa.Reg(a.Reg)
		if dst != src {
			m.emit(isa.Instruction{Op: isa.OpMov, Rd: dst, Rs1: src})
		}
		m.blockCache[result] = dst
	}
}

// resolveIntraFunctionBranches patches every intra-function jump/branch
// immediate to the byte offset (relative to the instruction's own first
// byte) of its target block's first instruction. Because offsets are
// encoded with the same minimal-width variable-length scheme as any other
// immediate (SPEC_FULL.md §4.A), an offset's own encoded width can in
// principle change as neighboring offsets are patched; three passes
// converge for any function whose offsets don't flip length-class more
// than twice, which covers every function this compiler's scope admits
// (SPEC_FULL.md §1) — true fixed-point iteration is not attempted.
func (m *machineCtx) resolveIntraFunctionBranches() {
	if len(m.relocs) == 0 {
		return
	}
	byteOffset := make([]int64, len(m.instrs)+1)
	for pass := 0; pass < 3; pass++ {
		var off int64
		for idx := range m.instrs {
			byteOffset[idx] = off
			off += int64(len(isa.Encode(nil, &m.instrs[idx])))
		}
		byteOffset[len(m.instrs)] = off
		for _, rl := range m.relocs {
			targetIdx := m.labelStart[rl.label]
			m.instrs[rl.instrIndex].Imm0 = byteOffset[targetIdx] - byteOffset[rl.instrIndex]
		}
	}
}

// blockLabel maps an SSA block ID directly into the unified label space.
func blockLabel(id ssa.BasicBlockID) uint32 { return uint32(id) }

// newLabel allocates a synthetic label for a backend-generated
// control-flow shape with no corresponding SSA block.
func (m *machineCtx) newLabel() uint32 {
	id := m.nextSynthID
	m.nextSynthID++
	return id
}

// placeLabel records that lbl's target is the next instruction to be
// emitted.
func (m *machineCtx) placeLabel(lbl uint32) { m.labelStart[lbl] = len(m.instrs) }

// jumpTo emits op (already carrying any register/compare operands the
// caller filled in) with a placeholder offset and registers a relocation
// so resolveIntraFunctionBranches fills in the real one.
func (m *machineCtx) jumpTo(op isa.Instruction, lbl uint32) {
	idx := m.emit(op)
	m.relocs = append(m.relocs, reloc{instrIndex: idx, label: lbl})
}
