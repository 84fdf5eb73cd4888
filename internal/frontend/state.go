package frontend

import "wasm2pvm/internal/ssa"

type frameKind int

const (
	frameKindBlock frameKind = iota
	frameKindLoop
	frameKindIf
)

// controlFrame is one entry of the structured control-flow stack, grounded
// on the teacher's controlFrame/controlFrameKind but narrowed to the
// arity-0-or-1 block types core WebAssembly (no multi-value proposal)
// actually has.
type controlFrame struct {
	kind        frameKind
	resultTypes []ssa.Type
	stackBase   int

	headerBlk ssa.BasicBlock // loop header; branch target for br at this depth when kind == loop
	elseBlk   ssa.BasicBlock // only set for kind == if
	following ssa.BasicBlock // block reached at this frame's matching end
	reachedElse bool
}

// branchTarget returns the block an branch instruction must land on, and
// how many operand-stack values travel with it.
func (f *controlFrame) branchTarget() (ssa.BasicBlock, int) {
	if f.kind == frameKindLoop {
		return f.headerBlk, 0
	}
	return f.following, len(f.resultTypes)
}

type loweringState struct {
	stack  []ssa.Value
	frames []controlFrame
}

func (s *loweringState) reset() {
	s.stack = s.stack[:0]
	s.frames = s.frames[:0]
}

func (s *loweringState) push(v ssa.Value) { s.stack = append(s.stack, v) }

func (s *loweringState) pop() ssa.Value {
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v
}

func (s *loweringState) popN(n int) []ssa.Value {
	if n == 0 {
		return nil
	}
	out := make([]ssa.Value, n)
	copy(out, s.stack[len(s.stack)-n:])
	s.stack = s.stack[:len(s.stack)-n]
	return out
}

func (s *loweringState) truncateTo(base int) { s.stack = s.stack[:base] }

func (s *loweringState) pushControlFrame(f controlFrame) {
	f.stackBase = len(s.stack)
	s.frames = append(s.frames, f)
}

func (s *loweringState) popControlFrame() controlFrame {
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

func (s *loweringState) currentFrame() *controlFrame { return &s.frames[len(s.frames)-1] }

// frameAt returns the frame `depth` levels up the nesting (0 = innermost),
// as named by Wasm's br/br_if/br_table label indices.
func (s *loweringState) frameAt(depth uint32) *controlFrame {
	return &s.frames[len(s.frames)-1-int(depth)]
}
