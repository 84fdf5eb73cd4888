// Package regalloc assigns the target VM's four callee-saved registers
// (isa.RegS0-RegS3) to the SSA values most worth keeping live across
// block boundaries. Grounded on the teacher's internal/engine/wazevo/
// backend/regalloc package in spirit only: the teacher's regalloc.Function
// / Block / Instr interfaces model a full interval-tree allocator able to
// spill across an arbitrary register file for any of several target
// architectures. This compiler's target has exactly four allocatable
// registers and the spec calls for "a simplified linear-scan allocator"
// (SPEC_FULL.md §4.H Open Question resolution), so the generic interfaces
// were not adaptable; this package is a from-scratch, narrower
// replacement scoped to that one simplification. See DESIGN.md.
package regalloc

import "sort"

// Candidate describes one SSA value (identified by its opaque key, the
// caller's ssa.Value cast to uint32) as a register-cache candidate.
type Candidate struct {
	Value uint32
	// Uses is the number of instructions that read Value after its
	// definition, across the whole function.
	Uses int
	// CrossesBlock is true if Value is read in a block other than the one
	// that defines it — the only values worth caching at all, since a
	// value used only within its own defining block can keep its
	// operands in fresh temporaries without a cache (SPEC_FULL.md §4.H
	// "invalidated at block boundaries").
	CrossesBlock bool
	// CrossesLoop is true if Value is live across a loop back-edge,
	// making it the highest-priority candidate: it would otherwise be
	// rematerialized on every iteration.
	CrossesLoop bool
}

// Assignment is the outcome for one candidate: either a register or "no
// cache", meaning the value must be reloaded from its stack slot at every
// use.
type Assignment struct {
	Reg   byte // isa.Reg, kept untyped here to avoid an import cycle with isa for register constants
	InReg bool
}

// NumRegs is the count of callee-saved registers available to allocate
// (isa.RegS0..isa.RegS3).
const NumRegs = 4

// Allocate runs a simplified linear-scan pass: sort candidates by
// (crosses-loop, crosses-block, use-count) descending and hand the first
// NumRegs of them a register, in register order (SPEC_FULL.md §4.H). This
// is not true linear-scan interval splitting — there is no spilling of an
// already-assigned register mid-range, and overlapping live ranges are not
// detected — which is the documented narrowing from the teacher's general
// allocator; both are acceptable because every cached value is reloaded
// from its stack slot on a cache miss rather than relying on the register
// holding the only copy (SPEC_FULL.md §4.G "per-block register cache").
func Allocate(candidates []Candidate, firstReg byte) map[uint32]Assignment {
	elig := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.CrossesBlock && c.Uses >= 2 {
			elig = append(elig, c)
		}
	}
	sort.SliceStable(elig, func(i, j int) bool {
		if elig[i].CrossesLoop != elig[j].CrossesLoop {
			return elig[i].CrossesLoop
		}
		return elig[i].Uses > elig[j].Uses
	})

	out := make(map[uint32]Assignment, len(candidates))
	for i, c := range elig {
		if i >= NumRegs {
			break
		}
		out[c.Value] = Assignment{Reg: firstReg + byte(i), InReg: true}
	}
	return out
}
