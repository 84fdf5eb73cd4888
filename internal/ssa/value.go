package ssa

import "fmt"

// Value is the ID of an SSA value: defined exactly once, by one
// Instruction or one BasicBlock parameter (spec §3: "Values are SSA
// (defined exactly once)").
type Value uint32

// ValueInvalid is the zero Value, never produced by a real definition.
const ValueInvalid Value = 0

func (v Value) Valid() bool { return v != ValueInvalid }

func (v Value) String() string {
	if !v.Valid() {
		return "v_invalid"
	}
	return fmt.Sprintf("v%d", uint32(v))
}

// Variable identifies a WASM local (or other mutable frontend-level
// variable) during SSA construction, before it has been resolved to a
// concrete Value in a given basic block. Distinct from Value: many
// Values (one per defining block) can correspond to one Variable over
// the lifetime of a function.
type Variable uint32

// valueData holds the definition-site data for one Value: which
// instruction or block parameter produced it, and its Type. Indexed by
// Value so lookups are O(1) slice access rather than a map.
type valueData struct {
	typ   Type
	instr *Instruction // nil if this Value is a block parameter
	blk   *basicBlock  // set if this Value is a block parameter
	paramIdx int
}
