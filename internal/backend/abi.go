// Package backend lowers one function's optimized SSA into target-VM
// instructions (SPEC_FULL.md §4.G, components G/H). Grounded on the
// teacher's internal/engine/wazevo/backend package split (abi.go,
// machine.go, regalloc package) but rewritten around a single concrete
// target rather than the teacher's generic, multi-architecture
// abstractions: this compiler has exactly one target ISA, so the
// teacher's type-parameterized FunctionABI[R FunctionABIRegInfo] and its
// Go-runtime-aware Machine interface (Go-entry trampolines, stack-growth
// sequences, wazevoapi.ExitCode) have no equivalent here and were not
// adapted — see DESIGN.md for the per-file justification.
package backend

import (
	"wasm2pvm/internal/isa"
	"wasm2pvm/internal/ssa"
)

const (
	// frameHeaderSize is the fixed portion of a call frame (saved RA, saved
	// callee-saved registers, spill area housekeeping), SPEC_FULL.md §4.G.
	frameHeaderSize = 40
	// slotSize is the width of one stack slot: every SSA value gets one
	// 8-byte slot, whether it is i32 or i64 (SPEC_FULL.md §4.G
	// "one stack slot per SSA value").
	slotSize = 8
	// maxParamRegs is the number of parameter registers in the calling
	// convention (isa.ParamRegs): RegS0-RegS3.
	maxParamRegs = 4
)

// ParamLoc is where one parameter lives on function entry: either a
// parameter register or a fixed offset into the parameter-overflow region
// of global memory (SPEC_FULL.md §6 "parameter overflow 0x32000-").
type ParamLoc struct {
	InReg    bool
	Reg      isa.Reg
	Overflow int64
}

// FunctionABI is the concrete (non-generic) calling-convention
// computation for one function signature: which parameters arrive in
// registers vs. the overflow region, and the frame size the prologue must
// reserve.
type FunctionABI struct {
	Params    []ParamLoc
	HasResult bool
	// ResultReg is always isa.RegS0: lower.go copies the return value
	// there before emitting the function's epilogue, so callers always
	// find a single-value result in the same place regardless of callee.
	ResultReg isa.Reg
	FrameSize int64
}

// NewFunctionABI computes the ABI for sig, a function whose lowering will
// use slotCount stack slots (one per SSA value the instruction selector
// allocated).
func NewFunctionABI(sig *ssa.Signature, slotCount int) *FunctionABI {
	a := &FunctionABI{
		Params:    make([]ParamLoc, len(sig.Params)),
		HasResult: len(sig.Results) > 0,
		ResultReg: isa.RegS0,
	}
	var overflow int64
	for i := range sig.Params {
		if i < maxParamRegs {
			a.Params[i] = ParamLoc{InReg: true, Reg: isa.ParamRegs[i]}
			continue
		}
		a.Params[i] = ParamLoc{Overflow: overflow}
		overflow += slotSize
	}
	a.FrameSize = frameHeaderSize + int64(slotCount)*slotSize
	return a
}
