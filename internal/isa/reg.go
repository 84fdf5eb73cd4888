// Package isa defines the target register machine: its thirteen general
// registers, its instruction encoding, and the opcode table the backend
// selects into and the pipeline driver encodes from (SPEC_FULL.md §4.A).
package isa

import "fmt"

// Reg names one of the target VM's 13 general registers (SPEC_FULL.md
// §4.G). The grouping mirrors the calling convention exactly: a register's
// identity is its role, there is no register renaming.
type Reg uint8

const (
	// RegRA holds the return address. Saved/restored by every non-leaf
	// function's prologue/epilogue.
	RegRA Reg = iota
	// RegSP is the stack pointer. The stack grows downward.
	RegSP
	// RegT0-RegT4 are the five scratch/operand temporaries. host_call's
	// five payload arguments are placed here before an ecalli.
	RegT0
	RegT1
	RegT2
	RegT3
	RegT4
	// RegA0 and RegA1 are caller-saved; the entry function additionally
	// uses them as the arguments-pointer and length registers.
	RegA0
	RegA1
	// RegS0-RegS3 are callee-saved and double as the first four parameter
	// registers. Parameters beyond four live in the parameter-overflow
	// region of memory instead.
	RegS0
	RegS1
	RegS2
	RegS3

	NumRegs = 13
)

// ParamRegs lists the four parameter registers in order.
var ParamRegs = [4]Reg{RegS0, RegS1, RegS2, RegS3}

// ScratchRegs lists the five host_call payload registers in order.
var ScratchRegs = [5]Reg{RegT0, RegT1, RegT2, RegT3, RegT4}

// CalleeSaved reports whether r must be preserved across a call.
func (r Reg) CalleeSaved() bool {
	switch r {
	case RegS0, RegS1, RegS2, RegS3:
		return true
	default:
		return false
	}
}

func (r Reg) String() string {
	switch r {
	case RegRA:
		return "ra"
	case RegSP:
		return "sp"
	case RegT0:
		return "t0"
	case RegT1:
		return "t1"
	case RegT2:
		return "t2"
	case RegT3:
		return "t3"
	case RegT4:
		return "t4"
	case RegA0:
		return "a0"
	case RegA1:
		return "a1"
	case RegS0:
		return "s0"
	case RegS1:
		return "s1"
	case RegS2:
		return "s2"
	case RegS3:
		return "s3"
	default:
		return fmt.Sprintf("r?%d", uint8(r))
	}
}

// Valid reports whether r names one of the 13 general registers.
func (r Reg) Valid() bool { return r < NumRegs }
