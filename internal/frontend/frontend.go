// Package frontend lowers a WebAssembly function body directly into SSA
// form. Grounded on the teacher's internal/engine/wazevo/frontend package:
// one Compiler reused across every function of a module, a per-function
// Init/LowerToSSA cycle, and a loweringState that tracks the WASM
// operand-stack and the control-frame stack while walking the raw
// instruction bytes once. Narrowed to the integer-only opcode set this
// target ISA has: any float or vector opcode reaching LowerToSSA raises
// compileerr.Unsupported rather than being lowered (SPEC_FULL.md §4.E).
package frontend

import (
	"bufio"
	"bytes"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/ssa"
	"wasm2pvm/internal/wasm"
)

// Compiler lowers every function of one wasm.Module into its own
// ssa.Builder. Per-module state (signatures, the module being compiled) is
// held across calls to Init; per-function state is reset by Init.
type Compiler struct {
	m          *wasm.Module
	signatures map[*wasm.FunctionType]*ssa.Signature

	builder ssa.Builder

	funcIndex   uint32
	typ         *wasm.FunctionType
	localTypes  []wasm.ValueType
	body        []byte
	r           *bufio.Reader
	localVars   []ssa.Variable // index is the Wasm local index (params then declared locals)
	state       loweringState
}

// NewCompiler returns a Compiler bound to m, ready to lower any of its
// defined functions in turn.
func NewCompiler(m *wasm.Module, builder ssa.Builder) *Compiler {
	c := &Compiler{m: m, builder: builder, signatures: make(map[*wasm.FunctionType]*ssa.Signature, len(m.Types))}
	for i := range m.Types {
		sig := signatureFor(&m.Types[i])
		c.signatures[&m.Types[i]] = sig
	}
	return c
}

func signatureFor(typ *wasm.FunctionType) *ssa.Signature {
	sig := &ssa.Signature{
		Params:  make([]ssa.Type, len(typ.Params)),
		Results: make([]ssa.Type, len(typ.Results)),
	}
	for i, p := range typ.Params {
		sig.Params[i] = wasmTypeToSSA(p)
	}
	for i, r := range typ.Results {
		sig.Results[i] = wasmTypeToSSA(r)
	}
	return sig
}

func wasmTypeToSSA(t wasm.ValueType) ssa.Type {
	switch t {
	case wasm.ValueTypeI32:
		return ssa.TypeI32
	case wasm.ValueTypeI64:
		return ssa.TypeI64
	default:
		panic(compileerr.New(compileerr.Unsupported, "non-integer value type %s reached the SSA frontend", t))
	}
}

// Init resets the Compiler for lowering function funcIndex (a module-level
// function index, including imports) with the given signature, declared
// local types, and raw instruction-stream body.
func (c *Compiler) Init(funcIndex uint32, typ *wasm.FunctionType, localTypes []wasm.ValueType, body []byte) {
	c.funcIndex = funcIndex
	c.typ = typ
	c.localTypes = localTypes
	c.body = body
	c.r = bufio.NewReader(bytes.NewReader(body))
	c.state.reset()
	c.builder.Init(c.signatures[typ])
}

// LowerToSSA walks the function body once, emitting SSA into c.builder.
func (c *Compiler) LowerToSSA() error {
	entry := c.builder.EntryBlock()
	c.builder.SetCurrentBlock(entry)

	c.localVars = make([]ssa.Variable, 0, len(c.typ.Params)+len(c.localTypes))
	for _, p := range c.typ.Params {
		typ := wasmTypeToSSA(p)
		v := c.builder.DeclareVariable(typ)
		param := c.builder.AddBlockParam(entry, typ)
		c.builder.DefineVariable(v, param, entry)
		c.localVars = append(c.localVars, v)
	}
	for _, lt := range c.localTypes {
		typ := wasmTypeToSSA(lt)
		v := c.builder.DeclareVariable(typ)
		c.builder.DefineVariable(v, c.builder.Iconst(typ, 0), entry)
		c.localVars = append(c.localVars, v)
	}

	c.state.pushControlFrame(controlFrame{kind: frameKindBlock, resultTypes: resultTypesOf(c.typ)})

	for {
		op, err := c.r.ReadByte()
		if err != nil {
			break
		}
		if err := c.lowerOne(op); err != nil {
			return err
		}
		if len(c.state.frames) == 0 {
			break
		}
	}
	return nil
}

func resultTypesOf(typ *wasm.FunctionType) []ssa.Type {
	out := make([]ssa.Type, len(typ.Results))
	for i, r := range typ.Results {
		out[i] = wasmTypeToSSA(r)
	}
	return out
}

func (c *Compiler) fail(format string, args ...interface{}) error {
	return compileerr.New(compileerr.Unsupported, format, args...)
}
