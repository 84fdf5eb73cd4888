package frontend

import (
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/leb128"
	"wasm2pvm/internal/ssa"
	"wasm2pvm/internal/wasm"
)

func (c *Compiler) readU32() uint32 {
	v, _, err := leb128.DecodeUint32(c.r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}

func (c *Compiler) readI32() int32 {
	v, _, err := leb128.DecodeInt32(c.r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}

func (c *Compiler) readI64() int64 {
	v, _, err := leb128.DecodeInt64(c.r)
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	return v
}

// readBlockType accepts only the arities core Wasm (pre multi-value) has:
// empty, or a single i32/i64 result. A type-index or float blocktype
// raises Unsupported.
func (c *Compiler) readBlockType() []ssa.Type {
	b, err := c.r.ReadByte()
	if err != nil {
		panic(compileerr.Wrap(compileerr.MalformedModule, err))
	}
	switch {
	case b == wasm.BlockTypeEmpty:
		return nil
	case wasm.ValueType(b) == wasm.ValueTypeI32:
		return []ssa.Type{ssa.TypeI32}
	case wasm.ValueType(b) == wasm.ValueTypeI64:
		return []ssa.Type{ssa.TypeI64}
	default:
		panic(compileerr.New(compileerr.Unsupported, "block type 0x%x is not representable without float/multi-value support", b))
	}
}

func (c *Compiler) readMemarg() (offset uint32) {
	c.readU32() // alignment hint, unused by this backend
	return c.readU32()
}

// lowerOne lowers the single instruction opcode op (plus whatever
// immediates it carries, read directly off c.r) into c.builder.
func (c *Compiler) lowerOne(op byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(*compileerr.Error); ok {
				err = ce
				return
			}
			panic(r)
		}
	}()

	b := c.builder
	s := &c.state

	switch op {
	case wasm.OpcodeUnreachable:
		b.Unreachable()
		c.startDeadBlock()
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock:
		results := c.readBlockType()
		following := b.CreateBlock()
		for _, t := range results {
			b.AddBlockParam(following, t)
		}
		s.pushControlFrame(controlFrame{kind: frameKindBlock, resultTypes: results, following: following})
	case wasm.OpcodeLoop:
		results := c.readBlockType()
		header := b.CreateBlock()
		following := b.CreateBlock()
		for _, t := range results {
			b.AddBlockParam(following, t)
		}
		b.Jump(header, nil)
		b.SetCurrentBlock(header)
		s.pushControlFrame(controlFrame{kind: frameKindLoop, resultTypes: results, headerBlk: header, following: following})
	case wasm.OpcodeIf:
		results := c.readBlockType()
		cond := s.pop()
		thenBlk := b.CreateBlock()
		elseBlk := b.CreateBlock()
		following := b.CreateBlock()
		for _, t := range results {
			b.AddBlockParam(following, t)
		}
		b.BranchIf(true, cond, elseBlk, nil, thenBlk, nil)
		b.SealBlock(thenBlk)
		s.pushControlFrame(controlFrame{kind: frameKindIf, resultTypes: results, elseBlk: elseBlk, following: following})
		b.SetCurrentBlock(thenBlk)
	case wasm.OpcodeElse:
		f := s.currentFrame()
		args := s.popN(len(f.resultTypes))
		b.Jump(f.following, args)
		s.truncateTo(f.stackBase)
		f.reachedElse = true
		b.SealBlock(f.elseBlk)
		b.SetCurrentBlock(f.elseBlk)
	case wasm.OpcodeEnd:
		f := s.popControlFrame()
		args := s.popN(len(f.resultTypes))
		if len(s.frames) == 0 {
			// The outermost frame is the function body itself: its `end`
			// means return, not branch to a following block.
			var rv ssa.Value = ssa.ValueInvalid
			if len(args) == 1 {
				rv = args[0]
			}
			b.Return(rv)
			return nil
		}
		b.Jump(f.following, args)
		if f.kind == frameKindIf && !f.reachedElse {
			// No explicit else: its body is the implicit identity, valid
			// only when this if has no result (Wasm's validation rule
			// for an else-less if with a non-empty blocktype).
			b.SealBlock(f.elseBlk)
			b.SetCurrentBlock(f.elseBlk)
			b.Jump(f.following, nil)
		}
		if f.kind == frameKindLoop {
			b.SealBlock(f.headerBlk)
		}
		b.SealBlock(f.following)
		b.SetCurrentBlock(f.following)
		for i := range f.resultTypes {
			s.push(f.following.Param(i))
		}
	case wasm.OpcodeBr:
		depth := c.readU32()
		f := s.frameAt(depth)
		target, arity := f.branchTarget()
		args := s.popN(arity)
		b.Jump(target, args)
		c.startDeadBlock()
	case wasm.OpcodeBrIf:
		depth := c.readU32()
		f := s.frameAt(depth)
		target, arity := f.branchTarget()
		cond := s.pop()
		args := peekN(s, arity)
		fallthroughBlk := b.CreateBlock()
		b.BranchIf(false, cond, target, args, fallthroughBlk, nil)
		b.SealBlock(fallthroughBlk)
		b.SetCurrentBlock(fallthroughBlk)
	case wasm.OpcodeBrTable:
		count := c.readU32()
		targets := make([]ssa.BasicBlock, 0, count+1)
		var arity int
		for i := uint32(0); i < count; i++ {
			depth := c.readU32()
			f := s.frameAt(depth)
			t, a := f.branchTarget()
			targets = append(targets, t)
			arity = a
		}
		defDepth := c.readU32()
		defFrame := s.frameAt(defDepth)
		defTarget, _ := defFrame.branchTarget()
		targets = append(targets, defTarget)
		idx := s.pop()
		args := s.popN(arity)
		b.BrTable(idx, targets, args)
		c.startDeadBlock()
	case wasm.OpcodeReturn:
		var rv ssa.Value = ssa.ValueInvalid
		if len(c.typ.Results) == 1 {
			rv = s.pop()
		}
		b.Return(rv)
		c.startDeadBlock()
	case wasm.OpcodeCall:
		idx := c.readU32()
		typ := c.m.TypeOf(idx)
		args := s.popN(len(typ.Params))
		if id, ok := intrinsicImportAt(c.m, idx); ok {
			var rtyp ssa.Type
			if len(typ.Results) == 1 {
				rtyp = wasmTypeToSSA(typ.Results[0])
			}
			rv := b.CallIntrinsic(id, rtyp, args)
			if len(typ.Results) == 1 {
				s.push(rv)
			}
			return nil
		}
		sig := c.signatures[typ]
		rv := b.Call(ssa.FuncRef(idx), sig, args)
		if len(typ.Results) == 1 {
			s.push(rv)
		}
	case wasm.OpcodeCallIndirect:
		typeIdx := c.readU32()
		tableIdx := c.readU32()
		typ := &c.m.Types[typeIdx]
		tblEntry := s.pop()
		args := s.popN(len(typ.Params))
		callArgs := append([]ssa.Value{
			b.Iconst(ssa.TypeI32, uint64(typeIdx)),
			b.Iconst(ssa.TypeI32, uint64(tableIdx)),
			tblEntry,
		}, args...)
		var rtyp ssa.Type
		if len(typ.Results) == 1 {
			rtyp = wasmTypeToSSA(typ.Results[0])
		}
		rv := b.CallIntrinsic(ssa.IntrinsicIndirectCall, rtyp, callArgs)
		if len(typ.Results) == 1 {
			s.push(rv)
		}
	case wasm.OpcodeDrop:
		s.pop()
	case wasm.OpcodeSelect:
		cond := s.pop()
		y := s.pop()
		x := s.pop()
		s.push(b.Select(cond, x, y, b.ValueType(x)))
	case wasm.OpcodeLocalGet:
		idx := c.readU32()
		s.push(b.FindValue(c.localVars[idx]))
	case wasm.OpcodeLocalSet:
		idx := c.readU32()
		b.DefineVariable(c.localVars[idx], s.pop(), b.CurrentBlock())
	case wasm.OpcodeLocalTee:
		idx := c.readU32()
		v := s.stack[len(s.stack)-1]
		b.DefineVariable(c.localVars[idx], v, b.CurrentBlock())
	case wasm.OpcodeGlobalGet:
		idx := c.readU32()
		s.push(b.GlobalGet(idx, wasmTypeToSSA(c.m.Globals[idx].Type.ValType)))
	case wasm.OpcodeGlobalSet:
		idx := c.readU32()
		b.GlobalSet(idx, s.pop())

	case wasm.OpcodeI32Const:
		v := c.readI32()
		s.push(b.Iconst(ssa.TypeI32, uint64(uint32(v))))
	case wasm.OpcodeI64Const:
		v := c.readI64()
		s.push(b.Iconst(ssa.TypeI64, uint64(v)))

	case wasm.OpcodeI32Add, wasm.OpcodeI64Add:
		c.binop(ssa.OpcodeIadd)
	case wasm.OpcodeI32Sub, wasm.OpcodeI64Sub:
		c.binop(ssa.OpcodeIsub)
	case wasm.OpcodeI32Mul, wasm.OpcodeI64Mul:
		c.binop(ssa.OpcodeImul)
	case wasm.OpcodeI32DivS, wasm.OpcodeI64DivS:
		c.binop(ssa.OpcodeSdiv)
	case wasm.OpcodeI32DivU, wasm.OpcodeI64DivU:
		c.binop(ssa.OpcodeUdiv)
	case wasm.OpcodeI32RemS, wasm.OpcodeI64RemS:
		c.binop(ssa.OpcodeSrem)
	case wasm.OpcodeI32RemU, wasm.OpcodeI64RemU:
		c.binop(ssa.OpcodeUrem)
	case wasm.OpcodeI32And, wasm.OpcodeI64And:
		c.binop(ssa.OpcodeBand)
	case wasm.OpcodeI32Or, wasm.OpcodeI64Or:
		c.binop(ssa.OpcodeBor)
	case wasm.OpcodeI32Xor, wasm.OpcodeI64Xor:
		c.binop(ssa.OpcodeBxor)
	case wasm.OpcodeI32Shl, wasm.OpcodeI64Shl:
		c.binop(ssa.OpcodeIshl)
	case wasm.OpcodeI32ShrU, wasm.OpcodeI64ShrU:
		c.binop(ssa.OpcodeUshr)
	case wasm.OpcodeI32ShrS, wasm.OpcodeI64ShrS:
		c.binop(ssa.OpcodeSshr)
	case wasm.OpcodeI32Rotl, wasm.OpcodeI64Rotl:
		c.binop(ssa.OpcodeRotl)
	case wasm.OpcodeI32Rotr, wasm.OpcodeI64Rotr:
		c.binop(ssa.OpcodeRotr)

	case wasm.OpcodeI32Clz, wasm.OpcodeI64Clz:
		c.unop(ssa.OpcodeIclz)
	case wasm.OpcodeI32Ctz, wasm.OpcodeI64Ctz:
		c.unop(ssa.OpcodeIctz)
	case wasm.OpcodeI32Popcnt, wasm.OpcodeI64Popcnt:
		c.unop(ssa.OpcodePopcnt)

	case wasm.OpcodeI32Eqz:
		x := s.pop()
		s.push(b.Icmp(ssa.IcmpEq, x, b.Iconst(ssa.TypeI32, 0)))
	case wasm.OpcodeI64Eqz:
		x := s.pop()
		s.push(b.Icmp(ssa.IcmpEq, x, b.Iconst(ssa.TypeI64, 0)))

	case wasm.OpcodeI32Eq, wasm.OpcodeI64Eq:
		c.icmp(ssa.IcmpEq)
	case wasm.OpcodeI32Ne, wasm.OpcodeI64Ne:
		c.icmp(ssa.IcmpNe)
	case wasm.OpcodeI32LtS, wasm.OpcodeI64LtS:
		c.icmp(ssa.IcmpSignedLt)
	case wasm.OpcodeI32LtU, wasm.OpcodeI64LtU:
		c.icmp(ssa.IcmpUnsignedLt)
	case wasm.OpcodeI32GtS, wasm.OpcodeI64GtS:
		c.icmp(ssa.IcmpSignedGt)
	case wasm.OpcodeI32GtU, wasm.OpcodeI64GtU:
		c.icmp(ssa.IcmpUnsignedGt)
	case wasm.OpcodeI32LeS, wasm.OpcodeI64LeS:
		c.icmp(ssa.IcmpSignedLe)
	case wasm.OpcodeI32LeU, wasm.OpcodeI64LeU:
		c.icmp(ssa.IcmpUnsignedLe)
	case wasm.OpcodeI32GeS, wasm.OpcodeI64GeS:
		c.icmp(ssa.IcmpSignedGe)
	case wasm.OpcodeI32GeU, wasm.OpcodeI64GeU:
		c.icmp(ssa.IcmpUnsignedGe)

	case wasm.OpcodeI32WrapI64:
		s.push(b.Ireduce(s.pop()))
	case wasm.OpcodeI64ExtendI32S:
		s.push(b.IExtend(true, s.pop()))
	case wasm.OpcodeI64ExtendI32U:
		s.push(b.IExtend(false, s.pop()))
	case wasm.OpcodeI32Extend8S:
		s.push(b.ExtendLow(8, ssa.TypeI32, s.pop()))
	case wasm.OpcodeI32Extend16S:
		s.push(b.ExtendLow(16, ssa.TypeI32, s.pop()))
	case wasm.OpcodeI64Extend8S:
		s.push(b.ExtendLow(8, ssa.TypeI64, s.pop()))
	case wasm.OpcodeI64Extend16S:
		s.push(b.ExtendLow(16, ssa.TypeI64, s.pop()))
	case wasm.OpcodeI64Extend32S:
		s.push(b.ExtendLow(32, ssa.TypeI64, s.pop()))

	case wasm.OpcodeMemorySize:
		c.r.ReadByte() // reserved memory index, always 0
		s.push(b.CallIntrinsic(ssa.IntrinsicMemorySize, ssa.TypeI32, nil))
	case wasm.OpcodeMemoryGrow:
		c.r.ReadByte()
		delta := s.pop()
		s.push(b.CallIntrinsic(ssa.IntrinsicMemoryGrow, ssa.TypeI32, []ssa.Value{delta}))

	case wasm.OpcodeI32Load:
		c.load(ssa.IntrinsicLoadI32, ssa.TypeI32)
	case wasm.OpcodeI64Load:
		c.load(ssa.IntrinsicLoadI64, ssa.TypeI64)
	case wasm.OpcodeI32Load8S:
		c.load(ssa.IntrinsicLoadI32_8S, ssa.TypeI32)
	case wasm.OpcodeI32Load8U:
		c.load(ssa.IntrinsicLoadI32_8U, ssa.TypeI32)
	case wasm.OpcodeI32Load16S:
		c.load(ssa.IntrinsicLoadI32_16S, ssa.TypeI32)
	case wasm.OpcodeI32Load16U:
		c.load(ssa.IntrinsicLoadI32_16U, ssa.TypeI32)
	case wasm.OpcodeI64Load8S:
		c.load(ssa.IntrinsicLoadI64_8S, ssa.TypeI64)
	case wasm.OpcodeI64Load8U:
		c.load(ssa.IntrinsicLoadI64_8U, ssa.TypeI64)
	case wasm.OpcodeI64Load16S:
		c.load(ssa.IntrinsicLoadI64_16S, ssa.TypeI64)
	case wasm.OpcodeI64Load16U:
		c.load(ssa.IntrinsicLoadI64_16U, ssa.TypeI64)
	case wasm.OpcodeI64Load32S:
		c.load(ssa.IntrinsicLoadI64_32S, ssa.TypeI64)
	case wasm.OpcodeI64Load32U:
		c.load(ssa.IntrinsicLoadI64_32U, ssa.TypeI64)

	case wasm.OpcodeI32Store:
		c.store(ssa.IntrinsicStoreI32)
	case wasm.OpcodeI64Store:
		c.store(ssa.IntrinsicStoreI64)
	case wasm.OpcodeI32Store8:
		c.store(ssa.IntrinsicStoreI32_8)
	case wasm.OpcodeI32Store16:
		c.store(ssa.IntrinsicStoreI32_16)
	case wasm.OpcodeI64Store8:
		c.store(ssa.IntrinsicStoreI64_8)
	case wasm.OpcodeI64Store16:
		c.store(ssa.IntrinsicStoreI64_16)
	case wasm.OpcodeI64Store32:
		c.store(ssa.IntrinsicStoreI64_32)

	default:
		return compileerr.New(compileerr.Unsupported, "opcode 0x%x is not supported by the integer-only frontend", op)
	}
	return nil
}

// startDeadBlock begins a fresh, unreachable block so subsequent
// instructions (still present in the byte stream until the next
// structural marker) have somewhere valid to land without violating the
// one-terminator-per-block invariant. simplify-cfg later discards it.
func (c *Compiler) startDeadBlock() {
	dead := c.builder.CreateBlock()
	c.builder.SealBlock(dead)
	c.builder.SetCurrentBlock(dead)
}

// intrinsicImportAt reports whether function index idx names one of the
// two adapter intrinsics (host_call, pvm_ptr) the lowering backend
// special-cases, so its call sites bypass ordinary ssa.Builder.Call in
// favor of an ssa.CallIntrinsic (SPEC_FULL.md §4.D, §4.G).
func intrinsicImportAt(m *wasm.Module, idx uint32) (ssa.IntrinsicID, bool) {
	if !m.IsImportedFunction(idx) {
		return 0, false
	}
	var n uint32
	for _, im := range m.Imports {
		if im.Kind != wasm.ImportKindFunc {
			continue
		}
		if n == idx {
			switch im.Name {
			case "host_call":
				return ssa.IntrinsicHostCall, true
			case "pvm_ptr":
				return ssa.IntrinsicPvmPtr, true
			}
			return 0, false
		}
		n++
	}
	return 0, false
}

func (c *Compiler) binop(op ssa.Opcode) {
	s := &c.state
	y := s.pop()
	x := s.pop()
	s.push(c.builder.BinOp(op, c.builder.ValueType(x), x, y))
}

func (c *Compiler) unop(op ssa.Opcode) {
	s := &c.state
	x := s.pop()
	s.push(c.builder.UnOp(op, c.builder.ValueType(x), x))
}

func (c *Compiler) icmp(cond ssa.IcmpCond) {
	s := &c.state
	y := s.pop()
	x := s.pop()
	s.push(c.builder.Icmp(cond, x, y))
}

func (c *Compiler) load(id ssa.IntrinsicID, typ ssa.Type) {
	s := &c.state
	offset := c.readMemarg()
	base := s.pop()
	addr := c.applyOffset(base, offset)
	s.push(c.builder.CallIntrinsic(id, typ, []ssa.Value{addr}))
}

func (c *Compiler) store(id ssa.IntrinsicID) {
	s := &c.state
	offset := c.readMemarg()
	value := s.pop()
	base := s.pop()
	addr := c.applyOffset(base, offset)
	c.builder.CallIntrinsic(id, 0, []ssa.Value{addr, value})
}

func (c *Compiler) applyOffset(base ssa.Value, offset uint32) ssa.Value {
	if offset == 0 {
		return base
	}
	return c.builder.BinOp(ssa.OpcodeIadd, ssa.TypeI32, base, c.builder.Iconst(ssa.TypeI32, uint64(offset)))
}

func peekN(s *loweringState, n int) []ssa.Value {
	if n == 0 {
		return nil
	}
	out := make([]ssa.Value, n)
	copy(out, s.stack[len(s.stack)-n:])
	return out
}
