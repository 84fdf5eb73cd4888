// Package binary implements the WASM binary format codec: decoding a
// standard WASM module binary into the internal/wasm representation
// (spec §4.C, "Module ingestor"). Grounded structurally on the teacher's
// internal/wasm/binary package split (one file's worth of decoding logic
// per section kind is folded together here since this compiler only
// needs to decode, never re-encode, a WASM module).
package binary

import (
	"bufio"
	"bytes"
	"io"

	"github.com/rs/zerolog"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/leb128"
	"wasm2pvm/internal/wasm"
)

var magic = [4]byte{0x00, 0x61, 0x73, 0x6d}

const version1 = 1

type sectionID byte

const (
	sectionCustom sectionID = iota
	sectionType
	sectionImport
	sectionFunction
	sectionTable
	sectionMemory
	sectionGlobal
	sectionExport
	sectionStart
	sectionElement
	sectionCode
	sectionData
	sectionDataCount
)

// Decode parses a WASM binary module. log receives section-level trace
// events when non-nil (component K); pass zerolog.Nop() to disable.
func Decode(r io.Reader, log zerolog.Logger) (*wasm.Module, error) {
	d := &decoder{r: bufio.NewReader(r), log: log}
	return d.decodeModule()
}

type decoder struct {
	r        *bufio.Reader
	log      zerolog.Logger
	offset   int64
	lastSeen sectionID
	sawAny   bool
}

func (d *decoder) fail(kind compileerr.Kind, format string, args ...interface{}) error {
	return compileerr.NewAt(kind, d.offset, format, args...)
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.fail(compileerr.MalformedModule, "unexpected EOF: %v", err)
	}
	d.offset++
	return b, nil
}

func (d *decoder) readBytes(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, d.fail(compileerr.MalformedModule, "unexpected EOF reading %d bytes: %v", n, err)
	}
	d.offset += int64(n)
	return buf, nil
}

func (d *decoder) readU32() (uint32, error) {
	v, n, err := leb128.DecodeUint32(d.r)
	d.offset += int64(n)
	if err != nil {
		return 0, d.fail(compileerr.MalformedModule, "malformed u32: %v", err)
	}
	return v, nil
}

func (d *decoder) readI32() (int32, error) {
	v, n, err := leb128.DecodeInt32(d.r)
	d.offset += int64(n)
	if err != nil {
		return 0, d.fail(compileerr.MalformedModule, "malformed i32: %v", err)
	}
	return v, nil
}

func (d *decoder) readI64() (int64, error) {
	v, n, err := leb128.DecodeInt64(d.r)
	d.offset += int64(n)
	if err != nil {
		return 0, d.fail(compileerr.MalformedModule, "malformed i64: %v", err)
	}
	return v, nil
}

func (d *decoder) readName() (string, error) {
	n, err := d.readU32()
	if err != nil {
		return "", err
	}
	b, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readValueType() (wasm.ValueType, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch wasm.ValueType(b) {
	case wasm.ValueTypeI32, wasm.ValueTypeI64:
		return wasm.ValueType(b), nil
	case wasm.ValueTypeF32, wasm.ValueTypeF64:
		return 0, d.fail(compileerr.Unsupported, "floating-point value type 0x%x", b)
	default:
		return 0, d.fail(compileerr.MalformedModule, "invalid value type 0x%x", b)
	}
}

func (d *decoder) decodeModule() (*wasm.Module, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, d.fail(compileerr.MalformedModule, "truncated header: %v", err)
	}
	d.offset += 8
	if !bytes.Equal(hdr[:4], magic[:]) {
		return nil, d.fail(compileerr.MalformedModule, "bad magic number")
	}
	ver := uint32(hdr[4]) | uint32(hdr[5])<<8 | uint32(hdr[6])<<16 | uint32(hdr[7])<<24
	if ver != version1 {
		return nil, d.fail(compileerr.Unsupported, "unsupported wasm version %d", ver)
	}

	m := &wasm.Module{Start: -1}
	var funcTypeIndices []uint32
	var codeBodies [][]byte
	var codeLocals [][]wasm.ValueType
	var nameDec *decoder
	// sectionRank orders non-custom sections as the binary format places
	// them: DataCount (id 12) sits between Element (9) and Code (10).
	sectionRank := func(id sectionID) int {
		if id == sectionDataCount {
			return int(sectionCode)*2 - 1
		}
		return int(id) * 2
	}

	for {
		idByte, err := d.r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, d.fail(compileerr.MalformedModule, "reading section id: %v", err)
		}
		d.offset++
		id := sectionID(idByte)
		if id != sectionCustom {
			if d.sawAny && sectionRank(id) <= sectionRank(d.lastSeen) {
				return nil, d.fail(compileerr.MalformedModule, "section %d out of order (after %d)", id, d.lastSeen)
			}
			d.lastSeen = id
			d.sawAny = true
		}
		size, err := d.readU32()
		if err != nil {
			return nil, err
		}
		sectionBytes, err := d.readBytes(size)
		if err != nil {
			return nil, err
		}
		sd := &decoder{r: bufio.NewReader(bytes.NewReader(sectionBytes)), log: d.log}
		d.log.Debug().Uint8("section", uint8(id)).Uint32("size", size).Msg("decoding section")

		switch id {
		case sectionCustom:
			// Recognized only for the name section; otherwise ignored.
			name, _ := sd.readName()
			if name == "name" {
				// Best-effort: function-name subsection only, used for
				// diagnostics. Malformed name sections are never fatal.
				// Applied after the loop, once m.Functions exists.
				nameDec = sd
			}
		case sectionType:
			if err := decodeTypeSection(sd, m); err != nil {
				return nil, err
			}
		case sectionImport:
			if err := decodeImportSection(sd, m); err != nil {
				return nil, err
			}
		case sectionFunction:
			n, err := sd.readU32()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				ti, err := sd.readU32()
				if err != nil {
					return nil, err
				}
				funcTypeIndices = append(funcTypeIndices, ti)
			}
		case sectionTable:
			if err := decodeTableSection(sd, m); err != nil {
				return nil, err
			}
		case sectionMemory:
			if err := decodeMemorySection(sd, m); err != nil {
				return nil, err
			}
		case sectionGlobal:
			if err := decodeGlobalSection(sd, m); err != nil {
				return nil, err
			}
		case sectionExport:
			if err := decodeExportSection(sd, m); err != nil {
				return nil, err
			}
		case sectionStart:
			idx, err := sd.readU32()
			if err != nil {
				return nil, err
			}
			m.Start = int64(idx)
		case sectionElement:
			if err := decodeElementSection(sd, m); err != nil {
				return nil, err
			}
		case sectionCode:
			n, err := sd.readU32()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				bodySize, err := sd.readU32()
				if err != nil {
					return nil, err
				}
				bodyBytes, err := sd.readBytes(bodySize)
				if err != nil {
					return nil, err
				}
				fd := &decoder{r: bufio.NewReader(bytes.NewReader(bodyBytes))}
				locals, err := decodeLocals(fd)
				if err != nil {
					return nil, err
				}
				rest, _ := io.ReadAll(fd.r)
				codeLocals = append(codeLocals, locals)
				codeBodies = append(codeBodies, rest)
			}
		case sectionData:
			if err := decodeDataSection(sd, m); err != nil {
				return nil, err
			}
		case sectionDataCount:
			// Value itself is unused by this compiler; presence is legal.
		default:
			return nil, d.fail(compileerr.MalformedModule, "unknown section id %d", id)
		}
	}

	if len(funcTypeIndices) != len(codeBodies) {
		return nil, d.fail(compileerr.MalformedModule, "function section count (%d) does not match code section count (%d)", len(funcTypeIndices), len(codeBodies))
	}
	for i, ti := range funcTypeIndices {
		if int(ti) >= len(m.Types) {
			return nil, d.fail(compileerr.MalformedModule, "function %d: type index %d out of range", i, ti)
		}
		m.Functions = append(m.Functions, wasm.Function{
			TypeIndex: ti,
			Locals:    codeLocals[i],
			Body:      codeBodies[i],
		})
	}
	if nameDec != nil {
		_ = decodeNameSection(nameDec, m)
	}

	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeLocals(d *decoder) ([]wasm.ValueType, error) {
	nRuns, err := d.readU32()
	if err != nil {
		return nil, err
	}
	var locals []wasm.ValueType
	for i := uint32(0); i < nRuns; i++ {
		count, err := d.readU32()
		if err != nil {
			return nil, err
		}
		vt, err := d.readValueType()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < count; j++ {
			locals = append(locals, vt)
		}
	}
	return locals, nil
}

func decodeTypeSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tag, err := d.readByte()
		if err != nil {
			return err
		}
		if tag != 0x60 {
			return d.fail(compileerr.MalformedModule, "invalid function type tag 0x%x", tag)
		}
		np, err := d.readU32()
		if err != nil {
			return err
		}
		params := make([]wasm.ValueType, np)
		for j := range params {
			if params[j], err = d.readValueType(); err != nil {
				return err
			}
		}
		nr, err := d.readU32()
		if err != nil {
			return err
		}
		results := make([]wasm.ValueType, nr)
		for j := range results {
			if results[j], err = d.readValueType(); err != nil {
				return err
			}
		}
		m.Types = append(m.Types, wasm.FunctionType{Params: params, Results: results})
	}
	return nil
}

func decodeImportSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		modName, err := d.readName()
		if err != nil {
			return err
		}
		itemName, err := d.readName()
		if err != nil {
			return err
		}
		kindByte, err := d.readByte()
		if err != nil {
			return err
		}
		im := wasm.Import{Module: modName, Name: itemName, Kind: wasm.ImportKind(kindByte)}
		switch im.Kind {
		case wasm.ImportKindFunc:
			if im.TypeIndex, err = d.readU32(); err != nil {
				return err
			}
		case wasm.ImportKindTable:
			if _, err := d.readByte(); err != nil { // elemtype, always funcref (0x70)
				return err
			}
			if _, err := decodeLimits(d); err != nil {
				return err
			}
		case wasm.ImportKindMemory:
			if _, err := decodeLimits(d); err != nil {
				return err
			}
		case wasm.ImportKindGlobal:
			vt, err := d.readValueType()
			if err != nil {
				return err
			}
			mutByte, err := d.readByte()
			if err != nil {
				return err
			}
			_ = vt
			_ = mutByte
		default:
			return d.fail(compileerr.MalformedModule, "invalid import kind 0x%x", kindByte)
		}
		m.Imports = append(m.Imports, im)
	}
	return nil
}

func decodeLimits(d *decoder) (wasm.Memory, error) {
	flag, err := d.readByte()
	if err != nil {
		return wasm.Memory{}, err
	}
	min, err := d.readU32()
	if err != nil {
		return wasm.Memory{}, err
	}
	lim := wasm.Memory{Min: min}
	if flag == 1 {
		max, err := d.readU32()
		if err != nil {
			return wasm.Memory{}, err
		}
		lim.Max = max
		lim.HasMax = true
	}
	return lim, nil
}

func decodeTableSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := d.readByte(); err != nil { // elemtype
			return err
		}
		lim, err := decodeLimits(d)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, wasm.Table{Size: lim.Min})
	}
	return nil
}

func decodeMemorySection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if n > 1 {
		return d.fail(compileerr.Unsupported, "multiple linear memories")
	}
	lim, err := decodeLimits(d)
	if err != nil {
		return err
	}
	m.Memory = &lim
	return nil
}

const (
	opI32Const  = 0x41
	opI64Const  = 0x42
	opGlobalGet = 0x23
	opEnd       = 0x0b
)

func decodeConstExpr(d *decoder) (wasm.ConstExpr, error) {
	op, err := d.readByte()
	if err != nil {
		return wasm.ConstExpr{}, err
	}
	var ce wasm.ConstExpr
	switch op {
	case opI32Const:
		v, err := d.readI32()
		if err != nil {
			return ce, err
		}
		ce = wasm.ConstExpr{Kind: wasm.ConstExprI32, ValueI32: v}
	case opI64Const:
		v, err := d.readI64()
		if err != nil {
			return ce, err
		}
		ce = wasm.ConstExpr{Kind: wasm.ConstExprI64, ValueI64: v}
	case opGlobalGet:
		idx, err := d.readU32()
		if err != nil {
			return ce, err
		}
		ce = wasm.ConstExpr{Kind: wasm.ConstExprGlobalGet, GlobalIndex: idx}
	case 0x43, 0x44:
		return ce, d.fail(compileerr.Unsupported, "floating-point constant expression")
	default:
		return ce, d.fail(compileerr.MalformedModule, "invalid const expr opcode 0x%x", op)
	}
	end, err := d.readByte()
	if err != nil {
		return ce, err
	}
	if end != opEnd {
		return ce, d.fail(compileerr.MalformedModule, "const expr missing end opcode")
	}
	return ce, nil
}

func decodeGlobalSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		vt, err := d.readValueType()
		if err != nil {
			return err
		}
		mutByte, err := d.readByte()
		if err != nil {
			return err
		}
		init, err := decodeConstExpr(d)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: vt, Mutable: mutByte == 1},
			Init: init,
		})
	}
	return nil
}

func decodeExportSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := d.readName()
		if err != nil {
			return err
		}
		kindByte, err := d.readByte()
		if err != nil {
			return err
		}
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, wasm.Export{Name: name, Kind: wasm.ImportKind(kindByte), Index: idx})
	}
	return nil
}

func decodeElementSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := d.readU32()
		if err != nil {
			return err
		}
		if flags != 0 {
			return d.fail(compileerr.Unsupported, "non-active element segment (flags=%d)", flags)
		}
		offset, err := decodeConstExpr(d)
		if err != nil {
			return err
		}
		cnt, err := d.readU32()
		if err != nil {
			return err
		}
		idxs := make([]uint32, cnt)
		for j := range idxs {
			if idxs[j], err = d.readU32(); err != nil {
				return err
			}
		}
		m.Elements = append(m.Elements, wasm.Element{Offset: offset, FuncIndex: idxs})
	}
	return nil
}

func decodeDataSection(d *decoder, m *wasm.Module) error {
	n, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := d.readU32()
		if err != nil {
			return err
		}
		var data wasm.Data
		switch flags {
		case 0:
			offset, err := decodeConstExpr(d)
			if err != nil {
				return err
			}
			data.Offset = offset
		case 1:
			data.Passive = true
		default:
			return d.fail(compileerr.Unsupported, "data segment flags %d", flags)
		}
		sz, err := d.readU32()
		if err != nil {
			return err
		}
		b, err := d.readBytes(sz)
		if err != nil {
			return err
		}
		data.Bytes = b
		m.Data = append(m.Data, data)
	}
	return nil
}

func decodeNameSection(d *decoder, m *wasm.Module) error {
	for {
		subID, err := d.r.ReadByte()
		if err != nil {
			return nil // best-effort
		}
		size, err := d.readU32()
		if err != nil {
			return nil
		}
		body, err := d.readBytes(size)
		if err != nil {
			return nil
		}
		if subID == 1 { // function names
			sd := &decoder{r: bufio.NewReader(bytes.NewReader(body))}
			cnt, err := sd.readU32()
			if err != nil {
				continue
			}
			nImports := m.NumImportedFunctions()
			for i := uint32(0); i < cnt; i++ {
				idx, err := sd.readU32()
				if err != nil {
					break
				}
				name, err := sd.readName()
				if err != nil {
					break
				}
				if idx >= nImports && int(idx-nImports) < len(m.Functions) {
					m.Functions[idx-nImports].Name = name
				}
			}
		}
	}
}
