package isa

// InstructionStartMask walks the raw instruction stream and returns a
// bit-packed mask of ⌈len(stream)/8⌉ bytes where bit i of byte i/8 is set
// iff stream[i] begins an instruction (SPEC_FULL.md §6, §8). Used by the
// image encoder and, on the decode side, by anything that must resume
// disassembly at an arbitrary jump target without re-scanning from byte 0.
func InstructionStartMask(stream []byte) ([]byte, error) {
	mask := make([]byte, (len(stream)+7)/8)
	off := 0
	for off < len(stream) {
		mask[off/8] |= 1 << uint(off%8)
		_, n, err := Decode(stream[off:])
		if err != nil {
			return nil, err
		}
		off += n
	}
	return mask, nil
}
