package isa

// Target-VM absolute memory-layout constants (SPEC_FULL.md §6). Shared
// by the backend (which bakes these addresses directly into emitted
// instructions) and the image encoder (which lays out the RO/RW blobs
// at these same addresses), so they live in this common lowest-level
// package rather than being duplicated.
const (
	// GuardBase is the reserved region that faults on any access.
	GuardBase = 0x00000
	// RODataBase holds the dispatch tables the adapter/pipeline builds
	// from the module's table and element sections.
	RODataBase = 0x10000
	// GapZoneBase is an unmapped guard between the RO data and the
	// read-write globals region.
	GapZoneBase = 0x20000
	// GlobalsBase starts the fixed-width WASM-global storage region,
	// ending at GlobalsBase+0x1FFF.
	GlobalsBase = 0x30000
	// ParamOverflowBase starts the region holding call arguments beyond
	// the four parameter registers.
	ParamOverflowBase = 0x32000
	// SpilledLocalsBase starts the per-function phi/indirect-call spill
	// area referenced by frame layout (SPEC_FULL.md §4.G).
	SpilledLocalsBase = 0x32100
	// WasmMemoryBase is the 4 KiB-aligned base of the translated WASM
	// linear memory; every WASM address is this plus the WASM-relative
	// offset.
	WasmMemoryBase = 0x33000
	// StackSegmentEnd is the initial stack pointer the target VM host
	// loads before invoking the entry function; the stack grows
	// downward from here.
	StackSegmentEnd = 0xFEFE0000
	// ArgsSegmentBase is the read-only input-arguments segment the host
	// maps before invoking the entry function.
	ArgsSegmentBase = 0xFEFF0000
	// ExitAddress is the indirect-jump target that halts execution; the
	// entry function's return address register is pre-loaded with it.
	ExitAddress = 0xFFFF0000
)
