// Package config binds the CLI's optimization-toggle flags into an
// internal/pipeline.Options, with an optional TOML profile file
// supplying defaults that the individual flags override (component L,
// SPEC_FULL.md §4.I's companion interface). Grounded on the teacher's
// own flag-struct-then-translate approach in its CLI (cmd/wazero's
// doCompile/doRun build a wazero.RuntimeConfig by setting fields one
// flag at a time); TOML profile loading has no direct equivalent in the
// teacher, which takes only flags, so it is adopted from the wider
// ecosystem convention of a structured config file layered under CLI
// flags rather than grounded on a specific pack file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/pipeline"
)

// Config collects every optimization-toggle flag of SPEC_FULL.md §6,
// plus the stack-size override. The zero value matches
// pipeline.Options{}'s zero value: everything enabled, default stack
// size.
type Config struct {
	NoLLVMPasses       bool `toml:"no_llvm_passes"`
	NoPeephole         bool `toml:"no_peephole"`
	NoRegisterCache    bool `toml:"no_register_cache"`
	NoICmpFusion       bool `toml:"no_icmp_fusion"`
	NoShrinkWrap       bool `toml:"no_shrink_wrap"`
	NoDeadStoreElim    bool `toml:"no_dead_store_elim"`
	NoConstProp        bool `toml:"no_const_prop"`
	NoInline           bool `toml:"no_inline"`
	NoCrossBlockCache  bool `toml:"no_cross_block_cache"`
	NoRegisterAlloc    bool `toml:"no_register_alloc"`
	NoFallthroughJumps bool `toml:"no_fallthrough_jumps"`

	// StackSize is the byte length recorded in the image header. Zero
	// selects pipeline's own default.
	StackSize uint32 `toml:"stack_size"`
}

// LoadProfile reads a TOML profile file (the CLI's --config flag) into a
// Config. A file that cannot be read, or that is not valid TOML, is
// reported as a MalformedModule error; an empty file yields the zero
// Config. The CLI only calls LoadProfile when --config was actually
// given a path.
func LoadProfile(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, compileerr.New(compileerr.MalformedModule, "reading config file %q: %v", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, compileerr.New(compileerr.MalformedModule, "parsing config file %q: %v", path, err)
	}
	return c, nil
}

// Merge layers flags (explicitly set on the command line) over c, the
// profile loaded from --config if any. A *_ toggle already true in c
// stays true even if the corresponding flag defaults to false: a
// profile can only add restrictions here, never silently lift one the
// file asked for, which matches --config's documented role as a "default
// toggle set that individual flags override" (SPEC_FULL.md §6) —
// override means a flag can disable more, not less, than the profile.
func (c Config) Merge(flags Config) Config {
	c.NoLLVMPasses = c.NoLLVMPasses || flags.NoLLVMPasses
	c.NoPeephole = c.NoPeephole || flags.NoPeephole
	c.NoRegisterCache = c.NoRegisterCache || flags.NoRegisterCache
	c.NoICmpFusion = c.NoICmpFusion || flags.NoICmpFusion
	c.NoShrinkWrap = c.NoShrinkWrap || flags.NoShrinkWrap
	c.NoDeadStoreElim = c.NoDeadStoreElim || flags.NoDeadStoreElim
	c.NoConstProp = c.NoConstProp || flags.NoConstProp
	c.NoInline = c.NoInline || flags.NoInline
	c.NoCrossBlockCache = c.NoCrossBlockCache || flags.NoCrossBlockCache
	c.NoRegisterAlloc = c.NoRegisterAlloc || flags.NoRegisterAlloc
	c.NoFallthroughJumps = c.NoFallthroughJumps || flags.NoFallthroughJumps
	if flags.StackSize != 0 {
		c.StackSize = flags.StackSize
	}
	return c
}

// ToPipelineOptions builds the pipeline.Options this Config describes.
// ImportMap and Adapter are supplied separately by the CLI, which parses
// them from different files than the profile this Config was built from.
func (c Config) ToPipelineOptions() pipeline.Options {
	return pipeline.Options{
		StackSize: c.StackSize,
		Toggles: pipeline.Toggles{
			NoLLVMPasses:       c.NoLLVMPasses,
			NoPeephole:         c.NoPeephole,
			NoRegisterCache:    c.NoRegisterCache,
			NoICmpFusion:       c.NoICmpFusion,
			NoShrinkWrap:       c.NoShrinkWrap,
			NoDeadStoreElim:    c.NoDeadStoreElim,
			NoConstProp:        c.NoConstProp,
			NoInline:           c.NoInline,
			NoCrossBlockCache:  c.NoCrossBlockCache,
			NoRegisterAlloc:    c.NoRegisterAlloc,
			NoFallthroughJumps: c.NoFallthroughJumps,
		},
	}
}
