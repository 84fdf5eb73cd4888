package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/pipeline"
)

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
no_llvm_passes = true
no_inline = true
stack_size = 4096
`), 0o644))

	c, err := LoadProfile(path)
	require.NoError(t, err)
	require.True(t, c.NoLLVMPasses)
	require.True(t, c.NoInline)
	require.False(t, c.NoPeephole)
	require.Equal(t, uint32(4096), c.StackSize)
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestLoadProfile_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid toml"), 0o644))

	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestConfig_Merge(t *testing.T) {
	profile := Config{NoInline: true, StackSize: 1024}
	flags := Config{NoLLVMPasses: true}

	merged := profile.Merge(flags)
	require.True(t, merged.NoInline, "profile toggle must survive a merge that doesn't re-set it")
	require.True(t, merged.NoLLVMPasses, "flag toggle must be applied on top of the profile")
	require.Equal(t, uint32(1024), merged.StackSize, "a zero-valued flag stack size must not clobber the profile's")

	flagsWithStackSize := Config{StackSize: 2048}
	merged2 := profile.Merge(flagsWithStackSize)
	require.Equal(t, uint32(2048), merged2.StackSize, "a non-zero flag stack size overrides the profile's")
}

func TestConfig_ToPipelineOptions(t *testing.T) {
	c := Config{NoInline: true, NoRegisterCache: true, StackSize: 8192}
	opts := c.ToPipelineOptions()
	require.Equal(t, pipeline.Toggles{NoInline: true, NoRegisterCache: true}, opts.Toggles)
	require.Equal(t, uint32(8192), opts.StackSize)
}
