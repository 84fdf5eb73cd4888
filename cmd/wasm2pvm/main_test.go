package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wasm2pvm/internal/leb128"
	"wasm2pvm/internal/wasm"
)

// writeMinimalModule hand-assembles a WASM binary declaring one function
// of type ()->i32, exported as "_start", that returns the constant 42 —
// just enough for the CLI tests below to exercise a real compile.
func writeMinimalModule(t *testing.T, path string) {
	t.Helper()

	var typeSection []byte
	typeSection = leb128.EncodeUint32(typeSection, 1)
	typeSection = append(typeSection, 0x60, 0x00, 0x01, byte(wasm.ValueTypeI32))

	var funcSection []byte
	funcSection = leb128.EncodeUint32(funcSection, 1)
	funcSection = leb128.EncodeUint32(funcSection, 0)

	var exportSection []byte
	exportSection = leb128.EncodeUint32(exportSection, 1)
	name := "_start"
	exportSection = leb128.EncodeUint32(exportSection, uint32(len(name)))
	exportSection = append(exportSection, name...)
	exportSection = append(exportSection, 0x00)
	exportSection = leb128.EncodeUint32(exportSection, 0)

	body := []byte{0x41, 42, 0x0b} // i32.const 42; end
	var fnBody []byte
	fnBody = leb128.EncodeUint32(fnBody, 0)
	fnBody = append(fnBody, body...)

	var codeSection []byte
	codeSection = leb128.EncodeUint32(codeSection, 1)
	codeSection = leb128.EncodeUint32(codeSection, uint32(len(fnBody)))
	codeSection = append(codeSection, fnBody...)

	section := func(id byte, payload []byte) []byte {
		out := []byte{id}
		out = leb128.EncodeUint32(out, uint32(len(payload)))
		return append(out, payload...)
	}

	raw := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	raw = append(raw, section(1, typeSection)...)
	raw = append(raw, section(3, funcSection)...)
	raw = append(raw, section(7, exportSection)...)
	raw = append(raw, section(10, codeSection)...)

	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestCompileCommand(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.wasm")
	writeMinimalModule(t, inputPath)
	outputPath := filepath.Join(dir, "out.pvm")

	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{"compile", inputPath, "-o", outputPath})
	require.Equal(t, 0, code)
	require.Empty(t, stdErr.String())
	require.Contains(t, stdOut.String(), "out.pvm")

	image, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.NotEmpty(t, image)
}

func TestCompileCommand_DefaultOutputPath(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.wasm")
	writeMinimalModule(t, inputPath)

	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{"compile", inputPath})
	require.Equal(t, 0, code)
	require.Empty(t, stdErr.String())

	_, err := os.Stat(filepath.Join(dir, "test.pvm"))
	require.NoError(t, err)
}

func TestCompileCommand_MissingFile(t *testing.T) {
	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{"compile", "does-not-exist.wasm"})
	require.Equal(t, 1, code)
	require.Contains(t, stdErr.String(), "malformed module")
}

func TestCompileCommand_OptimizationToggles(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.wasm")
	writeMinimalModule(t, inputPath)
	outputPath := filepath.Join(dir, "out.pvm")

	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{
		"compile", inputPath, "-o", outputPath,
		"--no-llvm-passes", "--no-inline", "--no-register-cache", "--no-register-alloc",
	})
	require.Equal(t, 0, code)
	require.Empty(t, stdErr.String())
}

func TestCompileCommand_ConfigProfile(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "test.wasm")
	writeMinimalModule(t, inputPath)
	outputPath := filepath.Join(dir, "out.pvm")
	configPath := filepath.Join(dir, "profile.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("no_inline = true\n"), 0o644))

	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{"compile", inputPath, "-o", outputPath, "--config", configPath})
	require.Equal(t, 0, code)
	require.Empty(t, stdErr.String())
}

func TestVersionFlag(t *testing.T) {
	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(stdOut, stdErr, []string{"--version"})
	require.Equal(t, 0, code)
	require.Contains(t, stdOut.String(), version)
	require.Empty(t, stdErr.String())
}
