// Command wasm2pvm compiles a WASM binary into a target-VM program image
// (component J, SPEC_FULL.md §6). Grounded on the teacher's own
// cmd/wazero CLI in its separation of a testable entrypoint from
// os.Exit/flag plumbing, rewritten around cobra's command tree (the
// teacher parses its own subcommands with the stdlib flag package; this
// CLI's surface — one "compile" subcommand plus a dense flag set — is
// exactly the shape github.com/spf13/cobra is built for).
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"wasm2pvm/internal/adapter"
	"wasm2pvm/internal/compileerr"
	"wasm2pvm/internal/config"
	"wasm2pvm/internal/pipeline"
	wasmbinary "wasm2pvm/internal/wasm/binary"
)

// version is overwritten at build time via -ldflags, the same mechanism
// the teacher's own internal/version package reads from.
var version = "dev"

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

// run is separated from main for the purpose of unit testing, the same
// split the teacher's doMain uses.
func run(stdOut, stdErr io.Writer, args []string) int {
	root := newRootCmd(stdOut, stdErr)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdOut, stdErr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "wasm2pvm",
		Short:         "Compiles WebAssembly binaries into target-VM program images",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(newCompileCmd(stdOut, stdErr))
	return root
}

// compileFlags holds every flag newCompileCmd binds directly (as opposed
// to the optimization toggles, which compileFlags.toggles wraps in one
// config.Config so Config.Merge has a single flags-side value to layer
// over a loaded profile).
type compileFlags struct {
	output     string
	importsF   string
	adapterF   string
	configFile string
	verbose    bool
	toggles    config.Config
}

func newCompileCmd(stdOut, stdErr io.Writer) *cobra.Command {
	var f compileFlags

	cmd := &cobra.Command{
		Use:           "compile <input.wasm>",
		Short:         "Compile a WASM binary into a program image",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := doCompile(stdOut, stdErr, args[0], f); err != nil {
				printDiagnostic(stdErr, err, f.verbose)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.output, "output", "o", "", "output program image path (default: input with .pvm extension)")
	flags.StringVar(&f.importsF, "imports", "", "path to a static import-resolution map (name = trap|nop per line)")
	flags.StringVar(&f.adapterF, "adapter", "", "path to an adapter WASM module merged in before import resolution")
	flags.StringVar(&f.configFile, "config", "", "path to a TOML file of default optimization-toggle settings")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "trace pipeline stages to stderr and print error stack traces")

	flags.BoolVar(&f.toggles.NoLLVMPasses, "no-llvm-passes", false, "disable every SSA-level optimization pass")
	flags.BoolVar(&f.toggles.NoPeephole, "no-peephole", false, "disable the post-lowering peephole pass")
	flags.BoolVar(&f.toggles.NoRegisterCache, "no-register-cache", false, "disable the cross-block register cache")
	flags.BoolVar(&f.toggles.NoICmpFusion, "no-icmp-fusion", false, "disable comparison/branch fusion")
	flags.BoolVar(&f.toggles.NoShrinkWrap, "no-shrink-wrap", false, "disable leaf-function prologue/epilogue elision")
	flags.BoolVar(&f.toggles.NoDeadStoreElim, "no-dead-store-elim", false, "disable dead-store elimination")
	flags.BoolVar(&f.toggles.NoConstProp, "no-const-prop", false, "disable constant propagation")
	flags.BoolVar(&f.toggles.NoInline, "no-inline", false, "disable cross-function inlining")
	flags.BoolVar(&f.toggles.NoCrossBlockCache, "no-cross-block-cache", false, "disable caching SSA values across block boundaries")
	flags.BoolVar(&f.toggles.NoRegisterAlloc, "no-register-alloc", false, "disable register allocation entirely")
	flags.BoolVar(&f.toggles.NoFallthroughJumps, "no-fallthrough-jumps", false, "disable fall-through jump elision")

	return cmd
}

func doCompile(stdOut, stdErr io.Writer, inputPath string, f compileFlags) error {
	log := zerolog.Nop()
	if f.verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: stdErr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	}

	profile := config.Config{}
	if f.configFile != "" {
		loaded, err := config.LoadProfile(f.configFile)
		if err != nil {
			return err
		}
		profile = loaded
	}
	merged := profile.Merge(f.toggles)
	opts := merged.ToPipelineOptions()

	if f.adapterF != "" {
		adapterBytes, err := os.ReadFile(f.adapterF)
		if err != nil {
			return compileerr.Wrap(compileerr.MalformedModule, err)
		}
		adapterMod, err := wasmbinary.Decode(bytes.NewReader(adapterBytes), log)
		if err != nil {
			return err
		}
		opts.Adapter = adapterMod
	}

	if f.importsF != "" {
		data, err := os.ReadFile(f.importsF)
		if err != nil {
			return compileerr.Wrap(compileerr.MalformedModule, err)
		}
		importMap, err := adapter.ParseImportMap(data)
		if err != nil {
			return err
		}
		opts.ImportMap = importMap
	}

	wasmBytes, err := os.ReadFile(inputPath)
	if err != nil {
		return compileerr.Wrap(compileerr.MalformedModule, err)
	}

	image, err := pipeline.Compile(wasmBytes, opts, log)
	if err != nil {
		return err
	}

	outPath := f.output
	if outPath == "" {
		outPath = defaultOutputPath(inputPath)
	}
	if err := os.WriteFile(outPath, image, 0o644); err != nil {
		return compileerr.Wrap(compileerr.Internal, err)
	}
	fmt.Fprintf(stdOut, "wrote %s (%d bytes)\n", outPath, len(image))
	return nil
}

func defaultOutputPath(inputPath string) string {
	ext := ".pvm"
	trimmed := inputPath
	if dot := lastDot(inputPath); dot >= 0 {
		trimmed = inputPath[:dot]
	}
	return trimmed + ext
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
		if s[i] == '/' {
			break
		}
	}
	return -1
}

// printDiagnostic renders err per SPEC_FULL.md §6/§7: one line by
// default, the typed kind plus the pkg/errors stack under --verbose.
func printDiagnostic(stdErr io.Writer, err error, verbose bool) {
	var ce *compileerr.Error
	if errors.As(err, &ce) {
		fmt.Fprintf(stdErr, "error: %s\n", ce.Error())
		if verbose {
			if st := ce.StackTrace(); st != nil {
				fmt.Fprintf(stdErr, "%+v\n", st)
			}
		}
		return
	}
	fmt.Fprintf(stdErr, "error: %v\n", err)
}
