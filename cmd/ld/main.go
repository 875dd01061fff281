// Command ld is the static linker's command-line driver: it wires
// cobra's flag surface to internal/link.Run and renders the result
// through internal/diagx.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/link"
)

var (
	flagOutput    string
	flagLibDirs   []string
	flagLibNames  []string
	flagPIE       bool
	flagRelocable bool
	flagDynLinker string
	flagMachine   string
	flagEntry     string
	flagBootstrap bool
)

func main() {
	root := &cobra.Command{
		Use:   "ld [flags] objfile...",
		Short: "A minimal x86-64 ELF static linker",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLink,
	}

	root.Flags().StringVarP(&flagOutput, "output", "o", "a.out", "write the linked image to `file`")
	root.Flags().StringArrayVarP(&flagLibDirs, "library-path", "L", nil, "add `dir` to the library search path")
	root.Flags().StringArrayVarP(&flagLibNames, "library", "l", nil, "link against lib`name`.a found on the search path")
	root.Flags().BoolVar(&flagPIE, "pie", true, "produce a position-independent (DYN) executable")
	root.Flags().BoolVarP(&flagRelocable, "relocatable", "r", false, "produce a relocatable (REL) object instead of linking an executable")
	root.Flags().StringVar(&flagDynLinker, "dynamic-linker", "", "embed `path` as .interp and emit a PT_INTERP segment")
	root.Flags().StringVarP(&flagMachine, "emulation", "m", "elf_x86_64", "target emulation (only elf_x86_64 is supported)")
	root.Flags().StringVar(&flagEntry, "entry", "_start", "set the entry point `symbol`")
	root.Flags().BoolVar(&flagBootstrap, "bootstrap-stub", false, "emit a self-relocating trampoline instead of relying on a dynamic loader; incompatible with -dynamic-linker")

	// Flags real binutils ld accepts that this linker doesn't act on
	// are ignored rather than rejected, so existing build systems can
	// drive it without a flag-by-flag port.
	root.FParseErrWhitelist.UnknownFlags = true

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLink(cmd *cobra.Command, args []string) error {
	logger, logbuf := diagx.NewLogger()

	if flagMachine != "elf_x86_64" {
		return fmt.Errorf("unsupported emulation %q: only elf_x86_64 is supported", flagMachine)
	}

	paths, err := resolvePaths(args, flagLibNames, flagLibDirs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	kind := link.OutputDYN
	// .interp (and its PT_INTERP segment) appears iff the flag was
	// actually given; an untouched default must not smuggle one in.
	interp := ""
	if cmd.Flags().Changed("dynamic-linker") {
		interp = flagDynLinker
	}
	if flagRelocable {
		kind = link.OutputREL
		interp = ""
	} else if !flagPIE {
		logger.Warn("static non-PIE executables are not supported, producing a DYN image")
	}
	if flagBootstrap {
		if flagRelocable {
			return fmt.Errorf("-bootstrap-stub has no effect on a -r (relocatable) output")
		}
		if interp != "" {
			return fmt.Errorf("-bootstrap-stub is incompatible with -dynamic-linker")
		}
	}

	res, err := link.Run(link.Options{
		Paths:         paths,
		Kind:          kind,
		Entry:         flagEntry,
		Interp:        interp,
		BootstrapStub: flagBootstrap,
	})
	if err != nil {
		if logbuf.Len() > 0 {
			logbuf.Replay(os.Stderr)
		}
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	out, err := os.Create(flagOutput)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := res.File.WriteTo(out); err != nil {
		return err
	}
	if err := out.Chmod(0755); err != nil && kind == link.OutputDYN {
		logger.Warn("could not mark output executable", "error", err)
	}

	diagx.PrintSummary(res.Summary)
	return nil
}

// resolvePaths turns the positional object-file arguments plus every
// -l name into concrete file paths, searching each -L directory in
// order. Only libNAME.a is considered: shared libraries are never
// accepted as inputs.
func resolvePaths(objs, libs, dirs []string) ([]string, error) {
	paths := append([]string(nil), objs...)
	for _, name := range libs {
		found := ""
		for _, dir := range dirs {
			candidate := filepath.Join(dir, "lib"+name+".a")
			if _, err := os.Stat(candidate); err == nil {
				found = candidate
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("cannot find -l%s", name)
		}
		paths = append(paths, found)
	}
	return paths, nil
}
