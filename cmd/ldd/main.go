// Command ldd walks the DT_NEEDED chain of a DYN image the way
// ld.so's resolver would, without loading or running anything,
// reusing cmd/ld's -L search-path convention.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aclements/x64ld/internal/elfx"
)

var (
	flagLibDirs []string
	flagTree    bool
)

func main() {
	root := &cobra.Command{
		Use:   "ldd [flags] file",
		Short: "Print the shared-object dependency chain of an ELF image",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringArrayVarP(&flagLibDirs, "library-path", "L", nil, "add `dir` to the library search path")
	root.Flags().BoolVar(&flagTree, "tree", false, "print the dependency graph as an indented tree instead of a flat list")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	root := args[0]
	visited := map[string]bool{}
	if flagTree {
		return printTree(root, 0, visited)
	}
	return printFlat(root, visited)
}

// printFlat resolves every DT_NEEDED name against the search path,
// prints it once, then recurses into it.
func printFlat(path string, visited map[string]bool) error {
	needed, err := readNeeded(path)
	if err != nil {
		return err
	}
	for _, name := range needed {
		resolved, ok := resolveLib(name, flagLibDirs)
		if !ok {
			return fmt.Errorf("%s: cannot find dependency %s", path, name)
		}
		if visited[resolved] {
			continue
		}
		visited[resolved] = true
		fmt.Println(resolved)
		if err := printFlat(resolved, visited); err != nil {
			return err
		}
	}
	return nil
}

// printTree renders the dependency graph as plain indented text, one
// level of indent per link in the chain.
func printTree(path string, depth int, visited map[string]bool) error {
	needed, err := readNeeded(path)
	if err != nil {
		return err
	}
	for _, name := range needed {
		resolved, ok := resolveLib(name, flagLibDirs)
		label := name
		if ok {
			label = resolved
		}
		fmt.Printf("%s%s\n", indent(depth), label)
		if !ok {
			continue
		}
		if visited[resolved] {
			fmt.Printf("%s(already listed above)\n", indent(depth+1))
			continue
		}
		visited[resolved] = true
		if err := printTree(resolved, depth+1, visited); err != nil {
			return err
		}
	}
	return nil
}

func indent(depth int) string {
	b := make([]byte, depth*2)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

// readNeeded opens path and returns every DT_NEEDED string in its
// .dynamic table, in file order.
func readNeeded(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := elfx.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Only the dynamic table and its string table are ever needed, so
	// only those two sections get decoded.
	for i, sec := range file.Sections {
		if sec.Header.Type != elfx.SHT_DYNAMIC {
			continue
		}
		if err := file.Load(i); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		dyn, ok := sec.Data.(elfx.DynamicData)
		if !ok {
			continue
		}
		if int(sec.Header.Link) >= len(file.Sections) {
			return nil, fmt.Errorf("%s: .dynamic sh_link out of range", path)
		}
		if err := file.Load(int(sec.Header.Link)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		tab, ok := file.Sections[sec.Header.Link].Data.(elfx.StrtabData)
		if !ok {
			return nil, fmt.Errorf("%s: .dynamic does not link a string table", path)
		}
		var names []string
		for _, ent := range dyn.Entries {
			if ent.Tag == elfx.DT_NEEDED {
				names = append(names, tab.Table.Get(uint32(ent.Val)))
			}
		}
		return names, nil
	}
	return nil, nil
}

// resolveLib searches dirs for name the way the dynamic linker's
// rpath/ld.so.conf search does, preferring an exact match over
// rewriting the name.
func resolveLib(name string, dirs []string) (string, bool) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name, true
		}
		return "", false
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
