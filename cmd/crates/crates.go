// Package crates implements the CLI surface of the runtime crate manager:
// loading object files, applying swap diffs, and exploring the section
// dependency graph, all against a simulated memory service.
package crates

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theseus-os/crateman/pkg/mm/bootimage"
	"github.com/theseus-os/crateman/pkg/mm/loader"
	"github.com/theseus-os/crateman/pkg/mm/memory"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
)

// CratesCmd groups every crate-manager subcommand
var CratesCmd = &cobra.Command{
	Use:   "crates",
	Short: "Load, swap and inspect runtime crates",
	Long: `Commands for driving the runtime crate manager.

Every command builds the same environment first: a simulated page allocator, a
default namespace (optionally bootstrapped from a base-image symbol dump), and
any object files requested with --load. The --dir flag attaches an object file
directory to the namespace, which also enables load-on-demand symbol
resolution.`,
}

var (
	objectDir     string
	baseImagePath string
	loadObjects   []string
	memBase       string
	loaderVerbose bool
)

func init() {
	CratesCmd.PersistentFlags().StringVarP(&objectDir, "dir", "d", "", "Directory of object files; attached to the namespace for load-on-demand")
	CratesCmd.PersistentFlags().StringVarP(&baseImagePath, "base-image", "b", "", "Base-image symbol file to bootstrap the namespace from")
	CratesCmd.PersistentFlags().StringArrayVar(&loadObjects, "load", nil, "Object file to load before running the command (repeatable)")
	CratesCmd.PersistentFlags().StringVar(&memBase, "mem-base", "", "Base virtual address of the simulated allocator (hex)")
	CratesCmd.PersistentFlags().BoolVar(&loaderVerbose, "loader-verbose", false, "Log every applied relocation")
}

// environment is the shared state every subcommand operates on
type environment struct {
	alloc     *memory.SimAllocator
	ns        *namespace.CrateNamespace
	ldr       *loader.Loader
	baseCrate *metadata.LoadedCrate
}

// buildEnvironment constructs the allocator, namespace and loader, parses
// the base image if one was given, and loads every --load object.
func buildEnvironment() (*environment, error) {
	cfg := memory.DefaultMemoryConfig()
	base := memBase
	if base == "" {
		base = viper.GetString("mem_base")
	}
	if base != "" {
		value, err := strconv.ParseUint(strings.TrimPrefix(base, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing --mem-base %q: %w", base, err)
		}
		cfg.BaseAddress = value
	}

	if objectDir == "" {
		objectDir = viper.GetString("object_dir")
	}

	env := &environment{
		alloc: memory.NewSimAllocator(&cfg),
		ns:    namespace.NewCrateNamespace("default", objectDir, nil, slog.Default()),
	}
	env.ldr = loader.New(&loader.Options{
		Verbose:   loaderVerbose,
		Allocator: env.alloc,
	})

	if baseImagePath != "" {
		f, err := os.Open(baseImagePath)
		if err != nil {
			return nil, fmt.Errorf("opening base image: %w", err)
		}
		defer f.Close()
		env.baseCrate, err = bootimage.ParseSymbolFile(env.ns, f, nil)
		if err != nil {
			return nil, fmt.Errorf("parsing base image: %w", err)
		}
	}

	for _, object := range loadObjects {
		if _, err := env.ldr.LoadCrate(env.ns, object); err != nil {
			return nil, fmt.Errorf("loading %q: %w", object, err)
		}
	}
	return env, nil
}

// loadCrateByName loads the object file in the namespace directory whose
// canonical crate name matches, unless the crate is already present.
func (env *environment) loadCrateByName(name string) error {
	if _, loaded := env.ns.GetCrate(name); loaded {
		return nil
	}
	if env.ns.Dir() == "" {
		return fmt.Errorf("crate %q is not loaded and no --dir was given", name)
	}
	entries, err := os.ReadDir(env.ns.Dir())
	if err != nil {
		return fmt.Errorf("reading %q: %w", env.ns.Dir(), err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".o") {
			continue
		}
		if _, canonical := metadata.CrateNameFromFile(entry.Name()); canonical == name {
			_, err := env.ldr.LoadCrate(env.ns, filepath.Join(env.ns.Dir(), entry.Name()))
			return err
		}
	}
	return fmt.Errorf("no object file for crate %q in %q", name, env.ns.Dir())
}
