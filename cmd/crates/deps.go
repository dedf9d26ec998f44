package crates

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"gopkg.in/yaml.v3"
)

var (
	depsAddress     string
	depsSectionsIn  string
	depsSectionsOut string
	depsCratesIn    string
	depsCratesOut   string
	depsList        string
	depsListAll     string
	depsNumCrate    string
	depsNumAll      bool
	depsCounts      bool
	depsFormat      string
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Explore live dependencies between crates and sections",
	Long: `Queries the section-level dependency graph that relocations recorded at load
time. Strong (outgoing) edges run from the section that issued a relocation to
the section it points at; weak (incoming) edges are their mirrors, stored on
the pointed-at side so the swap engine can enumerate them.

Example:
  crateman crates --load k#sched.o deps -S 'sched::enqueue'
  crateman crates --base-image nano_core.sym deps --num-deps-all
  crateman crates --load k#sched.o deps --format yaml`,
	Run: runDeps,
}

func init() {
	CratesCmd.AddCommand(depsCmd)
	depsCmd.Flags().StringVarP(&depsAddress, "address", "a", "", "Output the section that contains the given ADDRESS")
	depsCmd.Flags().StringVarP(&depsSectionsIn, "sections-in", "s", "", "Output the sections that depend on the given SECTION (incoming weak dependents)")
	depsCmd.Flags().StringVarP(&depsSectionsOut, "sections-out", "S", "", "Output the sections that the given SECTION depends on (outgoing strong dependencies)")
	depsCmd.Flags().StringVarP(&depsCratesIn, "crates-in", "c", "", "Output the crates that depend on the given CRATE")
	depsCmd.Flags().StringVarP(&depsCratesOut, "crates-out", "C", "", "Output the crates that the given CRATE depends on")
	depsCmd.Flags().StringVarP(&depsList, "list", "l", "", "List the public sections in the given CRATE")
	depsCmd.Flags().StringVar(&depsListAll, "list-all", "", "List all sections in the given CRATE")
	depsCmd.Flags().StringVar(&depsNumCrate, "num-deps-crate", "", "Sum up the count of all dependencies for the given CRATE")
	depsCmd.Flags().BoolVar(&depsNumAll, "num-deps-all", false, "Sum up the count of all dependencies for all crates")
	depsCmd.Flags().BoolVar(&depsCounts, "section-counts", false, "List per-crate section counts by kind for all crates")
	depsCmd.Flags().StringVar(&depsFormat, "format", "", "Dump every crate in the given format (yaml)")
}

func runDeps(cmd *cobra.Command, args []string) {
	env, err := buildEnvironment()
	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	switch {
	case depsAddress != "":
		err = sectionContainingAddress(env, depsAddress)
	case depsSectionsIn != "":
		err = sectionsDependentOnMe(env, depsSectionsIn)
	case depsSectionsOut != "":
		err = sectionsIDependOn(env, depsSectionsOut)
	case depsCratesIn != "":
		err = withCrate(env, depsCratesIn, func(crate *metadata.LoadedCrate) {
			printNames(crate.CratesDependentOnMe())
		})
	case depsCratesOut != "":
		err = withCrate(env, depsCratesOut, func(crate *metadata.LoadedCrate) {
			printNames(crate.CratesIDependOn())
		})
	case depsList != "":
		err = listSections(env, depsList, false)
	case depsListAll != "":
		err = listSections(env, depsListAll, true)
	case depsNumCrate != "":
		err = withCrate(env, depsNumCrate, func(crate *metadata.LoadedCrate) {
			strong, weak := crate.DependencyCounts()
			fmt.Printf("%s: %s strong + %s weak = %s\n", colorCrate.Sprint(crate.Name),
				colorCount.Sprintf("%d", strong), colorCount.Sprintf("%d", weak),
				colorCount.Sprintf("%d", strong+weak))
		})
	case depsNumAll:
		err = numDepsAll(env)
	case depsCounts:
		err = sectionCountsAll(env)
	case depsFormat != "":
		err = dumpCrates(env, depsFormat)
	default:
		err = cmd.Help()
	}

	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// findSectionByName resolves a section by exact symbol name first, falling
// back to a unique prefix match across published symbols.
func findSectionByName(env *environment, name string) (*metadata.LoadedSection, error) {
	if ref, ok := env.ns.FindSymbol(name); ok {
		if sec, live := ref.Upgrade(); live {
			return sec, nil
		}
	}
	matches := env.ns.FindSymbolsStartingWith(name)
	if len(matches) == 1 {
		if sec, live := matches[0].Section.Upgrade(); live {
			return sec, nil
		}
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return nil, fmt.Errorf("section %q is ambiguous: %s", name, strings.Join(names, ", "))
	}
	return nil, fmt.Errorf("no section named %q", name)
}

func withCrate(env *environment, name string, f func(*metadata.LoadedCrate)) error {
	crate, ok := env.ns.GetCrate(name)
	if !ok {
		crates := env.ns.GetCratesStartingWith(name)
		if len(crates) != 1 {
			return fmt.Errorf("no crate named %q", name)
		}
		crate = crates[0]
	}
	f(crate)
	return nil
}

func sectionContainingAddress(env *environment, addrStr string) error {
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", addrStr, err)
	}

	found := false
	env.ns.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		if sec, offset, ok := crate.FindSectionContaining(addr); ok {
			fmt.Printf("%s + %s (crate %s)\n",
				colorSection.Sprint(sec.Name), colorAddr.Sprintf("%#x", offset),
				colorCrate.Sprint(crate.Name))
			found = true
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("no section contains address %#x", addr)
	}
	return nil
}

func sectionsDependentOnMe(env *environment, name string) error {
	sec, err := findSectionByName(env, name)
	if err != nil {
		return err
	}
	fmt.Printf("sections that depend on %s:\n", colorSection.Sprint(sec.Name))
	for _, dep := range sec.Dependents() {
		source, live := dep.Source.Upgrade()
		if !live {
			fmt.Printf("  %s (offset %#x)\n", colorLocal.Sprint("<dropped>"), dep.Relocation.Offset)
			continue
		}
		fmt.Printf("  %s (offset %#x)\n", colorSection.Sprint(source.Name), dep.Relocation.Offset)
	}
	return nil
}

func sectionsIDependOn(env *environment, name string) error {
	sec, err := findSectionByName(env, name)
	if err != nil {
		return err
	}
	fmt.Printf("sections that %s depends on:\n", colorSection.Sprint(sec.Name))
	for _, dep := range sec.DependsOn() {
		fmt.Printf("  %s (offset %#x)\n", colorSection.Sprint(dep.Target.Name), dep.Relocation.Offset)
	}
	return nil
}

func listSections(env *environment, name string, all bool) error {
	return withCrate(env, name, func(crate *metadata.LoadedCrate) {
		printCrateSections(crate, all)
	})
}

func printCrateSections(crate *metadata.LoadedCrate, all bool) {
	if all {
		printCrate(crate)
		return
	}
	fmt.Printf("%s public sections:\n", colorCrate.Sprint(crate.Name))
	for _, sec := range crate.GlobalSectionList() {
		fmt.Printf("  %s %s\n", colorKind.Sprintf("%-16s", sec.Kind), colorSection.Sprint(sec.Name))
	}
}

func numDepsAll(env *environment) error {
	totalStrong, totalWeak, crateCount := 0, 0, 0
	env.ns.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		strong, weak := crate.DependencyCounts()
		totalStrong += strong
		totalWeak += weak
		crateCount++
		return true
	})
	fmt.Printf("%s crates: %s strong + %s weak = %s dependencies\n",
		colorCount.Sprintf("%d", crateCount),
		colorCount.Sprintf("%d", totalStrong), colorCount.Sprintf("%d", totalWeak),
		colorCount.Sprintf("%d", totalStrong+totalWeak))
	return nil
}

func sectionCountsAll(env *environment) error {
	env.ns.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		counts := crate.SectionCountsByKind()
		parts := make([]string, 0, len(counts))
		for _, kind := range []metadata.SectionKind{
			metadata.SectionText, metadata.SectionRodata, metadata.SectionData, metadata.SectionBss,
			metadata.SectionTlsData, metadata.SectionTlsBss,
			metadata.SectionEhFrame, metadata.SectionGccExceptTable,
		} {
			if counts[kind] > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
			}
		}
		fmt.Printf("%s: %s\n", colorCrate.Sprint(crate.Name), strings.Join(parts, " "))
		return true
	})
	return nil
}

// crateDump and sectionDump shape the --format yaml output
type crateDump struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Object   string        `yaml:"object,omitempty"`
	Sections []sectionDump `yaml:"sections"`
}

type sectionDump struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"`
	Global         bool   `yaml:"global"`
	VirtualAddress string `yaml:"virtual_address"`
	Size           uint64 `yaml:"size"`
	StrongDeps     int    `yaml:"strong_deps"`
	WeakDeps       int    `yaml:"weak_deps"`
}

func dumpCrates(env *environment, format string) error {
	if format != "yaml" {
		return fmt.Errorf("unsupported format %q (supported: yaml)", format)
	}

	var dump []crateDump
	env.ns.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		cd := crateDump{Name: crate.Name, Type: crate.Type.String(), Object: crate.ObjectFile}
		for _, kind := range []metadata.SectionKind{
			metadata.SectionText, metadata.SectionRodata, metadata.SectionData, metadata.SectionBss,
			metadata.SectionTlsData, metadata.SectionTlsBss,
			metadata.SectionEhFrame, metadata.SectionGccExceptTable,
		} {
			for _, sec := range crate.SectionsOfKind(kind) {
				strong, weak := sec.DependencyCounts()
				cd.Sections = append(cd.Sections, sectionDump{
					Name:           sec.Name,
					Kind:           sec.Kind.String(),
					Global:         sec.Global,
					VirtualAddress: fmt.Sprintf("%#x", sec.VirtualAddress),
					Size:           sec.Size,
					StrongDeps:     strong,
					WeakDeps:       weak,
				})
			}
		}
		dump = append(dump, cd)
		return true
	})

	return yaml.NewEncoder(os.Stdout).Encode(dump)
}

func printNames(names []string) {
	if len(names) == 0 {
		fmt.Println(colorLocal.Sprint("(none)"))
		return
	}
	for _, name := range names {
		fmt.Println(" ", colorCrate.Sprint(name))
	}
}
