package crates

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
)

// Color definitions shared by the crate inspection commands
var (
	colorCrate   = color.New(color.FgWhite, color.Bold)
	colorSection = color.New(color.FgYellow)
	colorAddr    = color.New(color.FgCyan)
	colorKind    = color.New(color.FgMagenta)
	colorGlobal  = color.New(color.FgGreen)
	colorLocal   = color.New(color.FgHiBlack)
	colorError   = color.New(color.FgRed, color.Bold)
	colorCount   = color.New(color.FgWhite, color.Bold)
)

var loadCmd = &cobra.Command{
	Use:   "load <object-file>...",
	Short: "Load one or more crate object files",
	Long: `Loads relocatable object files into the namespace and prints the resulting
sections. The object file name's prefix selects the compartment: "k#" for
kernel crates, "a#" for applications, "ksld#" for state-transfer helpers.

Relocations against symbols that are not yet loaded resolve through the
namespace's parent chain and, when --dir is given, through load-on-demand.

Example:
  crateman crates load k#scheduler.o
  crateman crates --base-image nano_core.sym --dir build/ load k#scheduler.o`,
	Args: cobra.MinimumNArgs(1),
	Run:  runLoad,
}

func init() {
	CratesCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) {
	env, err := buildEnvironment()
	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	for _, object := range args {
		crate, err := env.ldr.LoadCrate(env.ns, object)
		if err != nil {
			colorError.Fprintf(os.Stderr, "Error loading %s: %v\n", object, err)
			os.Exit(1)
		}
		printCrate(crate)
	}

	fmt.Printf("%s bytes of simulated memory in use\n", colorCount.Sprintf("%d", env.alloc.BytesInUse()))
}

func printCrate(crate *metadata.LoadedCrate) {
	fmt.Printf("%s (%s, %d sections, %d global)\n",
		colorCrate.Sprint(crate.Name), crate.Type, len(crate.Sections), len(crate.GlobalSections))

	for _, kind := range []metadata.SectionKind{
		metadata.SectionText, metadata.SectionRodata, metadata.SectionData, metadata.SectionBss,
		metadata.SectionTlsData, metadata.SectionTlsBss,
		metadata.SectionEhFrame, metadata.SectionGccExceptTable,
	} {
		for _, sec := range crate.SectionsOfKind(kind) {
			visibility := colorLocal.Sprint("local ")
			if sec.Global {
				visibility = colorGlobal.Sprint("global")
			}
			fmt.Printf("  %s %s %s %s size=%#x\n",
				colorKind.Sprintf("%-16s", sec.Kind),
				visibility,
				colorAddr.Sprintf("%#018x", sec.VirtualAddress),
				colorSection.Sprint(sec.Name),
				sec.Size)
		}
	}
}
