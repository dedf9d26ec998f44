package crates

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"golang.org/x/arch/x86/x86asm"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Interactively browse loaded crates and their dependency graph",
	Long: `Opens a terminal UI over the namespace: a crate list on the left, the
selected crate's sections in the middle, and the selected section's details on
the right, including its recorded strong and weak dependency edges and a
disassembly of text sections.

Example:
  crateman crates --base-image nano_core.sym --load k#sched.o browse`,
	RunE: runBrowse,
}

func init() {
	CratesCmd.AddCommand(browseCmd)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	env, err := buildEnvironment()
	if err != nil {
		return err
	}

	var crates []*metadata.LoadedCrate
	env.ns.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		crates = append(crates, crate)
		return true
	})
	if len(crates) == 0 {
		return fmt.Errorf("nothing to browse: load crates with --load or --base-image first")
	}

	app := tview.NewApplication()

	crateList := tview.NewList().ShowSecondaryText(true)
	crateList.SetBorder(true).SetTitle(" crates ")
	sectionList := tview.NewList().ShowSecondaryText(false)
	sectionList.SetBorder(true).SetTitle(" sections ")
	detail := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	detail.SetBorder(true).SetTitle(" detail ")

	var selectedSections []*metadata.LoadedSection

	showSection := func(index int) {
		if index < 0 || index >= len(selectedSections) {
			detail.SetText("")
			return
		}
		detail.SetText(sectionDetail(selectedSections[index]))
		detail.ScrollToBeginning()
	}

	showCrate := func(index int) {
		sectionList.Clear()
		selectedSections = selectedSections[:0]
		if index < 0 || index >= len(crates) {
			return
		}
		crate := crates[index]
		for _, kind := range []metadata.SectionKind{
			metadata.SectionText, metadata.SectionRodata, metadata.SectionData, metadata.SectionBss,
			metadata.SectionTlsData, metadata.SectionTlsBss,
			metadata.SectionEhFrame, metadata.SectionGccExceptTable,
		} {
			for _, sec := range crate.SectionsOfKind(kind) {
				selectedSections = append(selectedSections, sec)
				sectionList.AddItem(fmt.Sprintf("[%s] %s", sec.Kind, sec.Name), "", 0, nil)
			}
		}
		showSection(0)
	}

	for _, crate := range crates {
		strong, weak := crate.DependencyCounts()
		crateList.AddItem(crate.Name,
			fmt.Sprintf("%s, %d sections, %d deps", crate.Type, len(crate.Sections), strong+weak), 0, nil)
	}
	crateList.SetChangedFunc(func(index int, _, _ string, _ rune) { showCrate(index) })
	sectionList.SetChangedFunc(func(index int, _, _ string, _ rune) { showSection(index) })
	showCrate(0)

	flex := tview.NewFlex().
		AddItem(crateList, 0, 1, true).
		AddItem(sectionList, 0, 2, false).
		AddItem(detail, 0, 3, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			app.Stop()
			return nil
		case tcell.KeyTab:
			switch {
			case crateList.HasFocus():
				app.SetFocus(sectionList)
			case sectionList.HasFocus():
				app.SetFocus(detail)
			default:
				app.SetFocus(crateList)
			}
			return nil
		}
		return event
	})

	return app.SetRoot(flex, true).Run()
}

// sectionDetail renders one section's metadata, its dependency edges and,
// for text sections with a readable backing region, a disassembly.
func sectionDetail(sec *metadata.LoadedSection) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", sec.Name)
	fmt.Fprintf(&b, "kind:    %s\n", sec.Kind)
	fmt.Fprintf(&b, "global:  %v\n", sec.Global)
	if sec.Kind.IsTls() {
		fmt.Fprintf(&b, "tls off: %#x\n", sec.VirtualAddress)
	} else {
		fmt.Fprintf(&b, "vaddr:   %#x\n", sec.VirtualAddress)
	}
	fmt.Fprintf(&b, "size:    %#x\n", sec.Size)

	deps := sec.DependsOn()
	fmt.Fprintf(&b, "\nstrong dependencies (%d):\n", len(deps))
	for _, dep := range deps {
		fmt.Fprintf(&b, "  +%#-6x -> %s\n", dep.Relocation.Offset, dep.Target.Name)
	}

	dependents := sec.Dependents()
	fmt.Fprintf(&b, "\nweak dependents (%d):\n", len(dependents))
	for _, dep := range dependents {
		if source, live := dep.Source.Upgrade(); live {
			fmt.Fprintf(&b, "  %s +%#x\n", source.Name, dep.Relocation.Offset)
		} else {
			fmt.Fprintf(&b, "  <dropped> +%#x\n", dep.Relocation.Offset)
		}
	}

	if sec.Kind == metadata.SectionText {
		fmt.Fprintf(&b, "\ndisassembly:\n%s", disassemble(sec))
	}
	return b.String()
}

// disassemble decodes the section's bytes as 64-bit x86. Sections without a
// readable backing region (the base image's) report that instead.
func disassemble(sec *metadata.LoadedSection) string {
	region := sec.Parent.RegionForKind(sec.Kind)
	if region == nil {
		return "  (no backing region)\n"
	}
	code := make([]byte, sec.Size)
	if err := region.ReadAt(sec.MappedOffset, code); err != nil {
		return fmt.Sprintf("  (unreadable: %v)\n", err)
	}

	var b strings.Builder
	pc := sec.VirtualAddress
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Fprintf(&b, "  %#010x  .byte %#02x\n", pc, code[0])
			code = code[1:]
			pc++
			continue
		}
		fmt.Fprintf(&b, "  %#010x  %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return b.String()
}
