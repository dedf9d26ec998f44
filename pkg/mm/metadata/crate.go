package metadata

import (
	"github.com/theseus-os/crateman/pkg/mm/memory"
	"github.com/theseus-os/crateman/pkg/utils"
)

// Shndx is the section-header index that keys a crate's sections, matching
// the index the section had in the object file it was loaded from.
type Shndx int

// CrateType identifies the compartment a crate belongs to, derived from the
// object file name's prefix.
type CrateType int

const (
	// KernelCrate is a "k#" crate: privileged kernel code
	KernelCrate CrateType = iota
	// ApplicationCrate is an "a#" crate
	ApplicationCrate
	// StateTransferCrate is a "ksld#" crate: helpers invoked at the end of a
	// swap to migrate runtime state from old crates to new ones
	StateTransferCrate
)

// String returns the human-readable crate type
func (t CrateType) String() string {
	switch t {
	case KernelCrate:
		return "kernel"
	case ApplicationCrate:
		return "application"
	case StateTransferCrate:
		return "state-transfer"
	default:
		return "unknown"
	}
}

// LoadedCrate owns one object file's worth of loaded sections and the three
// memory regions backing them. Sections hold non-owning back references to
// the crate; the owning edge runs crate -> section only.
type LoadedCrate struct {
	// Name is the canonical crate name, without the compartment prefix and
	// without the ".o" extension
	Name string
	// ObjectFile is the path of the object file the crate was loaded from.
	// Empty for the base-image crate, which was never an object file.
	ObjectFile string
	// Type is the compartment derived from the object file name prefix
	Type CrateType

	// Sections holds every loaded section, keyed by its section-header index
	// in the source object
	Sections map[Shndx]*LoadedSection

	// TextPages is the execute+read region backing all text sections.
	// Nil when the crate has none (or for the base-image crate, whose
	// regions are owned by the boot loader, not by us).
	TextPages *memory.MappedPages
	// RodataPages is the read-only region backing rodata, eh-frame,
	// gcc-except-table sections and the TLS initializer image
	RodataPages *memory.MappedPages
	// DataPages is the read-write region backing data and bss sections
	DataPages *memory.MappedPages

	// TlsInitOffset is the byte offset of the TLS initializer image inside
	// the rodata region
	TlsInitOffset uint64

	// GlobalSections lists the shndx of every section published to the
	// namespace
	GlobalSections []Shndx
}

// RegionForKind returns the memory region backing sections of the given
// kind, or nil for kinds that occupy no image bytes (TLS-bss) and for
// base-image crates.
func (c *LoadedCrate) RegionForKind(kind SectionKind) *memory.MappedPages {
	switch kind {
	case SectionText:
		return c.TextPages
	case SectionRodata, SectionEhFrame, SectionGccExceptTable, SectionTlsData:
		return c.RodataPages
	case SectionData, SectionBss:
		return c.DataPages
	default:
		return nil
	}
}

// SectionsOfKind returns all sections of one kind, in shndx order
func (c *LoadedCrate) SectionsOfKind(kind SectionKind) []*LoadedSection {
	var out []*LoadedSection
	for _, shndx := range c.sortedShndxs() {
		if sec := c.Sections[shndx]; sec.Kind == kind {
			out = append(out, sec)
		}
	}
	return out
}

// GlobalSectionList returns the published sections, in shndx order
func (c *LoadedCrate) GlobalSectionList() []*LoadedSection {
	out := make([]*LoadedSection, 0, len(c.GlobalSections))
	for _, shndx := range c.GlobalSections {
		if sec, ok := c.Sections[shndx]; ok {
			out = append(out, sec)
		}
	}
	return out
}

// FindSectionContaining returns the section whose mapped range contains
// vaddr, along with the offset of vaddr inside it. TLS sections never match.
func (c *LoadedCrate) FindSectionContaining(vaddr uint64) (*LoadedSection, uint64, bool) {
	for _, sec := range c.Sections {
		if sec.ContainsAddress(vaddr) {
			return sec, vaddr - sec.VirtualAddress, true
		}
	}
	return nil, 0, false
}

// FindSection returns the first section matching the predicate
func (c *LoadedCrate) FindSection(pred func(*LoadedSection) bool) (*LoadedSection, bool) {
	for _, shndx := range c.sortedShndxs() {
		if sec := c.Sections[shndx]; pred(sec) {
			return sec, true
		}
	}
	return nil, false
}

// DependencyCounts sums the strong outgoing and weak incoming edges across
// every section of the crate.
func (c *LoadedCrate) DependencyCounts() (strong int, weak int) {
	for _, sec := range c.Sections {
		s, w := sec.DependencyCounts()
		strong += s
		weak += w
	}
	return strong, weak
}

// SectionCountsByKind tallies the crate's sections per kind
func (c *LoadedCrate) SectionCountsByKind() map[SectionKind]int {
	counts := make(map[SectionKind]int)
	for _, sec := range c.Sections {
		counts[sec.Kind]++
	}
	return counts
}

// CratesIDependOn returns the names of the crates that any of this crate's
// sections strongly depends on, excluding the crate itself.
func (c *LoadedCrate) CratesIDependOn() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sec := range c.Sections {
		for _, dep := range sec.DependsOn() {
			parent := dep.Target.Parent
			if parent == nil || parent == c {
				continue
			}
			if _, dup := seen[parent.Name]; !dup {
				seen[parent.Name] = struct{}{}
				out = append(out, parent.Name)
			}
		}
	}
	return out
}

// CratesDependentOnMe returns the names of the crates holding live sections
// that depend on any of this crate's sections, excluding the crate itself.
func (c *LoadedCrate) CratesDependentOnMe() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sec := range c.Sections {
		for _, dep := range sec.Dependents() {
			source, ok := dep.Source.Upgrade()
			if !ok {
				continue
			}
			parent := source.Parent
			if parent == nil || parent == c {
				continue
			}
			if _, dup := seen[parent.Name]; !dup {
				seen[parent.Name] = struct{}{}
				out = append(out, parent.Name)
			}
		}
	}
	return out
}

// Drop invalidates every weak handle to the crate's sections and releases
// the three backing regions. A region is released exactly once, when the
// whole crate goes: all sections of one kind share it, so there is no
// per-section reclamation.
func (c *LoadedCrate) Drop(alloc memory.Allocator) {
	for _, sec := range c.Sections {
		sec.markDropped()
	}
	memory.ReleaseAll(alloc, c.TextPages, c.RodataPages, c.DataPages)
	c.TextPages, c.RodataPages, c.DataPages = nil, nil, nil
}

func (c *LoadedCrate) sortedShndxs() []Shndx {
	return utils.SortedKeys(c.Sections)
}
