package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theseus-os/crateman/pkg/mm/memory"
)

func makeTestCrate(t *testing.T, alloc *memory.SimAllocator) *LoadedCrate {
	t.Helper()
	text, err := alloc.AllocatePages(0x1000, memory.PermRead|memory.PermWrite)
	require.NoError(t, err)
	data, err := alloc.AllocatePages(0x1000, memory.PermRead|memory.PermWrite)
	require.NoError(t, err)

	crate := &LoadedCrate{
		Name:      "testcrate",
		Type:      KernelCrate,
		Sections:  make(map[Shndx]*LoadedSection),
		TextPages: text,
		DataPages: data,
	}
	crate.Sections[1] = &LoadedSection{
		Name: "testcrate::run-11112222", Kind: SectionText, Global: true,
		VirtualAddress: text.Start(), MappedOffset: 0, Size: 0x40, Parent: crate,
	}
	crate.Sections[2] = &LoadedSection{
		Name: "testcrate::helper-33334444", Kind: SectionText,
		VirtualAddress: text.Start() + 0x40, MappedOffset: 0x40, Size: 0x20, Parent: crate,
	}
	crate.Sections[3] = &LoadedSection{
		Name: "testcrate::STATE-55556666", Kind: SectionData, Global: true,
		VirtualAddress: data.Start(), MappedOffset: 0, Size: 0x10, Parent: crate,
	}
	crate.GlobalSections = []Shndx{1, 3}
	return crate
}

func TestFindSectionContaining(t *testing.T) {
	alloc := memory.NewSimAllocator(nil)
	crate := makeTestCrate(t, alloc)

	sec, offset, ok := crate.FindSectionContaining(crate.TextPages.Start() + 0x42)
	require.True(t, ok)
	assert.Equal(t, "testcrate::helper-33334444", sec.Name)
	assert.Equal(t, uint64(0x2), offset)

	_, _, ok = crate.FindSectionContaining(crate.TextPages.Start() + 0x800)
	assert.False(t, ok, "gap between sections has no owner")
}

func TestSectionCountsByKind(t *testing.T) {
	alloc := memory.NewSimAllocator(nil)
	crate := makeTestCrate(t, alloc)

	counts := crate.SectionCountsByKind()
	assert.Equal(t, 2, counts[SectionText])
	assert.Equal(t, 1, counts[SectionData])
	assert.Zero(t, counts[SectionBss])
}

func TestRegionForKind(t *testing.T) {
	alloc := memory.NewSimAllocator(nil)
	crate := makeTestCrate(t, alloc)

	assert.Same(t, crate.TextPages, crate.RegionForKind(SectionText))
	assert.Same(t, crate.DataPages, crate.RegionForKind(SectionData))
	assert.Same(t, crate.DataPages, crate.RegionForKind(SectionBss))
	assert.Nil(t, crate.RegionForKind(SectionRodata), "crate has no rodata region")
	assert.Nil(t, crate.RegionForKind(SectionTlsBss), "TLS-bss has no image bytes")
}

func TestCrateDrop_InvalidatesHandlesAndReleasesRegions(t *testing.T) {
	alloc := memory.NewSimAllocator(nil)
	crate := makeTestCrate(t, alloc)
	inUseBefore := alloc.BytesInUse()
	require.NotZero(t, inUseBefore)

	ref := crate.Sections[1].WeakRef()
	crate.Drop(alloc)

	_, live := ref.Upgrade()
	assert.False(t, live)
	assert.Zero(t, alloc.BytesInUse())
	assert.Nil(t, crate.TextPages)
}

func TestCrateDependencyAggregates(t *testing.T) {
	alloc := memory.NewSimAllocator(nil)
	caller := makeTestCrate(t, alloc)
	callee := &LoadedCrate{Name: "callee", Sections: make(map[Shndx]*LoadedSection)}
	callee.Sections[1] = &LoadedSection{
		Name: "callee::entry-77778888", Kind: SectionText, Global: true, Parent: callee,
	}

	RecordDependency(caller.Sections[1], callee.Sections[1], RelocationEntry{Offset: 0x8, Type: 2, Addend: -4})

	strong, weak := caller.DependencyCounts()
	assert.Equal(t, 1, strong)
	assert.Zero(t, weak)

	strong, weak = callee.DependencyCounts()
	assert.Zero(t, strong)
	assert.Equal(t, 1, weak)

	assert.Equal(t, []string{"callee"}, caller.CratesIDependOn())
	assert.Equal(t, []string{"testcrate"}, callee.CratesDependentOnMe())
}
