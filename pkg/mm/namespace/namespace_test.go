package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
)

func makeCrate(name string, sectionNames ...string) *metadata.LoadedCrate {
	crate := &metadata.LoadedCrate{
		Name:     name,
		Type:     metadata.KernelCrate,
		Sections: make(map[metadata.Shndx]*metadata.LoadedSection),
	}
	for i, secName := range sectionNames {
		shndx := metadata.Shndx(i)
		crate.Sections[shndx] = &metadata.LoadedSection{
			Name:   secName,
			Kind:   metadata.SectionText,
			Global: true,
			Parent: crate,
		}
		crate.GlobalSections = append(crate.GlobalSections, shndx)
	}
	return crate
}

func installCrate(t *testing.T, ns *CrateNamespace, crate *metadata.LoadedCrate) {
	t.Helper()
	require.NoError(t, ns.InsertCrate(crate))
	for _, sec := range crate.GlobalSectionList() {
		require.NoError(t, ns.InsertSection(sec))
	}
}

func TestFindSymbol_HitAndMiss(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	crate := makeCrate("sched", "sched::enqueue-abcd1234")
	installCrate(t, ns, crate)

	ref, ok := ns.FindSymbol("sched::enqueue-abcd1234")
	require.True(t, ok)
	sec, live := ref.Upgrade()
	require.True(t, live)
	assert.Equal(t, "sched::enqueue-abcd1234", sec.Name)

	_, ok = ns.FindSymbol("sched::dequeue-00000000")
	assert.False(t, ok)
}

func TestFindSymbol_IsIdempotent(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	crate := makeCrate("sched", "sched::enqueue-abcd1234")
	installCrate(t, ns, crate)

	first, ok := ns.FindSymbol("sched::enqueue-abcd1234")
	require.True(t, ok)
	second, ok := ns.FindSymbol("sched::enqueue-abcd1234")
	require.True(t, ok)

	a, _ := first.Upgrade()
	b, _ := second.Upgrade()
	assert.Same(t, a, b, "repeated lookups yield the same section identity")
}

func TestFindSymbol_RecursesIntoParent(t *testing.T) {
	parent := NewCrateNamespace("parent", "", nil, nil)
	installCrate(t, parent, makeCrate("base", "base::init-11111111"))

	child := NewCrateNamespace("child", "", parent, nil)

	ref, ok := child.FindSymbol("base::init-11111111")
	require.True(t, ok)
	sec, live := ref.Upgrade()
	require.True(t, live)
	assert.Equal(t, "base::init-11111111", sec.Name)

	// Prefix search does not recurse.
	assert.Empty(t, child.FindSymbolsStartingWith("base::"))
}

func TestInsertSection_RejectsNonGlobal(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	err := ns.InsertSection(&metadata.LoadedSection{Name: "private", Kind: metadata.SectionText})
	assert.ErrorIs(t, err, ErrNotGlobal)
}

func TestInsertSection_StrongConflictIsReported(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	first := makeCrate("one", "dup::sym-aaaaaaaa")
	second := makeCrate("two", "dup::sym-aaaaaaaa")
	installCrate(t, ns, first)

	require.NoError(t, ns.InsertCrate(second))
	err := ns.InsertSection(second.Sections[0])
	assert.ErrorIs(t, err, ErrConflict)

	// The original stays published.
	ref, ok := ns.FindSymbol("dup::sym-aaaaaaaa")
	require.True(t, ok)
	sec, _ := ref.Upgrade()
	assert.Same(t, first.Sections[0], sec)
}

func TestInsertSection_WeakYieldsToStrong(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)

	strong := makeCrate("strong", "shared::sym-bbbbbbbb")
	weak := makeCrate("weak", "shared::sym-bbbbbbbb")
	weak.Sections[0].Weak = true

	// Weak first, strong second: strong replaces it.
	require.NoError(t, ns.InsertSection(weak.Sections[0]))
	require.NoError(t, ns.InsertSection(strong.Sections[0]))
	ref, _ := ns.FindSymbol("shared::sym-bbbbbbbb")
	sec, _ := ref.Upgrade()
	assert.Same(t, strong.Sections[0], sec)

	// A later weak insertion yields with a logged warning and no error.
	require.NoError(t, ns.InsertSection(weak.Sections[0]))
	ref, _ = ns.FindSymbol("shared::sym-bbbbbbbb")
	sec, _ = ref.Upgrade()
	assert.Same(t, strong.Sections[0], sec)
}

func TestRemoveSymbolsOfCrate(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	crate := makeCrate("multi", "multi::a-11111111", "multi::b-22222222", "multi::c-33333333")
	installCrate(t, ns, crate)

	removed := ns.RemoveSymbolsOfCrate(crate)
	assert.Equal(t, 3, removed)

	_, ok := ns.FindSymbol("multi::a-11111111")
	assert.False(t, ok)
}

func TestRemoveSymbolsOfCrate_LeavesReplacementsAlone(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	old := makeCrate("v1", "api::call-11111111")
	installCrate(t, ns, old)

	// Simulate a swap having already republished the name for a new crate.
	replacement := makeCrate("v2", "api::call-11111111")
	ns.RemoveSymbol("api::call-11111111")
	require.NoError(t, ns.InsertSection(replacement.Sections[0]))

	removed := ns.RemoveSymbolsOfCrate(old)
	assert.Zero(t, removed)

	ref, ok := ns.FindSymbol("api::call-11111111")
	require.True(t, ok)
	sec, _ := ref.Upgrade()
	assert.Same(t, replacement.Sections[0], sec)
}

func TestPrefixQueries(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	installCrate(t, ns, makeCrate("sched", "sched::enqueue-11111111", "sched::dequeue-22222222"))
	installCrate(t, ns, makeCrate("memory", "memory::map-33333333"))

	symbols := ns.FindSymbolsStartingWith("sched::")
	require.Len(t, symbols, 2)
	assert.Equal(t, "sched::dequeue-22222222", symbols[0].Name, "results are sorted")

	crates := ns.GetCratesStartingWith("sc")
	require.Len(t, crates, 1)
	assert.Equal(t, "sched", crates[0].Name)

	assert.Empty(t, ns.GetCratesStartingWith("zzz"))
}

func TestForEachCrate_EarlyExitAndRecursion(t *testing.T) {
	parent := NewCrateNamespace("parent", "", nil, nil)
	installCrate(t, parent, makeCrate("base"))
	child := NewCrateNamespace("child", "", parent, nil)
	installCrate(t, child, makeCrate("app_a"))
	installCrate(t, child, makeCrate("app_b"))

	var visited []string
	child.ForEachCrate(true, func(crate *metadata.LoadedCrate) bool {
		visited = append(visited, crate.Name)
		return true
	})
	assert.Equal(t, []string{"app_a", "app_b", "base"}, visited)

	visited = nil
	child.ForEachCrate(false, func(crate *metadata.LoadedCrate) bool {
		visited = append(visited, crate.Name)
		return false
	})
	assert.Equal(t, []string{"app_a"}, visited, "early exit stops iteration")
}

func TestConstants_RecurseIntoParent(t *testing.T) {
	parent := NewCrateNamespace("parent", "", nil, nil)
	parent.AddConstant("KERNEL_OFFSET", 0xffff_8000_0000_0000)
	child := NewCrateNamespace("child", "", parent, nil)

	value, ok := child.Constant("KERNEL_OFFSET")
	require.True(t, ok)
	assert.Equal(t, uint64(0xffff_8000_0000_0000), value)

	_, ok = child.Constant("MISSING")
	assert.False(t, ok)
}

func TestInsertCrate_RejectsDuplicates(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	require.NoError(t, ns.InsertCrate(makeCrate("dup")))
	assert.ErrorIs(t, ns.InsertCrate(makeCrate("dup")), ErrCrateExists)
}

func TestFindSymbolOrLoad_NoDirectoryMeansPlainMiss(t *testing.T) {
	ns := NewCrateNamespace("test", "", nil, nil)
	_, ok := ns.FindSymbolOrLoad("absent::gone-00000000", nil)
	assert.False(t, ok)
}
