package swap

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theseus-os/crateman/internal/elfgen"
	"github.com/theseus-os/crateman/pkg/mm/loader"
	"github.com/theseus-os/crateman/pkg/mm/memory"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
)

// swapFixture is the shared scenario: a callee crate sched_a, a replacement
// sched_b for it, and a caller crate with three call sites into sched_a.
type swapFixture struct {
	dir    string
	alloc  *memory.SimAllocator
	ns     *namespace.CrateNamespace
	ldr    *loader.Loader
	engine *Engine

	schedAPath string
	schedBPath string
}

const (
	enqueueOld = "sched::enqueue-aaaa0001"
	enqueueNew = "sched::enqueue-bbbb0002"
)

func writeObject(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

// schedObject builds a crate defining sched::enqueue under the given hashed
// name, plus a state-transfer hook section.
func schedObject(enqueueName, transferName string) []byte {
	b := elfgen.NewBuilder()
	enqueue := b.AddText(enqueueName, []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3})
	b.AddSymbol(enqueueName, enqueue, elfgen.BindGlobal, elfgen.TypeFunc, 0, 6)
	transfer := b.AddText(transferName, []byte{0xc3})
	b.AddSymbol(transferName, transfer, elfgen.BindGlobal, elfgen.TypeFunc, 0, 1)
	return b.Bytes()
}

// callerObject builds a crate with three call sites into the callee symbol
func callerObject(name string, calleeSymbol string) []byte {
	b := elfgen.NewBuilder()
	code := []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00, // call callee
		0x90,                         // nop
		0xe8, 0x00, 0x00, 0x00, 0x00, // call callee
		0x90,                         // nop
		0xe8, 0x00, 0x00, 0x00, 0x00, // call callee
		0xc3, // ret
	}
	text := b.AddText(name, code)
	b.AddSymbol(name, text, elfgen.BindGlobal, elfgen.TypeFunc, 0, uint64(len(code)))
	undef := b.AddUndef(calleeSymbol)
	for _, offset := range []uint64{1, 7, 13} {
		b.AddRela(text, offset, uint32(elf.R_X86_64_PLT32), undef, -4)
	}
	return b.Bytes()
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()
	f := &swapFixture{
		dir:   t.TempDir(),
		alloc: memory.NewSimAllocator(nil),
	}
	f.ns = namespace.NewCrateNamespace("live", f.dir, nil, nil)
	f.ldr = loader.New(&loader.Options{Allocator: f.alloc})
	f.engine = NewEngine(&Options{Loader: f.ldr, Allocator: f.alloc})

	f.schedAPath = writeObject(t, f.dir, "k#sched_a.o", schedObject(enqueueOld, "sched::transfer_state-cccc0003"))
	f.schedBPath = writeObject(t, f.dir, "k#sched_b.o", schedObject(enqueueNew, "sched::transfer_state-dddd0004"))

	_, err := f.ldr.LoadCrate(f.ns, f.schedAPath)
	require.NoError(t, err)

	callerPath := writeObject(t, f.dir, "k#caller.o", callerObject("caller::drive-eeee0005", enqueueOld))
	_, err = f.ldr.LoadCrate(f.ns, callerPath)
	require.NoError(t, err)
	return f
}

func (f *swapFixture) callerSection(t *testing.T) *metadata.LoadedSection {
	t.Helper()
	ref, ok := f.ns.FindSymbol("caller::drive-eeee0005")
	require.True(t, ok)
	sec, live := ref.Upgrade()
	require.True(t, live)
	return sec
}

// callTargets decodes the three rel32 call operands in the caller's text
func (f *swapFixture) callTargets(t *testing.T) []uint64 {
	t.Helper()
	caller := f.callerSection(t)
	region := caller.Parent.RegionForKind(metadata.SectionText)

	var targets []uint64
	for _, offset := range []uint64{1, 7, 13} {
		var operand [4]byte
		require.NoError(t, region.ReadAt(caller.MappedOffset+offset, operand[:]))
		rel := int64(int32(binary.LittleEndian.Uint32(operand[:])))
		targets = append(targets, uint64(int64(caller.VirtualAddress+offset)+rel+4))
	}
	return targets
}

func TestSwapCrates_ReplacesCrateAndRewritesDependents(t *testing.T) {
	f := newSwapFixture(t)

	req := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: f.schedBPath}}}
	result, err := f.engine.SwapCrates(f.ns, req)
	require.NoError(t, err)
	require.Len(t, result.Replaced, 1)
	assert.Equal(t, "sched_a", result.Replaced[0].OldName)
	assert.Equal(t, "sched_b", result.Replaced[0].NewName)
	assert.Equal(t, 3, result.Replaced[0].RewrittenDependents)
	assert.False(t, result.CacheHit)

	// Old symbols are gone, new ones are live.
	_, ok := f.ns.FindSymbol(enqueueOld)
	assert.False(t, ok)
	ref, ok := f.ns.FindSymbol(enqueueNew)
	require.True(t, ok)
	newEnqueue, live := ref.Upgrade()
	require.True(t, live)

	// Every call site now lands on the new section.
	for _, target := range f.callTargets(t) {
		assert.Equal(t, newEnqueue.VirtualAddress, target)
	}

	// The strong records moved with the rewrite.
	caller := f.callerSection(t)
	for _, dep := range caller.DependsOn() {
		assert.Same(t, newEnqueue, dep.Target)
	}
	assert.NoError(t, metadata.VerifyMirror(caller))
	assert.NoError(t, metadata.VerifyMirror(newEnqueue))

	// The old crate is retained in the side table, not in the namespace.
	_, ok = f.ns.GetCrate("sched_a")
	assert.False(t, ok)
	_, ok = f.ns.GetCrate("sched_b")
	assert.True(t, ok)
	assert.Equal(t, 1, f.engine.Cache().Len())

	assert.Equal(t, 3, result.Downtime.Rewrites)
}

func TestSwapCrates_RoundTripRestoresOldCrate(t *testing.T) {
	f := newSwapFixture(t)

	edgesBefore := dependencyEdges(f.callerSection(t))

	forward := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: f.schedBPath}}}
	_, err := f.engine.SwapCrates(f.ns, forward)
	require.NoError(t, err)

	reverse := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "sched_b", NewObjectFile: f.schedAPath}}}
	result, err := f.engine.SwapCrates(f.ns, reverse)
	require.NoError(t, err)
	assert.True(t, result.CacheHit, "the reversal is recognized by fingerprint")
	assert.Equal(t, 1, f.engine.Cache().Hits())

	// sched_a is live again, sched_b is retained for rollback.
	_, ok := f.ns.FindSymbol(enqueueOld)
	assert.True(t, ok)
	_, ok = f.ns.FindSymbol(enqueueNew)
	assert.False(t, ok)
	_, ok = f.ns.GetCrate("sched_a")
	assert.True(t, ok)
	_, ok = f.ns.GetCrate("sched_b")
	assert.False(t, ok)

	// The dependency graph is isomorphic to the pre-swap state.
	assert.Equal(t, edgesBefore, dependencyEdges(f.callerSection(t)))

	ref, _ := f.ns.FindSymbol(enqueueOld)
	restored, live := ref.Upgrade()
	require.True(t, live)
	for _, target := range f.callTargets(t) {
		assert.Equal(t, restored.VirtualAddress, target)
	}
}

// dependencyEdges summarizes a section's outgoing edges as comparable tuples
func dependencyEdges(sec *metadata.LoadedSection) []string {
	var edges []string
	for _, dep := range sec.DependsOn() {
		edges = append(edges, sec.NameWithoutHash()+"->"+dep.Target.NameWithoutHash())
	}
	return edges
}

func TestSwapCrates_StateTransfer(t *testing.T) {
	f := newSwapFixture(t)

	var calls []string
	f.engine.RegisterStateTransfer("sched::transfer_state", func(ns *namespace.CrateNamespace, old, new *metadata.LoadedCrate) error {
		calls = append(calls, old.Name+"->"+new.Name)
		return nil
	})

	req := &SwapRequest{
		Entries:       []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: f.schedBPath}},
		StateTransfer: []string{"sched::transfer_state-dddd0004"},
	}
	_, err := f.engine.SwapCrates(f.ns, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"sched_a->sched_b"}, calls)
}

func TestSwapCrates_StateTransferUnknownSymbol(t *testing.T) {
	f := newSwapFixture(t)

	req := &SwapRequest{
		Entries:       []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: f.schedBPath}},
		StateTransfer: []string{"no::such::function-00000000"},
	}
	_, err := f.engine.SwapCrates(f.ns, req)
	assert.ErrorIs(t, err, ErrStateTransfer)
}

func TestSwapCrates_MissingOldCrate(t *testing.T) {
	f := newSwapFixture(t)

	req := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "ghost", NewObjectFile: f.schedBPath}}}
	_, err := f.engine.SwapCrates(f.ns, req)
	assert.ErrorIs(t, err, ErrSwapShape)

	// Nothing changed.
	_, ok := f.ns.FindSymbol(enqueueOld)
	assert.True(t, ok)
}

func TestSwapCrates_UnloadableNewObject(t *testing.T) {
	f := newSwapFixture(t)
	junk := writeObject(t, f.dir, "k#junk.o", []byte("not elf"))

	req := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: junk}}}
	_, err := f.engine.SwapCrates(f.ns, req)
	assert.ErrorIs(t, err, ErrSwapShape)

	_, ok := f.ns.FindSymbol(enqueueOld)
	assert.True(t, ok, "failed swaps leave the old crate published")
}

func TestSwapCrates_MissingCounterpartIsRejected(t *testing.T) {
	f := newSwapFixture(t)

	// An "empty" replacement lacking sched::enqueue entirely.
	b := elfgen.NewBuilder()
	other := b.AddText("sched::other-ffff0006", []byte{0xc3})
	b.AddSymbol("sched::other-ffff0006", other, elfgen.BindGlobal, elfgen.TypeFunc, 0, 1)
	gutted := writeObject(t, f.dir, "k#sched_c.o", b.Bytes())

	req := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "sched_a", NewObjectFile: gutted}}}
	_, err := f.engine.SwapCrates(f.ns, req)
	require.Error(t, err)

	_, ok := f.ns.FindSymbol(enqueueOld)
	assert.True(t, ok)
}

func TestSwapCrates_AdditionAndRemoval(t *testing.T) {
	f := newSwapFixture(t)

	extraPath := writeObject(t, f.dir, "k#extra.o", schedObject("extra::run-12123434", "extra::transfer-56567878"))
	req := &SwapRequest{Entries: []SwapEntry{{NewObjectFile: extraPath}}}
	result, err := f.engine.SwapCrates(f.ns, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, result.Added)
	_, ok := f.ns.GetCrate("extra")
	assert.True(t, ok)

	removal := &SwapRequest{Entries: []SwapEntry{{OldCrateName: "extra"}}}
	result, err = f.engine.SwapCrates(f.ns, removal)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, result.Removed)
	_, ok = f.ns.GetCrate("extra")
	assert.False(t, ok)
	_, ok = f.ns.FindSymbol("extra::run-12123434")
	assert.False(t, ok)
}

func TestSwapCrates_EmptyRequest(t *testing.T) {
	f := newSwapFixture(t)
	_, err := f.engine.SwapCrates(f.ns, &SwapRequest{})
	assert.ErrorIs(t, err, ErrSwapShape)
}

func TestFingerprintCache_LookupConsumesEntry(t *testing.T) {
	cache := NewFingerprintCache()
	fp := fingerprintOf([]string{"a->b"})
	cache.Insert(fp, &CacheEntry{})

	_, ok := cache.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, 1, cache.Hits())

	_, ok = cache.Lookup(fp)
	assert.False(t, ok, "entries are single-use")
	assert.Equal(t, 1, cache.Hits(), "misses do not count")
}
