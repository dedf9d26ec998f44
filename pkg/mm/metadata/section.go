// Package metadata defines the crate manager's data model: loaded crates,
// their sections, and the bidirectional dependency graph that relocations
// create between sections. Crates own sections; every other edge in the
// model is non-owning, so that a swapped-out crate can linger for rollback
// without keeping the rest of the graph alive.
package metadata

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

// SectionKind identifies which kind of loaded content a section holds, which
// in turn determines which of its crate's memory regions backs it and with
// which permissions.
type SectionKind int

const (
	// SectionText is executable code
	SectionText SectionKind = iota
	// SectionRodata is read-only data
	SectionRodata
	// SectionData is writable, initialized data
	SectionData
	// SectionBss is writable, zero-initialized data
	SectionBss
	// SectionTlsData is thread-local initialized data. Its initializer image
	// lives in the crate's rodata region; its VirtualAddress holds the TLS
	// offset rather than a load address.
	SectionTlsData
	// SectionTlsBss is thread-local zero-initialized data. It occupies no
	// image bytes at all; its MappedOffset is TlsBssSentinelOffset.
	SectionTlsBss
	// SectionEhFrame is stack unwinding information
	SectionEhFrame
	// SectionGccExceptTable is language-specific unwinding data
	SectionGccExceptTable
)

// TlsBssSentinelOffset is the MappedOffset recorded for TLS-bss sections,
// which have no image bytes. It must never be dereferenced.
const TlsBssSentinelOffset = ^uint64(0)

// String returns the human-readable name of the section kind
func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return "text"
	case SectionRodata:
		return "rodata"
	case SectionData:
		return "data"
	case SectionBss:
		return "bss"
	case SectionTlsData:
		return "tls-data"
	case SectionTlsBss:
		return "tls-bss"
	case SectionEhFrame:
		return "eh-frame"
	case SectionGccExceptTable:
		return "gcc-except-table"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ElfSectionName returns the name of the ELF section this kind of loaded
// section comes from (e.g. ".text" for SectionText).
func (k SectionKind) ElfSectionName() string {
	switch k {
	case SectionText:
		return ".text"
	case SectionRodata:
		return ".rodata"
	case SectionData:
		return ".data"
	case SectionBss:
		return ".bss"
	case SectionTlsData:
		return ".tdata"
	case SectionTlsBss:
		return ".tbss"
	case SectionEhFrame:
		return ".eh_frame"
	case SectionGccExceptTable:
		return ".gcc_except_table"
	default:
		return ""
	}
}

// IsTls returns true for the two thread-local kinds, whose VirtualAddress
// field holds a TLS offset instead of a load address.
func (k SectionKind) IsTls() bool {
	return k == SectionTlsData || k == SectionTlsBss
}

// Writable returns true for kinds backed by the crate's read-write region
func (k SectionKind) Writable() bool {
	return k == SectionData || k == SectionBss
}

// KindOfElfSection classifies an allocatable ELF section by its name.
// The boolean result is false for section names the crate manager does not
// recognize as loadable content.
func KindOfElfSection(name string) (SectionKind, bool) {
	switch {
	case name == ".eh_frame" || strings.HasPrefix(name, ".eh_frame."):
		return SectionEhFrame, true
	case name == ".gcc_except_table" || strings.HasPrefix(name, ".gcc_except_table."):
		return SectionGccExceptTable, true
	case name == ".text" || strings.HasPrefix(name, ".text."):
		return SectionText, true
	case name == ".rodata" || strings.HasPrefix(name, ".rodata."):
		return SectionRodata, true
	case name == ".tdata" || strings.HasPrefix(name, ".tdata."):
		return SectionTlsData, true
	case name == ".tbss" || strings.HasPrefix(name, ".tbss."):
		return SectionTlsBss, true
	case name == ".data" || strings.HasPrefix(name, ".data."):
		return SectionData, true
	case name == ".bss" || strings.HasPrefix(name, ".bss."):
		return SectionBss, true
	default:
		return 0, false
	}
}

// RelocationEntry describes a single relocation: where it was written inside
// the source section, the architecture-specific relocation type, and the
// addend. It is recorded alongside every dependency edge so the swap engine
// can re-apply the exact same fixup against a replacement target.
type RelocationEntry struct {
	// Offset is the byte offset within the source section where the
	// relocated value is written
	Offset uint64
	// Type is the relocation type (an R_X86_64_* value)
	Type uint32
	// Addend is the constant added to the target's address
	Addend int64
}

// StrongDependency is an outgoing edge: the owning section issued a
// relocation that points at Target. The referenced section is kept alive by
// its own crate, not by this record.
type StrongDependency struct {
	Target     *LoadedSection
	Relocation RelocationEntry
}

// WeakDependent is an incoming edge, the mirror image of a StrongDependency
// stored on the pointed-at side. The Source handle is weak: it may fail to
// upgrade once the dependent section's crate has been dropped.
type WeakDependent struct {
	Source     WeakSectionRef
	Relocation RelocationEntry
}

// InternalDependency records an intra-section relocation. These are only
// recorded when RecordInternalDependencies is enabled.
type InternalDependency struct {
	Relocation RelocationEntry
}

// RecordInternalDependencies enables recording of relocations whose source
// and target are the same section. They are never needed for swapping and
// are kept only for completeness of the graph.
var RecordInternalDependencies = false

// WeakSectionRef is a non-owning handle to a LoadedSection. Upgrading yields
// the section only while it is still live; after its crate has been dropped
// the upgrade fails.
type WeakSectionRef struct {
	sec *LoadedSection
}

// Upgrade returns the referenced section, or false if the section has been
// dropped (or the handle is the zero value).
func (w WeakSectionRef) Upgrade() (*LoadedSection, bool) {
	if w.sec == nil || w.sec.dropped.Load() {
		return nil, false
	}
	return w.sec, true
}

// Refers reports whether this handle points at the given section, live or not
func (w WeakSectionRef) Refers(sec *LoadedSection) bool {
	return w.sec == sec
}

// LoadedSection is the unit of loaded code or data: one named, contiguously
// allocated range within its parent crate's text, rodata or data region.
//
// The two dependency lists are guarded by their own lock so they remain
// mutable while the rest of the section's metadata stays immutable after
// loading. Readers of the lists never block each other.
type LoadedSection struct {
	// Name is the demangled symbol name, including the trailing hash suffix
	// that disambiguates identically named symbols across crate versions
	Name string
	// Kind determines the backing region and permissions
	Kind SectionKind
	// Global marks the section as exported to its namespace's symbol map
	Global bool
	// Weak marks a weakly bound symbol, which yields to a strong one on a
	// publication collision
	Weak bool
	// VirtualAddress is the address the section is mapped at. For TLS
	// sections this holds the TLS offset instead; the two TLS kinds are the
	// only ones for which VirtualAddress != region base + MappedOffset.
	VirtualAddress uint64
	// MappedOffset is the byte offset into the owning crate's region of the
	// corresponding kind. TlsBssSentinelOffset for TLS-bss sections.
	MappedOffset uint64
	// Size is the byte length of the section
	Size uint64
	// Parent is a non-owning back reference to the owning crate
	Parent *LoadedCrate

	// depMu guards only the three dependency lists below
	depMu      sync.RWMutex
	dependsOn  []StrongDependency
	dependents []WeakDependent
	internal   []InternalDependency

	dropped atomic.Bool
}

// WeakRef returns a non-owning handle to this section
func (s *LoadedSection) WeakRef() WeakSectionRef {
	return WeakSectionRef{sec: s}
}

// Dropped reports whether the section's crate has been dropped
func (s *LoadedSection) Dropped() bool {
	return s.dropped.Load()
}

// markDropped invalidates every outstanding weak handle to this section
func (s *LoadedSection) markDropped() {
	s.dropped.Store(true)
}

// NameWithoutHash returns the section name with its trailing hash suffix
// stripped, the form used to match counterpart sections across crate versions.
func (s *LoadedSection) NameWithoutHash() string {
	return NameWithoutHash(s.Name)
}

// EndAddress returns one past the last byte of the section
func (s *LoadedSection) EndAddress() uint64 {
	return s.VirtualAddress + s.Size
}

// ContainsAddress reports whether vaddr falls within the section. Always
// false for TLS sections, whose VirtualAddress is an offset, not an address.
func (s *LoadedSection) ContainsAddress(vaddr uint64) bool {
	if s.Kind.IsTls() {
		return false
	}
	return vaddr >= s.VirtualAddress && vaddr < s.VirtualAddress+s.Size
}

// DependsOn returns a snapshot of the section's strong outgoing dependencies
func (s *LoadedSection) DependsOn() []StrongDependency {
	s.depMu.RLock()
	defer s.depMu.RUnlock()
	out := make([]StrongDependency, len(s.dependsOn))
	copy(out, s.dependsOn)
	return out
}

// Dependents returns a snapshot of the section's weak incoming dependents
func (s *LoadedSection) Dependents() []WeakDependent {
	s.depMu.RLock()
	defer s.depMu.RUnlock()
	out := make([]WeakDependent, len(s.dependents))
	copy(out, s.dependents)
	return out
}

// InternalDependencies returns a snapshot of the recorded intra-section
// relocations. Empty unless RecordInternalDependencies was enabled at load.
func (s *LoadedSection) InternalDependencies() []InternalDependency {
	s.depMu.RLock()
	defer s.depMu.RUnlock()
	out := make([]InternalDependency, len(s.internal))
	copy(out, s.internal)
	return out
}

// DependencyCounts returns the number of strong outgoing and weak incoming
// edges currently recorded on the section.
func (s *LoadedSection) DependencyCounts() (strong int, weak int) {
	s.depMu.RLock()
	defer s.depMu.RUnlock()
	return len(s.dependsOn), len(s.dependents)
}

// RecordDependency appends the strong/weak record pair for one applied
// relocation: a strong outgoing entry on source and its weak incoming mirror
// on target. Both sections' list locks are held for the double append, in
// ascending address order, so the mirror invariant holds at every point
// another thread can observe.
//
// A relocation whose source and target are the same section is recorded as an
// internal dependency instead, and only when RecordInternalDependencies is on.
func RecordDependency(source, target *LoadedSection, rel RelocationEntry) {
	if source == target {
		if RecordInternalDependencies {
			source.depMu.Lock()
			source.internal = append(source.internal, InternalDependency{Relocation: rel})
			source.depMu.Unlock()
		}
		return
	}

	lockPair(source, target)
	source.dependsOn = append(source.dependsOn, StrongDependency{Target: target, Relocation: rel})
	target.dependents = append(target.dependents, WeakDependent{Source: source.WeakRef(), Relocation: rel})
	unlockPair(source, target)
}

// RedirectDependency rewires one recorded edge from oldTarget to newTarget:
// the strong entry on source that matches rel is repointed, the matching weak
// entry on oldTarget is removed, and a fresh weak entry is appended to
// newTarget. Locks are taken in ascending address order across all three
// sections. Returns false if source held no matching strong entry.
func RedirectDependency(source, oldTarget, newTarget *LoadedSection, rel RelocationEntry) bool {
	lockTriple(source, oldTarget, newTarget)
	defer unlockTriple(source, oldTarget, newTarget)

	redirected := false
	for i := range source.dependsOn {
		d := &source.dependsOn[i]
		if d.Target == oldTarget && d.Relocation == rel {
			d.Target = newTarget
			redirected = true
			break
		}
	}
	if !redirected {
		return false
	}

	for i := range oldTarget.dependents {
		d := &oldTarget.dependents[i]
		if d.Source.Refers(source) && d.Relocation == rel {
			oldTarget.dependents = append(oldTarget.dependents[:i], oldTarget.dependents[i+1:]...)
			break
		}
	}

	newTarget.dependents = append(newTarget.dependents, WeakDependent{Source: source.WeakRef(), Relocation: rel})
	return true
}

// sectionAddr orders sections by memory address for deterministic lock
// acquisition. Deadlock avoidance depends on every multi-section lock in the
// package going through lockPair/lockTriple.
func sectionAddr(s *LoadedSection) uintptr {
	return uintptr(unsafe.Pointer(s))
}

func lockPair(a, b *LoadedSection) {
	if sectionAddr(a) < sectionAddr(b) {
		a.depMu.Lock()
		b.depMu.Lock()
	} else {
		b.depMu.Lock()
		a.depMu.Lock()
	}
}

func unlockPair(a, b *LoadedSection) {
	a.depMu.Unlock()
	b.depMu.Unlock()
}

func lockTriple(a, b, c *LoadedSection) {
	secs := []*LoadedSection{a, b, c}
	sortByAddr(secs)
	var last *LoadedSection
	for _, s := range secs {
		if s == last {
			continue
		}
		s.depMu.Lock()
		last = s
	}
}

func unlockTriple(a, b, c *LoadedSection) {
	secs := []*LoadedSection{a, b, c}
	sortByAddr(secs)
	var last *LoadedSection
	for _, s := range secs {
		if s == last {
			continue
		}
		s.depMu.Unlock()
		last = s
	}
}

func sortByAddr(secs []*LoadedSection) {
	for i := 1; i < len(secs); i++ {
		for j := i; j > 0 && sectionAddr(secs[j]) < sectionAddr(secs[j-1]); j-- {
			secs[j], secs[j-1] = secs[j-1], secs[j]
		}
	}
}

// VerifyMirror checks the central graph invariant for one section: every
// strong outgoing entry has a matching weak mirror on its target, and every
// weak incoming entry has a matching strong entry on its (still live) source.
// It returns the first violation found.
func VerifyMirror(s *LoadedSection) error {
	for _, dep := range s.DependsOn() {
		if !hasWeakMirror(dep.Target, s, dep.Relocation) {
			return fmt.Errorf("section %q: strong dependency on %q at offset %#x has no weak mirror",
				s.Name, dep.Target.Name, dep.Relocation.Offset)
		}
	}
	for _, dep := range s.Dependents() {
		source, ok := dep.Source.Upgrade()
		if !ok {
			// A dropped dependent is allowed to linger; it is skipped
			// during swap rewriting.
			continue
		}
		if !hasStrongMirror(source, s, dep.Relocation) {
			return fmt.Errorf("section %q: weak dependent %q at offset %#x has no strong mirror",
				s.Name, source.Name, dep.Relocation.Offset)
		}
	}
	return nil
}

func hasWeakMirror(target, source *LoadedSection, rel RelocationEntry) bool {
	for _, d := range target.Dependents() {
		if d.Source.Refers(source) && d.Relocation == rel {
			return true
		}
	}
	return false
}

func hasStrongMirror(source, target *LoadedSection, rel RelocationEntry) bool {
	for _, d := range source.DependsOn() {
		if d.Target == target && d.Relocation == rel {
			return true
		}
	}
	return false
}
