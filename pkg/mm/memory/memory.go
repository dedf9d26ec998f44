// Package memory provides the small slice of the memory service that the
// crate manager depends on: page-granular allocation of virtually contiguous
// ranges with explicit permissions, and controlled remapping of those
// permissions after relocation.
//
// The real backing store (frame allocator, page tables) is an external
// collaborator. SimAllocator is the in-process stand-in used by the CLI and
// the tests: it hands out ranges from a flat arena at a configurable virtual
// base address.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

// Permissions is the set of access flags a mapped range is created with
type Permissions uint8

const (
	// PermRead allows reads
	PermRead Permissions = 1 << iota
	// PermWrite allows writes
	PermWrite
	// PermExecute allows instruction fetch
	PermExecute
)

// String renders the permissions in the conventional rwx form
func (p Permissions) String() string {
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExecute != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

var (
	ErrOutOfMemory     = errors.New("allocation request cannot be satisfied")
	ErrWritableAndExec = errors.New("refusing to map pages both writable and executable")
	ErrOutOfRange      = errors.New("access outside mapped range")
	ErrNotWritable     = errors.New("mapped range is not writable")
	ErrAlreadyReleased = errors.New("mapped range already released")
)

// Allocator is the interface the loader uses to reserve the three per-crate
// regions. Implementations must return virtually contiguous, page-aligned
// ranges and must reject PermWrite|PermExecute combinations.
type Allocator interface {
	// AllocatePages reserves a range of at least size bytes, rounded up to
	// whole pages, mapped with the given permissions.
	AllocatePages(size uint64, perms Permissions) (*MappedPages, error)
}

// MappedPages is an owned, virtually contiguous range of mapped pages.
// Dropping the owning crate releases the range; all of a crate's sections of
// one kind share a single range.
type MappedPages struct {
	mu       sync.RWMutex
	start    uint64
	data     []byte
	perms    Permissions
	released bool
}

// Start returns the virtual address of the first byte of the range
func (mp *MappedPages) Start() uint64 {
	return mp.start
}

// Size returns the mapped length in bytes (whole pages)
func (mp *MappedPages) Size() uint64 {
	return uint64(len(mp.data))
}

// Permissions returns the current access flags of the range
func (mp *MappedPages) Permissions() Permissions {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.perms
}

// Contains reports whether vaddr falls within the mapped range
func (mp *MappedPages) Contains(vaddr uint64) bool {
	return vaddr >= mp.start && vaddr < mp.start+mp.Size()
}

// Remap changes the permissions of the whole range. The write+execute
// combination is rejected; the loader flips text pages between writable
// (during relocation) and executable (afterwards), never both.
func (mp *MappedPages) Remap(perms Permissions) error {
	if perms&PermWrite != 0 && perms&PermExecute != 0 {
		return ErrWritableAndExec
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.released {
		return ErrAlreadyReleased
	}
	mp.perms = perms
	return nil
}

// WriteAt copies p into the range at the given byte offset. The range must
// currently be writable.
func (mp *MappedPages) WriteAt(offset uint64, p []byte) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.released {
		return ErrAlreadyReleased
	}
	if mp.perms&PermWrite == 0 {
		return fmt.Errorf("%w: %s at %#x", ErrNotWritable, mp.perms, mp.start+offset)
	}
	if offset+uint64(len(p)) > uint64(len(mp.data)) {
		return fmt.Errorf("%w: write of %d bytes at offset %#x into %d-byte range",
			ErrOutOfRange, len(p), offset, len(mp.data))
	}
	copy(mp.data[offset:], p)
	return nil
}

// ReadAt copies len(p) bytes from the range at the given offset into p
func (mp *MappedPages) ReadAt(offset uint64, p []byte) error {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if mp.released {
		return ErrAlreadyReleased
	}
	if offset+uint64(len(p)) > uint64(len(mp.data)) {
		return fmt.Errorf("%w: read of %d bytes at offset %#x from %d-byte range",
			ErrOutOfRange, len(p), offset, len(mp.data))
	}
	copy(p, mp.data[offset:])
	return nil
}

// Release marks the range released and drops its bytes; it does not update
// any allocator's accounting (SimAllocator.Release does both). Any later
// access fails with ErrAlreadyReleased.
func (mp *MappedPages) Release() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.released = true
	mp.data = nil
}

// Released reports whether Release has been called on the range
func (mp *MappedPages) Released() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.released
}

// MemoryConfig configures the simulated allocator
type MemoryConfig struct {
	// BaseAddress is the virtual address of the first allocated page
	BaseAddress uint64
	// PageSize is the allocation granularity (default: 4096)
	PageSize uint64
}

// DefaultMemoryConfig returns a config with sensible defaults. The base is
// placed high enough that no loaded address collides with small constants
// used as TLS offsets.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		BaseAddress: 0x8000_0000,
		PageSize:    4096,
	}
}

// SimAllocator is an in-process Allocator: a monotonically growing arena of
// fake virtual address space. It never reuses released ranges, which keeps
// stale-address bugs loud in tests.
type SimAllocator struct {
	mu     sync.Mutex
	config MemoryConfig
	next   uint64
	inUse  uint64
}

// NewSimAllocator creates a simulated allocator. A nil config uses
// DefaultMemoryConfig.
func NewSimAllocator(config *MemoryConfig) *SimAllocator {
	cfg := DefaultMemoryConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	return &SimAllocator{
		config: cfg,
		next:   cfg.BaseAddress,
	}
}

// AllocatePages reserves size bytes rounded up to whole pages
func (a *SimAllocator) AllocatePages(size uint64, perms Permissions) (*MappedPages, error) {
	if perms&PermWrite != 0 && perms&PermExecute != 0 {
		return nil, ErrWritableAndExec
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-size allocation", ErrOutOfMemory)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pages := (size + a.config.PageSize - 1) / a.config.PageSize
	length := pages * a.config.PageSize

	mp := &MappedPages{
		start: a.next,
		data:  make([]byte, length),
		perms: perms,
	}
	a.next += length
	a.inUse += length
	return mp, nil
}

// Release returns a range to the allocator and updates accounting
func (a *SimAllocator) Release(mp *MappedPages) {
	if mp == nil || mp.Released() {
		return
	}
	a.mu.Lock()
	a.inUse -= mp.Size()
	a.mu.Unlock()
	mp.Release()
}

// BytesInUse reports how many mapped bytes are currently outstanding
func (a *SimAllocator) BytesInUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
