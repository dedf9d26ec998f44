package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimAllocator_PageRoundingAndContiguity(t *testing.T) {
	alloc := NewSimAllocator(&MemoryConfig{BaseAddress: 0x1000_0000, PageSize: 4096})

	first, err := alloc.AllocatePages(1, PermRead|PermWrite)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000_0000), first.Start())
	assert.Equal(t, uint64(4096), first.Size())

	second, err := alloc.AllocatePages(4097, PermRead)
	require.NoError(t, err)
	assert.Equal(t, first.Start()+first.Size(), second.Start(), "ranges are virtually contiguous")
	assert.Equal(t, uint64(8192), second.Size())

	assert.Equal(t, uint64(4096+8192), alloc.BytesInUse())
}

func TestSimAllocator_RejectsWritableExecutable(t *testing.T) {
	alloc := NewSimAllocator(nil)
	_, err := alloc.AllocatePages(16, PermRead|PermWrite|PermExecute)
	assert.ErrorIs(t, err, ErrWritableAndExec)
}

func TestSimAllocator_RejectsZeroSize(t *testing.T) {
	alloc := NewSimAllocator(nil)
	_, err := alloc.AllocatePages(0, PermRead)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestMappedPages_WriteRequiresPermission(t *testing.T) {
	alloc := NewSimAllocator(nil)
	mp, err := alloc.AllocatePages(64, PermRead)
	require.NoError(t, err)

	err = mp.WriteAt(0, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotWritable)

	require.NoError(t, mp.Remap(PermRead|PermWrite))
	require.NoError(t, mp.WriteAt(8, []byte{1, 2, 3}))

	got := make([]byte, 3)
	require.NoError(t, mp.ReadAt(8, got))
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestMappedPages_RemapNeverAllowsWritePlusExecute(t *testing.T) {
	alloc := NewSimAllocator(nil)
	mp, err := alloc.AllocatePages(64, PermRead|PermWrite)
	require.NoError(t, err)

	assert.ErrorIs(t, mp.Remap(PermRead|PermWrite|PermExecute), ErrWritableAndExec)

	// The loader's W -> X transition is legal.
	require.NoError(t, mp.Remap(PermRead|PermExecute))
	assert.Equal(t, PermRead|PermExecute, mp.Permissions())
}

func TestMappedPages_BoundsChecking(t *testing.T) {
	alloc := NewSimAllocator(nil)
	mp, err := alloc.AllocatePages(16, PermRead|PermWrite)
	require.NoError(t, err)
	// Size is rounded up to a page; write past it.
	err = mp.WriteAt(mp.Size()-2, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrOutOfRange)

	buf := make([]byte, 4)
	err = mp.ReadAt(mp.Size(), buf)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMappedPages_Contains(t *testing.T) {
	alloc := NewSimAllocator(&MemoryConfig{BaseAddress: 0x2000, PageSize: 4096})
	mp, err := alloc.AllocatePages(10, PermRead)
	require.NoError(t, err)

	assert.True(t, mp.Contains(0x2000))
	assert.True(t, mp.Contains(0x2fff))
	assert.False(t, mp.Contains(0x3000))
	assert.False(t, mp.Contains(0x1fff))
}

func TestRelease_AccountsAndInvalidates(t *testing.T) {
	alloc := NewSimAllocator(nil)
	mp, err := alloc.AllocatePages(100, PermRead|PermWrite)
	require.NoError(t, err)
	require.NotZero(t, alloc.BytesInUse())

	alloc.Release(mp)
	assert.Zero(t, alloc.BytesInUse())
	assert.True(t, mp.Released())

	assert.ErrorIs(t, mp.WriteAt(0, []byte{1}), ErrAlreadyReleased)
	assert.ErrorIs(t, mp.Remap(PermRead), ErrAlreadyReleased)

	// Double release is harmless.
	alloc.Release(mp)
	assert.Zero(t, alloc.BytesInUse())
}

func TestReleaseAll_FallsBackWithoutReleaser(t *testing.T) {
	alloc := NewSimAllocator(nil)
	mp, err := alloc.AllocatePages(10, PermRead)
	require.NoError(t, err)

	ReleaseAll(plainAllocator{alloc}, mp, nil)
	assert.True(t, mp.Released())
}

// plainAllocator hides SimAllocator's Releaser implementation
type plainAllocator struct {
	inner *SimAllocator
}

func (p plainAllocator) AllocatePages(size uint64, perms Permissions) (*MappedPages, error) {
	return p.inner.AllocatePages(size, perms)
}

func TestPermissionsString(t *testing.T) {
	assert.Equal(t, "r-x", (PermRead | PermExecute).String())
	assert.Equal(t, "rw-", (PermRead | PermWrite).String())
	assert.Equal(t, "---", Permissions(0).String())
}
