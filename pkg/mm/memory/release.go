package memory

// Releaser is implemented by allocators that track outstanding ranges.
// SimAllocator implements it; a trivial allocator may not.
type Releaser interface {
	Release(*MappedPages)
}

// ReleaseAll returns every non-nil range to the allocator, going through its
// accounting when the allocator supports it.
func ReleaseAll(alloc Allocator, pages ...*MappedPages) {
	releaser, _ := alloc.(Releaser)
	for _, mp := range pages {
		if mp == nil {
			continue
		}
		if releaser != nil {
			releaser.Release(mp)
		} else {
			mp.Release()
		}
	}
}
