package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
)

// Fingerprint is the content hash of a swap request's canonicalized inputs
type Fingerprint [sha256.Size]byte

// String renders a short hex form of the fingerprint
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

func fingerprintOf(lines []string) Fingerprint {
	return sha256.Sum256([]byte(strings.Join(lines, "\n")))
}

// CacheEntry holds the crates displaced by one prior swap, keyed in the
// cache by the fingerprint of the request that would bring them back.
type CacheEntry struct {
	// Displaced are the swapped-out crates, still alive (their sections'
	// weak handles upgrade) but unpublished from every live namespace.
	Displaced []*metadata.LoadedCrate
	// CreatedBy is the fingerprint of the request that displaced them
	CreatedBy Fingerprint
}

// DisplacedByName returns the displaced crate with the given canonical name
func (e *CacheEntry) DisplacedByName(name string) (*metadata.LoadedCrate, bool) {
	for _, crate := range e.Displaced {
		if crate.Name == name {
			return crate, true
		}
	}
	return nil, false
}

// FingerprintCache memoizes prior swap operations. It serves two purposes:
// O(1) detection of a reversal (the displaced crates are still loaded and
// can be republished without touching the object file again) and retention
// of swapped-out crates for rollback and debugging.
type FingerprintCache struct {
	mu      sync.Mutex
	entries map[Fingerprint]*CacheEntry
	hits    int
}

// NewFingerprintCache creates an empty cache
func NewFingerprintCache() *FingerprintCache {
	return &FingerprintCache{entries: make(map[Fingerprint]*CacheEntry)}
}

// Lookup returns the entry for the fingerprint, removing it from the cache
// and counting a hit. The caller takes over the displaced crates.
func (c *FingerprintCache) Lookup(fp Fingerprint) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	delete(c.entries, fp)
	c.hits++
	return entry, true
}

// Insert stores displaced crates under the fingerprint of the request that
// would reverse the swap which displaced them.
func (c *FingerprintCache) Insert(fp Fingerprint, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = entry
}

// Hits returns how many lookups found a cached reversal
func (c *FingerprintCache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Len returns the number of cached swap results
func (c *FingerprintCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ForEach calls f for every cached entry
func (c *FingerprintCache) ForEach(f func(Fingerprint, *CacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, entry := range c.entries {
		f(fp, entry)
	}
}
