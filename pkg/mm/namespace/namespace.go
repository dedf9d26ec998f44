// Package namespace implements the scoped symbol table at the center of the
// crate manager: the mapping from global symbol names to loaded sections,
// plus the registry of loaded crates. A namespace may have a parent that is
// searched when a lookup misses, and a directory of object files that
// load-on-demand draws from.
package namespace

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/utils"
)

var (
	// ErrConflict is returned when publishing a section would overwrite an
	// existing strong symbol of the same name
	ErrConflict = errors.New("symbol conflict")
	// ErrNotGlobal is returned when a non-global section is handed to
	// InsertSection
	ErrNotGlobal = errors.New("section is not global")
	// ErrCrateExists is returned when a crate with the same name is already
	// registered in the namespace
	ErrCrateExists = errors.New("crate already present in namespace")
)

// CrateLoader loads the object file at the given path into the namespace.
// It is how load-on-demand reaches back into the loader without the two
// packages importing each other.
type CrateLoader interface {
	LoadCrate(ns *CrateNamespace, objectPath string) (*metadata.LoadedCrate, error)
}

// SymbolEntry pairs a symbol name with a non-owning handle to its section
type SymbolEntry struct {
	Name    string
	Section metadata.WeakSectionRef
}

// CrateNamespace is one symbol world. The crates map and the symbols map
// have their own locks; when both are needed, crates is always acquired
// first.
type CrateNamespace struct {
	name   string
	dir    string
	parent *CrateNamespace
	logger *slog.Logger

	cratesMu sync.RWMutex
	crates   map[string]*metadata.LoadedCrate

	symbolsMu sync.RWMutex
	symbols   map[string]metadata.WeakSectionRef

	constantsMu sync.RWMutex
	constants   map[string]uint64
}

// NewCrateNamespace creates a namespace. dir may be empty (no load-on-demand);
// parent may be nil (no fallback); a nil logger falls back to slog.Default.
func NewCrateNamespace(name, dir string, parent *CrateNamespace, logger *slog.Logger) *CrateNamespace {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrateNamespace{
		name:      name,
		dir:       dir,
		parent:    parent,
		logger:    logger.With("namespace", name),
		crates:    make(map[string]*metadata.LoadedCrate),
		symbols:   make(map[string]metadata.WeakSectionRef),
		constants: make(map[string]uint64),
	}
}

// Name returns the namespace's name
func (ns *CrateNamespace) Name() string { return ns.name }

// Dir returns the directory load-on-demand searches for object files
func (ns *CrateNamespace) Dir() string { return ns.dir }

// Parent returns the fallback namespace, or nil
func (ns *CrateNamespace) Parent() *CrateNamespace { return ns.parent }

// FindSymbol looks the name up in this namespace's symbol map, recursing
// into the parent on a miss. It never modifies the namespace.
func (ns *CrateNamespace) FindSymbol(name string) (metadata.WeakSectionRef, bool) {
	ns.symbolsMu.RLock()
	ref, ok := ns.symbols[name]
	ns.symbolsMu.RUnlock()
	if ok {
		return ref, true
	}
	if ns.parent != nil {
		return ns.parent.FindSymbol(name)
	}
	return metadata.WeakSectionRef{}, false
}

// FindSymbolsStartingWith returns every symbol whose name begins with the
// prefix, sorted by name. It does not recurse into the parent.
func (ns *CrateNamespace) FindSymbolsStartingWith(prefix string) []SymbolEntry {
	ns.symbolsMu.RLock()
	defer ns.symbolsMu.RUnlock()

	var out []SymbolEntry
	for name, ref := range ns.symbols {
		if strings.HasPrefix(name, prefix) {
			out = append(out, SymbolEntry{Name: name, Section: ref})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetCratesStartingWith returns every crate whose name begins with the
// prefix, sorted by name. It does not recurse into the parent.
func (ns *CrateNamespace) GetCratesStartingWith(prefix string) []*metadata.LoadedCrate {
	ns.cratesMu.RLock()
	defer ns.cratesMu.RUnlock()

	var names []string
	for name := range ns.crates {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return utils.Map(names, func(name string) *metadata.LoadedCrate { return ns.crates[name] })
}

// GetCrate returns the named crate from this namespace or any ancestor
func (ns *CrateNamespace) GetCrate(name string) (*metadata.LoadedCrate, bool) {
	ns.cratesMu.RLock()
	crate, ok := ns.crates[name]
	ns.cratesMu.RUnlock()
	if ok {
		return crate, true
	}
	if ns.parent != nil {
		return ns.parent.GetCrate(name)
	}
	return nil, false
}

// InsertSection publishes a global section into the symbol map. Collisions
// are reported rather than silently overwritten, with one exception: a weak
// binding yields to a strong one, in either direction.
func (ns *CrateNamespace) InsertSection(sec *metadata.LoadedSection) error {
	if !sec.Global {
		return utils.MakeError(ErrNotGlobal, "%q", sec.Name)
	}

	ns.symbolsMu.Lock()
	defer ns.symbolsMu.Unlock()

	existingRef, present := ns.symbols[sec.Name]
	if !present {
		ns.symbols[sec.Name] = sec.WeakRef()
		return nil
	}
	existing, live := existingRef.Upgrade()
	if !live {
		// The previous owner was dropped without unpublishing; replace it.
		ns.symbols[sec.Name] = sec.WeakRef()
		return nil
	}

	switch {
	case sec.Weak:
		// The new weak binding yields to whatever is already published.
		ns.logger.Warn("weak symbol yields to already published symbol",
			"symbol", sec.Name, "existing_crate", crateName(existing.Parent))
		return nil
	case existing.Weak:
		ns.logger.Warn("strong symbol replaces published weak symbol",
			"symbol", sec.Name, "existing_crate", crateName(existing.Parent))
		ns.symbols[sec.Name] = sec.WeakRef()
		return nil
	default:
		return utils.MakeError(ErrConflict, "symbol %q defined by crates %q and %q",
			sec.Name, crateName(existing.Parent), crateName(sec.Parent))
	}
}

// RemoveSymbol unpublishes one symbol name. Returns true if it was present.
func (ns *CrateNamespace) RemoveSymbol(name string) bool {
	ns.symbolsMu.Lock()
	defer ns.symbolsMu.Unlock()
	_, present := ns.symbols[name]
	delete(ns.symbols, name)
	return present
}

// RemoveSymbolsOfCrate unpublishes every global section of the crate in one
// pass over the symbol map, returning how many entries were removed. Only
// entries that still refer to the crate's own sections are removed, so a
// replacement published under the same name is left alone.
func (ns *CrateNamespace) RemoveSymbolsOfCrate(crate *metadata.LoadedCrate) int {
	ns.symbolsMu.Lock()
	defer ns.symbolsMu.Unlock()

	removed := 0
	for _, sec := range crate.GlobalSectionList() {
		if ref, ok := ns.symbols[sec.Name]; ok && ref.Refers(sec) {
			delete(ns.symbols, sec.Name)
			removed++
		}
	}
	return removed
}

// InsertCrate registers a loaded crate. The crate's global sections are NOT
// published by this call; the loader publishes them itself so that failures
// leave no partial state.
func (ns *CrateNamespace) InsertCrate(crate *metadata.LoadedCrate) error {
	ns.cratesMu.Lock()
	defer ns.cratesMu.Unlock()
	if _, present := ns.crates[crate.Name]; present {
		return utils.MakeError(ErrCrateExists, "%q", crate.Name)
	}
	ns.crates[crate.Name] = crate
	return nil
}

// RemoveCrate unregisters a crate without touching its symbols
func (ns *CrateNamespace) RemoveCrate(name string) (*metadata.LoadedCrate, bool) {
	ns.cratesMu.Lock()
	defer ns.cratesMu.Unlock()
	crate, ok := ns.crates[name]
	delete(ns.crates, name)
	return crate, ok
}

// ForEachCrate calls f for every crate in the namespace (and, when recursive
// is set, in its ancestors) until f returns false. Iteration order within a
// namespace is by crate name.
func (ns *CrateNamespace) ForEachCrate(recursive bool, f func(*metadata.LoadedCrate) bool) {
	ns.cratesMu.RLock()
	names := utils.SortedKeys(ns.crates)
	crates := utils.Map(names, func(name string) *metadata.LoadedCrate { return ns.crates[name] })
	ns.cratesMu.RUnlock()

	for _, crate := range crates {
		if !f(crate) {
			return
		}
	}
	if recursive && ns.parent != nil {
		ns.parent.ForEachCrate(recursive, f)
	}
}

// CrateCount returns the number of crates registered in this namespace only
func (ns *CrateNamespace) CrateCount() int {
	ns.cratesMu.RLock()
	defer ns.cratesMu.RUnlock()
	return len(ns.crates)
}

// AddConstant records a plain name -> value constant, e.g. an ABS symbol
// from the base image that is not backed by any section.
func (ns *CrateNamespace) AddConstant(name string, value uint64) {
	ns.constantsMu.Lock()
	ns.constants[name] = value
	ns.constantsMu.Unlock()
}

// Constant looks up a name -> value constant, recursing into the parent
func (ns *CrateNamespace) Constant(name string) (uint64, bool) {
	ns.constantsMu.RLock()
	value, ok := ns.constants[name]
	ns.constantsMu.RUnlock()
	if ok {
		return value, true
	}
	if ns.parent != nil {
		return ns.parent.Constant(name)
	}
	return 0, false
}

// FindSymbolOrLoad behaves like FindSymbol, but on a miss it attempts
// load-on-demand: if this namespace has a directory attached, it looks for an
// object file whose crate name matches the symbol's containing-crate
// fragment, loads it, and retries the lookup exactly once.
func (ns *CrateNamespace) FindSymbolOrLoad(name string, loader CrateLoader) (metadata.WeakSectionRef, bool) {
	if ref, ok := ns.FindSymbol(name); ok {
		return ref, true
	}
	if ns.dir == "" || loader == nil {
		return metadata.WeakSectionRef{}, false
	}

	containing := metadata.ContainingCrateName(name)
	objectPath, ok := ns.findObjectFileForCrate(containing)
	if !ok {
		return metadata.WeakSectionRef{}, false
	}

	ns.logger.Info("loading crate on demand", "symbol", name, "object_file", objectPath)
	if _, err := loader.LoadCrate(ns, objectPath); err != nil {
		ns.logger.Error("load-on-demand failed", "symbol", name, "object_file", objectPath, "error", err)
		return metadata.WeakSectionRef{}, false
	}
	return ns.FindSymbol(name)
}

// findObjectFileForCrate scans the namespace directory for an object file
// whose canonical crate name has the given name as a prefix. An exact match
// wins over a prefix match.
func (ns *CrateNamespace) findObjectFileForCrate(crateName string) (string, bool) {
	entries, err := os.ReadDir(ns.dir)
	if err != nil {
		ns.logger.Error("cannot read namespace directory", "dir", ns.dir, "error", err)
		return "", false
	}

	var prefixMatch string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".o") {
			continue
		}
		_, candidate := metadata.CrateNameFromFile(entry.Name())
		if candidate == crateName {
			return filepath.Join(ns.dir, entry.Name()), true
		}
		if prefixMatch == "" && strings.HasPrefix(candidate, crateName) {
			prefixMatch = filepath.Join(ns.dir, entry.Name())
		}
	}
	if prefixMatch != "" {
		return prefixMatch, true
	}
	return "", false
}

func crateName(crate *metadata.LoadedCrate) string {
	if crate == nil {
		return "<none>"
	}
	return crate.Name
}
