// Package loader turns the bytes of a relocatable object file into a live
// LoadedCrate: it scans the object's allocatable sections, reserves the three
// per-crate memory regions, copies section contents in, applies every
// relocation (recording the cross-section dependency graph as it goes), and
// publishes the crate's global symbols into a namespace.
//
// Loading is all-or-nothing: any failure before publication completes
// discards the partially built crate and releases its regions, and no symbol
// of the crate remains published.
//
// Typical usage:
//
//	ldr := loader.New(&loader.Options{Allocator: alloc})
//	crate, err := ldr.LoadCrate(ns, "k#scheduler.o")
//	if err != nil { ... }
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/theseus-os/crateman/pkg/mm/memory"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
	"github.com/theseus-os/crateman/pkg/utils"
)

var (
	// ErrParse is returned for malformed object files
	ErrParse = errors.New("malformed object file")
	// ErrAllocation is returned when the memory service cannot satisfy a
	// region request. Fatal for the load, not for the system.
	ErrAllocation = errors.New("memory allocation failed")
	// ErrResolution is returned when a symbol referenced by a relocation is
	// not found in any namespace
	ErrResolution = errors.New("unresolved symbol")
	// ErrUnsupportedRelocation is returned for relocation types the loader
	// does not implement
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
)

// Options configures the loading process
type Options struct {
	// Verbose enables crate-layout and per-relocation debug logging
	Verbose bool

	// Logger receives the loader's structured log output.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Allocator is the memory service the loader reserves regions from.
	// If nil, a process-wide simulated allocator is used.
	Allocator memory.Allocator
}

var defaultAllocator = memory.NewSimAllocator(nil)

func (o *Options) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) allocator() memory.Allocator {
	if o != nil && o.Allocator != nil {
		return o.Allocator
	}
	return defaultAllocator
}

// Loader loads object files into namespaces. It implements
// namespace.CrateLoader, so a namespace can call back into it for
// load-on-demand resolution.
type Loader struct {
	opts Options
}

// New creates a loader. A nil opts uses defaults.
func New(opts *Options) *Loader {
	l := &Loader{}
	if opts != nil {
		l.opts = *opts
	}
	return l
}

// LoadCrate reads the object file at objectPath and loads it into ns
func (l *Loader) LoadCrate(ns *namespace.CrateNamespace, objectPath string) (*metadata.LoadedCrate, error) {
	data, err := os.ReadFile(objectPath)
	if err != nil {
		return nil, utils.MakeError(ErrParse, "reading object file %q: %v", objectPath, err)
	}
	crate, err := l.LoadCrateBytes(ns, filepath.Base(objectPath), data)
	if err != nil {
		return nil, err
	}
	crate.ObjectFile = objectPath
	return crate, nil
}

// LoadCrateBytes loads an object file's bytes into ns. fileName is the
// object's file name (with compartment prefix); it determines the crate's
// canonical name and type.
func (l *Loader) LoadCrateBytes(ns *namespace.CrateNamespace, fileName string, data []byte) (*metadata.LoadedCrate, error) {
	crateType, crateName := metadata.CrateNameFromFile(fileName)
	logger := l.opts.logger().With("crate", crateName)

	// Stage 1: header and section-table scan.
	object, err := scanObject(data)
	if err != nil {
		return nil, err
	}
	layout := planLayout(object)
	if l.opts.Verbose {
		logger.Debug("planned crate layout",
			"text_size", layout.textSize, "rodata_size", layout.rodataSize, "data_size", layout.dataSize,
			"sections", len(layout.plans))
	}

	// Stage 2: memory reservation. All three regions start writable; text
	// and rodata lose their write permission after relocation. Write and
	// execute are never mapped together.
	alloc := l.opts.allocator()
	regions, err := reserveRegions(alloc, layout)
	if err != nil {
		return nil, err
	}

	crate := &metadata.LoadedCrate{
		Name:          crateName,
		ObjectFile:    fileName,
		Type:          crateType,
		Sections:      make(map[metadata.Shndx]*metadata.LoadedSection),
		TextPages:     regions.text,
		RodataPages:   regions.rodata,
		DataPages:     regions.data,
		TlsInitOffset: layout.tlsInitOffset,
	}
	discard := func() {
		crate.Drop(alloc)
	}

	// Stage 3: section materialization.
	if err := materializeSections(crate, object, layout); err != nil {
		discard()
		return nil, err
	}

	// Stage 4: relocation application and dependency recording.
	if err := l.applyRelocations(ns, crate, object); err != nil {
		discard()
		return nil, err
	}

	// Stage 5: publication.
	if err := publish(ns, crate, logger); err != nil {
		discard()
		return nil, err
	}

	// Stage 6: permission finalization. From here the text region is
	// immutable outside the swap engine's controlled remap path.
	if crate.TextPages != nil {
		if err := crate.TextPages.Remap(memory.PermRead | memory.PermExecute); err != nil {
			unpublish(ns, crate)
			discard()
			return nil, utils.MakeError(ErrAllocation, "finalizing text permissions: %v", err)
		}
	}
	if crate.RodataPages != nil {
		if err := crate.RodataPages.Remap(memory.PermRead); err != nil {
			unpublish(ns, crate)
			discard()
			return nil, utils.MakeError(ErrAllocation, "finalizing rodata permissions: %v", err)
		}
	}

	logger.Info("loaded crate",
		"sections", len(crate.Sections), "globals", len(crate.GlobalSections), "type", crateType.String())
	return crate, nil
}

type crateRegions struct {
	text, rodata, data *memory.MappedPages
}

func reserveRegions(alloc memory.Allocator, layout *crateLayout) (crateRegions, error) {
	var regions crateRegions
	var err error

	allocate := func(size uint64, what string) (*memory.MappedPages, error) {
		if size == 0 {
			return nil, nil
		}
		mp, allocErr := alloc.AllocatePages(size, memory.PermRead|memory.PermWrite)
		if allocErr != nil {
			return nil, utils.MakeError(ErrAllocation, "%s region of %d bytes: %v", what, size, allocErr)
		}
		return mp, nil
	}

	if regions.text, err = allocate(layout.textSize, "text"); err != nil {
		return regions, err
	}
	if regions.rodata, err = allocate(layout.rodataSize, "rodata"); err != nil {
		memory.ReleaseAll(alloc, regions.text)
		return regions, err
	}
	if regions.data, err = allocate(layout.dataSize, "data"); err != nil {
		memory.ReleaseAll(alloc, regions.text, regions.rodata)
		return regions, err
	}
	return regions, nil
}

// publish inserts every global section into the namespace's symbol map and
// registers the crate. Nothing of the crate stays published if any insertion
// fails.
func publish(ns *namespace.CrateNamespace, crate *metadata.LoadedCrate, logger *slog.Logger) error {
	if err := ns.InsertCrate(crate); err != nil {
		return err
	}

	var inserted []*metadata.LoadedSection
	for _, shndx := range utils.SortedKeys(crate.Sections) {
		sec := crate.Sections[shndx]
		if !sec.Global {
			continue
		}
		if err := ns.InsertSection(sec); err != nil {
			for _, prev := range inserted {
				ns.RemoveSymbol(prev.Name)
			}
			ns.RemoveCrate(crate.Name)
			return err
		}
		inserted = append(inserted, sec)
		crate.GlobalSections = append(crate.GlobalSections, shndx)
	}

	logger.Debug("published crate symbols", "count", len(inserted))
	return nil
}

func unpublish(ns *namespace.CrateNamespace, crate *metadata.LoadedCrate) {
	ns.RemoveSymbolsOfCrate(crate)
	ns.RemoveCrate(crate.Name)
}

var _ namespace.CrateLoader = (*Loader)(nil)

// sourceLocation formats the "section+offset" position used in resolution
// error messages.
func sourceLocation(sec *metadata.LoadedSection, offset uint64) string {
	return fmt.Sprintf("%s+%#x", sec.Name, offset)
}
