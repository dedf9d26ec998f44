// Package swap implements the live-update engine: it replaces one or more
// loaded crates with new versions, rewriting every recorded dependent of the
// old code so that in-flight references land in the new code, republishing
// symbols, and retaining the displaced crates for rollback.
//
// A swap is driven by a SwapRequest, usually parsed from a diff file. The
// fingerprint cache recognizes the request that would reverse a prior swap
// and reuses the retained crates instead of loading object files again.
package swap

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/theseus-os/crateman/pkg/mm/loader"
	"github.com/theseus-os/crateman/pkg/mm/memory"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
	"github.com/theseus-os/crateman/pkg/utils"
)

var (
	// ErrSwapShape is returned when the diff references an old crate or
	// section that does not exist, or a new object file that fails to load
	ErrSwapShape = errors.New("invalid swap request")
	// ErrGraphInconsistency is returned when an invariant check fails during
	// the swap. The operation fails; old crates stay in place.
	ErrGraphInconsistency = errors.New("dependency graph inconsistency")
	// ErrStateTransfer is returned when a state-transfer function fails or
	// cannot be resolved
	ErrStateTransfer = errors.New("state transfer failed")
)

// StateTransferFunc migrates runtime state (cached pointers, interned
// values) from an old crate to its replacement at the end of a swap.
type StateTransferFunc func(ns *namespace.CrateNamespace, old, new *metadata.LoadedCrate) error

// Options configures a swap engine
type Options struct {
	// Loader loads new crate versions. If nil, a default loader is created.
	Loader *loader.Loader

	// Allocator is used to release crates that are dropped outright.
	// If nil, region release is skipped (the simulated allocator's
	// accounting is then untouched).
	Allocator memory.Allocator

	// Logger receives structured log output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Engine performs crate swaps against a namespace. Swaps are serialized:
// the engine runs one request at a time.
type Engine struct {
	mu     sync.Mutex
	loader *loader.Loader
	alloc  memory.Allocator
	logger *slog.Logger
	cache  *FingerprintCache

	transfersMu sync.RWMutex
	transfers   map[string]StateTransferFunc
}

// NewEngine creates a swap engine. A nil opts uses defaults.
func NewEngine(opts *Options) *Engine {
	e := &Engine{
		cache:     NewFingerprintCache(),
		transfers: make(map[string]StateTransferFunc),
	}
	if opts != nil {
		e.loader = opts.Loader
		e.alloc = opts.Allocator
		e.logger = opts.Logger
	}
	if e.loader == nil {
		e.loader = loader.New(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Cache exposes the engine's fingerprint cache
func (e *Engine) Cache() *FingerprintCache {
	return e.cache
}

// RegisterStateTransfer binds an implementation to a state-transfer symbol
// name. The swap still requires the symbol itself to resolve in the target
// namespace before the function is invoked.
func (e *Engine) RegisterStateTransfer(name string, fn StateTransferFunc) {
	e.transfersMu.Lock()
	e.transfers[name] = fn
	e.transfersMu.Unlock()
}

// ReplacedCrate describes one completed replacement
type ReplacedCrate struct {
	OldName             string
	NewName             string
	RewrittenDependents int
}

// DowntimeStats summarizes the per-dependent rewrite latencies of a swap,
// the window during which a call site is in flux.
type DowntimeStats struct {
	Rewrites    int
	TotalNanos  float64
	MeanNanos   float64
	P50Nanos    float64
	P99Nanos    float64
	StdDevNanos float64
}

// Result describes a completed swap
type Result struct {
	Fingerprint Fingerprint
	CacheHit    bool
	Replaced    []ReplacedCrate
	Added       []string
	Removed     []string
	Downtime    DowntimeStats
}

// swapPair carries one entry through the engine's stages
type swapPair struct {
	entry SwapEntry
	old   *metadata.LoadedCrate
	new   *metadata.LoadedCrate
	// sectionMap pairs each old section with its counterpart in the new
	// crate, matched by symbol-name-minus-hash
	sectionMap []sectionPair
}

type sectionPair struct {
	old *metadata.LoadedSection
	new *metadata.LoadedSection
}

// SwapCrates executes the full swap algorithm against ns. On failure before
// any modification (shape errors, load failures) the namespace is untouched.
// A failure during dependent rewriting rolls forward: the partial rewrite is
// completed, old crates stay published, and the error reports the
// inconsistency; the retained crates allow a reverse swap to undo it.
func (e *Engine) SwapCrates(ns *namespace.CrateNamespace, req *SwapRequest) (*Result, error) {
	if req == nil || len(req.Entries) == 0 {
		return nil, utils.MakeError(ErrSwapShape, "empty request")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fp := req.Fingerprint()
	logger := e.logger.With("fingerprint", fp.String())
	result := &Result{Fingerprint: fp}

	// Step 1: fingerprint lookup. A hit means this request reverses a prior
	// swap and the crates it wants to install are already loaded.
	cached, hit := e.cache.Lookup(fp)
	result.CacheHit = hit
	if hit {
		logger.Info("request matches a cached reverse swap", "displaced_crates", len(cached.Displaced))
	}

	// Step 2: load the new crate versions into a fresh staging namespace
	// whose parent is the live one, so relocations in the new code resolve
	// against still-present old code.
	staging := namespace.NewCrateNamespace(ns.Name()+"-swap-staging", ns.Dir(), ns, e.logger)
	pairs, err := e.prepare(ns, staging, req, cached)
	if err != nil {
		e.discardStaged(staging)
		if hit {
			e.cache.Insert(fp, cached)
		}
		return nil, err
	}

	// Step 3: build the old-section -> new-section map.
	for i := range pairs {
		if pairs[i].old == nil || pairs[i].new == nil {
			continue
		}
		if err := buildSectionMap(&pairs[i]); err != nil {
			e.discardStaged(staging)
			if hit {
				e.cache.Insert(fp, cached)
			}
			return nil, err
		}
	}

	// Step 4: rewrite every recorded dependent of every replaced section.
	// From here on the engine rolls forward on error.
	var rewriteErr error
	sample := stats.Sample{}
	for i := range pairs {
		rewritten, err := e.rewriteDependents(&pairs[i], &sample)
		if err != nil && rewriteErr == nil {
			rewriteErr = err
		}
		if pairs[i].old != nil && pairs[i].new != nil {
			result.Replaced = append(result.Replaced, ReplacedCrate{
				OldName:             pairs[i].old.Name,
				NewName:             pairs[i].new.Name,
				RewrittenDependents: rewritten,
			})
		}
	}
	result.Downtime = downtimeFrom(&sample)
	if rewriteErr != nil {
		// Old crates remain published; the staged new crates are retained
		// so a reverse request can still reach them.
		e.stashDisplaced(req, pairs, true)
		logger.Error("swap failed during dependent rewriting", "error", rewriteErr)
		return result, rewriteErr
	}

	// Step 5: symbol re-publication. Until this point the namespace still
	// answered lookups with old sections; existing code was already carried
	// over by the rewrites in step 4.
	if err := e.republish(ns, staging, pairs, result); err != nil {
		e.stashDisplaced(req, pairs, true)
		return result, err
	}

	// Step 6: state transfer.
	if err := e.runStateTransfers(ns, req, pairs); err != nil {
		return result, err
	}

	// Step 7: bookkeeping. The displaced crates move to the side table
	// keyed by the fingerprint of the request that would reverse this one.
	e.stashDisplaced(req, pairs, false)

	logger.Info("swap complete",
		"replaced", len(result.Replaced), "added", len(result.Added), "removed", len(result.Removed),
		"rewrites", result.Downtime.Rewrites)
	return result, nil
}

// prepare resolves every entry's old crate and loads (or retrieves from the
// cache entry) its new crate. Failures here leave the live namespace
// unmodified.
func (e *Engine) prepare(ns, staging *namespace.CrateNamespace, req *SwapRequest, cached *CacheEntry) ([]swapPair, error) {
	var pairs []swapPair
	for _, entry := range req.Entries {
		pair := swapPair{entry: entry}

		if !entry.IsAddition() {
			old, ok := ns.GetCrate(entry.OldCrateName)
			if !ok {
				return pairs, utils.MakeError(ErrSwapShape, "old crate %q is not loaded", entry.OldCrateName)
			}
			pair.old = old
		}

		if !entry.IsRemoval() {
			_, newCrateName := metadata.CrateNameFromFile(filepath.Base(entry.NewObjectFile))
			if cached != nil {
				if crate, ok := cached.DisplacedByName(newCrateName); ok {
					pair.new = crate
					pairs = append(pairs, pair)
					continue
				}
			}
			crate, err := e.loader.LoadCrate(staging, entry.NewObjectFile)
			if err != nil {
				return pairs, utils.MakeError(ErrSwapShape, "loading %q: %v", entry.NewObjectFile, err)
			}
			pair.new = crate
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// buildSectionMap matches each old section to its counterpart in the new
// crate by symbol-name-minus-hash. An old global section without a
// counterpart is an error unless the entry permits removal via
// ReexportSymbols.
func buildSectionMap(pair *swapPair) error {
	byName := make(map[string]*metadata.LoadedSection, len(pair.new.Sections))
	for _, sec := range pair.new.Sections {
		byName[sec.NameWithoutHash()] = sec
	}

	for _, shndx := range utils.SortedKeys(pair.old.Sections) {
		oldSec := pair.old.Sections[shndx]
		newSec, ok := byName[oldSec.NameWithoutHash()]
		if !ok {
			_, weakCount := oldSec.DependencyCounts()
			if oldSec.Global && !pair.entry.ReexportSymbols {
				return utils.MakeError(ErrSwapShape,
					"crate %q has no counterpart for global section %q", pair.new.Name, oldSec.Name)
			}
			if weakCount > 0 {
				return utils.MakeError(ErrGraphInconsistency,
					"section %q has %d dependents but no counterpart in %q",
					oldSec.Name, weakCount, pair.new.Name)
			}
			continue
		}
		pair.sectionMap = append(pair.sectionMap, sectionPair{old: oldSec, new: newSec})
	}
	return nil
}

// rewriteDependents performs the in-place rewrite of every live dependent of
// every replaced section, repointing the recorded graph edges as it goes.
// Per-rewrite latencies are collected into sample.
func (e *Engine) rewriteDependents(pair *swapPair, sample *stats.Sample) (int, error) {
	rewritten := 0
	var firstErr error

	for _, sp := range pair.sectionMap {
		for _, dep := range sp.old.Dependents() {
			source, live := dep.Source.Upgrade()
			if !live {
				// The dependent's crate is gone; nothing to rewrite.
				continue
			}

			start := time.Now()
			if err := e.rewriteOne(source, sp, dep.Relocation); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !metadata.RedirectDependency(source, sp.old, sp.new, dep.Relocation) {
				if firstErr == nil {
					firstErr = utils.MakeError(ErrGraphInconsistency,
						"dependent %q holds no strong record for %q at offset %#x",
						source.Name, sp.old.Name, dep.Relocation.Offset)
				}
				continue
			}
			sample.Xs = append(sample.Xs, float64(time.Since(start).Nanoseconds()))
			rewritten++
		}
	}
	return rewritten, firstErr
}

// rewriteOne re-applies one recorded relocation against the new target.
// Text pages are briefly remapped writable for the write and restored
// afterwards. The remap applies to the dependent's one region, so the text is
// not executable while the bytes are edited; no second writable view of the
// same pages is used.
func (e *Engine) rewriteOne(source *metadata.LoadedSection, sp sectionPair, rel metadata.RelocationEntry) error {
	if sp.new.Kind == metadata.SectionTlsBss && sp.old.Kind == metadata.SectionTlsBss &&
		sp.new.VirtualAddress == sp.old.VirtualAddress {
		// TLS-bss has no image bytes and the offset is unchanged: the
		// rewrite would be a no-op.
		return nil
	}

	region := source.Parent.RegionForKind(source.Kind)
	if region == nil {
		// Base-image sections own no region we can write through; their
		// call sites are fixed at boot.
		return utils.MakeError(ErrGraphInconsistency,
			"dependent %q has no writable backing region", source.Name)
	}

	restore := memory.Permissions(0)
	if region.Permissions()&memory.PermWrite == 0 {
		restore = region.Permissions()
		if err := region.Remap(memory.PermRead | memory.PermWrite); err != nil {
			return utils.MakeError(ErrGraphInconsistency, "remapping %q writable: %v", source.Name, err)
		}
	}
	err := loader.ApplyRelocation(source, rel, sp.new.VirtualAddress)
	if restore != 0 {
		if remapErr := region.Remap(restore); remapErr != nil && err == nil {
			err = utils.MakeError(ErrGraphInconsistency, "restoring permissions of %q: %v", source.Name, remapErr)
		}
	}
	return err
}

// republish atomically (with respect to symbol lookups) retires the old
// crates' symbols and publishes the new crates into the live namespace.
func (e *Engine) republish(ns, staging *namespace.CrateNamespace, pairs []swapPair, result *Result) error {
	for i := range pairs {
		pair := &pairs[i]

		if pair.old != nil {
			ns.RemoveSymbolsOfCrate(pair.old)
			ns.RemoveCrate(pair.old.Name)
			if pair.new == nil {
				result.Removed = append(result.Removed, pair.old.Name)
			}
		}

		if pair.new != nil {
			// New crates loaded this swap sit in the staging namespace;
			// cache-restored ones sit nowhere. Either way they are published
			// into the live namespace now.
			staging.RemoveSymbolsOfCrate(pair.new)
			staging.RemoveCrate(pair.new.Name)
			if err := ns.InsertCrate(pair.new); err != nil {
				return utils.MakeError(ErrGraphInconsistency, "republishing crate %q: %v", pair.new.Name, err)
			}
			for _, sec := range pair.new.GlobalSectionList() {
				if err := ns.InsertSection(sec); err != nil {
					return utils.MakeError(ErrGraphInconsistency, "republishing symbol %q: %v", sec.Name, err)
				}
			}
			if pair.old == nil {
				result.Added = append(result.Added, pair.new.Name)
			}
		}
	}
	return nil
}

// runStateTransfers resolves and invokes each requested state-transfer
// function for every replaced crate pair.
func (e *Engine) runStateTransfers(ns *namespace.CrateNamespace, req *SwapRequest, pairs []swapPair) error {
	for _, name := range req.StateTransfer {
		if _, ok := ns.FindSymbol(name); !ok {
			return utils.MakeError(ErrStateTransfer, "symbol %q not found in namespace %q", name, ns.Name())
		}
		e.transfersMu.RLock()
		fn, ok := e.transfers[metadata.NameWithoutHash(name)]
		e.transfersMu.RUnlock()
		if !ok {
			return utils.MakeError(ErrStateTransfer, "no implementation registered for %q", name)
		}

		for i := range pairs {
			if pairs[i].old == nil || pairs[i].new == nil {
				continue
			}
			if err := fn(ns, pairs[i].old, pairs[i].new); err != nil {
				return utils.MakeError(ErrStateTransfer, "%q on crates %q -> %q: %v",
					name, pairs[i].old.Name, pairs[i].new.Name, err)
			}
		}
	}
	return nil
}

// stashDisplaced moves the crates this request displaced into the side
// table, keyed by the fingerprint of the inverse request. On a partial
// failure the *new* crates are stashed instead, so the reverse request can
// still find them while the old crates remain live.
func (e *Engine) stashDisplaced(req *SwapRequest, pairs []swapPair, partialFailure bool) {
	inverse := &SwapRequest{}
	var displaced []*metadata.LoadedCrate

	for i := range pairs {
		pair := &pairs[i]
		switch {
		case pair.old != nil && pair.new != nil:
			inverse.Entries = append(inverse.Entries, SwapEntry{
				OldCrateName:  pair.new.Name,
				NewObjectFile: oldObjectFile(pair),
			})
			if partialFailure {
				displaced = append(displaced, pair.new)
			} else {
				displaced = append(displaced, pair.old)
			}
		case pair.new != nil:
			inverse.Entries = append(inverse.Entries, SwapEntry{OldCrateName: pair.new.Name})
		case pair.old != nil:
			inverse.Entries = append(inverse.Entries, SwapEntry{NewObjectFile: pair.old.ObjectFile})
			if !partialFailure {
				displaced = append(displaced, pair.old)
			}
		}
	}
	if len(inverse.Entries) == 0 {
		return
	}

	e.cache.Insert(inverse.Fingerprint(), &CacheEntry{
		Displaced: displaced,
		CreatedBy: req.Fingerprint(),
	})
}

// discardStaged drops crates loaded into the staging namespace by a request
// that failed before any modification of the live namespace. Cache-restored
// crates never enter staging, so they are left untouched; SwapCrates puts
// their cache entry back.
func (e *Engine) discardStaged(staging *namespace.CrateNamespace) {
	staging.ForEachCrate(false, func(crate *metadata.LoadedCrate) bool {
		if e.alloc != nil {
			crate.Drop(e.alloc)
		}
		return true
	})
}

func oldObjectFile(pair *swapPair) string {
	if pair.old.ObjectFile != "" {
		return pair.old.ObjectFile
	}
	return pair.old.Name + ".o"
}

func downtimeFrom(sample *stats.Sample) DowntimeStats {
	if len(sample.Xs) == 0 {
		return DowntimeStats{}
	}
	total := 0.0
	for _, x := range sample.Xs {
		total += x
	}
	return DowntimeStats{
		Rewrites:    len(sample.Xs),
		TotalNanos:  total,
		MeanNanos:   sample.Mean(),
		P50Nanos:    sample.Quantile(0.5),
		P99Nanos:    sample.Quantile(0.99),
		StdDevNanos: sample.StdDev(),
	}
}
