package swap

import (
	"bufio"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/utils"
)

// SwapEntry is one line of a swap request: replace OldCrateName with the
// crate loaded from NewObjectFile. Pure additions have an empty OldCrateName;
// pure removals have an empty NewObjectFile.
type SwapEntry struct {
	// OldCrateName is the canonical name of the crate to replace or remove
	OldCrateName string
	// NewObjectFile is the object file to load the replacement from
	NewObjectFile string
	// ReexportSymbols permits the new crate to not define counterparts for
	// some of the old crate's global sections: their symbols are simply
	// removed instead of being an error.
	ReexportSymbols bool
}

// IsAddition reports whether the entry adds a crate without replacing one
func (e SwapEntry) IsAddition() bool { return e.OldCrateName == "" }

// IsRemoval reports whether the entry removes a crate without a replacement
func (e SwapEntry) IsRemoval() bool { return e.NewObjectFile == "" }

// SwapRequest is an ordered list of crate replacements plus the names of the
// state-transfer functions to invoke once every replacement has completed.
type SwapRequest struct {
	Entries       []SwapEntry
	StateTransfer []string
}

// ParseDiffFile reads the newline-delimited swap diff format:
//
//	OLD -> NEW    replace OLD with NEW
//	+ NEW         add NEW (no replacement)
//	- OLD         remove OLD (no replacement)
//	@NAME         invoke NAME as a state-transfer function at the end
//
// Blank lines and lines starting with '#' are skipped. Crate names given as
// object file names (with compartment prefix and ".o") are canonicalized.
func ParseDiffFile(r io.Reader) (*SwapRequest, error) {
	req := &SwapRequest{}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "@"):
			name := strings.TrimSpace(line[1:])
			if name == "" {
				return nil, utils.MakeError(ErrSwapShape, "line %d: empty state-transfer function name", lineNum)
			}
			req.StateTransfer = append(req.StateTransfer, name)

		case strings.HasPrefix(line, "+"):
			file := strings.TrimSpace(line[1:])
			if file == "" {
				return nil, utils.MakeError(ErrSwapShape, "line %d: empty object file in addition", lineNum)
			}
			req.Entries = append(req.Entries, SwapEntry{NewObjectFile: file})

		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "->"):
			old := strings.TrimSpace(line[1:])
			if old == "" {
				return nil, utils.MakeError(ErrSwapShape, "line %d: empty crate name in removal", lineNum)
			}
			req.Entries = append(req.Entries, SwapEntry{OldCrateName: canonicalCrateName(old)})

		case strings.Contains(line, "->"):
			parts := strings.SplitN(line, "->", 2)
			old := strings.TrimSpace(parts[0])
			file := strings.TrimSpace(parts[1])
			if old == "" || file == "" {
				return nil, utils.MakeError(ErrSwapShape, "line %d: malformed replacement %q", lineNum, line)
			}
			req.Entries = append(req.Entries, SwapEntry{
				OldCrateName:  canonicalCrateName(old),
				NewObjectFile: file,
			})

		default:
			return nil, utils.MakeError(ErrSwapShape, "line %d: unrecognized diff entry %q", lineNum, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.MakeError(ErrSwapShape, "reading diff: %v", err)
	}
	if len(req.Entries) == 0 {
		return nil, utils.MakeError(ErrSwapShape, "diff contains no crate entries")
	}
	return req, nil
}

// Fingerprint hashes the request's canonicalized, sorted inputs. Two
// requests naming the same crates swap the same way regardless of entry
// order or object file directories, so their fingerprints match.
func (r *SwapRequest) Fingerprint() Fingerprint {
	lines := utils.Map(r.Entries, func(e SwapEntry) string {
		return canonicalCrateName(e.OldCrateName) + "->" + canonicalCrateName(filepath.Base(e.NewObjectFile))
	})
	sort.Strings(lines)

	transfers := make([]string, len(r.StateTransfer))
	copy(transfers, r.StateTransfer)
	sort.Strings(transfers)
	for _, t := range transfers {
		lines = append(lines, "@"+t)
	}
	return fingerprintOf(lines)
}

// canonicalCrateName strips a compartment prefix and ".o" extension if the
// name carries them, so "k#sched.o", "sched.o" and "sched" all canonicalize
// identically. Empty names stay empty.
func canonicalCrateName(name string) string {
	if name == "" {
		return ""
	}
	_, canonical := metadata.CrateNameFromFile(name)
	return canonical
}
