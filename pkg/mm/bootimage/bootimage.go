// Package bootimage fabricates a LoadedCrate for the statically linked base
// image that is already running when the crate manager starts. The image is
// described by a plain-text symbol dump: an ELF section header table
// rendering followed by a symbol table rendering. One loaded section is
// produced per symbol row, so that crates loaded later can record
// dependencies against base-image code exactly as they would against any
// other crate.
package bootimage

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
	"github.com/theseus-os/crateman/pkg/utils"
)

// ErrParse is returned for malformed symbol files, with the offending line
// number included in the message.
var ErrParse = errors.New("malformed base-image symbol file")

// DefaultCrateName is the name the fabricated crate is registered under
const DefaultCrateName = "nano_core"

// Options configures base-image parsing
type Options struct {
	// CrateName overrides the name of the fabricated crate.
	// Default: DefaultCrateName.
	CrateName string

	// Logger receives structured log output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (o *Options) crateName() string {
	if o != nil && o.CrateName != "" {
		return o.CrateName
	}
	return DefaultCrateName
}

func (o *Options) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// mainSections holds the section-header indices and base addresses of the
// image's main sections, discovered by the first parsing pass.
type mainSections struct {
	text, rodata, data, bss sectionHeader
	tlsData, tlsBss         sectionHeader

	haveTlsData, haveTlsBss bool
}

type sectionHeader struct {
	shndx metadata.Shndx
	vaddr uint64
	size  uint64
	found bool
}

// ParseSymbolFile reads a base-image symbol dump, fabricates the equivalent
// crate, installs it into ns (publishing its global symbols), and records
// every non-section symbol (e.g. ABS constants) as a namespace constant.
//
// The fabricated crate owns no memory regions: the image's memory was mapped
// by the boot loader and stays where it is.
func ParseSymbolFile(ns *namespace.CrateNamespace, r io.Reader, opts *Options) (*metadata.LoadedCrate, error) {
	logger := opts.logger().With("crate", opts.crateName())

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.MakeError(ErrParse, "reading symbol file: %v", err)
	}

	crate := &metadata.LoadedCrate{
		Name:     opts.crateName(),
		Type:     metadata.KernelCrate,
		Sections: make(map[metadata.Shndx]*metadata.LoadedSection),
	}

	// The base image is one blob per main section rather than one section
	// per symbol, so we fake per-symbol sections with our own counter.
	sectionCounter := metadata.Shndx(0)

	main, err := scanSectionHeaders(lines, crate, &sectionCounter)
	if err != nil {
		return nil, err
	}

	if err := scanSymbolTable(lines, crate, &sectionCounter, main, ns, logger); err != nil {
		return nil, err
	}

	if err := install(ns, crate); err != nil {
		return nil, err
	}

	logger.Info("base image parsed", "sections", len(crate.Sections), "globals", len(crate.GlobalSections))
	return crate, nil
}

// scanSectionHeaders performs the first pass: find the indices, addresses
// and sizes of the main sections. The unwinding sections (.eh_frame,
// .gcc_except_table) have no per-symbol granularity at all, so they become
// loaded sections immediately.
func scanSectionHeaders(lines []string, crate *metadata.LoadedCrate, counter *metadata.Shndx) (*mainSections, error) {
	main := &mainSections{}

	for lineNum, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.Contains(line, ".text ") && strings.Contains(line, "PROGBITS"):
			if err := parseMainHeader(line, lineNum, &main.text); err != nil {
				return nil, err
			}
		case strings.Contains(line, ".rodata ") && strings.Contains(line, "PROGBITS"):
			if err := parseMainHeader(line, lineNum, &main.rodata); err != nil {
				return nil, err
			}
		case strings.Contains(line, ".tdata ") && strings.Contains(line, "PROGBITS"):
			if err := parseMainHeader(line, lineNum, &main.tlsData); err != nil {
				return nil, err
			}
			main.haveTlsData = true
		case strings.Contains(line, ".tbss ") && strings.Contains(line, "NOBITS"):
			if err := parseMainHeader(line, lineNum, &main.tlsBss); err != nil {
				return nil, err
			}
			main.haveTlsBss = true
		case strings.Contains(line, ".data ") && strings.Contains(line, "PROGBITS"):
			if err := parseMainHeader(line, lineNum, &main.data); err != nil {
				return nil, err
			}
		case strings.Contains(line, ".bss ") && strings.Contains(line, "NOBITS"):
			if err := parseMainHeader(line, lineNum, &main.bss); err != nil {
				return nil, err
			}
		case strings.Contains(line, ".eh_frame "):
			if err := addUnwindSection(line, lineNum, ".eh_frame", metadata.SectionEhFrame, crate, counter); err != nil {
				return nil, err
			}
		case strings.Contains(line, ".gcc_except_table "):
			if err := addUnwindSection(line, lineNum, ".gcc_except_table", metadata.SectionGccExceptTable, crate, counter); err != nil {
				return nil, err
			}
		}
	}

	for _, required := range []struct {
		name string
		hdr  *sectionHeader
	}{
		{".text", &main.text},
		{".rodata", &main.rodata},
		{".data", &main.data},
		{".bss", &main.bss},
	} {
		if !required.hdr.found {
			return nil, utils.MakeError(ErrParse, "couldn't find the %s section header", required.name)
		}
	}
	return main, nil
}

func parseMainHeader(line string, lineNum int, into *sectionHeader) error {
	shndx, rest, ok := parseSectionNdx(line)
	if !ok {
		return utils.MakeError(ErrParse, "line %d: couldn't parse section index from %q", lineNum+1, line)
	}
	vaddr, size, ok := parseSectionAddrSize(rest)
	if !ok {
		return utils.MakeError(ErrParse, "line %d: couldn't parse section address and size from %q", lineNum+1, line)
	}
	*into = sectionHeader{shndx: shndx, vaddr: vaddr, size: size, found: true}
	return nil
}

func addUnwindSection(line string, lineNum int, name string, kind metadata.SectionKind, crate *metadata.LoadedCrate, counter *metadata.Shndx) error {
	start := strings.Index(line, name)
	vaddr, size, ok := parseSectionAddrSize(line[start:])
	if !ok {
		return utils.MakeError(ErrParse, "line %d: couldn't parse the %s section header's address and size", lineNum+1, name)
	}
	crate.Sections[*counter] = &metadata.LoadedSection{
		Name:           name,
		Kind:           kind,
		Global:         false,
		VirtualAddress: vaddr,
		MappedOffset:   vaddr,
		Size:           size,
		Parent:         crate,
	}
	*counter++
	return nil
}

// parseSectionNdx extracts the "[ N]" section index at the start of a
// section header line and returns the rest of the line after it.
func parseSectionNdx(line string) (metadata.Shndx, string, bool) {
	open := strings.IndexByte(line, '[')
	close := strings.IndexByte(line, ']')
	if open < 0 || close < 0 || close < open {
		return 0, "", false
	}
	ndx, err := strconv.Atoi(strings.TrimSpace(line[open+1 : close]))
	if err != nil {
		return 0, "", false
	}
	return metadata.Shndx(ndx), line[close+1:], true
}

// parseSectionAddrSize parses the Address and Size columns from a section
// header line fragment that starts at the Name column.
func parseSectionAddrSize(fragment string) (vaddr uint64, size uint64, ok bool) {
	tokens := strings.Fields(fragment)
	// Name Type Address Offset Size ...
	if len(tokens) < 5 {
		return 0, 0, false
	}
	vaddr, err := strconv.ParseUint(strings.TrimPrefix(tokens[2], "0x"), 16, 64)
	if err != nil {
		return 0, 0, false
	}
	size, err = strconv.ParseUint(strings.TrimPrefix(tokens[4], "0x"), 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return vaddr, size, true
}

// scanSymbolTable performs the second pass: skip ahead to the symbol table
// rendering, then produce one loaded section per symbol row. Rows whose Ndx
// column is non-numeric (e.g. "ABS") are demoted to plain name -> value
// constants rather than errors.
func scanSymbolTable(lines []string, crate *metadata.LoadedCrate, counter *metadata.Shndx, main *mainSections, ns *namespace.CrateNamespace, logger *slog.Logger) error {
	// The symbol table starts at a line which mentions ".symtab" but not
	// "SYMTAB" (that one is the section header entry). One line of column
	// headers follows it; the rows begin after that.
	start := -1
	for i, line := range lines {
		if strings.Contains(line, ".symtab") && !strings.Contains(line, "SYMTAB") {
			start = i + 2
			break
		}
	}
	if start < 0 {
		return utils.MakeError(ErrParse, "couldn't find the start of the symbol table")
	}

	for lineNum := start; lineNum < len(lines); lineNum++ {
		line := strings.TrimSpace(lines[lineNum])
		if line == "" {
			continue
		}

		// Columns: Num Value Size Type Bind Vis Ndx Name; the name is the
		// remainder of the line and may itself contain spaces.
		fields := compactFields(line, 8)
		if len(fields) == 7 {
			// The null symbol and other nameless entries have no Name
			// column at all; they describe nothing loadable.
			continue
		}
		if len(fields) < 8 {
			return utils.MakeError(ErrParse, "line %d: symbol row has %d columns, expected 8: %q",
				lineNum+1, len(fields), line)
		}
		value, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return utils.MakeError(ErrParse, "line %d: couldn't parse the Value column of %q: %v", lineNum+1, line, err)
		}
		size, err := parseSizeColumn(fields[2])
		if err != nil {
			return utils.MakeError(ErrParse, "line %d: couldn't parse the Size column of %q: %v", lineNum+1, line, err)
		}
		bind := fields[4]
		ndxColumn := fields[6]
		name := fields[7]
		global := bind == "GLOBAL" || bind == "WEAK"

		ndx, err := strconv.Atoi(ndxColumn)
		if err != nil {
			// Non-numeric Ndx ("ABS", "UND", ...): a plain constant, not a
			// section.
			logger.Debug("recording init constant", "name", name, "value", value, "ndx", ndxColumn)
			ns.AddConstant(name, value)
			continue
		}

		sec, ok := sectionForSymbol(main, metadata.Shndx(ndx), name, value, size, global, bind == "WEAK", crate)
		if !ok {
			logger.Debug("skipping symbol in unrecognized section", "name", name, "ndx", ndx)
			continue
		}
		crate.Sections[*counter] = sec
		*counter++
	}
	return nil
}

// sectionForSymbol builds the LoadedSection for one symbol row, deciding its
// kind by which main section the symbol's Ndx column refers to.
func sectionForSymbol(main *mainSections, ndx metadata.Shndx, name string, value, size uint64, global, weak bool, crate *metadata.LoadedCrate) (*metadata.LoadedSection, bool) {
	sec := &metadata.LoadedSection{
		Name:           name,
		Global:         global,
		Weak:           weak,
		VirtualAddress: value,
		Size:           size,
		Parent:         crate,
	}

	switch {
	case ndx == main.text.shndx:
		sec.Kind = metadata.SectionText
		sec.MappedOffset = value - main.text.vaddr
	case ndx == main.rodata.shndx:
		sec.Kind = metadata.SectionRodata
		sec.MappedOffset = value - main.rodata.vaddr
	case ndx == main.data.shndx:
		sec.Kind = metadata.SectionData
		sec.MappedOffset = value - main.data.vaddr
	case ndx == main.bss.shndx:
		sec.Kind = metadata.SectionBss
		sec.MappedOffset = value - main.bss.vaddr
	case main.haveTlsData && ndx == main.tlsData.shndx:
		// The Value column of a TLS symbol is already its TLS offset. The
		// initializer image lives inside the rodata region, so the mapped
		// offset is computed from the rodata base and the image's address.
		sec.Kind = metadata.SectionTlsData
		sec.MappedOffset = (main.tlsData.vaddr - main.rodata.vaddr) + value
	case main.haveTlsBss && ndx == main.tlsBss.shndx:
		// TLS-bss has no image bytes; this offset must never be dereferenced.
		sec.Kind = metadata.SectionTlsBss
		sec.MappedOffset = metadata.TlsBssSentinelOffset
	default:
		return nil, false
	}
	return sec, true
}

// parseSizeColumn accepts the readelf Size column in either decimal or
// 0x-prefixed hex form.
func parseSizeColumn(s string) (uint64, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// compactFields splits a line on runs of whitespace into at most n fields,
// with the final field receiving the untouched remainder of the line.
func compactFields(line string, n int) []string {
	var fields []string
	rest := strings.TrimSpace(line)
	for len(fields) < n-1 {
		idx := strings.IndexFunc(rest, isSpace)
		if idx < 0 {
			break
		}
		fields = append(fields, rest[:idx])
		rest = strings.TrimLeftFunc(rest[idx:], isSpace)
	}
	if rest != "" {
		fields = append(fields, rest)
	}
	return fields
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

// install registers the fabricated crate and publishes its global sections.
// The crate is discarded from the namespace if any publication fails.
func install(ns *namespace.CrateNamespace, crate *metadata.LoadedCrate) error {
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
	return nil
}
