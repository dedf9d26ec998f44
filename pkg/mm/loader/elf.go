package loader

import (
	"bytes"
	"debug/elf"
	"strings"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/utils"
)

// scannedObject is the result of the header/section-table scan: the parsed
// ELF file plus the subset of its sections that the crate manager loads.
type scannedObject struct {
	file     *elf.File
	sections []scannedSection
	symbols  []elf.Symbol
}

// scannedSection is one allocatable input section together with everything
// stage 3 needs to materialize it.
type scannedSection struct {
	shndx  metadata.Shndx
	elfSec *elf.Section
	kind   metadata.SectionKind
	name   string
	global bool
	weak   bool
}

// scanObject parses the object file header and section table and classifies
// every allocatable section. Only 64-bit little-endian relocatable objects
// are accepted.
func scanObject(data []byte) (*scannedObject, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, utils.MakeError(ErrParse, "%v", err)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, utils.MakeError(ErrParse, "expected 64-bit object, got %v", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, utils.MakeError(ErrParse, "expected little-endian object, got %v", f.Data)
	}
	if f.Type != elf.ET_REL {
		return nil, utils.MakeError(ErrParse, "expected relocatable object, got %v", f.Type)
	}

	symbols, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, utils.MakeError(ErrParse, "reading symbol table: %v", err)
	}

	object := &scannedObject{file: f, symbols: symbols}
	for i, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		kind, ok := metadata.KindOfElfSection(sec.Name)
		if !ok {
			continue
		}

		scanned := scannedSection{
			shndx:  metadata.Shndx(i),
			elfSec: sec,
			kind:   kind,
		}
		scanned.name, scanned.global, scanned.weak = loadedSectionIdentity(sec.Name, kind, i, symbols)
		object.sections = append(object.sections, scanned)
	}
	return object, nil
}

// loadedSectionIdentity determines the section's canonical name and symbol
// binding. The defining symbol (same section index, GLOBAL or WEAK binding)
// wins, since its name carries the disambiguating hash suffix; sections with
// only local definitions take the first local symbol's name, and sections no
// symbol names fall back to a name derived from the ELF section name.
func loadedSectionIdentity(elfName string, kind metadata.SectionKind, shndx int, symbols []elf.Symbol) (name string, global bool, weak bool) {
	var localName string
	for _, sym := range symbols {
		if int(sym.Section) != shndx || sym.Name == "" {
			continue
		}
		switch elf.ST_BIND(sym.Info) {
		case elf.STB_GLOBAL:
			return metadata.DemangledName(sym.Name), true, false
		case elf.STB_WEAK:
			name, weak = metadata.DemangledName(sym.Name), true
		case elf.STB_LOCAL:
			if localName == "" {
				localName = metadata.DemangledName(sym.Name)
			}
		}
	}
	if weak {
		return name, true, true
	}
	if localName != "" {
		return localName, false, false
	}

	// No symbol names the section; derive a name from the ELF section name
	// (e.g. ".text.foo::bar" -> "foo::bar").
	if trimmed := strings.TrimPrefix(elfName, kind.ElfSectionName()+"."); trimmed != elfName {
		return metadata.DemangledName(trimmed), false, false
	}
	return elfName, false, false
}

// crateLayout is the computed placement of every section into the three
// regions, plus the TLS offset assignments.
type crateLayout struct {
	textSize   uint64
	rodataSize uint64
	dataSize   uint64

	// tlsInitOffset is where the TLS initializer image begins inside the
	// rodata region
	tlsInitOffset uint64

	plans map[metadata.Shndx]sectionPlan
}

type sectionPlan struct {
	// regionOffset is the section's byte offset inside its backing region;
	// metadata.TlsBssSentinelOffset for TLS-bss sections
	regionOffset uint64
	// tlsOffset is the section's offset within the TLS block; only
	// meaningful for the two TLS kinds
	tlsOffset uint64
}

// planLayout computes the total size of the three regions and assigns every
// section its offset. The TLS initializer image is reserved at the end of
// the rodata region; TLS-bss sections receive canonical offsets after the
// initialized TLS data but occupy no image bytes.
func planLayout(object *scannedObject) *crateLayout {
	layout := &crateLayout{plans: make(map[metadata.Shndx]sectionPlan)}

	var textCursor, rodataCursor, dataCursor uint64
	place := func(cursor *uint64, sec scannedSection) uint64 {
		*cursor = utils.AlignUp(*cursor, sec.elfSec.Addralign)
		offset := *cursor
		*cursor += sec.elfSec.Size
		return offset
	}

	for _, sec := range object.sections {
		switch sec.kind {
		case metadata.SectionText:
			layout.plans[sec.shndx] = sectionPlan{regionOffset: place(&textCursor, sec)}
		case metadata.SectionRodata, metadata.SectionEhFrame, metadata.SectionGccExceptTable:
			layout.plans[sec.shndx] = sectionPlan{regionOffset: place(&rodataCursor, sec)}
		case metadata.SectionData, metadata.SectionBss:
			layout.plans[sec.shndx] = sectionPlan{regionOffset: place(&dataCursor, sec)}
		}
	}

	// TLS image: initialized TLS data rides at the end of rodata; its
	// in-block offsets start at zero.
	layout.tlsInitOffset = utils.AlignUp(rodataCursor, 8)
	tlsCursor := uint64(0)
	for _, sec := range object.sections {
		if sec.kind != metadata.SectionTlsData {
			continue
		}
		tlsCursor = utils.AlignUp(tlsCursor, sec.elfSec.Addralign)
		layout.plans[sec.shndx] = sectionPlan{
			regionOffset: layout.tlsInitOffset + tlsCursor,
			tlsOffset:    tlsCursor,
		}
		tlsCursor += sec.elfSec.Size
	}
	tlsImageSize := tlsCursor
	for _, sec := range object.sections {
		if sec.kind != metadata.SectionTlsBss {
			continue
		}
		tlsCursor = utils.AlignUp(tlsCursor, sec.elfSec.Addralign)
		layout.plans[sec.shndx] = sectionPlan{
			regionOffset: metadata.TlsBssSentinelOffset,
			tlsOffset:    tlsCursor,
		}
		tlsCursor += sec.elfSec.Size
	}

	layout.textSize = textCursor
	layout.rodataSize = layout.tlsInitOffset + tlsImageSize
	if tlsImageSize == 0 {
		layout.rodataSize = rodataCursor
	}
	layout.dataSize = dataCursor
	return layout
}

// materializeSections copies every input section's bytes into its region at
// the planned offset and builds the crate's shndx -> LoadedSection map. BSS
// sections are left zeroed; TLS-bss occupies no image bytes at all.
func materializeSections(crate *metadata.LoadedCrate, object *scannedObject, layout *crateLayout) error {
	for _, scanned := range object.sections {
		plan := layout.plans[scanned.shndx]

		sec := &metadata.LoadedSection{
			Name:         scanned.name,
			Kind:         scanned.kind,
			Global:       scanned.global,
			Weak:         scanned.weak,
			MappedOffset: plan.regionOffset,
			Size:         scanned.elfSec.Size,
			Parent:       crate,
		}

		switch {
		case scanned.kind.IsTls():
			sec.VirtualAddress = plan.tlsOffset
		default:
			region := crate.RegionForKind(scanned.kind)
			sec.VirtualAddress = region.Start() + plan.regionOffset
		}

		if scanned.elfSec.Type != elf.SHT_NOBITS && scanned.elfSec.Size > 0 {
			contents, err := scanned.elfSec.Data()
			if err != nil {
				return utils.MakeError(ErrParse, "reading section %q: %v", scanned.elfSec.Name, err)
			}
			region := crate.RegionForKind(scanned.kind)
			if err := region.WriteAt(plan.regionOffset, contents); err != nil {
				return utils.MakeError(ErrAllocation, "copying section %q: %v", scanned.elfSec.Name, err)
			}
		}

		crate.Sections[scanned.shndx] = sec
	}
	return nil
}
