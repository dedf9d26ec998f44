package loader

import (
	"debug/elf"
	"encoding/binary"

	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
	"github.com/theseus-os/crateman/pkg/utils"
)

// relaEntrySize is the size of one Elf64_Rela record
const relaEntrySize = 24

// applyRelocations walks every relocation section that targets one of the
// crate's loaded sections, resolves each relocation's symbol (in-crate first,
// then the destination namespace with load-on-demand), writes the computed
// value into the source section, and records the cross-section dependency
// pair.
func (l *Loader) applyRelocations(ns *namespace.CrateNamespace, crate *metadata.LoadedCrate, object *scannedObject) error {
	logger := l.opts.logger().With("crate", crate.Name)

	for _, relaSec := range object.file.Sections {
		if relaSec.Type != elf.SHT_RELA {
			continue
		}
		source, ok := crate.Sections[metadata.Shndx(relaSec.Info)]
		if !ok {
			// Relocations for a section we did not load (debug info, etc.)
			continue
		}

		data, err := relaSec.Data()
		if err != nil {
			return utils.MakeError(ErrParse, "reading relocations %q: %v", relaSec.Name, err)
		}
		if len(data)%relaEntrySize != 0 {
			return utils.MakeError(ErrParse, "relocation section %q has truncated entry at byte offset %d",
				relaSec.Name, len(data)/relaEntrySize*relaEntrySize)
		}

		for off := 0; off < len(data); off += relaEntrySize {
			rel := metadata.RelocationEntry{
				Offset: binary.LittleEndian.Uint64(data[off:]),
				Type:   uint32(binary.LittleEndian.Uint64(data[off+8:])),
				Addend: int64(binary.LittleEndian.Uint64(data[off+16:])),
			}
			symIndex := int(binary.LittleEndian.Uint64(data[off+8:]) >> 32)

			if rel.Type == uint32(elf.R_X86_64_NONE) {
				continue
			}
			if symIndex <= 0 || symIndex > len(object.symbols) {
				return utils.MakeError(ErrParse, "relocation at %s references symbol index %d out of range",
					sourceLocation(source, rel.Offset), symIndex)
			}
			// debug/elf omits the leading null symbol, so index N in the
			// object is symbols[N-1].
			sym := object.symbols[symIndex-1]

			target, value, err := l.resolveRelocationTarget(ns, crate, source, rel, sym)
			if err != nil {
				return err
			}
			if err := ApplyRelocation(source, rel, value); err != nil {
				return err
			}
			if target != nil {
				metadata.RecordDependency(source, target, rel)
			}
			if l.opts.Verbose {
				logger.Debug("applied relocation",
					"source", sourceLocation(source, rel.Offset),
					"type", elf.R_X86_64(rel.Type).String(),
					"symbol", sym.Name, "value", value)
			}
		}
	}
	return nil
}

// resolveRelocationTarget finds the section (and its address value) that a
// relocation's symbol refers to. In-crate symbols resolve through the crate's
// own section map; undefined symbols resolve through the destination
// namespace, walking to its parent and finally attempting load-on-demand
// against the namespace's directory. Absolute symbols and namespace
// constants yield a value with no target section, so no dependency is
// recorded for them.
func (l *Loader) resolveRelocationTarget(
	ns *namespace.CrateNamespace,
	crate *metadata.LoadedCrate,
	source *metadata.LoadedSection,
	rel metadata.RelocationEntry,
	sym elf.Symbol,
) (*metadata.LoadedSection, uint64, error) {
	switch sym.Section {
	case elf.SHN_UNDEF:
		name := metadata.DemangledName(sym.Name)
		if ref, ok := ns.FindSymbolOrLoad(name, l); ok {
			if target, live := ref.Upgrade(); live {
				return target, target.VirtualAddress, nil
			}
		}
		if value, ok := ns.Constant(name); ok {
			return nil, value, nil
		}
		return nil, 0, utils.MakeError(ErrResolution,
			"symbol %q required by %s", name, sourceLocation(source, rel.Offset))

	case elf.SHN_ABS:
		return nil, sym.Value, nil

	default:
		target, ok := crate.Sections[metadata.Shndx(sym.Section)]
		if !ok {
			return nil, 0, utils.MakeError(ErrResolution,
				"symbol %q refers to unloaded section %d, required by %s",
				sym.Name, sym.Section, sourceLocation(source, rel.Offset))
		}
		return target, target.VirtualAddress + sym.Value, nil
	}
}

// ApplyRelocation computes the relocated value per the relocation type and
// writes it into the source section's backing region at the relocation's
// offset, using the proper width and little-endian byte order. The region
// must currently be writable; during a load the regions still are, and the
// swap engine briefly remaps text before rewriting.
//
// targetValue is the resolved address of the relocation's target (or its TLS
// offset for TLS relocations).
func ApplyRelocation(source *metadata.LoadedSection, rel metadata.RelocationEntry, targetValue uint64) error {
	var buf [8]byte
	var width int

	switch elf.R_X86_64(rel.Type) {
	case elf.R_X86_64_64:
		binary.LittleEndian.PutUint64(buf[:], targetValue+uint64(rel.Addend))
		width = 8
	case elf.R_X86_64_32:
		binary.LittleEndian.PutUint32(buf[:], uint32(targetValue+uint64(rel.Addend)))
		width = 4
	case elf.R_X86_64_32S:
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(int64(targetValue)+rel.Addend)))
		width = 4
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL:
		// There is no dynamic GOT or PLT: all three collapse to plain
		// PC-relative addressing against the source position.
		sourceVaddr := source.VirtualAddress + rel.Offset
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(int64(targetValue)+rel.Addend-int64(sourceVaddr))))
		width = 4
	case elf.R_X86_64_TPOFF32:
		// targetValue is already a TLS offset, not an address.
		binary.LittleEndian.PutUint32(buf[:], uint32(int64(targetValue)+rel.Addend))
		width = 4
	default:
		return utils.MakeError(ErrUnsupportedRelocation, "%s at %s",
			elf.R_X86_64(rel.Type).String(), sourceLocation(source, rel.Offset))
	}

	region := source.Parent.RegionForKind(source.Kind)
	if region == nil {
		return utils.MakeError(ErrAllocation, "section %q has no backing region for relocation at offset %#x",
			source.Name, rel.Offset)
	}
	if err := region.WriteAt(source.MappedOffset+rel.Offset, buf[:width]); err != nil {
		return utils.MakeError(ErrAllocation, "writing relocation at %s: %v",
			sourceLocation(source, rel.Offset), err)
	}
	return nil
}
