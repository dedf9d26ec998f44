// Package elfgen builds minimal 64-bit little-endian relocatable ELF objects
// in memory. The loader's tests use it to fabricate crate object files with
// known sections, symbols and relocations without shipping binary fixtures.
package elfgen

import (
	"bytes"
	"encoding/binary"
)

// ELF constants used by the builder. Only what a relocatable object needs.
const (
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNobits   = 8

	ShfWrite     = 0x1
	ShfAlloc     = 0x2
	ShfExecinstr = 0x4
	ShfTls       = 0x400

	// Symbol bindings
	BindLocal  = 0
	BindGlobal = 1
	BindWeak   = 2

	// Symbol types
	TypeNotype = 0
	TypeObject = 1
	TypeFunc   = 2
	TypeTls    = 6

	// Special section indices
	ShnUndef = 0
	ShnAbs   = 0xfff1

	headerSize        = 64
	sectionHeaderSize = 64
	symbolSize        = 24
	relaSize          = 24
)

type section struct {
	name      string
	shType    uint32
	flags     uint64
	addralign uint64
	data      []byte
	size      uint64 // for NOBITS sections, which carry no data
	link      uint32
	info      uint32
	entsize   uint64
}

type symbol struct {
	name  string
	info  byte
	shndx uint16
	value uint64
	size  uint64
}

type rela struct {
	offset   uint64
	symIndex uint32
	relType  uint32
	addend   int64
}

// Builder accumulates sections, symbols and relocations, then serializes
// them as one relocatable object.
type Builder struct {
	sections []section
	symbols  []symbol
	relas    map[int][]rela
}

// NewBuilder creates an empty object builder
func NewBuilder() *Builder {
	return &Builder{relas: make(map[int][]rela)}
}

// AddProgbits adds a PROGBITS section with the given contents and returns
// its section index.
func (b *Builder) AddProgbits(name string, flags uint64, align uint64, data []byte) int {
	b.sections = append(b.sections, section{
		name:      name,
		shType:    shtProgbits,
		flags:     flags,
		addralign: align,
		data:      data,
	})
	return len(b.sections) // indices are 1-based: index 0 is the null section
}

// AddNobits adds a NOBITS section (bss-like) of the given size
func (b *Builder) AddNobits(name string, flags uint64, align uint64, size uint64) int {
	b.sections = append(b.sections, section{
		name:      name,
		shType:    shtNobits,
		flags:     flags,
		addralign: align,
		size:      size,
	})
	return len(b.sections)
}

// AddText adds an executable section named ".text.<symbol>"
func (b *Builder) AddText(symbolName string, code []byte) int {
	return b.AddProgbits(".text."+symbolName, ShfAlloc|ShfExecinstr, 16, code)
}

// AddSymbol appends a symbol bound to the given section index and returns
// the symbol's index as relocations refer to it (1-based; 0 is the null
// symbol). Locals must be added before globals.
func (b *Builder) AddSymbol(name string, shndx int, bind, symType byte, value, size uint64) int {
	b.symbols = append(b.symbols, symbol{
		name:  name,
		info:  bind<<4 | symType,
		shndx: uint16(shndx),
		value: value,
		size:  size,
	})
	return len(b.symbols)
}

// AddUndef appends an undefined global symbol reference
func (b *Builder) AddUndef(name string) int {
	return b.AddSymbol(name, ShnUndef, BindGlobal, TypeNotype, 0, 0)
}

// AddRela records a relocation against the section at targetShndx
func (b *Builder) AddRela(targetShndx int, offset uint64, relType uint32, symIndex int, addend int64) {
	b.relas[targetShndx] = append(b.relas[targetShndx], rela{
		offset:   offset,
		symIndex: uint32(symIndex),
		relType:  relType,
		addend:   addend,
	})
}

// Bytes serializes the object
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	// Full section list: null, user sections, .rela.* (in user-section
	// order), .symtab, .strtab, .shstrtab.
	all := make([]section, 0, len(b.sections)+len(b.relas)+4)
	all = append(all, section{}) // null
	all = append(all, b.sections...)

	symtabIndex := len(all) + len(b.relas)
	for userIdx := 1; userIdx <= len(b.sections); userIdx++ {
		entries, ok := b.relas[userIdx]
		if !ok {
			continue
		}
		data := make([]byte, 0, len(entries)*relaSize)
		for _, r := range entries {
			var buf [relaSize]byte
			le.PutUint64(buf[0:], r.offset)
			le.PutUint64(buf[8:], uint64(r.symIndex)<<32|uint64(r.relType))
			le.PutUint64(buf[16:], uint64(r.addend))
			data = append(data, buf[:]...)
		}
		all = append(all, section{
			name:      ".rela" + b.sections[userIdx-1].name,
			shType:    shtRela,
			addralign: 8,
			data:      data,
			link:      uint32(symtabIndex),
			info:      uint32(userIdx),
			entsize:   relaSize,
		})
	}

	// Symbol table: a null entry, then the symbols in insertion order.
	strtab := []byte{0}
	symtabData := make([]byte, symbolSize) // null symbol
	firstGlobal := len(b.symbols) + 1
	for i, sym := range b.symbols {
		nameOffset := uint32(len(strtab))
		strtab = append(strtab, sym.name...)
		strtab = append(strtab, 0)

		var buf [symbolSize]byte
		le.PutUint32(buf[0:], nameOffset)
		buf[4] = sym.info
		buf[5] = 0
		le.PutUint16(buf[6:], sym.shndx)
		le.PutUint64(buf[8:], sym.value)
		le.PutUint64(buf[16:], sym.size)
		symtabData = append(symtabData, buf[:]...)

		if sym.info>>4 != BindLocal && i+1 < firstGlobal {
			firstGlobal = i + 1
		}
	}

	strtabIndex := symtabIndex + 1
	all = append(all, section{
		name:      ".symtab",
		shType:    shtSymtab,
		addralign: 8,
		data:      symtabData,
		link:      uint32(strtabIndex),
		info:      uint32(firstGlobal),
		entsize:   symbolSize,
	})
	all = append(all, section{name: ".strtab", shType: shtStrtab, addralign: 1, data: strtab})

	shstrtab := []byte{0}
	shstrtabOffsets := make([]uint32, len(all)+1)
	for i := range all {
		if all[i].name == "" {
			continue
		}
		shstrtabOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, all[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrndx := len(all)
	shstrtabOffsets[shstrndx] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	all = append(all, section{name: ".shstrtab", shType: shtStrtab, addralign: 1, data: shstrtab})

	// Lay out section contents after the header.
	var body bytes.Buffer
	offsets := make([]uint64, len(all))
	sizes := make([]uint64, len(all))
	cursor := uint64(headerSize)
	for i := 1; i < len(all); i++ {
		align := all[i].addralign
		if align == 0 {
			align = 1
		}
		for cursor%align != 0 {
			body.WriteByte(0)
			cursor++
		}
		offsets[i] = cursor
		if all[i].shType == shtNobits {
			sizes[i] = all[i].size
			continue
		}
		body.Write(all[i].data)
		sizes[i] = uint64(len(all[i].data))
		cursor += sizes[i]
	}
	for cursor%8 != 0 {
		body.WriteByte(0)
		cursor++
	}
	shoff := cursor

	// ELF header.
	var out bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* 64-bit */, 1 /* LSB */, 1 /* version */}
	out.Write(ident[:])
	writeU16 := func(v uint16) { var buf [2]byte; le.PutUint16(buf[:], v); out.Write(buf[:]) }
	writeU32 := func(v uint32) { var buf [4]byte; le.PutUint32(buf[:], v); out.Write(buf[:]) }
	writeU64 := func(v uint64) { var buf [8]byte; le.PutUint64(buf[:], v); out.Write(buf[:]) }

	writeU16(1)  // e_type: ET_REL
	writeU16(62) // e_machine: EM_X86_64
	writeU32(1)  // e_version
	writeU64(0)  // e_entry
	writeU64(0)  // e_phoff
	writeU64(shoff)
	writeU32(0)          // e_flags
	writeU16(headerSize) // e_ehsize
	writeU16(0)          // e_phentsize
	writeU16(0)          // e_phnum
	writeU16(sectionHeaderSize)
	writeU16(uint16(len(all)))
	writeU16(uint16(shstrndx))

	out.Write(body.Bytes())

	// Section header table.
	for i := range all {
		writeU32(shstrtabOffsets[i])
		writeU32(all[i].shType)
		writeU64(all[i].flags)
		writeU64(0) // sh_addr
		writeU64(offsets[i])
		writeU64(sizes[i])
		writeU32(all[i].link)
		writeU32(all[i].info)
		align := all[i].addralign
		if i == 0 {
			align = 0
		} else if align == 0 {
			align = 1
		}
		writeU64(align)
		writeU64(all[i].entsize)
	}

	return out.Bytes()
}
