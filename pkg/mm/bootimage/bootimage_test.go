package bootimage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theseus-os/crateman/pkg/mm/metadata"
	"github.com/theseus-os/crateman/pkg/mm/namespace"
)

// sampleSymbolFile mimics the two-part readelf-style dump the boot loader
// leaves behind: section headers first, then the symbol table.
const sampleSymbolFile = `Section Headers:
  [Nr] Name              Type             Address           Offset    Size
  [ 1] .init             PROGBITS         ffff800000100000  00001000  0000000000001000
  [ 5] .text             PROGBITS         ffff800000120000  00002000  0000000000010000
  [ 7] .rodata           PROGBITS         ffff800000140000  00012000  0000000000004000
  [ 9] .tdata            PROGBITS         ffff800000144000  00016000  0000000000000100
  [10] .tbss             NOBITS           ffff800000144100  00016100  0000000000000080
  [11] .data             PROGBITS         ffff800000150000  00017000  0000000000002000
  [12] .bss              NOBITS           ffff800000152000  00019000  0000000000008000
  [13] .eh_frame         PROGBITS         ffff800000160000  00021000  0000000000000800
  [14] .gcc_except_table PROGBITS         ffff800000160800  00021800  0000000000000200
  [15] .symtab           SYMTAB           0000000000000000  00022000  0000000000000c00

Symbol table '.symtab' contains 8 entries:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND
    42: 0xffff800000123000  0x30 FUNC    GLOBAL DEFAULT    5 kernel::init::start-abcd1234
    43: ffff800000124000    64 FUNC    LOCAL  DEFAULT    5 kernel::init::helper-12121212
    44: ffff800000141000    32 OBJECT  GLOBAL DEFAULT    7 kernel::config::VERSION-deadbeef
    45: ffff800000150010    16 OBJECT  GLOBAL DEFAULT   11 kernel::state::COUNTER-cafebabe
    46: ffff800000152100   128 OBJECT  GLOBAL DEFAULT   12 kernel::state::BUFFER-feedf00d
    47: 0000000000000010     8 TLS     GLOBAL DEFAULT    9 kernel::cpu::CPU_ID-aaaa5555
    48: 0000000000000108     8 TLS     GLOBAL DEFAULT   10 kernel::cpu::SCRATCH-bbbb6666
    49: ffff800000000000     0 NOTYPE  GLOBAL DEFAULT  ABS KERNEL_OFFSET
`

func parseSample(t *testing.T) (*namespace.CrateNamespace, *metadata.LoadedCrate) {
	t.Helper()
	ns := namespace.NewCrateNamespace("boot", "", nil, nil)
	crate, err := ParseSymbolFile(ns, strings.NewReader(sampleSymbolFile), nil)
	require.NoError(t, err)
	return ns, crate
}

func TestParseSymbolFile_TextSymbol(t *testing.T) {
	ns, crate := parseSample(t)
	assert.Equal(t, DefaultCrateName, crate.Name)

	ref, ok := ns.FindSymbol("kernel::init::start-abcd1234")
	require.True(t, ok)
	sec, live := ref.Upgrade()
	require.True(t, live)

	assert.Equal(t, metadata.SectionText, sec.Kind)
	assert.True(t, sec.Global)
	assert.Equal(t, uint64(0xffff800000123000), sec.VirtualAddress)
	assert.Equal(t, uint64(0x3000), sec.MappedOffset, "offset is relative to the .text base")
	assert.Equal(t, uint64(0x30), sec.Size)
}

func TestParseSymbolFile_LocalSymbolIsNotPublished(t *testing.T) {
	ns, crate := parseSample(t)

	_, ok := ns.FindSymbol("kernel::init::helper-12121212")
	assert.False(t, ok)

	sec, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "kernel::init::helper-12121212"
	})
	require.True(t, found, "local symbols still become sections")
	assert.False(t, sec.Global)
}

func TestParseSymbolFile_DataAndBssKinds(t *testing.T) {
	_, crate := parseSample(t)

	counter, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "kernel::state::COUNTER-cafebabe"
	})
	require.True(t, found)
	assert.Equal(t, metadata.SectionData, counter.Kind)
	assert.Equal(t, uint64(0x10), counter.MappedOffset)

	buffer, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "kernel::state::BUFFER-feedf00d"
	})
	require.True(t, found)
	assert.Equal(t, metadata.SectionBss, buffer.Kind)
	assert.Equal(t, uint64(0x100), buffer.MappedOffset)
}

func TestParseSymbolFile_TlsSymbols(t *testing.T) {
	_, crate := parseSample(t)

	cpuID, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "kernel::cpu::CPU_ID-aaaa5555"
	})
	require.True(t, found)
	assert.Equal(t, metadata.SectionTlsData, cpuID.Kind)
	// The Value column of a TLS symbol is its TLS offset, not an address.
	assert.Equal(t, uint64(0x10), cpuID.VirtualAddress)
	// mapped offset = (.tdata base - .rodata base) + TLS offset
	assert.Equal(t, uint64(0xffff800000144000-0xffff800000140000+0x10), cpuID.MappedOffset)

	scratch, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "kernel::cpu::SCRATCH-bbbb6666"
	})
	require.True(t, found)
	assert.Equal(t, metadata.SectionTlsBss, scratch.Kind)
	assert.Equal(t, metadata.TlsBssSentinelOffset, scratch.MappedOffset, "TLS-bss offset is a sentinel")
}

func TestParseSymbolFile_AbsBecomesConstant(t *testing.T) {
	ns, crate := parseSample(t)

	value, ok := ns.Constant("KERNEL_OFFSET")
	require.True(t, ok)
	assert.Equal(t, uint64(0xffff800000000000), value)

	_, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Name == "KERNEL_OFFSET"
	})
	assert.False(t, found, "ABS symbols are constants, not sections")
}

func TestParseSymbolFile_UnwindSectionsFromHeaders(t *testing.T) {
	_, crate := parseSample(t)

	ehFrame, found := crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Kind == metadata.SectionEhFrame
	})
	require.True(t, found)
	assert.Equal(t, ".eh_frame", ehFrame.Name)
	assert.False(t, ehFrame.Global)
	assert.Equal(t, uint64(0xffff800000160000), ehFrame.VirtualAddress)
	assert.Equal(t, uint64(0x800), ehFrame.Size)

	_, found = crate.FindSection(func(s *metadata.LoadedSection) bool {
		return s.Kind == metadata.SectionGccExceptTable
	})
	assert.True(t, found)
}

func TestParseSymbolFile_MissingMainSectionFails(t *testing.T) {
	ns := namespace.NewCrateNamespace("boot", "", nil, nil)
	truncated := strings.ReplaceAll(sampleSymbolFile, ".rodata", ".ronope")
	_, err := ParseSymbolFile(ns, strings.NewReader(truncated), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), ".rodata")
}

func TestParseSymbolFile_MissingSymtabFails(t *testing.T) {
	ns := namespace.NewCrateNamespace("boot", "", nil, nil)
	headerOnly := strings.Split(sampleSymbolFile, "Symbol table")[0]
	_, err := ParseSymbolFile(ns, strings.NewReader(headerOnly), nil)
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseSymbolFile_CrateIsRegistered(t *testing.T) {
	ns, crate := parseSample(t)
	got, ok := ns.GetCrate(DefaultCrateName)
	require.True(t, ok)
	assert.Same(t, crate, got)
	assert.Nil(t, crate.TextPages, "the base image owns no allocator-backed regions")
}
