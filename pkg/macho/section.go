package macho

import (
	"fmt"
	"strings"
)

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

const sectionHeaderSize64 = 80

type SectionFlag uint32

const (
	SECTION_TYPE SectionFlag = 0x000000ff /* 256 section types */

	S_REGULAR                  SectionFlag = 0x0  /* regular section */
	S_ZEROFILL                 SectionFlag = 0x1  /* zero fill on demand section */
	S_CSTRING_LITERALS         SectionFlag = 0x2  /* section with only literal C strings*/
	S_LITERAL_POINTERS         SectionFlag = 0x5  /* section with only pointers to literals */
	S_NON_LAZY_SYMBOL_POINTERS SectionFlag = 0x6  /* section with only non-lazy symbol pointers */
	S_LAZY_SYMBOL_POINTERS     SectionFlag = 0x7  /* section with only lazy symbol pointers */
	S_SYMBOL_STUBS             SectionFlag = 0x8  /* section with only symbol stubs, byte size of stub in the reserved2 field */
	S_MOD_INIT_FUNC_POINTERS   SectionFlag = 0x9  /* section with only function pointers for initialization*/
	S_GB_ZEROFILL              SectionFlag = 0xc  /* zero fill on demand section (that can be larger than 4 gigabytes) */
	S_THREAD_LOCAL_ZEROFILL    SectionFlag = 0x12 /* template of initial values for TLVs */

	S_ATTR_PURE_INSTRUCTIONS SectionFlag = 0x80000000 /* section contains only true machine instructions */
	S_ATTR_SOME_INSTRUCTIONS SectionFlag = 0x00000400 /* section contains some machine instructions */
)

func (t SectionFlag) Type() SectionFlag {
	return t & SECTION_TYPE
}

func (t SectionFlag) IsZerofill() bool {
	switch t.Type() {
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		return true
	}
	return false
}

func (t SectionFlag) IsNonLazySymbolPointers() bool {
	return t.Type() == S_NON_LAZY_SYMBOL_POINTERS
}

func (t SectionFlag) IsLazySymbolPointers() bool {
	return t.Type() == S_LAZY_SYMBOL_POINTERS
}

func (t SectionFlag) IsSymbolStubs() bool {
	return t.Type() == S_SYMBOL_STUBS
}

// IsSymbolPointers reports whether entries of the section are indexed by the indirect symbol table.
func (t SectionFlag) IsSymbolPointers() bool {
	return t.IsNonLazySymbolPointers() || t.IsLazySymbolPointers()
}

func (t SectionFlag) IsPureInstructions() bool {
	return t&S_ATTR_PURE_INSTRUCTIONS != 0
}

func (t SectionFlag) String() string {
	var attrs []string
	switch t.Type() {
	case S_REGULAR:
		attrs = append(attrs, "Regular")
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		attrs = append(attrs, "Zerofill")
	case S_CSTRING_LITERALS:
		attrs = append(attrs, "CstringLiterals")
	case S_LITERAL_POINTERS:
		attrs = append(attrs, "LiteralPointers")
	case S_NON_LAZY_SYMBOL_POINTERS:
		attrs = append(attrs, "NonLazySymbolPointers")
	case S_LAZY_SYMBOL_POINTERS:
		attrs = append(attrs, "LazySymbolPointers")
	case S_SYMBOL_STUBS:
		attrs = append(attrs, "SymbolStubs")
	case S_MOD_INIT_FUNC_POINTERS:
		attrs = append(attrs, "ModInitFuncPointers")
	default:
		attrs = append(attrs, fmt.Sprintf("Type(%#x)", uint32(t.Type())))
	}
	if t.IsPureInstructions() {
		attrs = append(attrs, "PureInstructions")
	}
	return strings.Join(attrs, "|")
}

// A Section is one section of a segment in an image.
type Section struct {
	Section64
	seg *Segment
}

func (s *Section) SectName() string { return cstring(s.Name[:]) }
func (s *Section) SegName() string  { return cstring(s.Seg[:]) }

// Segment returns the segment the section belongs to.
func (s *Section) Segment() *Segment { return s.seg }

// Contains reports whether addr lies within the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

// Data returns the section's bytes from its segment's private buffer.
func (s *Section) Data() ([]byte, error) {
	if s.Flags.IsZerofill() {
		return make([]byte, s.Size), nil
	}
	if s.seg == nil || !s.seg.Loaded {
		return nil, fmt.Errorf("section %s.%s content is not loaded", s.SegName(), s.SectName())
	}
	start := s.Addr - s.seg.Addr
	end := start + s.Size
	if end > uint64(len(s.seg.Data)) {
		return nil, fmt.Errorf("section %s.%s extends past its segment content", s.SegName(), s.SectName())
	}
	return s.seg.Data[start:end], nil
}

func (s *Section) String() string {
	return fmt.Sprintf("sect=%s.%s addr=%#x size=%#x off=%#x type=%s", s.SegName(), s.SectName(), s.Addr, s.Size, s.Offset, s.Flags)
}

func cstring(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func name16(s string) (out [16]byte) {
	copy(out[:], s)
	return out
}
