// Package dsctest builds small synthetic dyld shared caches for tests.
//
// A Cache holds images whose sections are assembled from labelled content. Labels are
// global to the cache, so an image can point at, call or stub to a label defined by
// another image and Build lays everything out the way the cache builder would have left
// it: stubs bound directly to their targets, symbol pointers holding final addresses and
// a single linkedit region shared by every image.
package dsctest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Addresses of the three mappings of every synthetic cache.
const (
	TextBase     uint64 = 0x180000000
	DataBase     uint64 = 0x1c0000000
	LinkeditBase uint64 = 0x1e0000000
	PageSize     uint64 = 0x4000

	// first section offset within an image's __TEXT
	textStart = 0x1000

	v2DeltaMask  uint64 = 0x00FFFF0000000000
	authValueAdd        = TextBase
)

// Architectures.
const (
	ARM64  = "arm64"
	ARM64e = "arm64e"
)

type sectSpec struct {
	seg   string
	name  string
	flags macho.SectionFlag
	align int
}

var textSections = []sectSpec{
	{"__TEXT", "__text", macho.S_REGULAR | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS, 4},
	{"__TEXT", "__stubs", macho.S_SYMBOL_STUBS | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS, 4},
	{"__TEXT", "__objc_methlist", macho.S_REGULAR, 8},
	{"__TEXT", "__cstring", macho.S_CSTRING_LITERALS, 1},
	{"__TEXT", "__objc_classname", macho.S_CSTRING_LITERALS, 1},
	{"__TEXT", "__objc_methname", macho.S_CSTRING_LITERALS, 1},
	{"__TEXT", "__objc_methtype", macho.S_CSTRING_LITERALS, 1},
}

var dataSections = []sectSpec{
	{"__DATA", "__got", macho.S_NON_LAZY_SYMBOL_POINTERS, 8},
	{"__DATA", "__la_symbol_ptr", macho.S_LAZY_SYMBOL_POINTERS, 8},
	{"__DATA", "__objc_classlist", macho.S_REGULAR, 8},
	{"__DATA", "__objc_catlist", macho.S_REGULAR, 8},
	{"__DATA", "__objc_protolist", macho.S_REGULAR, 8},
	{"__DATA", "__objc_imageinfo", macho.S_REGULAR, 8},
	{"__DATA", "__objc_const", macho.S_REGULAR, 8},
	{"__DATA", "__objc_selrefs", macho.S_LITERAL_POINTERS, 8},
	{"__DATA", "__objc_protorefs", macho.S_REGULAR, 8},
	{"__DATA", "__objc_classrefs", macho.S_REGULAR, 8},
	{"__DATA", "__objc_superrefs", macho.S_REGULAR, 8},
	{"__DATA", "__objc_data", macho.S_REGULAR, 8},
	{"__DATA", "__data", macho.S_REGULAR, 8},
}

type fixKind int

const (
	fixPtr fixKind = iota
	fixAuthPtr
	fixRel32
	fixCall
	fixStub
)

type fixup struct {
	off    int
	kind   fixKind
	target string
}

type labelRef struct {
	sect *Section
	off  int
}

// A Cache is a shared cache under construction.
type Cache struct {
	Arch string
	// Slide selects the slide info format of the __DATA mapping, 0 for none.
	Slide dyld.SlideVersion
	// LocalSymbols moves the images' local symbols into the cache's local symbols info.
	LocalSymbols bool
	// DuplicateChainStarts lists every v2 chain start twice, which makes the chains revisit
	// their slots.
	DuplicateChainStarts bool
	// MappingSlide lays the cache out the way newer caches are. The header is extended,
	// slide info is listed per mapping in the mapping and slide info table with the legacy
	// header fields left zero, and the image table moves to its new header fields. The
	// last image's data gets a mapping and slide info of its own.
	MappingSlide bool

	images []*Image
	labels map[string]labelRef
	err    error

	slideInfoOffset uint64
}

// New returns an empty cache for arch.
func New(arch string) *Cache {
	return &Cache{Arch: arch, labels: make(map[string]labelRef)}
}

func (c *Cache) fail(format string, args ...any) {
	if c.err == nil {
		c.err = fmt.Errorf(format, args...)
	}
}

func (c *Cache) stubSize() int {
	if c.Arch == ARM64e {
		return 16
	}
	return 12
}

// Addr returns the address of label. It is only meaningful after Build.
func (c *Cache) Addr(label string) uint64 {
	ref, ok := c.labels[label]
	if !ok {
		return 0
	}
	return ref.sect.addr + uint64(ref.off)
}

// SlideInfoOffset returns the file offset of the slide info written by the last Build.
func (c *Cache) SlideInfoOffset() uint64 { return c.slideInfoOffset }

// An Image is one image of a Cache.
type Image struct {
	Path string
	Deps []string

	c        *Cache
	sections map[string]*Section
	exports  labelSet
	locals   []string
	funcs    []string
	objc     map[string]string

	textAddr uint64
	textSize uint64
	dataAddr uint64
	dataSize uint64
}

// Image adds an image with install name path that links against deps.
func (c *Cache) Image(path string, deps ...string) *Image {
	img := &Image{
		Path:     path,
		Deps:     deps,
		c:        c,
		sections: make(map[string]*Section),
		objc:     make(map[string]string),
	}
	c.images = append(c.images, img)
	return img
}

// Base returns the image's load address. It is only meaningful after Build.
func (img *Image) Base() uint64 { return img.textAddr }

// Section returns the named section, creating it on first use.
func (img *Image) Section(name string) *Section {
	if s, ok := img.sections[name]; ok {
		return s
	}
	for _, spec := range append(append([]sectSpec(nil), textSections...), dataSections...) {
		if spec.name == name {
			s := &Section{spec: spec, img: img}
			img.sections[name] = s
			return s
		}
	}
	img.c.fail("unknown section %s", name)
	return &Section{img: img}
}

// Export adds labels to the image's export trie and external symbols.
func (img *Image) Export(labels ...string) {
	img.exports = append(img.exports, labels...)
}

// Func adds a function to __text that calls each of calls with bl and returns. Names
// starting with an underscore are exported, the rest are local symbols.
func (img *Image) Func(name string, calls ...string) {
	s := img.Section("__text").Label(name)
	for _, call := range calls {
		s.fix(fixCall, call, 4)
	}
	s.U32(insnRET)
	img.funcs = append(img.funcs, name)
	if strings.HasPrefix(name, "_") {
		img.Export(name)
	} else {
		img.locals = append(img.locals, name)
	}
}

// StubLabel is the label of the image's stub for sym.
func (img *Image) StubLabel(sym string) string {
	return img.Path + ":stub:" + sym
}

// LazyPointerLabel is the label of the image's lazy pointer for sym.
func (img *Image) LazyPointerLabel(sym string) string {
	return img.Path + ":la:" + sym
}

// GOTLabel is the label of the image's non-lazy pointer for sym.
func (img *Image) GOTLabel(sym string) string {
	return img.Path + ":got:" + sym
}

// Stub adds a stub and lazy pointer for sym that the cache builder bound directly to target.
func (img *Image) Stub(sym, target string) {
	st := img.Section("__stubs").Label(img.StubLabel(sym))
	st.fix(fixStub, target, img.c.stubSize())
	st.indirect = append(st.indirect, sym)

	la := img.Section("__la_symbol_ptr").Label(img.LazyPointerLabel(sym))
	if img.c.Arch == ARM64e {
		la.AuthPtr(target)
	} else {
		la.Ptr(target)
	}
	la.indirect = append(la.indirect, sym)
}

// GOT adds a non-lazy pointer for sym holding target.
func (img *Image) GOT(sym, target string) {
	s := img.Section("__got").Label(img.GOTLabel(sym))
	s.Ptr(target)
	s.indirect = append(s.indirect, sym)
}

// A Section accumulates the content of one section of an image.
type Section struct {
	spec     sectSpec
	img      *Image
	data     []byte
	fixups   []fixup
	indirect []string
	addr     uint64
}

// Label names the section's current end.
func (s *Section) Label(name string) *Section {
	c := s.img.c
	if _, dup := c.labels[name]; dup {
		c.fail("duplicate label %s", name)
		return s
	}
	s.align(s.spec.align)
	c.labels[name] = labelRef{sect: s, off: len(s.data)}
	return s
}

func (s *Section) align(n int) {
	for n > 1 && len(s.data)%n != 0 {
		s.data = append(s.data, 0)
	}
}

func (s *Section) fix(kind fixKind, target string, size int) *Section {
	s.fixups = append(s.fixups, fixup{off: len(s.data), kind: kind, target: target})
	s.data = append(s.data, make([]byte, size)...)
	return s
}

// U32 appends a 32-bit value.
func (s *Section) U32(v uint32) *Section {
	s.data = binary.LittleEndian.AppendUint32(s.data, v)
	return s
}

// U64 appends a 64-bit value.
func (s *Section) U64(v uint64) *Section {
	s.data = binary.LittleEndian.AppendUint64(s.data, v)
	return s
}

// Ptr appends a pointer to target, or a null pointer if target is empty.
func (s *Section) Ptr(target string) *Section {
	s.align(8)
	if target == "" {
		return s.U64(0)
	}
	return s.fix(fixPtr, target, 8)
}

// AuthPtr appends an authenticated pointer to target.
func (s *Section) AuthPtr(target string) *Section {
	s.align(8)
	return s.fix(fixAuthPtr, target, 8)
}

// Rel32 appends the signed distance from the field to target.
func (s *Section) Rel32(target string) *Section {
	return s.fix(fixRel32, target, 4)
}

// CString appends a NUL terminated string named label.
func (s *Section) CString(label, str string) *Section {
	s.Label(label)
	s.data = append(append(s.data, str...), 0)
	return s
}

func alignUp(v, n uint64) uint64 {
	return (v + n - 1) &^ (n - 1)
}

type slot struct {
	addr   uint64
	target uint64
	auth   bool
}

// Build lays the cache out and returns its bytes.
func (c *Cache) Build() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}

	// __TEXT and __DATA of every image, page aligned, in image order
	textEnd := PageSize
	var dataEnd uint64
	for _, img := range c.images {
		img.textAddr = TextBase + textEnd
		cur := uint64(textStart)
		for _, s := range img.sectionsOf(textSections) {
			cur = alignUp(cur, uint64(s.spec.align))
			s.addr = img.textAddr + cur
			cur += uint64(len(s.data))
		}
		img.textSize = alignUp(cur, PageSize)
		textEnd += img.textSize

		img.dataAddr = DataBase + dataEnd
		cur = 0
		for _, s := range img.sectionsOf(dataSections) {
			cur = alignUp(cur, uint64(s.spec.align))
			s.addr = img.dataAddr + cur
			cur += uint64(len(s.data))
		}
		img.dataSize = alignUp(cur, PageSize)
		dataEnd += img.dataSize
	}
	if dataEnd == 0 {
		dataEnd = PageSize
	}

	text := make([]byte, textEnd)
	data := make([]byte, dataEnd)
	var slots []slot
	for _, img := range c.images {
		for _, s := range img.sectionsOf(append(append([]sectSpec(nil), textSections...), dataSections...)) {
			found, err := c.apply(s, &slots)
			if err != nil {
				return nil, err
			}
			if s.spec.seg == "__TEXT" {
				copy(text[s.addr-TextBase:], found)
			} else {
				copy(data[s.addr-DataBase:], found)
			}
		}
	}

	split := dataEnd
	if c.MappingSlide && len(c.images) > 1 {
		split = c.images[len(c.images)-1].dataAddr - DataBase
	}
	if split == 0 {
		split = dataEnd
	}
	regions := []*dataRegion{{base: DataBase, data: data[:split]}}
	if split < dataEnd {
		regions[0].flags = dyld.DYLD_CACHE_MAPPING_CONST_DATA
		regions = append(regions, &dataRegion{base: DataBase + split, data: data[split:]})
	}

	if c.Slide != 0 {
		for _, r := range regions {
			var in []slot
			for _, sl := range slots {
				if sl.addr >= r.base && sl.addr < r.base+uint64(len(r.data)) {
					in = append(in, sl)
				}
			}
			var err error
			if r.slide, err = c.encodeSlide(r.base, r.data, in); err != nil {
				return nil, err
			}
		}
	} else {
		for _, sl := range slots {
			binary.LittleEndian.PutUint64(data[sl.addr-DataBase:], sl.target)
		}
	}

	dataOff := textEnd
	leOff := dataOff + dataEnd
	var le bytes.Buffer
	var locals localSymbols
	leCmds := make([]int, len(c.images))
	for i, img := range c.images {
		cmds, at, err := c.linkedit(img, &le, leOff, dataOff, &locals)
		if err != nil {
			return nil, err
		}
		copy(text[img.textAddr-TextBase:], cmds)
		leCmds[i] = at
	}
	for le.Len()%int(PageSize) != 0 {
		le.WriteByte(0)
	}
	leSize := uint64(le.Len())
	// every image's __LINKEDIT spans the whole mapping
	for i, img := range c.images {
		seg := text[img.textAddr-TextBase+uint64(leCmds[i]):]
		binary.LittleEndian.PutUint64(seg[32:], leSize)
		binary.LittleEndian.PutUint64(seg[48:], leSize)
	}

	var out bytes.Buffer
	out.Write(text)
	out.Write(data)
	out.Write(le.Bytes())

	hdrSize := uint32(dyld.CacheHeaderSize)
	if c.MappingSlide {
		hdrSize = dyld.CacheHeaderExtEnd
	}
	nmap := uint32(2 + len(regions))
	hdr := dyld.CacheHeader{MappingOffset: hdrSize, MappingCount: nmap}
	copy(hdr.Magic[:], magicFor(c.Arch))
	var ext dyld.CacheHeaderExt
	imagesOff := hdrSize + nmap*32
	if c.MappingSlide {
		ext.MappingWithSlideOffset = imagesOff
		ext.MappingWithSlideCount = nmap
		imagesOff += nmap * dyld.CacheMappingAndSlideInfoSize
		ext.ImagesOffset, ext.ImagesCount = imagesOff, uint32(len(c.images))
	} else {
		hdr.ImagesOffset, hdr.ImagesCount = imagesOff, uint32(len(c.images))
	}

	slideOffs := make([]uint64, len(regions))
	for i, r := range regions {
		if len(r.slide) == 0 {
			continue
		}
		slideOffs[i] = uint64(out.Len())
		out.Write(r.slide)
		for out.Len()%8 != 0 {
			out.WriteByte(0)
		}
	}
	if !c.MappingSlide && len(regions[0].slide) > 0 {
		hdr.SlideInfoOffset = slideOffs[0]
		hdr.SlideInfoSize = uint64(len(regions[0].slide))
	}
	c.slideInfoOffset = slideOffs[0]
	if c.LocalSymbols && len(locals.entries) > 0 {
		blob := locals.encode()
		hdr.LocalSymbolsOffset = uint64(out.Len())
		hdr.LocalSymbolsSize = uint64(len(blob))
		out.Write(blob)
	}

	rx := macho.ProtRead | macho.ProtExecute
	rw := macho.ProtRead | macho.ProtWrite
	mappings := []dyld.CacheMappingAndSlideInfo{{Address: TextBase, Size: textEnd, MaxProt: rx, InitProt: rx}}
	fileOff := dataOff
	for i, r := range regions {
		mappings = append(mappings, dyld.CacheMappingAndSlideInfo{
			Address:             r.base,
			Size:                uint64(len(r.data)),
			FileOffset:          fileOff,
			SlideInfoFileOffset: slideOffs[i],
			SlideInfoFileSize:   uint64(len(r.slide)),
			Flags:               r.flags,
			MaxProt:             rw,
			InitProt:            rw,
		})
		fileOff += uint64(len(r.data))
	}
	mappings = append(mappings, dyld.CacheMappingAndSlideInfo{Address: LinkeditBase, Size: leSize, FileOffset: leOff, MaxProt: macho.ProtRead, InitProt: macho.ProtRead})

	file := out.Bytes()
	var head bytes.Buffer
	binary.Write(&head, binary.LittleEndian, hdr)
	if c.MappingSlide {
		binary.Write(&head, binary.LittleEndian, ext)
	}
	for _, m := range mappings {
		binary.Write(&head, binary.LittleEndian, dyld.CacheMappingInfo{
			Address:    m.Address,
			Size:       m.Size,
			FileOffset: m.FileOffset,
			MaxProt:    m.MaxProt,
			InitProt:   m.InitProt,
		})
	}
	if c.MappingSlide {
		binary.Write(&head, binary.LittleEndian, mappings)
	}
	pathsAt := uint64(head.Len()) + uint64(len(c.images))*32
	var paths []byte
	for _, img := range c.images {
		binary.Write(&head, binary.LittleEndian, dyld.CacheImageInfo{
			Address:        img.textAddr,
			PathFileOffset: uint32(pathsAt + uint64(len(paths))),
		})
		paths = append(append(paths, img.Path...), 0)
	}
	head.Write(paths)
	if uint64(head.Len()) > PageSize {
		return nil, errors.Errorf("cache header (%d bytes) does not fit in the header page", head.Len())
	}
	copy(file, head.Bytes())
	return file, nil
}

func magicFor(arch string) string {
	if arch == ARM64e {
		return "dyld_v1  arm64e"
	}
	return "dyld_v1   arm64"
}

// Open builds the cache and opens it.
func (c *Cache) Open() (*dyld.File, error) {
	dat, err := c.Build()
	if err != nil {
		return nil, err
	}
	return dyld.NewFile(bytes.NewReader(dat))
}

func (img *Image) sectionsOf(specs []sectSpec) []*Section {
	var out []*Section
	for _, spec := range specs {
		if s, ok := img.sections[spec.name]; ok && len(s.data) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// apply resolves s's fixups. Pointers are returned in slots instead of being written.
func (c *Cache) apply(s *Section, slots *[]slot) ([]byte, error) {
	out := append([]byte(nil), s.data...)
	for _, f := range s.fixups {
		ref, ok := c.labels[f.target]
		if !ok {
			return nil, errors.Errorf("%s: undefined label %s", s.img.Path, f.target)
		}
		target := ref.sect.addr + uint64(ref.off)
		pc := s.addr + uint64(f.off)
		switch f.kind {
		case fixPtr, fixAuthPtr:
			if s.spec.seg == "__DATA" {
				*slots = append(*slots, slot{addr: pc, target: target, auth: f.kind == fixAuthPtr})
			} else {
				binary.LittleEndian.PutUint64(out[f.off:], target)
			}
		case fixRel32:
			binary.LittleEndian.PutUint32(out[f.off:], uint32(int32(int64(target)-int64(pc))))
		case fixCall:
			ins, err := branch(pc, target, true)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint32(out[f.off:], ins)
		case fixStub:
			words, err := directStub(pc, target, c.stubSize())
			if err != nil {
				return nil, err
			}
			for i, w := range words {
				binary.LittleEndian.PutUint32(out[f.off+4*i:], w)
			}
		}
	}
	return out, nil
}

type dataRegion struct {
	base  uint64
	data  []byte
	flags dyld.CacheMappingFlag
	slide []byte
}

// encodeSlide writes every pointer slot of the data mapping at base as a rebase chain and
// returns the slide info describing them.
func (c *Cache) encodeSlide(base uint64, data []byte, slots []slot) ([]byte, error) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].addr < slots[j].addr })
	pages := len(data) / int(PageSize)
	byPage := make([][]slot, pages)
	for _, sl := range slots {
		p := int((sl.addr - base) / PageSize)
		byPage[p] = append(byPage[p], sl)
	}

	bo := binary.LittleEndian
	var out bytes.Buffer
	switch c.Slide {
	case dyld.SlideV2:
		starts := make([]uint16, pages)
		var extras []uint16
		for p, chain := range byPage {
			if len(chain) == 0 {
				starts[p] = dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE
				continue
			}
			for i, sl := range chain {
				var delta uint64
				if i+1 < len(chain) {
					delta = chain[i+1].addr - sl.addr
				}
				raw := sl.target | (delta<<38)&v2DeltaMask
				bo.PutUint64(data[sl.addr-base:], raw)
			}
			first := uint16((chain[0].addr - base - uint64(p)*PageSize) / 4)
			if c.DuplicateChainStarts {
				starts[p] = dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA | uint16(len(extras))
				extras = append(extras, first, first|dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_END)
				continue
			}
			starts[p] = first
		}
		hdr := dyld.CacheSlideInfo2{
			Version:          uint32(dyld.SlideV2),
			PageSize:         uint32(PageSize),
			PageStartsOffset: 40,
			PageStartsCount:  uint32(pages),
			PageExtrasOffset: 40 + uint32(2*pages),
			PageExtrasCount:  uint32(len(extras)),
			DeltaMask:        v2DeltaMask,
		}
		binary.Write(&out, bo, hdr)
		binary.Write(&out, bo, starts)
		binary.Write(&out, bo, extras)
	case dyld.SlideV3:
		starts := make([]uint16, pages)
		for p, chain := range byPage {
			if len(chain) == 0 {
				starts[p] = dyld.DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE
				continue
			}
			for i, sl := range chain {
				var next uint64
				if i+1 < len(chain) {
					next = (chain[i+1].addr - sl.addr) / 8
				}
				raw := next << 51
				if sl.auth {
					raw |= 1<<63 | (sl.target-authValueAdd)&0xFFFFFFFF
				} else {
					raw |= sl.target&0x000007FFFFFFFFFF | (sl.target>>13)&0x0007F80000000000
				}
				bo.PutUint64(data[sl.addr-base:], raw)
			}
			starts[p] = uint16(chain[0].addr - base - uint64(p)*PageSize)
		}
		hdr := dyld.CacheSlideInfo3{
			Version:         uint32(dyld.SlideV3),
			PageSize:        uint32(PageSize),
			PageStartsCount: uint32(pages),
			AuthValueAdd:    authValueAdd,
		}
		binary.Write(&out, bo, hdr)
		binary.Write(&out, bo, starts)
	default:
		return nil, errors.Errorf("cannot encode slide info v%d", c.Slide)
	}
	return out.Bytes(), nil
}

type localSymbols struct {
	entries []dyld.CacheLocalSymbolsEntry
	nlists  []macho.Nlist64
	strings []byte
}

func (l *localSymbols) encode() []byte {
	const infoSize = 24
	info := dyld.CacheLocalSymbolsInfo{
		EntriesOffset: infoSize,
		EntriesCount:  uint32(len(l.entries)),
	}
	info.NlistOffset = info.EntriesOffset + uint32(12*len(l.entries))
	info.NlistCount = uint32(len(l.nlists))
	info.StringsOffset = info.NlistOffset + uint32(16*len(l.nlists))
	info.StringsSize = uint32(len(l.strings))

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, info)
	binary.Write(&out, binary.LittleEndian, l.entries)
	binary.Write(&out, binary.LittleEndian, l.nlists)
	out.Write(l.strings)
	return out.Bytes()
}

// linkedit appends img's linkedit content to le and returns its header and load commands
// along with the offset of the __LINKEDIT segment command in them.
func (c *Cache) linkedit(img *Image, le *bytes.Buffer, leOff, dataOff uint64, locals *localSymbols) ([]byte, int, error) {
	bo := binary.LittleEndian
	texts := img.sectionsOf(textSections)
	datas := img.sectionsOf(dataSections)
	ordinal := make(map[*Section]uint8)
	for i, s := range append(append([]*Section(nil), texts...), datas...) {
		ordinal[s] = uint8(i + 1)
	}
	lookup := func(label string) (uint64, uint8, error) {
		ref, ok := c.labels[label]
		if !ok || ref.sect.img != img {
			return 0, 0, errors.Errorf("%s does not define %s", img.Path, label)
		}
		return ref.sect.addr + uint64(ref.off), ordinal[ref.sect], nil
	}

	strs := []byte{0}
	addString := func(s string) uint32 {
		off := uint32(len(strs))
		strs = append(append(strs, s...), 0)
		return off
	}

	// symbol table: <redacted> local, exports, imports
	var syms []macho.Nlist64
	var nlocal uint32
	if len(img.locals) > 0 {
		syms = append(syms, macho.Nlist64{Name: addString("<redacted>"), Type: macho.N_SECT, Sect: 1})
		nlocal = 1
		if c.LocalSymbols {
			e := dyld.CacheLocalSymbolsEntry{
				DylibOffset:     uint32(img.textAddr - TextBase),
				NlistStartIndex: uint32(len(locals.nlists)),
				NlistCount:      uint32(len(img.locals)),
			}
			for _, name := range img.locals {
				addr, sect, err := lookup(name)
				if err != nil {
					return nil, 0, err
				}
				locals.nlists = append(locals.nlists, macho.Nlist64{
					Name: uint32(len(locals.strings)), Type: macho.N_SECT, Sect: sect, Value: addr,
				})
				locals.strings = append(append(locals.strings, name...), 0)
			}
			locals.entries = append(locals.entries, e)
		}
	}

	exports := append([]string(nil), img.exports...)
	sort.Strings(exports)
	index := make(map[string]uint32)
	for _, name := range exports {
		addr, sect, err := lookup(name)
		if err != nil {
			return nil, 0, err
		}
		index[name] = uint32(len(syms))
		syms = append(syms, macho.Nlist64{Name: addString(name), Type: macho.N_SECT | macho.N_EXT, Sect: sect, Value: addr})
	}

	var imports []string
	seen := make(map[string]bool)
	for _, s := range append(img.sectionsOf(textSections), datas...) {
		for _, name := range s.indirect {
			if _, local := index[name]; !local && !seen[name] {
				seen[name] = true
				imports = append(imports, name)
			}
		}
	}
	sort.Strings(imports)
	for _, name := range imports {
		ord := macho.DYNAMIC_LOOKUP_ORDINAL
		for i, dep := range img.Deps {
			if d := c.image(dep); d != nil && d.exports.has(name) {
				ord = i + 1
				break
			}
		}
		index[name] = uint32(len(syms))
		syms = append(syms, macho.Nlist64{Name: addString(name), Type: macho.N_UNDF | macho.N_EXT, Desc: uint16(ord) << 8})
	}

	// indirect symbol table in stubs, got, lazy pointer order
	var indirect []uint32
	reserve1 := make(map[*Section]uint32)
	for _, name := range []string{"__stubs", "__got", "__la_symbol_ptr"} {
		s, ok := img.sections[name]
		if !ok || len(s.data) == 0 {
			continue
		}
		reserve1[s] = uint32(len(indirect))
		for _, sym := range s.indirect {
			indirect = append(indirect, index[sym])
		}
	}

	trie, err := encodeTrie(img, lookup)
	if err != nil {
		return nil, 0, err
	}
	starts, err := functionStarts(img, lookup)
	if err != nil {
		return nil, 0, err
	}

	blob := func(dat []byte) (uint32, uint32) {
		for le.Len()%8 != 0 {
			le.WriteByte(0)
		}
		off := uint32(leOff) + uint32(le.Len())
		le.Write(dat)
		return off, uint32(len(dat))
	}
	var nl bytes.Buffer
	binary.Write(&nl, bo, syms)
	symoff, _ := blob(nl.Bytes())
	var ind bytes.Buffer
	binary.Write(&ind, bo, indirect)
	indoff, _ := blob(ind.Bytes())
	trieOff, trieSize := blob(trie)
	fsOff, fsSize := blob(starts)
	stroff, strsize := blob(strs)

	// load commands
	var cmds bytes.Buffer
	var ncmds uint32
	segment := func(name string, addr, memsz, off, filesz uint64, prot types.VmProtection, sects []*Section) {
		seg := types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     uint32(72 + 80*len(sects)),
			Addr:    addr,
			Memsz:   memsz,
			Offset:  off,
			Filesz:  filesz,
			Maxprot: prot,
			Prot:    prot,
			Nsect:   uint32(len(sects)),
		}
		copy(seg.Name[:], name)
		binary.Write(&cmds, bo, seg)
		for _, s := range sects {
			sh := macho.Section64{
				Addr:     s.addr,
				Size:     uint64(len(s.data)),
				Offset:   uint32(off + s.addr - addr),
				Align:    uint32(log2(s.spec.align)),
				Flags:    s.spec.flags,
				Reserve1: reserve1[s],
			}
			if s.spec.flags.IsSymbolStubs() {
				sh.Reserve2 = uint32(c.stubSize())
			}
			copy(sh.Name[:], s.spec.name)
			copy(sh.Seg[:], s.spec.seg)
			binary.Write(&cmds, bo, sh)
		}
		ncmds++
	}
	dylib := func(cmd types.LoadCmd, path string) {
		size := alignUp(uint64(24+len(path)+1), 8)
		binary.Write(&cmds, bo, types.DylibCmd{
			LoadCmd:        cmd,
			Len:            uint32(size),
			NameOffset:     24,
			Timestamp:      2,
			CurrentVersion: 0x10000,
			CompatVersion:  0x10000,
		})
		cmds.Write(append([]byte(path), make([]byte, size-24-uint64(len(path)))...))
		ncmds++
	}
	command := func(v any) {
		binary.Write(&cmds, bo, v)
		ncmds++
	}

	segment("__TEXT", img.textAddr, img.textSize, img.textAddr-TextBase, img.textSize, macho.ProtRead|macho.ProtExecute, texts)
	if len(datas) > 0 {
		segment("__DATA", img.dataAddr, img.dataSize, dataOff+img.dataAddr-DataBase, img.dataSize, macho.ProtRead|macho.ProtWrite, datas)
	}
	leAt := 32 + cmds.Len()
	segment("__LINKEDIT", LinkeditBase, 0, leOff, 0, macho.ProtRead, nil)
	dylib(types.LC_ID_DYLIB, img.Path)
	for _, dep := range img.Deps {
		dylib(types.LC_LOAD_DYLIB, dep)
	}
	command(types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24, Symoff: symoff, Nsyms: uint32(len(syms)), Stroff: stroff, Strsize: strsize})
	command(types.DysymtabCmd{
		LoadCmd:        types.LC_DYSYMTAB,
		Len:            80,
		Ilocalsym:      0,
		Nlocalsym:      nlocal,
		Iextdefsym:     nlocal,
		Nextdefsym:     uint32(len(exports)),
		Iundefsym:      nlocal + uint32(len(exports)),
		Nundefsym:      uint32(len(imports)),
		Indirectsymoff: indoff,
		Nindirectsyms:  uint32(len(indirect)),
	})
	command(types.DyldInfoCmd{LoadCmd: types.LC_DYLD_INFO_ONLY, Len: 48, ExportOff: trieOff, ExportSize: trieSize})
	command(types.LinkEditDataCmd{LoadCmd: types.LC_FUNCTION_STARTS, Len: 16, Offset: fsOff, Size: fsSize})

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUArm64,
		Type:         types.MH_DYLIB,
		NCommands:    ncmds,
		SizeCommands: uint32(cmds.Len()),
		Flags:        types.DylibInCache,
	}
	if c.Arch == ARM64e {
		hdr.SubCPU = types.CPUSubtypeArm64E
	}
	out := make([]byte, 32, 32+cmds.Len())
	hdr.Put(out, bo)
	out = append(out, cmds.Bytes()...)
	if len(out) > textStart {
		return nil, 0, errors.Errorf("%s: load commands (%d bytes) overflow the header area", img.Path, len(out))
	}
	return out, leAt, nil
}

func log2(n int) int {
	var i int
	for n > 1 {
		n >>= 1
		i++
	}
	return i
}

type labelSet []string

func (l labelSet) has(name string) bool {
	for _, s := range l {
		if s == name {
			return true
		}
	}
	return false
}

func (c *Cache) image(path string) *Image {
	for _, img := range c.images {
		if img.Path == path {
			return img
		}
	}
	return nil
}

func functionStarts(img *Image, lookup func(string) (uint64, uint8, error)) ([]byte, error) {
	var addrs []uint64
	for _, f := range img.funcs {
		addr, _, err := lookup(f)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	var out []byte
	prev := img.textAddr
	for _, a := range addrs {
		out = macho.AppendUleb128(out, a-prev)
		prev = a
	}
	out = append(out, 0)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	return out, nil
}

// encodeTrie emits a two level export trie: the root has one edge per export.
func encodeTrie(img *Image, lookup func(string) (uint64, uint8, error)) ([]byte, error) {
	if len(img.exports) == 0 {
		return nil, nil
	}
	names := append([]string(nil), img.exports...)
	sort.Strings(names)
	terminals := make([][]byte, len(names))
	for i, name := range names {
		addr, _, err := lookup(name)
		if err != nil {
			return nil, err
		}
		info := macho.AppendUleb128(macho.AppendUleb128(nil, 0), addr-img.textAddr)
		node := macho.AppendUleb128(nil, uint64(len(info)))
		node = append(append(node, info...), 0)
		terminals[i] = node
	}

	// the root's size depends on the uleb width of the child offsets
	rootSize := 0
	for {
		offs := make([]uint64, len(names))
		next := uint64(rootSize)
		for i := range names {
			offs[i] = next
			next += uint64(len(terminals[i]))
		}
		root := []byte{0, byte(len(names))}
		for i, name := range names {
			root = append(append(root, name...), 0)
			root = macho.AppendUleb128(root, offs[i])
		}
		if len(root) == rootSize {
			for _, t := range terminals {
				root = append(root, t...)
			}
			return root, nil
		}
		rootSize = len(root)
	}
}
