package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

// CacheSlideInfo is the dyld_cache_slide_info struct (version 1).
// Each 4KB page of the slid mapping has a toc entry selecting a bitmap in which every
// set bit marks a 4-byte word that holds a pointer.
type CacheSlideInfo struct {
	Version       uint32 // currently 1
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32 // currently 128
}

const (
	DYLD_CACHE_SLIDE_PAGE_ATTRS          = 0xC000 // high bits of uint16_t are flags
	DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA     = 0x8000 // index is into extras array (not starts array)
	DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE = 0x4000 // page has no rebasing
	DYLD_CACHE_SLIDE_PAGE_ATTR_END       = 0x8000 // last chain entry for page
)

type CacheSlideInfo2 struct {
	Version          uint32 // currently 2
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location
	ValueAdd         uint64
}

const DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE = 0xFFFF // page has no rebasing

type CacheSlideInfo3 struct {
	Version         uint32 // currently 3
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	Pad             uint32
	AuthValueAdd    uint64
}

const (
	DYLD_CACHE_SLIDE4_PAGE_NO_REBASE = 0xFFFF // page has no rebasing
	DYLD_CACHE_SLIDE4_PAGE_INDEX     = 0x7FFF // mask of page_starts[] values
	DYLD_CACHE_SLIDE4_PAGE_USE_EXTRA = 0x8000 // index is into extras array (not a chain start offset)
	DYLD_CACHE_SLIDE4_PAGE_EXTRA_END = 0x8000 // last chain entry for page
)

type CacheSlideInfo4 struct {
	Version          uint32 // currently 4
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location (0xC0000000)
	ValueAdd         uint64 // base address of cache
}

// CacheSlidePointer3 is a v3 rebase chain entry.
//
//	plain: pointerValue:51 offsetToNextPointer:11 unused:2
//	auth:  offsetFromSharedCacheBase:32 diversityData:16 hasAddressDiversity:1 key:2
//	       offsetToNextPointer:11 unused:1 authenticated:1
type CacheSlidePointer3 uint64

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer3) Authenticated() bool {
	return p>>63 != 0
}

// OffsetToNextPointer returns the stride count (8 bytes each) to the next chained pointer
func (p CacheSlidePointer3) OffsetToNextPointer() uint64 {
	return uint64(p>>51) & 0x7FF
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer3) DiversityData() uint64 {
	return uint64(p>>32) & 0xFFFF
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer3) HasAddressDiversity() bool {
	return (p>>48)&1 != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer3) Key() uint64 {
	return uint64(p>>49) & 0x3
}

// Target returns the unslid target address the pointer encodes.
func (p CacheSlidePointer3) Target(authValueAdd uint64) uint64 {
	if p.Authenticated() {
		return authValueAdd + uint64(p&0xFFFFFFFF)
	}
	value51 := uint64(p) & 0x7FFFFFFFFFFFF
	top8 := value51 & 0x0007F80000000000
	bottom43 := value51 & 0x000007FFFFFFFFFF
	return top8<<13 | bottom43
}

func (p CacheSlidePointer3) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("offset: %#x, next: %d, has_diversity: %t, diversity: %#x, key: %d, auth: true",
			uint64(p&0xFFFFFFFF), p.OffsetToNextPointer(), p.HasAddressDiversity(), p.DiversityData(), p.Key())
	}
	return fmt.Sprintf("value: %#x, next: %d", p.Target(0), p.OffsetToNextPointer())
}

// SlideVersion tags which slide info encoding a cache uses.
type SlideVersion uint32

const (
	SlideV1 SlideVersion = 1 // per-page bitmaps
	SlideV2 SlideVersion = 2 // 64-bit delta chains
	SlideV3 SlideVersion = 3 // 64-bit delta chains with pointer authentication
	SlideV4 SlideVersion = 4 // 32-bit delta chains
)

// SlideInfo is the cache's rebase metadata. Exactly one of the version specific
// fields is set, selected by Version.
type SlideInfo struct {
	Version SlideVersion

	V1 *CacheSlideInfo
	V2 *CacheSlideInfo2
	V3 *CacheSlideInfo3
	V4 *CacheSlideInfo4

	toc     []uint16 // v1
	bitmaps []byte   // v1
	starts  []uint16 // v2 v3 v4
	extras  []uint16 // v2 v4
}

// ParseSlideInfo decodes a slide info blob. An unknown version is a FormatError.
func ParseSlideInfo(dat []byte, off int64) (*SlideInfo, error) {
	if len(dat) < 4 {
		return nil, &FormatError{off, "slide info too small", len(dat)}
	}
	bo := binary.LittleEndian
	si := &SlideInfo{Version: SlideVersion(bo.Uint32(dat))}
	r := bytes.NewReader(dat)

	readU16s := func(at, count uint32) ([]uint16, error) {
		if uint64(at)+uint64(count)*2 > uint64(len(dat)) {
			return nil, &FormatError{off + int64(at), "slide info array out of bounds", count}
		}
		out := make([]uint16, count)
		for i := range out {
			out[i] = bo.Uint16(dat[int(at)+2*i:])
		}
		return out, nil
	}

	var err error
	switch si.Version {
	case SlideV1:
		si.V1 = new(CacheSlideInfo)
		if err := binary.Read(r, bo, si.V1); err != nil {
			return nil, errors.Wrap(err, "failed to read slide info v1")
		}
		if si.toc, err = readU16s(si.V1.TocOffset, si.V1.TocCount); err != nil {
			return nil, err
		}
		end := uint64(si.V1.EntriesOffset) + uint64(si.V1.EntriesCount)*uint64(si.V1.EntriesSize)
		if end > uint64(len(dat)) {
			return nil, &FormatError{off + int64(si.V1.EntriesOffset), "slide info bitmaps out of bounds", si.V1.EntriesCount}
		}
		si.bitmaps = dat[si.V1.EntriesOffset:end]
	case SlideV2:
		si.V2 = new(CacheSlideInfo2)
		if err := binary.Read(r, bo, si.V2); err != nil {
			return nil, errors.Wrap(err, "failed to read slide info v2")
		}
		if si.starts, err = readU16s(si.V2.PageStartsOffset, si.V2.PageStartsCount); err != nil {
			return nil, err
		}
		if si.extras, err = readU16s(si.V2.PageExtrasOffset, si.V2.PageExtrasCount); err != nil {
			return nil, err
		}
	case SlideV3:
		si.V3 = new(CacheSlideInfo3)
		if err := binary.Read(r, bo, si.V3); err != nil {
			return nil, errors.Wrap(err, "failed to read slide info v3")
		}
		if si.starts, err = readU16s(uint32(binary.Size(si.V3)), si.V3.PageStartsCount); err != nil {
			return nil, err
		}
	case SlideV4:
		si.V4 = new(CacheSlideInfo4)
		if err := binary.Read(r, bo, si.V4); err != nil {
			return nil, errors.Wrap(err, "failed to read slide info v4")
		}
		if si.starts, err = readU16s(si.V4.PageStartsOffset, si.V4.PageStartsCount); err != nil {
			return nil, err
		}
		if si.extras, err = readU16s(si.V4.PageExtrasOffset, si.V4.PageExtrasCount); err != nil {
			return nil, err
		}
	default:
		return nil, &FormatError{off, "unsupported slide info version", uint32(si.Version)}
	}
	return si, nil
}

// PageSize returns the size of the pages the rebase metadata describes.
func (s *SlideInfo) PageSize() uint64 {
	switch s.Version {
	case SlideV1:
		return 0x1000
	case SlideV2:
		return uint64(s.V2.PageSize)
	case SlideV3:
		return uint64(s.V3.PageSize)
	case SlideV4:
		return uint64(s.V4.PageSize)
	}
	panic(fmt.Sprintf("unhandled slide info version %d", s.Version))
}

// PointerSize returns the width in bytes of a rebased slot.
func (s *SlideInfo) PointerSize() int {
	switch s.Version {
	case SlideV1, SlideV2, SlideV3:
		return 8
	case SlideV4:
		return 4
	}
	panic(fmt.Sprintf("unhandled slide info version %d", s.Version))
}

// PageCount returns the number of pages described.
func (s *SlideInfo) PageCount() int {
	switch s.Version {
	case SlideV1:
		return len(s.toc)
	case SlideV2, SlideV3, SlideV4:
		return len(s.starts)
	}
	panic(fmt.Sprintf("unhandled slide info version %d", s.Version))
}

// Decode returns the unslid target address encoded in a raw rebase slot value.
func (s *SlideInfo) Decode(raw uint64) uint64 {
	switch s.Version {
	case SlideV1:
		return raw
	case SlideV2:
		value := raw &^ s.V2.DeltaMask
		if value != 0 {
			value += s.V2.ValueAdd
		}
		return value
	case SlideV3:
		return CacheSlidePointer3(raw).Target(s.V3.AuthValueAdd)
	case SlideV4:
		value := uint32(raw) &^ uint32(s.V4.DeltaMask)
		switch {
		case value&0xFFFF8000 == 0:
			// small positive non-pointer
		case value&0x3FFF8000 == 0x3FFF8000:
			// small negative non-pointer
			value |= 0xC0000000
		default:
			value += uint32(s.V4.ValueAdd)
		}
		return uint64(value)
	}
	panic(fmt.Sprintf("unhandled slide info version %d", s.Version))
}

// A Rebase is one rebased slot: its offset within the page, the raw stored value and the
// decoded unslid target.
type Rebase struct {
	PageOffset uint64
	Raw        uint64
	Target     uint64
}

type pageWalker struct {
	page    []byte
	index   int
	visited map[uint64]bool
	visit   func(Rebase) error
}

func (w *pageWalker) read(off uint64, size int) (uint64, error) {
	if off+uint64(size) > uint64(len(w.page)) {
		return 0, &FormatError{int64(off), fmt.Sprintf("rebase slot outside of page %d", w.index), off}
	}
	if w.visited[off] {
		return 0, &FormatError{int64(off), fmt.Sprintf("rebase chain revisits offset in page %d", w.index), off}
	}
	w.visited[off] = true
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(w.page[off:])), nil
	}
	return binary.LittleEndian.Uint64(w.page[off:]), nil
}

// WalkPage calls visit for every rebase location of page index. page holds the page's
// raw cache bytes (the final page of a mapping may be short). Chains that leave the page
// or revisit an offset are reported as a FormatError.
func (s *SlideInfo) WalkPage(index int, page []byte, visit func(Rebase) error) error {
	if index < 0 || index >= s.PageCount() {
		return &FormatError{int64(index), "page index out of range of slide info", s.PageCount()}
	}
	w := &pageWalker{page: page, index: index, visited: make(map[uint64]bool), visit: visit}

	switch s.Version {
	case SlideV1:
		return s.walkBitmap(w)
	case SlideV2:
		start := s.starts[index]
		if start == DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE {
			return nil
		}
		if start&DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA == 0 {
			return s.walkDeltaChain(w, uint64(start)*4, s.V2.DeltaMask, 8)
		}
		for j := int(start &^ DYLD_CACHE_SLIDE_PAGE_ATTRS); ; j++ {
			if j >= len(s.extras) {
				return &FormatError{int64(j), "slide info extras index out of range", len(s.extras)}
			}
			extra := s.extras[j]
			if err := s.walkDeltaChain(w, uint64(extra&^DYLD_CACHE_SLIDE_PAGE_ATTRS)*4, s.V2.DeltaMask, 8); err != nil {
				return err
			}
			if extra&DYLD_CACHE_SLIDE_PAGE_ATTR_END != 0 {
				return nil
			}
		}
	case SlideV3:
		start := s.starts[index]
		if start == DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE {
			return nil
		}
		off := uint64(start)
		for {
			raw, err := w.read(off, 8)
			if err != nil {
				return err
			}
			p := CacheSlidePointer3(raw)
			if err := visit(Rebase{PageOffset: off, Raw: raw, Target: p.Target(s.V3.AuthValueAdd)}); err != nil {
				return err
			}
			delta := p.OffsetToNextPointer() * 8
			if delta == 0 {
				return nil
			}
			off += delta
		}
	case SlideV4:
		start := s.starts[index]
		if start == DYLD_CACHE_SLIDE4_PAGE_NO_REBASE {
			return nil
		}
		if start&DYLD_CACHE_SLIDE4_PAGE_USE_EXTRA == 0 {
			return s.walkDeltaChain(w, uint64(start)*4, s.V4.DeltaMask, 4)
		}
		for j := int(start & DYLD_CACHE_SLIDE4_PAGE_INDEX); ; j++ {
			if j >= len(s.extras) {
				return &FormatError{int64(j), "slide info extras index out of range", len(s.extras)}
			}
			extra := s.extras[j]
			if err := s.walkDeltaChain(w, uint64(extra&DYLD_CACHE_SLIDE4_PAGE_INDEX)*4, s.V4.DeltaMask, 4); err != nil {
				return err
			}
			if extra&DYLD_CACHE_SLIDE4_PAGE_EXTRA_END != 0 {
				return nil
			}
		}
	}
	panic(fmt.Sprintf("unhandled slide info version %d", s.Version))
}

func (s *SlideInfo) walkDeltaChain(w *pageWalker, off, deltaMask uint64, size int) error {
	deltaShift := uint(bits.TrailingZeros64(deltaMask) - 2)
	for {
		raw, err := w.read(off, size)
		if err != nil {
			return err
		}
		if err := w.visit(Rebase{PageOffset: off, Raw: raw, Target: s.Decode(raw)}); err != nil {
			return err
		}
		delta := (raw & deltaMask) >> deltaShift
		if delta == 0 {
			return nil
		}
		off += delta
	}
}

func (s *SlideInfo) walkBitmap(w *pageWalker) error {
	entry := int(s.toc[w.index])
	size := int(s.V1.EntriesSize)
	if entry >= int(s.V1.EntriesCount) {
		return &FormatError{int64(entry), "slide info toc entry out of range", s.V1.EntriesCount}
	}
	bitmap := s.bitmaps[entry*size : (entry+1)*size]
	for i, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			off := uint64(i*8+bit) * 4
			raw, err := w.read(off, 8)
			if err != nil {
				return err
			}
			if err := w.visit(Rebase{PageOffset: off, Raw: raw, Target: raw}); err != nil {
				return err
			}
		}
	}
	return nil
}
