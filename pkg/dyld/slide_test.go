package dyld

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func slideBlob(t *testing.T, hdr any, arrays ...[]uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	for _, a := range arrays {
		if err := binary.Write(&buf, binary.LittleEndian, a); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func walk(t *testing.T, si *SlideInfo, index int, page []byte) ([]Rebase, error) {
	t.Helper()
	var got []Rebase
	err := si.WalkPage(index, page, func(r Rebase) error {
		got = append(got, r)
		return nil
	})
	return got, err
}

const v2Mask = 0x00FFFF0000000000

func TestSlideInfoV2(t *testing.T) {
	blob := slideBlob(t, CacheSlideInfo2{
		Version:          2,
		PageSize:         0x1000,
		PageStartsOffset: 40,
		PageStartsCount:  2,
		PageExtrasOffset: 44,
		DeltaMask:        v2Mask,
	}, []uint16{0x10 / 4, DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE})

	si, err := ParseSlideInfo(blob, 0)
	if err != nil {
		t.Fatal(err)
	}
	if si.V2 == nil || si.PageSize() != 0x1000 || si.PointerSize() != 8 || si.PageCount() != 2 {
		t.Fatalf("unexpected slide info %s", si)
	}

	page := make([]byte, 0x1000)
	first := uint64(0x180001000) | (0x18>>2)<<40
	binary.LittleEndian.PutUint64(page[0x10:], first)
	binary.LittleEndian.PutUint64(page[0x28:], 0x180002000)

	got, err := walk(t, si, 0, page)
	if err != nil {
		t.Fatal(err)
	}
	want := []Rebase{
		{PageOffset: 0x10, Raw: first, Target: 0x180001000},
		{PageOffset: 0x28, Raw: 0x180002000, Target: 0x180002000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WalkPage() mismatch (-want +got):\n%s", diff)
	}

	if got, err := walk(t, si, 1, page); err != nil || len(got) != 0 {
		t.Errorf("WalkPage(no rebase) = %v, %v", got, err)
	}
	if _, err := walk(t, si, 2, page); err == nil {
		t.Error("WalkPage() accepted a page index past the slide info")
	}
}

func TestSlideInfoV2Revisit(t *testing.T) {
	tests := []struct {
		name   string
		starts []uint16
		extras []uint16
		page   func([]byte)
	}{
		{
			name:   "chain start listed twice",
			starts: []uint16{DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA | 0},
			extras: []uint16{0, DYLD_CACHE_SLIDE_PAGE_ATTR_END},
			page: func(p []byte) {
				binary.LittleEndian.PutUint64(p, 0x180001000)
			},
		},
		{
			name:   "chain leaves the page",
			starts: []uint16{0x1000/4 - 2},
			page: func(p []byte) {
				binary.LittleEndian.PutUint64(p[0x1000-8:], 0x180001000|(0x10>>2)<<40)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := slideBlob(t, CacheSlideInfo2{
				Version:          2,
				PageSize:         0x1000,
				PageStartsOffset: 40,
				PageStartsCount:  uint32(len(tt.starts)),
				PageExtrasOffset: 40 + uint32(2*len(tt.starts)),
				PageExtrasCount:  uint32(len(tt.extras)),
				DeltaMask:        v2Mask,
			}, tt.starts, tt.extras)
			si, err := ParseSlideInfo(blob, 0)
			if err != nil {
				t.Fatal(err)
			}
			page := make([]byte, 0x1000)
			tt.page(page)
			_, err = walk(t, si, 0, page)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("WalkPage() error = %v, want a FormatError", err)
			}
		})
	}
}

func TestSlideInfoV3(t *testing.T) {
	const authValueAdd = 0x180000000
	blob := slideBlob(t, CacheSlideInfo3{
		Version:         3,
		PageSize:        0x4000,
		PageStartsCount: 2,
		AuthValueAdd:    authValueAdd,
	}, []uint16{0x100, DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE})

	si, err := ParseSlideInfo(blob, 0)
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, 0x4000)
	// plain pointer with a high byte, next pointer 4 strides on
	plain := uint64(0x0001000180000000) | 4<<51
	// authenticated pointer, key 2, last in chain
	auth := uint64(1)<<63 | 2<<49 | 0x1234
	binary.LittleEndian.PutUint64(page[0x100:], plain)
	binary.LittleEndian.PutUint64(page[0x120:], auth)

	got, err := walk(t, si, 0, page)
	if err != nil {
		t.Fatal(err)
	}
	want := []Rebase{
		{PageOffset: 0x100, Raw: plain, Target: 0x2000000180000000},
		{PageOffset: 0x120, Raw: auth, Target: authValueAdd + 0x1234},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WalkPage() mismatch (-want +got):\n%s", diff)
	}
	if p := CacheSlidePointer3(auth); !p.Authenticated() || p.Key() != 2 || p.OffsetToNextPointer() != 0 {
		t.Errorf("auth pointer decoded as %s", p)
	}
	if got, err := walk(t, si, 1, page); err != nil || len(got) != 0 {
		t.Errorf("WalkPage(no rebase) = %v, %v", got, err)
	}
}

func TestSlideInfoV4(t *testing.T) {
	const valueAdd = 0x1a000000
	blob := slideBlob(t, CacheSlideInfo4{
		Version:          4,
		PageSize:         0x1000,
		PageStartsOffset: 40,
		PageStartsCount:  1,
		PageExtrasOffset: 42,
		DeltaMask:        0xC0000000,
		ValueAdd:         valueAdd,
	}, []uint16{0x8 / 4})

	si, err := ParseSlideInfo(blob, 0)
	if err != nil {
		t.Fatal(err)
	}
	if si.PointerSize() != 4 {
		t.Errorf("PointerSize() = %d, want 4", si.PointerSize())
	}

	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint32(page[0x8:], 0x40000000|0x00100000) // pointer, next is 4 bytes on
	binary.LittleEndian.PutUint32(page[0xc:], 0x3FFFFFF0)            // small negative integer

	got, err := walk(t, si, 0, page)
	if err != nil {
		t.Fatal(err)
	}
	want := []Rebase{
		{PageOffset: 0x8, Raw: 0x40100000, Target: valueAdd + 0x00100000},
		{PageOffset: 0xc, Raw: 0x3FFFFFF0, Target: 0xFFFFFFF0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WalkPage() mismatch (-want +got):\n%s", diff)
	}
}

func TestSlideInfoV1(t *testing.T) {
	bitmap := make([]uint16, 64) // one 128 byte entry
	bitmap[0] = 1<<2 | 1<<5      // words 2 and 5
	blob := slideBlob(t, CacheSlideInfo{
		Version:       1,
		TocOffset:     24,
		TocCount:      1,
		EntriesOffset: 26,
		EntriesCount:  1,
		EntriesSize:   128,
	}, []uint16{0}, bitmap)

	si, err := ParseSlideInfo(blob, 0)
	if err != nil {
		t.Fatal(err)
	}
	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(page[8:], 0x180004000)
	binary.LittleEndian.PutUint64(page[20:], 0x180008000)

	got, err := walk(t, si, 0, page)
	if err != nil {
		t.Fatal(err)
	}
	want := []Rebase{
		{PageOffset: 8, Raw: 0x180004000, Target: 0x180004000},
		{PageOffset: 20, Raw: 0x180008000, Target: 0x180008000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WalkPage() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSlideInfoErrors(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"truncated", []byte{2, 0}},
		{"unknown version", []byte{9, 0, 0, 0, 0, 0, 0, 0}},
		{"starts out of bounds", slideBlob(t, CacheSlideInfo2{Version: 2, PageSize: 0x1000, PageStartsOffset: 40, PageStartsCount: 100, DeltaMask: v2Mask})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSlideInfo(tt.blob, 0x1000)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("ParseSlideInfo() error = %v, want a FormatError", err)
			}
		})
	}
}
