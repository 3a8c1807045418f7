// Package dyld implements a read-only view of a dyld shared cache: its header, mapping
// table, image directory, slide info and the symbols the images export.
package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Known good architectures
var magic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

const (
	exportCacheSize = 256
	stringCacheSize = 4096
)

// A File represents an open dyld shared cache. It is never mutated after NewFile returns
// and may be shared by concurrent extraction runs.
type File struct {
	CacheHeader
	// HeaderExt is the extended header of newer caches, nil when the header ends at
	// CacheHeaderSize.
	HeaderExt *CacheHeaderExt
	ByteOrder binary.ByteOrder

	Mappings []*CacheMapping
	Images   []*CacheImage
	// SlideInfo is the slide info of the first slid mapping.
	SlideInfo *SlideInfo

	byAddr []*CacheMapping

	r      io.ReaderAt
	closer io.Closer

	rangesOnce sync.Once
	ranges     []imageRange

	exports *lru.Cache[int, map[uint64]string]
	strings *lru.Cache[uint64, string]
}

// FormatError is returned by some operations if the data does
// not have the correct format for a dyld shared cache.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Open opens the named file using os.Open and prepares it for use as a dyld shared cache.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a dyld shared cache in an underlying reader.
func NewFile(r io.ReaderAt) (*File, error) {
	f := &File{r: r, ByteOrder: binary.LittleEndian}

	hdr := make([]byte, CacheHeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, errors.Wrap(err, "failed to read cache header")
	}
	if !knownMagic(hdr[:16]) {
		return nil, &FormatError{0, "invalid magic number", string(bytes.Trim(hdr[:16], "\x00"))}
	}
	if err := binary.Read(bytes.NewReader(hdr), f.ByteOrder, &f.CacheHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse cache header")
	}
	if err := f.parseHeaderExt(); err != nil {
		return nil, err
	}

	var err error
	if f.exports, err = lru.New[int, map[uint64]string](exportCacheSize); err != nil {
		return nil, err
	}
	if f.strings, err = lru.New[uint64, string](stringCacheSize); err != nil {
		return nil, err
	}

	if err := f.parseMappings(); err != nil {
		return nil, err
	}
	if err := f.parseImages(); err != nil {
		return nil, err
	}
	if err := f.parseSlideInfo(); err != nil {
		return nil, err
	}

	return f, nil
}

// parseHeaderExt reads the header fields between CacheHeaderSize and the mapping table.
func (f *File) parseHeaderExt() error {
	if f.MappingOffset <= CacheHeaderSize {
		return nil
	}
	size := uint32(CacheHeaderExtEnd)
	if f.MappingOffset < size {
		size = f.MappingOffset
	}
	dat := make([]byte, CacheHeaderExtEnd-CacheHeaderSize)
	if _, err := f.r.ReadAt(dat[:size-CacheHeaderSize], CacheHeaderSize); err != nil {
		return errors.Wrap(err, "failed to read extended cache header")
	}
	f.HeaderExt = new(CacheHeaderExt)
	if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, f.HeaderExt); err != nil {
		return errors.Wrap(err, "failed to parse extended cache header")
	}
	return nil
}

// parseSlideInfo attaches slide info to the mappings it describes. Newer caches list it per
// mapping in the mapping and slide info table, older ones describe only the first writable
// mapping through the header.
func (f *File) parseSlideInfo() error {
	if f.HeaderExt != nil && f.HeaderExt.MappingWithSlideCount > 0 {
		ext := f.HeaderExt
		if ext.MappingWithSlideCount != f.MappingCount {
			return &FormatError{int64(ext.MappingWithSlideOffset), "mapping and slide info count does not match mapping count", ext.MappingWithSlideCount}
		}
		dat := make([]byte, int(ext.MappingWithSlideCount)*CacheMappingAndSlideInfoSize)
		if _, err := f.r.ReadAt(dat, int64(ext.MappingWithSlideOffset)); err != nil {
			return &FormatError{int64(ext.MappingWithSlideOffset), "failed to read mapping and slide info table", err}
		}
		r := bytes.NewReader(dat)
		for i, m := range f.Mappings {
			var ms CacheMappingAndSlideInfo
			if err := binary.Read(r, f.ByteOrder, &ms); err != nil {
				return errors.Wrapf(err, "failed to read mapping and slide info %d", i)
			}
			if ms.Address != m.Address || ms.Size != m.Size {
				return &FormatError{int64(ext.MappingWithSlideOffset) + int64(i*CacheMappingAndSlideInfoSize), "mapping and slide info disagrees with mapping", fmt.Sprintf("%#x", ms.Address)}
			}
			m.Flags = ms.Flags
			m.Name = mappingName(m)
			if err := f.attachSlideInfo(m, ms.SlideInfoFileOffset, ms.SlideInfoFileSize); err != nil {
				return err
			}
		}
		return nil
	}
	if f.SlideInfoOffset == 0 || f.SlideInfoSize == 0 {
		return nil
	}
	for _, m := range f.Mappings {
		if m.InitProt.Write() {
			return f.attachSlideInfo(m, f.SlideInfoOffset, f.SlideInfoSize)
		}
	}
	return &FormatError{int64(f.SlideInfoOffset), "cache has slide info but no writable mapping", nil}
}

func (f *File) attachSlideInfo(m *CacheMapping, off, size uint64) error {
	if off == 0 || size == 0 {
		return nil
	}
	dat := make([]byte, size)
	if _, err := f.r.ReadAt(dat, int64(off)); err != nil {
		return errors.Wrapf(err, "failed to read slide info of %s", m.Name)
	}
	si, err := ParseSlideInfo(dat, int64(off))
	if err != nil {
		return err
	}
	m.SlideInfo = si
	if f.SlideInfo == nil {
		f.SlideInfo = si
	}
	log.WithFields(log.Fields{"mapping": m.Name, "version": si.Version}).Debug("Parsed slide info")
	return nil
}

func mappingName(m *CacheMapping) string {
	switch {
	case m.InitProt.Execute():
		if m.Flags&DYLD_CACHE_MAPPING_TEXT_STUBS != 0 {
			return "__TEXT_STUBS"
		}
		return "__TEXT"
	case m.InitProt.Write():
		switch {
		case m.Flags&DYLD_CACHE_MAPPING_AUTH_DATA != 0 && m.Flags&DYLD_CACHE_MAPPING_CONST_DATA != 0:
			return "__AUTH_CONST"
		case m.Flags&DYLD_CACHE_MAPPING_AUTH_DATA != 0:
			return "__AUTH"
		case m.Flags&DYLD_CACHE_MAPPING_CONST_TPRO_DATA != 0:
			return "__TPRO_CONST"
		case m.Flags&DYLD_CACHE_MAPPING_CONST_DATA != 0:
			return "__DATA_CONST"
		case m.Flags&DYLD_CACHE_MAPPING_DIRTY_DATA != 0:
			return "__DATA_DIRTY"
		}
		return "__DATA"
	case m.Flags&DYLD_CACHE_READ_ONLY_DATA != 0:
		return "__READ_ONLY"
	}
	return "__LINKEDIT"
}

// imageTable returns where the image directory is. Newer caches moved it and zero the old
// header fields.
func (f *File) imageTable() (uint32, uint32) {
	if f.ImagesOffset == 0 && f.HeaderExt != nil && f.HeaderExt.ImagesOffset != 0 {
		return f.HeaderExt.ImagesOffset, f.HeaderExt.ImagesCount
	}
	return f.ImagesOffset, f.ImagesCount
}

func knownMagic(m []byte) bool {
	s := string(bytes.TrimRight(m, "\x00"))
	for _, k := range magic {
		if s == k {
			return true
		}
	}
	return false
}

// Arch returns the architecture named in the cache magic.
func (f *File) Arch() string {
	return strings.TrimSpace(strings.TrimPrefix(string(bytes.TrimRight(f.Magic[:], "\x00")), "dyld_v1"))
}

func (f *File) parseMappings() error {
	const mappingSize = 32
	dat := make([]byte, int(f.MappingCount)*mappingSize)
	if _, err := f.r.ReadAt(dat, int64(f.MappingOffset)); err != nil {
		return &FormatError{int64(f.MappingOffset), "failed to read mapping table", err}
	}
	r := bytes.NewReader(dat)
	for i := uint32(0); i < f.MappingCount; i++ {
		m := new(CacheMapping)
		if err := binary.Read(r, f.ByteOrder, &m.CacheMappingInfo); err != nil {
			return errors.Wrapf(err, "failed to read mapping %d", i)
		}
		m.Name = mappingName(m)
		f.Mappings = append(f.Mappings, m)
	}

	f.byAddr = append([]*CacheMapping(nil), f.Mappings...)
	sort.Slice(f.byAddr, func(i, j int) bool { return f.byAddr[i].Address < f.byAddr[j].Address })
	for i := 1; i < len(f.byAddr); i++ {
		prev := f.byAddr[i-1]
		if prev.Address+prev.Size > f.byAddr[i].Address {
			return &FormatError{int64(f.MappingOffset), "overlapping mappings", fmt.Sprintf("%#x", f.byAddr[i].Address)}
		}
	}
	return nil
}

func (f *File) parseImages() error {
	const imageInfoSize = 32
	offset, count := f.imageTable()
	dat := make([]byte, int(count)*imageInfoSize)
	if _, err := f.r.ReadAt(dat, int64(offset)); err != nil {
		return &FormatError{int64(offset), "failed to read image table", err}
	}
	r := bytes.NewReader(dat)
	for i := uint32(0); i < count; i++ {
		img := &CacheImage{Index: int(i)}
		if err := binary.Read(r, f.ByteOrder, &img.CacheImageInfo); err != nil {
			return errors.Wrapf(err, "failed to read image info %d", i)
		}
		name, err := f.StringAt(uint64(img.PathFileOffset))
		if err != nil {
			return errors.Wrapf(err, "failed to read path of image %d", i)
		}
		img.Name = name
		f.Images = append(f.Images, img)
	}
	return nil
}

// Mapping returns the mapping that contains addr.
func (f *File) Mapping(addr uint64) (*CacheMapping, error) {
	i := sort.Search(len(f.byAddr), func(i int) bool {
		return f.byAddr[i].Address+f.byAddr[i].Size > addr
	})
	if i < len(f.byAddr) && f.byAddr[i].Contains(addr) {
		return f.byAddr[i], nil
	}
	return nil, &FormatError{int64(addr), "address not within any mappings address range", fmt.Sprintf("%#x", addr)}
}

// GetOffset returns the file offset for a given virtual address
func (f *File) GetOffset(addr uint64) (uint64, error) {
	m, err := f.Mapping(addr)
	if err != nil {
		return 0, err
	}
	return addr - m.Address + m.FileOffset, nil
}

// GetVMAddress returns a virtual address from a file offset
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, m := range f.Mappings {
		if m.ContainsOffset(offset) {
			return offset - m.FileOffset + m.Address, nil
		}
	}
	return 0, &FormatError{int64(offset), "offset not within any mappings file offset range", fmt.Sprintf("%#x", offset)}
}

// IsMapped reports whether addr falls in any mapping.
func (f *File) IsMapped(addr uint64) bool {
	_, err := f.Mapping(addr)
	return err == nil
}

// ReadAt reads from the underlying cache file.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off)
}

// ReadAtAddr reads len(p) bytes at virtual address addr. The range must not cross a mapping.
func (f *File) ReadAtAddr(p []byte, addr uint64) (int, error) {
	m, err := f.Mapping(addr)
	if err != nil {
		return 0, err
	}
	if addr+uint64(len(p)) > m.Address+m.Size {
		return 0, &FormatError{int64(addr), "read crosses end of mapping", fmt.Sprintf("%#x+%#x", addr, len(p))}
	}
	return f.r.ReadAt(p, int64(addr-m.Address+m.FileOffset))
}

// ReadPointerAtAddr reads the pointer stored at addr, decoding it through the slide info
// of the mapping that holds addr.
func (f *File) ReadPointerAtAddr(addr uint64) (uint64, error) {
	m, err := f.Mapping(addr)
	if err != nil {
		return 0, err
	}
	size := f.PointerSize()
	dat := make([]byte, size)
	if _, err := f.ReadAtAddr(dat, addr); err != nil {
		return 0, err
	}
	var raw uint64
	if size == 4 {
		raw = uint64(f.ByteOrder.Uint32(dat))
	} else {
		raw = f.ByteOrder.Uint64(dat)
	}
	if m.SlideInfo != nil {
		return m.SlideInfo.Decode(raw), nil
	}
	return raw, nil
}

// PointerSize returns the width in bytes of a pointer stored in the cache.
func (f *File) PointerSize() int {
	if f.Arch() == "arm64_32" || f.SlideInfo != nil && f.SlideInfo.PointerSize() == 4 {
		return 4
	}
	return 8
}

// SlidMappings returns the mappings that carry slide info, in mapping table order.
func (f *File) SlidMappings() []*CacheMapping {
	var out []*CacheMapping
	for _, m := range f.Mappings {
		if m.SlideInfo != nil {
			out = append(out, m)
		}
	}
	return out
}

// StringAt returns the NUL terminated string at file offset off.
func (f *File) StringAt(off uint64) (string, error) {
	if s, ok := f.strings.Get(off); ok {
		return s, nil
	}
	var out []byte
	buf := make([]byte, 256)
	for cur := off; ; cur += uint64(len(buf)) {
		n, err := f.r.ReadAt(buf, int64(cur))
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			out = append(out, buf[:i]...)
			break
		}
		out = append(out, buf[:n]...)
		if err != nil {
			return "", errors.Wrapf(err, "unterminated string at offset %#x", off)
		}
	}
	s := string(out)
	f.strings.Add(off, s)
	return s, nil
}

// StringAtAddr returns the NUL terminated string at virtual address addr.
func (f *File) StringAtAddr(addr uint64) (string, error) {
	off, err := f.GetOffset(addr)
	if err != nil {
		return "", err
	}
	return f.StringAt(off)
}

// Image returns the image whose path matches name, or whose path ends in /name.
func (f *File) Image(name string) (*CacheImage, error) {
	for _, img := range f.Images {
		if strings.EqualFold(img.Name, name) {
			return img, nil
		}
	}
	for _, img := range f.Images {
		if strings.HasSuffix(strings.ToLower(img.Name), "/"+strings.ToLower(name)) {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image %s not found in cache", name)
}

// ImagesMatching returns every image whose path contains term, ignoring case, in directory order.
func (f *File) ImagesMatching(term string) []*CacheImage {
	term = strings.ToLower(term)
	var out []*CacheImage
	for _, img := range f.Images {
		if strings.Contains(strings.ToLower(img.Name), term) {
			out = append(out, img)
		}
	}
	return out
}
