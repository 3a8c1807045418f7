package dyld

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

type imageRange struct {
	start, end uint64
	image      *CacheImage
	segment    string
}

// LinkeditAddr translates a linkedit file offset recorded in m's load commands into a
// virtual address, the same way dyld locates linkedit content.
func LinkeditAddr(m *macho.File, off uint64) (uint64, error) {
	le := m.Segment("__LINKEDIT")
	if le == nil {
		return 0, errors.New("image has no __LINKEDIT segment")
	}
	return le.Addr - le.Offset + off, nil
}

// ReadLinkedit reads size bytes of m's linkedit data at file offset off from the cache.
func (f *File) ReadLinkedit(m *macho.File, off, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	addr, err := LinkeditAddr(m, uint64(off))
	if err != nil {
		return nil, err
	}
	dat := make([]byte, size)
	if _, err := f.ReadAtAddr(dat, addr); err != nil {
		return nil, errors.Wrapf(err, "failed to read linkedit data at offset %#x", off)
	}
	return dat, nil
}

// ImageHeaders parses the header and load commands of img.
func (f *File) ImageHeaders(img *CacheImage) (*macho.File, error) {
	return macho.NewHeadersFromCache(f, img.Address)
}

func (f *File) computeRanges() {
	for _, img := range f.Images {
		m, err := f.ImageHeaders(img)
		if err != nil {
			log.WithError(err).Warnf("failed to parse load commands of %s", img.Name)
			continue
		}
		for _, seg := range m.Segments() {
			if seg.SegName() == "__LINKEDIT" || seg.Memsz == 0 {
				continue
			}
			f.ranges = append(f.ranges, imageRange{
				start:   seg.Addr,
				end:     seg.Addr + seg.Memsz,
				image:   img,
				segment: seg.SegName(),
			})
		}
	}
	sort.Slice(f.ranges, func(i, j int) bool { return f.ranges[i].start < f.ranges[j].start })
}

// ImageForAddr returns the image whose segments contain addr, or nil if addr lies outside
// every image (e.g. in cache-wide optimization regions).
func (f *File) ImageForAddr(addr uint64) *CacheImage {
	f.rangesOnce.Do(f.computeRanges)
	i := sort.Search(len(f.ranges), func(i int) bool { return f.ranges[i].end > addr })
	if i < len(f.ranges) && f.ranges[i].start <= addr {
		return f.ranges[i].image
	}
	return nil
}

// Exports returns the address to name map of img's export trie.
func (f *File) Exports(img *CacheImage) (map[uint64]string, error) {
	if exps, ok := f.exports.Get(img.Index); ok {
		return exps, nil
	}

	m, err := f.ImageHeaders(img)
	if err != nil {
		return nil, err
	}

	var trie []byte
	if di, _, err := m.DyldInfo(); err != nil {
		return nil, err
	} else if di != nil && di.ExportSize > 0 {
		if trie, err = f.ReadLinkedit(m, di.ExportOff, di.ExportSize); err != nil {
			return nil, err
		}
	} else if led, _, err := m.LinkeditData(types.LC_DYLD_EXPORTS_TRIE); err != nil {
		return nil, err
	} else if led != nil && led.Size > 0 {
		if trie, err = f.ReadLinkedit(m, led.Offset, led.Size); err != nil {
			return nil, err
		}
	}

	entries, err := ParseTrie(trie, img.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse export trie of %s", img.Name)
	}
	exps := make(map[uint64]string, len(entries))
	for _, e := range entries {
		if e.Flags.ReExport() || e.Flags.Absolute() {
			continue
		}
		if _, dup := exps[e.Address]; !dup {
			exps[e.Address] = e.Name
		}
	}
	f.exports.Add(img.Index, exps)
	return exps, nil
}

// SymbolForAddr looks addr up in the cache's global symbol namespace and returns the
// image exporting it and the symbol name.
func (f *File) SymbolForAddr(addr uint64) (*CacheImage, string, bool) {
	img := f.ImageForAddr(addr)
	if img == nil {
		return nil, "", false
	}
	exps, err := f.Exports(img)
	if err != nil {
		log.WithError(err).Debugf("failed to read exports of %s", img.Name)
		return img, "", false
	}
	name, ok := exps[addr]
	return img, name, ok
}

// LocalSymbols returns the local symbols the cache builder stripped out of img, if the
// cache carries them.
func (f *File) LocalSymbols(img *CacheImage) ([]macho.Symbol, error) {
	if f.LocalSymbolsOffset == 0 || f.LocalSymbolsSize == 0 {
		return nil, nil
	}
	base := int64(f.LocalSymbolsOffset)

	var info CacheLocalSymbolsInfo
	hdr := make([]byte, binary.Size(info))
	if _, err := f.r.ReadAt(hdr, base); err != nil {
		return nil, errors.Wrap(err, "failed to read local symbols info")
	}
	if err := binary.Read(bytes.NewReader(hdr), f.ByteOrder, &info); err != nil {
		return nil, errors.Wrap(err, "failed to parse local symbols info")
	}

	dylibOffset, err := f.GetOffset(img.Address)
	if err != nil {
		return nil, err
	}

	entries := make([]CacheLocalSymbolsEntry, info.EntriesCount)
	dat := make([]byte, binary.Size(entries))
	if _, err := f.r.ReadAt(dat, base+int64(info.EntriesOffset)); err != nil {
		return nil, errors.Wrap(err, "failed to read local symbols entries")
	}
	if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse local symbols entries")
	}

	for _, e := range entries {
		if uint64(e.DylibOffset) != dylibOffset {
			continue
		}
		if e.NlistStartIndex+e.NlistCount > info.NlistCount {
			return nil, &FormatError{base + int64(info.EntriesOffset), "local symbols entry out of range", img.Name}
		}
		nl := make([]macho.Nlist64, e.NlistCount)
		dat := make([]byte, binary.Size(nl))
		if _, err := f.r.ReadAt(dat, base+int64(info.NlistOffset)+int64(e.NlistStartIndex)*16); err != nil {
			return nil, errors.Wrap(err, "failed to read local nlists")
		}
		if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, nl); err != nil {
			return nil, errors.Wrap(err, "failed to parse local nlists")
		}
		syms := make([]macho.Symbol, 0, len(nl))
		for _, n := range nl {
			if n.Name >= info.StringsSize {
				return nil, &FormatError{base + int64(info.StringsOffset), "local symbol name out of range", n.Name}
			}
			name, err := f.StringAt(uint64(base) + uint64(info.StringsOffset) + uint64(n.Name))
			if err != nil {
				return nil, err
			}
			syms = append(syms, macho.Symbol{Name: name, Entry: n})
		}
		return syms, nil
	}
	return nil, nil
}
