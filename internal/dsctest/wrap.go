package dsctest

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/pkg/errors"
)

// Wrap returns a cache holding the standalone image in data as its only image. Every
// segment gets its own mapping at the segment's address and there is no slide info.
func Wrap(data []byte, path string, arch string) ([]byte, error) {
	m, err := macho.NewFile(data)
	if err != nil {
		return nil, err
	}
	text := m.Segment("__TEXT")
	if text == nil {
		return nil, errors.New("image has no __TEXT segment")
	}

	var segs []*macho.Segment
	for _, seg := range m.Segments() {
		if seg.Filesz > 0 {
			segs = append(segs, seg)
		}
	}

	hdr := dyld.CacheHeader{
		MappingOffset: dyld.CacheHeaderSize,
		MappingCount:  uint32(len(segs)),
		ImagesOffset:  dyld.CacheHeaderSize + uint32(32*len(segs)),
		ImagesCount:   1,
	}
	copy(hdr.Magic[:], magicFor(arch))

	var head bytes.Buffer
	binary.Write(&head, binary.LittleEndian, hdr)
	for _, seg := range segs {
		binary.Write(&head, binary.LittleEndian, dyld.CacheMappingInfo{
			Address:    seg.Addr,
			Size:       seg.Filesz,
			FileOffset: PageSize + seg.Offset,
			MaxProt:    seg.Maxprot,
			InitProt:   seg.Prot,
		})
	}
	binary.Write(&head, binary.LittleEndian, dyld.CacheImageInfo{
		Address:        text.Addr,
		PathFileOffset: uint32(head.Len() + 32),
	})
	head.WriteString(path)
	head.WriteByte(0)
	if uint64(head.Len()) > PageSize {
		return nil, errors.Errorf("cache header (%d bytes) does not fit in the header page", head.Len())
	}

	out := make([]byte, PageSize+uint64(len(data)))
	copy(out, head.Bytes())
	copy(out[PageSize:], data)
	return out, nil
}
