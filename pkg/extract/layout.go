package extract

import (
	"github.com/blacktop/go-macho/types"
)

func alignPage(v, page uint64) uint64 {
	return (v + page - 1) &^ (page - 1)
}

// compactLayout assigns contiguous, page aligned file offsets to the image's segments in
// load command order and re-packs the linkedit at its new offset.
func compactLayout(c *Context) error {
	m := c.Mach
	segs := m.Segments()
	if len(segs) == 0 {
		return invariantf("image %s has no segments", c.Image.Name)
	}
	if last := segs[len(segs)-1]; last.SegName() != "__LINKEDIT" {
		return invariantf("__LINKEDIT is not the last segment (found %s)", last.SegName())
	}
	page := m.PageSize()

	var off uint64
	for i, seg := range segs {
		if seg.Filesz == 0 {
			seg.Offset = 0
			continue
		}
		if i > 0 {
			off = alignPage(off, page)
		}
		seg.Offset = off
		off += seg.Filesz
		for _, sect := range seg.Sections {
			if sect.Flags.IsZerofill() || sect.Size == 0 {
				sect.Offset = 0
				continue
			}
			sect.Offset = uint32(seg.Offset + sect.Addr - seg.Addr)
		}
	}

	if err := c.linkedit.pack(c); err != nil {
		return err
	}
	m.Flags &^= types.DylibInCache

	return validateLayout(c)
}

// validateLayout checks that the header fits in front of the first section and that no
// two segments overlap in memory or in the file.
func validateLayout(c *Context) error {
	m := c.Mach
	segs := m.Segments()

	text := m.Segment("__TEXT")
	if text == nil {
		return invariantf("image %s has no __TEXT segment", c.Image.Name)
	}
	if text.Offset != 0 {
		return invariantf("__TEXT starts at file offset %#x", text.Offset)
	}
	hdr := m.CommandsSize()
	for _, sect := range text.Sections {
		if sect.Size > 0 && uint64(sect.Offset) < hdr {
			return invariantf("load commands (%#x bytes) overlap %s.%s at %#x", hdr, sect.SegName(), sect.SectName(), sect.Offset)
		}
	}

	for i, a := range segs {
		for _, b := range segs[i+1:] {
			if a.Memsz > 0 && b.Memsz > 0 && a.Addr < b.Addr+b.Memsz && b.Addr < a.Addr+a.Memsz {
				return invariantf("segments %s and %s overlap in memory", a.SegName(), b.SegName())
			}
			if a.Filesz > 0 && b.Filesz > 0 && a.Offset < b.End() && b.Offset < a.End() {
				return invariantf("segments %s and %s overlap in the file", a.SegName(), b.SegName())
			}
		}
	}
	return nil
}
