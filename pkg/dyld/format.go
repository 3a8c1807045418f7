package dyld

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

func (dch CacheHeader) String() string {
	return fmt.Sprintf(
		"Magic               = %s\n"+
			"MappingOffset       = %08X\n"+
			"MappingCount        = %d\n"+
			"ImagesOffset        = %08X\n"+
			"ImagesCount         = %d\n"+
			"DyldBaseAddress     = %08X\n"+
			"CodeSignatureOffset = %08X\n"+
			"CodeSignatureSize   = %08X\n"+
			"SlideInfoOffset     = %08X\n"+
			"SlideInfoSize       = %08X\n"+
			"LocalSymbolsOffset  = %08X\n"+
			"LocalSymbolsSize    = %08X\n"+
			"UUID                = %s\n",
		bytes.Trim(dch.Magic[:], "\x00"),
		dch.MappingOffset,
		dch.MappingCount,
		dch.ImagesOffset,
		dch.ImagesCount,
		dch.DyldBaseAddress,
		dch.CodeSignatureOffset,
		dch.CodeSignatureSize,
		dch.SlideInfoOffset,
		dch.SlideInfoSize,
		dch.LocalSymbolsOffset,
		dch.LocalSymbolsSize,
		uuid.UUID(dch.UUID).String(),
	)
}

func (m CacheMapping) String() string {
	return fmt.Sprintf("%-10s %s/%s addr=%#x-%#x off=%#x-%#x (%s)",
		m.Name,
		m.InitProt,
		m.MaxProt,
		m.Address,
		m.Address+m.Size,
		m.FileOffset,
		m.FileOffset+m.Size,
		humanize.Bytes(m.Size),
	)
}

func (i CacheImage) String() string {
	return fmt.Sprintf("%4d: %#x %s", i.Index+1, i.Address, i.Name)
}

func (s *SlideInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Version  = %d\n", s.Version)
	fmt.Fprintf(&sb, "PageSize = %s\n", humanize.Bytes(s.PageSize()))
	fmt.Fprintf(&sb, "Pages    = %d\n", s.PageCount())
	switch s.Version {
	case SlideV1:
		fmt.Fprintf(&sb, "Bitmaps  = %d\n", s.V1.EntriesCount)
	case SlideV2:
		fmt.Fprintf(&sb, "DeltaMask = %#016x\nValueAdd  = %#x\n", s.V2.DeltaMask, s.V2.ValueAdd)
	case SlideV3:
		fmt.Fprintf(&sb, "AuthValueAdd = %#x\n", s.V3.AuthValueAdd)
	case SlideV4:
		fmt.Fprintf(&sb, "DeltaMask = %#08x\nValueAdd  = %#x\n", s.V4.DeltaMask, s.V4.ValueAdd)
	}
	return sb.String()
}
