package extract

import (
	"fmt"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/pkg/errors"
)

// rebase replaces every slide info encoded pointer in the image's writable segments with
// the literal address it encodes. Each segment is walked with the slide info of the
// mappings it overlaps.
func rebase(c *Context) error {
	slid := c.Cache.SlidMappings()
	if len(slid) == 0 {
		c.log.Debug("Cache has no slide info, nothing to rebase")
		return nil
	}

	var count int
	for _, seg := range c.Mach.Segments() {
		if !seg.Loaded || seg.Filesz == 0 {
			continue
		}
		for _, m := range slid {
			if seg.Addr >= m.Address+m.Size || seg.Addr+seg.Filesz <= m.Address {
				continue
			}
			c.status(fmt.Sprintf("Rebasing %s", seg.SegName()))
			n, err := rebaseSegment(c, m, seg)
			if err != nil {
				return err
			}
			c.log.Debugf("Rebased %d pointers in %s (%s slide info v%d)", n, seg.SegName(), m.Name, m.SlideInfo.Version)
			count += n
		}
	}
	c.log.Debugf("Rebased %d pointers", count)
	return nil
}

func rebaseSegment(c *Context, m *dyld.CacheMapping, seg *macho.Segment) (int, error) {
	si := m.SlideInfo
	pageSize := si.PageSize()
	ptrSize := uint64(si.PointerSize())

	start := max(seg.Addr, m.Address)
	end := min(seg.Addr+seg.Filesz, m.Address+m.Size)

	var count int
	page := make([]byte, pageSize)
	first := (start - m.Address) / pageSize
	last := (end - 1 - m.Address) / pageSize
	for i := first; i <= last; i++ {
		pageAddr := m.Address + i*pageSize
		n := pageSize
		if rem := m.Address + m.Size - pageAddr; rem < n {
			n = rem
		}
		if _, err := c.Cache.ReadAtAddr(page[:n], pageAddr); err != nil {
			return 0, errors.Wrapf(err, "failed to read slid page %d of %s", i, m.Name)
		}
		err := si.WalkPage(int(i), page[:n], func(r dyld.Rebase) error {
			slot := pageAddr + r.PageOffset
			if slot < start || slot+ptrSize > end {
				return nil
			}
			count++
			return c.rebaseSlot(si, slot, r.Target, ptrSize)
		})
		if err != nil {
			return 0, asFormatError(fmt.Sprintf("invalid rebase chain in page %d of %s", i, m.Name), err)
		}
	}
	return count, nil
}

func (c *Context) rebaseSlot(si *dyld.SlideInfo, slot, target, size uint64) error {
	switch {
	case target == 0:
	case si.Version == dyld.SlideV4:
		// 32-bit chains also carry small non-pointer integers
	case !c.Cache.IsMapped(target):
		c.warn(&AddressResolutionError{Addr: target, Slot: slot})
		if c.policy == SkipUnresolved {
			return nil
		}
		target = 0
	default:
		target += c.slide
	}
	if size == 4 {
		return c.Mach.PutUint32At(slot, uint32(target))
	}
	return c.Mach.PutUint64At(slot, target)
}
