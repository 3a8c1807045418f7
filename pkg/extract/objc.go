package extract

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/blacktop/dyldex/internal/buffer"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types/objc"
	"github.com/pkg/errors"
)

const (
	extraObjCSegment = "__EXTRA_OBJC"
	extraObjCSection = "__objc_extra"

	classSymbolPrefix     = "_OBJC_CLASS_$_"
	metaclassSymbolPrefix = "_OBJC_METACLASS_$_"

	// set on relative method lists whose name offsets point at selector strings
	directSelectorsFlag uint32 = 0x40000000
)

type nodeKind int

const (
	nodeClass nodeKind = iota
	nodeClassRO
	nodeCategory
	nodeProtocol
	nodeProtocolList
	nodeMethodList
	nodePropertyList
	nodeIvarList
	nodeIvarOffset
	nodeSelRef
	nodeCString
	nodeStringArray
)

func (k nodeKind) String() string {
	return [...]string{
		"class", "class_ro", "category", "protocol", "protocol list", "method list",
		"property list", "ivar list", "ivar offset", "selector ref", "string", "string array",
	}[k]
}

func (k nodeKind) align() int {
	switch k {
	case nodeCString:
		return 1
	case nodeIvarOffset:
		return 4
	}
	return 8
}

// refMode selects how a pointer field is followed.
type refMode int

const (
	refCopy     refMode = iota // copy the target when foreign
	refClass                   // bind exported foreign classes, copy the rest
	refData                    // class_ro pointer carrying flag bits
	refExternal                // bind when exported, clear otherwise
	refCode                    // leave as is
)

type field struct {
	off   uint64
	kind  nodeKind
	mode  refMode
	count int
}

type relField struct {
	off  uint64 // offset of the int32 within the node
	kind nodeKind
	code bool
	sel  bool // points at a selector string and must point at a selector ref instead
}

// A node is one metadata structure reachable from the image's metadata sections.
// Foreign nodes are copied to addr, local ones stay where they are.
type node struct {
	kind  nodeKind
	orig  uint64
	addr  uint64
	local bool
	count int
}

type objcBind struct {
	slot uint64
	name string
	img  *dyld.CacheImage
}

// objcSource reads node content either from the image or from the cache.
type objcSource interface {
	ptr(addr uint64) (uint64, error)
	u32(addr uint64) (uint32, error)
}

type imageSource struct{ m *macho.File }

func (s imageSource) ptr(addr uint64) (uint64, error) { return s.m.Uint64At(addr) }
func (s imageSource) u32(addr uint64) (uint32, error) { return s.m.Uint32At(addr) }

type cacheSource struct{ f *dyld.File }

func (s cacheSource) ptr(addr uint64) (uint64, error) { return s.f.ReadPointerAtAddr(addr) }
func (s cacheSource) u32(addr uint64) (uint32, error) {
	var b [4]byte
	if _, err := s.f.ReadAtAddr(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

type objcFixer struct {
	c *Context

	nodes []node
	index map[uint64]int

	extra buffer.Buffer
	base  uint64

	// selector string address to the selector ref that names it
	selRefs map[uint64]uint64

	binds []objcBind
}

var objcRoots = []struct {
	sect string
	kind nodeKind
	mode refMode
}{
	{"__objc_classlist", nodeClass, refCopy},
	{"__objc_nlclslist", nodeClass, refCopy},
	{"__objc_catlist", nodeCategory, refCopy},
	{"__objc_catlist2", nodeCategory, refCopy},
	{"__objc_nlcatlist", nodeCategory, refCopy},
	{"__objc_protolist", nodeProtocol, refCopy},
	{"__objc_protorefs", nodeProtocol, refCopy},
	{"__objc_selrefs", nodeCString, refCopy},
	{"__objc_classrefs", nodeClass, refClass},
	{"__objc_superrefs", nodeClass, refClass},
}

// fixObjC gives the image private copies of every metadata node it references from
// other images.
func fixObjC(c *Context) error {
	if len(c.Mach.SectionsNamed("__objc_imageinfo")) == 0 {
		c.log.Debug("Image has no objc metadata")
		return nil
	}
	le := c.Mach.Segment("__LINKEDIT")
	if le == nil {
		return invariantf("image %s has no __LINKEDIT segment", c.Image.Name)
	}
	o := &objcFixer{
		c:       c,
		index:   make(map[uint64]int),
		base:    le.Addr,
		selRefs: make(map[uint64]uint64),
	}
	if err := o.indexSelRefs(); err != nil {
		return err
	}

	for _, root := range objcRoots {
		for _, sect := range c.Mach.SectionsNamed(root.sect) {
			c.status(fmt.Sprintf("Fixing %s", root.sect))
			for slot := sect.Addr; slot+8 <= sect.Addr+sect.Size; slot += 8 {
				v, err := c.Mach.Uint64At(slot)
				if err != nil {
					return errors.Wrapf(err, "failed to read %s entry", root.sect)
				}
				nv, err := o.resolve(slot, field{kind: root.kind, mode: root.mode}, v)
				if err != nil {
					return err
				}
				if nv != v {
					if err := c.Mach.PutUint64At(slot, nv); err != nil {
						return err
					}
				}
			}
		}
	}

	if err := o.clearImageInfo(); err != nil {
		return err
	}
	if err := o.emit(); err != nil {
		return err
	}
	return o.bindAll()
}

func (o *objcFixer) clearImageInfo() error {
	for _, sect := range o.c.Mach.SectionsNamed("__objc_imageinfo") {
		if sect.Size < 8 {
			continue
		}
		flags, err := o.c.Mach.Uint32At(sect.Addr + 4)
		if err != nil {
			return err
		}
		if objc.ImageInfoFlag(flags).OptimizedByDyld() {
			if err := o.c.Mach.PutUint32At(sect.Addr+4, flags&^uint32(objc.OptimizedByDyld)); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit adds the copied nodes to the image as their own segment in front of __LINKEDIT.
func (o *objcFixer) emit() error {
	if o.extra.Len() == 0 {
		return nil
	}
	o.extra.Align(8)
	size := uint64(o.extra.Len())
	o.c.log.Debugf("Copied %d foreign objc nodes (%d bytes)", o.copied(), size)

	seg := macho.NewSegment(extraObjCSegment, macho.ProtRead|macho.ProtWrite, extraObjCSection)
	seg.Addr = o.base
	seg.Filesz = size
	seg.Memsz = size
	seg.Data = o.extra.Bytes()
	seg.Sections[0].Addr = o.base
	seg.Sections[0].Size = size
	return o.c.Mach.InsertSegmentBefore("__LINKEDIT", seg)
}

func (o *objcFixer) copied() int {
	var n int
	for _, nd := range o.nodes {
		if !nd.local {
			n++
		}
	}
	return n
}

func (o *objcFixer) bindAll() error {
	if len(o.binds) == 0 {
		return nil
	}
	libs := o.c.Mach.ImportedLibraries()
	var entries []macho.BindEntry
	for _, b := range o.binds {
		seg := o.c.Mach.SegmentForAddr(b.slot)
		if seg == nil {
			return invariantf("objc bind slot %#x is outside the image", b.slot)
		}
		if o.c.bound[b.slot] {
			continue
		}
		entries = append(entries, macho.BindEntry{
			SegIndex:  o.c.Mach.SegmentIndex(seg),
			SegOffset: b.slot - seg.Addr,
			Ordinal:   libraryOrdinal(libs, b.img),
			Name:      b.name,
			Type:      macho.BIND_TYPE_POINTER,
		})
	}
	return o.c.addBinds(entries)
}

// libraryOrdinal returns img's ordinal in libs, or flat lookup if it is not a dependency.
func libraryOrdinal(libs []string, img *dyld.CacheImage) int {
	if img != nil {
		for i, lib := range libs {
			if lib == img.Name {
				return i + 1
			}
		}
	}
	return macho.BIND_SPECIAL_DYLIB_FLAT_LOOKUP
}

func (o *objcFixer) source(n node) objcSource {
	if n.local {
		return imageSource{o.c.Mach}
	}
	return cacheSource{o.c.Cache}
}

// write stores v in field off of n.
func (o *objcFixer) write(n node, off uint64, v uint64, size int) error {
	if n.local {
		if size == 4 {
			return o.c.Mach.PutUint32At(n.addr+off, uint32(v))
		}
		return o.c.Mach.PutUint64At(n.addr+off, v)
	}
	at := int64(n.addr - o.base + off)
	if size == 4 {
		o.extra.PutUint32At(at, uint32(v))
	} else {
		o.extra.PutUint64At(at, v)
	}
	return nil
}

// visit returns the output address of the node at addr, copying it first if it is
// foreign. Nodes are registered before their fields are followed so cycles terminate.
func (o *objcFixer) visit(kind nodeKind, addr uint64, count int) (uint64, error) {
	if i, ok := o.index[addr]; ok {
		return o.nodes[i].addr, nil
	}
	n := node{kind: kind, orig: addr, local: o.c.owns(addr), count: count}
	if n.local {
		n.addr = addr
	} else {
		size, _, _, err := o.layout(n)
		if err != nil {
			return 0, err
		}
		data := make([]byte, size)
		if _, err := o.c.Cache.ReadAtAddr(data, addr); err != nil {
			return 0, errors.Wrapf(err, "failed to read %s at %#x", kind, addr)
		}
		n.addr = o.base + o.extra.Append(data, kind.align())
	}
	idx := len(o.nodes)
	o.nodes = append(o.nodes, n)
	o.index[addr] = idx
	return n.addr, o.fix(n)
}

func (o *objcFixer) fix(n node) error {
	_, fields, rels, err := o.layout(n)
	if err != nil {
		return err
	}
	src := o.source(n)
	for _, f := range fields {
		v, err := src.ptr(n.orig + f.off)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s field at %#x", n.kind, n.orig+f.off)
		}
		nv, err := o.resolve(n.addr+f.off, f, v)
		if err != nil {
			return err
		}
		if nv != v || !n.local {
			if err := o.write(n, f.off, nv, 8); err != nil {
				return err
			}
		}
	}
	for _, r := range rels {
		raw, err := src.u32(n.orig + r.off)
		if err != nil {
			return errors.Wrapf(err, "failed to read relative offset at %#x", n.orig+r.off)
		}
		target := uint64(int64(n.orig+r.off) + int64(int32(raw)))
		nt := target
		switch {
		case r.code:
		case r.sel:
			nt, err = o.selectorRef(target)
		default:
			nt, err = o.visit(r.kind, target, 0)
		}
		if err != nil {
			return err
		}
		rel := int64(nt) - int64(n.addr+r.off)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			o.c.warn(&SymbolResolutionError{Addr: target, Slot: n.addr + r.off, Msg: "relative offset out of range"})
			rel = 0
		}
		if uint32(int32(rel)) != raw || !n.local {
			if err := o.write(n, r.off, uint64(uint32(int32(rel))), 4); err != nil {
				return err
			}
		}
	}
	if n.kind == nodeMethodList {
		return o.clearDirectSelectors(n)
	}
	return nil
}

// clearDirectSelectors drops the direct selectors flag from a relative method list once its
// name offsets point at selector refs. The runtime only accepts direct selectors in images
// inside the shared cache.
func (o *objcFixer) clearDirectSelectors(n node) error {
	hdr, err := readListHeader(o.source(n), n.orig)
	if err != nil {
		return err
	}
	ml := objc.MethodList{EntSizeAndFlags: hdr[0], Count: hdr[1]}
	if !ml.UsesRelativeOffsets() || !ml.UsesDirectOffsetsToSelectors() {
		return nil
	}
	return o.write(n, 0, uint64(hdr[0]&^directSelectorsFlag), 4)
}

// indexSelRefs records the image's own selector refs so direct selectors reuse them.
func (o *objcFixer) indexSelRefs() error {
	for _, sect := range o.c.Mach.SectionsNamed("__objc_selrefs") {
		for slot := sect.Addr; slot+8 <= sect.Addr+sect.Size; slot += 8 {
			v, err := o.c.Mach.Uint64At(slot)
			if err != nil {
				return errors.Wrap(err, "failed to read __objc_selrefs entry")
			}
			if _, dup := o.selRefs[v]; v != 0 && !dup {
				o.selRefs[v] = slot
			}
		}
	}
	return nil
}

// selectorRef returns a selector ref to the selector string at str, adding one to the
// copied metadata when the image has none.
func (o *objcFixer) selectorRef(str uint64) (uint64, error) {
	if ref, ok := o.selRefs[str]; ok {
		return ref, nil
	}
	name, err := o.visit(nodeCString, str, 0)
	if err != nil {
		return 0, err
	}
	off := o.extra.Append(make([]byte, 8), nodeSelRef.align())
	o.extra.PutUint64At(int64(off), name)
	ref := o.base + off
	o.nodes = append(o.nodes, node{kind: nodeSelRef, addr: ref})
	o.selRefs[str] = ref
	return ref, nil
}

// resolve returns the value a pointer field stored at slot (an output address) should hold.
func (o *objcFixer) resolve(slot uint64, f field, v uint64) (uint64, error) {
	if v == 0 {
		return 0, nil
	}
	switch f.mode {
	case refCode:
		return v, nil
	case refData:
		flags := v &^ objc.FAST_DATA_MASK64
		ro, err := o.visit(nodeClassRO, v&objc.FAST_DATA_MASK64, 0)
		return ro | flags, err
	case refExternal:
		if o.c.owns(v) {
			return v, nil
		}
		if img, name, ok := o.c.Cache.SymbolForAddr(v); ok {
			o.binds = append(o.binds, objcBind{slot: slot, name: name, img: img})
		}
		return 0, nil
	case refClass:
		if !o.c.owns(v) {
			if img, name, ok := o.c.Cache.SymbolForAddr(v); ok &&
				(strings.HasPrefix(name, classSymbolPrefix) || strings.HasPrefix(name, metaclassSymbolPrefix)) {
				o.binds = append(o.binds, objcBind{slot: slot, name: name, img: img})
				return 0, nil
			}
		}
	}
	if f.kind == nodeMethodList && v&1 != 0 {
		// preattached list of lists
		o.c.log.Debugf("Leaving method list array at %#x", v)
		return v, nil
	}
	return o.visit(f.kind, v, f.count)
}

// layout returns the size of n and where its pointer fields are.
func (o *objcFixer) layout(n node) (uint64, []field, []relField, error) {
	src := o.source(n)
	addr := n.orig
	switch n.kind {
	case nodeClass:
		return 40, []field{
			{off: 0, kind: nodeClass, mode: refClass},
			{off: 8, kind: nodeClass, mode: refClass},
			{off: 16, mode: refExternal},
			{off: 24, mode: refExternal},
			{off: 32, kind: nodeClassRO, mode: refData},
		}, nil, nil
	case nodeClassRO:
		return 72, []field{
			{off: 16, kind: nodeCString},
			{off: 24, kind: nodeCString},
			{off: 32, kind: nodeMethodList},
			{off: 40, kind: nodeProtocolList},
			{off: 48, kind: nodeIvarList},
			{off: 56, kind: nodeCString},
			{off: 64, kind: nodePropertyList},
		}, nil, nil
	case nodeCategory:
		return 48, []field{
			{off: 0, kind: nodeCString},
			{off: 8, kind: nodeClass, mode: refClass},
			{off: 16, kind: nodeMethodList},
			{off: 24, kind: nodeMethodList},
			{off: 32, kind: nodeProtocolList},
			{off: 40, kind: nodePropertyList},
		}, nil, nil
	case nodeProtocol:
		size, err := src.u32(addr + 64)
		if err != nil {
			return 0, nil, nil, err
		}
		if size < 72 {
			size = 72
		}
		if size > 96 {
			size = 96
		}
		fields := []field{
			{off: 0, kind: nodeClass, mode: refClass},
			{off: 8, kind: nodeCString},
			{off: 16, kind: nodeProtocolList},
			{off: 24, kind: nodeMethodList},
			{off: 32, kind: nodeMethodList},
			{off: 40, kind: nodeMethodList},
			{off: 48, kind: nodeMethodList},
			{off: 56, kind: nodePropertyList},
		}
		if size >= 80 {
			count, err := o.protocolMethodCount(src, addr)
			if err != nil {
				return 0, nil, nil, err
			}
			fields = append(fields, field{off: 72, kind: nodeStringArray, count: count})
		}
		if size >= 88 {
			fields = append(fields, field{off: 80, kind: nodeCString})
		}
		if size >= 96 {
			fields = append(fields, field{off: 88, kind: nodePropertyList})
		}
		return uint64(size), fields, nil, nil
	case nodeProtocolList:
		count, err := src.u32(addr)
		if err != nil {
			return 0, nil, nil, err
		}
		fields := make([]field, count)
		for i := range fields {
			fields[i] = field{off: 8 + 8*uint64(i), kind: nodeProtocol}
		}
		return 8 + 8*uint64(count), fields, nil, nil
	case nodeMethodList:
		ml, err := readListHeader(src, addr)
		if err != nil {
			return 0, nil, nil, err
		}
		hdr := objc.MethodList{EntSizeAndFlags: ml[0], Count: ml[1]}
		if hdr.UsesRelativeOffsets() {
			direct := hdr.UsesDirectOffsetsToSelectors()
			rels := make([]relField, 0, 3*hdr.Count)
			for i := uint64(0); i < uint64(hdr.Count); i++ {
				e := 8 + 12*i
				rels = append(rels,
					relField{off: e, kind: nodeSelRef, sel: direct},
					relField{off: e + 4, kind: nodeCString},
					relField{off: e + 8, code: true},
				)
			}
			return 8 + 12*uint64(hdr.Count), nil, rels, nil
		}
		entSize := uint64(hdr.EntSize())
		if entSize < 24 {
			entSize = 24
		}
		fields := make([]field, 0, 3*hdr.Count)
		for i := uint64(0); i < uint64(hdr.Count); i++ {
			e := 8 + entSize*i
			fields = append(fields,
				field{off: e, kind: nodeCString},
				field{off: e + 8, kind: nodeCString},
				field{off: e + 16, mode: refCode},
			)
		}
		return 8 + entSize*uint64(hdr.Count), fields, nil, nil
	case nodePropertyList:
		pl, err := readListHeader(src, addr)
		if err != nil {
			return 0, nil, nil, err
		}
		entSize, count := uint64(pl[0]), uint64(pl[1])
		if entSize < 16 {
			entSize = 16
		}
		fields := make([]field, 0, 2*count)
		for i := uint64(0); i < count; i++ {
			e := 8 + entSize*i
			fields = append(fields, field{off: e, kind: nodeCString}, field{off: e + 8, kind: nodeCString})
		}
		return 8 + entSize*count, fields, nil, nil
	case nodeIvarList:
		il, err := readListHeader(src, addr)
		if err != nil {
			return 0, nil, nil, err
		}
		entSize, count := uint64(il[0]), uint64(il[1])
		if entSize < 32 {
			entSize = 32
		}
		fields := make([]field, 0, 3*count)
		for i := uint64(0); i < count; i++ {
			e := 8 + entSize*i
			fields = append(fields,
				field{off: e, kind: nodeIvarOffset},
				field{off: e + 8, kind: nodeCString},
				field{off: e + 16, kind: nodeCString},
			)
		}
		return 8 + entSize*count, fields, nil, nil
	case nodeIvarOffset:
		return 4, nil, nil, nil
	case nodeSelRef:
		return 8, []field{{off: 0, kind: nodeCString}}, nil, nil
	case nodeCString:
		if n.local {
			return 0, nil, nil, nil
		}
		s, err := o.c.Cache.StringAtAddr(addr)
		if err != nil {
			return 0, nil, nil, err
		}
		return uint64(len(s)) + 1, nil, nil, nil
	case nodeStringArray:
		fields := make([]field, n.count)
		for i := range fields {
			fields[i] = field{off: 8 * uint64(i), kind: nodeCString}
		}
		return 8 * uint64(n.count), fields, nil, nil
	}
	panic(fmt.Sprintf("unhandled objc node kind %d", n.kind))
}

// readListHeader reads the entsize and count words that start every objc list.
func readListHeader(src objcSource, addr uint64) ([2]uint32, error) {
	var hdr [2]uint32
	var err error
	if hdr[0], err = src.u32(addr); err != nil {
		return hdr, err
	}
	if hdr[1], err = src.u32(addr + 4); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// protocolMethodCount sums the methods of a protocol's four method lists, which is the
// length of its extended method types array.
func (o *objcFixer) protocolMethodCount(src objcSource, addr uint64) (int, error) {
	var total int
	for _, off := range []uint64{24, 32, 40, 48} {
		ml, err := src.ptr(addr + off)
		if err != nil {
			return 0, err
		}
		if ml == 0 {
			continue
		}
		var lsrc objcSource = cacheSource{o.c.Cache}
		if o.c.owns(ml) {
			lsrc = imageSource{o.c.Mach}
		}
		hdr, err := readListHeader(lsrc, ml)
		if err != nil {
			return 0, err
		}
		total += int(hdr[1])
	}
	return total, nil
}
