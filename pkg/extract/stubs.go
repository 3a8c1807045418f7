package extract

import (
	"fmt"

	"github.com/blacktop/dyldex/internal/arm64"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// maxStubChain bounds how many stubs and branch islands are followed to reach a target.
const maxStubChain = 4

type stubInfo struct {
	addr   uint64
	size   int
	symIdx uint32
	name   string
}

type stubRebuilder struct {
	c    *Context
	libs []string

	stubs      []stubInfo
	stubByName map[string]uint64

	lazyBySym  map[uint32]uint64
	gotBySym   map[uint32]uint64
	slotByName map[string]uint64
	slotSym    map[uint64]uint32

	binds   []macho.BindEntry
	pending map[uint64]bool
}

// rebuildStubs restores ordinary lazy binding stubs and binds for every reference the
// cache builder resolved into another image.
func rebuildStubs(c *Context) error {
	if c.Mach.CPU != types.CPUArm64 {
		c.log.Warnf("Stub restoration is not supported for %s images", c.Mach.CPU)
		return nil
	}
	r := &stubRebuilder{
		c:          c,
		libs:       c.Mach.ImportedLibraries(),
		stubByName: make(map[string]uint64),
		lazyBySym:  make(map[uint32]uint64),
		gotBySym:   make(map[uint32]uint64),
		slotByName: make(map[string]uint64),
		slotSym:    make(map[uint64]uint32),
		pending:    make(map[uint64]bool),
	}
	r.index()

	c.status("Fixing stubs")
	if err := r.fixStubs(); err != nil {
		return err
	}
	c.status("Fixing symbol pointers")
	if err := r.fixPointers(); err != nil {
		return err
	}
	c.status("Fixing call sites")
	if err := r.fixCallSites(); err != nil {
		return err
	}
	if len(r.binds) > 0 {
		c.log.Debugf("Adding %d binds", len(r.binds))
	}
	return c.addBinds(r.binds)
}

func (r *stubRebuilder) symbol(idx uint32) (macho.Symbol, bool) {
	le := r.c.linkedit
	if idx&(macho.INDIRECT_SYMBOL_LOCAL|macho.INDIRECT_SYMBOL_ABS) != 0 || int(idx) >= len(le.Symbols) {
		return macho.Symbol{}, false
	}
	return le.Symbols[idx], true
}

func (r *stubRebuilder) index() {
	le := r.c.linkedit
	ptrSize := r.c.Mach.PointerSize()
	for _, sect := range r.c.Mach.Sections() {
		n := indirectCount(sect, ptrSize)
		if n == 0 {
			continue
		}
		for i := uint64(0); i < n; i++ {
			j := uint64(sect.Reserve1) + i
			if j >= uint64(len(le.Indirect)) {
				break
			}
			idx := le.Indirect[j]
			sym, ok := r.symbol(idx)
			switch {
			case sect.Flags.IsSymbolStubs():
				st := stubInfo{addr: sect.Addr + i*uint64(sect.Reserve2), size: int(sect.Reserve2), symIdx: idx}
				if ok {
					st.name = sym.Name
					if _, dup := r.stubByName[sym.Name]; !dup {
						r.stubByName[sym.Name] = st.addr
					}
				}
				r.stubs = append(r.stubs, st)
			case sect.Flags.IsSymbolPointers():
				addr := sect.Addr + i*ptrSize
				r.slotSym[addr] = idx
				if !ok {
					continue
				}
				if sect.Flags.IsLazySymbolPointers() {
					if _, dup := r.lazyBySym[idx]; !dup {
						r.lazyBySym[idx] = addr
					}
				} else if _, dup := r.gotBySym[idx]; !dup {
					r.gotBySym[idx] = addr
				}
				if _, dup := r.slotByName[sym.Name]; !dup {
					r.slotByName[sym.Name] = addr
				}
			}
		}
	}
}

// slotFor returns the symbol pointer a stub for symIdx/name should load through.
func (r *stubRebuilder) slotFor(symIdx uint32, name string) uint64 {
	if _, ok := r.symbol(symIdx); ok {
		if slot, ok := r.lazyBySym[symIdx]; ok {
			return slot
		}
		if slot, ok := r.gotBySym[symIdx]; ok {
			return slot
		}
	}
	return r.slotByName[name]
}

// resolve names target from the cache's global namespace, following stubs and branch
// islands in other images.
func (r *stubRebuilder) resolve(target uint64) (string, *dyld.CacheImage, bool) {
	code := make([]byte, 16)
	for depth := 0; depth <= maxStubChain; depth++ {
		if img, name, ok := r.c.Cache.SymbolForAddr(target); ok {
			return name, img, true
		}
		if _, err := r.c.Cache.ReadAtAddr(code, target); err != nil {
			if _, err := r.c.Cache.ReadAtAddr(code[:12], target); err != nil {
				return "", nil, false
			}
			clear(code[12:])
		}
		s := arm64.DecodeStub(code, target)
		switch {
		case s.Kind == arm64.StubUnknown:
			return "", nil, false
		case s.Kind.Indirect():
			ptr, err := r.c.Cache.ReadPointerAtAddr(s.Target)
			if err != nil {
				return "", nil, false
			}
			target = ptr
		default:
			target = s.Target
		}
	}
	return "", nil, false
}

func (r *stubRebuilder) ordinal(symIdx uint32, name string, img *dyld.CacheImage) int {
	if sym, ok := r.symbol(symIdx); ok && sym.Name == name && sym.Entry.IsUndefined() {
		switch ord := sym.Entry.LibraryOrdinal(); {
		case ord == macho.DYNAMIC_LOOKUP_ORDINAL:
			return macho.BIND_SPECIAL_DYLIB_FLAT_LOOKUP
		case ord == macho.EXECUTABLE_ORDINAL:
			return macho.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE
		case ord > 0 && ord <= len(r.libs):
			return ord
		}
	}
	return libraryOrdinal(r.libs, img)
}

// bind zeroes slot and queues a bind of name to it.
func (r *stubRebuilder) bind(slot uint64, symIdx uint32, name string, img *dyld.CacheImage) error {
	if err := r.c.Mach.PutUint64At(slot, 0); err != nil {
		return err
	}
	if r.c.bound[slot] || r.pending[slot] {
		return nil
	}
	seg := r.c.Mach.SegmentForAddr(slot)
	r.binds = append(r.binds, macho.BindEntry{
		SegIndex:  r.c.Mach.SegmentIndex(seg),
		SegOffset: slot - seg.Addr,
		Ordinal:   r.ordinal(symIdx, name, img),
		Name:      name,
		Type:      macho.BIND_TYPE_POINTER,
	})
	r.pending[slot] = true
	return nil
}

func (r *stubRebuilder) placeholder(st stubInfo, err error) error {
	r.c.warn(err)
	return r.c.Mach.WriteAtAddr(arm64.TrapStub(st.size), st.addr)
}

func (r *stubRebuilder) fixStubs() error {
	for _, st := range r.stubs {
		code := make([]byte, st.size)
		if _, err := r.c.Mach.ReadAtAddr(code, st.addr); err != nil {
			return errors.Wrapf(err, "failed to read stub at %#x", st.addr)
		}
		s := arm64.DecodeStub(code, st.addr)

		var target uint64
		switch {
		case s.Kind == arm64.StubUnknown:
			r.c.log.Debugf("Unrecognized stub at %#x", st.addr)
			continue
		case s.Kind.Indirect():
			if r.c.owns(s.Target) {
				continue
			}
			ptr, err := r.c.Cache.ReadPointerAtAddr(s.Target)
			if err != nil {
				if err := r.placeholder(st, &SymbolResolutionError{Addr: s.Target, Slot: st.addr, Msg: err.Error()}); err != nil {
					return err
				}
				continue
			}
			target = ptr
		default:
			target = s.Target
		}
		if r.c.owns(target) {
			continue
		}

		name, img, ok := r.resolve(target)
		if !ok {
			name = st.name
		}
		if name == "" {
			if err := r.placeholder(st, &SymbolResolutionError{Addr: target, Slot: st.addr}); err != nil {
				return err
			}
			continue
		}
		slot := r.slotFor(st.symIdx, name)
		if slot == 0 {
			if err := r.placeholder(st, &SymbolResolutionError{Addr: target, Slot: st.addr, Msg: fmt.Sprintf("no symbol pointer for %s", name)}); err != nil {
				return err
			}
			continue
		}
		canonical, err := arm64.EncodeLoadStub(st.addr, slot, st.size)
		if err != nil {
			if err := r.placeholder(st, &SymbolResolutionError{Addr: target, Slot: st.addr, Msg: err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := r.c.Mach.WriteAtAddr(canonical, st.addr); err != nil {
			return err
		}
		if err := r.bind(slot, st.symIdx, name, img); err != nil {
			return err
		}
	}
	return nil
}

func (r *stubRebuilder) fixPointers() error {
	for _, sect := range r.c.Mach.Sections() {
		if !sect.Flags.IsSymbolPointers() {
			continue
		}
		for addr := sect.Addr; addr+8 <= sect.Addr+sect.Size; addr += 8 {
			v, err := r.c.Mach.Uint64At(addr)
			if err != nil {
				return errors.Wrapf(err, "failed to read symbol pointer in %s.%s", sect.SegName(), sect.SectName())
			}
			if v == 0 || r.c.owns(v) {
				continue
			}
			symIdx, hasIdx := r.slotSym[addr]
			name, img, ok := r.resolve(v)
			if !ok && hasIdx {
				if sym, found := r.symbol(symIdx); found {
					name = sym.Name
				}
			}
			if name == "" {
				r.c.warn(&SymbolResolutionError{Addr: v, Slot: addr})
				continue
			}
			if !hasIdx {
				symIdx = macho.INDIRECT_SYMBOL_LOCAL
			}
			if err := r.bind(addr, symIdx, name, img); err != nil {
				return err
			}
		}
	}
	return nil
}

// fixCallSites points direct calls into other images back at the image's own stubs.
func (r *stubRebuilder) fixCallSites() error {
	for _, sect := range r.c.Mach.Sections() {
		if !sect.Flags.IsPureInstructions() || sect.Flags.IsSymbolStubs() {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return err
		}
		bo := r.c.Mach.ByteOrder
		for off := 0; off+4 <= len(data); off += 4 {
			pc := sect.Addr + uint64(off)
			target, link, ok := arm64.DecodeBranch(bo.Uint32(data[off:]), pc)
			if !ok || r.c.owns(target) {
				continue
			}
			name, _, ok := r.resolve(target)
			if !ok {
				r.c.warn(&SymbolResolutionError{Addr: target, Slot: pc, Msg: "branch target has no symbol"})
				continue
			}
			stub, ok := r.stubByName[name]
			if !ok {
				r.c.warn(&SymbolResolutionError{Addr: target, Slot: pc, Msg: fmt.Sprintf("no stub for %s", name)})
				continue
			}
			ins, err := arm64.EncodeBranch(pc, stub, link)
			if err != nil {
				r.c.warn(&SymbolResolutionError{Addr: target, Slot: pc, Msg: err.Error()})
				continue
			}
			bo.PutUint32(data[off:], ins)
		}
	}
	return nil
}
