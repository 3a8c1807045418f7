package extract

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/blacktop/dyldex/internal/buffer"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const redactedSymbol = "<redacted>"

// A blob is one contiguous piece of the rebuilt linkedit. apply records the blob's final
// file offset and size in the load command that references it.
type blob struct {
	name  string
	data  []byte
	apply func(off, size uint32)
}

// linkedit is the image's private linkedit content, kept structured until layout so
// later stages can grow individual blobs.
type linkedit struct {
	blobs []*blob

	symtab   *types.SymtabCmd
	symtabLC *macho.LoadCommand
	dysymtab *types.DysymtabCmd
	dysymLC  *macho.LoadCommand
	dyldInfo *types.DyldInfoCmd
	dyldLC   *macho.LoadCommand
	dataCmds map[types.LoadCmd]*types.LinkEditDataCmd
	dataLCs  map[types.LoadCmd]*macho.LoadCommand
	bindB    *blob
	lazyB    *blob

	// Symbols and Indirect are the rebuilt symbol table and indirect symbol table.
	Symbols  []macho.Symbol
	Indirect []uint32
}

// linkeditDataOrder is the order linkedit_data_command payloads are laid out in.
var linkeditDataOrder = []types.LoadCmd{
	types.LC_DYLD_CHAINED_FIXUPS,
	types.LC_DYLD_EXPORTS_TRIE,
	types.LC_FUNCTION_STARTS,
	types.LC_DATA_IN_CODE,
	types.LC_SEGMENT_SPLIT_INFO,
	types.LC_DYLIB_CODE_SIGN_DRS,
	types.LC_LINKER_OPTIMIZATION_HINT,
}

// rebuildLinkedit copies the image's slice of the cache's shared linkedit into a private,
// contiguous __LINKEDIT.
func rebuildLinkedit(c *Context) error {
	m := c.Mach
	if m.Segment("__LINKEDIT") == nil {
		return invariantf("image %s has no __LINKEDIT segment", c.Image.Name)
	}

	le := &linkedit{
		dataCmds: make(map[types.LoadCmd]*types.LinkEditDataCmd),
		dataLCs:  make(map[types.LoadCmd]*macho.LoadCommand),
	}
	c.linkedit = le

	if n := m.RemoveLoadCommands(types.LC_CODE_SIGNATURE); n > 0 {
		c.log.Debug("Removed cache code signature")
	}

	c.status("Copying dyld info")
	if err := le.readDyldInfo(c); err != nil {
		return err
	}
	c.status("Copying linkedit data")
	for _, cmd := range linkeditDataOrder {
		if err := le.readLinkeditData(c, cmd); err != nil {
			return err
		}
	}
	c.status("Rebuilding symbol table")
	if err := le.rebuildSymbols(c); err != nil {
		return err
	}

	if err := le.collectBound(c); err != nil {
		return err
	}

	c.status("Packing linkedit")
	return le.pack(c)
}

func (le *linkedit) readDyldInfo(c *Context) error {
	di, l, err := c.Mach.DyldInfo()
	if err != nil {
		return asFormatError("invalid dyld info", err)
	}
	le.dyldInfo, le.dyldLC = di, l

	read := func(off, size uint32) ([]byte, error) {
		if di == nil || size == 0 {
			return nil, nil
		}
		return c.Cache.ReadLinkedit(c.Mach, off, size)
	}

	var rebase, bind, weak, lazy, export []byte
	if di != nil {
		if rebase, err = read(di.RebaseOff, di.RebaseSize); err != nil {
			return errors.Wrap(err, "failed to read rebase info")
		}
		if bind, err = read(di.BindOff, di.BindSize); err != nil {
			return errors.Wrap(err, "failed to read bind info")
		}
		if weak, err = read(di.WeakBindOff, di.WeakBindSize); err != nil {
			return errors.Wrap(err, "failed to read weak bind info")
		}
		if lazy, err = read(di.LazyBindOff, di.LazyBindSize); err != nil {
			return errors.Wrap(err, "failed to read lazy bind info")
		}
		if export, err = read(di.ExportOff, di.ExportSize); err != nil {
			return errors.Wrap(err, "failed to read export info")
		}
	}

	le.add("rebase", rebase, func(off, size uint32) {
		if le.dyldInfo != nil {
			le.dyldInfo.RebaseOff, le.dyldInfo.RebaseSize = off, size
		}
	})
	le.bindB = le.add("bind", bind, func(off, size uint32) {
		if le.dyldInfo != nil {
			le.dyldInfo.BindOff, le.dyldInfo.BindSize = off, size
		}
	})
	le.add("weak bind", weak, func(off, size uint32) {
		if le.dyldInfo != nil {
			le.dyldInfo.WeakBindOff, le.dyldInfo.WeakBindSize = off, size
		}
	})
	le.lazyB = le.add("lazy bind", lazy, func(off, size uint32) {
		if le.dyldInfo != nil {
			le.dyldInfo.LazyBindOff, le.dyldInfo.LazyBindSize = off, size
		}
	})
	le.add("export", export, func(off, size uint32) {
		if le.dyldInfo != nil {
			le.dyldInfo.ExportOff, le.dyldInfo.ExportSize = off, size
		}
	})
	return nil
}

func (le *linkedit) readLinkeditData(c *Context, cmd types.LoadCmd) error {
	led, l, err := c.Mach.LinkeditData(cmd)
	if err != nil {
		return asFormatError("invalid linkedit data command", err)
	}
	if led == nil {
		return nil
	}
	dat, err := c.Cache.ReadLinkedit(c.Mach, led.Offset, led.Size)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", cmd)
	}
	le.dataCmds[cmd] = led
	le.dataLCs[cmd] = l
	le.add(cmd.String(), dat, func(off, size uint32) {
		led.Offset, led.Size = off, size
	})
	return nil
}

func (le *linkedit) add(name string, data []byte, apply func(off, size uint32)) *blob {
	b := &blob{name: name, data: data, apply: apply}
	le.blobs = append(le.blobs, b)
	return b
}

func (c *Context) readSymbols(st *types.SymtabCmd) ([]macho.Symbol, error) {
	dat, err := c.Cache.ReadLinkedit(c.Mach, st.Symoff, st.Nsyms*16)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbol table")
	}
	entries := make([]macho.Nlist64, st.Nsyms)
	if err := binary.Read(bytes.NewReader(dat), c.Mach.ByteOrder, entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode symbol table")
	}
	strs, err := dyld.LinkeditAddr(c.Mach, uint64(st.Stroff))
	if err != nil {
		return nil, err
	}
	syms := make([]macho.Symbol, 0, len(entries))
	for i, e := range entries {
		if e.Name >= st.Strsize {
			return nil, &FormatError{Msg: "symbol name outside of string table", Err: errors.Errorf("symbol %d name offset %#x", i, e.Name)}
		}
		name, err := c.Cache.StringAtAddr(strs + uint64(e.Name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read name of symbol %d", i)
		}
		syms = append(syms, macho.Symbol{Name: name, Entry: e})
	}
	return syms, nil
}

func (le *linkedit) rebuildSymbols(c *Context) error {
	st, stLC, err := c.Mach.Symtab()
	if err != nil {
		return asFormatError("invalid symbol table", err)
	}
	dst, dstLC, err := c.Mach.Dysymtab()
	if err != nil {
		return asFormatError("invalid dynamic symbol table", err)
	}
	le.symtab, le.symtabLC = st, stLC
	le.dysymtab, le.dysymLC = dst, dstLC

	syms, err := c.readSymbols(st)
	if err != nil {
		return err
	}
	part := func(start, count uint32) ([]macho.Symbol, error) {
		if uint64(start)+uint64(count) > uint64(len(syms)) {
			return nil, &FormatError{Msg: "dynamic symbol table range outside of symbol table", Err: errors.Errorf("%d+%d > %d", start, count, len(syms))}
		}
		return syms[start : start+count], nil
	}

	newIndex := make(map[uint32]uint32)
	var out []macho.Symbol

	// locals
	cached, err := c.Cache.LocalSymbols(c.Image)
	if err != nil {
		c.warn(errors.Wrap(err, "failed to read local symbols, keeping the image's own"))
		cached = nil
	}
	if len(cached) > 0 {
		out = append(out, cached...)
		c.log.Debugf("Restored %d local symbols", len(cached))
	} else {
		locals, err := part(dst.Ilocalsym, dst.Nlocalsym)
		if err != nil {
			return err
		}
		for i, s := range locals {
			if s.Name == redactedSymbol {
				continue
			}
			newIndex[dst.Ilocalsym+uint32(i)] = uint32(len(out))
			out = append(out, s)
		}
	}
	nlocal := uint32(len(out))

	extdefs, err := part(dst.Iextdefsym, dst.Nextdefsym)
	if err != nil {
		return err
	}
	for i, s := range extdefs {
		newIndex[dst.Iextdefsym+uint32(i)] = uint32(len(out))
		out = append(out, s)
	}
	undefs, err := part(dst.Iundefsym, dst.Nundefsym)
	if err != nil {
		return err
	}
	for i, s := range undefs {
		newIndex[dst.Iundefsym+uint32(i)] = uint32(len(out))
		out = append(out, s)
	}

	// string table
	strs := []byte{0}
	strIndex := map[string]uint32{"": 0}
	nlists := make([]macho.Nlist64, len(out))
	for i, s := range out {
		idx, ok := strIndex[s.Name]
		if !ok {
			idx = uint32(len(strs))
			strs = append(append(strs, s.Name...), 0)
			strIndex[s.Name] = idx
		}
		nlists[i] = s.Entry
		nlists[i].Name = idx
	}
	for len(strs)%8 != 0 {
		strs = append(strs, 0)
	}
	var nlBuf bytes.Buffer
	if err := binary.Write(&nlBuf, c.Mach.ByteOrder, nlists); err != nil {
		return errors.Wrap(err, "failed to encode symbol table")
	}

	indirect, err := le.rebuildIndirect(c, dst, newIndex)
	if err != nil {
		return err
	}
	indBuf := make([]byte, 4*len(indirect))
	for i, v := range indirect {
		c.Mach.ByteOrder.PutUint32(indBuf[i*4:], v)
	}

	le.Symbols = out
	le.Indirect = indirect

	dst.Ilocalsym, dst.Nlocalsym = 0, nlocal
	dst.Iextdefsym, dst.Nextdefsym = nlocal, uint32(len(extdefs))
	dst.Iundefsym, dst.Nundefsym = nlocal+uint32(len(extdefs)), uint32(len(undefs))
	dst.Tocoffset, dst.Ntoc = 0, 0
	dst.Modtaboff, dst.Nmodtab = 0, 0
	dst.Extrefsymoff, dst.Nextrefsyms = 0, 0
	dst.Extreloff, dst.Nextrel = 0, 0
	dst.Locreloff, dst.Nlocrel = 0, 0

	le.add("symbols", nlBuf.Bytes(), func(off, _ uint32) {
		st.Symoff = off
		st.Nsyms = uint32(len(le.Symbols))
	})
	le.add("indirect symbols", indBuf, func(off, size uint32) {
		dst.Indirectsymoff = off
		dst.Nindirectsyms = size / 4
	})
	le.add("strings", strs, func(off, size uint32) {
		st.Stroff, st.Strsize = off, size
	})
	return nil
}

// indirectCount returns how many indirect symbol table entries sect consumes in an image
// with ptrSize byte pointers.
func indirectCount(sect *macho.Section, ptrSize uint64) uint64 {
	switch {
	case sect.Flags.IsSymbolStubs():
		if sect.Reserve2 == 0 {
			return 0
		}
		return sect.Size / uint64(sect.Reserve2)
	case sect.Flags.IsSymbolPointers():
		return sect.Size / ptrSize
	}
	return 0
}

// rebuildIndirect compacts the indirect symbol table to the entries the image's sections
// use and renumbers every section's reserved1 index in one pass.
func (le *linkedit) rebuildIndirect(c *Context, dst *types.DysymtabCmd, newIndex map[uint32]uint32) ([]uint32, error) {
	var old []uint32
	if dst.Nindirectsyms > 0 {
		dat, err := c.Cache.ReadLinkedit(c.Mach, dst.Indirectsymoff, dst.Nindirectsyms*4)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read indirect symbol table")
		}
		old = make([]uint32, dst.Nindirectsyms)
		for i := range old {
			old[i] = c.Mach.ByteOrder.Uint32(dat[i*4:])
		}
	}

	ptrSize := c.Mach.PointerSize()
	var sects []*macho.Section
	for _, sect := range c.Mach.Sections() {
		if indirectCount(sect, ptrSize) > 0 {
			sects = append(sects, sect)
		}
	}
	sort.SliceStable(sects, func(i, j int) bool { return sects[i].Reserve1 < sects[j].Reserve1 })

	var out []uint32
	moved := make(map[uint32]uint32)
	for _, sect := range sects {
		start := sect.Reserve1
		if n, ok := moved[start]; ok {
			sect.Reserve1 = n
			continue
		}
		count := indirectCount(sect, ptrSize)
		if uint64(start)+count > uint64(len(old)) {
			return nil, &FormatError{Msg: "section indirect symbols outside of indirect symbol table",
				Err: errors.Errorf("%s.%s uses %d+%d of %d", sect.SegName(), sect.SectName(), start, count, len(old))}
		}
		moved[start] = uint32(len(out))
		sect.Reserve1 = uint32(len(out))
		for _, idx := range old[start : uint64(start)+count] {
			if idx&(macho.INDIRECT_SYMBOL_LOCAL|macho.INDIRECT_SYMBOL_ABS) != 0 {
				out = append(out, idx)
				continue
			}
			if n, ok := newIndex[idx]; ok {
				out = append(out, n)
			} else {
				out = append(out, macho.INDIRECT_SYMBOL_LOCAL)
			}
		}
	}
	return out, nil
}

// collectBound records every slot an existing bind or lazy bind already covers.
func (le *linkedit) collectBound(c *Context) error {
	segs := c.Mach.Segments()
	record := func(data []byte, lazy bool) error {
		if len(data) == 0 {
			return nil
		}
		entries, err := macho.ParseBinds(data, lazy)
		if err != nil {
			return asFormatError("invalid bind opcodes", err)
		}
		for _, e := range entries {
			if e.SegIndex < len(segs) {
				c.bound[segs[e.SegIndex].Addr+e.SegOffset] = true
			}
		}
		return nil
	}
	if err := record(le.bindB.data, false); err != nil {
		return err
	}
	return record(le.lazyB.data, true)
}

// addBinds appends bind opcodes for entries to the image's bind info.
func (c *Context) addBinds(entries []macho.BindEntry) error {
	if len(entries) == 0 {
		return nil
	}
	le := c.linkedit
	if le.dyldInfo == nil {
		di, l, err := c.Mach.AddDyldInfo()
		if err != nil {
			return err
		}
		le.dyldInfo, le.dyldLC = di, l
	}
	segs := c.Mach.Segments()
	for _, e := range entries {
		c.bound[segs[e.SegIndex].Addr+e.SegOffset] = true
	}
	binds, err := macho.TrimBinds(le.bindB.data)
	if err != nil {
		return asFormatError("invalid bind opcodes", err)
	}
	le.bindB.data = append(binds, macho.EncodeBinds(entries)...)
	return le.pack(c)
}

// pack lays the blobs out at the current __LINKEDIT file offset, updates every load
// command that references them and resizes __LINKEDIT to fit.
func (le *linkedit) pack(c *Context) error {
	seg := c.Mach.Segment("__LINKEDIT")
	if seg == nil {
		return invariantf("image %s has no __LINKEDIT segment", c.Image.Name)
	}
	if seg.Offset+le.size() > 1<<32 {
		return invariantf("linkedit at %#x does not fit 32-bit file offsets", seg.Offset)
	}

	var buf buffer.Buffer
	for _, b := range le.blobs {
		var off uint32
		if len(b.data) > 0 {
			off = uint32(seg.Offset + buf.Append(b.data, 8))
		}
		b.apply(off, uint32(len(b.data)))
	}
	buf.Align(8)

	if err := le.symtabLC.Encode(le.symtab); err != nil {
		return err
	}
	if err := le.dysymLC.Encode(le.dysymtab); err != nil {
		return err
	}
	if le.dyldInfo != nil {
		if err := le.dyldLC.Encode(le.dyldInfo); err != nil {
			return err
		}
	}
	for cmd, led := range le.dataCmds {
		if err := le.dataLCs[cmd].Encode(led); err != nil {
			return err
		}
	}

	seg.Data = buf.Bytes()
	seg.Loaded = true
	return c.Mach.ResizeSegment("__LINKEDIT", uint64(buf.Len()))
}

// size is an upper bound of the packed size.
func (le *linkedit) size() uint64 {
	var n uint64
	for _, b := range le.blobs {
		n += uint64(len(b.data)) + 8
	}
	return n
}
