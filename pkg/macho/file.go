// Package macho implements a mutable model of a 64-bit Mach-O image, either carved out
// of a dyld shared cache or parsed from a standalone file.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const fileHeaderSize64 = 8 * 4

// Segment protections.
const (
	ProtRead    types.VmProtection = 1
	ProtWrite   types.VmProtection = 2
	ProtExecute types.VmProtection = 4
)

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
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

// AddrReader reads bytes at a virtual address.
type AddrReader interface {
	ReadAtAddr(p []byte, addr uint64) (int, error)
}

// A Segment is a 64-bit segment and its private content.
type Segment struct {
	types.Segment64
	Sections []*Section
	// Data holds Filesz bytes of segment content once Loaded is set.
	Data   []byte
	Loaded bool
}

func (s *Segment) SegName() string { return cstring(s.Name[:]) }

// Contains reports whether addr lies within the segment's virtual range.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Memsz
}

// End returns the first file offset past the segment.
func (s *Segment) End() uint64 { return s.Offset + s.Filesz }

func (s *Segment) String() string {
	return fmt.Sprintf("%-16s addr=%#x-%#x off=%#x-%#x %s/%s", s.SegName(), s.Addr, s.Addr+s.Memsz, s.Offset, s.End(), s.Prot, s.Maxprot)
}

// NewSegment returns an empty, loaded segment with one section of the same protection.
func NewSegment(name string, prot types.VmProtection, sections ...string) *Segment {
	seg := &Segment{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Name:    name16(name),
			Maxprot: prot,
			Prot:    prot,
		},
		Loaded: true,
	}
	for _, sect := range sections {
		seg.Sections = append(seg.Sections, &Section{
			Section64: Section64{Name: name16(sect), Seg: name16(name), Align: 3},
			seg:       seg,
		})
	}
	return seg
}

// A LoadCommand is one entry of the image's ordered load command list.
// Segment commands are re-serialized from Segment; every other command is kept as Raw bytes.
type LoadCommand struct {
	Cmd     types.LoadCmd
	Raw     []byte
	Segment *Segment

	bo binary.ByteOrder
}

// Decode reads the fixed-size prefix of the command into v.
func (l *LoadCommand) Decode(v any) error {
	return binary.Read(bytes.NewReader(l.Raw), l.bo, v)
}

// Encode overwrites the fixed-size prefix of the command with v, keeping any trailing payload.
func (l *LoadCommand) Encode(v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, l.bo, v); err != nil {
		return errors.Wrapf(err, "failed to encode %s", l.Cmd)
	}
	if buf.Len() > len(l.Raw) {
		return errors.Errorf("encoded %s (%d bytes) exceeds command size %d", l.Cmd, buf.Len(), len(l.Raw))
	}
	copy(l.Raw, buf.Bytes())
	return nil
}

// A File is a mutable Mach-O image.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []*LoadCommand

	dirty bool
}

// NewFileFromCache carves the image whose header is at base out of a shared cache.
// Every segment except __LINKEDIT is copied into a private buffer, __LINKEDIT is left
// unloaded since the cache's linkedit region is shared by every image.
func NewFileFromCache(r AddrReader, base uint64) (*File, error) {
	f, err := NewHeadersFromCache(r, base)
	if err != nil {
		return nil, err
	}

	for _, seg := range f.Segments() {
		if seg.SegName() == "__LINKEDIT" || seg.Filesz == 0 {
			continue
		}
		seg.Data = make([]byte, seg.Filesz)
		if _, err := r.ReadAtAddr(seg.Data, seg.Addr); err != nil {
			return nil, errors.Wrapf(err, "failed to read segment %s", seg.SegName())
		}
		seg.Loaded = true
	}

	return f, nil
}

// NewHeadersFromCache parses only the header and load commands of the image at base.
func NewHeadersFromCache(r AddrReader, base uint64) (*File, error) {
	f := &File{ByteOrder: binary.LittleEndian}

	hdr := make([]byte, fileHeaderSize64)
	if _, err := r.ReadAtAddr(hdr, base); err != nil {
		return nil, errors.Wrapf(err, "failed to read mach-o header at %#x", base)
	}
	if err := f.parseHeader(hdr); err != nil {
		return nil, err
	}
	cmds := make([]byte, f.SizeCommands)
	if _, err := r.ReadAtAddr(cmds, base+fileHeaderSize64); err != nil {
		return nil, errors.Wrapf(err, "failed to read load commands at %#x", base+fileHeaderSize64)
	}
	if err := f.parseCommands(cmds); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFile parses a standalone Mach-O image held in data.
func NewFile(data []byte) (*File, error) {
	f := &File{ByteOrder: binary.LittleEndian}
	if len(data) < fileHeaderSize64 {
		return nil, &FormatError{0, "file too small for a mach-o header", len(data)}
	}
	if err := f.parseHeader(data[:fileHeaderSize64]); err != nil {
		return nil, err
	}
	end := uint64(fileHeaderSize64) + uint64(f.SizeCommands)
	if end > uint64(len(data)) {
		return nil, &FormatError{fileHeaderSize64, "load commands extend past end of file", f.SizeCommands}
	}
	if err := f.parseCommands(data[fileHeaderSize64:end]); err != nil {
		return nil, err
	}
	for _, seg := range f.Segments() {
		if seg.End() > uint64(len(data)) {
			return nil, &FormatError{int64(seg.Offset), "segment extends past end of file", seg.SegName()}
		}
		seg.Data = append([]byte(nil), data[seg.Offset:seg.End()]...)
		seg.Loaded = true
	}
	return f, nil
}

func (f *File) parseHeader(hdr []byte) error {
	if err := binary.Read(bytes.NewReader(hdr), f.ByteOrder, &f.FileHeader); err != nil {
		return errors.Wrap(err, "failed to read mach-o header")
	}
	if f.Magic != types.Magic64 {
		return &FormatError{0, "invalid magic number", f.Magic}
	}
	return nil
}

func (f *File) parseCommands(dat []byte) error {
	off := 0
	for i := uint32(0); i < f.NCommands; i++ {
		if off+8 > len(dat) {
			return &FormatError{int64(fileHeaderSize64 + off), "command block too small", i}
		}
		cmd := types.LoadCmd(f.ByteOrder.Uint32(dat[off:]))
		siz := int(f.ByteOrder.Uint32(dat[off+4:]))
		if siz < 8 || off+siz > len(dat) {
			return &FormatError{int64(fileHeaderSize64 + off), "invalid command block size", siz}
		}
		l := &LoadCommand{Cmd: cmd, Raw: append([]byte(nil), dat[off:off+siz]...), bo: f.ByteOrder}

		if cmd == types.LC_SEGMENT_64 {
			seg := new(Segment)
			r := bytes.NewReader(l.Raw)
			if err := binary.Read(r, f.ByteOrder, &seg.Segment64); err != nil {
				return errors.Wrapf(err, "failed to read segment command %d", i)
			}
			for j := uint32(0); j < seg.Nsect; j++ {
				sect := &Section{seg: seg}
				if err := binary.Read(r, f.ByteOrder, &sect.Section64); err != nil {
					return errors.Wrapf(err, "failed to read section %d of segment %s", j, seg.SegName())
				}
				seg.Sections = append(seg.Sections, sect)
			}
			l.Segment = seg
		}

		f.Loads = append(f.Loads, l)
		off += siz
	}
	return nil
}

// Segments returns the segments in load command order.
func (f *File) Segments() []*Segment {
	var segs []*Segment
	for _, l := range f.Loads {
		if l.Segment != nil {
			segs = append(segs, l.Segment)
		}
	}
	return segs
}

// Segment returns the first segment with the given name or nil.
func (f *File) Segment(name string) *Segment {
	for _, seg := range f.Segments() {
		if seg.SegName() == name {
			return seg
		}
	}
	return nil
}

// SegmentIndex returns the index of seg as used by bind and rebase opcodes.
func (f *File) SegmentIndex(seg *Segment) int {
	for i, s := range f.Segments() {
		if s == seg {
			return i
		}
	}
	return -1
}

// Section returns the named section or nil.
func (f *File) Section(segment, section string) *Section {
	for _, seg := range f.Segments() {
		if seg.SegName() != segment {
			continue
		}
		for _, sect := range seg.Sections {
			if sect.SectName() == section {
				return sect
			}
		}
	}
	return nil
}

// Sections returns every section in load command order.
func (f *File) Sections() []*Section {
	var sects []*Section
	for _, seg := range f.Segments() {
		sects = append(sects, seg.Sections...)
	}
	return sects
}

// SectionsNamed returns every section called name regardless of its segment.
func (f *File) SectionsNamed(name string) []*Section {
	var sects []*Section
	for _, sect := range f.Sections() {
		if sect.SectName() == name {
			sects = append(sects, sect)
		}
	}
	return sects
}

// SegmentForAddr returns the segment whose virtual range contains addr or nil.
func (f *File) SegmentForAddr(addr uint64) *Segment {
	for _, seg := range f.Segments() {
		if seg.Contains(addr) {
			return seg
		}
	}
	return nil
}

// Contains reports whether addr lies inside one of the image's own segments.
func (f *File) Contains(addr uint64) bool {
	return f.SegmentForAddr(addr) != nil
}

// PageSize returns the segment alignment for the image's CPU.
func (f *File) PageSize() uint64 {
	if f.CPU == types.CPUArm64 {
		return 0x4000
	}
	return 0x1000
}

// PointerSize returns the width in bytes of a pointer slot in the image.
func (f *File) PointerSize() uint64 {
	if f.CPU == types.CPUArm6432 || f.Magic == types.Magic32 {
		return 4
	}
	return 8
}

// Dirty reports whether segment sizes or load commands changed since the last layout.
func (f *File) Dirty() bool { return f.dirty }

// MarkClean is called once offsets have been recomputed.
func (f *File) MarkClean() { f.dirty = false }

func (f *File) locate(addr uint64, size int) ([]byte, error) {
	seg := f.SegmentForAddr(addr)
	if seg == nil {
		return nil, errors.Errorf("address %#x is not within any segment", addr)
	}
	if !seg.Loaded {
		return nil, errors.Errorf("segment %s content is not loaded", seg.SegName())
	}
	off := addr - seg.Addr
	if off+uint64(size) > uint64(len(seg.Data)) {
		return nil, errors.Errorf("address %#x (size %d) is past the file content of segment %s", addr, size, seg.SegName())
	}
	return seg.Data[off : off+uint64(size)], nil
}

// ReadAtAddr implements AddrReader over the image's private segment buffers.
func (f *File) ReadAtAddr(p []byte, addr uint64) (int, error) {
	b, err := f.locate(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAtAddr overwrites image content at addr.
func (f *File) WriteAtAddr(p []byte, addr uint64) error {
	b, err := f.locate(addr, len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (f *File) Uint32At(addr uint64) (uint32, error) {
	b, err := f.locate(addr, 4)
	if err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint32(b), nil
}

func (f *File) PutUint32At(addr uint64, v uint32) error {
	b, err := f.locate(addr, 4)
	if err != nil {
		return err
	}
	f.ByteOrder.PutUint32(b, v)
	return nil
}

func (f *File) Uint64At(addr uint64) (uint64, error) {
	b, err := f.locate(addr, 8)
	if err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint64(b), nil
}

func (f *File) PutUint64At(addr uint64, v uint64) error {
	b, err := f.locate(addr, 8)
	if err != nil {
		return err
	}
	f.ByteOrder.PutUint64(b, v)
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// ResizeSegment sets the file size of the named segment to size, rounds its virtual size
// up to the page size and shifts every following segment's virtual address by the delta.
func (f *File) ResizeSegment(name string, size uint64) error {
	segs := f.Segments()
	idx := -1
	for i, seg := range segs {
		if seg.SegName() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("segment %s not found", name)
	}
	seg := segs[idx]
	memsz := alignUp(size, f.PageSize())
	delta := int64(memsz) - int64(seg.Memsz)
	seg.Filesz = size
	seg.Memsz = memsz
	if seg.Loaded && uint64(len(seg.Data)) != size {
		data := make([]byte, size)
		copy(data, seg.Data)
		seg.Data = data
	}
	for _, next := range segs[idx+1:] {
		next.shift(delta)
	}
	f.dirty = true
	return nil
}

func (s *Segment) shift(delta int64) {
	s.Addr = uint64(int64(s.Addr) + delta)
	for _, sect := range s.Sections {
		sect.Addr = uint64(int64(sect.Addr) + delta)
	}
}

// InsertSegmentBefore inserts seg in front of the named segment. seg takes over the
// named segment's virtual address and the named segment and its successors move up
// by seg's virtual size.
func (f *File) InsertSegmentBefore(name string, seg *Segment) error {
	at := -1
	for i, l := range f.Loads {
		if l.Segment != nil && l.Segment.SegName() == name {
			at = i
			break
		}
	}
	if at < 0 {
		return errors.Errorf("segment %s not found", name)
	}
	next := f.Loads[at].Segment
	seg.shift(int64(next.Addr) - int64(seg.Addr))
	seg.Memsz = alignUp(seg.Memsz, f.PageSize())

	found := false
	for _, s := range f.Segments() {
		if s == next {
			found = true
		}
		if found {
			s.shift(int64(seg.Memsz))
		}
	}

	l := &LoadCommand{Cmd: types.LC_SEGMENT_64, Segment: seg, bo: f.ByteOrder}
	f.Loads = append(f.Loads[:at], append([]*LoadCommand{l}, f.Loads[at:]...)...)
	f.dirty = true
	return nil
}

// AddLoadCommand appends a raw load command.
func (f *File) AddLoadCommand(cmd types.LoadCmd, raw []byte) *LoadCommand {
	l := &LoadCommand{Cmd: cmd, Raw: raw, bo: f.ByteOrder}
	f.Loads = append(f.Loads, l)
	f.dirty = true
	return l
}

// RemoveLoadCommands drops every command of the given type and returns how many were removed.
func (f *File) RemoveLoadCommands(cmd types.LoadCmd) int {
	var kept []*LoadCommand
	for _, l := range f.Loads {
		if l.Cmd != cmd {
			kept = append(kept, l)
		}
	}
	n := len(f.Loads) - len(kept)
	if n > 0 {
		f.Loads = kept
		f.dirty = true
	}
	return n
}

// LoadCommand returns the first command of the given type or nil.
func (f *File) LoadCommand(cmds ...types.LoadCmd) *LoadCommand {
	for _, l := range f.Loads {
		for _, c := range cmds {
			if l.Cmd == c {
				return l
			}
		}
	}
	return nil
}

func (s *Segment) encode(bo binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	hdr := s.Segment64
	hdr.LoadCmd = types.LC_SEGMENT_64
	hdr.Nsect = uint32(len(s.Sections))
	hdr.Len = uint32(72 + sectionHeaderSize64*len(s.Sections))
	if err := binary.Write(&buf, bo, hdr); err != nil {
		return nil, errors.Wrapf(err, "failed to encode segment %s", s.SegName())
	}
	for _, sect := range s.Sections {
		if err := binary.Write(&buf, bo, sect.Section64); err != nil {
			return nil, errors.Wrapf(err, "failed to encode section %s", sect.SectName())
		}
	}
	return buf.Bytes(), nil
}

// Commands serializes the header followed by every load command.
func (f *File) Commands() ([]byte, error) {
	var cmds bytes.Buffer
	for _, l := range f.Loads {
		if l.Segment != nil {
			raw, err := l.Segment.encode(f.ByteOrder)
			if err != nil {
				return nil, err
			}
			l.Raw = raw
		}
		cmds.Write(l.Raw)
	}
	f.NCommands = uint32(len(f.Loads))
	f.SizeCommands = uint32(cmds.Len())

	out := make([]byte, fileHeaderSize64, fileHeaderSize64+cmds.Len())
	f.FileHeader.Put(out, f.ByteOrder)
	return append(out, cmds.Bytes()...), nil
}

// CommandsSize returns the size of the header plus all load commands as they would be serialized.
func (f *File) CommandsSize() uint64 {
	size := uint64(fileHeaderSize64)
	for _, l := range f.Loads {
		if l.Segment != nil {
			size += uint64(72 + sectionHeaderSize64*len(l.Segment.Sections))
		} else {
			size += uint64(len(l.Raw))
		}
	}
	return size
}

// Write returns the image as a contiguous file image. Segment file offsets must already
// be final, the header and load commands are written over the start of the first segment.
func (f *File) Write() ([]byte, error) {
	var size uint64
	for _, seg := range f.Segments() {
		if seg.Filesz == 0 {
			continue
		}
		if !seg.Loaded {
			return nil, errors.Errorf("segment %s content is not loaded", seg.SegName())
		}
		if seg.End() > size {
			size = seg.End()
		}
	}
	out := make([]byte, size)
	for _, seg := range f.Segments() {
		if seg.Filesz == 0 {
			continue
		}
		copy(out[seg.Offset:seg.End()], seg.Data)
	}
	cmds, err := f.Commands()
	if err != nil {
		return nil, err
	}
	if uint64(len(cmds)) > size {
		return nil, errors.Errorf("load commands (%d bytes) do not fit in the image", len(cmds))
	}
	copy(out, cmds)
	return out, nil
}
