package macho_test

import (
	"bytes"
	"testing"

	"github.com/blacktop/dyldex/internal/dsctest"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/blacktop/go-macho/types"
	"github.com/google/go-cmp/cmp"
)

const (
	libsysPath = "/usr/lib/libSystem.B.dylib"
	corePath   = "/System/Library/Frameworks/CoreFoundation.framework/CoreFoundation"
)

func openImage(t *testing.T) (*dsctest.Cache, *macho.File) {
	t.Helper()
	c := dsctest.New(dsctest.ARM64)
	c.Image(libsysPath).Func("_malloc")
	cf := c.Image(corePath, libsysPath)
	cf.Func("_CFRetain", "_malloc")
	cf.Section("__data").Label("CF:value").U64(0x1122334455667788)

	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}
	img, err := f.Image(corePath)
	if err != nil {
		t.Fatal(err)
	}
	m, err := macho.NewFileFromCache(f, img.Address)
	if err != nil {
		t.Fatal(err)
	}
	return c, m
}

func segmentNames(m *macho.File) []string {
	var names []string
	for _, seg := range m.Segments() {
		names = append(names, seg.SegName())
	}
	return names
}

func TestNewFileFromCache(t *testing.T) {
	c, m := openImage(t)

	if diff := cmp.Diff([]string{"__TEXT", "__DATA", "__LINKEDIT"}, segmentNames(m)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if le := m.Segment("__LINKEDIT"); le.Loaded {
		t.Error("shared __LINKEDIT should not be loaded")
	}
	if got := m.InstallName(); got != corePath {
		t.Errorf("InstallName() = %q, want %q", got, corePath)
	}
	if diff := cmp.Diff([]string{libsysPath}, m.ImportedLibraries()); diff != "" {
		t.Errorf("ImportedLibraries() mismatch (-want +got):\n%s", diff)
	}

	addr := c.Addr("CF:value")
	v, err := m.Uint64At(addr)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1122334455667788 {
		t.Errorf("Uint64At(%#x) = %#x", addr, v)
	}
	if err := m.PutUint32At(addr, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Uint64At(addr); v != 0x11223344deadbeef {
		t.Errorf("after PutUint32At: %#x", v)
	}
	if !m.Contains(addr) || m.Contains(0x1000) {
		t.Error("Contains() does not match the image's segments")
	}
	if _, err := m.Uint64At(0x1000); err == nil {
		t.Error("Uint64At() read outside of the image")
	}
	if _, err := m.Uint64At(m.Segment("__LINKEDIT").Addr); err == nil {
		t.Error("Uint64At() read an unloaded segment")
	}

	text := m.Section("__TEXT", "__text")
	if text == nil || m.SegmentForAddr(text.Addr) != m.Segment("__TEXT") {
		t.Fatal("__text is not inside __TEXT")
	}
	if got := m.SegmentIndex(m.Segment("__DATA")); got != 1 {
		t.Errorf("SegmentIndex(__DATA) = %d, want 1", got)
	}
}

func TestResizeSegment(t *testing.T) {
	_, m := openImage(t)
	data := m.Segment("__DATA")
	le := m.Segment("__LINKEDIT")
	leAddr, dataMemsz := le.Addr, data.Memsz

	if err := m.ResizeSegment("__DATA", data.Filesz+0x10); err != nil {
		t.Fatal(err)
	}
	if want := dataMemsz + m.PageSize(); data.Memsz != want {
		t.Errorf("__DATA vmsize = %#x, want %#x", data.Memsz, want)
	}
	if uint64(len(data.Data)) != data.Filesz {
		t.Errorf("__DATA content is %#x bytes, want %#x", len(data.Data), data.Filesz)
	}
	if want := leAddr + m.PageSize(); le.Addr != want {
		t.Errorf("__LINKEDIT moved to %#x, want %#x", le.Addr, want)
	}
	if !m.Dirty() {
		t.Error("resizing did not mark the file dirty")
	}
	if err := m.ResizeSegment("__NOPE", 0); err == nil {
		t.Error("ResizeSegment() accepted a missing segment")
	}
}

func TestInsertSegmentBefore(t *testing.T) {
	_, m := openImage(t)
	le := m.Segment("__LINKEDIT")
	leAddr := le.Addr
	before := m.CommandsSize()

	seg := macho.NewSegment("__EXTRA", macho.ProtRead|macho.ProtWrite, "__extra")
	seg.Filesz, seg.Memsz = 0x20, 0x20
	seg.Data = make([]byte, 0x20)
	seg.Sections[0].Size = 0x20
	if err := m.InsertSegmentBefore("__LINKEDIT", seg); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"__TEXT", "__DATA", "__EXTRA", "__LINKEDIT"}, segmentNames(m)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if seg.Addr != leAddr || seg.Sections[0].Addr != leAddr {
		t.Errorf("inserted segment at %#x, want %#x", seg.Addr, leAddr)
	}
	if want := leAddr + m.PageSize(); le.Addr != want {
		t.Errorf("__LINKEDIT moved to %#x, want %#x", le.Addr, want)
	}
	if got, want := m.CommandsSize(), before+72+80; got != want {
		t.Errorf("CommandsSize() = %d, want %d", got, want)
	}
	cmds, err := m.Commands()
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(cmds)) != m.CommandsSize() {
		t.Errorf("Commands() is %d bytes, CommandsSize() says %d", len(cmds), m.CommandsSize())
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c := dsctest.New(dsctest.ARM64)
	c.Image(libsysPath).Func("_malloc")
	data, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}
	f, err := dyld.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	m, err := macho.NewFileFromCache(f, f.Images[0].Address)
	if err != nil {
		t.Fatal(err)
	}
	// give the image private offsets and linkedit content
	var off uint64
	for _, seg := range m.Segments() {
		if seg.SegName() == "__LINKEDIT" {
			seg.Data = make([]byte, 0x10)
			seg.Loaded = true
			seg.Filesz = 0x10
		}
		delta := int64(off) - int64(seg.Offset)
		seg.Offset = off
		for _, sect := range seg.Sections {
			if sect.Offset != 0 {
				sect.Offset = uint32(int64(sect.Offset) + delta)
			}
		}
		off += seg.Filesz
	}

	out, err := m.Write()
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(out)) != off {
		t.Errorf("Write() = %#x bytes, want %#x", len(out), off)
	}
	m2, err := macho.NewFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(segmentNames(m), segmentNames(m2)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if got := m2.InstallName(); got != libsysPath {
		t.Errorf("InstallName() = %q, want %q", got, libsysPath)
	}
	want, _ := m.Section("__TEXT", "__text").Data()
	got, err := m2.Section("__TEXT", "__text").Data()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("__text mismatch (-want +got):\n%s", diff)
	}
}

func TestPointerSize(t *testing.T) {
	tests := []struct {
		name  string
		magic types.Magic
		cpu   types.CPU
		want  uint64
	}{
		{"arm64", types.Magic64, types.CPUArm64, 8},
		{"arm64_32", types.Magic32, types.CPUArm6432, 4},
		{"arm64_32 in a 64-bit header", types.Magic64, types.CPUArm6432, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &macho.File{FileHeader: types.FileHeader{Magic: tt.magic, CPU: tt.cpu}}
			if got := f.PointerSize(); got != tt.want {
				t.Errorf("PointerSize() = %d, want %d", got, tt.want)
			}
		})
	}
	_, m := openImage(t)
	if got := m.PointerSize(); got != 8 {
		t.Errorf("PointerSize() of a cache image = %d, want 8", got)
	}
}
