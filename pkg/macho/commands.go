package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// LinkeditDataCommands lists the commands whose payload is a linkedit_data_command.
var LinkeditDataCommands = []types.LoadCmd{
	types.LC_CODE_SIGNATURE,
	types.LC_SEGMENT_SPLIT_INFO,
	types.LC_FUNCTION_STARTS,
	types.LC_DATA_IN_CODE,
	types.LC_DYLIB_CODE_SIGN_DRS,
	types.LC_LINKER_OPTIMIZATION_HINT,
	types.LC_DYLD_EXPORTS_TRIE,
	types.LC_DYLD_CHAINED_FIXUPS,
}

// DylibCommands lists the commands that add an entry to the library ordinal table.
var DylibCommands = []types.LoadCmd{
	types.LC_LOAD_DYLIB,
	types.LC_LOAD_WEAK_DYLIB,
	types.LC_REEXPORT_DYLIB,
	types.LC_LOAD_UPWARD_DYLIB,
	types.LC_LAZY_LOAD_DYLIB,
}

func isDylibCommand(cmd types.LoadCmd) bool {
	for _, c := range DylibCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// Symtab returns the LC_SYMTAB command.
func (f *File) Symtab() (*types.SymtabCmd, *LoadCommand, error) {
	l := f.LoadCommand(types.LC_SYMTAB)
	if l == nil {
		return nil, nil, errors.New("image has no LC_SYMTAB")
	}
	var cmd types.SymtabCmd
	if err := l.Decode(&cmd); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read LC_SYMTAB")
	}
	return &cmd, l, nil
}

// Dysymtab returns the LC_DYSYMTAB command.
func (f *File) Dysymtab() (*types.DysymtabCmd, *LoadCommand, error) {
	l := f.LoadCommand(types.LC_DYSYMTAB)
	if l == nil {
		return nil, nil, errors.New("image has no LC_DYSYMTAB")
	}
	var cmd types.DysymtabCmd
	if err := l.Decode(&cmd); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read LC_DYSYMTAB")
	}
	return &cmd, l, nil
}

// DyldInfo returns the LC_DYLD_INFO or LC_DYLD_INFO_ONLY command, or nil if the image has neither.
func (f *File) DyldInfo() (*types.DyldInfoCmd, *LoadCommand, error) {
	l := f.LoadCommand(types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY)
	if l == nil {
		return nil, nil, nil
	}
	var cmd types.DyldInfoCmd
	if err := l.Decode(&cmd); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read LC_DYLD_INFO")
	}
	return &cmd, l, nil
}

// AddDyldInfo appends an empty LC_DYLD_INFO_ONLY command.
func (f *File) AddDyldInfo() (*types.DyldInfoCmd, *LoadCommand, error) {
	cmd := types.DyldInfoCmd{LoadCmd: types.LC_DYLD_INFO_ONLY, Len: 48}
	l := f.AddLoadCommand(types.LC_DYLD_INFO_ONLY, make([]byte, 48))
	if err := l.Encode(&cmd); err != nil {
		return nil, nil, err
	}
	return &cmd, l, nil
}

// LinkeditData returns the linkedit_data_command of the given type or nil.
func (f *File) LinkeditData(cmd types.LoadCmd) (*types.LinkEditDataCmd, *LoadCommand, error) {
	l := f.LoadCommand(cmd)
	if l == nil {
		return nil, nil, nil
	}
	var led types.LinkEditDataCmd
	if err := l.Decode(&led); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", cmd)
	}
	return &led, l, nil
}

func (l *LoadCommand) dylibName() string {
	if len(l.Raw) < 12 {
		return ""
	}
	off := l.bo.Uint32(l.Raw[8:])
	if int(off) >= len(l.Raw) {
		return ""
	}
	return cstring(l.Raw[off:])
}

// ImportedLibraries returns the install names of dependent libraries in library ordinal order
// (ordinal 1 is the first entry).
func (f *File) ImportedLibraries() []string {
	var libs []string
	for _, l := range f.Loads {
		if isDylibCommand(l.Cmd) {
			libs = append(libs, l.dylibName())
		}
	}
	return libs
}

// InstallName returns the LC_ID_DYLIB install name.
func (f *File) InstallName() string {
	if l := f.LoadCommand(types.LC_ID_DYLIB); l != nil {
		return l.dylibName()
	}
	return ""
}

// LinkeditBytes returns size bytes at file offset off of the loaded __LINKEDIT segment.
func (f *File) LinkeditBytes(off, size uint32) ([]byte, error) {
	le := f.Segment("__LINKEDIT")
	if le == nil {
		return nil, errors.New("image has no __LINKEDIT segment")
	}
	if !le.Loaded {
		return nil, errors.New("__LINKEDIT content is not loaded")
	}
	if uint64(off) < le.Offset || uint64(off)+uint64(size) > le.End() {
		return nil, errors.Errorf("range %#x-%#x is outside __LINKEDIT", off, off+size)
	}
	start := uint64(off) - le.Offset
	return le.Data[start : start+uint64(size)], nil
}

// Symbols returns the symbol table of a loaded image.
func (f *File) Symbols() ([]Symbol, error) {
	st, _, err := f.Symtab()
	if err != nil {
		return nil, err
	}
	nl, err := f.LinkeditBytes(st.Symoff, st.Nsyms*nlistSize64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbol table")
	}
	strs, err := f.LinkeditBytes(st.Stroff, st.Strsize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read string table")
	}
	entries := make([]Nlist64, st.Nsyms)
	if err := binary.Read(bytes.NewReader(nl), f.ByteOrder, entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode symbol table")
	}
	syms := make([]Symbol, 0, len(entries))
	for _, e := range entries {
		if e.Name >= uint32(len(strs)) {
			return nil, &FormatError{int64(st.Stroff), "symbol name offset out of range", e.Name}
		}
		syms = append(syms, Symbol{Name: cstring(strs[e.Name:]), Entry: e})
	}
	return syms, nil
}

// IndirectSymbols returns the indirect symbol table of a loaded image.
func (f *File) IndirectSymbols() ([]uint32, error) {
	dst, _, err := f.Dysymtab()
	if err != nil {
		return nil, err
	}
	dat, err := f.LinkeditBytes(dst.Indirectsymoff, dst.Nindirectsyms*4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read indirect symbol table")
	}
	out := make([]uint32, dst.Nindirectsyms)
	for i := range out {
		out[i] = f.ByteOrder.Uint32(dat[i*4:])
	}
	return out, nil
}

// Binds decodes the non-lazy bind opcodes of a loaded image.
func (f *File) Binds() ([]BindEntry, error) {
	di, _, err := f.DyldInfo()
	if err != nil || di == nil || di.BindSize == 0 {
		return nil, err
	}
	dat, err := f.LinkeditBytes(di.BindOff, di.BindSize)
	if err != nil {
		return nil, err
	}
	return ParseBinds(dat, false)
}
