package macho

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

const nlistSize64 = 16

/*
 * Values for N_TYPE bits of the n_type field.
 */
const (
	N_STAB uint8 = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	N_PEXT uint8 = 0x10 /* private external symbol bit */
	N_TYPE uint8 = 0x0e /* mask for the type bits */
	N_EXT  uint8 = 0x01 /* external symbol bit, set for external symbols */

	N_UNDF uint8 = 0x0 /* undefined, n_sect == NO_SECT */
	N_ABS  uint8 = 0x2 /* absolute, n_sect == NO_SECT */
	N_SECT uint8 = 0xe /* defined in section number n_sect */
	N_INDR uint8 = 0xa /* indirect */
)

const (
	SELF_LIBRARY_ORDINAL   = 0x0
	MAX_LIBRARY_ORDINAL    = 0xfd
	DYNAMIC_LOOKUP_ORDINAL = 0xfe
	EXECUTABLE_ORDINAL     = 0xff
)

const (
	INDIRECT_SYMBOL_LOCAL uint32 = 0x80000000
	INDIRECT_SYMBOL_ABS   uint32 = 0x40000000
)

// LibraryOrdinal returns the two-level namespace library ordinal of an undefined symbol.
func (n Nlist64) LibraryOrdinal() int {
	return int((n.Desc >> 8) & 0xff)
}

func (n Nlist64) IsUndefined() bool {
	return n.Type&N_STAB == 0 && n.Type&N_TYPE == N_UNDF
}

func (n Nlist64) IsExternal() bool {
	return n.Type&N_EXT != 0
}

// A Symbol is a symbol table entry together with its resolved name.
type Symbol struct {
	Name  string
	Entry Nlist64
}
