package extract

import (
	"testing"

	"github.com/blacktop/dyldex/pkg/macho"
)

func TestIndirectCount(t *testing.T) {
	tests := []struct {
		name    string
		flags   macho.SectionFlag
		size    uint64
		stub    uint32
		ptrSize uint64
		want    uint64
	}{
		{"got 64-bit", macho.S_NON_LAZY_SYMBOL_POINTERS, 0x40, 0, 8, 8},
		{"got 32-bit", macho.S_NON_LAZY_SYMBOL_POINTERS, 0x40, 0, 4, 16},
		{"lazy 32-bit", macho.S_LAZY_SYMBOL_POINTERS, 0x10, 0, 4, 4},
		{"stubs", macho.S_SYMBOL_STUBS | macho.S_ATTR_PURE_INSTRUCTIONS, 0x30, 12, 8, 4},
		{"stubs without size", macho.S_SYMBOL_STUBS, 0x30, 0, 8, 0},
		{"regular", macho.S_REGULAR, 0x40, 0, 8, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sect := &macho.Section{Section64: macho.Section64{Flags: tt.flags, Size: tt.size, Reserve2: tt.stub}}
			if got := indirectCount(sect, tt.ptrSize); got != tt.want {
				t.Errorf("indirectCount() = %d, want %d", got, tt.want)
			}
		})
	}
}
