package macho

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeBinds(t *testing.T) {
	entries := []BindEntry{
		{SegIndex: 1, SegOffset: 0x10, Ordinal: 1, Name: "_malloc", Type: BIND_TYPE_POINTER},
		{SegIndex: 1, SegOffset: 0x4018, Ordinal: 20, Name: "_OBJC_CLASS_$_NSObject", Type: BIND_TYPE_POINTER},
		{SegIndex: 2, SegOffset: 0x8, Ordinal: BIND_SPECIAL_DYLIB_FLAT_LOOKUP, Name: "_dlsym", Type: BIND_TYPE_POINTER},
		{SegIndex: 1, SegOffset: 0x20, Ordinal: 2, Name: "_objc_empty_cache", Type: BIND_TYPE_POINTER, Flags: BIND_SYMBOL_FLAGS_WEAK_IMPORT, Addend: -8},
	}
	enc := EncodeBinds(entries)
	if enc[len(enc)-1] != BIND_OPCODE_DONE {
		t.Fatalf("bind stream does not end with BIND_OPCODE_DONE: % x", enc)
	}
	got, err := ParseBinds(enc, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Errorf("ParseBinds(EncodeBinds()) mismatch (-want +got):\n%s", diff)
	}

	// appending to a padded stream keeps the earlier entries
	padded := append(append([]byte(nil), enc...), 0, 0, 0)
	more := []BindEntry{{SegIndex: 1, SegOffset: 0x28, Ordinal: 1, Name: "_free", Type: BIND_TYPE_POINTER}}
	trimmed, err := TrimBinds(padded)
	if err != nil {
		t.Fatal(err)
	}
	got, err = ParseBinds(append(trimmed, EncodeBinds(more)...), false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(append(entries, more...), got); diff != "" {
		t.Errorf("appended binds mismatch (-want +got):\n%s", diff)
	}
}

func TestTrimBinds(t *testing.T) {
	// an ld64 style stream that leaves a nonzero addend behind and ends in SET_ADDEND_SLEB 0
	stickyAddend := []byte{
		BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1,
		BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'a', 0,
		BIND_OPCODE_SET_TYPE_IMM | BIND_TYPE_POINTER,
		BIND_OPCODE_SET_ADDEND_SLEB, 8,
		BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x10,
		BIND_OPCODE_DO_BIND,
		BIND_OPCODE_DONE,
		0, 0, 0, 0,
	}
	zeroAddend := []byte{
		BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 2,
		BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'b', 0,
		BIND_OPCODE_SET_TYPE_IMM | BIND_TYPE_POINTER,
		BIND_OPCODE_SET_ADDEND_SLEB, 4,
		BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x18,
		BIND_OPCODE_DO_BIND,
		BIND_OPCODE_SET_ADDEND_SLEB, 0,
		BIND_OPCODE_DONE,
	}
	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr bool
	}{
		{"sticky addend", stickyAddend, len(stickyAddend) - 5, false},
		{"trailing zero operand", zeroAddend, len(zeroAddend) - 1, false},
		{"unterminated", []byte{BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1, BIND_OPCODE_SET_ADDEND_SLEB, 0}, 3, false},
		{"empty", nil, 0, false},
		{"threaded", []byte{BIND_OPCODE_THREADED}, 0, true},
	}
	appended := BindEntry{SegIndex: 1, SegOffset: 0x40, Ordinal: 1, Name: "_NSLog", Type: BIND_TYPE_POINTER}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trimmed, err := TrimBinds(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("TrimBinds() error = %v, wantErr %t", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(trimmed) != tt.want {
				t.Fatalf("TrimBinds() kept %d bytes, want %d", len(trimmed), tt.want)
			}
			stream := append(append([]byte(nil), trimmed...), EncodeBinds([]BindEntry{appended})...)
			got, err := ParseBinds(stream, false)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) == 0 {
				t.Fatal("ParseBinds() returned no entries")
			}
			if diff := cmp.Diff(appended, got[len(got)-1]); diff != "" {
				t.Errorf("appended bind mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseBinds(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		lazy bool
		want []BindEntry
	}{
		{
			name: "times skipping",
			data: []byte{
				BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1,
				BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'a', 0,
				BIND_OPCODE_SET_TYPE_IMM | BIND_TYPE_POINTER,
				BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 2, 0x10,
				BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB, 2, 8,
				BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED | 1,
				BIND_OPCODE_DONE,
			},
			want: []BindEntry{
				{SegIndex: 2, SegOffset: 0x10, Ordinal: 1, Name: "_a", Type: BIND_TYPE_POINTER},
				{SegIndex: 2, SegOffset: 0x20, Ordinal: 1, Name: "_a", Type: BIND_TYPE_POINTER},
				{SegIndex: 2, SegOffset: 0x30, Ordinal: 1, Name: "_a", Type: BIND_TYPE_POINTER},
			},
		},
		{
			name: "lazy",
			data: []byte{
				BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x00,
				BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1,
				BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'a', 0,
				BIND_OPCODE_DO_BIND,
				BIND_OPCODE_DONE,
				BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x08,
				BIND_OPCODE_SET_DYLIB_SPECIAL_IMM | 0x0f,
				BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'b', 0,
				BIND_OPCODE_DO_BIND,
				BIND_OPCODE_DONE,
			},
			lazy: true,
			want: []BindEntry{
				{SegIndex: 1, SegOffset: 0x00, Ordinal: 1, Name: "_a"},
				{SegIndex: 1, SegOffset: 0x08, Ordinal: BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE, Name: "_b"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBinds(tt.data, tt.lazy)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseBinds() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := ParseBinds([]byte{BIND_OPCODE_THREADED}, false); err == nil {
		t.Error("ParseBinds() accepted threaded binds")
	}
	if _, err := ParseBinds([]byte{BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'a'}, false); err == nil {
		t.Error("ParseBinds() accepted an unterminated name")
	}
}
