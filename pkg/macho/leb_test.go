package macho

import (
	"bytes"
	"testing"
)

func TestUleb128(t *testing.T) {
	tests := []struct {
		v   uint64
		enc []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x1000, []byte{0x80, 0x20}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
		{1<<64 - 1, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
	}
	for _, tt := range tests {
		if got := AppendUleb128(nil, tt.v); !bytes.Equal(got, tt.enc) {
			t.Errorf("AppendUleb128(%#x) = % x, want % x", tt.v, got, tt.enc)
		}
		got, off, err := ReadUleb128(append([]byte{0xaa}, tt.enc...), 1)
		if err != nil {
			t.Errorf("ReadUleb128(% x) error = %v", tt.enc, err)
			continue
		}
		if got != tt.v || off != len(tt.enc)+1 {
			t.Errorf("ReadUleb128(% x) = %#x, %d, want %#x, %d", tt.enc, got, off, tt.v, len(tt.enc)+1)
		}
	}
	if _, _, err := ReadUleb128([]byte{0x80, 0x80}, 0); err == nil {
		t.Error("ReadUleb128() accepted a truncated value")
	}
}

func TestSleb128(t *testing.T) {
	tests := []struct {
		v   int64
		enc []byte
	}{
		{0, []byte{0x00}},
		{2, []byte{0x02}},
		{-2, []byte{0x7e}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-64, []byte{0x40}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tt := range tests {
		if got := AppendSleb128(nil, tt.v); !bytes.Equal(got, tt.enc) {
			t.Errorf("AppendSleb128(%d) = % x, want % x", tt.v, got, tt.enc)
		}
		got, off, err := ReadSleb128(tt.enc, 0)
		if err != nil {
			t.Errorf("ReadSleb128(% x) error = %v", tt.enc, err)
			continue
		}
		if got != tt.v || off != len(tt.enc) {
			t.Errorf("ReadSleb128(% x) = %d, %d, want %d, %d", tt.enc, got, off, tt.v, len(tt.enc))
		}
	}
}
