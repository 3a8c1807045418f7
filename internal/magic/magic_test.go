package magic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMagic(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"macho": {0xcf, 0xfa, 0xed, 0xfe, 0x0c, 0x00, 0x00, 0x01},
		"fat":   {0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x02},
		"cache": []byte("dyld_v1  arm64e\x00"),
		"text":  []byte("hello, world"),
		"short": {0xcf},
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		wantMachO bool
		wantCache bool
	}{
		{"macho", true, false},
		{"fat", true, false},
		{"cache", false, true},
		{"text", false, false},
		{"short", false, false},
		{"missing", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if ok, err := IsMachO(path); ok != tt.wantMachO || (err == nil) != tt.wantMachO {
				t.Errorf("IsMachO() = %t, %v, want %t", ok, err, tt.wantMachO)
			}
			if ok, err := IsDyldSharedCache(path); ok != tt.wantCache || (err == nil) != tt.wantCache {
				t.Errorf("IsDyldSharedCache() = %t, %v, want %t", ok, err, tt.wantCache)
			}
		})
	}
}
