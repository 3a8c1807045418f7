package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0x4000", want: 0x4000},
		{in: "0X1F", want: 0x1f},
		{in: "ff", want: 0xff},
		{in: "1024", want: 1024},
		{in: "zzz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ConvertStrToInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConvertStrToInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ConvertStrToInt(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestPad(t *testing.T) {
	if got := Pad(3); got != "   " {
		t.Errorf("Pad(3) = %q", got)
	}
	if got := Pad(-1); got != " " {
		t.Errorf("Pad(-1) = %q", got)
	}
}

func TestRelPath(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := RelPath(filepath.Join(cwd, "binaries", "UIKit")), filepath.Join("binaries", "UIKit"); got != want {
		t.Errorf("RelPath() = %q, want %q", got, want)
	}
	if got := RelPath("/"); got != "/" && cwd != "/" {
		t.Errorf("RelPath(/) = %q, want /", got)
	}
}
