package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, &on, true},
		{"force off", false, &off, false},
		{"nil keeps enabled", false, nil, true},
		{"nil keeps disabled", true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if Enabled() != tt.want {
				t.Errorf("Enabled() = %t, want %t", Enabled(), tt.want)
			}
		})
	}
}

func TestPalette(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	palette := map[string]func() *color.Color{
		"Header": Header,
		"Addr":   Addr,
		"Path":   Path,
		"Size":   Size,
		"Bold":   Bold,
		"Red":    Red,
	}
	for name, fn := range palette {
		color.NoColor = false
		if got := fn().Sprint("UIKitCore"); !strings.Contains(got, "\x1b[") {
			t.Errorf("%s() should produce ANSI codes, got: %q", name, got)
		}
		color.NoColor = true
		if got := fn().Sprint("UIKitCore"); got != "UIKitCore" {
			t.Errorf("%s() with colors off = %q", name, got)
		}
	}
}
