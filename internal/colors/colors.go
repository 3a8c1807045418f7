// Package colors provides the output palette used by the dyldex commands.
//
// Colors are automatically disabled when stdout is not a terminal. Use Init to
// override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting.
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on
//   - forceColor == false: force colors off
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color       { return color.New(color.Bold) }
func Faint() *color.Color      { return color.New(color.Faint) }
func BoldHiBlue() *color.Color { return color.New(color.Bold, color.FgHiBlue) }
func HiMagenta() *color.Color  { return color.New(color.FgHiMagenta) }
func HiYellow() *color.Color   { return color.New(color.FgHiYellow) }
func Red() *color.Color        { return color.New(color.FgRed) }

// Header styles section titles such as "Listing Images".
func Header() *color.Color { return BoldHiBlue() }

// Addr styles virtual addresses and file offsets.
func Addr() *color.Color { return Faint() }

// Path styles image install names.
func Path() *color.Color { return HiMagenta() }

// Size styles humanized sizes.
func Size() *color.Color { return HiYellow() }
