package dyld_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/dyldex/internal/dsctest"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/google/go-cmp/cmp"
)

const (
	uikitPath   = "/System/Library/PrivateFrameworks/UIKitCore.framework/UIKitCore"
	uikitPath2  = "/System/Library/Frameworks/UIKit.framework/UIKit"
	webkitPath  = "/System/Library/Frameworks/WebKit.framework/WebKit"
	widgetPath  = "/System/Library/Frameworks/WidgetKit.framework/WidgetKit"
	libsysPath  = "/usr/lib/libSystem.B.dylib"
	globalValue = "_kUIApplicationVersion"
)

func newCache(slide dyld.SlideVersion) *dsctest.Cache {
	c := dsctest.New(dsctest.ARM64)
	c.Slide = slide
	c.LocalSymbols = true

	sys := c.Image(libsysPath)
	sys.Func("_malloc")
	sys.Func("_free")

	ui := c.Image(uikitPath, libsysPath)
	ui.Func("_UIApplicationMain", "_malloc")
	ui.Func("drawHelper")
	ui.Section("__data").Label(globalValue).Ptr("_UIApplicationMain")
	ui.Export(globalValue)

	c.Image(uikitPath2, uikitPath).Func("_UIKitVersion")
	c.Image(webkitPath, uikitPath).Func("_WKVersion")
	return c
}

func TestOpen(t *testing.T) {
	c := newCache(dyld.SlideV2)
	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}

	if got := f.Arch(); got != "arm64" {
		t.Errorf("Arch() = %q, want arm64", got)
	}
	var names []string
	for _, m := range f.Mappings {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"__TEXT", "__DATA", "__LINKEDIT"}, names); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if f.SlideInfo == nil || f.SlideInfo.Version != dyld.SlideV2 {
		t.Fatalf("SlideInfo = %v, want v2", f.SlideInfo)
	}
	if slid := f.SlidMappings(); len(slid) != 1 || slid[0].Name != "__DATA" {
		t.Errorf("SlidMappings() = %v, want only __DATA", slid)
	}

	if _, err := f.Mapping(0x1000); err == nil {
		t.Error("Mapping() found a mapping for an unmapped address")
	}
	if !f.IsMapped(dsctest.TextBase) || f.IsMapped(dsctest.TextBase-1) {
		t.Error("IsMapped() does not match the __TEXT mapping bounds")
	}
	off, err := f.GetOffset(c.Addr(globalValue))
	if err != nil {
		t.Fatal(err)
	}
	if addr, err := f.GetVMAddress(off); err != nil || addr != c.Addr(globalValue) {
		t.Errorf("GetVMAddress(%#x) = %#x, %v", off, addr, err)
	}
}

func TestReadPointerAtAddr(t *testing.T) {
	for _, slide := range []dyld.SlideVersion{0, dyld.SlideV2, dyld.SlideV3} {
		c := newCache(slide)
		f, err := c.Open()
		if err != nil {
			t.Fatal(err)
		}
		got, err := f.ReadPointerAtAddr(c.Addr(globalValue))
		if err != nil {
			t.Fatal(err)
		}
		if want := c.Addr("_UIApplicationMain"); got != want {
			t.Errorf("slide v%d: ReadPointerAtAddr() = %#x, want %#x", slide, got, want)
		}
	}
}

func TestOpenMappingSlideInfo(t *testing.T) {
	for _, slide := range []dyld.SlideVersion{dyld.SlideV2, dyld.SlideV3} {
		c := newCache(slide)
		c.MappingSlide = true
		wg := c.Image(widgetPath, uikitPath)
		wg.Func("_WGVersion")
		wg.Section("__data").Label("_WGGlobal").Ptr("_UIApplicationMain")
		f, err := c.Open()
		if err != nil {
			t.Fatalf("slide v%d: %v", slide, err)
		}
		if f.ImagesOffset != 0 || f.SlideInfoOffset != 0 {
			t.Errorf("slide v%d: legacy header fields = %#x, %#x, want zero", slide, f.ImagesOffset, f.SlideInfoOffset)
		}

		var names []string
		for _, m := range f.Mappings {
			names = append(names, m.Name)
		}
		if diff := cmp.Diff([]string{"__TEXT", "__DATA_CONST", "__DATA", "__LINKEDIT"}, names); diff != "" {
			t.Errorf("slide v%d: mappings mismatch (-want +got):\n%s", slide, diff)
		}
		slid := f.SlidMappings()
		if len(slid) != 2 {
			t.Fatalf("slide v%d: SlidMappings() = %v, want 2", slide, slid)
		}
		for _, m := range slid {
			if m.SlideInfo.Version != slide {
				t.Errorf("slide v%d: %s slide info version = %d", slide, m.Name, m.SlideInfo.Version)
			}
		}
		if f.SlideInfo != slid[0].SlideInfo {
			t.Errorf("slide v%d: SlideInfo is not the first slid mapping's", slide)
		}

		if len(f.Images) != 5 {
			t.Fatalf("slide v%d: found %d images, want 5", slide, len(f.Images))
		}
		if got := f.Images[4].Name; got != widgetPath {
			t.Errorf("slide v%d: last image = %q, want %q", slide, got, widgetPath)
		}

		for _, sym := range []string{globalValue, "_WGGlobal"} {
			m, err := f.Mapping(c.Addr(sym))
			if err != nil {
				t.Fatal(err)
			}
			got, err := f.ReadPointerAtAddr(c.Addr(sym))
			if err != nil {
				t.Fatal(err)
			}
			if want := c.Addr("_UIApplicationMain"); got != want {
				t.Errorf("slide v%d: %s in %s = %#x, want %#x", slide, sym, m.Name, got, want)
			}
		}
	}
}

func TestOpenMappingSlideCountMismatch(t *testing.T) {
	c := newCache(dyld.SlideV2)
	c.MappingSlide = true
	data, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}
	// MappingWithSlideCount sits at 0x13c
	binary.LittleEndian.PutUint32(data[0x13c:], 3)
	_, err = dyld.NewFile(bytes.NewReader(data))
	var fe *dyld.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("NewFile() error = %v, want a FormatError", err)
	}
}

func TestImages(t *testing.T) {
	f, err := newCache(0).Open()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		lookup  string
		want    string
		wantErr bool
	}{
		{name: "full path", lookup: uikitPath, want: uikitPath},
		{name: "short name", lookup: "UIKitCore", want: uikitPath},
		{name: "case insensitive", lookup: "uikit", want: uikitPath2},
		{name: "partial name", lookup: "UIKitC", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := f.Image(tt.lookup)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Image(%q) error = %v, wantErr %v", tt.lookup, err, tt.wantErr)
			}
			if err == nil && img.Name != tt.want {
				t.Errorf("Image(%q) = %s, want %s", tt.lookup, img.Name, tt.want)
			}
		})
	}

	var got []string
	for _, img := range f.ImagesMatching("KIT") {
		got = append(got, img.ShortName())
	}
	if diff := cmp.Diff([]string{"UIKitCore", "UIKit", "WebKit"}, got); diff != "" {
		t.Errorf("ImagesMatching() mismatch (-want +got):\n%s", diff)
	}
	if got := f.ImagesMatching("nothing"); len(got) != 0 {
		t.Errorf("ImagesMatching(nothing) = %v", got)
	}
}

func TestSymbolForAddr(t *testing.T) {
	c := newCache(dyld.SlideV2)
	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr  uint64
		image string
		name  string
		ok    bool
	}{
		{c.Addr("_malloc"), libsysPath, "_malloc", true},
		{c.Addr(globalValue), uikitPath, globalValue, true},
		{c.Addr("drawHelper"), uikitPath, "", false},
		{0x1000, "", "", false},
	}
	for _, tt := range tests {
		img, name, ok := f.SymbolForAddr(tt.addr)
		var path string
		if img != nil {
			path = img.Name
		}
		if path != tt.image || name != tt.name || ok != tt.ok {
			t.Errorf("SymbolForAddr(%#x) = %q, %q, %t, want %q, %q, %t", tt.addr, path, name, ok, tt.image, tt.name, tt.ok)
		}
	}
}

func TestLocalSymbols(t *testing.T) {
	c := newCache(dyld.SlideV2)
	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}
	img, err := f.Image(uikitPath)
	if err != nil {
		t.Fatal(err)
	}
	syms, err := f.LocalSymbols(img)
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 1 || syms[0].Name != "drawHelper" || syms[0].Entry.Value != c.Addr("drawHelper") {
		t.Errorf("LocalSymbols() = %v, want drawHelper at %#x", syms, c.Addr("drawHelper"))
	}

	sys, err := f.Image(libsysPath)
	if err != nil {
		t.Fatal(err)
	}
	if syms, err := f.LocalSymbols(sys); err != nil || len(syms) != 0 {
		t.Errorf("LocalSymbols(%s) = %v, %v, want none", sys.ShortName(), syms, err)
	}
}

func TestOpenUnknownSlideVersion(t *testing.T) {
	c := newCache(dyld.SlideV2)
	data, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(data[c.SlideInfoOffset():], 9)

	_, err = dyld.NewFile(bytes.NewReader(data))
	var fe *dyld.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("NewFile() error = %v, want a FormatError", err)
	}
}

func TestOpenBadMagic(t *testing.T) {
	data, err := newCache(0).Build()
	if err != nil {
		t.Fatal(err)
	}
	copy(data, "not a dyld cache")
	_, err = dyld.NewFile(bytes.NewReader(data))
	var fe *dyld.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("NewFile() error = %v, want a FormatError", err)
	}
}
