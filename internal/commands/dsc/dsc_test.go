package dsc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blacktop/dyldex/internal/colors"
	"github.com/blacktop/dyldex/internal/dsctest"
	"github.com/blacktop/dyldex/internal/magic"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/google/go-cmp/cmp"
)

const (
	libsysPath = "/usr/lib/libSystem.B.dylib"
	corePath   = "/System/Library/PrivateFrameworks/UIKitCore.framework/UIKitCore"
	uikitPath  = "/System/Library/Frameworks/UIKit.framework/UIKit"
	webkitPath = "/System/Library/Frameworks/WebKit.framework/WebKit"
)

func openCache(t *testing.T) *dyld.File {
	t.Helper()
	off := false
	colors.Init(&off)
	c := dsctest.New(dsctest.ARM64)
	c.Slide = dyld.SlideV2
	c.Image(libsysPath).Func("_malloc")
	c.Image(corePath, libsysPath).Func("_UIApplicationMain")
	c.Image(uikitPath, corePath).Func("_UIKitVersion")
	c.Image(webkitPath, corePath).Func("_WKVersion")
	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func readImage(t *testing.T, path string) *macho.File {
	t.Helper()
	if ok, err := magic.IsMachO(path); !ok {
		t.Fatalf("%s: %v", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := macho.NewFile(data)
	if err != nil {
		t.Fatalf("%s is not a valid Mach-O: %v", path, err)
	}
	return m
}

func TestFilterImages(t *testing.T) {
	f := openCache(t)
	tests := []struct {
		term string
		want []string
	}{
		{"", []string{libsysPath, corePath, uikitPath, webkitPath}},
		{"uikit", []string{corePath, uikitPath}},
		{"KIT", []string{corePath, uikitPath, webkitPath}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			var got []string
			for _, img := range FilterImages(f, tt.term) {
				got = append(got, img.Name)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FilterImages(%q) mismatch (-want +got):\n%s", tt.term, diff)
			}
		})
	}
}

func TestList(t *testing.T) {
	f := openCache(t)
	var out bytes.Buffer
	List(&out, f, "webkit")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("List() printed %d lines:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "Listing Images") || lines[1] != "--------------" || lines[2] != webkitPath {
		t.Errorf("List() output:\n%s", out.String())
	}
}

func TestOutputPath(t *testing.T) {
	img := &dyld.CacheImage{Name: corePath}
	tests := []struct {
		name   string
		output string
		term   string
		dir    bool
		want   string
	}{
		{"default", "", "uikitcore", false, filepath.Join("binaries", "uikitcore")},
		{"default trimmed", "", "  UIKitCore.framework/UIKitCore\n", false, filepath.Join("binaries", "UIKitCore.framework", "UIKitCore")},
		{"default dir", "", "kit", true, filepath.Join("binaries", "UIKitCore")},
		{"file", "/tmp/out", "kit", false, "/tmp/out"},
		{"dir", "/tmp/out", "kit", true, filepath.Join("/tmp/out", "UIKitCore")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputPath(tt.output, tt.term, img, tt.dir); got != tt.want {
				t.Errorf("OutputPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractDefaultOutput(t *testing.T) {
	f := openCache(t)
	t.Chdir(t.TempDir())

	var stdout bytes.Buffer
	if err := Extract(context.Background(), f, " UIKitCore ", &Config{Stdout: &stdout}); err != nil {
		t.Fatal(err)
	}
	if got := readImage(t, filepath.Join("binaries", "UIKitCore")).InstallName(); got != corePath {
		t.Errorf("InstallName() = %q, want %q", got, corePath)
	}
	if strings.Contains(stdout.String(), "Unable to find") {
		t.Errorf("surrounding spaces were not trimmed from the term: %q", stdout.String())
	}
}

func TestExtract(t *testing.T) {
	f := openCache(t)
	var stdout bytes.Buffer
	out := filepath.Join(t.TempDir(), "nested", "dir", "UIKitCore")

	err := Extract(context.Background(), f, "uikitcore", &Config{Output: out, Stdout: &stdout})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "Extracting") || !strings.Contains(stdout.String(), corePath) {
		t.Errorf("stdout = %q", stdout.String())
	}
	if got := readImage(t, out).InstallName(); got != corePath {
		t.Errorf("InstallName() = %q, want %q", got, corePath)
	}
}

func TestExtractFirstMatch(t *testing.T) {
	f := openCache(t)
	out := filepath.Join(t.TempDir(), "first")
	if err := Extract(context.Background(), f, "kit", &Config{Output: out, Stdout: &bytes.Buffer{}}); err != nil {
		t.Fatal(err)
	}
	if got := readImage(t, out).InstallName(); got != corePath {
		t.Errorf("extracted %q, want the first match %q", got, corePath)
	}
}

func TestExtractNotFound(t *testing.T) {
	f := openCache(t)
	dir := t.TempDir()
	var stdout bytes.Buffer

	if err := Extract(context.Background(), f, "AppKit", &Config{Output: filepath.Join(dir, "AppKit"), Stdout: &stdout}); err != nil {
		t.Fatal(err)
	}
	if got, want := stdout.String(), "Unable to find image \"AppKit\"\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("not-found extraction wrote %d files", len(entries))
	}
}

func TestExtractCanceled(t *testing.T) {
	f := openCache(t)
	out := filepath.Join(t.TempDir(), "UIKit")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Extract(ctx, f, "UIKit.framework", &Config{Output: out, Stdout: &bytes.Buffer{}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("canceled extraction left %s behind", out)
	}
}

func TestExtractAll(t *testing.T) {
	f := openCache(t)
	dir := t.TempDir()

	conf := &Config{Output: dir, Jobs: 2, Stdout: &bytes.Buffer{}}
	if err := ExtractAll(context.Background(), f, "kit", conf); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{corePath, uikitPath, webkitPath} {
		img := &dyld.CacheImage{Name: path}
		if got := readImage(t, OutputPath(dir, "kit", img, true)).InstallName(); got != path {
			t.Errorf("InstallName() = %q, want %q", got, path)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "libSystem.B.dylib")); !os.IsNotExist(err) {
		t.Error("ExtractAll() extracted an image that does not match the filter")
	}
}

func TestExtractAllProgress(t *testing.T) {
	f := openCache(t)
	dir := t.TempDir()

	conf := &Config{Output: dir, Progress: true, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	if err := ExtractAll(context.Background(), f, "", conf); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(f.Images) {
		t.Errorf("ExtractAll() wrote %d files, want %d", len(entries), len(f.Images))
	}
}

func TestInfo(t *testing.T) {
	f := openCache(t)
	var out bytes.Buffer
	Info(&out, f)

	for _, want := range []string{"dyld_v1   arm64", "__TEXT", "__DATA", "Version  = 2", "Images: 4"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Info() output is missing %q:\n%s", want, out.String())
		}
	}
}

func TestFilterImagesSkipsFoundation(t *testing.T) {
	const foundationPath = "/System/Library/Frameworks/Foundation.framework/Foundation"
	c := dsctest.New(dsctest.ARM64)
	c.Image(foundationPath).Func("_NSLog")
	c.Image(uikitPath, foundationPath).Func("_UIKitVersion")
	f, err := c.Open()
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, img := range FilterImages(f, "kit") {
		got = append(got, img.Name)
	}
	if diff := cmp.Diff([]string{uikitPath}, got); diff != "" {
		t.Errorf("FilterImages(kit) mismatch (-want +got):\n%s", diff)
	}
}
