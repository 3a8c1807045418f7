// Package extract turns one image of a dyld shared cache back into a standalone Mach-O.
package extract

import (
	"context"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/pkg/errors"
)

// Result is a finished extraction.
type Result struct {
	Data     []byte
	Warnings []error
}

type stage struct {
	name string
	run  func(*Context) error
}

var stages = []stage{
	{"Rebasing", rebase},
	{"Rebuilding linkedit", rebuildLinkedit},
	{"Rebuilding stubs", rebuildStubs},
	{"Fixing objc", fixObjC},
	{"Compacting layout", compactLayout},
}

// Extract runs the restoration pipeline for img and returns the finished image. The cache
// is only read, so concurrent calls may share f. A fatal error returns no data.
func Extract(ctx context.Context, f *dyld.File, img *dyld.CacheImage, opts ...Option) (*Result, error) {
	if img == nil {
		return nil, errors.New("no image selected")
	}
	m, err := macho.NewFileFromCache(f, img.Address)
	if err != nil {
		return nil, asFormatError("failed to parse image "+img.Name, err)
	}
	c := newContext(f, img, m, opts...)
	c.reporter.SetUnit(img.Name)

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.status(s.name)
		if err := s.run(c); err != nil {
			return nil, errors.Wrapf(err, "%s %s", s.name, img.ShortName())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := m.Write()
	if err != nil {
		return nil, err
	}
	c.status("Done")
	return &Result{Data: data, Warnings: c.Warnings()}, nil
}
