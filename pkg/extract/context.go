package extract

import (
	"github.com/apex/log"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// Reporter receives advisory progress notifications.
type Reporter interface {
	SetUnit(name string)
	SetStatus(status string)
}

type nopReporter struct{}

func (nopReporter) SetUnit(string)   {}
func (nopReporter) SetStatus(string) {}

// PointerPolicy selects what happens to a rebased pointer whose target is unmapped.
type PointerPolicy int

const (
	// SkipUnresolved leaves the slot's raw cache value in place.
	SkipUnresolved PointerPolicy = iota
	// NullUnresolved overwrites the slot with zero.
	NullUnresolved
)

func (p PointerPolicy) String() string {
	if p == NullUnresolved {
		return "null"
	}
	return "skip"
}

// Option configures an extraction run.
type Option func(*Context)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(c *Context) {
		if r != nil {
			c.reporter = r
		}
	}
}

// WithPointerPolicy sets the policy for pointers to unmapped addresses.
func WithPointerPolicy(p PointerPolicy) Option {
	return func(c *Context) { c.policy = p }
}

// WithSlide adds slide to every rebased pointer.
func WithSlide(slide uint64) Option {
	return func(c *Context) { c.slide = slide }
}

// Context is the state of one extraction run. The cache is shared and never written,
// Mach is owned by the run.
type Context struct {
	Cache *dyld.File
	Image *dyld.CacheImage
	Mach  *macho.File

	reporter Reporter
	policy   PointerPolicy
	slide    uint64

	linkedit *linkedit
	// symbol pointer slots that already carry a bind
	bound map[uint64]bool

	warnings []error
	log      *log.Entry
}

func newContext(cache *dyld.File, img *dyld.CacheImage, mach *macho.File, opts ...Option) *Context {
	c := &Context{
		Cache:    cache,
		Image:    img,
		Mach:     mach,
		reporter: nopReporter{},
		bound:    make(map[uint64]bool),
		log:      log.WithField("image", img.ShortName()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// warn records a recoverable error.
func (c *Context) warn(err error) {
	c.log.Warn(err.Error())
	c.warnings = append(c.warnings, err)
}

func (c *Context) status(s string) {
	c.log.Debug(s)
	c.reporter.SetStatus(s)
}

// Warnings returns the recoverable errors recorded so far.
func (c *Context) Warnings() []error { return c.warnings }

// owns reports whether addr lies in one of the image's own segments.
func (c *Context) owns(addr uint64) bool {
	return c.Mach.Contains(addr)
}
