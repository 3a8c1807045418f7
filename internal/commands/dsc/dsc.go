// Package dsc implements the dyldex commands
package dsc

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/dyldex/internal/colors"
	"github.com/blacktop/dyldex/internal/status"
	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/extract"
	"github.com/dustin/go-humanize"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultOutputDir is where extracted images go when no output is given.
const DefaultOutputDir = "binaries"

// Config is the configuration for extracting images from a dyld_shared_cache
type Config struct {
	// Output is the destination file for a single image or the directory for --all
	Output string
	// NullUnresolved writes zero into pointers whose target is unmapped
	NullUnresolved bool
	// Slide is added to every rebased pointer
	Slide uint64
	// Progress shows a spinner per run instead of logging each stage
	Progress bool
	// Jobs limits concurrent runs for ExtractAll, 0 means one per CPU
	Jobs int

	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) stdout() io.Writer {
	if c.Stdout == nil {
		return os.Stdout
	}
	return c.Stdout
}

func (c *Config) stderr() io.Writer {
	if c.Stderr == nil {
		return os.Stderr
	}
	return c.Stderr
}

func (c *Config) options() []extract.Option {
	opts := []extract.Option{extract.WithSlide(c.Slide)}
	if c.NullUnresolved {
		opts = append(opts, extract.WithPointerPolicy(extract.NullUnresolved))
	}
	return opts
}

// FilterImages returns the images whose path contains term, ignoring case, in cache order.
// An empty term matches every image.
func FilterImages(f *dyld.File, term string) []*dyld.CacheImage {
	term = strings.TrimSpace(term)
	if term == "" {
		return f.Images
	}
	return f.ImagesMatching(term)
}

// List prints the paths of the images matching filter.
func List(w io.Writer, f *dyld.File, filter string) {
	fmt.Fprintln(w, colors.Header().Sprint("Listing Images"))
	fmt.Fprintln(w, "--------------")
	for _, img := range FilterImages(f, filter) {
		fmt.Fprintln(w, img.Name)
	}
}

// OutputPath returns where img, found by term, is written. Without output a single image
// goes under DefaultOutputDir named after term, while with dir set each image is named after
// its install name. A non-empty output is used as is unless dir is set, in which case it
// names the directory the image goes into.
func OutputPath(output, term string, img *dyld.CacheImage, dir bool) string {
	switch {
	case dir:
		if output == "" {
			output = DefaultOutputDir
		}
		return filepath.Join(output, img.ShortName())
	case output == "":
		return filepath.Join(DefaultOutputDir, strings.TrimSpace(term))
	default:
		return output
	}
}

// Extract extracts the first image whose path contains name. When nothing matches it
// prints a message and writes nothing.
func Extract(ctx context.Context, f *dyld.File, name string, conf *Config) error {
	name = strings.TrimSpace(name)
	images := FilterImages(f, name)
	if name == "" || len(images) == 0 {
		fmt.Fprintf(conf.stdout(), "Unable to find image %q\n", name)
		return nil
	}
	img := images[0]
	fmt.Fprintf(conf.stdout(), "Extracting %s\n", colors.Path().Sprint(img.Name))

	var rep extract.Reporter = status.NewLog()
	var spin *status.Spinner
	var p *status.Progress
	if conf.Progress {
		p = status.NewProgress(conf.stderr())
		spin = p.Spinner()
		rep = spin
	}
	err := extractOne(ctx, f, img, OutputPath(conf.Output, name, img, false), conf, rep)
	if spin != nil {
		spin.Done(err)
		p.Wait()
	}
	return err
}

// ExtractAll concurrently extracts every image matching filter into the conf.Output directory.
// The cache is shared by all runs, each run owns its image.
func ExtractAll(ctx context.Context, f *dyld.File, filter string, conf *Config) error {
	images := FilterImages(f, filter)
	if len(images) == 0 {
		fmt.Fprintf(conf.stdout(), "Unable to find image %q\n", filter)
		return nil
	}
	var p *status.Progress
	if conf.Progress {
		p = status.NewProgress(conf.stderr())
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := conf.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	g.SetLimit(jobs)

	for _, img := range images {
		var rep extract.Reporter = status.Nop{}
		var spin *status.Spinner
		if p != nil {
			spin = p.Spinner()
			rep = spin
		} else {
			fmt.Fprintf(conf.stdout(), "Extracting %s\n", colors.Path().Sprint(img.Name))
		}
		g.Go(func() error {
			err := extractOne(gctx, f, img, OutputPath(conf.Output, filter, img, true), conf, rep)
			if spin != nil {
				spin.Done(err)
			}
			return err
		})
	}
	err := g.Wait()
	if p != nil {
		p.Wait()
	}
	return err
}

func extractOne(ctx context.Context, f *dyld.File, img *dyld.CacheImage, path string, conf *Config, rep extract.Reporter) error {
	res, err := extract.Extract(ctx, f, img, append(conf.options(), extract.WithReporter(rep))...)
	if err != nil {
		return err
	}
	if len(res.Warnings) > 0 {
		log.WithField("image", img.ShortName()).Warnf("%d pointers or stubs could not be fully restored", len(res.Warnings))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrapf(err, "failed to create output directory for %s", path)
	}
	if err := atomicwriter.WriteFile(path, res.Data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	utils.Indent(log.WithFields(log.Fields{
		"path": utils.RelPath(path),
		"size": strings.ReplaceAll(humanize.Bytes(uint64(len(res.Data))), " ", ""),
	}).Info, 2)("Created")
	return nil
}
