package dsc

import (
	"fmt"
	"io"

	"github.com/blacktop/dyldex/internal/colors"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/dustin/go-humanize"
)

// Info prints the cache header, mappings, the slide info of each slid mapping and the image count.
func Info(w io.Writer, f *dyld.File) {
	fmt.Fprintln(w, colors.Header().Sprint("Header"))
	fmt.Fprintln(w, "======")
	fmt.Fprint(w, f.CacheHeader.String())

	fmt.Fprintln(w)
	fmt.Fprintln(w, colors.Header().Sprint("Mappings"))
	fmt.Fprintln(w, "========")
	var total uint64
	for _, m := range f.Mappings {
		fmt.Fprintln(w, m)
		total += m.Size
	}
	fmt.Fprintf(w, "%d mappings, %s mapped\n", len(f.Mappings), colors.Size().Sprint(humanize.Bytes(total)))

	if slid := f.SlidMappings(); len(slid) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, colors.Header().Sprint("Slide Info"))
		fmt.Fprintln(w, "==========")
		for _, m := range slid {
			fmt.Fprintln(w, colors.Path().Sprint(m.Name))
			fmt.Fprint(w, m.SlideInfo)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d\n", colors.Bold().Sprint("Images:"), len(f.Images))
}
