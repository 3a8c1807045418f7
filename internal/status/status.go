// Package status implements the progress reporters handed to extraction runs.
package status

import (
	"io"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/dyldex/internal/utils"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Nop discards every notification.
type Nop struct{}

func (Nop) SetUnit(string)   {}
func (Nop) SetStatus(string) {}

// Log reports each status change as an indented apex/log entry.
type Log struct {
	mu   sync.Mutex
	unit string
}

// NewLog returns a reporter that logs at info level.
func NewLog() *Log { return &Log{} }

func (l *Log) SetUnit(name string) {
	l.mu.Lock()
	l.unit = name
	l.mu.Unlock()
	log.WithField("image", name).Debug("Unit")
}

func (l *Log) SetStatus(status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	utils.Indent(log.WithField("image", l.unit).Info, 2)(status)
}

// Progress owns a group of spinners rendered together, one per extraction run.
type Progress struct {
	p *mpb.Progress
}

// NewProgress renders spinners to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{
		p: mpb.New(
			mpb.WithOutput(w),
			mpb.WithWidth(1),
			mpb.WithRefreshRate(180*time.Millisecond),
		),
	}
}

// Spinner adds a spinner to the group. Call Done on it when its run ends.
func (p *Progress) Spinner() *Spinner {
	s := &Spinner{}
	s.bar = p.p.New(0,
		mpb.SpinnerStyle(),
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string { return s.get().unit }, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.OnComplete(
				decor.Any(func(decor.Statistics) string { return s.get().status }), "✅",
			),
			decor.OnAbort(
				decor.Any(func(decor.Statistics) string { return "" }), "❌",
			),
		),
	)
	return s
}

// Wait blocks until every spinner in the group has finished rendering.
func (p *Progress) Wait() {
	p.p.Wait()
}

type spinnerState struct {
	unit   string
	status string
}

// Spinner is a single mpb spinner showing the current unit and status.
type Spinner struct {
	mu    sync.Mutex
	state spinnerState
	bar   *mpb.Bar
}

func (s *Spinner) get() spinnerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Spinner) SetUnit(name string) {
	s.mu.Lock()
	s.state.unit = name
	s.mu.Unlock()
}

func (s *Spinner) SetStatus(status string) {
	s.mu.Lock()
	s.state.status = status
	s.mu.Unlock()
}

// Done completes the spinner, or aborts it when err is non-nil.
func (s *Spinner) Done(err error) {
	if err != nil {
		s.bar.Abort(false)
		return
	}
	s.bar.SetTotal(-1, true)
}
