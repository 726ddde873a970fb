package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// SpinnerSink shows a spinner while a pipeline step runs and a one-line
// summary when it finishes.
type SpinnerSink struct {
	mu      sync.Mutex
	spinner *spinner.Spinner
	out     io.Writer
	started map[string]time.Time
}

// NewSpinnerSink creates a spinner sink writing to out
func NewSpinnerSink(out io.Writer) *SpinnerSink {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.HideCursor = false
	return &SpinnerSink{
		spinner: s,
		out:     out,
		started: make(map[string]time.Time),
	}
}

// NewProgressSink picks the spinner for interactive terminals and the no-op sink otherwise
func NewProgressSink(cfg *config.RuntimeConfig) usecase.ProgressSink {
	if cfg.NonInteractive || cfg.JSON {
		return usecase.NopProgress{}
	}
	return NewSpinnerSink(os.Stderr)
}

// OnProgress handles progress events
func (r *SpinnerSink) OnProgress(ctx context.Context, event usecase.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stage, ok := strings.CutSuffix(event.Stage, usecase.DoneSuffix); ok {
		r.finish(stage, event)
		return
	}
	if event.Spinner {
		r.started[event.Stage] = time.Now()
		r.spinner.Suffix = " " + event.Message
		if !r.spinner.Active() {
			r.spinner.Start()
		}
	} else if r.spinner.Active() {
		r.spinner.Stop()
	}
}

func (r *SpinnerSink) finish(stage string, event usecase.ProgressEvent) {
	if r.spinner.Active() {
		r.spinner.Stop()
	}
	elapsed := ""
	if start, ok := r.started[stage]; ok {
		elapsed = fmt.Sprintf(" (%s)", time.Since(start).Round(time.Millisecond))
		delete(r.started, stage)
	}
	if err, _ := event.Metadata.(error); err != nil {
		color.New(color.FgRed).Fprintf(r.out, "✗ %s%s: %v\n", event.Message, elapsed, err)
		return
	}
	color.New(color.FgGreen).Fprintf(r.out, "✓ %s%s\n", event.Message, elapsed)
}

// Info prints an info message
func (r *SpinnerSink) Info(message string) {
	r.print(color.New(color.FgCyan), message)
}

// Error prints an error message
func (r *SpinnerSink) Error(message string) {
	r.print(color.New(color.FgRed), message)
}

func (r *SpinnerSink) print(c *color.Color, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop spinner temporarily
	wasActive := r.spinner.Active()
	if wasActive {
		r.spinner.Stop()
	}
	c.Fprintln(r.out, message)
	if wasActive {
		r.spinner.Start()
	}
}

var _ usecase.ProgressSink = (*SpinnerSink)(nil)
