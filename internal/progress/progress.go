// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package progress reports conversion progress to the operator.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// Options configure the Reporter.
type Options struct {
	// Bar enables the stage progress bar.
	Bar bool
	// Color enables colored output.
	Color bool
}

// Option configures the Reporter.
type Option func(*Options)

// WithBar enables or disables the stage progress bar.
func WithBar(enabled bool) Option {
	return func(o *Options) {
		o.Bar = enabled
	}
}

// WithColor enables or disables colored output.
func WithColor(enabled bool) Option {
	return func(o *Options) {
		o.Color = enabled
	}
}

// Reporter prints stage headers and messages, with an optional stage bar.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer

	bar *progressbar.ProgressBar

	stageColor *color.Color
	warnColor  *color.Color

	options Options
}

// New creates a new Reporter writing to w.
func New(w io.Writer, opts ...Option) *Reporter {
	options := Options{
		Color: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	r := &Reporter{
		w:          w,
		stageColor: color.New(color.FgCyan, color.Bold),
		warnColor:  color.New(color.FgYellow, color.Bold),
		options:    options,
	}

	if !options.Color {
		r.stageColor.DisableColor()
		r.warnColor.DisableColor()
	} else {
		r.stageColor.EnableColor()
		r.warnColor.EnableColor()
	}

	return r
}

// Stage reports the start of stage index (1-based) out of total.
func (r *Reporter) Stage(index, total int, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear()

	r.stageColor.Fprintf(r.w, "[%d/%d] %s\n", index, total, name) //nolint:errcheck

	if !r.options.Bar {
		return
	}

	if r.bar == nil || r.bar.GetMax() != total {
		r.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionEnableColorCodes(r.options.Color),
		)
	}

	r.bar.Describe(name)
	r.bar.Set(index - 1) //nolint:errcheck
}

// Printf prints an informational message.
func (r *Reporter) Printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear()

	fmt.Fprint(r.w, withNewline(fmt.Sprintf(format, args...))) //nolint:errcheck

	r.redraw()
}

// Warnf prints a highlighted warning.
func (r *Reporter) Warnf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear()

	r.warnColor.Fprint(r.w, withNewline(fmt.Sprintf(format, args...))) //nolint:errcheck

	r.redraw()
}

// Done completes the stage bar.
func (r *Reporter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		r.bar.Finish() //nolint:errcheck

		fmt.Fprintln(r.w) //nolint:errcheck

		r.bar = nil
	}
}

func (r *Reporter) clear() {
	if r.bar != nil {
		r.bar.Clear() //nolint:errcheck
	}
}

func (r *Reporter) redraw() {
	if r.bar != nil {
		r.bar.RenderBlank() //nolint:errcheck
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}

	return s + "\n"
}
