// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// Options configure the host runner.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger
	// Timeout bounds every command; zero means no timeout.
	Timeout time.Duration
	// LookPath resolves command names, exec.LookPath by default.
	LookPath func(string) (string, error)
}

// Option configures the host runner.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTimeout sets the per-command watchdog timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

// WithLookPath overrides command lookup.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(o *Options) {
		o.LookPath = lookPath
	}
}

// Exec runs commands on the host.
type Exec struct {
	options Options
}

// NewExec creates a new host runner.
func NewExec(opts ...Option) *Exec {
	options := Options{
		Logger:   zap.NewNop(),
		LookPath: exec.LookPath,
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Exec{options: options}
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, c Cmd) Result {
	logger := e.options.Logger.With(zap.Stringer("cmd", c))

	if _, err := e.options.LookPath(c.Name); err != nil {
		logger.Warn("command not found", zap.Error(err))

		return Result{Cmd: c, Status: StatusNotFound, ExitCode: -1, Cause: err}
	}

	if e.options.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	start := time.Now()

	stdout, err := cmd.RunContext(ctx, c.Name, c.Args...)

	res := classify(ctx, c, stdout, err)

	logger.Debug("command finished",
		zap.Stringer("status", res.Status),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	return res
}

func classify(ctx context.Context, c Cmd, stdout string, err error) Result {
	res := Result{Cmd: c, Stdout: stdout}

	if err == nil {
		return res
	}

	res.Cause = err
	res.ExitCode = -1

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Status = StatusTimeout
		res.Cause = fmt.Errorf("%w: %w", ctxErr, err)

		return res
	}

	var exitError *cmd.ExitError

	if errors.As(err, &exitError) {
		res.Output = string(exitError.Output)
		res.ExitCode = exitError.ExitCode

		if exitError.ExitCode < 0 {
			res.Status = StatusSignal
		} else {
			res.Status = StatusExit
		}

		return res
	}

	res.Status = StatusFailed

	return res
}

// DryRun prints commands instead of running them; every command succeeds.
type DryRun struct {
	w io.Writer
}

// NewDryRun creates a new DryRun runner.
func NewDryRun(w io.Writer) *DryRun {
	return &DryRun{w: w}
}

// Run implements Runner.
func (d *DryRun) Run(_ context.Context, c Cmd) Result {
	fmt.Fprintf(d.w, "+ %s\n", c) //nolint:errcheck

	return Result{Cmd: c}
}
