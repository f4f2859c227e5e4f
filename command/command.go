// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package command provides typed external command invocations with structured results.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/siderolabs/gen/xslices"
)

// Cmd is a single external command invocation (argv).
type Cmd struct {
	Name string
	Args []string
}

// New creates a new Cmd.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// Argv returns the full argument vector.
func (c Cmd) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String implements fmt.Stringer.
func (c Cmd) String() string {
	return strings.Join(xslices.Map(c.Argv(), quote), " ")
}

func quote(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\") {
		return strconv.Quote(arg)
	}

	return arg
}

// Status classifies the outcome of a command.
type Status int

// Command statuses.
const (
	StatusOK Status = iota
	// StatusExit means the command exited with a non-zero code.
	StatusExit
	// StatusSignal means the command was killed by a signal.
	StatusSignal
	// StatusNotFound means the command binary could not be found.
	StatusNotFound
	// StatusTimeout means the watchdog or the context expired.
	StatusTimeout
	// StatusFailed means the command could not be started.
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusExit:
		return "non-zero exit"
	case StatusSignal:
		return "killed by signal"
	case StatusNotFound:
		return "not found"
	case StatusTimeout:
		return "timed out"
	case StatusFailed:
		return "failed to start"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the structured outcome of running a Cmd.
type Result struct {
	Cmd      Cmd
	Status   Status
	ExitCode int
	Stdout   string
	Output   string
	Cause    error
}

// OK returns true if the command succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// AsError returns nil on success, or an *Error describing the failure.
func (r Result) AsError() error {
	if r.OK() {
		return nil
	}

	return &Error{Result: r}
}

// Error is returned for a command that did not succeed.
type Error struct {
	Result Result
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%q: %s", e.Result.Cmd.String(), e.Result.Status)

	if e.Result.Status == StatusExit {
		fmt.Fprintf(&sb, " (%d)", e.Result.ExitCode)
	}

	if output := strings.TrimSpace(e.Result.Output); output != "" {
		fmt.Fprintf(&sb, ": %s", output)
	}

	return sb.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Result.Cause
}

// Runner runs external commands, blocking until they complete.
type Runner interface {
	Run(ctx context.Context, c Cmd) Result
}

// Run executes c and returns its failure as an error.
func Run(ctx context.Context, r Runner, c Cmd) error {
	return r.Run(ctx, c).AsError()
}

// RunAll executes commands in order, stopping at the first failure.
func RunAll(ctx context.Context, r Runner, cmds ...Cmd) error {
	for _, c := range cmds {
		if err := Run(ctx, r, c); err != nil {
			return err
		}
	}

	return nil
}
