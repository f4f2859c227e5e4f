// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package commandtest provides a recording command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/go-fsconvert/command"
)

type rule struct {
	match    func(command.Cmd) bool
	status   command.Status
	exitCode int
	times    int
}

// Recorder records every command and succeeds unless a failure rule matches.
type Recorder struct {
	mu    sync.Mutex
	calls []command.Cmd
	rules []*rule
	hooks []func(command.Cmd)
}

// NewRecorder creates a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWhen makes every command matching fn fail with the given status.
func (r *Recorder) FailWhen(fn func(command.Cmd) bool, status command.Status, exitCode int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = append(r.rules, &rule{match: fn, status: status, exitCode: exitCode, times: -1})

	return r
}

// Fail makes commands whose rendered form starts with prefix exit with code 1.
func (r *Recorder) Fail(prefix string) *Recorder {
	return r.FailWhen(HasPrefix(prefix), command.StatusExit, 1)
}

// FailOnce makes the next command starting with prefix exit with code 1.
func (r *Recorder) FailOnce(prefix string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = append(r.rules, &rule{match: HasPrefix(prefix), status: command.StatusExit, exitCode: 1, times: 1})

	return r
}

// OnSuccess registers a hook invoked for every command which succeeds.
func (r *Recorder) OnSuccess(fn func(command.Cmd)) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, fn)

	return r
}

// Run implements command.Runner.
func (r *Recorder) Run(_ context.Context, c command.Cmd) command.Result {
	res := r.record(c)

	if res.OK() {
		r.mu.Lock()
		hooks := append([]func(command.Cmd){}, r.hooks...)
		r.mu.Unlock()

		for _, hook := range hooks {
			hook(c)
		}
	}

	return res
}

func (r *Recorder) record(c command.Cmd) command.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, c)

	for _, rl := range r.rules {
		if rl.times == 0 || !rl.match(c) {
			continue
		}

		if rl.times > 0 {
			rl.times--
		}

		return command.Result{Cmd: c, Status: rl.status, ExitCode: rl.exitCode, Output: "scripted failure"}
	}

	return command.Result{Cmd: c}
}

// Calls returns the recorded commands.
func (r *Recorder) Calls() []command.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]command.Cmd(nil), r.calls...)
}

// Lines returns the recorded commands rendered as strings.
func (r *Recorder) Lines() []string {
	return xslices.Map(r.Calls(), command.Cmd.String)
}

// Matching returns the rendered commands starting with prefix.
func (r *Recorder) Matching(prefix string) []string {
	return xslices.Filter(r.Lines(), func(line string) bool {
		return strings.HasPrefix(line, prefix)
	})
}

// Index returns the position of the first command starting with prefix, or -1.
func (r *Recorder) Index(prefix string) int {
	for i, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}

	return -1
}

// Reset forgets the recorded commands; rules and hooks are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
}

// HasPrefix matches commands whose rendered form starts with prefix.
func HasPrefix(prefix string) func(command.Cmd) bool {
	return func(c command.Cmd) bool {
		return strings.HasPrefix(c.String(), prefix)
	}
}
