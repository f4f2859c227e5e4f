// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/command"
)

// Step is a single plan step.
//
// Alternatives are tried in order, and the first one which succeeds completes the step.
type Step struct {
	Alternatives []command.Cmd
}

// Single returns a step with a single command.
func Single(c command.Cmd) Step {
	return Step{Alternatives: []command.Cmd{c}}
}

// FirstOf returns a step with alternatives.
func FirstOf(cmds ...command.Cmd) Step {
	return Step{Alternatives: cmds}
}

// String implements fmt.Stringer.
func (s Step) String() string {
	return strings.Join(xslices.Map(s.Alternatives, command.Cmd.String), " || ")
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step
}

// Append returns a plan with steps appended.
func (p Plan) Append(steps ...Step) Plan {
	return Plan{Steps: append(append([]Step(nil), p.Steps...), steps...)}
}

// Concat returns a plan followed by another one.
func (p Plan) Concat(other Plan) Plan {
	return p.Append(other.Steps...)
}

// Lines renders every step as a single line.
func (p Plan) Lines() []string {
	return xslices.Map(p.Steps, Step.String)
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return strings.Join(p.Lines(), "\n")
}

// Execute runs the plan, stopping at the first step whose alternatives all fail.
func Execute(ctx context.Context, runner command.Runner, plan Plan) error {
	for _, step := range plan.Steps {
		if err := runStep(ctx, runner, step); err != nil {
			return err
		}
	}

	return nil
}

// ExecuteAll runs every step of the plan, logging failures and continuing.
func ExecuteAll(ctx context.Context, runner command.Runner, plan Plan, logger *zap.Logger) {
	for _, step := range plan.Steps {
		if err := runStep(ctx, runner, step); err != nil {
			logger.Debug("ignoring failed step", zap.Stringer("step", step), zap.Error(err))
		}
	}
}

func runStep(ctx context.Context, runner command.Runner, step Step) error {
	if len(step.Alternatives) == 0 {
		return errors.New("empty plan step")
	}

	var errs []error

	for _, c := range step.Alternatives {
		err := command.Run(ctx, runner, c)
		if err == nil {
			return nil
		}

		errs = append(errs, err)
	}

	if len(errs) == 1 {
		return errs[0]
	}

	return fmt.Errorf("all alternatives failed: %w", errors.Join(errs...))
}
