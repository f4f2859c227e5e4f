// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/mount"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	var pending bool

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the mount commands for the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := flags.layout()
			if err != nil {
				return err
			}

			store := flags.store(l)
			if pending {
				store = config.NewStore(store.PendingPath(), store.PendingPath())
			}

			return printPlans(cmd.OutOrStdout(), l, config.NewResolver(store))
		},
	}

	planCmd.Flags().BoolVar(&pending, "pending", false, "use the pending configuration instead of the active one")

	return planCmd
}

func printPlans(out io.Writer, l layout.Layout, resolver *config.Resolver) error {
	planner := mount.NewPlanner(l)

	for _, spec := range l.Partitions() {
		opts, err := resolver.Resolve(spec.Name)
		if err != nil {
			return err
		}

		header := fmt.Sprintf("%s (%s", spec.Name, opts.Kind)
		if opts.Loop {
			header += ", loop"
		}

		if err = printPlan(out, header+")", planner.Plan(spec, opts)); err != nil {
			return err
		}
	}

	bind, err := resolver.BindEnabled()
	if err != nil {
		return err
	}

	if bind {
		if err = printPlan(out, "bind", planner.BindPlan()); err != nil {
			return err
		}
	}

	return printPlan(out, "unmount", planner.UnmountAll())
}

func printPlan(out io.Writer, title string, plan mount.Plan) error {
	if _, err := fmt.Fprintf(out, "# %s\n", title); err != nil {
		return err
	}

	for _, line := range plan.Lines() {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}

	return nil
}
