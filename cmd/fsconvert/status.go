// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/siderolabs/go-fsconvert/block"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare the filesystems on disk with the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := flags.layout()
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), l, config.NewResolver(flags.store(l)))
		},
	}
}

func printStatus(out io.Writer, l layout.Layout, resolver *config.Resolver) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "PARTITION\tDEVICE\tCONFIGURED\tDETECTED\tLABEL") //nolint:errcheck

	for _, spec := range l.Partitions() {
		opts, err := resolver.Resolve(spec.Name)
		if err != nil {
			return err
		}

		configured := opts.Kind.String()
		if opts.Loop {
			configured += "+loop"
		}

		detected, lbl := "-", "-"

		res, err := block.Probe(spec.BlockDevice)
		if err != nil {
			detected = fmt.Sprintf("error: %v", err)
		} else if res.Filesystem != block.FilesystemUnknown {
			detected = string(res.Filesystem)

			if res.Filesystem.IsExt() && !res.Journal {
				detected += " (no journal)"
			}

			if res.Label != nil {
				lbl = *res.Label
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", spec.Name, spec.BlockDevice, configured, detected, lbl) //nolint:errcheck
	}

	return w.Flush()
}
