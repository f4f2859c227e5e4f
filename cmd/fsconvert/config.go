// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/siderolabs/go-fsconvert/config"
)

func newConfigCommand(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the conversion configuration",
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the pending and the active configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				l, err := flags.layout()
				if err != nil {
					return err
				}

				store := flags.store(l)
				out := cmd.OutOrStdout()

				exists, err := fileExists(store.PendingPath())
				if err != nil {
					return err
				}

				var pending *config.File

				if exists {
					if pending, err = store.Pending(); err != nil {
						return err
					}
				}

				if err = showFile(out, "pending", store.PendingPath(), pending); err != nil {
					return err
				}

				previous, err := store.Previous()
				if err != nil {
					return err
				}

				return showFile(out, "active", store.PreviousPath(), previous)
			},
		},
		&cobra.Command{
			Use:   "set KEY=value...",
			Short: "Update the pending configuration",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				l, err := flags.layout()
				if err != nil {
					return err
				}

				store := flags.store(l)

				exists, err := fileExists(store.PendingPath())
				if err != nil {
					return err
				}

				read := store.Previous
				if exists {
					read = store.Pending
				}

				pending, err := read()
				if err != nil {
					return err
				}

				for _, pair := range args {
					if err = pending.SetPair(pair); err != nil {
						return err
					}
				}

				return store.SavePending(pending)
			},
		},
	)

	return configCmd
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func showFile(out io.Writer, title, path string, f *config.File) error {
	if _, err := fmt.Fprintf(out, "# %s (%s)\n", title, path); err != nil {
		return err
	}

	if f == nil {
		_, err := fmt.Fprintln(out, "# not present")

		return err
	}

	_, err := f.WriteTo(out)

	return err
}
