// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/mount"
)

// observingRunner prints commands and tracks the mounts they would make.
type observingRunner struct {
	dryRun *command.DryRun
	table  *mount.StaticTable
}

func (r *observingRunner) Run(ctx context.Context, c command.Cmd) command.Result {
	res := r.dryRun.Run(ctx, c)
	r.table.Observe(c)

	return res
}

// printingArchive stands in for the SYSTEM archive during a dry run.
type printingArchive struct {
	path string
	out  io.Writer
}

func (a *printingArchive) Path() string {
	return a.path
}

func (a *printingArchive) Create(_ context.Context, dir string) error {
	_, err := fmt.Fprintf(a.out, "+ archive %s -> %s\n", dir, a.path)

	return err
}

func (a *printingArchive) Extract(_ context.Context, dir string) error {
	_, err := fmt.Fprintf(a.out, "+ extract %s -> %s\n", a.path, dir)

	return err
}

func (a *printingArchive) Remove() error {
	_, err := fmt.Fprintf(a.out, "+ remove %s\n", a.path)

	return err
}

// sandboxStore copies the configuration files into dir, so that promoting
// the pending configuration leaves the real files untouched.
func sandboxStore(store *config.Store, dir string) (*config.Store, error) {
	sandbox := config.NewStore(
		filepath.Join(dir, filepath.Base(store.PendingPath())),
		filepath.Join(dir, filepath.Base(store.PreviousPath())),
	)

	for src, dst := range map[string]string{
		store.PendingPath():  sandbox.PendingPath(),
		store.PreviousPath(): sandbox.PreviousPath(),
	} {
		data, err := os.ReadFile(src)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if err = os.WriteFile(dst, data, 0o644); err != nil {
			return nil, err
		}
	}

	return sandbox, nil
}
