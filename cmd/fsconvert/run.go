// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/backup"
	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/convert"
	"github.com/siderolabs/go-fsconvert/format"
	"github.com/siderolabs/go-fsconvert/internal/progress"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/loop"
	"github.com/siderolabs/go-fsconvert/mount"
	"github.com/siderolabs/go-fsconvert/partition"
)

const (
	loopBackendCommand = "command"
	loopBackendKernel  = "kernel"

	tokenSystemExt4 = "sysext4"
	tokenSystemRFS  = "sysrfs"
)

type runOptions struct {
	dryRun         bool
	yes            bool
	loopBackend    string
	commandTimeout time.Duration
	rebootDelay    time.Duration
	settleDelay    time.Duration
	minFree        uint64
	wipeSignatures bool
	verifyFormat   bool
	checkCapacity  bool
	progressBar    bool
}

// services is the wired object graph of a single run.
type services struct {
	store     *config.Store
	resolver  *config.Resolver
	runner    command.Runner
	table     mount.Table
	formatter *format.Formatter
	parts     *partition.Manager
}

func newServices(l layout.Layout, store *config.Store, opts *runOptions, out io.Writer, logger *zap.Logger) (*services, error) {
	s := &services{
		store:    store,
		resolver: config.NewResolver(store),
	}

	var (
		backend  loop.Backend
		partOpts = []partition.Option{
			partition.WithLogger(logger),
			partition.WithCapacityCheck(opts.checkCapacity),
		}
	)

	if opts.dryRun {
		table := mount.NewStaticTable()

		s.runner = &observingRunner{dryRun: command.NewDryRun(out), table: table}
		s.table = table

		partOpts = append(partOpts,
			partition.WithCapacityCheck(false),
			partition.WithImageCreator(func(path string, size int64) error {
				_, err := fmt.Fprintf(out, "+ create %s (%d bytes)\n", path, size)

				return err
			}),
			partition.WithSync(func() {}),
		)
	} else {
		s.runner = command.NewExec(command.WithLogger(logger), command.WithTimeout(opts.commandTimeout))
		s.table = mount.NewProcTable("")
	}

	switch opts.loopBackend {
	case loopBackendCommand:
		backend = loop.NewCommandBackend(s.runner, l.Tools.Losetup, l.ScratchLoop)
	case loopBackendKernel:
		if opts.dryRun {
			backend = loop.NewCommandBackend(s.runner, l.Tools.Losetup, l.ScratchLoop)
		} else {
			backend = loop.NewKernelBackend()
		}
	default:
		return nil, fmt.Errorf("unknown loop backend %q", opts.loopBackend)
	}

	s.formatter = format.New(s.runner, s.table, l.Tools,
		format.WithLogger(logger),
		format.WithSignatureWipe(opts.wipeSignatures && !opts.dryRun),
		format.WithVerify(opts.verifyFormat && !opts.dryRun),
	)

	s.parts = partition.New(l, s.resolver, s.runner, s.table, s.formatter,
		loop.NewSlot(backend, loop.WithLogger(logger)),
		partOpts...,
	)

	return s, nil
}

func runConversion(cmd *cobra.Command, flags *globalFlags, opts *runOptions, token string) error {
	logger, err := flags.logger()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	defer logger.Sync() //nolint:errcheck

	l, err := flags.layout()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	store := flags.store(l)
	minFree := opts.minFree

	var archive convert.Archiver = backup.NewArchive(l.SystemArchive, logger)

	if opts.dryRun {
		dir, err := os.MkdirTemp("", "fsconvert-dry-run-")
		if err != nil {
			return err
		}

		defer os.RemoveAll(dir) //nolint:errcheck

		if store, err = sandboxStore(store, dir); err != nil {
			return err
		}

		archive = &printingArchive{path: l.SystemArchive, out: out}
		minFree = 0
	}

	svc, err := newServices(l, store, opts, out, logger)
	if err != nil {
		return err
	}

	reporter := progress.New(out, progress.WithBar(opts.progressBar), progress.WithColor(!color.NoColor))

	settleDelay := opts.settleDelay
	if opts.dryRun {
		settleDelay = 0
	}

	convertOpts := []convert.Option{
		convert.WithLogger(logger),
		convert.WithReporter(reporter),
		convert.WithSettleDelay(settleDelay),
		convert.WithMinFreeSpace(minFree),
	}

	var run func(context.Context) (*convert.Report, error)

	switch token {
	case tokenSystemExt4, tokenSystemRFS:
		kind := config.KindExt4NoJournal
		if token == tokenSystemRFS {
			kind = config.KindRFS
		}

		converter := convert.NewSystem(l, svc.parts, svc.formatter, archive, convertOpts...)

		if err = confirm(opts, fmt.Sprintf("Convert SYSTEM to %s?", kind)); err != nil {
			return err
		}

		run = func(ctx context.Context) (*convert.Report, error) {
			return converter.Run(ctx, kind)
		}
	default:
		var mode convert.Mode

		if mode, err = convert.ParseMode(token); err != nil {
			return err
		}

		nandroid := backup.NewNandroid(svc.runner, l.Tools.Nandroid, logger)
		converter := convert.New(l, svc.store, svc.resolver, svc.parts, nandroid, convertOpts...)

		if mode == convert.ModeFactoryReset {
			color.New(color.FgRed, color.Bold).Fprintln(out, "Factory reset: DATA, DBDATA and CACHE will be erased without a backup.") //nolint:errcheck
		}

		if err = confirm(opts, fmt.Sprintf("Convert partitions (%s)?", mode)); err != nil {
			return err
		}

		run = func(ctx context.Context) (*convert.Report, error) {
			return converter.Run(ctx, mode)
		}
	}

	// once started, a conversion runs to completion
	report, runErr := run(context.Background())
	reporter.Done()

	printSummary(out, report, runErr)

	if !opts.dryRun && opts.rebootDelay > 0 {
		time.Sleep(opts.rebootDelay)
	}

	return runErr
}

var errAborted = errors.New("aborted by user")

func confirm(opts *runOptions, message string) error {
	if opts.yes || opts.dryRun {
		return nil
	}

	var ok bool

	prompt := &survey.Confirm{
		Message: message,
		Default: false,
	}

	if err := survey.AskOne(prompt, &ok); err != nil {
		return err
	}

	if !ok {
		return errAborted
	}

	return nil
}

func printSummary(out io.Writer, report *convert.Report, err error) {
	if report == nil {
		return
	}

	stages := make([]string, 0, len(report.Stages))

	for _, stage := range report.Stages {
		stages = append(stages, stage.String())
	}

	fmt.Fprintf(out, "run %s: completed %s\n", report.RunID, strings.Join(stages, ", ")) //nolint:errcheck

	if report.BackupPath != "" {
		fmt.Fprintf(out, "backup: %s\n", report.BackupPath) //nolint:errcheck
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(out, "FAILED: %v\n", err) //nolint:errcheck

		return
	}

	color.New(color.FgGreen).Fprintln(out, "Done.") //nolint:errcheck
}
