// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package convert

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/backup"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

// SystemLifecycle mounts and unmounts SYSTEM.
type SystemLifecycle interface {
	Mount(ctx context.Context, name layout.Name) error
	MountSystem(ctx context.Context, kind config.Kind) error
	UnmountVolume(ctx context.Context, path string) error
	Sync()
}

// Formatter formats a partition.
type Formatter interface {
	Format(ctx context.Context, spec layout.PartitionSpec, kind config.Kind) error
}

// Archiver stores a directory tree in a single archive file.
type Archiver interface {
	Path() string
	Create(ctx context.Context, dir string) error
	Extract(ctx context.Context, dir string) error
	Remove() error
}

var systemStages = []Stage{
	StageSystemMount,
	StageSystemArchive,
	StageSystemUnmount,
	StageSystemFormat,
	StageSystemRemount,
	StageSystemExtract,
	StageSystemCleanup,
}

// SystemConverter converts SYSTEM, keeping its contents in an archive on external storage.
type SystemConverter struct {
	layout    layout.Layout
	parts     SystemLifecycle
	formatter Formatter
	archive   Archiver

	options Options
}

// NewSystem creates a new SystemConverter.
func NewSystem(l layout.Layout, parts SystemLifecycle, formatter Formatter, archive Archiver, opts ...Option) *SystemConverter {
	return &SystemConverter{
		layout:    l,
		parts:     parts,
		formatter: formatter,
		archive:   archive,
		options:   newOptions(opts),
	}
}

// Run converts SYSTEM to kind, which must be KindExt4NoJournal or KindRFS.
func (c *SystemConverter) Run(ctx context.Context, kind config.Kind) (*Report, error) {
	if kind != config.KindExt4NoJournal && kind != config.KindRFS {
		return nil, fmt.Errorf("unsupported system filesystem %s", kind)
	}

	report := &Report{
		RunID:      uuid.NewString(),
		BackupPath: c.archive.Path(),
	}

	logger := c.options.Logger.With(zap.String("run_id", report.RunID), zap.Stringer("kind", kind))
	logger.Info("system conversion started")

	system := c.layout.System

	for _, s := range []struct {
		stage Stage
		fn    func(ctx context.Context) error
	}{
		{StageSystemMount, func(ctx context.Context) error {
			if err := c.parts.Mount(ctx, layout.SDCard); err != nil {
				return err
			}

			return c.parts.Mount(ctx, layout.System)
		}},
		{StageSystemArchive, func(ctx context.Context) error {
			if err := backup.CheckFreeSpace(c.layout.External.MountPoint, c.options.MinFreeSpace); err != nil {
				return err
			}

			c.options.Reporter.Printf("Archiving %s to %s", system.MountPoint, c.archive.Path())

			return c.archive.Create(ctx, system.MountPoint)
		}},
		{StageSystemUnmount, func(ctx context.Context) error {
			c.parts.Sync()

			return c.parts.UnmountVolume(ctx, system.MountPoint)
		}},
		{StageSystemFormat, func(ctx context.Context) error {
			return c.formatter.Format(ctx, system, kind)
		}},
		{StageSystemRemount, func(ctx context.Context) error {
			return c.parts.MountSystem(ctx, kind)
		}},
		{StageSystemExtract, func(ctx context.Context) error {
			c.options.Reporter.Printf("Restoring %s", system.MountPoint)

			return c.archive.Extract(ctx, system.MountPoint)
		}},
		{StageSystemCleanup, func(context.Context) error {
			if err := c.archive.Remove(); err != nil {
				return err
			}

			c.parts.Sync()

			return nil
		}},
	} {
		c.options.Reporter.Stage(slices.Index(systemStages, s.stage)+1, len(systemStages), s.stage.String())

		stageLogger := logger.With(zap.Stringer("stage", s.stage))
		stageLogger.Info("stage started")

		if err := s.fn(ctx); err != nil {
			stageLogger.Error("stage failed", zap.Error(err))

			return report, &StageError{Stage: s.stage, Err: err, BackupPath: report.BackupPath}
		}

		report.Stages = append(report.Stages, s.stage)
	}

	logger.Info("system conversion finished")

	return report, nil
}
