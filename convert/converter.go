// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package convert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/backup"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

// Converter converts DATA, DBDATA and CACHE to the pending configuration.
type Converter struct {
	layout   layout.Layout
	store    ConfigStore
	resolver *config.Resolver
	parts    Lifecycle
	backups  backup.Service

	options Options
}

// New creates a new Converter.
func New(l layout.Layout, store ConfigStore, resolver *config.Resolver, parts Lifecycle, backups backup.Service, opts ...Option) *Converter {
	return &Converter{
		layout:   l,
		store:    store,
		resolver: resolver,
		parts:    parts,
		backups:  backups,
		options:  newOptions(opts),
	}
}

// Stages returns the stages a run in the given mode goes through.
func Stages(mode Mode) []Stage {
	stages := []Stage{StageVerifyingMounts}

	if mode.backup() {
		stages = append(stages, StageBackingUp)
	}

	stages = append(stages,
		StageUnmounting,
		StageSwitchingConfig,
		StageRecreatingPartitions,
		StageVerifyingNewLayout,
		StageBindSetup,
		StageUnmountingAgain,
	)

	if mode.restore() {
		stages = append(stages, StageRestoringData, StageCleanupStrayBind)
	}

	return append(stages, StageFinalizingUnmount)
}

type run struct {
	*Converter

	report *Report
	logger *zap.Logger
	stages []Stage
}

func (r *run) stage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	r.options.Reporter.Stage(slices.Index(r.stages, stage)+1, len(r.stages), stage.String())

	logger := r.logger.With(zap.Stringer("stage", stage))
	logger.Info("stage started")

	if err := fn(ctx); err != nil {
		logger.Error("stage failed", zap.Error(err))

		return &StageError{Stage: stage, Err: err, BackupPath: r.report.BackupPath}
	}

	r.report.Stages = append(r.report.Stages, stage)

	return nil
}

// Run performs the conversion.
//
// Failures up to and including the layout verification abort the run. A failed
// restore is reported after the storage has been finalized.
func (c *Converter) Run(ctx context.Context, mode Mode) (*Report, error) {
	r := &run{
		Converter: c,
		report: &Report{
			RunID: uuid.NewString(),
			Mode:  mode,
		},
		stages: Stages(mode),
	}

	r.logger = c.options.Logger.With(zap.String("run_id", r.report.RunID), zap.Stringer("mode", mode))
	r.logger.Info("conversion started")

	r.echoConfig()

	for _, s := range []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageVerifyingMounts, r.verifyMounts},
		{StageBackingUp, r.createBackup},
		{StageUnmounting, r.unmount},
		{StageSwitchingConfig, r.switchConfig},
		{StageRecreatingPartitions, r.recreate},
		{StageVerifyingNewLayout, r.verifyNewLayout},
		{StageBindSetup, r.bindSetup},
		{StageUnmountingAgain, r.unmountAgain},
	} {
		if !slices.Contains(r.stages, s.stage) {
			continue
		}

		if err := r.stage(ctx, s.stage, s.fn); err != nil {
			return r.report, err
		}
	}

	var deferred error

	if mode.restore() {
		if err := r.stage(ctx, StageRestoringData, r.restore); err != nil {
			r.report.RestoreErr = err
			deferred = err

			c.options.Reporter.Warnf("Restore failed, data is still available in %s", r.report.BackupPath)
		}

		if err := r.stage(ctx, StageCleanupStrayBind, r.cleanupStrayBind); err != nil && deferred == nil {
			deferred = err
		}
	}

	if err := r.stage(ctx, StageFinalizingUnmount, r.finalize); err != nil && deferred == nil {
		deferred = err
	}

	if deferred != nil {
		return r.report, deferred
	}

	r.logger.Info("conversion finished")

	return r.report, nil
}

func (r *run) echoConfig() {
	for _, f := range []struct {
		title string
		read  func() (*config.File, error)
	}{
		{"Current configuration", r.store.Previous},
		{"New configuration", r.store.Pending},
	} {
		file, err := f.read()
		if err != nil {
			r.logger.Warn("failed to read configuration", zap.Error(err))

			continue
		}

		r.options.Reporter.Printf("%s:\n%s", f.title, strings.TrimRight(file.String(), "\n"))
	}
}

func (r *run) mountAll(ctx context.Context, names ...layout.Name) error {
	for _, name := range names {
		r.options.Reporter.Printf("Mounting %s", name)

		if err := r.parts.Mount(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) verifyMounts(ctx context.Context) error {
	if err := r.store.CheckPending(); err != nil {
		return err
	}

	return r.mountAll(ctx, layout.Data, layout.DBData, layout.Cache, layout.SDCard)
}

func (r *run) createBackup(ctx context.Context) error {
	path := backup.TimestampPath(r.layout.BackupRoot, r.options.Now())

	if err := backup.CheckFreeSpace(r.layout.External.MountPoint, r.options.MinFreeSpace); err != nil {
		return err
	}

	r.options.Reporter.Printf("Creating a backup at %s", path)

	if err := r.backups.Create(ctx, path, true); err != nil {
		return err
	}

	r.report.BackupPath = path

	return nil
}

func (r *run) unmount(ctx context.Context) error {
	r.parts.UnmountAll(ctx)

	return r.parts.Quiesced(ctx)
}

func (r *run) switchConfig(context.Context) error {
	return r.store.Promote()
}

func (r *run) recreate(ctx context.Context) error {
	for _, spec := range r.layout.Partitions() {
		r.options.Reporter.Printf("Creating %s", spec.MountPoint)

		if err := r.parts.Create(ctx, spec.Name); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) verifyNewLayout(ctx context.Context) error {
	return r.resolver.WithoutBind(func() error {
		return r.mountAll(ctx, layout.Data, layout.DBData, layout.Cache)
	})
}

func (r *run) bindSetup(ctx context.Context) error {
	bind, err := r.resolver.BindEnabled()
	if err != nil {
		return err
	}

	if !bind {
		return nil
	}

	r.options.Reporter.Printf("Creating bind directories")

	return r.parts.CreateBindDirs(ctx)
}

func (r *run) unmountAgain(ctx context.Context) error {
	r.parts.UnmountAll(ctx)

	if err := r.parts.Quiesced(ctx); err != nil {
		r.logger.Warn("storage is not quiesced before restore", zap.Error(err))
	}

	return nil
}

func (r *run) restore(ctx context.Context) error {
	if r.report.BackupPath == "" {
		return errors.New("no backup to restore from")
	}

	r.options.Reporter.Printf("Restoring data from %s", r.report.BackupPath)

	return r.backups.Restore(ctx, r.report.BackupPath, backup.RestoreSet{Data: true, Cache: true})
}

func (r *run) cleanupStrayBind(ctx context.Context) error {
	bind, err := r.resolver.BindEnabled()
	if err != nil {
		return err
	}

	if bind {
		return nil
	}

	if err = r.parts.RemoveStrayBindData(ctx); err != nil {
		return fmt.Errorf("failed to remove stray bind data: %w", err)
	}

	return nil
}

func (r *run) finalize(ctx context.Context) error {
	r.parts.Sync()

	if err := sleep(ctx, r.options.SettleDelay); err != nil {
		return err
	}

	r.parts.UnmountAll(ctx)
	r.parts.Sync()

	return nil
}
