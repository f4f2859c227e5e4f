// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/block"
	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/mount"
)

// Create formats a partition according to the previous configuration.
//
// In loop mode the loop image is created and formatted through the scratch loop slot.
func (m *Manager) Create(ctx context.Context, name layout.Name) error {
	spec, err := m.converted(name)
	if err != nil {
		return err
	}

	opts, err := m.resolver.Resolve(name)
	if err != nil {
		return err
	}

	logger := m.options.Logger.With(zap.String("partition", string(name)))
	logger.Info("creating partition", zap.Stringer("kind", opts.Kind), zap.Bool("loop", opts.Loop))

	if err = m.formatter.Format(ctx, spec, opts.Kind); err != nil {
		return err
	}

	if !opts.Loop {
		return nil
	}

	return m.createLoopImage(ctx, spec, opts.Kind, logger)
}

func (m *Manager) createLoopImage(ctx context.Context, spec layout.PartitionSpec, kind config.Kind, logger *zap.Logger) (err error) {
	if m.options.CheckCapacity {
		if err = block.CheckCapacity(spec.BlockDevice, uint64(spec.LoopImageSize)); err != nil {
			return err
		}
	}

	if err = mount.Execute(ctx, m.runner, m.planner.OuterMount(spec, kind)); err != nil {
		return fmt.Errorf("failed to mount %s for loop image creation: %w", spec.Name, err)
	}

	defer func() {
		unmountErr := mount.Execute(ctx, m.runner, m.planner.UnmountDevice(spec.BlockDevice))

		if err == nil && unmountErr != nil {
			err = fmt.Errorf("failed to unmount %s after loop image creation: %w", spec.Name, unmountErr)
		}
	}()

	image := spec.ImagePath(m.layout.ImageName)

	if err = m.options.CreateImage(image, spec.LoopImageSize); err != nil {
		return fmt.Errorf("failed to create loop image %q: %w", image, err)
	}

	logger.Debug("loop image created", zap.String("image", image), zap.Int64("size", spec.LoopImageSize))

	lease, err := m.slot.Acquire(ctx, image)
	if err != nil {
		return err
	}

	if err = m.formatter.FormatImage(ctx, lease.Device()); err != nil {
		lease.Release(ctx) //nolint:errcheck

		return err
	}

	return lease.Release(ctx)
}

// Mount mounts a partition, external storage or SYSTEM according to the previous configuration.
//
// Already mounted partitions are left as is. DATA with bind enabled also mounts DBDATA
// and bind-mounts the DBDATA copy over DATA.
func (m *Manager) Mount(ctx context.Context, name layout.Name) error {
	logger := m.options.Logger.With(zap.String("partition", string(name)))

	if name == layout.SDCard {
		return m.mountIfNeeded(ctx, m.layout.External.MountPoint, m.planner.Volume(m.layout.External), logger)
	}

	if name == layout.System {
		spec := m.layout.System

		return m.mountIfNeeded(ctx, spec.MountPoint, m.planner.Plan(spec, config.Options{Kind: config.KindUnset}), logger)
	}

	spec, err := m.converted(name)
	if err != nil {
		return err
	}

	mounted, err := m.table.IsMounted(spec.MountPoint)
	if err != nil {
		return err
	}

	if mounted {
		logger.Debug("already mounted")

		return nil
	}

	opts, err := m.resolver.Resolve(name)
	if err != nil {
		return err
	}

	if err = mount.Execute(ctx, m.runner, m.planner.Plan(spec, opts)); err != nil {
		return fmt.Errorf("failed to mount %s: %w", name, err)
	}

	if name != layout.Data || !opts.Bind {
		return nil
	}

	if err = m.Mount(ctx, layout.DBData); err != nil {
		return err
	}

	if err = mount.Execute(ctx, m.runner, m.planner.BindPlan()); err != nil {
		return fmt.Errorf("failed to bind %s: %w", name, err)
	}

	return nil
}

func (m *Manager) mountIfNeeded(ctx context.Context, target string, plan mount.Plan, logger *zap.Logger) error {
	mounted, err := m.table.IsMounted(target)
	if err != nil {
		return err
	}

	if mounted {
		logger.Debug("already mounted")

		return nil
	}

	if err = mount.Execute(ctx, m.runner, plan); err != nil {
		return fmt.Errorf("failed to mount %s: %w", target, err)
	}

	return nil
}

// CreateBindDirs creates the bind source and target directories.
func (m *Manager) CreateBindDirs(ctx context.Context) error {
	return mount.Execute(ctx, m.runner, m.planner.BindDirs())
}

// UnmountAll syncs and force-unmounts every possible mount, ignoring individual failures.
func (m *Manager) UnmountAll(ctx context.Context) {
	m.options.Sync()

	mount.ExecuteAll(ctx, m.runner, m.planner.UnmountAll(), m.options.Logger)
}

// Quiesced verifies that none of the managed paths is mounted.
func (m *Manager) Quiesced(_ context.Context) error {
	paths := []string{m.layout.BindTarget}

	for _, spec := range m.layout.Partitions() {
		paths = append(paths, spec.MountPoint, spec.LoopMountPoint)
	}

	paths = append(paths, m.layout.LoopDevices()...)

	for _, path := range paths {
		mounted, err := m.table.IsMounted(path)
		if err != nil {
			return err
		}

		if mounted {
			return fmt.Errorf("%w: %s is still mounted", ErrNotQuiesced, path)
		}
	}

	return nil
}

// RemoveStrayBindData deletes the DBDATA copy of DATA left by a restore without bind.
func (m *Manager) RemoveStrayBindData(ctx context.Context) error {
	if err := m.Mount(ctx, layout.DBData); err != nil {
		return err
	}

	dir := filepath.Dir(m.layout.BindSource)

	m.options.Logger.Info("removing stray bind data", zap.String("path", dir))

	return command.Run(ctx, m.runner, command.New(m.layout.Tools.Rm, "-rf", dir))
}

// UnmountVolume force-unmounts a single path and verifies it is gone.
func (m *Manager) UnmountVolume(ctx context.Context, path string) error {
	if err := mount.Execute(ctx, m.runner, m.planner.Unmount(path)); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", path, err)
	}

	mounted, err := m.table.IsMounted(path)
	if err != nil {
		return err
	}

	if mounted {
		return fmt.Errorf("%w: %s is still mounted", ErrNotQuiesced, path)
	}

	return nil
}

// MountSystem mounts SYSTEM directly as the given filesystem kind.
func (m *Manager) MountSystem(ctx context.Context, kind config.Kind) error {
	if err := mount.Execute(ctx, m.runner, m.planner.Direct(m.layout.System, kind)); err != nil {
		return fmt.Errorf("failed to mount %s: %w", layout.System, err)
	}

	return nil
}
