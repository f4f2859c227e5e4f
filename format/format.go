// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package format creates filesystems on partitions and loop devices.
package format

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/block"
	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

// ErrMounted is returned when formatting a partition which is still mounted.
var ErrMounted = errors.New("partition is mounted")

// ErrVerifyFailed is returned when the new filesystem is not the requested one.
var ErrVerifyFailed = errors.New("filesystem verification failed")

// MountTable reports whether a path is currently mounted.
type MountTable interface {
	IsMounted(path string) (bool, error)
}

// Options configure the Formatter.
type Options struct {
	Logger *zap.Logger
	// WipeSignatures clears stale signatures before running mkfs.
	WipeSignatures bool
	// Verify probes the partition after mkfs.
	Verify bool
}

// Option configures the Formatter.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithSignatureWipe enables wiping of stale filesystem signatures.
func WithSignatureWipe(wipe bool) Option {
	return func(o *Options) {
		o.WipeSignatures = wipe
	}
}

// WithVerify enables probing of the new filesystem after mkfs.
func WithVerify(verify bool) Option {
	return func(o *Options) {
		o.Verify = verify
	}
}

// Formatter builds and runs mkfs commands.
type Formatter struct {
	runner command.Runner
	table  MountTable
	tools  layout.Tools

	options Options
}

// New creates a new Formatter.
func New(runner command.Runner, table MountTable, tools layout.Tools, opts ...Option) *Formatter {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Formatter{
		runner:  runner,
		table:   table,
		tools:   tools,
		options: options,
	}
}

// Command returns the mkfs invocation for a partition.
//
// KindUnset formats as RFS.
func (f *Formatter) Command(spec layout.PartitionSpec, kind config.Kind) (command.Cmd, error) {
	dev := spec.BlockDevice
	label := spec.Label()
	inodes := strconv.Itoa(spec.Inodes)

	switch kind {
	case config.KindRFS, config.KindUnset:
		return command.New(f.tools.FATFormat,
			"-S", "4096",
			"-s", strconv.Itoa(spec.FATSectorsPerCluster),
			"-F", strconv.Itoa(spec.FATSize),
			dev,
		), nil
	case config.KindJFS:
		return command.New(f.tools.MkfsJFS, "-L", label, dev), nil
	case config.KindExt4NoJournal:
		return command.New(f.tools.MkfsExt4, "-O", "^has_journal", "-L", label, "-N", inodes, "-b", "4096", "-m", "0", "-F", dev), nil
	case config.KindExt4:
		return command.New(f.tools.MkfsExt4, "-L", label, "-b", "4096", "-N", inodes, "-m", "0", "-F", dev), nil
	case config.KindExt2:
		return command.New(f.tools.MkfsExt2, "-L", label, "-b", "4096", "-m", "0", "-F", dev), nil
	case config.KindExt3:
		return command.New(f.tools.MkfsExt3, "-L", label, "-b", "4096", "-m", "0", "-F", dev), nil
	default:
		return command.Cmd{}, fmt.Errorf("unsupported filesystem kind %d", kind)
	}
}

// Format creates a filesystem of the given kind on the partition.
//
// The partition must not be mounted at any of its paths.
func (f *Formatter) Format(ctx context.Context, spec layout.PartitionSpec, kind config.Kind) error {
	logger := f.options.Logger.With(zap.String("partition", string(spec.Name)), zap.Stringer("kind", kind))

	for _, path := range []string{spec.MountPoint, spec.LoopMountPoint, spec.BlockDevice} {
		if path == "" {
			continue
		}

		mounted, err := f.table.IsMounted(path)
		if err != nil {
			return fmt.Errorf("failed to check mount state of %q: %w", path, err)
		}

		if mounted {
			return fmt.Errorf("refusing to format %s: %w: %s", spec.Name, ErrMounted, path)
		}
	}

	c, err := f.Command(spec, kind)
	if err != nil {
		return err
	}

	if f.options.WipeSignatures {
		if err = block.WipeSignatures(spec.BlockDevice, logger); err != nil {
			return err
		}
	}

	logger.Info("formatting partition", zap.Stringer("cmd", c))

	if err = command.Run(ctx, f.runner, c); err != nil {
		return fmt.Errorf("failed to format %s: %w", spec.Name, err)
	}

	if f.options.Verify {
		return verify(spec, kind, logger)
	}

	return nil
}

// Expected returns the probe result a freshly formatted kind should produce.
func Expected(kind config.Kind) (block.Filesystem, bool) {
	switch kind {
	case config.KindRFS, config.KindUnset:
		return block.FilesystemVFAT, false
	case config.KindJFS:
		return block.FilesystemJFS, false
	case config.KindExt4NoJournal:
		return block.FilesystemExt4, false
	case config.KindExt4:
		return block.FilesystemExt4, true
	case config.KindExt2:
		return block.FilesystemExt2, false
	case config.KindExt3:
		return block.FilesystemExt3, true
	default:
		return block.FilesystemUnknown, false
	}
}

func verify(spec layout.PartitionSpec, kind config.Kind, logger *zap.Logger) error {
	res, err := block.Probe(spec.BlockDevice)
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", spec.Name, err)
	}

	fs, journal := Expected(kind)

	if res.Filesystem != fs || (res.Filesystem.IsExt() && res.Journal != journal) {
		return fmt.Errorf("%w: %s is %q (journal %v), expected %q (journal %v)",
			ErrVerifyFailed, spec.Name, res.Filesystem, res.Journal, fs, journal)
	}

	logger.Debug("filesystem verified", zap.String("filesystem", string(res.Filesystem)))

	return nil
}

// FormatImage creates the ext2 filesystem of a loop image through its loop device.
func (f *Formatter) FormatImage(ctx context.Context, loopDevice string) error {
	c := command.New(f.tools.MkfsExt2, "-b", "4096", "-m", "0", "-F", loopDevice)

	f.options.Logger.Info("formatting loop image", zap.String("device", loopDevice))

	if err := command.Run(ctx, f.runner, c); err != nil {
		return fmt.Errorf("failed to format loop image: %w", err)
	}

	return nil
}
