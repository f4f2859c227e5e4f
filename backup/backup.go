// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backup creates and restores the backups taken before a conversion.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-fsconvert/command"
)

// ErrInsufficientSpace is returned when the backup volume is too full.
var ErrInsufficientSpace = errors.New("insufficient free space for backup")

// TimestampFormat is the layout of backup directory names.
const TimestampFormat = "2006-01-02.15.04.05"

// RestoreSet selects the partitions to restore.
type RestoreSet struct {
	Boot   bool
	System bool
	Data   bool
	Cache  bool
	SDExt  bool
}

// Service creates and restores full-device backups.
type Service interface {
	Create(ctx context.Context, path string, excludeSystem bool) error
	Restore(ctx context.Context, path string, set RestoreSet) error
}

// TimestampPath returns the backup directory for a backup taken at t.
func TimestampPath(root string, t time.Time) string {
	return filepath.Join(root, t.Format(TimestampFormat))
}

// FreeSpace returns the number of bytes available to unprivileged users at path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t

	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %q: %w", path, err)
	}

	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFreeSpace verifies that path has at least minimum bytes available.
func CheckFreeSpace(path string, minimum uint64) error {
	if minimum == 0 {
		return nil
	}

	free, err := FreeSpace(path)
	if err != nil {
		return err
	}

	if free < minimum {
		return fmt.Errorf("%w: %d bytes available at %q, %d required", ErrInsufficientSpace, free, path, minimum)
	}

	return nil
}

// Nandroid implements Service with the nandroid command.
type Nandroid struct {
	runner command.Runner
	tool   string
	logger *zap.Logger
}

// NewNandroid creates a new Nandroid.
func NewNandroid(runner command.Runner, tool string, logger *zap.Logger) *Nandroid {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Nandroid{
		runner: runner,
		tool:   tool,
		logger: logger,
	}
}

// Create implements Service.
func (n *Nandroid) Create(ctx context.Context, path string, excludeSystem bool) error {
	args := []string{"backup", path}

	if excludeSystem {
		args = append(args, "--no-system")
	}

	n.logger.Info("creating backup", zap.String("path", path))

	if err := command.Run(ctx, n.runner, command.New(n.tool, args...)); err != nil {
		return fmt.Errorf("backup to %q failed: %w", path, err)
	}

	return nil
}

// Restore implements Service.
func (n *Nandroid) Restore(ctx context.Context, path string, set RestoreSet) error {
	args := []string{"restore", path}

	for _, flag := range []struct {
		enabled bool
		name    string
	}{
		{set.Boot, "--boot"},
		{set.System, "--system"},
		{set.Data, "--data"},
		{set.Cache, "--cache"},
		{set.SDExt, "--sd-ext"},
	} {
		if flag.enabled {
			args = append(args, flag.name)
		}
	}

	n.logger.Info("restoring backup", zap.String("path", path))

	if err := command.Run(ctx, n.runner, command.New(n.tool, args...)); err != nil {
		return fmt.Errorf("restore from %q failed: %w", path, err)
	}

	return nil
}
