// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition implements the lifecycle of converted partitions.
package partition

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/format"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/loop"
	"github.com/siderolabs/go-fsconvert/mount"
)

// Common errors.
var (
	ErrNotQuiesced      = errors.New("storage is not quiesced")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Options configure the Manager.
type Options struct {
	Logger *zap.Logger

	// CheckCapacity verifies that the loop image fits the raw device.
	CheckCapacity bool

	// CreateImage creates an empty file of the given size.
	CreateImage func(path string, size int64) error

	// Sync flushes filesystem buffers.
	Sync func()
}

// Option configures the Manager.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCapacityCheck enables the loop image size check.
func WithCapacityCheck(check bool) Option {
	return func(o *Options) {
		o.CheckCapacity = check
	}
}

// WithImageCreator overrides loop image file creation.
func WithImageCreator(fn func(path string, size int64) error) Option {
	return func(o *Options) {
		o.CreateImage = fn
	}
}

// WithSync overrides the filesystem sync.
func WithSync(fn func()) Option {
	return func(o *Options) {
		o.Sync = fn
	}
}

// Manager creates, mounts and unmounts the converted partitions.
type Manager struct {
	layout    layout.Layout
	resolver  *config.Resolver
	runner    command.Runner
	table     mount.Table
	planner   *mount.Planner
	formatter *format.Formatter
	slot      *loop.Slot

	options Options
}

// New creates a new Manager.
func New(
	l layout.Layout,
	resolver *config.Resolver,
	runner command.Runner,
	table mount.Table,
	formatter *format.Formatter,
	slot *loop.Slot,
	opts ...Option,
) *Manager {
	options := Options{
		Logger:      zap.NewNop(),
		CreateImage: CreateImage,
		Sync:        unix.Sync,
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Manager{
		layout:    l,
		resolver:  resolver,
		runner:    runner,
		table:     table,
		planner:   mount.NewPlanner(l),
		formatter: formatter,
		slot:      slot,
		options:   options,
	}
}

// Layout returns the managed layout.
func (m *Manager) Layout() layout.Layout {
	return m.layout
}

// Planner returns the mount planner.
func (m *Manager) Planner() *mount.Planner {
	return m.planner
}

// Sync flushes filesystem buffers.
func (m *Manager) Sync() {
	m.options.Sync()
}

func (m *Manager) converted(name layout.Name) (layout.PartitionSpec, error) {
	switch name {
	case layout.Data, layout.DBData, layout.Cache:
		spec, _ := m.layout.Partition(name)

		return spec, nil
	default:
		return layout.PartitionSpec{}, fmt.Errorf("%w: %q", ErrUnknownPartition, name)
	}
}

// CreateImage creates an empty file and extends it to size bytes.
func CreateImage(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if err = f.Truncate(size); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	return f.Close()
}
