// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package convert implements the filesystem conversion workflows.
//
// A conversion is strictly sequential: every external command completes before
// the next one starts, and no stage is retried.
package convert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/backup"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

// ErrInsufficientSpace is returned when the backup volume is too full.
var ErrInsufficientSpace = backup.ErrInsufficientSpace

// Reporter receives operator-facing progress.
type Reporter interface {
	Stage(index, total int, name string)
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopReporter struct{}

func (nopReporter) Stage(int, int, string) {}
func (nopReporter) Printf(string, ...any)  {}
func (nopReporter) Warnf(string, ...any)   {}

// Lifecycle creates, mounts and unmounts the converted partitions.
type Lifecycle interface {
	Create(ctx context.Context, name layout.Name) error
	Mount(ctx context.Context, name layout.Name) error
	CreateBindDirs(ctx context.Context) error
	UnmountAll(ctx context.Context)
	Quiesced(ctx context.Context) error
	RemoveStrayBindData(ctx context.Context) error
	Sync()
}

// ConfigStore holds the pending and previous configurations.
type ConfigStore interface {
	Pending() (*config.File, error)
	Previous() (*config.File, error)
	CheckPending() error
	Promote() error
}

// Options configure the converters.
type Options struct {
	Logger   *zap.Logger
	Reporter Reporter

	// SettleDelay is the pause before the final unmount.
	SettleDelay time.Duration

	// MinFreeSpace is the free space required on the backup volume, zero disables the check.
	MinFreeSpace uint64

	// Now returns the current time, used for backup paths.
	Now func() time.Time
}

// Option configures the converters.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithReporter sets the progress reporter.
func WithReporter(reporter Reporter) Option {
	return func(o *Options) {
		o.Reporter = reporter
	}
}

// WithSettleDelay sets the pause before the final unmount.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Options) {
		o.SettleDelay = d
	}
}

// WithMinFreeSpace sets the free space required on the backup volume.
func WithMinFreeSpace(bytes uint64) Option {
	return func(o *Options) {
		o.MinFreeSpace = bytes
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

func newOptions(opts []Option) Options {
	options := Options{
		Logger:      zap.NewNop(),
		Reporter:    nopReporter{},
		SettleDelay: 5 * time.Second,
		Now:         time.Now,
	}

	for _, opt := range opts {
		opt(&options)
	}

	return options
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
