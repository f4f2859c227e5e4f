// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package loop manages the scratch loop device used to format loop images.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrSlotPoisoned is returned by Acquire after a failed detach.
//
// The scratch device may still be attached, so it is never reused.
var ErrSlotPoisoned = errors.New("loop slot is poisoned by a failed detach")

// Backend attaches and detaches loop devices.
type Backend interface {
	// Attach binds image to a loop device and returns the device path.
	Attach(ctx context.Context, image string) (string, error)
	// Detach unbinds the loop device.
	Detach(ctx context.Context, device string) error
}

// Options configure the Slot.
type Options struct {
	Logger *zap.Logger
}

// Option configures the Slot.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Slot is a single loop device which can be held by one image at a time.
type Slot struct {
	backend Backend
	sem     chan struct{}

	mu       sync.Mutex
	poisoned error

	options Options
}

// NewSlot creates a new Slot.
func NewSlot(backend Backend, opts ...Option) *Slot {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Slot{
		backend: backend,
		sem:     make(chan struct{}, 1),
		options: options,
	}
}

// Acquire blocks until the slot is free and attaches image to it.
func (s *Slot) Acquire(ctx context.Context, image string) (*Lease, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.poisonErr(); err != nil {
		<-s.sem

		return nil, err
	}

	device, err := s.backend.Attach(ctx, image)
	if err != nil {
		<-s.sem

		return nil, fmt.Errorf("failed to attach %q: %w", image, err)
	}

	s.options.Logger.Debug("loop device attached", zap.String("device", device), zap.String("image", image))

	return &Lease{slot: s, device: device, image: image}, nil
}

func (s *Slot) poisonErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrSlotPoisoned, s.poisoned)
	}

	return nil
}

func (s *Slot) poison(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.poisoned = err
}

// Lease is an attached loop device.
type Lease struct {
	slot   *Slot
	device string
	image  string

	once sync.Once
	err  error
}

// Device returns the path of the attached loop device.
func (l *Lease) Device() string {
	return l.device
}

// Release detaches the loop device and frees the slot.
//
// Release is idempotent; subsequent calls return the result of the first one.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer func() { <-l.slot.sem }()

		if err := l.slot.backend.Detach(ctx, l.device); err != nil {
			l.slot.poison(err)
			l.err = fmt.Errorf("failed to detach %q: %w", l.device, err)

			return
		}

		l.slot.options.Logger.Debug("loop device detached", zap.String("device", l.device), zap.String("image", l.image))
	})

	return l.err
}
