// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/freddierice/go-losetup/v2"

	"github.com/siderolabs/go-fsconvert/command"
)

// CommandBackend attaches images to a fixed device with the losetup command.
type CommandBackend struct {
	runner  command.Runner
	losetup string
	device  string
}

// NewCommandBackend creates a new CommandBackend.
func NewCommandBackend(runner command.Runner, losetupPath, device string) *CommandBackend {
	return &CommandBackend{
		runner:  runner,
		losetup: losetupPath,
		device:  device,
	}
}

// Attach implements Backend.
func (b *CommandBackend) Attach(ctx context.Context, image string) (string, error) {
	if err := command.Run(ctx, b.runner, command.New(b.losetup, b.device, image)); err != nil {
		return "", err
	}

	return b.device, nil
}

// Detach implements Backend.
func (b *CommandBackend) Detach(ctx context.Context, device string) error {
	return command.Run(ctx, b.runner, command.New(b.losetup, "-d", device))
}

// KernelBackend attaches images to the first free loop device via loop-control.
type KernelBackend struct {
	mu       sync.Mutex
	attached map[string]losetup.Device
}

// NewKernelBackend creates a new KernelBackend.
func NewKernelBackend() *KernelBackend {
	return &KernelBackend{
		attached: map[string]losetup.Device{},
	}
}

// Attach implements Backend.
func (b *KernelBackend) Attach(_ context.Context, image string) (string, error) {
	dev, err := losetup.Attach(image, 0, false)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.attached[dev.Path()] = dev

	return dev.Path(), nil
}

// Detach implements Backend.
func (b *KernelBackend) Detach(_ context.Context, device string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.attached[device]
	if !ok {
		return fmt.Errorf("loop device %q is not attached by this backend", device)
	}

	if err := dev.Detach(); err != nil {
		return err
	}

	delete(b.attached, device)

	return nil
}
