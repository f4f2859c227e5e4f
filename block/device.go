// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package block provides raw access to the partitions being converted.
package block

import (
	"errors"
	"os"
)

// ErrTooSmall is returned when a device cannot hold the requested size.
var ErrTooSmall = errors.New("device is too small")

// Device wraps blockdevice operations.
type Device struct {
	f *os.File

	ownedFile bool
}

// NewFromFile returns a new Device from the specified file.
func NewFromFile(f *os.File) *Device {
	return &Device{f: f}
}

// Options for NewFromPath.
type Options struct {
	Flag int
}

// Option configures NewFromPath.
type Option func(*Options)

// OpenForWrite opens the device for writing.
func OpenForWrite() Option {
	return func(o *Options) {
		o.Flag |= os.O_RDWR
	}
}

// DefaultBlockSize is the default block size in bytes.
const DefaultBlockSize = 512

// Close the device.
//
// No-op if the device was created from an existing file.
func (d *Device) Close() error {
	if !d.ownedFile {
		return nil
	}

	return d.f.Close()
}
