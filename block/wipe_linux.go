// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// FastWipeRange fast wipe block.
	FastWipeRange = 1024 * 1024
)

// FastWipe zeroes the first and the last FastWipeRange bytes of the device.
//
// This clears superblocks and FAT boot sectors left by the previous filesystem.
func (d *Device) FastWipe() error {
	size, err := d.GetSize()
	if err != nil {
		return err
	}

	wipeLength := min(size, uint64(FastWipeRange))

	if _, err = d.WipeRange(0, wipeLength); err != nil {
		return err
	}

	if size >= FastWipeRange*2 {
		if _, err = d.WipeRange(size-FastWipeRange, FastWipeRange); err != nil {
			return err
		}
	}

	return nil
}

// WipeRange the device [start, start+length).
//
// It returns the method used.
func (d *Device) WipeRange(start, length uint64) (string, error) {
	r := [2]uint64{start, length}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), unix.BLKZEROOUT, uintptr(unsafe.Pointer(&r[0]))); errno == 0 {
		runtime.KeepAlive(d)

		return "blkzeroout", nil
	}

	zero := make([]byte, 64*1024)

	for off := start; off < start+length; {
		n := min(uint64(len(zero)), start+length-off)

		if _, err := d.f.WriteAt(zero[:n], int64(off)); err != nil {
			return "", err
		}

		off += n
	}

	return "writezeroes", d.f.Sync()
}
