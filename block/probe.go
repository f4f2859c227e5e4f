// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
)

// Filesystem is a filesystem family detected on disk.
type Filesystem string

// Detected filesystems.
const (
	FilesystemUnknown Filesystem = ""
	FilesystemExt2    Filesystem = "ext2"
	FilesystemExt3    Filesystem = "ext3"
	FilesystemExt4    Filesystem = "ext4"
	FilesystemVFAT    Filesystem = "vfat"
	FilesystemJFS     Filesystem = "jfs"
)

// IsExt returns true for the extfs family.
func (fs Filesystem) IsExt() bool {
	return fs == FilesystemExt2 || fs == FilesystemExt3 || fs == FilesystemExt4
}

// ProbeResult describes the filesystem found on a device.
type ProbeResult struct {
	Filesystem Filesystem
	// Journal is set for extfs with a journal.
	Journal bool

	// UUID is only reported for extfs.
	UUID  *uuid.UUID
	Label *string
}

// Magic is a signature at a fixed offset.
type Magic struct {
	Value  []byte
	Offset int
}

// Matches returns true if the magic value is found at the specified offset in the buffer.
func (m Magic) Matches(buf []byte) bool {
	if len(buf) < m.Offset+len(m.Value) {
		return false
	}

	return bytes.Equal(buf[m.Offset:m.Offset+len(m.Value)], m.Value)
}

const (
	extSuperBlockOffset = 0x400
	jfsSuperBlockOffset = 0x8000

	probeSize = jfsSuperBlockOffset + 0x1000
)

// Various extfs constants.
//
//nolint:stylecheck,revive
const (
	EXT3_FEATURE_COMPAT_HAS_JOURNAL = 0x0004

	EXT4_FEATURE_INCOMPAT_EXTENTS = 0x0040
	EXT4_FEATURE_INCOMPAT_64BIT   = 0x0080
	EXT4_FEATURE_INCOMPAT_FLEX_BG = 0x0200

	EXT4_FEATURE_RO_COMPAT_HUGE_FILE     = 0x0008
	EXT4_FEATURE_RO_COMPAT_GDT_CSUM      = 0x0010
	EXT4_FEATURE_RO_COMPAT_DIR_NLINK     = 0x0020
	EXT4_FEATURE_RO_COMPAT_EXTRA_ISIZE   = 0x0040
	EXT4_FEATURE_RO_COMPAT_METADATA_CSUM = 0x0400
)

var (
	extMagic = Magic{Offset: extSuperBlockOffset + 0x38, Value: []byte("\123\357")}
	jfsMagic = Magic{Offset: jfsSuperBlockOffset, Value: []byte("JFS1")}

	fatSignature = Magic{Offset: 0x1fe, Value: []byte{0x55, 0xaa}}

	fat32Magic = Magic{Offset: 0x52, Value: []byte("FAT32   ")}
	fatMagics  = []Magic{
		{Offset: 0x36, Value: []byte("FAT16   ")},
		{Offset: 0x36, Value: []byte("FAT12   ")},
		{Offset: 0x36, Value: []byte("FAT     ")},
		{Offset: 0x36, Value: []byte("MSDOS")},
	}
)

// Probe detects the filesystem on the device or image at path.
//
// An unrecognized device yields FilesystemUnknown and no error.
func Probe(path string) (*ProbeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return ProbeReader(f)
}

// ProbeReader detects the filesystem read through r.
func ProbeReader(r io.ReaderAt) (*ProbeResult, error) {
	buf := make([]byte, probeSize)

	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	buf = buf[:n]

	switch {
	case extMagic.Matches(buf):
		return probeExt(buf[extSuperBlockOffset:]), nil
	case jfsMagic.Matches(buf):
		return &ProbeResult{Filesystem: FilesystemJFS}, nil
	case fatSignature.Matches(buf):
		if res := probeFAT(buf); res != nil {
			return res, nil
		}
	}

	return &ProbeResult{Filesystem: FilesystemUnknown}, nil
}

func probeExt(sb []byte) *ProbeResult {
	if len(sb) < 0x88 {
		return &ProbeResult{Filesystem: FilesystemUnknown}
	}

	compat := binary.LittleEndian.Uint32(sb[0x5c:])
	incompat := binary.LittleEndian.Uint32(sb[0x60:])
	roCompat := binary.LittleEndian.Uint32(sb[0x64:])

	res := &ProbeResult{
		Journal: compat&EXT3_FEATURE_COMPAT_HAS_JOURNAL != 0,
	}

	switch {
	case incompat&(EXT4_FEATURE_INCOMPAT_EXTENTS|EXT4_FEATURE_INCOMPAT_64BIT|EXT4_FEATURE_INCOMPAT_FLEX_BG) != 0,
		roCompat&(EXT4_FEATURE_RO_COMPAT_HUGE_FILE|EXT4_FEATURE_RO_COMPAT_GDT_CSUM|EXT4_FEATURE_RO_COMPAT_DIR_NLINK|
			EXT4_FEATURE_RO_COMPAT_EXTRA_ISIZE|EXT4_FEATURE_RO_COMPAT_METADATA_CSUM) != 0:
		res.Filesystem = FilesystemExt4
	case res.Journal:
		res.Filesystem = FilesystemExt3
	default:
		res.Filesystem = FilesystemExt2
	}

	if id, err := uuid.FromBytes(sb[0x68:0x78]); err == nil && id != uuid.Nil {
		res.UUID = &id
	}

	res.Label = label(sb[0x78:0x88])

	return res
}

func probeFAT(buf []byte) *ProbeResult {
	labelOffset := 0x2b

	switch {
	case fat32Magic.Matches(buf):
		labelOffset = 0x47
	default:
		matched := false

		for _, m := range fatMagics {
			if m.Matches(buf) {
				matched = true

				break
			}
		}

		if !matched {
			return nil
		}
	}

	sectorSize := binary.LittleEndian.Uint16(buf[0x0b:])
	if sectorSize < 512 || sectorSize > 4096 || sectorSize&(sectorSize-1) != 0 {
		return nil
	}

	res := &ProbeResult{Filesystem: FilesystemVFAT}

	if lbl := label(bytes.TrimRight(buf[labelOffset:labelOffset+11], " ")); lbl != nil && *lbl != "NO NAME" {
		res.Label = lbl
	}

	return res
}

func label(raw []byte) *string {
	if len(raw) == 0 || raw[0] == 0 {
		return nil
	}

	idx := bytes.IndexByte(raw, 0)
	if idx == -1 {
		idx = len(raw)
	}

	return pointer.To(string(raw[:idx]))
}
