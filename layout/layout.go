// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package layout describes the partitions and volumes the converter operates on.
package layout

import "path/filepath"

// Name is the symbolic name of a logical partition.
type Name string

// Logical partitions.
const (
	Data   Name = "DATA"
	DBData Name = "DBDATA"
	Cache  Name = "CACHE"
	System Name = "SYSTEM"
	SDCard Name = "SDCARD"
)

// PartitionSpec identifies a single logical partition.
//
// PartitionSpecs are fixed at configuration time and never mutated at runtime.
type PartitionSpec struct {
	Name Name `yaml:"name"`

	// BlockDevice is the raw backing block device.
	BlockDevice string `yaml:"blockDevice"`
	// LoopDevice is attached to the loop image when the partition is mounted in loop mode.
	LoopDevice string `yaml:"loopDevice"`

	// MountPoint is where applications see the partition.
	MountPoint string `yaml:"mountPoint"`
	// LoopMountPoint is where the outer container filesystem is mounted in loop mode.
	LoopMountPoint string `yaml:"loopMountPoint"`

	// Inodes is the target inode count passed to mkfs.ext4.
	Inodes int `yaml:"inodes"`
	// LoopImageSize is the size of the loop image in bytes.
	LoopImageSize int64 `yaml:"loopImageSize"`

	// RFS formatting parameters (fat.format -s and -F).
	FATSectorsPerCluster int `yaml:"fatSectorsPerCluster"`
	FATSize              int `yaml:"fatSize"`
}

// ImagePath returns the path of the loop image inside the loop mount point.
func (p PartitionSpec) ImagePath(imageName string) string {
	return filepath.Join(p.LoopMountPoint, imageName)
}

// Label returns the filesystem label used when formatting.
func (p PartitionSpec) Label() string {
	return string(p.Name)
}

// Volume is a volume with a fixed filesystem type, e.g. external storage.
type Volume struct {
	Name        Name   `yaml:"name"`
	BlockDevice string `yaml:"blockDevice"`
	MountPoint  string `yaml:"mountPoint"`
	Type        string `yaml:"type"`
	Options     string `yaml:"options"`
}

// Tools holds paths of the external commands.
type Tools struct {
	FATFormat string `yaml:"fatFormat"`
	MkfsJFS   string `yaml:"mkfsJFS"`
	MkfsExt2  string `yaml:"mkfsExt2"`
	MkfsExt3  string `yaml:"mkfsExt3"`
	MkfsExt4  string `yaml:"mkfsExt4"`
	Mount     string `yaml:"mount"`
	Umount    string `yaml:"umount"`
	Losetup   string `yaml:"losetup"`
	Mkdir     string `yaml:"mkdir"`
	Chmod     string `yaml:"chmod"`
	Rm        string `yaml:"rm"`
	Nandroid  string `yaml:"nandroid"`
}

// Layout is the complete device description.
type Layout struct {
	Data   PartitionSpec
	DBData PartitionSpec
	Cache  PartitionSpec
	System PartitionSpec

	// External is the removable/internal SD storage holding backups.
	External Volume

	// ScratchLoop is the loop device used while creating loop images.
	ScratchLoop string
	// ImageName is the file name of the loop image inside LoopMountPoint.
	ImageName string

	BindSource  string
	BindTarget  string
	DalvikCache string

	ConfigPath         string
	PreviousConfigPath string

	BackupRoot    string
	SystemArchive string

	Tools Tools
}

// Default returns the layout of the stock device.
func Default() Layout {
	return Layout{
		Data: PartitionSpec{
			Name:                 Data,
			BlockDevice:          "/dev/block/mmcblk0p2",
			LoopDevice:           "/dev/block/loop1",
			MountPoint:           "/data",
			LoopMountPoint:       "/res/odata",
			Inodes:               50000,
			LoopImageSize:        1831632896,
			FATSectorsPerCluster: 4,
			FATSize:              32,
		},
		DBData: PartitionSpec{
			Name:                 DBData,
			BlockDevice:          "/dev/block/stl10",
			LoopDevice:           "/dev/block/loop2",
			MountPoint:           "/dbdata",
			LoopMountPoint:       "/res/odbdata",
			Inodes:               20000,
			LoopImageSize:        104857600,
			FATSectorsPerCluster: 1,
			FATSize:              16,
		},
		Cache: PartitionSpec{
			Name:                 Cache,
			BlockDevice:          "/dev/block/stl11",
			LoopDevice:           "/dev/block/loop3",
			MountPoint:           "/cache",
			LoopMountPoint:       "/res/ocache",
			Inodes:               2000,
			LoopImageSize:        29720576,
			FATSectorsPerCluster: 1,
			FATSize:              16,
		},
		System: PartitionSpec{
			Name:                 System,
			BlockDevice:          "/dev/block/stl9",
			MountPoint:           "/system",
			Inodes:               2000,
			FATSectorsPerCluster: 1,
			FATSize:              32,
		},
		External: Volume{
			Name:        SDCard,
			BlockDevice: "/dev/block/mmcblk0p1",
			MountPoint:  "/sdcard",
			Type:        "vfat",
		},
		ScratchLoop:        "/dev/block/loop0",
		ImageName:          ".extfs",
		BindSource:         "/dbdata/.data/data",
		BindTarget:         "/data/data",
		DalvikCache:        "/data/dalvik-cache",
		ConfigPath:         "/system/etc/lagfix.conf",
		PreviousConfigPath: "/system/etc/lagfix.conf.old",
		BackupRoot:         "/sdcard/clockworkmod/backup",
		SystemArchive:      "/sdcard/system-backup.tar.zst",
		Tools: Tools{
			FATFormat: "/sbin/fat.format",
			MkfsJFS:   "/sbin/mkfs.jfs",
			MkfsExt2:  "/sbin/mkfs.ext2",
			MkfsExt3:  "/sbin/mkfs.ext3",
			MkfsExt4:  "/sbin/mkfs.ext4",
			Mount:     "mount",
			Umount:    "umount",
			Losetup:   "losetup",
			Mkdir:     "mkdir",
			Chmod:     "chmod",
			Rm:        "rm",
			Nandroid:  "nandroid",
		},
	}
}

// Partitions returns the converted partitions in creation order.
//
// The order is significant: the scratch loop device is shared, so partitions
// are always processed DATA, DBDATA, CACHE.
func (l Layout) Partitions() []PartitionSpec {
	return []PartitionSpec{l.Data, l.DBData, l.Cache}
}

// Partition looks up a partition by name.
func (l Layout) Partition(name Name) (PartitionSpec, bool) {
	switch name {
	case Data:
		return l.Data, true
	case DBData:
		return l.DBData, true
	case Cache:
		return l.Cache, true
	case System:
		return l.System, true
	default:
		return PartitionSpec{}, false
	}
}

// LoopDevices returns the per-partition loop devices in detach order (highest first).
func (l Layout) LoopDevices() []string {
	return []string{l.Cache.LoopDevice, l.DBData.LoopDevice, l.Data.LoopDevice}
}
