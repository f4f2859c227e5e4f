// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-fsconvert/layout"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	l := layout.Default()
	require.NoError(t, l.Validate())

	names := []layout.Name{}
	for _, spec := range l.Partitions() {
		names = append(names, spec.Name)
	}

	assert.Equal(t, []layout.Name{layout.Data, layout.DBData, layout.Cache}, names)
	assert.Equal(t, []string{"/dev/block/loop3", "/dev/block/loop2", "/dev/block/loop1"}, l.LoopDevices())

	assert.Equal(t, "/res/odata/.extfs", l.Data.ImagePath(l.ImageName))
	assert.Greater(t, l.Data.Inodes, l.Cache.Inodes)

	_, ok := l.Partition(layout.SDCard)
	assert.False(t, ok)

	spec, ok := l.Partition(layout.System)
	require.True(t, ok)
	assert.Equal(t, "/system", spec.MountPoint)
}

func TestApply(t *testing.T) {
	t.Parallel()

	l, err := layout.Default().Apply(layout.Override{
		Partitions: map[layout.Name]layout.PartitionOverride{
			layout.Cache: {
				BlockDevice:   pointer.To("/dev/vdc"),
				LoopImageSize: pointer.To(int64(4096)),
			},
		},
		External:    &layout.Volume{MountPoint: "/mnt/sdcard"},
		Tools:       &layout.Tools{Mount: "/bin/mount"},
		ScratchLoop: pointer.To("/dev/loop7"),
	})
	require.NoError(t, err)

	assert.Equal(t, "/dev/vdc", l.Cache.BlockDevice)
	assert.Equal(t, int64(4096), l.Cache.LoopImageSize)
	assert.Equal(t, "/cache", l.Cache.MountPoint)
	assert.Equal(t, "/mnt/sdcard", l.External.MountPoint)
	assert.Equal(t, "vfat", l.External.Type)
	assert.Equal(t, "/bin/mount", l.Tools.Mount)
	assert.Equal(t, "umount", l.Tools.Umount)
	assert.Equal(t, "/dev/loop7", l.ScratchLoop)

	l, err = layout.Default().Apply(layout.Override{
		BackupRoot:    pointer.To("/mnt/backup"),
		SystemArchive: pointer.To(""),
	})
	require.NoError(t, err)

	assert.Equal(t, "/mnt/backup", l.BackupRoot)
	assert.Empty(t, l.SystemArchive)
	assert.Equal(t, layout.Default().ImageName, l.ImageName)
	assert.Equal(t, layout.Default().ConfigPath, l.ConfigPath)

	_, err = layout.Default().Apply(layout.Override{
		Partitions: map[layout.Name]layout.PartitionOverride{
			"BOOT": {},
		},
	})
	assert.Error(t, err)

	_, err = layout.Default().Apply(layout.Override{
		Partitions: map[layout.Name]layout.PartitionOverride{
			layout.Data: {LoopImageSize: pointer.To(int64(0))},
		},
	})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layout.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
partitions:
  DATA:
    blockDevice: /dev/mmcblk0p3
    inodes: 60000
scratchLoop: /dev/block/loop7
tools:
  fatFormat: /system/bin/fat.format
`), 0o644))

	l, err := layout.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/mmcblk0p3", l.Data.BlockDevice)
	assert.Equal(t, 60000, l.Data.Inodes)
	assert.Equal(t, "/dev/block/loop7", l.ScratchLoop)
	assert.Equal(t, "/system/bin/fat.format", l.Tools.FATFormat)
	assert.Equal(t, "/sbin/mkfs.ext4", l.Tools.MkfsExt4)

	require.NoError(t, os.WriteFile(path, []byte("bogus: 1\n"), 0o644))

	_, err = layout.Load(path)
	assert.Error(t, err)
}
