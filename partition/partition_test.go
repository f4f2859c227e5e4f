// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-fsconvert/command/commandtest"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/format"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/loop"
	"github.com/siderolabs/go-fsconvert/mount"
	"github.com/siderolabs/go-fsconvert/partition"
)

const imageSize = 3*1024*1024 + 17

type env struct {
	rec    *commandtest.Recorder
	table  *mount.StaticTable
	layout layout.Layout
	mgr    *partition.Manager
}

func newEnv(t *testing.T, rec *commandtest.Recorder, conf ...string) *env {
	t.Helper()

	dir := t.TempDir()

	l := layout.Default()

	for _, spec := range []*layout.PartitionSpec{&l.Data, &l.DBData, &l.Cache} {
		spec.LoopMountPoint = filepath.Join(dir, strings.ToLower(string(spec.Name)))
		spec.LoopImageSize = imageSize

		require.NoError(t, os.MkdirAll(spec.LoopMountPoint, 0o700))
	}

	store := config.NewStore(filepath.Join(dir, "lagfix.conf"), filepath.Join(dir, "lagfix.conf.old"))

	if len(conf) > 0 {
		require.NoError(t, os.WriteFile(store.PreviousPath(), []byte(strings.Join(conf, "\n")+"\n"), 0o644))
	}

	table := mount.NewStaticTable()
	rec.OnSuccess(table.Observe)

	logger := zaptest.NewLogger(t)

	mgr := partition.New(
		l,
		config.NewResolver(store),
		rec,
		table,
		format.New(rec, table, l.Tools, format.WithLogger(logger)),
		loop.NewSlot(loop.NewCommandBackend(rec, l.Tools.Losetup, l.ScratchLoop), loop.WithLogger(logger)),
		partition.WithLogger(logger),
		partition.WithSync(func() {}),
	)

	return &env{rec: rec, table: table, layout: l, mgr: mgr}
}

func TestCreateLoop(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder(),
		"DATA_FS=ext4",
		"DATA_LOOP=ext2",
		"DBDATA_FS=rfs",
		"DBDATA_LOOP=ext2",
		"CACHE_FS=jfs",
		"CACHE_LOOP=false",
	)

	ctx := context.Background()

	require.NoError(t, e.mgr.Create(ctx, layout.Data))

	odata := e.layout.Data.LoopMountPoint

	assert.Equal(t, []string{
		"/sbin/mkfs.ext4 -L DATA -b 4096 -N 50000 -m 0 -F /dev/block/mmcblk0p2",
		"mkdir -p " + odata,
		"mount /dev/block/mmcblk0p2 " + odata,
		"losetup /dev/block/loop0 " + odata + "/.extfs",
		"/sbin/mkfs.ext2 -b 4096 -m 0 -F /dev/block/loop0",
		"losetup -d /dev/block/loop0",
		"umount /dev/block/mmcblk0p2",
	}, e.rec.Lines())

	require.NoError(t, e.mgr.Create(ctx, layout.DBData))
	require.NoError(t, e.mgr.Create(ctx, layout.Cache))

	for _, spec := range []layout.PartitionSpec{e.layout.Data, e.layout.DBData} {
		st, err := os.Stat(spec.ImagePath(e.layout.ImageName))
		require.NoError(t, err)

		assert.EqualValues(t, imageSize, st.Size())
	}

	assert.NoFileExists(t, e.layout.Cache.ImagePath(e.layout.ImageName))

	// detach of the previous image always precedes the next attach
	assert.Equal(t, []string{
		"losetup /dev/block/loop0 " + odata + "/.extfs",
		"losetup -d /dev/block/loop0",
		"losetup /dev/block/loop0 " + e.layout.DBData.LoopMountPoint + "/.extfs",
		"losetup -d /dev/block/loop0",
	}, e.rec.Matching("losetup"))

	assert.Contains(t, e.rec.Lines(), "mount -t rfs -o nosuid,nodev,check=no /dev/block/stl10 "+e.layout.DBData.LoopMountPoint)
	assert.Contains(t, e.rec.Lines(), "/sbin/mkfs.jfs -L CACHE /dev/block/stl11")

	assert.Empty(t, e.table.Targets())
	require.NoError(t, e.mgr.Quiesced(ctx))
}

func TestCreateLoopUnsetKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("rfs mount", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder(), "DATA_LOOP=ext2")

		require.NoError(t, e.mgr.Create(ctx, layout.Data))

		odata := e.layout.Data.LoopMountPoint

		assert.Equal(t, []string{
			"/sbin/fat.format -S 4096 -s 4 -F 32 /dev/block/mmcblk0p2",
			"mkdir -p " + odata,
			"mount -t rfs -o nosuid,nodev,check=no /dev/block/mmcblk0p2 " + odata,
			"losetup /dev/block/loop0 " + odata + "/.extfs",
			"/sbin/mkfs.ext2 -b 4096 -m 0 -F /dev/block/loop0",
			"losetup -d /dev/block/loop0",
			"umount /dev/block/mmcblk0p2",
		}, e.rec.Lines())
	})

	t.Run("fallback", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder().FailOnce("mount -t rfs"), "DATA_LOOP=ext2")

		require.NoError(t, e.mgr.Create(ctx, layout.Data))

		odata := e.layout.Data.LoopMountPoint

		assert.Equal(t, []string{
			"mount -t rfs -o nosuid,nodev,check=no /dev/block/mmcblk0p2 " + odata,
			"mount /dev/block/mmcblk0p2 " + odata,
		}, e.rec.Matching("mount "))

		st, err := os.Stat(e.layout.Data.ImagePath(e.layout.ImageName))
		require.NoError(t, err)
		assert.EqualValues(t, imageSize, st.Size())
	})
}

func TestCreateFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("format", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder().Fail("/sbin/mkfs.ext4"), "DATA_FS=ext4", "DATA_LOOP=ext2")

		require.Error(t, e.mgr.Create(ctx, layout.Data))
		assert.Len(t, e.rec.Calls(), 1)
	})

	t.Run("loop format", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder().Fail("/sbin/mkfs.ext2 -b"), "DATA_FS=ext4", "DATA_LOOP=ext2")

		require.Error(t, e.mgr.Create(ctx, layout.Data))

		lines := e.rec.Lines()
		require.GreaterOrEqual(t, len(lines), 2)

		// the slot is released and the raw device unmounted even on failure
		assert.Equal(t, []string{"losetup -d /dev/block/loop0", "umount /dev/block/mmcblk0p2"}, lines[len(lines)-2:])
		assert.Empty(t, e.table.Targets())
	})

	t.Run("mounted", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder(), "CACHE_FS=ext2")
		e.table.Mount("/dev/block/stl11", "/cache")

		require.ErrorIs(t, e.mgr.Create(ctx, layout.Cache), format.ErrMounted)
		assert.Empty(t, e.rec.Calls())
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t, commandtest.NewRecorder())

		require.ErrorIs(t, e.mgr.Create(ctx, layout.System), partition.ErrUnknownPartition)
	})
}

func TestMountBind(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder(), "DATA_FS=ext4", "BIND_DATA_TO_DBDATA=data")

	ctx := context.Background()

	require.NoError(t, e.mgr.Mount(ctx, layout.Data))

	assert.Equal(t, []string{
		"mount -t ext4 -o noatime,data=ordered,nodelalloc /dev/block/mmcblk0p2 /data",
		"mount -t rfs -o nosuid,nodev,check=no /dev/block/stl10 /dbdata",
		"mkdir -p /dbdata/.data/data",
		"mkdir -p /data/data",
		"mount -o bind /dbdata/.data/data /data/data",
	}, e.rec.Lines())

	e.rec.Reset()

	require.NoError(t, e.mgr.Mount(ctx, layout.Data))
	require.NoError(t, e.mgr.Mount(ctx, layout.DBData))
	assert.Empty(t, e.rec.Calls())

	require.ErrorIs(t, e.mgr.Quiesced(ctx), partition.ErrNotQuiesced)

	e.mgr.UnmountAll(ctx)

	require.NoError(t, e.mgr.Quiesced(ctx))
	assert.Len(t, e.rec.Calls(), 11)
}

func TestMountBindFailure(t *testing.T) {
	t.Parallel()

	rec := commandtest.NewRecorder().Fail("mount -t rfs -o nosuid,nodev,check=no /dev/block/stl10").Fail("mount /dev/block/stl10")

	e := newEnv(t, rec, "DATA_FS=ext2", "BIND_DATA_TO_DBDATA=data")

	require.Error(t, e.mgr.Mount(context.Background(), layout.Data))
	assert.Empty(t, e.rec.Matching("mount -o bind"))
}

func TestMountVolumes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder())

	ctx := context.Background()

	require.NoError(t, e.mgr.Mount(ctx, layout.SDCard))
	require.NoError(t, e.mgr.Mount(ctx, layout.SDCard))
	require.NoError(t, e.mgr.Mount(ctx, layout.System))

	assert.Equal(t, []string{
		"mkdir -p /sdcard",
		"mount -t vfat /dev/block/mmcblk0p1 /sdcard",
		"mount -t rfs -o nosuid,nodev,check=no /dev/block/stl9 /system",
	}, e.rec.Lines())

	require.NoError(t, e.mgr.UnmountVolume(ctx, "/system"))

	mounted, err := e.table.IsMounted("/system")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestUnmountVolumeFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder().Fail("umount"))
	e.table.Mount("/dev/block/stl9", "/system")

	require.Error(t, e.mgr.UnmountVolume(context.Background(), "/system"))
}

func TestRemoveStrayBindData(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder(), "DBDATA_FS=ext3")

	require.NoError(t, e.mgr.RemoveStrayBindData(context.Background()))

	assert.Equal(t, []string{
		"mount -t ext3 -o noatime /dev/block/stl10 /dbdata",
		"rm -rf /dbdata/.data",
	}, e.rec.Lines())
}

func TestCreateBindDirs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, commandtest.NewRecorder())

	require.NoError(t, e.mgr.CreateBindDirs(context.Background()))

	assert.Equal(t, []string{
		"mkdir -p /dbdata/.data/data",
		"mkdir -p /data/data",
	}, e.rec.Lines())
}
