// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package convert_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-fsconvert/backup"
	"github.com/siderolabs/go-fsconvert/command/commandtest"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/convert"
	"github.com/siderolabs/go-fsconvert/format"
	"github.com/siderolabs/go-fsconvert/layout"
	"github.com/siderolabs/go-fsconvert/loop"
	"github.com/siderolabs/go-fsconvert/mount"
	"github.com/siderolabs/go-fsconvert/partition"
)

type systemEnv struct {
	rec     *commandtest.Recorder
	layout  layout.Layout
	archive *backup.Archive
	conv    *convert.SystemConverter
}

func newSystemEnv(t *testing.T, rec *commandtest.Recorder) *systemEnv {
	t.Helper()

	dir := t.TempDir()

	l := layout.Default()
	l.System.MountPoint = filepath.Join(dir, "system")
	l.External.MountPoint = filepath.Join(dir, "sdcard")

	require.NoError(t, os.MkdirAll(filepath.Join(l.System.MountPoint, "etc"), 0o755))
	require.NoError(t, os.MkdirAll(l.External.MountPoint, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.System.MountPoint, "etc", "lagfix.conf"), []byte("DATA_FS=ext4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(l.System.MountPoint, "build.prop"), []byte("ro.build.id=FROYO\n"), 0o644))

	table := mount.NewStaticTable()
	rec.OnSuccess(table.Observe)

	logger := zaptest.NewLogger(t)
	store := config.NewStore(filepath.Join(dir, "lagfix.conf"), filepath.Join(dir, "lagfix.conf.old"))
	formatter := format.New(rec, table, l.Tools, format.WithLogger(logger))

	mgr := partition.New(
		l,
		config.NewResolver(store),
		rec,
		table,
		formatter,
		loop.NewSlot(loop.NewCommandBackend(rec, l.Tools.Losetup, l.ScratchLoop)),
		partition.WithLogger(logger),
		partition.WithSync(func() {}),
	)

	archive := backup.NewArchive(filepath.Join(l.External.MountPoint, "system-backup.tar.zst"), logger)

	return &systemEnv{
		rec:     rec,
		layout:  l,
		archive: archive,
		conv:    convert.NewSystem(l, mgr, formatter, archive, convert.WithLogger(logger)),
	}
}

func TestSystemRun(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		kind     config.Kind
		mkfs     string
		remounts string
	}{
		{
			name:     "ext4",
			kind:     config.KindExt4NoJournal,
			mkfs:     "/sbin/mkfs.ext4 -O ^has_journal -L SYSTEM -N 2000 -b 4096 -m 0 -F /dev/block/stl9",
			remounts: "mount -t ext4 /dev/block/stl9 ",
		},
		{
			name:     "rfs",
			kind:     config.KindRFS,
			mkfs:     "/sbin/fat.format -S 4096 -s 1 -F 32 /dev/block/stl9",
			remounts: "mount -t rfs -o nosuid,nodev,check=no /dev/block/stl9 ",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			e := newSystemEnv(t, commandtest.NewRecorder())

			report, err := e.conv.Run(context.Background(), test.kind)
			require.NoError(t, err)

			assert.Len(t, report.Stages, 7)
			assert.Equal(t, e.archive.Path(), report.BackupPath)

			system := e.layout.System.MountPoint

			assert.Equal(t, []string{
				"mkdir -p " + e.layout.External.MountPoint,
				"mount -t vfat /dev/block/mmcblk0p1 " + e.layout.External.MountPoint,
				"mount -t rfs -o nosuid,nodev,check=no /dev/block/stl9 " + system,
				"umount -f " + system,
				test.mkfs,
				test.remounts + system,
			}, e.rec.Lines())

			contents, err := os.ReadFile(filepath.Join(system, "etc", "lagfix.conf"))
			require.NoError(t, err)
			assert.Equal(t, "DATA_FS=ext4\n", string(contents))

			assert.NoFileExists(t, e.archive.Path())
		})
	}
}

func TestSystemRunFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("kind", func(t *testing.T) {
		t.Parallel()

		e := newSystemEnv(t, commandtest.NewRecorder())

		_, err := e.conv.Run(ctx, config.KindJFS)
		require.Error(t, err)
		assert.Empty(t, e.rec.Calls())
	})

	t.Run("mount", func(t *testing.T) {
		t.Parallel()

		e := newSystemEnv(t, commandtest.NewRecorder().Fail("mount -t vfat"))

		_, err := e.conv.Run(ctx, config.KindRFS)

		var stageErr *convert.StageError

		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, convert.StageSystemMount, stageErr.Stage)
		assert.NoFileExists(t, e.archive.Path())
	})

	t.Run("format", func(t *testing.T) {
		t.Parallel()

		e := newSystemEnv(t, commandtest.NewRecorder().Fail("/sbin/mkfs.ext4"))

		report, err := e.conv.Run(ctx, config.KindExt4NoJournal)

		var stageErr *convert.StageError

		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, convert.StageSystemFormat, stageErr.Stage)
		assert.Contains(t, err.Error(), e.archive.Path())
		assert.True(t, report.Completed(convert.StageSystemArchive))

		// the archive is kept for manual recovery
		assert.FileExists(t, e.archive.Path())
	})
}
