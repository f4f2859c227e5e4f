// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package format_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/command/commandtest"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/format"
	"github.com/siderolabs/go-fsconvert/layout"
)

type mounted map[string]bool

func (m mounted) IsMounted(path string) (bool, error) {
	return m[path], nil
}

func TestCommand(t *testing.T) {
	t.Parallel()

	l := layout.Default()
	f := format.New(commandtest.NewRecorder(), mounted{}, l.Tools)

	for _, test := range []struct {
		name     string
		spec     layout.PartitionSpec
		kind     config.Kind
		expected string
	}{
		{
			name:     "data rfs",
			spec:     l.Data,
			kind:     config.KindRFS,
			expected: "/sbin/fat.format -S 4096 -s 4 -F 32 /dev/block/mmcblk0p2",
		},
		{
			name:     "dbdata unset",
			spec:     l.DBData,
			kind:     config.KindUnset,
			expected: "/sbin/fat.format -S 4096 -s 1 -F 16 /dev/block/stl10",
		},
		{
			name:     "cache jfs",
			spec:     l.Cache,
			kind:     config.KindJFS,
			expected: "/sbin/mkfs.jfs -L CACHE /dev/block/stl11",
		},
		{
			name:     "data ext4",
			spec:     l.Data,
			kind:     config.KindExt4,
			expected: "/sbin/mkfs.ext4 -L DATA -b 4096 -N 50000 -m 0 -F /dev/block/mmcblk0p2",
		},
		{
			name:     "cache ext4nj",
			spec:     l.Cache,
			kind:     config.KindExt4NoJournal,
			expected: "/sbin/mkfs.ext4 -O ^has_journal -L CACHE -N 2000 -b 4096 -m 0 -F /dev/block/stl11",
		},
		{
			name:     "dbdata ext2",
			spec:     l.DBData,
			kind:     config.KindExt2,
			expected: "/sbin/mkfs.ext2 -L DBDATA -b 4096 -m 0 -F /dev/block/stl10",
		},
		{
			name:     "dbdata ext3",
			spec:     l.DBData,
			kind:     config.KindExt3,
			expected: "/sbin/mkfs.ext3 -L DBDATA -b 4096 -m 0 -F /dev/block/stl10",
		},
		{
			name:     "system ext4nj",
			spec:     l.System,
			kind:     config.KindExt4NoJournal,
			expected: "/sbin/mkfs.ext4 -O ^has_journal -L SYSTEM -N 2000 -b 4096 -m 0 -F /dev/block/stl9",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c, err := f.Command(test.spec, test.kind)
			require.NoError(t, err)

			assert.Equal(t, test.expected, c.String())
		})
	}

	_, err := f.Command(l.Data, config.Kind(42))
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	l := layout.Default()
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		rec := commandtest.NewRecorder()
		f := format.New(rec, mounted{}, l.Tools, format.WithLogger(zaptest.NewLogger(t)))

		require.NoError(t, f.Format(ctx, l.Cache, config.KindExt2))
		require.NoError(t, f.FormatImage(ctx, l.ScratchLoop))

		assert.Equal(t, []string{
			"/sbin/mkfs.ext2 -L CACHE -b 4096 -m 0 -F /dev/block/stl11",
			"/sbin/mkfs.ext2 -b 4096 -m 0 -F /dev/block/loop0",
		}, rec.Lines())
	})

	t.Run("mounted", func(t *testing.T) {
		t.Parallel()

		for _, path := range []string{l.Data.MountPoint, l.Data.LoopMountPoint, l.Data.BlockDevice} {
			rec := commandtest.NewRecorder()
			f := format.New(rec, mounted{path: true}, l.Tools)

			err := f.Format(ctx, l.Data, config.KindExt4)
			require.ErrorIs(t, err, format.ErrMounted)
			assert.Contains(t, err.Error(), path)
			assert.Empty(t, rec.Calls())
		}
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		rec := commandtest.NewRecorder().Fail("/sbin/mkfs.jfs")
		f := format.New(rec, mounted{}, l.Tools)

		err := f.Format(ctx, l.DBData, config.KindJFS)
		require.Error(t, err)

		var cmdErr *command.Error

		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, command.StatusExit, cmdErr.Result.Status)
	})
}

// writeExt4 simulates mkfs.ext4 by writing an extfs superblock.
func writeExt4(t *testing.T, path string, journal bool) func(command.Cmd) {
	return func(command.Cmd) {
		buf := make([]byte, 4096)
		sb := buf[0x400:]

		copy(sb[0x38:], "\x53\xef")

		if journal {
			binary.LittleEndian.PutUint32(sb[0x5c:], 0x4)
		}

		binary.LittleEndian.PutUint32(sb[0x60:], 0x2c2)

		require.NoError(t, os.WriteFile(path, buf, 0o600))
	}
}

func TestFormatVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	for _, test := range []struct {
		name    string
		kind    config.Kind
		write   bool
		journal bool
		ok      bool
	}{
		{name: "ext4nj", kind: config.KindExt4NoJournal, write: true, ok: true},
		{name: "ext4", kind: config.KindExt4, write: true, journal: true, ok: true},
		{name: "journal missing", kind: config.KindExt4, write: true},
		{name: "wrong family", kind: config.KindExt2, write: true},
		{name: "nothing written", kind: config.KindExt4NoJournal},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			l := layout.Default()
			spec := l.Cache
			spec.BlockDevice = filepath.Join(t.TempDir(), "stl11")

			require.NoError(t, os.WriteFile(spec.BlockDevice, make([]byte, 4096), 0o600))

			rec := commandtest.NewRecorder()
			if test.write {
				rec.OnSuccess(writeExt4(t, spec.BlockDevice, test.journal))
			}

			f := format.New(rec, mounted{}, l.Tools, format.WithVerify(true), format.WithLogger(zaptest.NewLogger(t)))

			err := f.Format(ctx, spec, test.kind)
			if test.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, format.ErrVerifyFailed)
			}
		})
	}
}
