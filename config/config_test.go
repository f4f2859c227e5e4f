// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

func newStore(t *testing.T, previous string) *config.Store {
	t.Helper()

	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "lagfix.conf"), filepath.Join(dir, "lagfix.conf.old"))

	if previous != "" {
		require.NoError(t, os.WriteFile(store.PreviousPath(), []byte(previous), 0o644))
	}

	return store
}

func TestResolveFilesystemKind(t *testing.T) {
	t.Parallel()

	for _, name := range []layout.Name{layout.Data, layout.DBData, layout.Cache} {
		for ordinal, value := range config.CategoryFilesystem.Candidates() {
			t.Run(string(name)+"="+value, func(t *testing.T) {
				t.Parallel()

				store := newStore(t, string(config.FilesystemKey(name))+"="+value+"\n")

				lookup, err := store.ReadPartitionOption(name, config.CategoryFilesystem)
				require.NoError(t, err)
				assert.Equal(t, config.Lookup{Ordinal: ordinal, Found: true}, lookup)

				opts, err := config.NewResolver(store).Resolve(name)
				require.NoError(t, err)
				assert.Equal(t, config.Kind(ordinal), opts.Kind)
				assert.Equal(t, value, opts.Kind.String())
			})
		}
	}
}

func TestResolveMissing(t *testing.T) {
	t.Parallel()

	store := newStore(t, "")
	resolver := config.NewResolver(store)

	for _, name := range []layout.Name{layout.Data, layout.DBData, layout.Cache} {
		opts, err := resolver.Resolve(name)
		require.NoError(t, err)

		assert.Equal(t, config.Options{Kind: config.KindUnset}, opts)
	}

	// the key is missing even though other keys exist
	store = newStore(t, "DATA_LOOP=ext2\nBIND_DATA_TO_DBDATA=data\n")

	lookup, err := store.ReadPartitionOption(layout.Data, config.CategoryFilesystem)
	require.NoError(t, err)
	assert.Equal(t, config.NotFound, lookup)
	assert.Equal(t, -1, lookup.Ordinal)
}

func TestResolveLoopAndBind(t *testing.T) {
	t.Parallel()

	store := newStore(t, strings.Join([]string{
		"DATA_FS=rfs",
		"DATA_LOOP=ext2",
		"DBDATA_FS=ext2",
		"DBDATA_LOOP=false",
		"CACHE_LOOP=bogus",
		"BIND_DATA_TO_DBDATA=data",
	}, "\n"))

	resolver := config.NewResolver(store)

	opts, err := resolver.Resolve(layout.Data)
	require.NoError(t, err)
	assert.Equal(t, config.Options{Kind: config.KindRFS, Loop: true, Bind: true}, opts)

	opts, err = resolver.Resolve(layout.DBData)
	require.NoError(t, err)
	assert.Equal(t, config.Options{Kind: config.KindExt2, Loop: false, Bind: true}, opts)

	opts, err = resolver.Resolve(layout.Cache)
	require.NoError(t, err)
	assert.Equal(t, config.Options{Kind: config.KindUnset, Loop: false, Bind: true}, opts)

	// pure reads: resolving again yields the same options
	again, err := resolver.Resolve(layout.Cache)
	require.NoError(t, err)
	assert.Equal(t, opts, again)
}

func TestWithoutBind(t *testing.T) {
	t.Parallel()

	store := newStore(t, "BIND_DATA_TO_DBDATA=data\n")
	resolver := config.NewResolver(store)

	errBoom := errors.New("boom")

	err := resolver.WithoutBind(func() error {
		assert.True(t, resolver.BindSuppressed())

		bind, err := resolver.BindEnabled()
		require.NoError(t, err)
		assert.False(t, bind)

		opts, err := resolver.Resolve(layout.Data)
		require.NoError(t, err)
		assert.False(t, opts.Bind)

		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	assert.False(t, resolver.BindSuppressed())

	bind, err := resolver.BindEnabled()
	require.NoError(t, err)
	assert.True(t, bind)

	assert.Panics(t, func() {
		resolver.WithoutBind(func() error { //nolint:errcheck
			panic("boom")
		})
	})

	assert.False(t, resolver.BindSuppressed())
}

func TestParse(t *testing.T) {
	t.Parallel()

	f, err := config.Parse(strings.NewReader("\ufeffDATA_FS=ext4\r\n# comment\n\n  CACHE_FS = ext4nj \ngarbage\nDATA_FS=ext2\nOTHER=1\n"))
	require.NoError(t, err)

	assert.Equal(t, []config.Key{"DATA_FS", "CACHE_FS", "OTHER"}, f.Keys())
	assert.Equal(t, config.Lookup{Ordinal: int(config.KindExt2), Found: true}, f.Lookup("DATA_FS", config.CategoryFilesystem))
	assert.Equal(t, config.Lookup{Ordinal: int(config.KindExt4NoJournal), Found: true}, f.Lookup("CACHE_FS", config.CategoryFilesystem))
	assert.Equal(t, config.NotFound, f.Lookup("DBDATA_FS", config.CategoryFilesystem))

	// values are matched exactly, not by prefix
	f, err = config.Parse(strings.NewReader("DATA_FS=ext4x\n"))
	require.NoError(t, err)
	assert.Equal(t, config.NotFound, f.Lookup("DATA_FS", config.CategoryFilesystem))
}

func TestSet(t *testing.T) {
	t.Parallel()

	f := &config.File{}

	require.NoError(t, f.SetPair("DATA_FS=ext4"))
	require.NoError(t, f.Set(config.LoopKey(layout.Cache), "ext2"))
	require.NoError(t, f.Set(config.KeyBindDataToDBData, "false"))
	require.NoError(t, f.SetPair("DATA_FS=jfs"))

	assert.ErrorIs(t, f.SetPair("SYSTEM_FS=ext4"), config.ErrUnknownKey)
	assert.ErrorIs(t, f.SetPair("DATA_LOOP=ext4"), config.ErrInvalidValue)
	assert.ErrorIs(t, f.SetPair("DATA_FS"), config.ErrInvalidValue)

	assert.Equal(t, "DATA_FS=jfs\nCACHE_LOOP=ext2\nBIND_DATA_TO_DBDATA=false\n", f.String())
}

func TestStorePromote(t *testing.T) {
	t.Parallel()

	store := newStore(t, "DATA_FS=rfs\n")

	assert.ErrorIs(t, store.Promote(), config.ErrNoPendingConfig)
	assert.ErrorIs(t, store.CheckPending(), config.ErrNoPendingConfig)

	pending := &config.File{}
	require.NoError(t, pending.SetPair("DATA_FS=ext4"))
	require.NoError(t, store.SavePending(pending))
	require.NoError(t, store.CheckPending())

	lookup, err := store.ReadOption("DATA_FS")
	require.NoError(t, err)
	assert.Equal(t, int(config.KindRFS), lookup.Ordinal)

	require.NoError(t, store.Promote())

	lookup, err = store.ReadOption("DATA_FS")
	require.NoError(t, err)
	assert.Equal(t, int(config.KindExt4), lookup.Ordinal)

	previous, err := os.ReadFile(store.PreviousPath())
	require.NoError(t, err)
	assert.Equal(t, "DATA_FS=ext4\n", string(previous))

	require.NoError(t, os.WriteFile(store.PendingPath(), []byte("DATA_FS=ntfs\n"), 0o644))
	assert.ErrorIs(t, store.CheckPending(), config.ErrInvalidValue)

	_, err = store.ReadOption("SYSTEM_FS")
	assert.ErrorIs(t, err, config.ErrUnknownKey)
}

func TestKind(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		kind      config.Kind
		str       string
		mountType string
	}{
		{config.KindRFS, "rfs", "rfs"},
		{config.KindJFS, "jfs", "jfs"},
		{config.KindExt4NoJournal, "ext4nj", "ext4"},
		{config.KindExt4, "ext4", "ext4"},
		{config.KindExt2, "ext2", "ext2"},
		{config.KindExt3, "ext3", "ext3"},
		{config.KindUnset, "unset", ""},
	} {
		t.Run(test.str, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.str, test.kind.String())
			assert.Equal(t, test.mountType, test.kind.MountType())

			if test.kind != config.KindUnset {
				parsed, err := config.ParseKind(test.str)
				require.NoError(t, err)
				assert.Equal(t, test.kind, parsed)
			}
		})
	}

	_, err := config.ParseKind("ntfs")
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}
