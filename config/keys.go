// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"slices"

	"github.com/siderolabs/go-fsconvert/layout"
)

// Common errors.
var (
	ErrUnknownKey      = errors.New("unknown configuration key")
	ErrInvalidValue    = errors.New("invalid configuration value")
	ErrNoPendingConfig = errors.New("pending configuration does not exist")
)

// Category selects the candidate list a value is matched against.
type Category int

// Categories.
const (
	CategoryFilesystem Category = iota
	CategoryLoop
	CategoryBind
)

var (
	filesystemCandidates = []string{"rfs", "jfs", "ext4nj", "ext4", "ext2", "ext3"}
	loopCandidates       = []string{"false", "ext2"}
	bindCandidates       = []string{"false", "data"}
)

// Candidates returns the ordered candidate values.
func (c Category) Candidates() []string {
	switch c {
	case CategoryFilesystem:
		return slices.Clone(filesystemCandidates)
	case CategoryLoop:
		return slices.Clone(loopCandidates)
	case CategoryBind:
		return slices.Clone(bindCandidates)
	default:
		return nil
	}
}

// Ordinal returns the index of value in the candidate list.
func (c Category) Ordinal(value string) (int, bool) {
	idx := slices.Index(c.Candidates(), value)

	return idx, idx >= 0
}

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case CategoryFilesystem:
		return "filesystem"
	case CategoryLoop:
		return "loop"
	case CategoryBind:
		return "bind"
	default:
		return "unknown"
	}
}

// Key is a configuration key.
type Key string

// KeyBindDataToDBData controls the DATA <- DBDATA bind mount.
const KeyBindDataToDBData Key = "BIND_DATA_TO_DBDATA"

// FilesystemKey returns the <NAME>_FS key.
func FilesystemKey(name layout.Name) Key {
	return Key(string(name) + "_FS")
}

// LoopKey returns the <NAME>_LOOP key.
func LoopKey(name layout.Name) Key {
	return Key(string(name) + "_LOOP")
}

var configuredPartitions = []layout.Name{layout.Data, layout.Cache, layout.DBData}

// Keys returns all known keys in canonical file order.
func Keys() []Key {
	keys := make([]Key, 0, 2*len(configuredPartitions)+1)

	for _, name := range configuredPartitions {
		keys = append(keys, FilesystemKey(name))
	}

	for _, name := range configuredPartitions {
		keys = append(keys, LoopKey(name))
	}

	return append(keys, KeyBindDataToDBData)
}

// Category returns the category of a known key.
func (k Key) Category() (Category, bool) {
	if k == KeyBindDataToDBData {
		return CategoryBind, true
	}

	for _, name := range configuredPartitions {
		switch k {
		case FilesystemKey(name):
			return CategoryFilesystem, true
		case LoopKey(name):
			return CategoryLoop, true
		}
	}

	return 0, false
}
