// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import "fmt"

// Kind is a filesystem kind.
//
// The ordinal of each kind is its position in the filesystem category candidates.
type Kind int

// KindUnset means the kind is absent from the configuration.
//
// It is interpreted as RFS, which cannot report its own type when probed.
const KindUnset Kind = -1

// Filesystem kinds.
const (
	KindRFS Kind = iota
	KindJFS
	KindExt4NoJournal
	KindExt4
	KindExt2
	KindExt3
)

// String implements fmt.Stringer, returning the configuration spelling.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(filesystemCandidates) {
		return "unset"
	}

	return filesystemCandidates[k]
}

// MountType returns the -t argument for mount, or "" for KindUnset.
func (k Kind) MountType() string {
	switch k {
	case KindRFS:
		return "rfs"
	case KindJFS:
		return "jfs"
	case KindExt4NoJournal, KindExt4:
		return "ext4"
	case KindExt2:
		return "ext2"
	case KindExt3:
		return "ext3"
	case KindUnset:
		return ""
	default:
		return ""
	}
}

// IsExt returns true for the ext2/3/4 family.
func (k Kind) IsExt() bool {
	switch k { //nolint:exhaustive
	case KindExt4NoJournal, KindExt4, KindExt2, KindExt3:
		return true
	default:
		return false
	}
}

// ParseKind converts the configuration spelling into a Kind.
func ParseKind(s string) (Kind, error) {
	ordinal, ok := CategoryFilesystem.Ordinal(s)
	if !ok {
		return KindUnset, fmt.Errorf("%w: unknown filesystem kind %q", ErrInvalidValue, s)
	}

	return Kind(ordinal), nil
}
