// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/deniswernert/go-fstab"

	"github.com/siderolabs/go-fsconvert/command"
)

// Table reports the current mount state.
type Table interface {
	// IsMounted returns true if path is a mount point or a mounted source device.
	IsMounted(path string) (bool, error)
}

// ProcMounts is the default kernel mount table.
const ProcMounts = "/proc/mounts"

// ProcTable reads the mount table from a /proc/mounts style file on every query.
type ProcTable struct {
	path string
}

// NewProcTable creates a new ProcTable; an empty path means ProcMounts.
func NewProcTable(path string) *ProcTable {
	if path == "" {
		path = ProcMounts
	}

	return &ProcTable{path: path}
}

// IsMounted implements Table.
func (t *ProcTable) IsMounted(path string) (bool, error) {
	mounts, err := fstab.ParseFile(t.path)
	if err != nil {
		return false, err
	}

	path = filepath.Clean(path)

	return slices.ContainsFunc(mounts, func(m *fstab.Mount) bool {
		return filepath.Clean(m.File) == path || filepath.Clean(m.Spec) == path
	}), nil
}

// StaticTable is an in-memory mount table.
//
// It can follow mount and umount commands through Observe, which makes it
// usable together with a recording or dry-run command runner.
type StaticTable struct {
	mu sync.Mutex
	// target -> source
	mounted map[string]string
}

// NewStaticTable creates a StaticTable with the given targets mounted.
func NewStaticTable(targets ...string) *StaticTable {
	t := &StaticTable{mounted: map[string]string{}}

	for _, target := range targets {
		t.Mount("none", target)
	}

	return t
}

// Mount records source as mounted at target.
func (t *StaticTable) Mount(source, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mounted[filepath.Clean(target)] = filepath.Clean(source)
}

// Unmount removes every entry whose target or source is path.
func (t *StaticTable) Unmount(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path = filepath.Clean(path)

	for target, source := range t.mounted {
		if target == path || source == path {
			delete(t.mounted, target)
		}
	}
}

// IsMounted implements Table.
func (t *StaticTable) IsMounted(path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path = filepath.Clean(path)

	for target, source := range t.mounted {
		if target == path || source == path {
			return true, nil
		}
	}

	return false, nil
}

// Targets returns the mounted targets, sorted.
func (t *StaticTable) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets := make([]string, 0, len(t.mounted))

	for target := range t.mounted {
		targets = append(targets, target)
	}

	slices.Sort(targets)

	return targets
}

// Observe updates the table from a mount or umount command.
func (t *StaticTable) Observe(c command.Cmd) {
	var operands []string

	for i := 0; i < len(c.Args); i++ {
		switch arg := c.Args[i]; {
		case arg == "-t" || arg == "-o":
			i++
		case strings.HasPrefix(arg, "-"):
		default:
			operands = append(operands, arg)
		}
	}

	switch filepath.Base(c.Name) {
	case "mount":
		if len(operands) >= 2 {
			t.Mount(operands[len(operands)-2], operands[len(operands)-1])
		}
	case "umount":
		for _, path := range operands {
			t.Unmount(path)
		}
	}
}
