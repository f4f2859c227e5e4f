// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package convert

import (
	"fmt"
	"slices"
	"strings"
)

// Mode selects backup and restore behavior of a conversion.
type Mode int

// Conversion modes.
const (
	// ModeRestore backs up and restores DATA and CACHE.
	ModeRestore Mode = iota
	// ModeNoRestore backs up but leaves the new partitions empty.
	ModeNoRestore
	// ModeFactoryReset neither backs up nor restores.
	ModeFactoryReset
)

// ParseMode converts an operator token into a Mode.
func ParseMode(token string) (Mode, error) {
	switch strings.TrimSpace(token) {
	case "":
		return ModeRestore, nil
	case "b":
		return ModeNoRestore, nil
	case "fr":
		return ModeFactoryReset, nil
	default:
		return 0, fmt.Errorf("unknown conversion mode %q", token)
	}
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeRestore:
		return "backup+restore"
	case ModeNoRestore:
		return "backup"
	case ModeFactoryReset:
		return "factory-reset"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) backup() bool {
	return m != ModeFactoryReset
}

func (m Mode) restore() bool {
	return m == ModeRestore
}

// Stage is a step of a conversion.
type Stage int

// Conversion stages.
const (
	StageVerifyingMounts Stage = iota + 1
	StageBackingUp
	StageUnmounting
	StageSwitchingConfig
	StageRecreatingPartitions
	StageVerifyingNewLayout
	StageBindSetup
	StageUnmountingAgain
	StageRestoringData
	StageCleanupStrayBind
	StageFinalizingUnmount
)

// SYSTEM conversion stages.
const (
	StageSystemMount Stage = iota + 101
	StageSystemArchive
	StageSystemUnmount
	StageSystemFormat
	StageSystemRemount
	StageSystemExtract
	StageSystemCleanup
)

var stageNames = map[Stage]string{
	StageVerifyingMounts:      "verifying mounts",
	StageBackingUp:            "backing up",
	StageUnmounting:           "unmounting",
	StageSwitchingConfig:      "switching configuration",
	StageRecreatingPartitions: "recreating partitions",
	StageVerifyingNewLayout:   "verifying new layout",
	StageBindSetup:            "setting up bind directories",
	StageUnmountingAgain:      "unmounting again",
	StageRestoringData:        "restoring data",
	StageCleanupStrayBind:     "cleaning up stray bind data",
	StageFinalizingUnmount:    "finalizing",

	StageSystemMount:   "mounting system",
	StageSystemArchive: "archiving system",
	StageSystemUnmount: "unmounting system",
	StageSystemFormat:  "formatting system",
	StageSystemRemount: "remounting system",
	StageSystemExtract: "restoring system",
	StageSystemCleanup: "removing system archive",
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}

	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError is returned by a conversion which failed at a specific stage.
type StageError struct {
	Stage Stage
	Err   error

	// BackupPath is the backup taken before the failure, if any.
	BackupPath string
}

// Error implements error.
func (e *StageError) Error() string {
	switch {
	case e.BackupPath == "", e.Stage == StageSystemMount, e.Stage == StageSystemArchive:
		return fmt.Sprintf("%s failed: %s", e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s failed (backup is at %s): %s", e.Stage, e.BackupPath, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Report summarizes a conversion run.
type Report struct {
	RunID      string
	Mode       Mode
	BackupPath string
	Stages     []Stage

	// RestoreErr is set if the data could not be restored from the backup.
	RestoreErr error
}

// Completed returns true if the stage completed successfully.
func (r *Report) Completed(stage Stage) bool {
	return slices.Contains(r.Stages, stage)
}
