// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block

import (
	"fmt"

	"go.uber.org/zap"
)

// WipeSignatures clears stale filesystem signatures at both ends of the device.
//
// The device is locked exclusively for the duration of the wipe.
func WipeSignatures(path string, logger *zap.Logger) error {
	dev, err := NewFromPath(path, OpenForWrite())
	if err != nil {
		return err
	}

	defer dev.Close() //nolint:errcheck

	if err = dev.TryLock(true); err != nil {
		return fmt.Errorf("failed to lock %q: %w", path, err)
	}

	defer dev.Unlock() //nolint:errcheck

	if err = dev.FastWipe(); err != nil {
		return fmt.Errorf("failed to wipe %q: %w", path, err)
	}

	if logger != nil {
		logger.Debug("wiped filesystem signatures", zap.String("device", path))
	}

	return nil
}
