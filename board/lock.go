package board

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/picolink/picolink-core/paths"
)

// ErrDeviceBusy is returned when another picolink process already holds the
// serial device.
var ErrDeviceBusy = errors.New("device is held by another picolink process")

// deviceLock is a per-device advisory file lock. Serial devices tolerate a
// single opener; the lock turns the second orchestrator's confusing serial
// error into ErrDeviceBusy before the helper is even spawned.
type deviceLock struct {
	fl *flock.Flock
}

// lockFileName flattens a device path into a file name, e.g.
// "/dev/ttyUSB0" -> "dev-ttyUSB0.lock".
func lockFileName(device string) string {
	name := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(device)
	name = strings.Trim(name, "-")
	return name + ".lock"
}

// acquireDeviceLock takes the advisory lock for a device without blocking.
func acquireDeviceLock(device string) (*deviceLock, error) {
	dir, err := paths.LocksDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fl := flock.New(filepath.Join(dir, lockFileName(device)))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDeviceBusy
	}
	return &deviceLock{fl: fl}, nil
}

// release drops the lock. Safe to call on a nil receiver.
func (l *deviceLock) release() {
	if l == nil || l.fl == nil {
		return
	}
	l.fl.Unlock()
}
