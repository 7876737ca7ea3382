// Package flock implements the partial-restart marker file protocol: a
// pair of lock files per service instance that let a freshly-starting
// skeleton or proxy tell the difference between "no one else is using
// this instance" and "another instance exists and is in active use",
// without any process having to talk to a broker.
package flock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/lola-shm/errors"
)

// Dir is the directory partial-restart marker files live under. It is a
// var rather than a const so tests can point it at a scratch directory.
var Dir = "/dev/shm/lola/partial_restart"

// ExistenceMarkerPath returns the path of the lock file whose mere
// presence (held exclusively) indicates a skeleton is currently offering
// the service instance: existence-<16-hex service id>-<5-dec instance id>.
func ExistenceMarkerPath(serviceID, instanceID uint16) string {
	return filepath.Join(Dir, fmt.Sprintf("existence-%016x-%05d", uint64(serviceID), instanceID))
}

// UsageMarkerPath returns the path of the lock file proxies hold a shared
// lock on while actively using the service instance, letting a restarting
// skeleton detect whether it's safe to wipe and recreate shared memory or
// whether live consumers are still attached.
func UsageMarkerPath(serviceID, instanceID uint16) string {
	return filepath.Join(Dir, fmt.Sprintf("usage-%016x-%05d", uint64(serviceID), instanceID))
}

// Marker wraps a single marker file's lock state.
type Marker struct {
	path string
	fd   int
	held bool
}

// openMarker opens (creating if necessary) the marker file at path.
func openMarker(path string) (*Marker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap("flock.openMarker", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, errors.Wrap("flock.openMarker", err)
	}
	return &Marker{path: path, fd: fd}, nil
}

// OpenExistenceMarker opens the existence marker for a service instance.
func OpenExistenceMarker(serviceID, instanceID uint16) (*Marker, error) {
	return openMarker(ExistenceMarkerPath(serviceID, instanceID))
}

// OpenUsageMarker opens the usage marker for a service instance.
func OpenUsageMarker(serviceID, instanceID uint16) (*Marker, error) {
	return openMarker(UsageMarkerPath(serviceID, instanceID))
}

// TryLockExclusive attempts to take an exclusive, non-blocking lock on
// the marker, used by a skeleton to claim sole ownership of offering a
// service instance. A failure here, with errors.CodeBindingFailure,
// means another skeleton process is already offering this instance.
func (m *Marker) TryLockExclusive() error {
	if err := unix.Flock(m.fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.New("Marker.TryLockExclusive", errors.CodeBindingFailure,
			"instance already has an active provider: "+err.Error())
	}
	m.held = true
	return nil
}

// TryLockShared attempts to take a shared, non-blocking lock, used by a
// proxy to signal it is actively using a service instance. Multiple
// proxies can hold a shared lock concurrently; it only fails if a
// skeleton currently holds (or is in the process of taking) the
// exclusive lock, i.e. during the narrow window the instance is being
// torn down or recreated.
func (m *Marker) TryLockShared() error {
	if err := unix.Flock(m.fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return errors.New("Marker.TryLockShared", errors.CodeBindingFailure,
			"instance is not currently available: "+err.Error())
	}
	m.held = true
	return nil
}

// IsHeldExclusively reports whether the existence lock is held through
// any other open file description (another process, or another
// descriptor in this one), by attempting (and immediately releasing) a
// non-blocking exclusive lock on a fresh descriptor: success means no one
// holds it, failure means the instance currently has a live provider.
// Proxy creation uses it to refuse attaching to an instance no skeleton
// is offering.
func IsHeldExclusively(path string) (bool, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return false, errors.Wrap("flock.IsHeldExclusively", err)
	}
	defer unix.Close(fd)

	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return true, nil
	}
	unix.Flock(fd, unix.LOCK_UN)
	return false, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (m *Marker) Unlock() error {
	if m.held {
		unix.Flock(m.fd, unix.LOCK_UN)
		m.held = false
	}
	return unix.Close(m.fd)
}

// Path returns the marker's backing file path.
func (m *Marker) Path() string { return m.path }
