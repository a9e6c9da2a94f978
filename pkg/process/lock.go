//go:build unix

// Package process implements the Controller's Process Status File
// persistence (spec §4.F steps 1 and 7): a POSIX-flock-guarded, atomic
// rename-based writer/reader, plus a small bbolt side-store for
// switch-fault history.
package process

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is a RAII-style guard around a POSIX advisory flock on a
// sidecar lock file, mirroring the original implementation's
// FileLockGuard: acquire in the constructor, release via Close.
type FileLock struct {
	file *os.File
}

// AcquireFileLock opens (creating if needed) lockPath with owner-only
// permissions and takes an exclusive flock. If blocking is false, a
// lock already held by another process returns an error immediately
// instead of waiting.
func AcquireFileLock(lockPath string, blocking bool) (*FileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &FileLock{file: f}, nil
}

// Close releases the lock and closes the underlying file descriptor.
func (l *FileLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
