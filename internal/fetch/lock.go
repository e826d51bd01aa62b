package fetch

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const lockFilename = "lock"

// Flock is an advisory lock on an open file.
type Flock struct {
	File *os.File
}

// Lock acquires an exclusive lock without blocking.
// ErrLocked is returned if another file description holds it.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.File.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errors.Wrap(ErrLocked, f.File.Name())
	}
	if err != nil {
		return errors.Wrap(err, "flock "+f.File.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return unix.Flock(int(f.File.Fd()), unix.LOCK_UN)
}

// LockDir takes the lock file of an archive directory and returns a
// function releasing it. apt locks the same file with fcntl, which flock
// does not exclude on Linux, so the lock only serializes aptfetch runs.
func LockDir(dir string) (func(), error) {
	lockFile := filepath.Join(dir, lockFilename)

	file, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0640) // #nosec G304 - dir comes from validated config
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}
