//go:build !windows

package ferrisdb

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Locker guards a database directory against concurrent processes.
type Locker interface {
	Lock() error
	Unlock() error
}

type fileLocker struct {
	file *os.File
}

// newFileLocker creates the LOCK file inside the database directory.
func newFileLocker(dir string) (Locker, error) {
	lockPath := filepath.Join(dir, "LOCK")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	return &fileLocker{file: file}, nil
}

// Lock takes an exclusive non-blocking flock on the file.
func (l *fileLocker) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return ErrDBAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	return nil
}

// Unlock releases the lock and closes the file.
func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release file lock: %w", err)
	}
	return l.file.Close()
}
