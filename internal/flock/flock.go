// Package flock wraps advisory whole-file locks in a guard value.
package flock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"revfs/internal/errors"
)

// ErrWouldBlock is returned by TryLock when another holder has the lock.
var ErrWouldBlock = errors.New(errors.ErrorTypeRepBeingWritten, "file lock is held elsewhere")

type Guard struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Lock blocks until an exclusive lock on path is granted. With create the
// lock file is made if it does not exist.
func Lock(path string, create bool) (*Guard, error) {
	return acquire(path, create, unix.LOCK_EX)
}

// TryLock fails immediately with ErrWouldBlock on contention.
func TryLock(path string, create bool) (*Guard, error) {
	return acquire(path, create, unix.LOCK_EX|unix.LOCK_NB)
}

func acquire(path string, create bool, how int) (*Guard, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	for {
		err = unix.Flock(int(file.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &Guard{file: file, path: path}, nil
}

func (g *Guard) Path() string {
	return g.path
}

// Unlock releases the lock and closes the file. Calling it again is a
// no-op.
func (g *Guard) Unlock() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return nil
	}
	file := g.file
	g.file = nil

	err := unix.Flock(int(file.Fd()), unix.LOCK_UN)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", g.path, err)
	}
	return nil
}
