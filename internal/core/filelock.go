package core

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrAlreadyRunning is returned by AcquireRunLock when another orchestrator
// holds the lock.
var ErrAlreadyRunning = errors.New("another work loop is already running")

// AcquireRunLock takes a non-blocking exclusive lock on path so that only one
// orchestrator runs per base path. The returned function releases it.
func AcquireRunLock(path string) (release func() error, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening run lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}

	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
