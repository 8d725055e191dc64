//go:build unix

package buildlock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// guard serializes the read-check-write sequence on the lock file across
// processes. The guard file is never removed; unlinking a flock file lets two
// processes lock different inodes.
type guard struct {
	file *os.File
}

func lockGuard(path string) (*guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open build lock guard: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire build lock guard: %w", err)
	}
	return &guard{file: f}, nil
}

func (g *guard) unlock() {
	unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	g.file.Close()
}

// processAlive probes the process table with signal 0. EPERM means the
// process exists under another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true
	case errors.Is(err, unix.ESRCH):
		return false
	default:
		return true
	}
}
