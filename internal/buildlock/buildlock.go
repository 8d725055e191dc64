// Package buildlock limits a host to one heavyweight build at a time. The lock
// is a file holding the owner's PID; a file whose PID is no longer running is
// stale and is reclaimed by the next caller.
package buildlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/metrics"
	"github.com/msageha/isolate/internal/model"
)

type State string

const (
	StateAcquired    State = "acquired"
	StateAlreadyHeld State = "already_held"
	StateTimedOut    State = "timed_out"
)

// Acquisition is the outcome of an acquire attempt. Lock is set only when
// State is StateAcquired; HolderPID names the live holder otherwise.
type Acquisition struct {
	State        State `json:"state"`
	Lock         *Lock `json:"-"`
	HolderPID    int   `json:"holder_pid,omitempty"`
	ReclaimedPID int   `json:"reclaimed_pid,omitempty"`
}

func (a Acquisition) Acquired() bool { return a.State == StateAcquired }

type Coordinator struct {
	path    string
	timeout time.Duration
	poll    time.Duration
	pid     int
	log     *logging.Logger
	metrics *metrics.Metrics

	// alive is replaced in tests.
	alive func(pid int) bool
}

// New validates the timing parameters and creates the lock directory.
func New(path string, timeout, poll time.Duration, logger *logging.Logger) (*Coordinator, error) {
	switch {
	case timeout <= 0:
		return nil, &InvalidConfigurationError{Timeout: timeout, PollInterval: poll, Reason: "timeout must be positive"}
	case poll <= 0:
		return nil, &InvalidConfigurationError{Timeout: timeout, PollInterval: poll, Reason: "poll interval must be positive"}
	case poll >= timeout:
		return nil, &InvalidConfigurationError{Timeout: timeout, PollInterval: poll, Reason: "poll interval must be shorter than timeout"}
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("build lock path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create build lock directory: %w", err)
	}
	return &Coordinator{
		path:    path,
		timeout: timeout,
		poll:    poll,
		pid:     os.Getpid(),
		log:     logger,
		alive:   processAlive,
	}, nil
}

// NewFromConfig builds a coordinator from the build_lock config section.
func NewFromConfig(cfg model.BuildLockConfig, logger *logging.Logger) (*Coordinator, error) {
	return New(cfg.Path,
		time.Duration(cfg.TimeoutSec)*time.Second,
		time.Duration(cfg.PollIntervalMs)*time.Millisecond,
		logger)
}

func (c *Coordinator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *Coordinator) Path() string { return c.path }

func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// TryAcquire makes a single attempt. A stale or corrupt lock file is removed
// and the lock taken in the same attempt.
func (c *Coordinator) TryAcquire() (Acquisition, error) {
	acq, err := c.tryAcquire()
	if err == nil {
		switch acq.State {
		case StateAcquired:
			c.metrics.BuildLock("acquired", 0)
		case StateAlreadyHeld:
			c.metrics.BuildLock("held", 0)
		}
	}
	return acq, err
}

func (c *Coordinator) tryAcquire() (Acquisition, error) {
	g, err := lockGuard(c.path + ".guard")
	if err != nil {
		return Acquisition{}, err
	}
	defer g.unlock()

	var acq Acquisition
	pid, err := readPID(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		var invalid *InvalidPIDError
		if !errors.As(err, &invalid) {
			return Acquisition{}, err
		}
		c.log.Warnf("build_lock_corrupt path=%s: %v, reclaiming", c.path, err)
		if err := removeIfExists(c.path); err != nil {
			return Acquisition{}, err
		}
	case c.alive(pid):
		return Acquisition{State: StateAlreadyHeld, HolderPID: pid}, nil
	default:
		c.log.Infof("build_lock_reclaim path=%s dead_pid=%d", c.path, pid)
		if err := removeIfExists(c.path); err != nil {
			return Acquisition{}, err
		}
		acq.ReclaimedPID = pid
	}

	if err := writePID(c.path, c.pid); err != nil {
		if errors.Is(err, errLockFileExists) {
			// Written by a process that bypassed the guard; report it as held.
			holder, _ := readPID(c.path)
			return Acquisition{State: StateAlreadyHeld, HolderPID: holder}, nil
		}
		return Acquisition{}, err
	}
	acq.State = StateAcquired
	acq.Lock = &Lock{path: c.path, pid: c.pid, acquiredAt: time.Now(), log: c.log}
	c.log.Infof("build_lock_acquired path=%s pid=%d", c.path, c.pid)
	return acq, nil
}

// Acquire polls until the lock is taken, the coordinator's timeout elapses
// (StateTimedOut, carrying the last holder) or ctx is cancelled. Removal of
// the lock file wakes the wait early.
func (c *Coordinator) Acquire(ctx context.Context) (Acquisition, error) {
	start := time.Now()
	deadline := start.Add(c.timeout)

	wake := c.watch()
	if wake != nil {
		defer wake.Close()
	}

	for {
		acq, err := c.tryAcquire()
		if err != nil {
			return Acquisition{}, err
		}
		if acq.Acquired() {
			c.metrics.BuildLock("acquired", time.Since(start))
			return acq, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.metrics.BuildLock("timed_out", time.Since(start))
			c.log.Warnf("build_lock_timeout path=%s holder=%d waited=%s", c.path, acq.HolderPID, time.Since(start).Round(time.Millisecond))
			return Acquisition{State: StateTimedOut, HolderPID: acq.HolderPID}, nil
		}
		c.log.Debugf("build_lock_wait path=%s holder=%d", c.path, acq.HolderPID)

		wait := min(c.poll, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Acquisition{}, ctx.Err()
		case <-timer.C:
		case <-wake.C():
			timer.Stop()
		}
	}
}

// WithLock runs fn while holding the build lock. The lock is released on
// every exit from fn, panics included. When the lock cannot be taken fn is
// not called and the acquisition is returned with a nil error.
func (c *Coordinator) WithLock(ctx context.Context, fn func(ctx context.Context) error) (Acquisition, error) {
	acq, err := c.Acquire(ctx)
	if err != nil || !acq.Acquired() {
		return acq, err
	}
	defer func() {
		if relErr := acq.Lock.Release(); relErr != nil {
			c.log.Errorf("build_lock_release_failed path=%s: %v", c.path, relErr)
		}
	}()
	return acq, fn(ctx)
}

// Lock is a held build lock.
type Lock struct {
	path       string
	pid        int
	acquiredAt time.Time
	log        *logging.Logger

	mu       sync.Mutex
	released bool
}

func (l *Lock) PID() int { return l.pid }

func (l *Lock) AcquiredAt() time.Time { return l.acquiredAt }

// Release removes the lock file if it still records this lock's PID. Calling
// it more than once is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	g, err := lockGuard(l.path + ".guard")
	if err != nil {
		return err
	}
	defer g.unlock()

	l.released = true
	pid, err := readPID(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil || pid != l.pid {
		l.log.Warnf("build_lock_release_skipped path=%s: lock file no longer ours", l.path)
		return nil
	}
	if err := removeIfExists(l.path); err != nil {
		return err
	}
	l.log.Infof("build_lock_released path=%s pid=%d held=%s", l.path, l.pid, time.Since(l.acquiredAt).Round(time.Millisecond))
	return nil
}

func parsePID(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, &InvalidPIDError{Raw: raw}
	}
	return pid, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parsePID(string(data))
}

func writePID(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errLockFileExists
		}
		return fmt.Errorf("create build lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write PID to build lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync build lock file: %w", err)
	}
	return f.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove build lock file: %w", err)
	}
	return nil
}
