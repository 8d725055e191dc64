package buildlock

import (
	"errors"
	"fmt"
	"time"
)

// InvalidConfigurationError is returned by New; coordinators never fail
// with it once constructed.
type InvalidConfigurationError struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Reason       string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid build lock configuration (timeout=%s poll_interval=%s): %s", e.Timeout, e.PollInterval, e.Reason)
}

// InvalidPIDError describes lock file content that is not a positive PID.
// Such a file is treated as stale and reclaimed.
type InvalidPIDError struct {
	Raw string
}

func (e *InvalidPIDError) Error() string {
	return fmt.Sprintf("invalid pid in build lock file: %q", e.Raw)
}

var errLockFileExists = errors.New("build lock file already exists")
