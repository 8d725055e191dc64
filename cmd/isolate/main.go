// Command isolate coordinates agents working in parallel workspaces: session
// locks, the merge queue, the gate worker and the host build lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/msageha/isolate/internal/lock"
	"github.com/msageha/isolate/internal/queue"
)

var version = "0.1.0"

const (
	exitOK        = 0
	exitError     = 1
	exitNothing   = 2
	exitContested = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	code := exitCodeFor(err)
	var ee *exitErr
	if !errors.As(err, &ee) || ee.msg != "" {
		fmt.Fprintf(root.ErrOrStderr(), "isolate: %v\n", err)
	}
	return code
}

// exitErr carries a specific process exit code. An empty msg suppresses the
// error line.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.msg
}

func exitCodeFor(err error) int {
	var (
		ee     *exitErr
		locked *lock.SessionLockedError
		held   *queue.ProcessingLockHeldError
	)
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.As(err, &locked), errors.As(err, &held):
		return exitContested
	default:
		return exitError
	}
}
