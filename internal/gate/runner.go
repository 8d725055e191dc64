package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/metrics"
	"github.com/msageha/isolate/internal/model"
)

const DefaultTimeout = 30 * time.Minute

// timeoutExitCode marks a gate killed by its deadline.
const timeoutExitCode = -1

// Runner executes the configured gate commands as local subprocesses in the
// workspace directory. Concurrent calls for the same directory share one run.
type Runner struct {
	quick   []string
	test    []string
	timeout time.Duration
	log     *logging.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared run executes under. It is cancelled once
// every caller waiting on the run has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func NewRunner(cfg model.GatesConfig, logger *logging.Logger) *Runner {
	quick := cfg.QuickCommand
	if len(quick) == 0 {
		quick = []string{"moon", "run", ":quick"}
	}
	test := cfg.TestCommand
	if len(test) == 0 {
		test = []string{"moon", "run", ":test"}
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{quick: quick, test: test, timeout: timeout, log: logger, flights: make(map[string]*flight)}
}

func (r *Runner) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// ExecuteQualityGates runs the quick gate and, if it passes, the test gate.
// A failing gate is reported in the Outcome; an error means a gate could not
// be started at all.
func (r *Runner) ExecuteQualityGates(ctx context.Context, workingDir string) (Outcome, error) {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve working dir: %w", err)
	}
	ch := r.join(ctx, abs)
	defer r.leave(abs)

	select {
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		if res.Shared {
			r.log.Debugf("gates_shared dir=%s", abs)
		}
		return res.Val.(Outcome), nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("gates for %s: %w", abs, ctx.Err())
	}
}

// join registers a waiter on dir's run, starting one if none is in flight.
// The run keeps the values of ctx but not its cancellation.
func (r *Runner) join(ctx context.Context, dir string) <-chan singleflight.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[dir]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: runCtx, cancel: cancel}
		r.flights[dir] = f
	}
	f.waiters++
	return r.group.DoChan(dir, func() (any, error) {
		return r.execute(f.ctx, dir)
	})
}

func (r *Runner) leave(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.flights[dir]
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(r.flights, dir)
	// A later caller must start a fresh run rather than join the cancelled one.
	r.group.Forget(dir)
}

func (r *Runner) execute(ctx context.Context, dir string) (Outcome, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Outcome{}, fmt.Errorf("working directory does not exist: %s", dir)
	}
	start := time.Now()

	quick, err := r.run(ctx, GateQuick, r.quick, dir)
	if err != nil {
		return Outcome{}, err
	}
	var test *Result
	if quick.Passed {
		res, err := r.run(ctx, GateTest, r.test, dir)
		if err != nil {
			return Outcome{}, err
		}
		test = &res
	}

	outcome := CombineResults(quick, test)
	elapsed := time.Since(start)
	r.metrics.GateOutcome(string(outcome.Status), elapsed)
	r.log.Infof("gates_done dir=%s status=%s elapsed=%s", dir, outcome.Status, elapsed.Round(time.Millisecond))
	return outcome, nil
}

func (r *Runner) run(ctx context.Context, gate Gate, argv []string, dir string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("%s gate: empty command", gate)
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	killProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	r.log.Debugf("gate_start gate=%s dir=%s cmd=%q", gate, dir, argv)
	err := cmd.Run()
	if err == nil {
		return NewResult(gate, 0, stdout.String(), stderr.String()), nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res := NewResult(gate, timeoutExitCode, stdout.String(), stderr.String())
		res.Summary = fmt.Sprintf("timed out after %s", r.timeout)
		r.log.Warnf("gate_timeout gate=%s dir=%s timeout=%s", gate, dir, r.timeout)
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%s gate cancelled: %w", gate, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return NewResult(gate, exitErr.ExitCode(), stdout.String(), stderr.String()), nil
	}
	return Result{}, fmt.Errorf("failed to execute %s gate %q: %w", gate, argv[0], err)
}
