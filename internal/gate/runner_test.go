//go:build !windows

package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/model"
)

func newTestRunner(quick, test []string, timeoutSec int) *Runner {
	return NewRunner(model.GatesConfig{QuickCommand: quick, TestCommand: test, TimeoutSec: timeoutSec}, logging.Discard("gate"))
}

func TestRunner_AllPassed(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(
		[]string{"sh", "-c", "echo quick passed"},
		[]string{"sh", "-c", "echo tests passed"}, 30)

	out, err := r.ExecuteQualityGates(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusAllPassed, out.Status)
	require.NotNil(t, out.Test)
	assert.Equal(t, "Gate passed", out.Test.Summary)
}

func TestRunner_QuickFailedSkipsTest(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "test-ran")
	r := newTestRunner(
		[]string{"sh", "-c", "echo 'error: lint' >&2; exit 3"},
		[]string{"sh", "-c", "touch " + marker}, 30)

	out, err := r.ExecuteQualityGates(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusQuickFailed, out.Status)
	assert.Equal(t, 3, out.Quick.ExitCode)
	assert.Nil(t, out.Test)
	assert.Equal(t, "Quick gate failed (exit code 3): error: lint", FailureMessage(out))

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "test gate must not run after a quick failure")
}

func TestRunner_TestFailed(t *testing.T) {
	r := newTestRunner(
		[]string{"true"},
		[]string{"sh", "-c", "echo 'FAIL TestFoo'; exit 1"}, 30)

	out, err := r.ExecuteQualityGates(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, StatusTestFailed, out.Status)
	require.NotNil(t, out.Test)
	assert.Equal(t, 1, out.Test.ExitCode)
}

func TestRunner_RunsInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok"), nil, 0o644))
	r := newTestRunner([]string{"test", "-f", "ok"}, []string{"true"}, 30)

	out, err := r.ExecuteQualityGates(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusAllPassed, out.Status)
}

func TestRunner_Timeout(t *testing.T) {
	r := newTestRunner([]string{"sleep", "5"}, []string{"true"}, 1)

	out, err := r.ExecuteQualityGates(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, StatusQuickFailed, out.Status)
	assert.Equal(t, timeoutExitCode, out.Quick.ExitCode)
	assert.Contains(t, out.Quick.Summary, "timed out")
}

func TestRunner_TimeoutKillsChildren(t *testing.T) {
	// The shell's background child holds stdout open; only a group kill
	// lets the gate return before the child exits.
	r := newTestRunner([]string{"sh", "-c", "sleep 30 & sleep 30"}, []string{"true"}, 1)

	start := time.Now()
	out, err := r.ExecuteQualityGates(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, timeoutExitCode, out.Quick.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunner_MissingDir(t *testing.T) {
	r := newTestRunner([]string{"true"}, []string{"true"}, 30)
	_, err := r.ExecuteQualityGates(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRunner_MissingBinary(t *testing.T) {
	r := newTestRunner([]string{"definitely-not-a-real-binary-xyz"}, []string{"true"}, 30)
	_, err := r.ExecuteQualityGates(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(model.GatesConfig{}, logging.Discard("gate"))
	assert.Equal(t, []string{"moon", "run", ":quick"}, r.quick)
	assert.Equal(t, []string{"moon", "run", ":test"}, r.test)
	assert.Equal(t, DefaultTimeout, r.timeout)
}

func TestRunner_SharedRunSurvivesOneCallerLeaving(t *testing.T) {
	dir := t.TempDir()
	runs := filepath.Join(dir, "runs")
	r := newTestRunner([]string{"sh", "-c", "echo run >> runs; sleep 1"}, []string{"true"}, 30)

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.ExecuteQualityGates(first, dir)
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(runs)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	second := make(chan Outcome, 1)
	go func() {
		out, err := r.ExecuteQualityGates(context.Background(), dir)
		assert.NoError(t, err)
		second <- out
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		f := r.flights[dir]
		return f != nil && f.waiters == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	out := <-second
	assert.Equal(t, StatusAllPassed, out.Status)
	data, err := os.ReadFile(runs)
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(data), "the second caller joined the first run")
}

func TestRunner_AbandonedRunIsNotReused(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner([]string{"sh", "-c", "test -f second || sleep 30"}, []string{"true"}, 60)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := r.ExecuteQualityGates(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "second"), nil, 0o644))
	start := time.Now()
	out, err := r.ExecuteQualityGates(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusAllPassed, out.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}
