package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/queue"
	"github.com/msageha/isolate/internal/store"
)

type fakeHeads struct {
	mu   sync.Mutex
	head string
}

func (f *fakeHeads) HeadSHA(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeHeads) set(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

type fakeIntegrator struct {
	mu      sync.Mutex
	entries []string
	dirs    []string
	err     error
}

func (f *fakeIntegrator) Integrate(_ context.Context, e model.QueueEntry, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e.Workspace)
	f.dirs = append(f.dirs, dir)
	return f.err
}

type fakeRebaser struct {
	mu    sync.Mutex
	calls []string
	// gateRuns is the number of gate runs seen when each rebase started.
	gateRuns []int
	gates    *fakeGates
	err      error
}

func (f *fakeRebaser) Rebase(_ context.Context, e model.QueueEntry, dir, head string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e.Workspace+" "+dir+" "+head)
	if f.gates != nil {
		f.gateRuns = append(f.gateRuns, len(f.gates.Calls()))
	}
	return f.err
}

// testClock is a settable clock shared by the queue and the lease renewal
// goroutine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedQueue(t *testing.T) (*queue.Queue, *testClock) {
	t.Helper()
	q := newTestQueue(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.SetClock(clock.Now)
	return q, clock
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, model.QueueConfig{LockTimeoutSec: 300, MaxAttempts: 3}, logging.Discard("queue"))
}

func add(t *testing.T, q *queue.Queue, ws, head string) model.QueueEntry {
	t.Helper()
	res, err := q.Add(context.Background(), queue.AddRequest{Workspace: ws, Priority: 5, HeadSHA: head})
	require.NoError(t, err)
	return res.Entry
}

func status(t *testing.T, q *queue.Queue, ws string) *model.QueueEntry {
	t.Helper()
	e, err := q.GetByWorkspace(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestRunOnce_Idle(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, &fakeGates{outcome: passing()}, Options{ID: "w1"}, logging.Discard("worker"))

	c, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionIdle, c.Action)

	holder, err := q.ProcessingLockHolder(context.Background())
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestRunOnce_ProcessThenIntegrate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	g := &fakeGates{outcome: passing()}
	integ := &fakeIntegrator{}
	heads := &fakeHeads{head: "aaa"}
	w := New(q, g, Options{ID: "w1", WorkingDirRoot: "/srv/ws", Integrator: integ, Heads: heads}, logging.Discard("worker"))

	add(t, q, "ws-1", "aaa")

	c, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionProcessed, c.Action)
	assert.Equal(t, "ws-1", c.Workspace)
	assert.Equal(t, []string{"/srv/ws/ws-1"}, g.Calls())

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusReadyToMerge, e.Status)
	require.NotNil(t, e.TestedAgainstSHA)
	assert.Equal(t, "aaa", *e.TestedAgainstSHA)
	assert.Empty(t, w.Tracker().Claimed())

	c, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionIntegrated, c.Action)
	assert.Equal(t, []string{"ws-1"}, integ.entries)
	assert.Equal(t, []string{"/srv/ws/ws-1"}, integ.dirs)
	assert.Equal(t, model.QueueStatusCompleted, status(t, q, "ws-1").Status)

	holder, err := q.ProcessingLockHolder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestRunOnce_GateFailureIsRetryable(t *testing.T) {
	q := newTestQueue(t)
	w := New(q, &fakeGates{outcome: quickFailing()}, Options{ID: "w1"}, logging.Discard("worker"))
	add(t, q, "ws-1", "")

	c, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c.Result)
	assert.Equal(t, model.QueueStatusFailedRetryable, c.Result.Status)

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusFailedRetryable, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "Quick gate failed (exit code 1)")
}

func TestRunOnce_StaleResultIsRetested(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	g := &fakeGates{outcome: passing()}
	integ := &fakeIntegrator{}
	heads := &fakeHeads{head: "aaa"}
	rb := &fakeRebaser{gates: g}
	w := New(q, g, Options{ID: "w1", WorkingDirRoot: "/srv/ws", Integrator: integ, Rebaser: rb, Heads: heads}, logging.Discard("worker"))

	add(t, q, "ws-1", "aaa")
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, model.QueueStatusReadyToMerge, status(t, q, "ws-1").Status)

	// The target moved while ws-1 waited.
	heads.set("bbb")

	c, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionRetested, c.Action)
	assert.Len(t, g.Calls(), 2)
	assert.Empty(t, integ.entries)
	assert.Equal(t, []string{"ws-1 /srv/ws/ws-1 bbb"}, rb.calls)
	assert.Equal(t, []int{1}, rb.gateRuns, "rebase runs before the retest")

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusReadyToMerge, e.Status)
	require.NotNil(t, e.HeadSHA)
	assert.Equal(t, "bbb", *e.HeadSHA)
	require.NotNil(t, e.TestedAgainstSHA)
	assert.Equal(t, "bbb", *e.TestedAgainstSHA)
	assert.Equal(t, 1, e.RebaseCount)
	require.NotNil(t, e.LastRebasedAt)

	events, err := q.Events(ctx, e.ID)
	require.NoError(t, err)
	var types []model.QueueEventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, model.QueueEventFreshnessFailed)
	assert.Contains(t, types, model.QueueEventRebased)

	c, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionIntegrated, c.Action)
	assert.Equal(t, model.QueueStatusCompleted, status(t, q, "ws-1").Status)
}

func TestRunOnce_RebaseFailureIsAFailedAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	g := &fakeGates{outcome: passing()}
	integ := &fakeIntegrator{}
	heads := &fakeHeads{head: "aaa"}
	rb := &fakeRebaser{err: errors.New("could not apply 1a2b3c")}
	w := New(q, g, Options{ID: "w1", Integrator: integ, Rebaser: rb, Heads: heads}, logging.Discard("worker"))

	add(t, q, "ws-1", "aaa")
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	heads.set("bbb")

	c, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionRebaseFailed, c.Action)
	assert.Equal(t, "ws-1", c.Workspace)
	assert.Len(t, g.Calls(), 1, "no retest after a failed rebase")
	assert.Empty(t, integ.entries)
	assert.Empty(t, w.Tracker().Claimed())

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusFailedRetryable, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	assert.Equal(t, 0, e.RebaseCount)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "Rebase failed: could not apply 1a2b3c", *e.ErrorMessage)

	holder, err := q.ProcessingLockHolder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestShutdown_ReturnsInterruptedRetest(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	heads := &fakeHeads{head: "aaa"}
	add(t, q, "ws-1", "aaa")

	tester := New(q, &fakeGates{outcome: passing()}, Options{ID: "tester", Heads: heads}, logging.Discard("worker"))
	_, err := tester.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, model.QueueStatusReadyToMerge, status(t, q, "ws-1").Status)
	heads.set("bbb")

	g := &fakeGates{block: true}
	integrator := New(q, g, Options{ID: "integrator", Heads: heads}, logging.Discard("worker"))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := integrator.RunOnce(runCtx)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(g.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusTesting, e.Status)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, "integrator", *e.AgentID)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	integrator.Shutdown()

	e = status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusPending, e.Status)
	assert.Nil(t, e.AgentID)
	assert.Empty(t, integrator.Tracker().Claimed())
}

func TestRunOnce_IntegrationFailure(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	integ := &fakeIntegrator{err: errors.New("merge conflict in main.go")}
	w := New(q, &fakeGates{outcome: passing()}, Options{ID: "w1", Integrator: integ}, logging.Discard("worker"))

	add(t, q, "ws-1", "")
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	c, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionIntegrationFailed, c.Action)

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusFailedRetryable, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "Integration failed: merge conflict in main.go", *e.ErrorMessage)
	assert.Equal(t, model.WorkspaceStateConflict, e.WorkspaceState)
}

func TestRunOnce_BusyWhileAnotherWorkerProcesses(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	add(t, q, "ws-1", "")

	_, err := q.ClaimProcessingLock(ctx, "other", 0)
	require.NoError(t, err)

	g := &fakeGates{outcome: passing()}
	w := New(q, g, Options{ID: "w1"}, logging.Discard("worker"))
	c, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionBusy, c.Action)
	assert.Equal(t, "other", c.Holder)
	assert.Empty(t, g.Calls())
	assert.Equal(t, model.QueueStatusPending, status(t, q, "ws-1").Status)
}

func TestShutdown_ReturnsInterruptedClaim(t *testing.T) {
	q := newTestQueue(t)
	add(t, q, "ws-1", "")

	g := &fakeGates{block: true}
	w := New(q, g, Options{ID: "w1"}, logging.Discard("worker"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(g.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.QueueStatusTesting, status(t, q, "ws-1").Status)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"ws-1"}, w.Tracker().Claimed())

	w.Shutdown()
	w.Shutdown()

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusPending, e.Status)
	assert.Nil(t, e.AgentID)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Empty(t, w.Tracker().Claimed())
}

func TestRunOnce_LongGatesKeepTheLease(t *testing.T) {
	q, clock := newClockedQueue(t)
	ctx := context.Background()
	add(t, q, "ws-1", "")
	add(t, q, "ws-2", "")

	gA := &fakeGates{block: true}
	a := New(q, gA, Options{ID: "A"}, logging.Discard("worker"))
	a.pipeline.renewEvery = 5 * time.Millisecond
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := a.RunOnce(runCtx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(gA.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	// 400s of gate time, well past the 300s lease.
	for i := 0; i < 4; i++ {
		clock.Advance(100 * time.Second)
		want := clock.Now().Add(q.LockTimeout())
		require.Eventually(t, func() bool {
			h, err := q.ProcessingLockHolder(ctx)
			return err == nil && h != nil && !h.ExpiresAt.Before(want)
		}, 5*time.Second, 5*time.Millisecond)
	}

	gB := &fakeGates{outcome: passing()}
	b := New(q, gB, Options{ID: "B"}, logging.Discard("worker"))
	c, err := b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionBusy, c.Action)
	assert.Equal(t, "A", c.Holder)
	assert.Empty(t, gB.Calls())

	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusTesting, e.Status)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, "A", *e.AgentID)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	a.Shutdown()
}

func TestRunOnce_LostLeaseHandsTheEntryBack(t *testing.T) {
	q, clock := newClockedQueue(t)
	ctx := context.Background()
	add(t, q, "ws-1", "")

	g := &fakeGates{block: true}
	w := New(q, g, Options{ID: "A"}, logging.Discard("worker"))
	w.pipeline.renewEvery = 5 * time.Millisecond
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(g.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	// The process stalled past its lease; the next renewal finds it gone.
	clock.Advance(q.LockTimeout() + time.Second)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("gates were not stopped after the lease expired")
	}
	e := status(t, q, "ws-1")
	assert.Equal(t, model.QueueStatusPending, e.Status)
	assert.Nil(t, e.AgentID)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Empty(t, w.Tracker().Claimed())

	b := New(q, &fakeGates{outcome: passing()}, Options{ID: "B"}, logging.Discard("worker"))
	c, err := b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionProcessed, c.Action)
	assert.Equal(t, model.QueueStatusReadyToMerge, status(t, q, "ws-1").Status)
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	q := newTestQueue(t)
	for _, ws := range []string{"ws-1", "ws-2", "ws-3"} {
		add(t, q, ws, "")
	}
	integ := &fakeIntegrator{}
	w := New(q, &fakeGates{outcome: passing()}, Options{ID: "w1", Integrator: integ}, logging.Discard("worker"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Count(model.QueueStatusCompleted) == 3
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	integ.mu.Lock()
	defer integ.mu.Unlock()
	assert.Equal(t, []string{"ws-1", "ws-2", "ws-3"}, integ.entries)
}

func TestDefaultID(t *testing.T) {
	id := DefaultID()
	assert.NotEmpty(t, id)
	assert.Contains(t, id, "-")
}
