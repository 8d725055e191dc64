package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/isolate/internal/gate"
	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/queue"
)

type fakeGates struct {
	mu      sync.Mutex
	calls   []string
	outcome gate.Outcome
	err     error
	// block, when set, waits for ctx cancellation instead of returning.
	block bool
}

func (f *fakeGates) ExecuteQualityGates(ctx context.Context, dir string) (gate.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dir)
	outcome, err, block := f.outcome, f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return gate.Outcome{}, ctx.Err()
	}
	return outcome, err
}

func (f *fakeGates) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func passing() gate.Outcome {
	test := gate.NewResult(gate.GateTest, 0, "ok", "")
	return gate.CombineResults(gate.NewResult(gate.GateQuick, 0, "ok", ""), &test)
}

func quickFailing() gate.Outcome {
	return gate.CombineResults(gate.NewResult(gate.GateQuick, 1, "", "lint: unused variable x"), nil)
}

func testFailing() gate.Outcome {
	test := gate.NewResult(gate.GateTest, 2, "FAIL TestThing", "")
	return gate.CombineResults(gate.NewResult(gate.GateQuick, 0, "", ""), &test)
}

// recordingQueue is an in-memory Queue that counts lock releases.
type recordingQueue struct {
	status        model.QueueStatus
	attempts      int
	maxAttempts   int
	message       string
	releases      int
	transitionErr error
	extends       atomic.Int32
	extendErr     error
}

func (r *recordingQueue) TransitionTo(_ context.Context, ws string, status model.QueueStatus) (*model.QueueEntry, error) {
	if r.transitionErr != nil {
		return nil, r.transitionErr
	}
	r.status = status
	return r.entry(ws), nil
}

func (r *recordingQueue) TransitionToFailed(_ context.Context, ws, msg string, retryable bool) (*model.QueueEntry, error) {
	r.attempts++
	r.message = msg
	r.status = model.QueueStatusFailedPermanent
	if retryable && r.attempts < r.maxAttempts {
		r.status = model.QueueStatusFailedRetryable
	}
	return r.entry(ws), nil
}

func (r *recordingQueue) ExtendProcessingLock(context.Context, string, time.Duration) error {
	r.extends.Add(1)
	return r.extendErr
}

func (r *recordingQueue) ReleaseProcessingLock(context.Context, string) error {
	r.releases++
	return nil
}

func (r *recordingQueue) entry(ws string) *model.QueueEntry {
	msg := r.message
	return &model.QueueEntry{Workspace: ws, Status: r.status, AttemptCount: r.attempts, MaxAttempts: r.maxAttempts, ErrorMessage: &msg}
}

func newRecordingPipeline(gates GateExecutor) (*Pipeline, *recordingQueue) {
	q := &recordingQueue{status: model.QueueStatusPending, maxAttempts: 3}
	return NewPipeline(q, gates, logging.Discard("pipeline")), q
}

func TestProcessClaimedEntry_Pass(t *testing.T) {
	g := &fakeGates{outcome: passing()}
	p, q := newRecordingPipeline(g)

	res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "/tmp/ws-1")
	require.NoError(t, err)

	assert.Equal(t, model.QueueStatusReadyToMerge, res.Status)
	assert.Empty(t, res.Message)
	require.NotNil(t, res.Gates)
	assert.Equal(t, gate.StatusAllPassed, res.Gates.Status)
	assert.Equal(t, []string{"/tmp/ws-1"}, g.Calls())
	assert.Equal(t, 1, q.releases)
}

func TestProcessClaimedEntry_GateFailures(t *testing.T) {
	tests := []struct {
		name    string
		outcome gate.Outcome
		prefix  string
	}{
		{"quick", quickFailing(), "Quick gate failed (exit code 1): "},
		{"test", testFailing(), "Test gate failed (exit code 2): "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, q := newRecordingPipeline(&fakeGates{outcome: tt.outcome})

			res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
			require.NoError(t, err)
			assert.Equal(t, model.QueueStatusFailedRetryable, res.Status)
			assert.True(t, len(res.Message) > len(tt.prefix))
			assert.Equal(t, tt.prefix, res.Message[:len(tt.prefix)])
			assert.Equal(t, res.Message, q.message)
			assert.Equal(t, 1, q.releases)
		})
	}
}

func TestProcessClaimedEntry_ExecutionError(t *testing.T) {
	p, q := newRecordingPipeline(&fakeGates{err: errors.New("moon: not found")})

	res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusFailedRetryable, res.Status)
	assert.Equal(t, "Gate execution error: moon: not found", res.Message)
	assert.Nil(t, res.Gates)
	assert.Equal(t, 1, q.releases)
}

func TestProcessClaimedEntry_LastAttemptIsPermanent(t *testing.T) {
	p, q := newRecordingPipeline(&fakeGates{outcome: quickFailing()})
	q.attempts = 2

	res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusFailedPermanent, res.Status)
	assert.Equal(t, 3, q.attempts)
}

func TestProcessClaimedEntry_ReleasesOnQueueError(t *testing.T) {
	g := &fakeGates{outcome: passing()}
	p, q := newRecordingPipeline(g)
	q.transitionErr = errors.New("database is locked")

	_, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Empty(t, g.Calls())
	assert.Equal(t, 1, q.releases)
}

func TestProcessClaimedEntry_CancelledIsNotAnAttempt(t *testing.T) {
	p, q := newRecordingPipeline(&fakeGates{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessClaimedEntry(ctx, "ws-1", "w1", "dir")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.QueueStatusTesting, q.status)
	assert.Equal(t, 0, q.attempts)
	assert.Equal(t, 1, q.releases)
}

func TestProcessClaimedEntry_LostLeaseStopsGates(t *testing.T) {
	g := &fakeGates{block: true}
	p, q := newRecordingPipeline(g)
	p.SetLease(300 * time.Second)
	p.renewEvery = 5 * time.Millisecond
	q.extendErr = queue.ErrNotProcessingLockHolder

	res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.ErrorIs(t, err, ErrLeaseLost)
	assert.Empty(t, res.Status)
	assert.Equal(t, model.QueueStatusTesting, q.status, "not recorded as a failed attempt")
	assert.Equal(t, 0, q.attempts)
	assert.Equal(t, int32(1), q.extends.Load())
	assert.Equal(t, 1, q.releases)
}

func TestProcessClaimedEntry_TransientRenewFailureIsRetried(t *testing.T) {
	g := &slowGates{delay: 60 * time.Millisecond, outcome: passing()}
	p, q := newRecordingPipeline(g)
	p.SetLease(300 * time.Second)
	p.renewEvery = 5 * time.Millisecond
	q.extendErr = errors.New("database is locked")

	res, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusReadyToMerge, res.Status)
	assert.Greater(t, q.extends.Load(), int32(1))
}

func TestProcessClaimedEntry_NoRenewalWithoutLease(t *testing.T) {
	p, q := newRecordingPipeline(&slowGates{delay: 20 * time.Millisecond, outcome: passing()})

	_, err := p.ProcessClaimedEntry(context.Background(), "ws-1", "w1", "dir")
	require.NoError(t, err)
	assert.Equal(t, int32(0), q.extends.Load())
}

func TestSetLease(t *testing.T) {
	p, _ := newRecordingPipeline(&fakeGates{})
	p.SetLease(300 * time.Second)
	assert.Equal(t, 100*time.Second, p.renewEvery)
}

// slowGates returns outcome after delay unless ctx ends first.
type slowGates struct {
	delay   time.Duration
	outcome gate.Outcome
}

func (s *slowGates) ExecuteQualityGates(ctx context.Context, _ string) (gate.Outcome, error) {
	select {
	case <-time.After(s.delay):
		return s.outcome, nil
	case <-ctx.Done():
		return gate.Outcome{}, ctx.Err()
	}
}
