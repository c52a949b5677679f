package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingHandler struct {
	mu        sync.Mutex
	outcomes  []Outcome
	calls     int
	attempts  []int
	terminals []string
}

func (h *recordingHandler) Handle(ctx context.Context, d *Delivery) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, d.Attempt)
	o := h.outcomes[min(h.calls, len(h.outcomes)-1)]
	h.calls++
	return o
}

func (h *recordingHandler) OnTerminalFailure(ctx context.Context, d *Delivery, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminals = append(h.terminals, reason)
}

func setup(t *testing.T, cfg DispatcherConfig, h Handler) (*Queue, *Dispatcher, *clock) {
	t.Helper()
	broker := NewMemoryBroker()
	c := newClock()
	q := New(broker, nil)
	q.now = c.Now
	d := NewDispatcher(broker, cfg, nil)
	d.now = c.Now
	d.Register(LaneAutomation, 1, h)
	return q, d, c
}

func enqueue(t *testing.T, q *Queue, policy RetryPolicy) Handle {
	t.Helper()
	h, err := q.Enqueue(context.Background(), Message{
		TaskID:      "task-1",
		Lane:        LaneAutomation,
		Priority:    DefaultPriority,
		RetryPolicy: policy,
	})
	require.NoError(t, err)
	return h
}

func TestDispatcherSuccess(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{outcomes: []Outcome{Succeeded()}}
	q, d, _ := setup(t, DispatcherConfig{}, h)
	handle := enqueue(t, q, DefaultRetryPolicy())

	processed, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	assert.True(t, processed)

	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.State)
	assert.Empty(t, h.terminals)
}

func TestDispatcherRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{outcomes: []Outcome{Retryable(errors.New("db unavailable"))}}
	q, d, c := setup(t, DispatcherConfig{BackoffUnit: time.Second}, h)
	handle := enqueue(t, q, DefaultRetryPolicy())
	ctx := context.Background()

	// first attempt plus three retries, 60s, 120s, 180s apart
	for _, wait := range []time.Duration{0, 60 * time.Second, 120 * time.Second, 180 * time.Second} {
		c.Advance(wait - time.Second)
		if wait > 0 {
			processed, err := d.ProcessOne(ctx, LaneAutomation)
			require.NoError(t, err)
			assert.False(t, processed, "retry must wait for its backoff")
		}
		c.Advance(time.Second)
		processed, err := d.ProcessOne(ctx, LaneAutomation)
		require.NoError(t, err)
		require.True(t, processed)
	}

	rec, err := q.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.State)
	assert.Equal(t, 4, rec.Attempt)
	assert.Contains(t, rec.LastError, "retries exhausted")
	assert.Equal(t, []int{1, 2, 3, 4}, h.attempts)
	require.Len(t, h.terminals, 1, "terminal hook runs once, after the last retry")
}

func TestDispatcherRetryingStatus(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{outcomes: []Outcome{Retryable(errors.New("transient")), Succeeded()}}
	q, d, c := setup(t, DispatcherConfig{}, h)
	handle := enqueue(t, q, DefaultRetryPolicy())
	ctx := context.Background()

	_, err := d.ProcessOne(ctx, LaneAutomation)
	require.NoError(t, err)
	rec, err := q.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, rec.State)

	c.Advance(time.Minute)
	_, err = d.ProcessOne(ctx, LaneAutomation)
	require.NoError(t, err)
	rec, err = q.Status(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.State)
}

func TestDispatcherFatalSkipsRetries(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{outcomes: []Outcome{Fatal(errors.New("no eligible account"))}}
	q, d, _ := setup(t, DispatcherConfig{}, h)
	handle := enqueue(t, q, DefaultRetryPolicy())

	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)

	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.State)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, []string{"no eligible account"}, h.terminals)
}

func TestDispatcherSkippedCompletes(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{outcomes: []Outcome{Skipped("already processing")}}
	q, d, _ := setup(t, DispatcherConfig{}, h)
	handle := enqueue(t, q, DefaultRetryPolicy())

	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.State)
	assert.Empty(t, h.terminals)
}

func TestDispatcherSoftLimitCancelsContext(t *testing.T) {
	t.Parallel()
	var sawDeadline atomic.Bool
	handler := HandlerFunc(func(ctx context.Context, d *Delivery) Outcome {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return Fatal(ctx.Err())
	})
	q, d, _ := setup(t, DispatcherConfig{SoftTimeLimit: 20 * time.Millisecond, HardTimeLimit: time.Second}, handler)
	handle := enqueue(t, q, DefaultRetryPolicy())

	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	assert.True(t, sawDeadline.Load())

	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.State)
}

func TestDispatcherHardLimitAbandonsHandler(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	handler := &blockingHandler{release: release}
	q, d, _ := setup(t, DispatcherConfig{SoftTimeLimit: 10 * time.Millisecond, HardTimeLimit: 50 * time.Millisecond}, handler)
	handle := enqueue(t, q, DefaultRetryPolicy())

	start := time.Now()
	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.State)
	assert.Contains(t, rec.LastError, ErrHardTimeLimit.Error())
	assert.False(t, handler.terminal.Load(), "no terminal hook while the handler may still run")
}

type blockingHandler struct {
	release  chan struct{}
	terminal atomic.Bool
}

func (h *blockingHandler) Handle(ctx context.Context, d *Delivery) Outcome {
	<-h.release
	return Succeeded()
}

func (h *blockingHandler) OnTerminalFailure(ctx context.Context, d *Delivery, reason string) {
	h.terminal.Store(true)
}

func TestDispatcherRecoversPanic(t *testing.T) {
	t.Parallel()
	handler := HandlerFunc(func(ctx context.Context, d *Delivery) Outcome { panic("boom") })
	q, d, _ := setup(t, DispatcherConfig{}, handler)
	handle := enqueue(t, q, DefaultRetryPolicy())

	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.State)
	assert.Contains(t, rec.LastError, "boom")
}

func TestDispatcherProgress(t *testing.T) {
	t.Parallel()
	handler := HandlerFunc(func(ctx context.Context, d *Delivery) Outcome {
		d.ReportProgress(ctx, 4, 16)
		return Succeeded()
	})
	q, d, _ := setup(t, DispatcherConfig{}, handler)
	handle := enqueue(t, q, DefaultRetryPolicy())

	_, err := d.ProcessOne(context.Background(), LaneAutomation)
	require.NoError(t, err)
	rec, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, Progress{Current: 4, Total: 16, Percent: 25}, *rec.Progress)
}

func TestDispatcherUnknownLane(t *testing.T) {
	t.Parallel()
	_, d, _ := setup(t, DispatcherConfig{}, HandlerFunc(func(context.Context, *Delivery) Outcome { return Succeeded() }))
	_, err := d.ProcessOne(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestDispatcherStartStop(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	broker := NewMemoryBroker()
	q := New(broker, nil)
	d := NewDispatcher(broker, DispatcherConfig{PollInterval: 5 * time.Millisecond}, nil)
	d.Register(LaneSetup, 2, HandlerFunc(func(context.Context, *Delivery) Outcome {
		runs.Add(1)
		return Succeeded()
	}))
	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrDispatcherBusy)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), Message{TaskID: "acc", Lane: LaneSetup, RetryPolicy: DefaultRetryPolicy()})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}
