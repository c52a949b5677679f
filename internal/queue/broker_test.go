package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(lane string, priority int, at time.Time) *Record {
	return &Record{
		Handle:     Handle(uuid.NewString()),
		Message:    Message{TaskID: uuid.NewString(), Lane: lane, Priority: priority, RetryPolicy: DefaultRetryPolicy()},
		State:      StatusPending,
		EnqueuedAt: at,
		UpdatedAt:  at,
	}
}

// runBrokerContract checks the behaviour every Broker must share.
func runBrokerContract(t *testing.T, newBroker func(t *testing.T) Broker) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("priority then age", func(t *testing.T) {
		b := newBroker(t)
		lane := "lane-" + uuid.NewString()
		low := newRecord(lane, 1, base)
		highLate := newRecord(lane, 8, base.Add(time.Second))
		highEarly := newRecord(lane, 8, base)
		for _, r := range []*Record{low, highLate, highEarly} {
			require.NoError(t, b.Publish(ctx, r, base))
		}

		now := base.Add(2 * time.Second)
		var order []Handle
		for i := 0; i < 3; i++ {
			rec, err := b.Reserve(ctx, lane, now, now.Add(time.Minute))
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, StatusRunning, rec.State)
			assert.Equal(t, 1, rec.Attempt)
			order = append(order, rec.Handle)
		}
		assert.Equal(t, []Handle{highEarly.Handle, highLate.Handle, low.Handle}, order)

		rec, err := b.Reserve(ctx, lane, now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("lanes are isolated", func(t *testing.T) {
		b := newBroker(t)
		rec := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, rec, base))

		got, err := b.Reserve(ctx, "lane-"+uuid.NewString(), base, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delayed until available", func(t *testing.T) {
		b := newBroker(t)
		rec := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, rec, base.Add(time.Minute)))

		got, err := b.Reserve(ctx, rec.Message.Lane, base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = b.Reserve(ctx, rec.Message.Lane, base.Add(time.Minute), base.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Handle, got.Handle)
	})

	t.Run("retry and complete", func(t *testing.T) {
		b := newBroker(t)
		rec := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, rec, base))
		_, err := b.Reserve(ctx, rec.Message.Lane, base, base.Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, b.Retry(ctx, rec.Handle, base.Add(time.Minute), "transient", base))
		got, err := b.Get(ctx, rec.Handle)
		require.NoError(t, err)
		assert.Equal(t, StatusRetrying, got.State)
		assert.Equal(t, "transient", got.LastError)

		again, err := b.Reserve(ctx, rec.Message.Lane, base.Add(time.Minute), base.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempt)

		require.NoError(t, b.Complete(ctx, rec.Handle, StatusSucceeded, "", base.Add(2*time.Minute)))
		got, err = b.Get(ctx, rec.Handle)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.State)
	})

	t.Run("redelivery after visibility timeout", func(t *testing.T) {
		b := newBroker(t)
		rec := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, rec, base))
		_, err := b.Reserve(ctx, rec.Message.Lane, base, base.Add(time.Minute))
		require.NoError(t, err)

		got, err := b.Reserve(ctx, rec.Message.Lane, base.Add(30*time.Second), base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, got, "still invisible")

		got, err = b.Reserve(ctx, rec.Message.Lane, base.Add(2*time.Minute), base.Add(5*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Handle, got.Handle)
		assert.Equal(t, 2, got.Attempt)
	})

	t.Run("cancel only waiting dispatches", func(t *testing.T) {
		b := newBroker(t)
		waiting := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, waiting, base))
		ok, err := b.Cancel(ctx, waiting.Handle, base)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := b.Reserve(ctx, waiting.Message.Lane, base, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, got)

		running := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, running, base))
		_, err = b.Reserve(ctx, running.Message.Lane, base, base.Add(time.Minute))
		require.NoError(t, err)
		ok, err = b.Cancel(ctx, running.Handle, base)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.Cancel(ctx, Handle("missing"), base)
		assert.True(t, errors.Is(err, ErrUnknownHandle))
	})

	t.Run("progress", func(t *testing.T) {
		b := newBroker(t)
		rec := newRecord("lane-"+uuid.NewString(), 5, base)
		require.NoError(t, b.Publish(ctx, rec, base))
		require.NoError(t, b.SetProgress(ctx, rec.Handle, NewProgress(8, 16)))

		got, err := b.Get(ctx, rec.Handle)
		require.NoError(t, err)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 50, got.Progress.Percent)
		assert.Equal(t, rec.Message, got.Message)
	})
}

func TestMemoryBroker(t *testing.T) {
	t.Parallel()
	runBrokerContract(t, func(t *testing.T) Broker { return NewMemoryBroker() })
}
