package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBroker struct {
	*MemoryBroker
}

func (f failingBroker) Publish(context.Context, *Record, time.Time) error {
	return errors.New("broker down")
}

func TestQueueEnqueueStatusCancel(t *testing.T) {
	t.Parallel()
	q := New(NewMemoryBroker(), nil)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, Message{TaskID: "t1", Lane: LaneAutomation, Priority: 5, RetryPolicy: DefaultRetryPolicy()})
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	rec, err := q.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.State)
	assert.Equal(t, "t1", rec.Message.TaskID)

	ok, err := q.Cancel(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = q.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.State)
	assert.True(t, rec.State.IsFinal())

	ok, err = q.Cancel(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")
}

func TestQueueEnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()
	q := New(NewMemoryBroker(), nil)
	_, err := q.Enqueue(context.Background(), Message{Lane: LaneAutomation})
	assert.True(t, errors.Is(err, ErrEmptySubject))
}

func TestQueueEnqueueBrokerFailure(t *testing.T) {
	t.Parallel()
	q := New(failingBroker{NewMemoryBroker()}, nil)
	_, err := q.Enqueue(context.Background(), Message{TaskID: "t", Lane: LaneAutomation})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestQueueStatusUnknown(t *testing.T) {
	t.Parallel()
	q := New(NewMemoryBroker(), nil)
	_, err := q.Status(context.Background(), Handle("nope"))
	assert.True(t, errors.Is(err, ErrUnknownHandle))
}
