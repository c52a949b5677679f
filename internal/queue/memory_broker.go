package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-process runs.
type MemoryBroker struct {
	mu      sync.Mutex
	records map[Handle]*memoryEntry
}

type memoryEntry struct {
	rec          Record
	rank         float64
	availableAt  time.Time
	visibleUntil time.Time
	// queued is true while the entry waits in delayed or ready.
	queued   bool
	inflight bool
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{records: make(map[Handle]*memoryEntry)}
}

var _ Broker = (*MemoryBroker)(nil)

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, rec *Record, availableAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.Handle] = &memoryEntry{
		rec:         *rec,
		rank:        rank(rec.Message.ClampedPriority(), rec.EnqueuedAt),
		availableAt: availableAt,
		queued:      true,
	}
	return nil
}

// Reserve implements Broker.
func (b *MemoryBroker) Reserve(ctx context.Context, lane string, now, visibleUntil time.Time) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []*memoryEntry
	for _, e := range b.records {
		if e.rec.Message.Lane != lane {
			continue
		}
		if e.inflight && !e.visibleUntil.After(now) {
			// visibility expired: redeliver
			e.inflight = false
			e.queued = true
			e.availableAt = now
			e.rec.State = StatusRetrying
		}
		if e.queued && !e.availableAt.After(now) {
			ready = append(ready, e)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].rank != ready[j].rank {
			return ready[i].rank < ready[j].rank
		}
		return ready[i].rec.Handle < ready[j].rec.Handle
	})

	e := ready[0]
	e.queued = false
	e.inflight = true
	e.visibleUntil = visibleUntil
	e.rec.State = StatusRunning
	e.rec.Attempt++
	e.rec.UpdatedAt = now
	rec := e.rec
	return &rec, nil
}

// Complete implements Broker.
func (b *MemoryBroker) Complete(ctx context.Context, h Handle, state Status, errMsg string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.records[h]
	if !ok {
		return ErrUnknownHandle
	}
	e.inflight = false
	e.queued = false
	e.rec.State = state
	e.rec.LastError = errMsg
	e.rec.UpdatedAt = now
	return nil
}

// Retry implements Broker.
func (b *MemoryBroker) Retry(ctx context.Context, h Handle, availableAt time.Time, errMsg string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.records[h]
	if !ok {
		return ErrUnknownHandle
	}
	e.inflight = false
	e.queued = true
	e.availableAt = availableAt
	e.rank = rank(e.rec.Message.ClampedPriority(), availableAt)
	e.rec.State = StatusRetrying
	e.rec.LastError = errMsg
	e.rec.UpdatedAt = now
	return nil
}

// Cancel implements Broker.
func (b *MemoryBroker) Cancel(ctx context.Context, h Handle, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.records[h]
	if !ok {
		return false, ErrUnknownHandle
	}
	if !e.queued {
		return false, nil
	}
	e.queued = false
	e.rec.State = StatusCancelled
	e.rec.UpdatedAt = now
	return true, nil
}

// SetProgress implements Broker.
func (b *MemoryBroker) SetProgress(ctx context.Context, h Handle, p Progress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.records[h]
	if !ok {
		return ErrUnknownHandle
	}
	e.rec.Progress = &p
	return nil
}

// Get implements Broker.
func (b *MemoryBroker) Get(ctx context.Context, h Handle) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.records[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	rec := e.rec
	if rec.Progress != nil {
		p := *rec.Progress
		rec.Progress = &p
	}
	return &rec, nil
}
