package task

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Range is an inclusive delay range.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pacer inserts the randomized waits between actions.
type Pacer interface {
	// BetweenComments waits before the next comment on the same post.
	BetweenComments(ctx context.Context) error
	// BetweenPosts waits before moving to the next post.
	BetweenPosts(ctx context.Context) error
}

// RandomPacer samples each wait uniformly from its range. A wait ends early
// with the context's error when ctx is done.
type RandomPacer struct {
	Comment Range
	Post    Range

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRandomPacer creates a RandomPacer. Inverted ranges are swapped.
func NewRandomPacer(comment, post Range) *RandomPacer {
	return &RandomPacer{
		Comment: normalize(comment),
		Post:    normalize(post),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
		sleep:   sleepContext,
	}
}

func normalize(r Range) Range {
	if r.Min < 0 {
		r.Min = 0
	}
	if r.Max < r.Min {
		r.Min, r.Max = r.Max, r.Min
		if r.Min < 0 {
			r.Min = 0
		}
	}
	return r
}

// BetweenComments implements Pacer.
func (p *RandomPacer) BetweenComments(ctx context.Context) error {
	return p.sleep(ctx, p.sample(p.Comment))
}

// BetweenPosts implements Pacer.
func (p *RandomPacer) BetweenPosts(ctx context.Context) error {
	return p.sleep(ctx, p.sample(p.Post))
}

func (p *RandomPacer) sample(r Range) time.Duration {
	span := int64(r.Max - r.Min)
	if span <= 0 {
		return r.Min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.Min + time.Duration(p.rng.Int64N(span+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
