package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces every key the RedisBroker writes.
const DefaultKeyPrefix = "commentflow:queue:"

// recordRetention is how long a final dispatch record stays readable.
const recordRetention = 7 * 24 * time.Hour

// reserveScript promotes due delayed dispatches, requeues inflight ones
// whose visibility expired, then pops the lowest-ranked ready dispatch.
//
// KEYS: delayed, ready, inflight
// ARGV: now ms, visible-until ms, record key prefix, updated_at
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, h in ipairs(due) do
  redis.call('ZREM', KEYS[1], h)
  local r = redis.call('HGET', ARGV[3] .. h, 'rank')
  if r then
    redis.call('ZADD', KEYS[2], r, h)
  end
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, h in ipairs(expired) do
  redis.call('ZREM', KEYS[3], h)
  local r = redis.call('HGET', ARGV[3] .. h, 'rank')
  if r then
    redis.call('ZADD', KEYS[2], r, h)
    redis.call('HSET', ARGV[3] .. h, 'state', 'retrying')
  end
end

local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
local h = popped[1]
redis.call('ZADD', KEYS[3], ARGV[2], h)
redis.call('HSET', ARGV[3] .. h, 'state', 'running', 'updated_at', ARGV[4])
redis.call('HINCRBY', ARGV[3] .. h, 'attempt', 1)
return h
`)

// cancelScript removes a waiting dispatch from its lane.
//
// KEYS: delayed, ready, record
// ARGV: handle, updated_at
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'cancelled', 'updated_at', ARGV[2])
return 1
`)

// RedisBroker is a Broker on Redis. Each lane has three sorted sets:
// delayed (scored by availability time), ready (scored by rank) and
// inflight (scored by visibility deadline). Each dispatch has a hash.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a RedisBroker using client. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

var _ Broker = (*RedisBroker)(nil)

func (b *RedisBroker) laneKey(lane, set string) string {
	return b.prefix + "lane:" + lane + ":" + set
}

func (b *RedisBroker) recordPrefix() string {
	return b.prefix + "msg:"
}

func (b *RedisBroker) recordKey(h Handle) string {
	return b.recordPrefix() + string(h)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, rec *Record, availableAt time.Time) error {
	msg, err := json.Marshal(rec.Message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	lane := rec.Message.Lane
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.recordKey(rec.Handle),
			"message", string(msg),
			"lane", lane,
			"state", string(rec.State),
			"attempt", rec.Attempt,
			"rank", rank(rec.Message.ClampedPriority(), rec.EnqueuedAt),
			"enqueued_at", formatTime(rec.EnqueuedAt),
			"updated_at", formatTime(rec.UpdatedAt))
		p.ZAdd(ctx, b.laneKey(lane, "delayed"), &redis.Z{
			Score:  float64(availableAt.UnixMilli()),
			Member: string(rec.Handle),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish dispatch %s: %w", rec.Handle, err)
	}
	return nil
}

// Reserve implements Broker.
func (b *RedisBroker) Reserve(ctx context.Context, lane string, now, visibleUntil time.Time) (*Record, error) {
	keys := []string{
		b.laneKey(lane, "delayed"),
		b.laneKey(lane, "ready"),
		b.laneKey(lane, "inflight"),
	}
	res, err := reserveScript.Run(ctx, b.client, keys,
		now.UnixMilli(), visibleUntil.UnixMilli(), b.recordPrefix(), formatTime(now)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve from lane %s: %w", lane, err)
	}
	h, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected reserve result %T", res)
	}
	return b.Get(ctx, Handle(h))
}

// Complete implements Broker.
func (b *RedisBroker) Complete(ctx context.Context, h Handle, state Status, errMsg string, now time.Time) error {
	lane, err := b.client.HGet(ctx, b.recordKey(h), "lane").Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownHandle
	}
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.laneKey(lane, "inflight"), string(h))
		p.HSet(ctx, b.recordKey(h), "state", string(state), "error", errMsg, "updated_at", formatTime(now))
		p.Expire(ctx, b.recordKey(h), recordRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete dispatch %s: %w", h, err)
	}
	return nil
}

// Retry implements Broker.
func (b *RedisBroker) Retry(ctx context.Context, h Handle, availableAt time.Time, errMsg string, now time.Time) error {
	vals, err := b.client.HMGet(ctx, b.recordKey(h), "lane", "message").Result()
	if err != nil {
		return err
	}
	lane, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	if lane == "" || raw == "" {
		return ErrUnknownHandle
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.laneKey(lane, "inflight"), string(h))
		p.HSet(ctx, b.recordKey(h),
			"state", string(StatusRetrying),
			"error", errMsg,
			"rank", rank(msg.ClampedPriority(), availableAt),
			"updated_at", formatTime(now))
		p.ZAdd(ctx, b.laneKey(lane, "delayed"), &redis.Z{
			Score:  float64(availableAt.UnixMilli()),
			Member: string(h),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", h, err)
	}
	return nil
}

// Cancel implements Broker.
func (b *RedisBroker) Cancel(ctx context.Context, h Handle, now time.Time) (bool, error) {
	lane, err := b.client.HGet(ctx, b.recordKey(h), "lane").Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrUnknownHandle
	}
	if err != nil {
		return false, err
	}
	n, err := cancelScript.Run(ctx, b.client,
		[]string{b.laneKey(lane, "delayed"), b.laneKey(lane, "ready"), b.recordKey(h)},
		string(h), formatTime(now)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cancel %s: %w", h, err)
	}
	return n == 1, nil
}

// SetProgress implements Broker.
func (b *RedisBroker) SetProgress(ctx context.Context, h Handle, p Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.recordKey(h), "progress", string(raw)).Err()
}

// Get implements Broker.
func (b *RedisBroker) Get(ctx context.Context, h Handle) (*Record, error) {
	fields, err := b.client.HGetAll(ctx, b.recordKey(h)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["message"] == "" {
		return nil, ErrUnknownHandle
	}

	rec := &Record{
		Handle:    h,
		State:     Status(fields["state"]),
		LastError: fields["error"],
	}
	if err := json.Unmarshal([]byte(fields["message"]), &rec.Message); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if rec.Attempt, err = strconv.Atoi(fields["attempt"]); err != nil {
		return nil, fmt.Errorf("bad attempt counter: %w", err)
	}
	if p := fields["progress"]; p != "" {
		var progress Progress
		if err := json.Unmarshal([]byte(p), &progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
		rec.Progress = &progress
	}
	rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}
