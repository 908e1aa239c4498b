// Package queue carries sampling triggers from the API to workers through Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fieldcall-sampling/internal/models"
)

// Kind names the work a trigger asks for.
type Kind string

const (
	KindBatch    Kind = "batch"
	KindActivity Kind = "activity"
	KindAllocate Kind = "allocate"
)

// Valid reports whether k is a known trigger kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBatch, KindActivity, KindAllocate:
		return true
	}
	return false
}

// Trigger is one queued request for sampling or allocation work.
type Trigger struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ActivityID  string    `json:"activity_id,omitempty"`
	Percentage  *float64  `json:"percentage,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Attempts    int       `json:"attempts"`
	Deferrals   int       `json:"deferrals,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled triggers in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
	Now           func() time.Time
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "trigger:ready",
		inflightKey:   "trigger:inflight",
		scheduledKey:  "trigger:scheduled",
		metaPrefix:    "trigger:meta:",
		dlqKey:        "trigger:dlq",
		visibilityTTL: visibility,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Enqueue stores the trigger and places it in the ready list, or the scheduled set when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, t Trigger, runAt time.Time) (Trigger, error) {
	if !t.Kind.Valid() {
		return Trigger{}, fmt.Errorf("trigger kind %q: %w", t.Kind, models.ErrValidation)
	}
	if t.Kind == KindActivity && t.ActivityID == "" {
		return Trigger{}, fmt.Errorf("activity trigger without activity id: %w", models.ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.Now()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return Trigger{}, fmt.Errorf("marshal trigger: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(t.ID), body, 0)
	if runAt.After(q.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	} else {
		pipe.RPush(ctx, q.readyKey, t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

// Retry records the failure and schedules the trigger again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, t Trigger, runAt time.Time, cause error) error {
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	return q.reschedule(ctx, t, runAt)
}

// Defer schedules the trigger again at runAt without counting a failed attempt.
func (q *RedisQueue) Defer(ctx context.Context, t Trigger, runAt time.Time) error {
	t.Deferrals++
	return q.reschedule(ctx, t, runAt)
}

func (q *RedisQueue) reschedule(ctx context.Context, t Trigger, runAt time.Time) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.metaKey(t.ID), body, 0)
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled triggers into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims triggers whose worker stopped before acking.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next ready trigger and marks it in flight until the visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Trigger, error) {
	deadline := q.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	body, err := q.client.Get(ctx, q.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Meta gone: the trigger was acked elsewhere.
		return nil, q.client.ZRem(ctx, q.inflightKey, id).Err()
	}
	if err != nil {
		return nil, err
	}
	var t Trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger %s: %w", id, err)
	}
	return &t, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight trigger.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a trigger from in-flight tracking and drops its record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter parks a trigger that kept failing for operator inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, t Trigger, cause error) error {
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.Del(ctx, q.metaKey(t.ID))
	pipe.LPush(ctx, q.dlqKey, body)
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLettered reads the most recently dead-lettered triggers.
func (q *RedisQueue) DeadLettered(ctx context.Context, count int64) ([]Trigger, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Trigger, 0, len(raw))
	for _, r := range raw {
		var t Trigger
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("unmarshal dead-lettered trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Depth returns ready plus scheduled triggers.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + scheduled.Val(), nil
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
