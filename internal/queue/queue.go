// Package queue implements the Redis-backed job queue: a FIFO ready list
// consumed with BLMOVE, a delayed zset for retries, a dedupe set keyed by
// job id, and capped completed/failed bookkeeping lists.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// envelope is the wire form of a queued job.
type envelope struct {
	ID         string             `json:"id"`
	Payload    model.QueueMessage `json:"payload"`
	Attempts   int                `json:"attempts"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// Queue publishes report jobs onto the ready list.
type Queue struct {
	client *redis.Client
	keys   keySet
}

type keySet struct {
	ready      string
	processing string
	delayed    string
	completed  string
	failed     string
	dedupe     string
}

func newKeySet(prefix string) keySet {
	return keySet{
		ready:      prefix + ":ready",
		processing: prefix + ":processing",
		delayed:    prefix + ":delayed",
		completed:  prefix + ":completed",
		failed:     prefix + ":failed",
		dedupe:     prefix + ":dedupe",
	}
}

// NewQueue returns a publisher over the given Redis client.
func NewQueue(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, keys: newKeySet(prefix)}
}

// Enqueue pushes a job onto the ready list. The job id acts as the dedupe
// key: a job already in flight is not enqueued again and Enqueue reports
// false.
func (q *Queue) Enqueue(ctx context.Context, msg model.QueueMessage) (bool, error) {
	added, err := q.client.SAdd(ctx, q.keys.dedupe, msg.ReportJobID).Result()
	if err != nil {
		return false, fmt.Errorf("register dedupe key: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	body, err := json.Marshal(envelope{
		ID:         msg.ReportJobID,
		Payload:    msg,
		Attempts:   0,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal queue envelope: %w", err)
	}

	if err := q.client.LPush(ctx, q.keys.ready, body).Err(); err != nil {
		// Roll the dedupe entry back so a later enqueue can succeed.
		_ = q.client.SRem(ctx, q.keys.dedupe, msg.ReportJobID).Err()
		return false, fmt.Errorf("push to ready list: %w", err)
	}
	return true, nil
}

// Depth reports the current ready list length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.keys.ready).Result()
	if err != nil {
		return 0, fmt.Errorf("read ready list length: %w", err)
	}
	return n, nil
}
