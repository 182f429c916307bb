package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "ucrs"

// QueueOption is a functional option for configuring the Redis queue.
type QueueOption func(*Queue)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) QueueOption {
	return func(q *Queue) {
		if ns != "" {
			q.namespace = ns
		}
	}
}

// Queue is the Redis-backed job bus. Jobs are JSON envelopes pushed onto
// one list per logical queue; workers block-pop from both lists. Safe for
// concurrent use.
type Queue struct {
	client    *redis.Client
	namespace string
}

// NewQueue connects to Redis and verifies connectivity. redisURL is a
// standard Redis URL (e.g. "redis://localhost:6379/0").
func NewQueue(redisURL string, opts ...QueueOption) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	q := &Queue{
		client:    client,
		namespace: defaultNamespace,
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return q, nil
}

// NewQueueFromClient wraps an existing client. Used by tests with miniredis.
func NewQueueFromClient(client *redis.Client, opts ...QueueOption) *Queue {
	q := &Queue{client: client, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) key(kind Kind) string {
	return q.namespace + ":queue:" + string(kind)
}

// Push enqueues a job onto its logical queue.
func (q *Queue) Push(ctx context.Context, job Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key(job.Kind), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.describe(), err)
	}
	return nil
}

// Pop blocks up to timeout waiting for a job from either queue. Returns
// (zero Job, false, nil) on timeout so worker loops can re-check their
// context between waits.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key(KindCluster), q.key(KindSeverity)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("dequeue: unexpected BRPOP reply of %d elements", len(res))
	}
	job, err := decodeJob([]byte(res[1]))
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Len reports the depth of one logical queue. Ops/debug use.
func (q *Queue) Len(ctx context.Context, kind Kind) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length for %s: %w", kind, err)
	}
	return n, nil
}
