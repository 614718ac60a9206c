// Package queue implements the durable FIFO queues shared by the workers.
//
// A queue is a Redis list: producers LPUSH, consumers RPOP. Every push also LPUSHes a
// token onto "<name>_actions" so that idle consumers blocked in Wait wake up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/retry"

	"github.com/redis/go-redis/v9"
)

// DefaultArchiveMaxAge is how long archived payloads are kept when no max age is configured.
const DefaultArchiveMaxAge = 3 * time.Hour

const bucketLayout = "2006010215"

// Options tunes a queue's consumer side.
type Options struct {
	// Archive moves each popped payload to "<name>_archive:<YYYYMMDDHH>" instead of discarding it.
	Archive bool
	// ArchiveMaxAge is the expiry applied to archive buckets.
	ArchiveMaxAge time.Duration
	// Validate rejects malformed payloads before they reach the handler.
	Validate func(payload []byte) error
	// OnReject is called after a payload has been diverted to the rejects list.
	OnReject func(ctx context.Context, payload []byte, err error)
	// Now is the clock used for bucket names.
	Now func() time.Time
}

// Handler processes one payload. Returning a retryable error puts the payload back at
// the consuming end of the queue; any error stops the current pass.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a durable at-least-once FIFO queue.
type Queue struct {
	client *redis.Client
	name   string
	opts   Options
}

// New creates a queue over the named Redis list.
func New(client *redis.Client, name string, opts Options) *Queue {
	if opts.ArchiveMaxAge <= 0 {
		opts.ArchiveMaxAge = DefaultArchiveMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{client: client, name: name, opts: opts}
}

// Name returns the queue's list key.
func (q *Queue) Name() string {
	return q.name
}

// ActionsKey returns the key of the wake-up list.
func (q *Queue) ActionsKey() string {
	return q.name + "_actions"
}

// RejectsKey returns the rejects bucket for t.
func (q *Queue) RejectsKey(t time.Time) string {
	return q.name + "_rejected:" + t.UTC().Format(bucketLayout)
}

// ArchiveKey returns the archive bucket for t.
func (q *Queue) ArchiveKey(t time.Time) string {
	return q.name + "_archive:" + t.UTC().Format(bucketLayout)
}

// Push appends a payload atomically and wakes one waiting consumer.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.StagePush(ctx, pipe, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", q.name, err)
	}
	return nil
}

// StagePush adds the push to an open pipeline so it commits with other writes.
func (q *Queue) StagePush(ctx context.Context, pipe redis.Pipeliner, payload []byte) {
	pipe.LPush(ctx, q.name, payload)
	pipe.LPush(ctx, q.ActionsKey(), "+")
}

// Len returns the number of payloads waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of queue %s: %w", q.name, err)
	}
	return n, nil
}

// Pop removes the oldest payload. It returns (nil, nil) when the queue is empty.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	if q.opts.Archive {
		archive := q.ArchiveKey(q.opts.Now())
		payload, err = q.client.RPopLPush(ctx, q.name, archive).Bytes()
		if err == nil {
			if expErr := q.client.Expire(ctx, archive, q.opts.ArchiveMaxAge).Err(); expErr != nil {
				slog.Warn("Failed to set archive expiry", "key", archive, "error", expErr)
			}
		}
	} else {
		payload, err = q.client.RPop(ctx, q.name).Bytes()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", q.name, err)
	}
	return payload, nil
}

// ForEach dequeues every available payload in FIFO order and hands valid ones to
// handler, until the queue is observed empty or ctx is cancelled. It returns the number
// of payloads handed to handler.
//
// Cancellation is only observed between payloads: once popped, a payload is handled
// with a context that is never cancelled, so a stop cannot lose it mid-transaction.
func (q *Queue) ForEach(ctx context.Context, handler Handler) (int, error) {
	handled := 0
	for {
		if ctx.Err() != nil {
			return handled, nil
		}

		payload, err := q.Pop(ctx)
		if err != nil {
			return handled, err
		}
		if payload == nil {
			return handled, nil
		}
		itemCtx := context.WithoutCancel(ctx)

		if q.opts.Validate != nil {
			if verr := q.opts.Validate(payload); verr != nil {
				if err := q.reject(itemCtx, payload, verr); err != nil {
					return handled, err
				}
				continue
			}
		}

		handled++
		if err := handler(itemCtx, payload); err != nil {
			if retry.IsRetryable(err) {
				if rerr := q.client.RPush(itemCtx, q.name, payload).Err(); rerr != nil {
					slog.Error("Failed to requeue payload", "queue", q.name, "error", rerr)
				}
			}
			return handled, err
		}
	}
}

// reject diverts a malformed payload to the rejects bucket.
func (q *Queue) reject(ctx context.Context, payload []byte, cause error) error {
	now := q.opts.Now()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if q.opts.Archive {
			archive := q.ArchiveKey(now)
			pipe.LRem(ctx, archive, 1, payload)
			pipe.Expire(ctx, archive, q.opts.ArchiveMaxAge)
		}
		pipe.LPush(ctx, q.RejectsKey(now), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reject payload on queue %s: %w", q.name, err)
	}

	slog.Error("Invalid payload rejected", "queue", q.name, "error", cause)
	if q.opts.OnReject != nil {
		q.opts.OnReject(ctx, payload, cause)
	}
	return nil
}

// Wait blocks until a producer pushes, timeout elapses or ctx is cancelled. It reports
// whether it was woken by a push.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := q.client.BRPop(ctx, timeout, q.ActionsKey()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed waiting on queue %s: %w", q.name, err)
	}
	return true, nil
}
