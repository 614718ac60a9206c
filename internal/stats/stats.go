// Package stats keeps the processor's event counters: one global row and one row per
// running instance, stored as Redis hashes.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GlobalInstance names the aggregate row.
const GlobalInstance = "global"

const (
	fieldAll       = "all_events"
	fieldOK        = "ok_events"
	fieldFailure   = "failure_events"
	fieldAction    = "action_events"
	fieldInvalid   = "invalid_events"
	fieldCreatedAt = "created_at"
)

// Key returns the hash key of an instance's row.
func Key(instance string) string {
	return "statistic:" + instance
}

// Counts is a set of counter increments, or a row's totals.
type Counts struct {
	All     int64
	OK      int64
	Failure int64
	Action  int64
	Invalid int64
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.All += other.All
	c.OK += other.OK
	c.Failure += other.Failure
	c.Action += other.Action
	c.Invalid += other.Invalid
}

func (c Counts) fields() map[string]int64 {
	return map[string]int64{
		fieldAll:     c.All,
		fieldOK:      c.OK,
		fieldFailure: c.Failure,
		fieldAction:  c.Action,
		fieldInvalid: c.Invalid,
	}
}

// Statistic is one counter row.
type Statistic struct {
	Instance  string
	CreatedAt time.Time
	Counts
}

// Counters updates the global row and this process's instance row together.
type Counters struct {
	client   *redis.Client
	instance string
}

// New creates counters for instance (normally "<hostname>:<pid>").
func New(client *redis.Client, instance string) *Counters {
	return &Counters{client: client, instance: instance}
}

// Instance returns the instance row name.
func (c *Counters) Instance() string {
	return c.instance
}

// Start creates the instance row and, if missing, the global row.
func (c *Counters) Start(ctx context.Context, now time.Time) error {
	created := now.UTC().Format(time.RFC3339)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, Key(GlobalInstance), fieldCreatedAt, created)
		pipe.Del(ctx, Key(c.instance))
		pipe.HSet(ctx, Key(c.instance), fieldCreatedAt, created)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create statistics for %s: %w", c.instance, err)
	}
	return nil
}

// Stop removes the instance row. The global row is kept.
func (c *Counters) Stop(ctx context.Context) error {
	if err := c.client.Del(ctx, Key(c.instance)).Err(); err != nil {
		return fmt.Errorf("failed to remove statistics for %s: %w", c.instance, err)
	}
	return nil
}

// Stage adds the increments to an open transaction.
func (c *Counters) Stage(ctx context.Context, pipe redis.Pipeliner, inc Counts) {
	for field, n := range inc.fields() {
		if n == 0 {
			continue
		}
		pipe.HIncrBy(ctx, Key(GlobalInstance), field, n)
		pipe.HIncrBy(ctx, Key(c.instance), field, n)
	}
}

// Increment applies the increments in their own transaction.
func (c *Counters) Increment(ctx context.Context, inc Counts) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.Stage(ctx, pipe, inc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update statistics: %w", err)
	}
	return nil
}

// Global returns the aggregate row.
func (c *Counters) Global(ctx context.Context) (*Statistic, error) {
	return c.Read(ctx, GlobalInstance)
}

// Read returns the named row. A missing row reads as zero.
func (c *Counters) Read(ctx context.Context, instance string) (*Statistic, error) {
	values, err := c.client.HGetAll(ctx, Key(instance)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics for %s: %w", instance, err)
	}
	st := &Statistic{Instance: instance}
	for field, raw := range values {
		if field == fieldCreatedAt {
			st.CreatedAt, _ = time.Parse(time.RFC3339, raw)
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("statistic %s.%s is not a number: %w", instance, field, err)
		}
		switch field {
		case fieldAll:
			st.All = n
		case fieldOK:
			st.OK = n
		case fieldFailure:
			st.Failure = n
		case fieldAction:
			st.Action = n
		case fieldInvalid:
			st.Invalid = n
		}
	}
	return st, nil
}
