package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCounters(t *testing.T, instance string) (*miniredis.Miniredis, *redis.Client, *Counters) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client, New(client, instance)
}

func TestCounters_IncrementBothRows(t *testing.T) {
	_, _, c := newTestCounters(t, "host:1")
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

	if err := c.Start(ctx, now); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = c.Increment(ctx, Counts{All: 1, Failure: 1})
	_ = c.Increment(ctx, Counts{All: 1, Invalid: 1})

	for _, instance := range []string{GlobalInstance, "host:1"} {
		st, err := c.Read(ctx, instance)
		if err != nil {
			t.Fatalf("Read(%s) error = %v", instance, err)
		}
		if st.All != 2 || st.Failure != 1 || st.Invalid != 1 || st.OK != 0 {
			t.Errorf("Read(%s) = %+v", instance, st.Counts)
		}
		if !st.CreatedAt.Equal(now) {
			t.Errorf("Read(%s).CreatedAt = %v, want %v", instance, st.CreatedAt, now)
		}
	}
}

func TestCounters_GlobalOutlivesInstance(t *testing.T) {
	mr, client, first := newTestCounters(t, "host:1")
	ctx := context.Background()
	now := time.Now()

	_ = first.Start(ctx, now)
	_ = first.Increment(ctx, Counts{All: 3, OK: 3})
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if mr.Exists(Key("host:1")) {
		t.Error("instance row must be removed on stop")
	}

	second := New(client, "host:2")
	_ = second.Start(ctx, now.Add(time.Hour))
	_ = second.Increment(ctx, Counts{All: 1, Action: 1})

	global, _ := second.Global(ctx)
	if global.All != 4 || global.OK != 3 || global.Action != 1 {
		t.Errorf("Global() = %+v, want accumulated totals", global.Counts)
	}
	own, _ := second.Read(ctx, "host:2")
	if own.All != 1 {
		t.Errorf("instance row All = %d, want 1", own.All)
	}
}

func TestCounts_Add(t *testing.T) {
	c := Counts{All: 1}
	c.Add(Counts{All: 2, Invalid: 1})
	if c.All != 3 || c.Invalid != 1 {
		t.Errorf("Add() = %+v", c)
	}
}
