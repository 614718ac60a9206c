// Package lock provides the cross-process exclusive lock taken around every
// read-modify-write transaction on the record store.
//
// Each resource category has one Redis key. A transaction acquires a whole Scope,
// always in the order resources are declared below, so two scopes can never deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/retry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Resource is a lockable record category.
type Resource int

// Resources in global acquisition order.
const (
	Check Resource = iota
	State
	Entry
	ScheduledMaintenance
	UnscheduledMaintenance
	Tag
	Rule
	Route
	Contact
	Medium
	Blackhole
	Notification
	Alert
	Statistic
)

var resourceNames = [...]string{
	Check:                  "check",
	State:                  "state",
	Entry:                  "entry",
	ScheduledMaintenance:   "scheduled_maintenance",
	UnscheduledMaintenance: "unscheduled_maintenance",
	Tag:                    "tag",
	Rule:                   "rule",
	Route:                  "route",
	Contact:                "contact",
	Medium:                 "medium",
	Blackhole:              "blackhole",
	Notification:           "notification",
	Alert:                  "alert",
	Statistic:              "statistic",
}

func (r Resource) String() string {
	if r < 0 || int(r) >= len(resourceNames) {
		return fmt.Sprintf("resource(%d)", int(r))
	}
	return resourceNames[r]
}

// Key returns the Redis key guarding the resource.
func (r Resource) Key() string {
	return "lock:" + r.String()
}

// Scope is an ordered, duplicate-free set of resources acquired together.
type Scope []Resource

// NewScope builds a scope in global acquisition order.
func NewScope(resources ...Resource) Scope {
	seen := make(map[Resource]bool, len(resources))
	scope := make(Scope, 0, len(resources))
	for _, r := range resources {
		if !seen[r] {
			seen[r] = true
			scope = append(scope, r)
		}
	}
	sort.Slice(scope, func(i, j int) bool { return scope[i] < scope[j] })
	return scope
}

func (s Scope) String() string {
	names := make([]string, len(s))
	for i, r := range s {
		names[i] = r.String()
	}
	return strings.Join(names, ",")
}

// Transaction scopes.
var (
	ProcessorScope = NewScope(Check, State, Entry, ScheduledMaintenance, UnscheduledMaintenance,
		Tag, Rule, Route, Medium, Notification, Statistic)
	NotifierScope = NewScope(Check, State, ScheduledMaintenance, UnscheduledMaintenance,
		Rule, Route, Contact, Medium, Blackhole, Notification, Alert)
	DirectoryScope = NewScope(Check, Tag, Rule, Route, Contact, Medium, Blackhole)
	StatisticScope = NewScope(Statistic)
)

// ErrLockTimeout is returned when a scope could not be acquired within the wait limit.
// It is retryable.
var ErrLockTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "timed out waiting for lock" }
func (timeoutError) Retryable() bool { return true }

// releaseScript deletes a lock key only if it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript resets a lock key's expiry only if it still holds the caller's token.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Defaults applied when the manager is created with zero values.
const (
	DefaultTTL  = 30 * time.Second
	DefaultWait = 10 * time.Second
)

// Manager acquires lock scopes.
type Manager struct {
	client  *redis.Client
	ttl     time.Duration
	wait    time.Duration
	backoff retry.Config
	release *redis.Script
	extend  *redis.Script
}

// NewManager creates a lock manager. ttl bounds how long a crashed holder blocks
// others; wait bounds how long Acquire keeps trying.
func NewManager(client *redis.Client, ttl, wait time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Manager{
		client: client,
		ttl:    ttl,
		wait:   wait,
		backoff: retry.Config{
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			BackoffFactor:  2.0,
		},
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

// Held is an acquired scope.
type Held struct {
	m     *Manager
	scope Scope
	token string
}

// Acquire takes every key of scope or none of them.
func (m *Manager) Acquire(ctx context.Context, scope Scope) (*Held, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.wait)

	for attempt := 0; ; attempt++ {
		held, err := m.tryAcquire(ctx, scope, token)
		if err != nil {
			return nil, err
		}
		if held {
			return &Held{m: m, scope: scope, token: token}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: scope %s", ErrLockTimeout, scope)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.Backoff(m.backoff, min(attempt, 6))):
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, scope Scope, token string) (bool, error) {
	for i, r := range scope {
		ok, err := m.client.SetNX(ctx, r.Key(), token, m.ttl).Result()
		if err != nil {
			m.releaseKeys(ctx, scope[:i], token)
			return false, fmt.Errorf("failed to acquire lock %s: %w", r, err)
		}
		if !ok {
			m.releaseKeys(ctx, scope[:i], token)
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) releaseKeys(ctx context.Context, scope Scope, token string) error {
	var errs []error
	// Release in reverse acquisition order.
	for i := len(scope) - 1; i >= 0; i-- {
		key := scope[i].Key()
		if err := m.release.Run(ctx, m.client, []string{key}, token).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Release gives back every key of the scope still owned by this holder.
func (h *Held) Release(ctx context.Context) error {
	return h.m.releaseKeys(ctx, h.scope, h.token)
}

// Extend resets the expiry of every key of the scope to the manager's TTL. It fails if
// any key expired and was taken by another holder.
func (h *Held) Extend(ctx context.Context) error {
	var errs []error
	for _, r := range h.scope {
		n, err := h.m.extend.Run(ctx, h.m.client, []string{r.Key()}, h.token, h.m.ttl.Milliseconds()).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to extend lock %s: %w", r, err))
			continue
		}
		if n == 0 {
			errs = append(errs, fmt.Errorf("lock %s is no longer held", r))
		}
	}
	return errors.Join(errs...)
}

// keepAlive extends the scope every third of the TTL until stop is closed.
func (h *Held) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(h.m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.Extend(ctx); err != nil {
				slog.Error("Failed to extend lock scope", "scope", h.scope.String(), "error", err)
			}
		}
	}
}

// Do runs fn while holding scope. The keys are kept alive while fn runs, and the scope
// is released even if fn fails.
func (m *Manager) Do(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	held, err := m.Acquire(ctx, scope)
	if err != nil {
		return err
	}
	// Release must not be skipped because the caller's context was cancelled mid-transaction.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if rerr := held.Release(bg); rerr != nil {
			slog.Error("Failed to release lock scope", "scope", scope.String(), "error", rerr)
		}
	}()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		held.keepAlive(bg, stop)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	return fn(ctx)
}
