// Package processor turns monitoring events into check state transitions and, when no
// filter suppresses them, notifications for the notifier.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/filter"
	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/queue"
	"github.com/afikmenashe/alerting-engine/internal/retry"
	"github.com/afikmenashe/alerting-engine/internal/stats"
	"github.com/afikmenashe/alerting-engine/internal/store"
	"github.com/afikmenashe/alerting-engine/pkg/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultInitialFailureDelay         = 30 * time.Second
	DefaultRepeatFailureDelay          = 60 * time.Second
	DefaultNewCheckMaintenanceDuration = 100 * 365 * 24 * time.Hour
	DefaultAcknowledgementDuration     = 4 * time.Hour
	DefaultWaitTimeout                 = 5 * time.Second
)

// Config tunes the processor.
type Config struct {
	Queue         string
	NotifierQueue string

	InitialFailureDelay time.Duration
	RepeatFailureDelay  time.Duration

	// NewCheckMaintenanceDuration is the length of the scheduled maintenance opened
	// for a check's first event. Zero disables it.
	NewCheckMaintenanceDuration   time.Duration
	NewCheckMaintenanceIgnoreTags []string

	// AcknowledgementDuration is used when an acknowledgement carries no duration.
	AcknowledgementDuration time.Duration

	ArchiveEvents       bool
	EventsArchiveMaxAge time.Duration
	ExitOnQueueEmpty    bool
	WaitTimeout         time.Duration

	Retry retry.Config
}

// Processor consumes the events queue.
type Processor struct {
	cfg           Config
	store         *store.Store
	locks         *lock.Manager
	counters      *stats.Counters
	events        *queue.Queue
	notifications *queue.Queue
	chain         filter.Chain
	metrics       MetricsRecorder
	now           func() time.Time
}

// New creates a processor. Queues are created over the store's Redis client.
func New(st *store.Store, locks *lock.Manager, counters *stats.Counters, cfg Config) *Processor {
	if cfg.Queue == "" {
		cfg.Queue = "events"
	}
	if cfg.NotifierQueue == "" {
		cfg.NotifierQueue = "notifications"
	}
	if cfg.AcknowledgementDuration <= 0 {
		cfg.AcknowledgementDuration = DefaultAcknowledgementDuration
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	p := &Processor{
		cfg:      cfg,
		store:    st,
		locks:    locks,
		counters: counters,
		chain:    filter.DefaultChain,
		metrics:  &NoOpMetrics{},
		now:      time.Now,
	}
	p.events = queue.New(st.Client(), cfg.Queue, queue.Options{
		Archive:       cfg.ArchiveEvents,
		ArchiveMaxAge: cfg.EventsArchiveMaxAge,
		Validate:      ValidateEvent,
		OnReject:      p.recordInvalid,
		Now:           func() time.Time { return p.now() },
	})
	p.notifications = queue.New(st.Client(), cfg.NotifierQueue, queue.Options{})
	return p
}

// SetMetrics sets the metrics recorder. A nil recorder disables metrics.
func (p *Processor) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = &NoOpMetrics{}
	}
	p.metrics = m
}

// Events returns the queue the processor consumes.
func (p *Processor) Events() *queue.Queue {
	return p.events
}

// ValidateEvent rejects payloads that can never be processed.
func ValidateEvent(payload []byte) error {
	event, err := model.ParseEvent(payload)
	if err != nil {
		return err
	}
	_, err = event.ResolveCondition()
	return err
}

// Run processes events until ctx is cancelled, or until the queue is empty when
// ExitOnQueueEmpty is set.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("Starting event processing loop", "queue", p.cfg.Queue)

	failures := 0
	for {
		n, err := p.events.ForEach(ctx, p.handle)
		if ctx.Err() != nil {
			slog.Info("Event processing loop stopped")
			return nil
		}
		if err != nil {
			slog.Error("Event processing pass failed", "handled", n, "error", err)
			failures++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry.Backoff(p.cfg.Retry, min(failures-1, 6))):
			}
			continue
		}
		failures = 0

		if p.cfg.ExitOnQueueEmpty {
			slog.Info("Events queue empty, exiting", "handled", n)
			return nil
		}

		if _, err := p.events.Wait(ctx, p.cfg.WaitTimeout); err != nil {
			slog.Error("Failed waiting for events", "error", err)
		}
	}
}

// handle processes one payload that passed validation.
func (p *Processor) handle(ctx context.Context, payload []byte) error {
	start := time.Now()
	p.metrics.RecordReceived()

	event, err := model.ParseEvent(payload)
	if err != nil {
		p.recordInvalid(ctx, payload, err)
		return nil
	}
	cond, err := event.ResolveCondition()
	if err != nil {
		p.recordInvalid(ctx, payload, err)
		return nil
	}

	err = retry.WithRetry(ctx, p.cfg.Retry, "process_event", func() error {
		return p.locks.Do(ctx, lock.ProcessorScope, func(ctx context.Context) error {
			return p.processEvent(ctx, event, cond)
		})
	})
	if err != nil {
		p.metrics.RecordError()
		return fmt.Errorf("failed to process event for %s: %w", event.ID, err)
	}

	p.metrics.RecordProcessed(time.Since(start))
	return nil
}

// recordInvalid counts an event that can never be processed.
func (p *Processor) recordInvalid(ctx context.Context, payload []byte, cause error) {
	metrics.EventsTotal.WithLabelValues(outcomeInvalid).Inc()
	p.metrics.IncrementCustom("invalid_events")
	slog.Error("Invalid event received", "error", cause, "payload_bytes", len(payload))

	err := p.locks.Do(ctx, lock.StatisticScope, func(ctx context.Context) error {
		return p.counters.Increment(ctx, stats.Counts{All: 1, Invalid: 1})
	})
	if err != nil {
		slog.Error("Failed to count invalid event", "error", err)
	}
}

// processEvent runs with the processor lock scope held.
func (p *Processor) processEvent(ctx context.Context, event *model.Event, cond *model.Condition) error {
	ts := p.now()

	check, err := p.store.CheckByName(ctx, event.ID)
	isNew := errors.Is(err, store.ErrNotFound)
	switch {
	case isNew:
		check = &model.Check{ID: model.NewID(), Name: event.ID, CreatedAt: ts}
	case err != nil:
		return err
	}

	var (
		oldState *model.State
		tags     []string
	)
	if !isNew {
		if oldState, err = p.store.LastState(ctx, check.ID); err != nil {
			return err
		}
		if tags, err = p.store.CheckTags(ctx, check.ID); err != nil {
			return err
		}
	}

	scheduled, err := p.store.CurrentMaintenance(ctx, check.ID, model.ScheduledMaintenance, ts)
	if err != nil {
		return err
	}
	unscheduled, err := p.store.CurrentMaintenance(ctx, check.ID, model.UnscheduledMaintenance, ts)
	if err != nil {
		return err
	}

	problemNotified := check.LastProblemAt != nil || check.Acknowledged()
	u := p.updateCheck(check, isNew, oldState, event, cond, ts, tags, unscheduled)

	c := &commit{check: check, oldState: oldState, update: u}
	if isNew {
		rules, err := p.store.GlobalRules(ctx)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			c.routes = append(c.routes, model.CompileRoute(rule, check.ID))
		}
	}

	if oldState == nil && cond != nil && model.Healthy(cond.Name) {
		slog.Debug("Not generating notification for new check's first healthy event", "check", check.Name)
		return p.commit(ctx, c)
	}

	fctx := &filter.Context{
		Check:                  check,
		OldState:               oldState,
		Entry:                  u.entry,
		Timestamp:              ts,
		Duration:               event.Duration,
		ProblemNotified:        problemNotified,
		InitialFailureDelay:    time.Duration(check.InitialFailureDelay) * time.Second,
		RepeatFailureDelay:     time.Duration(check.RepeatFailureDelay) * time.Second,
		ScheduledMaintenance:   scheduled,
		UnscheduledMaintenance: unscheduled,
	}
	if blocker, blocked := p.chain.Evaluate(fctx); blocked {
		metrics.FilterBlocksTotal.WithLabelValues(blocker.String()).Inc()
		slog.Debug("Not generating notification, filter blocked",
			"check", check.Name,
			"event_state", event.State,
			"filter", blocker.String(),
		)
		return p.commit(ctx, c)
	}

	c.notification = p.generateNotification(check, oldState, u, event, cond, ts)
	return p.commit(ctx, c)
}

// generateNotification builds the notification and applies its side effects to check.
func (p *Processor) generateNotification(check *model.Check, oldState *model.State, u *update,
	event *model.Event, cond *model.Condition, ts time.Time) *model.Notification {

	n := &model.Notification{
		ID:        model.NewID(),
		CheckID:   check.ID,
		EntryID:   u.entry.ID,
		Duration:  event.Duration,
		CreatedAt: ts,
	}

	switch {
	case u.entry.Action == model.ActionTestNotifications:
		n.Severity = model.MostUnhealthy
	default:
		// Only notified failures raise the episode's severity.
		if cond != nil && model.Unhealthy(cond.Name) {
			prev, ok := model.ConditionFor(check.MostSevere)
			if !ok || cond.MoreSevere(prev) {
				check.MostSevere = cond.Name
			}
		}
		n.Severity = check.MostSevere
		if n.Severity == "" {
			n.Severity = model.ConditionOK
		}
	}

	if cond != nil && model.Unhealthy(cond.Name) {
		n.EventHash = check.AckHash
	}
	if oldState != nil {
		d := ts.Sub(oldState.Timestamp).Seconds()
		n.ConditionDuration = &d
	}

	if u.entry.Action == model.ActionTestNotifications {
		return n
	}

	check.NotificationCount++
	switch {
	case cond != nil && model.Unhealthy(cond.Name):
		at := ts
		check.LastProblemAt = &at
		check.LastProblemCond = cond.Name
	case u.entry.Action == model.ActionAcknowledgement:
		check.AcknowledgedHash = check.AckHash
		duration := p.cfg.AcknowledgementDuration
		if event.Duration != nil && *event.Duration > 0 {
			duration = time.Duration(*event.Duration) * time.Second
		}
		u.maintenances = append(u.maintenances, &model.Maintenance{
			ID:        model.NewID(),
			CheckID:   check.ID,
			Kind:      model.UnscheduledMaintenance,
			StartTime: ts,
			EndTime:   ts.Add(duration),
			Summary:   event.Summary,
		})
	}

	slog.Info("Generating notification",
		"check", check.Name,
		"event_state", event.State,
		"severity", n.Severity,
		"notification_count", check.NotificationCount,
	)
	return n
}
