// Package notifier consumes notifications raised by the processor, works out which
// contact media must hear about them, and enqueues one alert per medium on the queue
// of the medium's transport.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/queue"
	"github.com/afikmenashe/alerting-engine/internal/retry"
	"github.com/afikmenashe/alerting-engine/internal/store"
	"github.com/afikmenashe/alerting-engine/pkg/metrics"
)

// DefaultWaitTimeout bounds the idle wait between queue passes.
const DefaultWaitTimeout = 5 * time.Second

// DefaultTransportQueues maps the built-in transports to their delivery queues.
func DefaultTransportQueues() map[string]string {
	return map[string]string{
		"email":   "email_notifications",
		"sms":     "sms_notifications",
		"slack":   "slack_notifications",
		"webhook": "webhook_notifications",
	}
}

// Config tunes the notifier.
type Config struct {
	Queue string
	// TransportQueues maps a medium transport to the queue its alerts are pushed to.
	// Media whose transport has no queue are never alerted.
	TransportQueues  map[string]string
	DefaultTimezone  *time.Location
	ExitOnQueueEmpty bool
	WaitTimeout      time.Duration
	Retry            retry.Config
}

// MetricsRecorder defines the metrics operations needed by the notifier.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(latency time.Duration)
	RecordPublished()
	RecordError()
	IncrementCustom(name string)
}

// NoOpMetrics is a null-object implementation of MetricsRecorder.
type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordReceived()                 {}
func (n *NoOpMetrics) RecordProcessed(_ time.Duration) {}
func (n *NoOpMetrics) RecordPublished()                {}
func (n *NoOpMetrics) RecordError()                    {}
func (n *NoOpMetrics) IncrementCustom(_ string)        {}

// Notifier consumes the notifications queue.
type Notifier struct {
	cfg           Config
	store         *store.Store
	locks         *lock.Manager
	notifications *queue.Queue
	transports    map[string]*queue.Queue
	metrics       MetricsRecorder
	now           func() time.Time
}

// New creates a notifier. Queues are created over the store's Redis client.
func New(st *store.Store, locks *lock.Manager, cfg Config) *Notifier {
	if cfg.Queue == "" {
		cfg.Queue = "notifications"
	}
	if len(cfg.TransportQueues) == 0 {
		cfg.TransportQueues = DefaultTransportQueues()
	}
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	transports := make(map[string]*queue.Queue, len(cfg.TransportQueues))
	for transport, name := range cfg.TransportQueues {
		transports[transport] = queue.New(st.Client(), name, queue.Options{})
	}
	return &Notifier{
		cfg:           cfg,
		store:         st,
		locks:         locks,
		notifications: queue.New(st.Client(), cfg.Queue, queue.Options{}),
		transports:    transports,
		metrics:       &NoOpMetrics{},
		now:           time.Now,
	}
}

// SetMetrics sets the metrics recorder. A nil recorder disables metrics.
func (n *Notifier) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = &NoOpMetrics{}
	}
	n.metrics = m
}

// TransportQueue returns the delivery queue for transport, or nil.
func (n *Notifier) TransportQueue(transport string) *queue.Queue {
	return n.transports[transport]
}

// Run processes notifications until ctx is cancelled, or until the queue is empty
// when ExitOnQueueEmpty is set.
func (n *Notifier) Run(ctx context.Context) error {
	slog.Info("Starting notification processing loop", "queue", n.cfg.Queue)

	failures := 0
	for {
		handled, err := n.notifications.ForEach(ctx, n.handle)
		if ctx.Err() != nil {
			slog.Info("Notification processing loop stopped")
			return nil
		}
		if err != nil {
			slog.Error("Notification processing pass failed", "handled", handled, "error", err)
			failures++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry.Backoff(n.cfg.Retry, min(failures-1, 6))):
			}
			continue
		}
		failures = 0

		if n.cfg.ExitOnQueueEmpty {
			slog.Info("Notifications queue empty, exiting", "handled", handled)
			return nil
		}
		if _, err := n.notifications.Wait(ctx, n.cfg.WaitTimeout); err != nil {
			slog.Error("Failed waiting for notifications", "error", err)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, payload []byte) error {
	start := time.Now()
	n.metrics.RecordReceived()
	id := string(payload)

	err := retry.WithRetry(ctx, n.cfg.Retry, "process_notification", func() error {
		return n.locks.Do(ctx, lock.NotifierScope, func(ctx context.Context) error {
			return n.processNotification(ctx, id)
		})
	})
	if err != nil {
		n.metrics.RecordError()
		return fmt.Errorf("failed to process notification %s: %w", id, err)
	}
	n.metrics.RecordProcessed(time.Since(start))
	return nil
}

// pendingAlert is an alert to save together with the medium it advances.
type pendingAlert struct {
	alert  *model.Alert
	medium *model.Medium
}

// processNotification runs with the notifier lock scope held.
func (n *Notifier) processNotification(ctx context.Context, id string) error {
	notification, err := n.store.Notification(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Notification already handled", "notification_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	check, err := n.store.Check(ctx, notification.CheckID)
	if err != nil {
		return err
	}
	entry, err := n.store.Entry(ctx, notification.EntryID)
	if err != nil {
		return err
	}
	checkTags, err := n.store.CheckTags(ctx, check.ID)
	if err != nil {
		return err
	}
	checkRouteIDs, err := n.checkRouteIDs(ctx, check.ID)
	if err != nil {
		return err
	}
	dir, err := loadDirectory(ctx, n.store)
	if err != nil {
		return err
	}
	res := &resolver{store: n.store, dir: dir, location: n.cfg.DefaultTimezone}
	t := n.now()

	isOK := entry.Action == model.ActionAcknowledgement || model.Healthy(entry.Condition)
	isFailure := !model.Healthy(notification.Severity)
	isTest := entry.Action == model.ActionTestNotifications

	var checkRoutes []*model.Route
	for _, rid := range checkRouteIDs {
		if r, ok := dir.routes[rid]; ok {
			checkRoutes = append(checkRoutes, r)
		}
	}

	changed := make(map[string]*model.Route)
	var routes []*model.Route
	switch {
	case isTest:
		routes = matching(checkRoutes, model.MostUnhealthy)
	case !isOK:
		routes = matching(checkRoutes, notification.Severity)
		for _, r := range routes {
			if r.Alertable != isFailure {
				r.Alertable = isFailure
				changed[r.ID] = r
			}
		}
	default:
		for _, r := range checkRoutes {
			if r.Alertable {
				routes = append(routes, r)
			}
		}
	}

	media := res.alertingMedia(routes, checkTags, notification.Severity, t)

	// Cleared before counting rollups so a healed check no longer counts.
	if !isTest && isOK {
		for _, r := range checkRoutes {
			if r.Alertable {
				r.Alertable = false
				changed[r.ID] = r
			}
		}
	}

	var pending []pendingAlert
	for _, medium := range media {
		if _, ok := n.transports[medium.Transport]; !ok {
			slog.Warn("No queue for transport, skipping medium",
				"transport", medium.Transport,
				"medium_id", medium.ID,
			)
			continue
		}

		var (
			rollup   string
			alerting []*model.Check
		)
		if !isTest {
			if medium.RollupEnabled() {
				if alerting, err = res.alertingChecks(ctx, medium, t); err != nil {
					return err
				}
			}
			rollup = RollupType(medium, len(alerting))

			ok, reason := ShouldAlert(Decision{
				LastState:      medium.LastState,
				IsOK:           isOK,
				IsFailure:      isFailure,
				Rollup:         rollup,
				LastRollupType: medium.LastRollupType,
				Condition:      entry.Condition,
				Timestamp:      entry.Timestamp,
				Interval:       time.Duration(medium.Interval) * time.Second,
			})
			if !ok {
				metrics.AlertsSuppressedTotal.Inc()
				slog.Debug("Medium already alerted, skipping",
					"check", check.Name,
					"medium_id", medium.ID,
				)
				continue
			}
			slog.Debug("Medium will be alerted", "check", check.Name, "medium_id", medium.ID, "reason", reason)
		}

		alert := buildAlert(notification, check, entry, medium, rollup, t)
		if rollup != "" {
			alert.RollupStates = rollupStates(alerting)
		}

		if !isTest {
			medium.LastState = &model.StateRef{
				StateID:   entry.StateID,
				EntryID:   entry.ID,
				Condition: entry.Condition,
				Action:    entry.Action,
				Timestamp: entry.Timestamp,
			}
			medium.LastRollupType = rollup
		}
		pending = append(pending, pendingAlert{alert: alert, medium: medium})
	}

	if err := n.commit(ctx, notification, entry, changed, pending, isTest); err != nil {
		return err
	}

	if len(pending) == 0 {
		slog.Info("No alerts", "check", check.Name, "notification_id", notification.ID)
	}
	for _, p := range pending {
		metrics.AlertsTotal.WithLabelValues(p.alert.Transport, p.alert.Rollup).Inc()
		n.metrics.RecordPublished()
		slog.Info("Enqueued alert",
			"check", check.Name,
			"contact_id", p.alert.ContactID,
			"transport", p.alert.Transport,
			"address", p.alert.Address,
			"rollup", p.alert.Rollup,
		)
	}
	return nil
}

func (n *Notifier) checkRouteIDs(ctx context.Context, checkID string) ([]string, error) {
	routes, err := n.store.CheckRoutes(ctx, checkID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// commit saves alerts, advances media, updates routes, pushes alerts to their
// transport queues and deletes the notification, all in one transaction.
func (n *Notifier) commit(ctx context.Context, notification *model.Notification, entry *model.Entry,
	routes map[string]*model.Route, pending []pendingAlert, isTest bool) error {

	err := n.store.Commit(ctx, func(tx *store.Tx) error {
		for _, r := range routes {
			if err := tx.UpdateRoute(r); err != nil {
				return err
			}
		}
		for _, p := range pending {
			if err := tx.SaveAlert(p.alert); err != nil {
				return fmt.Errorf("couldn't save alert for medium %s: %w", p.medium.ID, err)
			}
			if !isTest {
				if err := tx.SaveMedium(p.medium); err != nil {
					return err
				}
			}
			n.transports[p.medium.Transport].StagePush(ctx, tx.Pipe(), []byte(p.alert.ID))
		}
		tx.DeleteNotification(notification.ID)
		tx.ReleaseEntry(entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit notification %s: %w", notification.ID, err)
	}
	return nil
}

func matching(routes []*model.Route, condition string) []*model.Route {
	var out []*model.Route
	for _, r := range routes {
		if r.Matches(condition) {
			out = append(out, r)
		}
	}
	return out
}

func buildAlert(n *model.Notification, check *model.Check, entry *model.Entry, medium *model.Medium,
	rollup string, t time.Time) *model.Alert {

	alert := &model.Alert{
		ID:                      model.NewID(),
		NotificationID:          n.ID,
		CheckID:                 check.ID,
		CheckName:               check.Name,
		MediumID:                medium.ID,
		ContactID:               medium.ContactID,
		Transport:               medium.Transport,
		Address:                 medium.Address,
		Severity:                n.Severity,
		Condition:               entry.Condition,
		Action:                  entry.Action,
		Summary:                 entry.Summary,
		Details:                 entry.Details,
		EventHash:               n.EventHash,
		ConditionDuration:       n.ConditionDuration,
		AcknowledgementDuration: n.Duration,
		Rollup:                  rollup,
		CreatedAt:               t,
	}
	if last := medium.LastState; last != nil {
		alert.LastCondition = last.Condition
		alert.LastAction = last.Action
	}
	return alert
}
