package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var start = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	mr     *miniredis.Miniredis
	store  *store.Store
	n      *Notifier
	clock  time.Time
	checks map[string]*model.Check
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{t: t, mr: mr, store: store.New(client), clock: start, checks: make(map[string]*model.Check)}
	h.n = New(h.store, lock.NewManager(client, time.Minute, time.Second), Config{
		ExitOnQueueEmpty: true,
		WaitTimeout:      50 * time.Millisecond,
	})
	h.n.now = func() time.Time { return h.clock }
	return h
}

// directory creates contact ct1 with one medium and one global rule.
func (h *harness) directory(medium *model.Medium, rule *model.Rule) {
	h.t.Helper()
	if medium.ContactID == "" {
		medium.ContactID = "ct1"
	}
	if rule.ID == "" {
		rule.ID = "r1"
	}
	rule.ContactID = "ct1"
	err := h.store.Commit(context.Background(), func(tx *store.Tx) error {
		if err := tx.SaveContact(&model.Contact{ID: "ct1", Name: "Ops"}); err != nil {
			return err
		}
		if err := tx.SaveMedium(medium); err != nil {
			return err
		}
		return tx.SaveRule(rule)
	})
	if err != nil {
		h.t.Fatalf("directory setup: %v", err)
	}
}

// raise records an observation the way the processor does and queues its notification.
func (h *harness) raise(name, cond, action, severity string) *model.Notification {
	h.t.Helper()
	ctx := context.Background()

	check, ok := h.checks[name]
	isNew := !ok
	if isNew {
		check = &model.Check{ID: "chk-" + name, Name: name, Enabled: true, CreatedAt: h.clock}
		h.checks[name] = check
	}
	if cond != "" {
		check.Condition = cond
		check.Failing = model.Unhealthy(cond)
	}

	condition := check.Condition
	if action != "" {
		condition = ""
	}
	st := &model.State{ID: model.NewID(), CheckID: check.ID, Timestamp: h.clock, Condition: condition, Action: action}
	entry := &model.Entry{ID: model.NewID(), CheckID: check.ID, StateID: st.ID, Timestamp: h.clock,
		Condition: condition, Action: action, Summary: name + " " + severity}
	n := &model.Notification{ID: model.NewID(), CheckID: check.ID, StateID: st.ID, EntryID: entry.ID,
		Severity: severity, CreatedAt: h.clock}

	err := h.store.Commit(ctx, func(tx *store.Tx) error {
		if err := tx.SaveCheck(check); err != nil {
			return err
		}
		if isNew {
			rules, _ := h.store.GlobalRules(ctx)
			for _, rule := range rules {
				if err := tx.SaveRoute(model.CompileRoute(rule, check.ID)); err != nil {
					return err
				}
			}
		}
		if err := tx.SaveState(st); err != nil {
			return err
		}
		if err := tx.SaveEntry(entry); err != nil {
			return err
		}
		tx.LinkEntry(entry.ID)
		if err := tx.SaveNotification(n); err != nil {
			return err
		}
		h.n.notifications.StagePush(ctx, tx.Pipe(), []byte(n.ID))
		return nil
	})
	if err != nil {
		h.t.Fatalf("raise: %v", err)
	}
	return n
}

func (h *harness) run(advance time.Duration) {
	h.t.Helper()
	if err := h.n.Run(context.Background()); err != nil {
		h.t.Fatalf("Run() error = %v", err)
	}
	h.clock = h.clock.Add(advance)
}

// alerts drains a transport queue.
func (h *harness) alerts(transport string) []*model.Alert {
	h.t.Helper()
	ctx := context.Background()
	q := h.n.TransportQueue(transport)
	var out []*model.Alert
	for {
		id, err := q.Pop(ctx)
		if err != nil {
			h.t.Fatalf("Pop() error = %v", err)
		}
		if id == nil {
			return out
		}
		a, err := h.store.Alert(ctx, string(id))
		if err != nil {
			h.t.Fatalf("Alert(%s) error = %v", id, err)
		}
		out = append(out, a)
	}
}

func (h *harness) medium(id string) *model.Medium {
	h.t.Helper()
	m, err := h.store.Medium(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Medium(%s) error = %v", id, err)
	}
	return m
}

func emailMedium() *model.Medium {
	return &model.Medium{ID: "m1", Transport: "email", Address: "ops@example.com", Interval: 300}
}

func TestNotifier_FirstFailureAlerts(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})
	n := h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)

	alerts := h.alerts("email")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Address != "ops@example.com" || a.Severity != "critical" || a.Condition != "critical" ||
		a.LastCondition != "" || a.Rollup != "" || a.CheckName != "web01" {
		t.Errorf("alert = %+v", a)
	}

	ctx := context.Background()
	if _, err := h.store.Notification(ctx, n.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("notification must be deleted once handled")
	}
	if linked, _ := h.store.EntryLinked(ctx, n.EntryID); linked {
		t.Error("entry must be released")
	}
	if last := h.medium("m1").LastState; last == nil || last.Condition != "critical" || last.EntryID != n.EntryID {
		t.Errorf("medium last state = %+v", last)
	}
	routes, _ := h.store.CheckRoutes(ctx, n.CheckID)
	if len(routes) != 1 || !routes[0].Alertable {
		t.Errorf("route must be alertable after failure: %+v", routes)
	}
	if ids, err := h.mr.ZMembers("medium:m1:alerts"); err != nil || len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("medium alert history = %v (%v)", ids, err)
	}
	if ids, err := h.mr.ZMembers("check:" + n.CheckID + ":alerts"); err != nil || len(ids) != 1 {
		t.Errorf("check alert history = %v (%v)", ids, err)
	}
}

func TestNotifier_DedupAndInterval(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	h.alerts("email")

	h.raise("web01", "critical", "", "critical")
	h.run(5 * time.Minute)
	if a := h.alerts("email"); len(a) != 0 {
		t.Fatalf("alerts = %d, repeat inside interval must be suppressed", len(a))
	}

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 1 {
		t.Errorf("alerts = %d, want 1 once the interval elapsed", len(a))
	}
}

func TestNotifier_RecoveryCarriesLastCondition(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	h.alerts("email")

	n := h.raise("web01", "ok", "", "ok")
	h.run(time.Minute)

	alerts := h.alerts("email")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want recovery", len(alerts))
	}
	if alerts[0].Condition != "ok" || alerts[0].LastCondition != "critical" {
		t.Errorf("recovery alert = %+v", alerts[0])
	}
	routes, _ := h.store.CheckRoutes(context.Background(), n.CheckID)
	if routes[0].Alertable {
		t.Error("routes must be cleared on recovery")
	}
}

func TestNotifier_RecoveryWithoutPriorFailureNotRouted(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})

	h.raise("web01", "ok", "", "ok")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 0 {
		t.Errorf("alerts = %d, no route is alertable yet", len(a))
	}
}

func TestNotifier_ConditionScopedRules(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{Conditions: []string{"critical"}})

	h.raise("web01", "warning", "", "warning")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 0 {
		t.Errorf("alerts = %d, rule only fires on critical", len(a))
	}

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 1 {
		t.Errorf("alerts = %d, want 1 for critical", len(a))
	}
}

func TestNotifier_Rollup(t *testing.T) {
	h := newHarness(t)
	medium := emailMedium()
	medium.Interval = 0
	medium.RollupThreshold = 3
	h.directory(medium, &model.Rule{})

	for _, name := range []string{"a", "b"} {
		h.raise(name, "critical", "", "critical")
		h.run(time.Minute)
		if alerts := h.alerts("email"); len(alerts) != 1 || alerts[0].Rollup != "" {
			t.Fatalf("alert for %s = %+v, want one plain alert", name, alerts)
		}
	}

	h.raise("c", "warning", "", "warning")
	h.run(time.Minute)
	alerts := h.alerts("email")
	if len(alerts) != 1 || alerts[0].Rollup != model.RollupProblem {
		t.Fatalf("alerts = %+v, want rollup problem", alerts)
	}
	states := alerts[0].RollupStates
	if len(states["critical"]) != 2 || states["critical"][0] != "a" || len(states["warning"]) != 1 {
		t.Errorf("rollup states = %v", states)
	}
	if h.medium("m1").LastRollupType != model.RollupProblem {
		t.Error("medium must remember the problem rollup")
	}

	h.raise("a", "ok", "", "ok")
	h.run(time.Minute)
	alerts = h.alerts("email")
	if len(alerts) != 1 || alerts[0].Rollup != model.RollupRecovery {
		t.Fatalf("alerts = %+v, want rollup recovery", alerts)
	}
}

func TestNotifier_Blackhole(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})
	_ = h.store.Commit(context.Background(), func(tx *store.Tx) error {
		return tx.SaveBlackhole(&model.Blackhole{ID: "b1", ContactID: "ct1", ConditionsList: "warning"})
	})

	n := h.raise("web01", "warning", "", "warning")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 0 {
		t.Errorf("alerts = %d, blackholed medium must not be alerted", len(a))
	}
	if _, err := h.store.Notification(context.Background(), n.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("notification must be deleted even when nothing is sent")
	}

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 1 {
		t.Errorf("alerts = %d, blackhole does not cover critical", len(a))
	}
}

func TestNotifier_TestNotificationsSkipDedup(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})

	h.raise("web01", "critical", "", "critical")
	h.run(time.Second)
	h.alerts("email")
	before := h.medium("m1").LastState

	for i := 0; i < 2; i++ {
		h.raise("web01", "", model.ActionTestNotifications, model.MostUnhealthy)
		h.run(time.Second)
	}
	if a := h.alerts("email"); len(a) != 2 {
		t.Errorf("alerts = %d, every test notification is delivered", len(a))
	}
	if after := h.medium("m1").LastState; after.EntryID != before.EntryID {
		t.Error("test notifications must not move the medium's last state")
	}
}

func TestNotifier_AcknowledgementThenFailure(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})

	h.raise("web01", "critical", "", "critical")
	h.run(time.Second)
	h.raise("web01", "", model.ActionAcknowledgement, "critical")
	h.run(time.Second)

	alerts := h.alerts("email")
	if len(alerts) != 2 || alerts[1].Action != model.ActionAcknowledgement || alerts[1].LastCondition != "critical" {
		t.Fatalf("alerts = %+v, want failure then acknowledgement", alerts)
	}

	// Acknowledgement clears alertable routes, so the next failure re-arms them.
	h.raise("web01", "critical", "", "critical")
	h.run(time.Second)
	if a := h.alerts("email"); len(a) != 1 || a[0].LastAction != model.ActionAcknowledgement {
		t.Errorf("alerts = %+v, want failure after acknowledgement", a)
	}
}

func TestNotifier_TimeRestrictedRule(t *testing.T) {
	h := newHarness(t)
	// start is 12:00 UTC on a Saturday.
	h.directory(emailMedium(), &model.Rule{TimeRestrictions: []model.TimeRestriction{
		{Weekdays: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "09:00", End: "17:00"},
	}})

	h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	if a := h.alerts("email"); len(a) != 0 {
		t.Errorf("alerts = %d, rule is inactive at weekends", len(a))
	}
}

func TestNotifier_UnknownTransportSkipped(t *testing.T) {
	h := newHarness(t)
	h.directory(&model.Medium{ID: "m1", Transport: "pager", Address: "555"}, &model.Rule{})

	n := h.raise("web01", "critical", "", "critical")
	h.run(time.Minute)
	if _, err := h.store.Notification(context.Background(), n.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("notification must be deleted")
	}
	if m := h.medium("m1"); m.LastState != nil {
		t.Error("skipped medium must not advance")
	}
}

func TestNotifier_MissingNotificationIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.n.notifications.Push(context.Background(), []byte("gone")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	h.run(0)
	if n, _ := h.n.notifications.Len(context.Background()); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestNotifier_StopFinishesCurrentNotification(t *testing.T) {
	h := newHarness(t)
	h.directory(emailMedium(), &model.Rule{})
	first := h.raise("web01", "critical", "", "critical")
	h.raise("web02", "critical", "", "critical")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.n.now = func() time.Time {
		cancel()
		return h.clock
	}
	if err := h.n.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := h.store.Notification(context.Background(), first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("notification in flight at stop must still be handled")
	}
	if alerts := h.alerts("email"); len(alerts) != 1 || alerts[0].CheckName != "web01" {
		t.Errorf("alerts = %+v, want one for web01", alerts)
	}
	if n, _ := h.n.notifications.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want web02 left queued", n)
	}
}
