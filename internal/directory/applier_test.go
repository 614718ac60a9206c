package directory

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

func newTestApplier(t *testing.T) (*Applier, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	a := NewApplier(st, lock.NewManager(client, time.Minute, time.Second))
	a.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	return a, st
}

func baseSnapshot() *Snapshot {
	return &Snapshot{
		Contacts: []*model.Contact{{ID: "ct1", Name: "Ops"}},
		Media:    []*model.Medium{{ID: "m1", ContactID: "ct1", Transport: "email", Address: "ops@example.com", Interval: 60}},
		Rules: []*model.Rule{
			{ID: "all", ContactID: "ct1"},
			{ID: "db", ContactID: "ct1", Tags: []string{"db"}, Conditions: []string{"critical"}},
		},
		Blackholes: []*model.Blackhole{{ID: "b1", ContactID: "ct1", ConditionsList: "warning"}},
		CheckTags: map[string][]string{
			"db01":  {"db", "prod"},
			"web01": {"web"},
		},
	}
}

func TestApplier_CreatesChecksAndRoutes(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	res, err := a.Apply(ctx, baseSnapshot())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.ChecksCreated != 2 || res.RoutesSaved != 3 {
		t.Errorf("result = %+v, want 2 checks and 3 routes", res)
	}

	db, err := st.CheckByName(ctx, "db01")
	if err != nil {
		t.Fatalf("CheckByName() error = %v", err)
	}
	if !db.Enabled || db.Condition != "" {
		t.Errorf("created check = %+v", db)
	}
	tags, _ := st.CheckTags(ctx, db.ID)
	if len(tags) != 2 {
		t.Errorf("check tags = %v", tags)
	}
	routes, _ := st.CheckRoutes(ctx, db.ID)
	if len(routes) != 2 {
		t.Errorf("db01 routes = %d, want global and db", len(routes))
	}

	web, _ := st.CheckByName(ctx, "web01")
	routes, _ = st.CheckRoutes(ctx, web.ID)
	if len(routes) != 1 || routes[0].RuleID != "all" {
		t.Errorf("web01 routes = %+v, want only the global rule", routes)
	}

	global, _ := st.GlobalRules(ctx)
	if len(global) != 1 || global[0].ID != "all" {
		t.Errorf("global rules = %+v", global)
	}
	if holes, _ := st.Blackholes(ctx); len(holes) != 1 || holes[0].ContactID != "ct1" {
		t.Errorf("blackholes = %+v", holes)
	}
}

func TestApplier_PreservesRuntimeState(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	if _, err := a.Apply(ctx, baseSnapshot()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	db, _ := st.CheckByName(ctx, "db01")
	route, _ := st.Route(ctx, model.RouteID("db", db.ID))
	medium, _ := st.Medium(ctx, "m1")

	last := &model.StateRef{EntryID: "e1", Condition: "critical", Timestamp: time.Now().UTC()}
	err := st.Commit(ctx, func(tx *store.Tx) error {
		route.Alertable = true
		if err := tx.UpdateRoute(route); err != nil {
			return err
		}
		medium.LastState = last
		medium.LastRollupType = model.RollupProblem
		return tx.SaveMedium(medium)
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	snap := baseSnapshot()
	snap.Media[0].Address = "oncall@example.com"
	res, err := a.Apply(ctx, snap)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.ChecksCreated != 0 {
		t.Errorf("checks created = %d, want 0 on resync", res.ChecksCreated)
	}

	route, _ = st.Route(ctx, model.RouteID("db", db.ID))
	if !route.Alertable {
		t.Error("route alertable must survive a resync")
	}
	medium, _ = st.Medium(ctx, "m1")
	if medium.Address != "oncall@example.com" {
		t.Errorf("medium address = %s, want updated", medium.Address)
	}
	if medium.LastState == nil || medium.LastState.EntryID != "e1" || medium.LastRollupType != model.RollupProblem {
		t.Errorf("medium runtime state lost: %+v", medium)
	}
}

func TestApplier_RemovesStaleRecords(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	if _, err := a.Apply(ctx, baseSnapshot()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	snap := baseSnapshot()
	snap.Rules = snap.Rules[:1]
	snap.Blackholes = nil
	snap.CheckTags["db01"] = []string{"prod"}
	res, err := a.Apply(ctx, snap)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.RoutesDeleted != 1 || res.RecordsDeleted != 2 {
		t.Errorf("result = %+v, want 1 route and 2 records deleted", res)
	}

	if _, err := st.Rule(ctx, "db"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale rule still stored: %v", err)
	}
	if holes, _ := st.Blackholes(ctx); len(holes) != 0 {
		t.Errorf("blackholes = %+v, want none", holes)
	}
	db, _ := st.CheckByName(ctx, "db01")
	if routes, _ := st.CheckRoutes(ctx, db.ID); len(routes) != 1 {
		t.Errorf("db01 routes = %+v, want only the global rule", routes)
	}
	if tags, _ := st.CheckTags(ctx, db.ID); model.SubsetOf([]string{"db"}, tags) {
		t.Errorf("db01 tags = %v, want db removed", tags)
	}
}

func TestApplier_MediumMovesContact(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	if _, err := a.Apply(ctx, baseSnapshot()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	snap := baseSnapshot()
	snap.Contacts = append(snap.Contacts, &model.Contact{ID: "ct2", Name: "Dev"})
	snap.Media[0].ContactID = "ct2"
	if _, err := a.Apply(ctx, snap); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	m, err := st.Medium(ctx, "m1")
	if err != nil || m.ContactID != "ct2" {
		t.Errorf("m1 = %+v, %v; want it on ct2", m, err)
	}
	if media, _ := st.Media(ctx); len(media) != 1 {
		t.Errorf("media = %+v, want only m1", media)
	}
}

func TestApplier_KeepsProcessorChecks(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	seen := &model.Check{ID: "chk-cache01", Name: "cache01", Enabled: true, Condition: "critical", Failing: true,
		CreatedAt: time.Now().UTC()}
	if err := st.Commit(ctx, func(tx *store.Tx) error { return tx.SaveCheck(seen) }); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := a.Apply(ctx, baseSnapshot()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	check, err := st.Check(ctx, seen.ID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !check.Failing || check.Condition != "critical" {
		t.Errorf("check = %+v, runtime fields must be untouched", check)
	}
	if routes, _ := st.CheckRoutes(ctx, seen.ID); len(routes) != 1 || routes[0].RuleID != "all" {
		t.Errorf("routes = %+v, untagged check gets the global rule", routes)
	}
}
