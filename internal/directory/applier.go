package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/store"
)

// Result summarises one applied snapshot.
type Result struct {
	ChecksCreated  int
	RoutesSaved    int
	RoutesDeleted  int
	RecordsDeleted int
}

// Applier writes directory snapshots to the record store.
type Applier struct {
	store *store.Store
	locks *lock.Manager
	now   func() time.Time
}

// NewApplier creates an applier.
func NewApplier(st *store.Store, locks *lock.Manager) *Applier {
	return &Applier{store: st, locks: locks, now: time.Now}
}

// Apply replaces the stored directory with snap under the directory lock scope.
// Route alertability and media delivery state survive the replacement.
func (a *Applier) Apply(ctx context.Context, snap *Snapshot) (*Result, error) {
	var res *Result
	err := a.locks.Do(ctx, lock.DirectoryScope, func(ctx context.Context) error {
		var err error
		res, err = a.apply(ctx, snap)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply directory: %w", err)
	}
	return res, nil
}

func (a *Applier) apply(ctx context.Context, snap *Snapshot) (*Result, error) {
	res := &Result{}

	checks, err := a.store.Checks(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*model.Check, len(checks))
	for _, c := range checks {
		byName[c.Name] = c
	}

	var created []*model.Check
	names := make([]string, 0, len(snap.CheckTags))
	for name := range snap.CheckTags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := byName[name]; ok {
			continue
		}
		c := &model.Check{ID: model.NewID(), Name: name, Enabled: true, CreatedAt: a.now()}
		byName[name] = c
		checks = append(checks, c)
		created = append(created, c)
	}
	res.ChecksCreated = len(created)

	oldTags := make(map[string][]string, len(checks))
	newTags := make(map[string][]string, len(checks))
	for _, c := range checks {
		if oldTags[c.ID], err = a.store.CheckTags(ctx, c.ID); err != nil {
			return nil, err
		}
		newTags[c.ID] = snap.CheckTags[c.Name]
	}

	existingRoutes, err := a.store.Routes(ctx)
	if err != nil {
		return nil, err
	}
	alertable := make(map[string]bool, len(existingRoutes))
	for _, r := range existingRoutes {
		alertable[r.ID] = r.Alertable
	}
	routes := CompileRoutes(snap.Rules, checks, newTags)
	keep := make(map[string]bool, len(routes))
	for _, r := range routes {
		r.Alertable = alertable[r.ID]
		keep[r.ID] = true
	}

	existingMedia, err := a.store.Media(ctx)
	if err != nil {
		return nil, err
	}
	runtime := make(map[string]*model.Medium, len(existingMedia))
	for _, m := range existingMedia {
		runtime[m.ID] = m
	}
	for _, m := range snap.Media {
		if old, ok := runtime[m.ID]; ok {
			m.LastState = old.LastState
			m.LastRollupType = old.LastRollupType
		}
	}

	stale, err := a.staleRecords(ctx, snap)
	if err != nil {
		return nil, err
	}

	err = a.store.Commit(ctx, func(tx *store.Tx) error {
		for _, c := range created {
			if err := tx.SaveCheck(c); err != nil {
				return err
			}
		}
		for _, c := range checks {
			tx.SetCheckTags(c.ID, oldTags[c.ID], newTags[c.ID])
		}

		for _, r := range existingRoutes {
			if !keep[r.ID] {
				tx.DeleteRoute(r)
				res.RoutesDeleted++
			}
		}
		stale.stage(tx)
		res.RecordsDeleted = stale.count()

		for _, c := range snap.Contacts {
			if err := tx.SaveContact(c); err != nil {
				return err
			}
		}
		for _, m := range snap.Media {
			if err := tx.SaveMedium(m); err != nil {
				return err
			}
		}
		for _, r := range snap.Rules {
			if err := tx.SaveRule(r); err != nil {
				return err
			}
		}
		for _, b := range snap.Blackholes {
			if err := tx.SaveBlackhole(b); err != nil {
				return err
			}
		}
		for _, r := range routes {
			if err := tx.SaveRoute(r); err != nil {
				return err
			}
		}
		res.RoutesSaved = len(routes)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Directory applied",
		"contacts", len(snap.Contacts),
		"media", len(snap.Media),
		"rules", len(snap.Rules),
		"blackholes", len(snap.Blackholes),
		"routes", res.RoutesSaved,
		"checks_created", res.ChecksCreated,
		"routes_deleted", res.RoutesDeleted,
		"records_deleted", res.RecordsDeleted,
	)
	return res, nil
}

// stale holds stored records that are no longer in the snapshot.
type stale struct {
	contacts   []string
	media      []*model.Medium
	rules      []string
	blackholes []*model.Blackhole
}

func (a *Applier) staleRecords(ctx context.Context, snap *Snapshot) (*stale, error) {
	s := &stale{}

	want := make(map[string]bool)
	for _, c := range snap.Contacts {
		want[c.ID] = true
	}
	contacts, err := a.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if !want[c.ID] {
			s.contacts = append(s.contacts, c.ID)
		}
	}

	// Records that moved to another contact are dropped from the old contact first.
	owner := make(map[string]string)
	for _, m := range snap.Media {
		owner[m.ID] = m.ContactID
	}
	media, err := a.store.Media(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range media {
		if owner[m.ID] != m.ContactID {
			s.media = append(s.media, m)
		}
	}

	want = make(map[string]bool)
	for _, r := range snap.Rules {
		want[r.ID] = true
	}
	rules, err := a.store.Rules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if !want[r.ID] {
			s.rules = append(s.rules, r.ID)
		}
	}

	owner = make(map[string]string)
	for _, b := range snap.Blackholes {
		owner[b.ID] = b.ContactID
	}
	holes, err := a.store.Blackholes(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range holes {
		if owner[b.ID] != b.ContactID {
			s.blackholes = append(s.blackholes, b)
		}
	}
	return s, nil
}

func (s *stale) stage(tx *store.Tx) {
	for _, id := range s.contacts {
		tx.DeleteContact(id)
	}
	for _, m := range s.media {
		tx.DeleteMedium(m)
	}
	for _, id := range s.rules {
		tx.DeleteRule(id)
	}
	for _, b := range s.blackholes {
		tx.DeleteBlackhole(b)
	}
}

func (s *stale) count() int {
	return len(s.contacts) + len(s.media) + len(s.rules) + len(s.blackholes)
}
