package notifier

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/store"
)

// directory is the routing data read once per notification, under the notifier lock.
// Route changes made while handling the notification are applied to it in place.
type directory struct {
	routes     map[string]*model.Route
	rules      map[string]*model.Rule
	contacts   map[string]*model.Contact
	media      map[string]*model.Medium
	blackholes map[string][]*model.Blackhole // by contact
}

func loadDirectory(ctx context.Context, st *store.Store) (*directory, error) {
	d := &directory{
		routes:     make(map[string]*model.Route),
		rules:      make(map[string]*model.Rule),
		contacts:   make(map[string]*model.Contact),
		media:      make(map[string]*model.Medium),
		blackholes: make(map[string][]*model.Blackhole),
	}

	routes, err := st.Routes(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		d.routes[r.ID] = r
	}
	rules, err := st.Rules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		d.rules[r.ID] = r
	}
	contacts, err := st.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		d.contacts[c.ID] = c
	}
	media, err := st.Media(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range media {
		d.media[m.ID] = m
	}
	holes, err := st.Blackholes(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range holes {
		d.blackholes[b.ContactID] = append(d.blackholes[b.ContactID], b)
	}
	return d, nil
}

// ruleMedia returns the media a rule delivers to. A rule naming no media uses all of
// its contact's media.
func (d *directory) ruleMedia(rule *model.Rule) []*model.Medium {
	var out []*model.Medium
	if len(rule.MediumIDs) == 0 {
		for _, m := range d.media {
			if m.ContactID == rule.ContactID {
				out = append(out, m)
			}
		}
		return out
	}
	for _, id := range rule.MediumIDs {
		if m, ok := d.media[id]; ok && m.ContactID == rule.ContactID {
			out = append(out, m)
		}
	}
	return out
}

// ruleActive reports whether the rule's time restrictions allow it at t.
func (d *directory) ruleActive(rule *model.Rule, t time.Time, fallback *time.Location) bool {
	return rule.ActiveAt(t, d.contacts[rule.ContactID].Location(fallback))
}

// blackholed reports whether any of the medium's contact's blackholes suppresses it.
func (d *directory) blackholed(m *model.Medium, checkTags []string, severity string) bool {
	for _, b := range d.blackholes[m.ContactID] {
		if b.Matches(m, checkTags, severity) {
			return true
		}
	}
	return false
}

// resolver computes alerting media and rollup counts.
type resolver struct {
	store    *store.Store
	dir      *directory
	location *time.Location
}

// alertingMedia returns the media reachable through routes whose rules are active at t,
// minus those suppressed by a blackhole. Results are ordered by id.
func (r *resolver) alertingMedia(routes []*model.Route, checkTags []string, severity string, t time.Time) []*model.Medium {
	seen := make(map[string]bool)
	var out []*model.Medium
	for _, route := range routes {
		rule, ok := r.dir.rules[route.RuleID]
		if !ok {
			slog.Warn("Route references unknown rule", "route_id", route.ID, "rule_id", route.RuleID)
			continue
		}
		if !r.dir.ruleActive(rule, t, r.location) {
			continue
		}
		for _, m := range r.dir.ruleMedia(rule) {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if r.dir.blackholed(m, checkTags, severity) {
				slog.Debug("Medium blackholed", "medium_id", m.ID, "severity", severity)
				continue
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// alertingChecks returns the failing checks, outside maintenance at t, that the medium
// is currently alerting for through an alertable route.
func (r *resolver) alertingChecks(ctx context.Context, medium *model.Medium, t time.Time) ([]*model.Check, error) {
	ids := make(map[string]bool)
	for _, route := range r.dir.routes {
		if !route.Alertable {
			continue
		}
		rule, ok := r.dir.rules[route.RuleID]
		if !ok || !r.dir.ruleActive(rule, t, r.location) {
			continue
		}
		if !deliversTo(r.dir.ruleMedia(rule), medium.ID) {
			continue
		}
		ids[route.CheckID] = true
	}

	candidates := make([]string, 0, len(ids))
	for id := range ids {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)
	checks, err := r.store.ChecksByID(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var out []*model.Check
	for _, c := range checks {
		if !c.Failing {
			continue
		}
		inMaintenance, err := r.inMaintenance(ctx, c.ID, t)
		if err != nil {
			return nil, err
		}
		if !inMaintenance {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *resolver) inMaintenance(ctx context.Context, checkID string, t time.Time) (bool, error) {
	for _, kind := range []model.MaintenanceKind{model.ScheduledMaintenance, model.UnscheduledMaintenance} {
		m, err := r.store.CurrentMaintenance(ctx, checkID, kind, t)
		if err != nil {
			return false, err
		}
		if m != nil {
			return true, nil
		}
	}
	return false, nil
}

func deliversTo(media []*model.Medium, id string) bool {
	for _, m := range media {
		if m.ID == id {
			return true
		}
	}
	return false
}

// rollupStates groups the alerting checks' names by condition.
func rollupStates(checks []*model.Check) map[string][]string {
	if len(checks) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, c := range checks {
		out[c.Condition] = append(out[c.Condition], c.Name)
	}
	for cond := range out {
		sort.Strings(out[cond])
	}
	return out
}
