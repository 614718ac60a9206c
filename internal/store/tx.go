package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/afikmenashe/alerting-engine/internal/model"

	"github.com/redis/go-redis/v9"
)

// Tx stages writes for one atomic commit. Records are validated as they are staged;
// a validation error aborts the whole commit.
type Tx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

// Commit runs fn and applies everything it staged in a single MULTI/EXEC. Nothing is
// written if fn returns an error.
func (s *Store) Commit(ctx context.Context, fn func(tx *Tx) error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&Tx{ctx: ctx, pipe: pipe})
	})
	return err
}

// Pipe exposes the transaction's pipeline so queues and counters can join the commit.
func (tx *Tx) Pipe() redis.Pipeliner {
	return tx.pipe
}

func (tx *Tx) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	tx.pipe.Set(tx.ctx, key, data, 0)
	return nil
}

// SaveCheck stages a check and its name index.
func (tx *Tx) SaveCheck(c *model.Check) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(checkKey(c.ID), c); err != nil {
		return err
	}
	tx.pipe.Set(tx.ctx, checkNameKey(c.Name), c.ID, 0)
	tx.pipe.SAdd(tx.ctx, checksKey, c.ID)
	return nil
}

// SaveState stages a state and appends it to its check's history.
func (tx *Tx) SaveState(st *model.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(stateKey(st.ID), st); err != nil {
		return err
	}
	tx.pipe.ZAdd(tx.ctx, checkStatesKey(st.CheckID), redis.Z{Score: score(st.Timestamp), Member: st.ID})
	return nil
}

// SaveEntry stages an entry and, unless it is detached, appends it to its state.
func (tx *Tx) SaveEntry(e *model.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(entryKey(e.ID), e); err != nil {
		return err
	}
	if e.StateID != "" {
		tx.pipe.ZAdd(tx.ctx, stateEntriesKey(e.StateID), redis.Z{Score: score(e.Timestamp), Member: e.ID})
	}
	return nil
}

// PruneEntry removes an entry from its state. An entry still referenced by a pending
// notification is kept as a detached record; otherwise it is deleted.
func (tx *Tx) PruneEntry(e *model.Entry, linked bool) error {
	if e.StateID != "" {
		tx.pipe.ZRem(tx.ctx, stateEntriesKey(e.StateID), e.ID)
	}
	if !linked {
		tx.pipe.Del(tx.ctx, entryKey(e.ID))
		return nil
	}
	detached := *e
	detached.StateID = ""
	return tx.setJSON(entryKey(e.ID), &detached)
}

// LinkEntry marks an entry as referenced by a pending notification.
func (tx *Tx) LinkEntry(entryID string) {
	tx.pipe.SAdd(tx.ctx, linkedEntriesKey, entryID)
}

// ReleaseEntry drops the notification reference to an entry. A detached entry is
// deleted along with it.
func (tx *Tx) ReleaseEntry(e *model.Entry) {
	tx.pipe.SRem(tx.ctx, linkedEntriesKey, e.ID)
	if e.StateID == "" {
		tx.pipe.Del(tx.ctx, entryKey(e.ID))
	}
}

// SaveMaintenance stages a maintenance window on its check.
func (tx *Tx) SaveMaintenance(m *model.Maintenance) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(maintenanceKey(m.ID), m); err != nil {
		return err
	}
	tx.pipe.ZAdd(tx.ctx, checkMaintenanceKey(m.CheckID, m.Kind), redis.Z{Score: score(m.StartTime), Member: m.ID})
	return nil
}

// SaveNotification stages a notification.
func (tx *Tx) SaveNotification(n *model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return tx.setJSON(notificationKey(n.ID), n)
}

// DeleteNotification stages the removal of a handled notification.
func (tx *Tx) DeleteNotification(id string) {
	tx.pipe.Del(tx.ctx, notificationKey(id))
}

// SaveAlert stages an alert and links it to its medium and check.
func (tx *Tx) SaveAlert(a *model.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(alertKey(a.ID), a); err != nil {
		return err
	}
	z := redis.Z{Score: score(a.CreatedAt), Member: a.ID}
	tx.pipe.ZAdd(tx.ctx, mediumAlertsKey(a.MediumID), z)
	tx.pipe.ZAdd(tx.ctx, checkAlertsKey(a.CheckID), z)
	return nil
}

// SetCheckTags stages the difference between a check's old and new tags.
func (tx *Tx) SetCheckTags(checkID string, old, tags []string) {
	for _, t := range old {
		if !model.SubsetOf([]string{t}, tags) {
			tx.pipe.SRem(tx.ctx, checkTagsKey(checkID), t)
			tx.pipe.SRem(tx.ctx, tagChecksKey(t), checkID)
		}
	}
	for _, t := range tags {
		tx.pipe.SAdd(tx.ctx, checkTagsKey(checkID), t)
		tx.pipe.SAdd(tx.ctx, tagChecksKey(t), checkID)
	}
}

// SaveRoute stages a route and links it to its check.
func (tx *Tx) SaveRoute(r *model.Route) error {
	if r.ID == "" || r.RuleID == "" || r.CheckID == "" {
		return fmt.Errorf("%w: route requires id, rule and check", model.ErrValidation)
	}
	if err := tx.setJSON(routeKey(r.ID), r); err != nil {
		return err
	}
	tx.pipe.SAdd(tx.ctx, routesKey, r.ID)
	tx.pipe.SAdd(tx.ctx, checkRoutesKey(r.CheckID), r.ID)
	return nil
}

// UpdateRoute stages a change to an existing route's runtime fields.
func (tx *Tx) UpdateRoute(r *model.Route) error {
	if r.ID == "" || r.RuleID == "" {
		return fmt.Errorf("%w: route requires id and rule", model.ErrValidation)
	}
	return tx.setJSON(routeKey(r.ID), r)
}

// DeleteRoute stages the removal of a route and its check link.
func (tx *Tx) DeleteRoute(r *model.Route) {
	tx.pipe.Del(tx.ctx, routeKey(r.ID))
	tx.pipe.SRem(tx.ctx, routesKey, r.ID)
	tx.pipe.SRem(tx.ctx, checkRoutesKey(r.CheckID), r.ID)
}

// SaveRule stages a rule.
func (tx *Tx) SaveRule(r *model.Rule) error {
	if r.ID == "" || r.ContactID == "" {
		return fmt.Errorf("%w: rule requires id and contact", model.ErrValidation)
	}
	if err := tx.setJSON(ruleKey(r.ID), r); err != nil {
		return err
	}
	tx.pipe.SAdd(tx.ctx, rulesKey, r.ID)
	if r.Global() {
		tx.pipe.SAdd(tx.ctx, globalRulesKey, r.ID)
	} else {
		tx.pipe.SRem(tx.ctx, globalRulesKey, r.ID)
	}
	return nil
}

// DeleteRule stages the removal of a rule.
func (tx *Tx) DeleteRule(id string) {
	tx.pipe.Del(tx.ctx, ruleKey(id))
	tx.pipe.SRem(tx.ctx, rulesKey, id)
	tx.pipe.SRem(tx.ctx, globalRulesKey, id)
}

// SaveContact stages a contact.
func (tx *Tx) SaveContact(c *model.Contact) error {
	if c.ID == "" {
		return fmt.Errorf("%w: contact requires id", model.ErrValidation)
	}
	if err := tx.setJSON(contactKey(c.ID), c); err != nil {
		return err
	}
	tx.pipe.SAdd(tx.ctx, contactsKey, c.ID)
	return nil
}

// DeleteContact stages the removal of a contact and its association sets.
func (tx *Tx) DeleteContact(id string) {
	tx.pipe.Del(tx.ctx, contactKey(id), contactMediaKey(id), contactBlackholesKey(id))
	tx.pipe.SRem(tx.ctx, contactsKey, id)
}

// SaveMedium stages a medium on its contact.
func (tx *Tx) SaveMedium(m *model.Medium) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := tx.setJSON(mediumKey(m.ID), m); err != nil {
		return err
	}
	tx.pipe.SAdd(tx.ctx, mediaKey, m.ID)
	tx.pipe.SAdd(tx.ctx, contactMediaKey(m.ContactID), m.ID)
	return nil
}

// DeleteMedium stages the removal of a medium. Its alert history is kept.
func (tx *Tx) DeleteMedium(m *model.Medium) {
	tx.pipe.Del(tx.ctx, mediumKey(m.ID))
	tx.pipe.SRem(tx.ctx, mediaKey, m.ID)
	tx.pipe.SRem(tx.ctx, contactMediaKey(m.ContactID), m.ID)
}

// SaveBlackhole stages a blackhole on its contact.
func (tx *Tx) SaveBlackhole(b *model.Blackhole) error {
	if b.ID == "" || b.ContactID == "" {
		return fmt.Errorf("%w: blackhole requires id and contact", model.ErrValidation)
	}
	if err := tx.setJSON(blackholeKey(b.ID), b); err != nil {
		return err
	}
	tx.pipe.SAdd(tx.ctx, blackholesKey, b.ID)
	tx.pipe.SAdd(tx.ctx, contactBlackholesKey(b.ContactID), b.ID)
	return nil
}

// DeleteBlackhole stages the removal of a blackhole.
func (tx *Tx) DeleteBlackhole(b *model.Blackhole) {
	tx.pipe.Del(tx.ctx, blackholeKey(b.ID))
	tx.pipe.SRem(tx.ctx, blackholesKey, b.ID)
	tx.pipe.SRem(tx.ctx, contactBlackholesKey(b.ContactID), b.ID)
}
