package processor

import (
	"context"

	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/store"
	"github.com/afikmenashe/alerting-engine/pkg/metrics"
)

// commit is everything one event writes.
type commit struct {
	check        *model.Check
	oldState     *model.State
	update       *update
	notification *model.Notification // nil when no notification is raised
	routes       []*model.Route      // routes of global rules, for a new check
}

// commit places the entry, stages every record and applies them atomically together
// with the statistics and, if raised, the notification push.
func (p *Processor) commit(ctx context.Context, c *commit) error {
	u := c.update

	// Entries pruned from a state that is not changing.
	var pruned []*model.Entry
	var prunedLinked []bool
	switch {
	case u.state != nil:
		u.entry.StateID = u.state.ID
	case c.oldState != nil:
		u.entry.StateID = c.oldState.ID
		entries, err := p.store.StateEntries(ctx, c.oldState.ID)
		if err != nil {
			return err
		}
		if len(entries) > 1 {
			for _, e := range entries[1:] {
				linked, err := p.store.EntryLinked(ctx, e.ID)
				if err != nil {
					return err
				}
				pruned = append(pruned, e)
				prunedLinked = append(prunedLinked, linked)
			}
		}
	}

	if c.notification != nil {
		c.notification.StateID = u.entry.StateID
	}

	err := p.store.Commit(ctx, func(tx *store.Tx) error {
		if err := tx.SaveCheck(c.check); err != nil {
			return err
		}
		for _, r := range c.routes {
			if err := tx.SaveRoute(r); err != nil {
				return err
			}
		}
		if u.state != nil {
			if err := tx.SaveState(u.state); err != nil {
				return err
			}
		}
		for i, e := range pruned {
			if err := tx.PruneEntry(e, prunedLinked[i]); err != nil {
				return err
			}
		}
		if err := tx.SaveEntry(u.entry); err != nil {
			return err
		}
		for _, m := range u.maintenances {
			if err := tx.SaveMaintenance(m); err != nil {
				return err
			}
		}
		if c.notification != nil {
			if err := tx.SaveNotification(c.notification); err != nil {
				return err
			}
			tx.LinkEntry(u.entry.ID)
			p.notifications.StagePush(ctx, tx.Pipe(), []byte(c.notification.ID))
		}
		p.counters.Stage(ctx, tx.Pipe(), u.counts)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.EventsTotal.WithLabelValues(u.outcome).Inc()
	if c.notification != nil {
		metrics.NotificationsTotal.Inc()
		p.metrics.RecordPublished()
	}
	return nil
}
