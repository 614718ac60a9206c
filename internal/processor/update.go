package processor

import (
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"
	"github.com/afikmenashe/alerting-engine/internal/stats"
)

// Event outcomes, used as metric labels.
const (
	outcomeOK      = "ok"
	outcomeFailure = "failure"
	outcomeAction  = "action"
	outcomeTest    = "test"
	outcomeInvalid = "invalid"
)

// update is the result of applying one event to a check, before it is committed.
type update struct {
	state        *model.State // nil unless the event opens a new state
	entry        *model.Entry
	maintenances []*model.Maintenance
	counts       stats.Counts
	outcome      string
}

// updateCheck applies the event to check and builds the records it produces. It does
// not decide placement of the entry; that depends on the filter outcome.
//
// The automatic scheduled maintenance only applies to a check that existed before
// this event, such as one created by the directory sync.
func (p *Processor) updateCheck(check *model.Check, isNew bool, oldState *model.State, event *model.Event,
	cond *model.Condition, ts time.Time, tags []string, unscheduled *model.Maintenance) *update {

	u := &update{
		entry: &model.Entry{
			ID:        model.NewID(),
			CheckID:   check.ID,
			Timestamp: ts,
			Summary:   event.Summary,
			Details:   event.Details,
		},
		counts: stats.Counts{All: 1},
	}

	if cond == nil {
		u.entry.Action = event.State
		if event.State == model.ActionTestNotifications {
			u.outcome = outcomeTest
			return u
		}
		u.counts.Action = 1
		u.outcome = outcomeAction
		if oldState == nil {
			u.state = p.newState(check, ts, "", event.State)
		} else {
			u.entry.Condition = oldState.Condition
		}
		return u
	}

	wasFailing := check.Failing
	check.Condition = cond.Name
	check.Failing = model.Unhealthy(cond.Name)
	check.Enabled = true
	check.InitialFailureDelay = secondsOr(event.InitialFailureDelay, p.cfg.InitialFailureDelay)
	check.RepeatFailureDelay = secondsOr(event.RepeatFailureDelay, p.cfg.RepeatFailureDelay)

	if check.Failing {
		u.counts.Failure = 1
		u.outcome = outcomeFailure
		if !wasFailing || check.FailingSince == nil {
			since := ts
			check.FailingSince = &since
			check.AckHash = model.EpisodeHash(check.Name, ts)
			check.AcknowledgedHash = ""
		}
	} else {
		u.counts.OK = 1
		u.outcome = outcomeOK
		check.FailingSince = nil
		check.LastProblemAt = nil
		check.LastProblemCond = ""
		check.AcknowledgedHash = ""
		check.MostSevere = ""
		if unscheduled != nil && unscheduled.Covers(ts) && ts.After(unscheduled.StartTime) {
			ended := *unscheduled
			ended.EndTime = ts
			u.maintenances = append(u.maintenances, &ended)
		}
	}

	u.entry.Condition = cond.Name
	u.entry.Perfdata = event.Perfdata

	switch {
	case oldState == nil:
		u.state = p.newState(check, ts, cond.Name, "")
		if !isNew && p.cfg.NewCheckMaintenanceDuration > 0 && !hasAnyTag(tags, p.cfg.NewCheckMaintenanceIgnoreTags) {
			u.maintenances = append(u.maintenances, &model.Maintenance{
				ID:        model.NewID(),
				CheckID:   check.ID,
				Kind:      model.ScheduledMaintenance,
				StartTime: ts,
				EndTime:   ts.Add(p.cfg.NewCheckMaintenanceDuration),
				Summary:   "Automatically created for new check",
			})
		}
	case oldState.Condition != cond.Name:
		u.state = p.newState(check, ts, cond.Name, "")
	}
	return u
}

func (p *Processor) newState(check *model.Check, ts time.Time, condition, action string) *model.State {
	return &model.State{
		ID:        model.NewID(),
		CheckID:   check.ID,
		Timestamp: ts,
		Condition: condition,
		Action:    action,
	}
}

func secondsOr(v *int64, fallback time.Duration) int64 {
	if v != nil {
		return *v
	}
	return int64(fallback / time.Second)
}

func hasAnyTag(tags, candidates []string) bool {
	for _, c := range candidates {
		for _, t := range tags {
			if t == c {
				return true
			}
		}
	}
	return false
}
