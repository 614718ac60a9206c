// Package filter holds the suppression filters the processor evaluates before raising
// a notification. Filters are pure: they read the check and the event context and
// never write anything.
package filter

import (
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"
)

// Context is what a filter sees about the event being processed.
type Context struct {
	// Check is the check after the event has been applied to it.
	Check *model.Check
	// OldState is the check's last state before this event, nil for a brand-new check.
	OldState *model.State
	// Entry is the observation recorded for this event.
	Entry     *model.Entry
	Timestamp time.Time
	// Duration is the event's duration in seconds, if any.
	Duration *int64
	// ProblemNotified is true when a failure or acknowledgement notification was raised
	// in the episode, as it stood before the event was applied.
	ProblemNotified bool

	InitialFailureDelay time.Duration
	RepeatFailureDelay  time.Duration

	// Maintenance windows current at Timestamp.
	ScheduledMaintenance   *model.Maintenance
	UnscheduledMaintenance *model.Maintenance
}

func (c *Context) unhealthyService() bool {
	return c.Entry.Action == "" && model.Unhealthy(c.Entry.Condition)
}

// Kind identifies one of the filters.
type Kind int

// Filters, in evaluation order.
const (
	Ok Kind = iota
	ScheduledMaintenance
	UnscheduledMaintenance
	Delays
	Acknowledgement
)

var kindNames = [...]string{
	Ok:                     "Ok",
	ScheduledMaintenance:   "ScheduledMaintenance",
	UnscheduledMaintenance: "UnscheduledMaintenance",
	Delays:                 "Delays",
	Acknowledgement:        "Acknowledgement",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Block reports whether the filter suppresses the notification.
func (k Kind) Block(c *Context) bool {
	switch k {
	case Ok:
		return blockOk(c)
	case ScheduledMaintenance:
		return c.ScheduledMaintenance != nil
	case UnscheduledMaintenance:
		// The acknowledgement that opens a window is not blocked by it.
		return c.UnscheduledMaintenance != nil && c.unhealthyService()
	case Delays:
		return blockDelays(c)
	case Acknowledgement:
		return blockAcknowledgement(c)
	}
	return false
}

// blockOk suppresses a healthy observation unless it recovers from a failure that was
// notified. A failure that never got past the other filters has nothing to recover from.
func blockOk(c *Context) bool {
	if c.Entry.Action != "" || !model.Healthy(c.Entry.Condition) {
		return false
	}
	if c.OldState == nil {
		return false
	}
	return model.Healthy(c.OldState.Condition) || !c.ProblemNotified
}

func blockDelays(c *Context) bool {
	if !c.unhealthyService() {
		return false
	}
	check := c.Check

	notifiedThisEpisode := check.LastProblemAt != nil &&
		(check.FailingSince == nil || !check.LastProblemAt.Before(*check.FailingSince))

	if !notifiedThisEpisode {
		if c.OldState == nil || check.FailingSince == nil {
			return false
		}
		return c.Timestamp.Sub(*check.FailingSince) < c.InitialFailureDelay
	}

	if check.LastProblemCond != c.Entry.Condition {
		return false
	}
	return c.Timestamp.Sub(*check.LastProblemAt) < c.RepeatFailureDelay
}

func blockAcknowledgement(c *Context) bool {
	if c.Entry.Action == model.ActionAcknowledgement {
		return !c.Check.Failing || c.Check.Acknowledged()
	}
	return c.unhealthyService() && c.Check.Acknowledged()
}

// Chain is an ordered list of filters.
type Chain []Kind

// DefaultChain is the order the processor evaluates filters in.
var DefaultChain = Chain{Ok, ScheduledMaintenance, UnscheduledMaintenance, Delays, Acknowledgement}

// Evaluate returns the first filter that blocks, or false if none does. Test
// notifications are never blocked.
func (ch Chain) Evaluate(c *Context) (Kind, bool) {
	if c.Entry.Action == model.ActionTestNotifications {
		return 0, false
	}
	for _, k := range ch {
		if k.Block(c) {
			return k, true
		}
	}
	return 0, false
}
