package notifier

import (
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"
)

// Decision is the input to the per-medium deduplication gate.
type Decision struct {
	// LastState is what the medium was last alerted about, nil if never.
	LastState *model.StateRef
	// IsOK is true for recoveries and acknowledgements.
	IsOK bool
	// IsFailure is true when the notification severity is unhealthy.
	IsFailure bool

	Rollup         string
	LastRollupType string

	Condition string
	Timestamp time.Time
	Interval  time.Duration
}

// Reasons a medium is alerted. The zero value means suppressed.
const (
	ReasonNone             = ""
	ReasonFirstAlert       = "first_alert"
	ReasonRecovered        = "recovered"
	ReasonRollupChanged    = "rollup_changed"
	ReasonFailureAfterAck  = "failure_after_acknowledgement"
	ReasonConditionChanged = "condition_changed"
	ReasonIntervalElapsed  = "interval_elapsed"
)

// ShouldAlert reports whether the medium must be alerted, and the first rule that
// allowed it.
func ShouldAlert(d Decision) (bool, string) {
	last := d.LastState
	if last == nil {
		return true, ReasonFirstAlert
	}

	lastOK := model.Healthy(last.Condition) || last.Action == model.ActionAcknowledgement

	switch {
	case !lastOK && d.IsOK:
		return true, ReasonRecovered
	case d.Rollup != d.LastRollupType:
		return true, ReasonRollupChanged
	case last.Action == model.ActionAcknowledgement && d.IsFailure:
		return true, ReasonFailureAfterAck
	case d.Condition != last.Condition:
		return true, ReasonConditionChanged
	case !lastOK && d.IsFailure && last.Timestamp.Add(d.Interval).Before(d.Timestamp):
		return true, ReasonIntervalElapsed
	}
	return false, ReasonNone
}

// RollupType returns the rollup for a medium given how many checks it is alerting for.
func RollupType(medium *model.Medium, alerting int) string {
	if medium.RollupEnabled() && alerting >= medium.RollupThreshold {
		return model.RollupProblem
	}
	if medium.LastRollupType == model.RollupProblem {
		return model.RollupRecovery
	}
	return ""
}
