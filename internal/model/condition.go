package model

// Condition names. Lower priority numbers are more severe.
const (
	ConditionCritical = "critical"
	ConditionUnknown  = "unknown"
	ConditionWarning  = "warning"
	ConditionOK       = "ok"
)

// Action names carried by events that do not report a condition.
const (
	ActionAcknowledgement   = "acknowledgement"
	ActionTestNotifications = "test_notifications"
)

// MostUnhealthy is the condition test notifications are raised at.
const MostUnhealthy = ConditionCritical

var unhealthy = map[string]int{
	ConditionCritical: 0,
	ConditionUnknown:  1,
	ConditionWarning:  2,
}

var healthy = map[string]int{
	ConditionOK: 3,
}

// Condition is a known health label.
type Condition struct {
	Name     string
	Priority int
}

// ConditionFor returns the condition with the given name, or false if the name is unknown.
func ConditionFor(name string) (Condition, bool) {
	if p, ok := unhealthy[name]; ok {
		return Condition{Name: name, Priority: p}, true
	}
	if p, ok := healthy[name]; ok {
		return Condition{Name: name, Priority: p}, true
	}
	return Condition{}, false
}

// Healthy reports whether name is a healthy condition. The empty (nil) condition is not.
func Healthy(name string) bool {
	_, ok := healthy[name]
	return ok
}

// Unhealthy reports whether name is an unhealthy condition. The empty (nil) condition is not.
func Unhealthy(name string) bool {
	_, ok := unhealthy[name]
	return ok
}

// MoreSevere reports whether c is strictly more severe than other.
func (c Condition) MoreSevere(other Condition) bool {
	return c.Priority < other.Priority
}

// IsAction reports whether state is one of the condition-less action names.
func IsAction(state string) bool {
	return state == ActionAcknowledgement || state == ActionTestNotifications
}
