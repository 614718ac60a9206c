// Package model defines the records the processor and notifier operate on.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation marks a record that failed domain validation before being persisted.
var ErrValidation = errors.New("validation failed")

// Rollup types carried by alerts and media.
const (
	RollupProblem  = "problem"
	RollupRecovery = "recovery"
)

// NewID returns a new record id.
func NewID() string {
	return uuid.NewString()
}

// EpisodeHash derives the acknowledgement hash for a failure episode that began at since.
func EpisodeHash(checkName string, since time.Time) string {
	sum := sha1.Sum([]byte(checkName + ":" + strconv.FormatInt(since.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])[:8]
}

// Check is a monitored entity.
type Check struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Enabled             bool       `json:"enabled"`
	Condition           string     `json:"condition,omitempty"`
	Failing             bool       `json:"failing"`
	InitialFailureDelay int64      `json:"initial_failure_delay"`
	RepeatFailureDelay  int64      `json:"repeat_failure_delay"`
	NotificationCount   int64      `json:"notification_count"`
	AckHash             string     `json:"ack_hash,omitempty"`
	AcknowledgedHash    string     `json:"acknowledged_hash,omitempty"`
	MostSevere          string     `json:"most_severe,omitempty"`
	FailingSince        *time.Time `json:"failing_since,omitempty"`
	LastProblemAt       *time.Time `json:"last_problem_at,omitempty"`
	LastProblemCond     string     `json:"last_problem_condition,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Validate checks the check before it is persisted.
func (c *Check) Validate() error {
	if c.ID == "" || strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: check requires id and name", ErrValidation)
	}
	if c.InitialFailureDelay < 0 || c.RepeatFailureDelay < 0 {
		return fmt.Errorf("%w: check %s has negative failure delay", ErrValidation, c.Name)
	}
	return nil
}

// Acknowledged reports whether the current failure episode has been acknowledged.
func (c *Check) Acknowledged() bool {
	return c.AckHash != "" && c.AcknowledgedHash == c.AckHash
}

// State is one contiguous period of a condition, or a pure action record.
type State struct {
	ID        string    `json:"id"`
	CheckID   string    `json:"check_id"`
	Timestamp time.Time `json:"timestamp"`
	Condition string    `json:"condition,omitempty"`
	Action    string    `json:"action,omitempty"`
}

// Validate checks the state before it is persisted.
func (s *State) Validate() error {
	if s.ID == "" || s.CheckID == "" {
		return fmt.Errorf("%w: state requires id and check", ErrValidation)
	}
	if s.Condition == "" && s.Action == "" {
		return fmt.Errorf("%w: state %s has neither condition nor action", ErrValidation, s.ID)
	}
	return nil
}

// Entry is one raw observation.
type Entry struct {
	ID        string    `json:"id"`
	CheckID   string    `json:"check_id"`
	StateID   string    `json:"state_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Condition string    `json:"condition,omitempty"`
	Action    string    `json:"action,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Details   string    `json:"details,omitempty"`
	Perfdata  string    `json:"perfdata,omitempty"`
}

// Validate checks the entry before it is persisted.
func (e *Entry) Validate() error {
	if e.ID == "" || e.CheckID == "" || e.Timestamp.IsZero() {
		return fmt.Errorf("%w: entry requires id, check and timestamp", ErrValidation)
	}
	return nil
}

// Notification is an intention to notify, handed from processor to notifier.
type Notification struct {
	ID                string    `json:"id"`
	CheckID           string    `json:"check_id"`
	StateID           string    `json:"state_id,omitempty"`
	EntryID           string    `json:"entry_id"`
	Severity          string    `json:"severity"`
	Duration          *int64    `json:"duration,omitempty"`
	ConditionDuration *float64  `json:"condition_duration,omitempty"`
	EventHash         string    `json:"event_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks the notification before it is persisted.
func (n *Notification) Validate() error {
	if n.ID == "" || n.CheckID == "" || n.EntryID == "" {
		return fmt.Errorf("%w: notification requires id, check and entry", ErrValidation)
	}
	if _, ok := ConditionFor(n.Severity); !ok {
		return fmt.Errorf("%w: notification severity %q", ErrValidation, n.Severity)
	}
	return nil
}

// Alert is a concrete per-medium message for a delivery transport.
type Alert struct {
	ID                      string              `json:"id"`
	NotificationID          string              `json:"notification_id"`
	CheckID                 string              `json:"check_id"`
	CheckName               string              `json:"check_name"`
	MediumID                string              `json:"medium_id"`
	ContactID               string              `json:"contact_id"`
	Transport               string              `json:"transport"`
	Address                 string              `json:"address"`
	Severity                string              `json:"severity"`
	Condition               string              `json:"condition,omitempty"`
	Action                  string              `json:"action,omitempty"`
	LastCondition           string              `json:"last_condition,omitempty"`
	LastAction              string              `json:"last_action,omitempty"`
	Summary                 string              `json:"summary,omitempty"`
	Details                 string              `json:"details,omitempty"`
	EventHash               string              `json:"event_hash,omitempty"`
	ConditionDuration       *float64            `json:"condition_duration,omitempty"`
	AcknowledgementDuration *int64              `json:"acknowledgement_duration,omitempty"`
	Rollup                  string              `json:"rollup,omitempty"`
	RollupStates            map[string][]string `json:"rollup_states,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
}

// Validate checks the alert before it is persisted.
func (a *Alert) Validate() error {
	if a.ID == "" || a.MediumID == "" || a.CheckID == "" {
		return fmt.Errorf("%w: alert requires id, medium and check", ErrValidation)
	}
	if a.Transport == "" {
		return fmt.Errorf("%w: alert %s has no transport", ErrValidation, a.ID)
	}
	if a.Rollup != "" && a.Rollup != RollupProblem && a.Rollup != RollupRecovery {
		return fmt.Errorf("%w: alert rollup %q", ErrValidation, a.Rollup)
	}
	return nil
}

// Contact owns media, rules and blackholes.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

// Location returns the contact's timezone, or fallback if unset or unknown.
func (c *Contact) Location(fallback *time.Location) *time.Location {
	if c == nil || c.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// StateRef records what a medium was last alerted about.
type StateRef struct {
	StateID   string    `json:"state_id,omitempty"`
	EntryID   string    `json:"entry_id"`
	Condition string    `json:"condition,omitempty"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Medium is a contact's delivery channel.
type Medium struct {
	ID              string    `json:"id"`
	ContactID       string    `json:"contact_id"`
	Transport       string    `json:"transport"`
	Address         string    `json:"address"`
	Interval        int64     `json:"interval"`
	RollupThreshold int       `json:"rollup_threshold"`
	LastRollupType  string    `json:"last_rollup_type,omitempty"`
	LastState       *StateRef `json:"last_state,omitempty"`
}

// Validate checks the medium before it is persisted.
func (m *Medium) Validate() error {
	if m.ID == "" || m.Transport == "" || m.Address == "" {
		return fmt.Errorf("%w: medium requires id, transport and address", ErrValidation)
	}
	if m.Interval < 0 || m.RollupThreshold < 0 {
		return fmt.Errorf("%w: medium %s has negative interval or rollup threshold", ErrValidation, m.ID)
	}
	return nil
}

// RollupEnabled reports whether the medium aggregates alerts.
func (m *Medium) RollupEnabled() bool {
	return m.RollupThreshold > 0
}

// Rule is a contact's notification preference.
type Rule struct {
	ID               string            `json:"id"`
	ContactID        string            `json:"contact_id"`
	Name             string            `json:"name,omitempty"`
	Conditions       []string          `json:"conditions,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	MediumIDs        []string          `json:"medium_ids,omitempty"`
	TimeRestrictions []TimeRestriction `json:"time_restrictions,omitempty"`
}

// ActiveAt reports whether the rule applies at t, evaluated in loc. A rule without
// restrictions is always active.
func (r *Rule) ActiveAt(t time.Time, loc *time.Location) bool {
	if len(r.TimeRestrictions) == 0 {
		return true
	}
	for _, tr := range r.TimeRestrictions {
		if tr.Covers(t, loc) {
			return true
		}
	}
	return false
}

// TimeRestriction limits a rule to a daily window on selected weekdays.
type TimeRestriction struct {
	Weekdays []string `json:"weekdays,omitempty"` // "mon".."sun"; empty means every day
	Start    string   `json:"start"`              // "15:04"
	End      string   `json:"end"`                // "15:04"; End <= Start wraps past midnight
}

// Covers reports whether t, in loc, falls inside the restriction.
func (tr TimeRestriction) Covers(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start, err1 := minuteOfDay(tr.Start)
	end, err2 := minuteOfDay(tr.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := local.Hour()*60 + local.Minute()

	day := local.Weekday()
	if start < end {
		return tr.onDay(day) && now >= start && now < end
	}
	// Window wraps midnight: the late part belongs to today, the early part to yesterday.
	if now >= start {
		return tr.onDay(day)
	}
	if now < end {
		return tr.onDay((day + 6) % 7)
	}
	return false
}

func (tr TimeRestriction) onDay(day time.Weekday) bool {
	if len(tr.Weekdays) == 0 {
		return true
	}
	name := strings.ToLower(day.String()[:3])
	for _, d := range tr.Weekdays {
		if strings.ToLower(strings.TrimSpace(d)) == name {
			return true
		}
	}
	return false
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Route is a rule compiled for one check, matched against the check's failure condition.
type Route struct {
	ID             string `json:"id"`
	RuleID         string `json:"rule_id"`
	CheckID        string `json:"check_id"`
	ConditionsList string `json:"conditions_list,omitempty"` // empty is the wildcard
	Alertable      bool   `json:"alertable"`
}

// RouteID derives the id of the route linking a rule to a check.
func RouteID(ruleID, checkID string) string {
	return "route-" + ruleID + "-" + checkID
}

// CompileRoute builds the route for rule on check.
func CompileRoute(rule *Rule, checkID string) *Route {
	return &Route{
		ID:             RouteID(rule.ID, checkID),
		RuleID:         rule.ID,
		CheckID:        checkID,
		ConditionsList: ConditionsList(rule.Conditions),
	}
}

// Global reports whether the rule applies to every check.
func (r *Rule) Global() bool {
	return len(r.Tags) == 0
}

// Matches reports whether the route fires on condition.
func (r *Route) Matches(condition string) bool {
	return conditionsListMatches(r.ConditionsList, condition)
}

// ConditionsList serialises a condition set as a sorted, comma-joined list.
func ConditionsList(conditions []string) string {
	seen := make(map[string]bool, len(conditions))
	var out []string
	for _, c := range conditions {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func conditionsListMatches(list, condition string) bool {
	if list == "" {
		return true
	}
	for _, c := range strings.Split(list, ",") {
		if c == condition {
			return true
		}
	}
	return false
}

// Blackhole removes media from the alerting set.
type Blackhole struct {
	ID             string   `json:"id"`
	ContactID      string   `json:"contact_id"`
	ConditionsList string   `json:"conditions_list,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	MediumIDs      []string `json:"medium_ids,omitempty"` // empty means every medium of the contact
}

// Matches reports whether the blackhole suppresses medium for a check carrying checkTags
// at the given severity.
func (b *Blackhole) Matches(medium *Medium, checkTags []string, severity string) bool {
	if medium.ContactID != b.ContactID {
		return false
	}
	if len(b.MediumIDs) > 0 && !containsString(b.MediumIDs, medium.ID) {
		return false
	}
	if !conditionsListMatches(b.ConditionsList, severity) {
		return false
	}
	return SubsetOf(b.Tags, checkTags)
}

// MaintenanceKind distinguishes the two maintenance window types.
type MaintenanceKind string

// Maintenance kinds.
const (
	ScheduledMaintenance   MaintenanceKind = "scheduled_maintenance"
	UnscheduledMaintenance MaintenanceKind = "unscheduled_maintenance"
)

// Maintenance is a [StartTime, EndTime) window attached to a check.
type Maintenance struct {
	ID        string          `json:"id"`
	CheckID   string          `json:"check_id"`
	Kind      MaintenanceKind `json:"kind"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Summary   string          `json:"summary,omitempty"`
}

// Covers reports whether t falls inside the window.
func (m *Maintenance) Covers(t time.Time) bool {
	return !t.Before(m.StartTime) && t.Before(m.EndTime)
}

// Validate checks the window before it is persisted.
func (m *Maintenance) Validate() error {
	if m.ID == "" || m.CheckID == "" {
		return fmt.Errorf("%w: maintenance requires id and check", ErrValidation)
	}
	if !m.EndTime.After(m.StartTime) {
		return fmt.Errorf("%w: maintenance %s ends before it starts", ErrValidation, m.ID)
	}
	return nil
}

// SubsetOf reports whether every element of sub is in set.
func SubsetOf(sub, set []string) bool {
	for _, s := range sub {
		if !containsString(set, s) {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
