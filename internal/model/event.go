package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent marks an event payload that can never be processed.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a monitoring event as pushed onto the events queue.
type Event struct {
	ID                  string `json:"id"`
	State               string `json:"state"`
	Summary             string `json:"summary,omitempty"`
	Details             string `json:"details,omitempty"`
	Perfdata            string `json:"perfdata,omitempty"`
	Duration            *int64 `json:"duration,omitempty"`
	InitialFailureDelay *int64 `json:"initial_failure_delay,omitempty"`
	RepeatFailureDelay  *int64 `json:"repeat_failure_delay,omitempty"`
}

// ParseEvent decodes and validates a raw event payload. The returned error wraps
// ErrInvalidEvent for anything that is not a well-formed event; whether State names a
// known condition is decided by the processor.
func ParseEvent(raw []byte) (*Event, error) {
	var event Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	var problems []string
	if strings.TrimSpace(e.ID) == "" {
		problems = append(problems, "id must be a non-empty string")
	}
	if strings.TrimSpace(e.State) == "" {
		problems = append(problems, "state must be a non-empty string")
	}
	if e.Duration != nil && *e.Duration < 0 {
		problems = append(problems, "duration must be a non-negative integer")
	}
	if e.InitialFailureDelay != nil && *e.InitialFailureDelay < 0 {
		problems = append(problems, "initial_failure_delay must be a non-negative integer")
	}
	if e.RepeatFailureDelay != nil && *e.RepeatFailureDelay < 0 {
		problems = append(problems, "repeat_failure_delay must be a non-negative integer")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, ", "))
	}
	return nil
}

// ResolveCondition classifies the event state. Actions resolve to (nil, nil); known
// conditions resolve to the condition; anything else is an invalid event.
func (e *Event) ResolveCondition() (*Condition, error) {
	if IsAction(e.State) {
		return nil, nil
	}
	cond, ok := ConditionFor(e.State)
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidEvent, e.State)
	}
	return &cond, nil
}
