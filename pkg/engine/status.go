package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall outcome of an apply or remove run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every item succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some items failed and some succeeded.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates every item failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusAborted indicates the host was unreachable and nothing was attempted.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// RunStatusFor derives the run status from item counts.
func RunStatusFor(total, failed int) RunStatus {
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case failed == total:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// DriftStatus represents the compliance state of a pack on a server.
type DriftStatus string

const (
	// DriftStatusInSync indicates the server matches the pack.
	DriftStatusInSync DriftStatus = "in_sync"

	// DriftStatusDrifted indicates at least one item deviates.
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusUnknown indicates the check could not complete.
	DriftStatusUnknown DriftStatus = "unknown"
)

// DriftStatusOf maps a compliance verdict to a drift status.
func DriftStatusOf(compliant bool) DriftStatus {
	if compliant {
		return DriftStatusInSync
	}
	return DriftStatusDrifted
}

// Validate checks if the drift status is valid.
func (s DriftStatus) Validate() error {
	switch s {
	case DriftStatusInSync, DriftStatusDrifted, DriftStatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid drift status: %s", s)
	}
}

// Transition is what a compliance observation did to the alert for its key.
type Transition string

const (
	// TransitionNone means no alert change.
	TransitionNone Transition = "none"

	// TransitionOpened means a new alert was raised.
	TransitionOpened Transition = "opened"

	// TransitionRefreshed means an open alert was updated in place.
	TransitionRefreshed Transition = "refreshed"

	// TransitionResolved means an open alert was closed.
	TransitionResolved Transition = "resolved"
)

// Notifies reports whether the transition is announced to notification sinks.
func (t Transition) Notifies() bool {
	return t == TransitionOpened || t == TransitionResolved
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DriftStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DriftStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DriftStatus(str)
	return s.Validate()
}
