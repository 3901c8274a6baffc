// Package notify delivers drift alert events to outbound sinks. Delivery is
// fire-and-forget: sink failures are logged and counted, never returned to
// the code that raised the event.
package notify

import (
	"context"
	"time"
)

// CategoryConfigDrift tags configuration drift events.
const CategoryConfigDrift = "config_drift"

// Severity levels.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is one alert notification.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Category is the metric or category tag, e.g. config_drift.
	Category string `json:"category"`

	// Server is the display name of the affected host.
	Server string `json:"server"`

	ServerID string `json:"server_id"`
	PackName string `json:"pack_name"`

	// Severity is info, warning or error.
	Severity string `json:"severity"`

	// Value is the current value of the watched quantity, here the mismatch count.
	Value int `json:"value"`

	// Resolved is true when the event clears a previously raised alert.
	Resolved bool `json:"resolved"`

	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

// Sink receives events.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Notify delivers one event.
	Notify(ctx context.Context, event Event) error
}

// Filter decides whether an event reaches a sink.
type Filter func(event Event) bool

// FilterByCategory passes only events of the given categories.
func FilterByCategory(categories ...string) Filter {
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return func(event Event) bool {
		return set[event.Category]
	}
}

// FilterBySeverity passes events at or above minSeverity. Resolved events always pass.
func FilterBySeverity(minSeverity string) Filter {
	levels := map[string]int{
		SeverityInfo:    0,
		SeverityWarning: 1,
		SeverityError:   2,
	}
	minLevel := levels[minSeverity]

	return func(event Event) bool {
		return event.Resolved || levels[event.Severity] >= minLevel
	}
}
