// Package input defines the contract with the OS-specific input hook.
package input

import (
	"github.com/breeze-rmm/capture-agent/internal/event"
)

// Backend is an OS input hook delivering keyboard and mouse events. The
// engine owns the sink channel; the backend may use its own OS thread to
// feed it.
type Backend interface {
	// Start begins delivering events to sink. Event timestamps are
	// microseconds from backend start, not synchronized with the capture
	// clock; the engine rebases them on admission.
	Start(sink chan<- event.InputEvent) error

	// CurrentTimestamp returns monotonic microseconds since the backend
	// started, or false before Start.
	CurrentTimestamp() (uint64, bool)
}
