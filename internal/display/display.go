// Package display detects display hot-plug and classifies changes so the
// engine can distinguish safe auto-recovery from switches that need user
// confirmation.
package display

import (
	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("display")

// Provider enumerates the host's displays. Implementations are
// platform-specific; tests use fakes.
type Provider interface {
	// DisplayIDs returns the connected display ids, primary first.
	DisplayIDs() []uint32
	// DisplayUUID returns a stable identifier for a display, if the
	// platform exposes one.
	DisplayUUID(id uint32) (string, bool)
	// DisplayName returns a human-readable display name for notifications.
	DisplayName(id uint32) string
}

// EventKind classifies a detected change.
type EventKind int

const (
	// OriginalReturned means the display recording started on is back;
	// in-place source recovery is safe.
	OriginalReturned EventKind = iota
	// SwitchedToNew means a different display became primary; switching
	// needs user confirmation.
	SwitchedToNew
	// AllDisconnected means no display is connected.
	AllDisconnected
)

func (k EventKind) String() string {
	switch k {
	case OriginalReturned:
		return "original_returned"
	case SwitchedToNew:
		return "switched_to_new"
	case AllDisconnected:
		return "all_disconnected"
	default:
		return "unknown"
	}
}

// Event describes one classified display change.
type Event struct {
	Kind EventKind

	// OriginalReturned fields.
	DisplayID   uint32
	DisplayUUID string
	DisplayName string

	// SwitchedToNew fields.
	FromID   uint32
	FromName string
	ToID     uint32
	ToName   string
}

// Supervisor tracks display topology between poll ticks. Owned by the
// engine loop; stateless between ticks apart from the registry below.
type Supervisor struct {
	provider Provider

	lastIDs             []uint32
	wereAllDisconnected bool
	originalID          *uint32
	originalUUID        string
}

// NewSupervisor seeds the registry with the current topology.
func NewSupervisor(provider Provider) *Supervisor {
	ids := provider.DisplayIDs()
	log.Debug("display supervisor initialized", "displays", ids)
	return &Supervisor{
		provider: provider,
		lastIDs:  ids,
	}
}

// SetOriginal remembers the display recording started on. Its return after a
// disconnection permits auto-recovery.
func (s *Supervisor) SetOriginal(id uint32, uuid string) {
	log.Info("original display set", "displayId", id, "uuid", uuid)
	s.originalID = &id
	s.originalUUID = uuid
}

// MarkOriginalFromCurrent sets the original display to the current primary.
// Returns false when no display is connected.
func (s *Supervisor) MarkOriginalFromCurrent() (uint32, bool) {
	if len(s.lastIDs) == 0 {
		return 0, false
	}
	id := s.lastIDs[0]
	uuid, _ := s.provider.DisplayUUID(id)
	s.SetOriginal(id, uuid)
	return id, true
}

// MarkOriginal sets the original display to a specific id, looking up its
// stable identifier from the provider.
func (s *Supervisor) MarkOriginal(id uint32) {
	uuid, _ := s.provider.DisplayUUID(id)
	s.SetOriginal(id, uuid)
}

// ClearOriginal forgets the original display when recording stops.
func (s *Supervisor) ClearOriginal() {
	s.originalID = nil
	s.originalUUID = ""
}

// CurrentIDs returns the last observed display ids.
func (s *Supervisor) CurrentIDs() []uint32 {
	return s.lastIDs
}

// Check samples the topology and returns the classified change, or nil when
// nothing changed.
func (s *Supervisor) Check() *Event {
	current := s.provider.DisplayIDs()

	if equalIDs(current, s.lastIDs) {
		return nil
	}

	old := s.lastIDs
	s.lastIDs = current

	if len(current) == 0 {
		if !s.wereAllDisconnected {
			log.Info("all displays disconnected")
			s.wereAllDisconnected = true
		}
		return &Event{Kind: AllDisconnected}
	}

	reconnected := s.wereAllDisconnected
	s.wereAllDisconnected = false

	if orig := s.originalID; orig != nil {
		returned := containsID(current, *orig) &&
			(reconnected || !containsID(old, *orig))
		if returned {
			log.Info("original display returned", "displayId", *orig)
			return &Event{
				Kind:        OriginalReturned,
				DisplayID:   *orig,
				DisplayUUID: s.originalUUID,
				DisplayName: s.provider.DisplayName(*orig),
			}
		}
	}

	fromID := firstID(old)
	toID := firstID(current)
	log.Info("display topology changed", "from", old, "to", current)
	return &Event{
		Kind:     SwitchedToNew,
		FromID:   fromID,
		FromName: s.provider.DisplayName(fromID),
		ToID:     toID,
		ToName:   s.provider.DisplayName(toID),
	}
}

func equalIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func firstID(ids []uint32) uint32 {
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}
