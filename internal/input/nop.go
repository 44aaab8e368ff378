package input

import (
	"sync"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/event"
)

// NopBackend is the fallback when no platform input hook is wired: it
// starts, keeps a timestamp clock, and delivers nothing.
type NopBackend struct {
	mu    sync.Mutex
	start time.Time
}

func (b *NopBackend) Start(sink chan<- event.InputEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = time.Now()
	return nil
}

func (b *NopBackend) CurrentTimestamp() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.start.IsZero() {
		return 0, false
	}
	return uint64(time.Since(b.start).Microseconds()), true
}
