package event

// Buffer is an append-only in-memory list of input events. It is owned by
// the engine loop: single producer, single consumer, no locking.
type Buffer struct {
	events []InputEvent
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends an event. Called only while the capture gate is open.
func (b *Buffer) Push(e InputEvent) {
	b.events = append(b.events, e)
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	return len(b.events)
}

// Empty reports whether the buffer holds no events.
func (b *Buffer) Empty() bool {
	return len(b.events) == 0
}

// Drain returns the buffered events and resets the buffer.
func (b *Buffer) Drain() []InputEvent {
	events := b.events
	b.events = nil
	return events
}

// Clear discards any buffered events.
func (b *Buffer) Clear() {
	b.events = nil
}
