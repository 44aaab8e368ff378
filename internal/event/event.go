// Package event defines the input event timeline model and its on-disk
// MessagePack encoding shared by the segment writer and the uploader.
package event

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates the event payload.
type Kind string

const (
	KindKeyPress     Kind = "key_press"
	KindKeyRelease   Kind = "key_release"
	KindMousePress   Kind = "mouse_press"
	KindMouseRelease Kind = "mouse_release"
	KindMouseMove    Kind = "mouse_move"
	KindMouseScroll  Kind = "mouse_scroll"
)

// MouseButton identifies a mouse button. Values 0-2 are the named buttons;
// any other value is the raw platform button code.
type MouseButton uint8

const (
	ButtonLeft   MouseButton = 0
	ButtonRight  MouseButton = 1
	ButtonMiddle MouseButton = 2
)

// KeyEvent carries an opaque platform key code and its stable symbolic name.
// Unknown keys use code+1000 and the name "Unknown(<code>)".
type KeyEvent struct {
	Code uint32 `msgpack:"code" json:"code"`
	Name string `msgpack:"name" json:"name"`
}

// MouseButtonEvent records a button transition at a screen position.
type MouseButtonEvent struct {
	Button MouseButton `msgpack:"button" json:"button"`
	X      float64     `msgpack:"x" json:"x"`
	Y      float64     `msgpack:"y" json:"y"`
}

// MouseMoveEvent records a relative pointer motion.
type MouseMoveEvent struct {
	DX float64 `msgpack:"dx" json:"dx"`
	DY float64 `msgpack:"dy" json:"dy"`
}

// MouseScrollEvent records a scroll step and the pointer position at the time.
type MouseScrollEvent struct {
	DX int64   `msgpack:"dx" json:"dx"`
	DY int64   `msgpack:"dy" json:"dy"`
	X  float64 `msgpack:"x" json:"x"`
	Y  float64 `msgpack:"y" json:"y"`
}

// InputEvent is one timestamped input sample. TimestampUS is microseconds
// from the owning segment's recording start, never wall clock. Exactly one
// payload field matching Kind is non-nil.
type InputEvent struct {
	TimestampUS uint64            `msgpack:"timestamp_us" json:"timestamp_us"`
	Kind        Kind              `msgpack:"kind" json:"kind"`
	Key         *KeyEvent         `msgpack:"key,omitempty" json:"key,omitempty"`
	MouseButton *MouseButtonEvent `msgpack:"mouse_button,omitempty" json:"mouse_button,omitempty"`
	MouseMove   *MouseMoveEvent   `msgpack:"mouse_move,omitempty" json:"mouse_move,omitempty"`
	MouseScroll *MouseScrollEvent `msgpack:"mouse_scroll,omitempty" json:"mouse_scroll,omitempty"`
}

// IsKeyboard reports whether the event is a key press or release.
func (e *InputEvent) IsKeyboard() bool {
	return e.Kind == KindKeyPress || e.Kind == KindKeyRelease
}

// IsMouseClick reports whether the event is a button press or release.
func (e *InputEvent) IsMouseClick() bool {
	return e.Kind == KindMousePress || e.Kind == KindMouseRelease
}

func KeyPress(ts uint64, code uint32, name string) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindKeyPress, Key: &KeyEvent{Code: code, Name: name}}
}

func KeyRelease(ts uint64, code uint32, name string) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindKeyRelease, Key: &KeyEvent{Code: code, Name: name}}
}

func MousePress(ts uint64, btn MouseButton, x, y float64) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindMousePress, MouseButton: &MouseButtonEvent{Button: btn, X: x, Y: y}}
}

func MouseRelease(ts uint64, btn MouseButton, x, y float64) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindMouseRelease, MouseButton: &MouseButtonEvent{Button: btn, X: x, Y: y}}
}

func MouseMove(ts uint64, dx, dy float64) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindMouseMove, MouseMove: &MouseMoveEvent{DX: dx, DY: dy}}
}

func MouseScroll(ts uint64, dx, dy int64, x, y float64) InputEvent {
	return InputEvent{TimestampUS: ts, Kind: KindMouseScroll, MouseScroll: &MouseScrollEvent{DX: dx, DY: dy, X: x, Y: y}}
}

// Marshal encodes a batch of events as the on-disk MessagePack list.
func Marshal(events []InputEvent) ([]byte, error) {
	data, err := msgpack.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %d events: %w", len(events), err)
	}
	return data, nil
}

// Unmarshal decodes an on-disk MessagePack event list.
func Unmarshal(data []byte) ([]InputEvent, error) {
	var events []InputEvent
	if err := msgpack.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("event: unmarshal event list: %w", err)
	}
	return events, nil
}

// SortByTimestamp stable-sorts events by TimestampUS. Spill order already
// implies timestamp order, but cross-thread channel delivery may reorder at
// the boundary.
func SortByTimestamp(events []InputEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimestampUS < events[j].TimestampUS
	})
}
