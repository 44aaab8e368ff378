package event

import (
	"bytes"
	"testing"
)

func TestMarshalRoundTrip(t *testing.T) {
	events := []InputEvent{
		KeyPress(0, 64, "KeyA"),
		KeyRelease(1200, 64, "KeyA"),
		MousePress(5000, ButtonLeft, 100.5, 200.25),
		MouseRelease(5100, ButtonLeft, 100.5, 200.25),
		MouseMove(6000, 1, -2),
		MouseScroll(7000, 0, -3, 50, 60),
	}

	data, err := Marshal(events)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if len(decoded) != len(events) {
		t.Fatalf("decoded %d events, want %d", len(decoded), len(events))
	}
	for i, e := range decoded {
		if e.Kind != events[i].Kind || e.TimestampUS != events[i].TimestampUS {
			t.Errorf("event %d = %+v, want %+v", i, e, events[i])
		}
	}
	if decoded[0].Key == nil || decoded[0].Key.Name != "KeyA" {
		t.Errorf("key payload lost: %+v", decoded[0])
	}
	if decoded[4].MouseMove == nil || decoded[4].MouseMove.DY != -2 {
		t.Errorf("move payload lost: %+v", decoded[4])
	}
	if decoded[5].MouseScroll == nil || decoded[5].MouseScroll.DY != -3 {
		t.Errorf("scroll payload lost: %+v", decoded[5])
	}

	// Re-encoding the decoded list must reproduce the bytes.
	again, err := Marshal(decoded)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("round-trip is not bytewise stable")
	}
}

func TestMarshalEmptyList(t *testing.T) {
	data, err := Marshal([]InputEvent{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("decoded %d events from empty list", len(decoded))
	}
}

func TestSortByTimestampIsStable(t *testing.T) {
	events := []InputEvent{
		KeyPress(100, 1, "a"),
		KeyPress(50, 2, "b"),
		KeyPress(100, 3, "c"),
		KeyPress(0, 4, "d"),
	}

	SortByTimestamp(events)

	wantOrder := []uint32{4, 2, 1, 3}
	for i, code := range wantOrder {
		if events[i].Key.Code != code {
			t.Fatalf("position %d has code %d, want %d", i, events[i].Key.Code, code)
		}
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer()
	if !b.Empty() {
		t.Fatal("new buffer should be empty")
	}

	for i := 0; i < 5; i++ {
		b.Push(MouseMove(uint64(i*1000), 1, 0))
	}
	if b.Len() != 5 {
		t.Fatalf("Len = %d, want 5", b.Len())
	}

	drained := b.Drain()
	if len(drained) != 5 {
		t.Fatalf("drained %d events, want 5", len(drained))
	}
	if b.Len() != 0 {
		t.Fatal("buffer should be empty after drain")
	}

	b.Push(KeyPress(1, 1, "a"))
	b.Clear()
	if !b.Empty() {
		t.Fatal("buffer should be empty after clear")
	}
}
