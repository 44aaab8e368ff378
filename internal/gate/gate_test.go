package gate

import "testing"

func recording(g *Gate) {
	g.OnRecordingState(true, false)
	g.OnSourceActiveChange(true)
}

func TestClosedUntilRecording(t *testing.T) {
	g := New(true, nil)
	if g.IsOpen() {
		t.Fatal("gate open before recording started")
	}

	recording(g)
	if !g.IsOpen() {
		t.Fatal("gate closed while recording with capture_all")
	}
}

func TestPausedCloses(t *testing.T) {
	g := New(true, nil)
	recording(g)

	g.OnRecordingState(true, true)
	if g.IsOpen() {
		t.Fatal("gate open while paused")
	}

	g.OnRecordingState(true, false)
	if !g.IsOpen() {
		t.Fatal("gate closed after resume")
	}
}

func TestSourceInactiveCloses(t *testing.T) {
	g := New(true, nil)
	recording(g)

	g.OnSourceActiveChange(false)
	if g.IsOpen() {
		t.Fatal("gate open with no active source")
	}
}

func TestAppAllowedDecisionTable(t *testing.T) {
	cases := []struct {
		name       string
		captureAll bool
		targets    []string
		app        string
		known      bool
		want       bool
	}{
		{"capture all", true, nil, "com.example.b", true, true},
		{"unknown app falls to capture_all true", true, []string{"com.example.a"}, "", false, true},
		{"unknown app falls to capture_all false", false, []string{"com.example.a"}, "", false, false},
		{"listed app", false, []string{"com.example.a"}, "com.example.a", true, true},
		{"unlisted app", false, []string{"com.example.a"}, "com.example.b", true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(tc.captureAll, tc.targets)
			recording(g)
			g.OnFrontmostChange(tc.app, tc.known)
			if got := g.IsOpen(); got != tc.want {
				t.Errorf("IsOpen = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOverrideReplacesAppDecision(t *testing.T) {
	g := New(false, nil)
	recording(g)
	g.OnFrontmostChange("", false)

	if g.IsOpen() {
		t.Fatal("gate should be closed with no targets")
	}

	g.SetOverride(true)
	if !g.IsOpen() {
		t.Fatal("override true should open the gate")
	}

	// Recording state still applies under override.
	g.OnRecordingState(false, false)
	if g.IsOpen() {
		t.Fatal("override must not bypass recording state")
	}

	g.OnRecordingState(true, false)
	g.SetOverride(false)
	if g.IsOpen() {
		t.Fatal("override false should close the gate")
	}
}

func TestSuspendForcesClosed(t *testing.T) {
	g := New(true, nil)
	recording(g)

	g.Suspend()
	if g.IsOpen() {
		t.Fatal("suspended gate must be closed")
	}

	g.Resume()
	if !g.IsOpen() {
		t.Fatal("gate should reopen to prior state after resume")
	}
}
