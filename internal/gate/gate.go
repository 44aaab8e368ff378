// Package gate computes the should-capture predicate that admits input
// events into the event buffer.
package gate

// Snapshot is the state the predicate is evaluated over.
type Snapshot struct {
	RecordingActive bool
	Paused          bool
	SourceActive    bool
	// FocusedApp is the frontmost application bundle id; FocusedKnown is
	// false on hosts without a frontmost-app API.
	FocusedApp   string
	FocusedKnown bool
}

// Gate gates input buffering on recording state and the focused-application
// allow list. It is owned by the engine loop and is not safe for concurrent
// use.
type Gate struct {
	captureAll bool
	targetApps map[string]struct{}

	snap      Snapshot
	override  *bool
	suspended bool
}

// New creates a gate with the session's immutable capture policy.
func New(captureAll bool, targetApps []string) *Gate {
	apps := make(map[string]struct{}, len(targetApps))
	for _, app := range targetApps {
		apps[app] = struct{}{}
	}
	return &Gate{
		captureAll: captureAll,
		targetApps: apps,
	}
}

// OnFrontmostChange records the focused application. known is false when the
// host cannot detect the frontmost app.
func (g *Gate) OnFrontmostChange(bundleID string, known bool) {
	g.snap.FocusedApp = bundleID
	g.snap.FocusedKnown = known
}

// OnRecordingState records recording active/paused transitions.
func (g *Gate) OnRecordingState(active, paused bool) {
	g.snap.RecordingActive = active
	g.snap.Paused = paused
}

// OnSourceActiveChange records whether any capture source is active.
func (g *Gate) OnSourceActiveChange(anyActive bool) {
	g.snap.SourceActive = anyActive
}

// SetOverride replaces the focused-app decision with a fixed value, for
// platforms without frontmost-app introspection. Recording and pause state
// still apply.
func (g *Gate) SetOverride(enabled bool) {
	v := enabled
	g.override = &v
}

// Suspend force-closes the gate regardless of state, for the segment
// rotation window. Resume restores predicate-driven evaluation.
func (g *Gate) Suspend() {
	g.suspended = true
}

// Resume lifts a Suspend.
func (g *Gate) Resume() {
	g.suspended = false
}

// Snapshot returns the current evaluation inputs.
func (g *Gate) Snapshot() Snapshot {
	return g.snap
}

// IsOpen evaluates the should-capture predicate:
// recording ∧ ¬paused ∧ source-active ∧ app-allowed.
func (g *Gate) IsOpen() bool {
	if g.suspended {
		return false
	}
	if !g.snap.RecordingActive || g.snap.Paused || !g.snap.SourceActive {
		return false
	}
	return g.appAllowed()
}

func (g *Gate) appAllowed() bool {
	if g.override != nil {
		return *g.override
	}
	if g.captureAll {
		return true
	}
	if !g.snap.FocusedKnown {
		// No frontmost-app API on this host; capture_all already said no.
		return false
	}
	_, ok := g.targetApps[g.snap.FocusedApp]
	return ok
}
