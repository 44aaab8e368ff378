// Package capture defines the contracts the engine holds against the
// screen-capture/encoder runtime and the frontmost-application query.
package capture

// RecordingSession describes one running video file.
type RecordingSession struct {
	// SessionID is the runtime's identifier for the video file, normally
	// the segment id it was started with.
	SessionID string
	// OutputPath is where the runtime writes the video file.
	OutputPath string
	// StartTimeNS is the runtime clock at the moment recording started,
	// on the same monotonic clock as VideoFrameTime.
	StartTimeNS uint64
}

// Runtime is the screen-capture/encoder runtime. All calls originate from
// the engine loop; implementations need not be safe for concurrent use.
type Runtime interface {
	// Initialize boots the encoder and compositor. May be called again
	// after ReinitializeForDisplayChange.
	Initialize() error

	// SetupCapture builds the active source list for the target apps.
	SetupCapture(targetApps []string) error

	// IsCaptureSetup reports whether SetupCapture has succeeded.
	IsCaptureSetup() bool

	// StartRecording starts a new video file for the segment.
	StartRecording(segmentID string) (*RecordingSession, error)

	// StopRecording ends the current video file and returns its session,
	// or nil when nothing was recording.
	StopRecording() (*RecordingSession, error)

	// PauseRecording stops the encoder from receiving frames.
	PauseRecording() error

	// ResumeRecording resumes a paused encoder stream.
	ResumeRecording() error

	// RecreateSources refreshes source settings in place against the
	// current primary display; recording continues. Returns the number of
	// sources refreshed.
	RecreateSources() (int, error)

	// FullyRecreateSources destroys and rebuilds the scene and all
	// sources against the current primary display.
	FullyRecreateSources() (int, error)

	// ReinitializeForDisplayChange tears down and reconstructs the whole
	// capture context. Recording must be stopped first.
	ReinitializeForDisplayChange() error

	// AnySourceActive reports whether any capture source is currently
	// producing frames.
	AnySourceActive() bool

	// VideoFrameTime returns the runtime's current monotonic nanoseconds,
	// the clock RecordingSession.StartTimeNS is taken from.
	VideoFrameTime() (uint64, error)
}

// AppInfo identifies a running application.
type AppInfo struct {
	// BundleID is the bundle identifier (macOS) or process name elsewhere.
	BundleID string
	Name     string
	PID      uint32
}

// FrontmostQuerier reports the focused application. The second return is
// false on hosts with no frontmost-app API; the gate then falls back to the
// capture_all switch.
type FrontmostQuerier interface {
	FrontmostApp() (AppInfo, bool)
}

// FrontmostQuerierFunc adapts a function to the FrontmostQuerier interface.
type FrontmostQuerierFunc func() (AppInfo, bool)

func (f FrontmostQuerierFunc) FrontmostApp() (AppInfo, bool) {
	return f()
}
