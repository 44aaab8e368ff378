// Package engine owns the synchronization state machine: it rotates the
// running capture into fixed-duration segments, keeps input timestamps
// anchored to the capture clock, gates buffering on recording state and the
// focused application, and feeds the background upload worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/capture-agent/internal/capture"
	"github.com/breeze-rmm/capture-agent/internal/config"
	"github.com/breeze-rmm/capture-agent/internal/display"
	"github.com/breeze-rmm/capture-agent/internal/event"
	"github.com/breeze-rmm/capture-agent/internal/gate"
	"github.com/breeze-rmm/capture-agent/internal/health"
	"github.com/breeze-rmm/capture-agent/internal/input"
	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/notify"
	"github.com/breeze-rmm/capture-agent/internal/segment"
	"github.com/breeze-rmm/capture-agent/internal/upload"
)

var log = logging.L("engine")

// spillThreshold is the buffered-event high-water mark that triggers a
// partial spill to disk.
const spillThreshold = 10000

const (
	commandQueueSize = 32
	inputQueueSize   = 4096
)

// ErrRotationStartFailed marks the terminal rotation failure: the outgoing
// segment was delivered but no new segment could be started.
var ErrRotationStartFailed = errors.New("engine: failed to start next segment")

// Options wires the engine's collaborators. Runtime, Backend, Displays and
// Config are required; the rest default to inert implementations.
type Options struct {
	Config    *config.Config
	Runtime   capture.Runtime
	Backend   input.Backend
	Frontmost capture.FrontmostQuerier
	Displays  display.Provider
	Notifier  notify.Notifier
	Worker    *upload.Worker
	Health    *health.Monitor
}

// Engine is the single-threaded orchestrator. All session state is owned by
// the Run loop; external callers talk to it through Send, Inject and the
// status broadcaster.
type Engine struct {
	cfg       *config.Config
	runtime   capture.Runtime
	backend   input.Backend
	frontmost capture.FrontmostQuerier
	displays  *display.Supervisor
	notifier  notify.Notifier
	worker    *upload.Worker
	monitor   *health.Monitor

	writer *segment.Writer
	gate   *gate.Gate
	buffer *event.Buffer
	status *Broadcaster

	cmds    chan Command
	actions chan notify.Action

	spillThreshold int

	// Session state, touched only from the Run loop.
	sessionID        string
	segmentIndex     uint32
	current          *capture.RecordingSession
	recordingStartNS uint64
	paused           bool
	lastFrontmost    string

	rotTicker *time.Ticker
	rotC      <-chan time.Time
}

// New validates the options and prepares the output directory.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Runtime == nil || opts.Backend == nil || opts.Displays == nil {
		return nil, fmt.Errorf("engine: config, runtime, backend and displays are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}

	writer, err := segment.NewWriter(opts.Config.Recording.OutputDirectory)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:            opts.Config,
		runtime:        opts.Runtime,
		backend:        opts.Backend,
		frontmost:      opts.Frontmost,
		displays:       display.NewSupervisor(opts.Displays),
		notifier:       opts.Notifier,
		worker:         opts.Worker,
		monitor:        opts.Health,
		writer:         writer,
		gate:           gate.New(opts.Config.Capture.CaptureAll, opts.Config.Capture.TargetApps),
		buffer:         event.NewBuffer(),
		status:         NewBroadcaster(),
		cmds:           make(chan Command, commandQueueSize),
		actions:        make(chan notify.Action, 16),
		spillThreshold: spillThreshold,
	}, nil
}

// Send submits a command without blocking. Returns false when the command
// queue is full; UI senders drop rather than stall.
func (e *Engine) Send(cmd Command) bool {
	select {
	case e.cmds <- cmd:
		return true
	default:
		log.Warn("command queue full, dropping command", "command", cmd.Kind.String())
		return false
	}
}

// Inject delivers a notification action into the engine loop.
func (e *Engine) Inject(action notify.Action) {
	select {
	case e.actions <- action:
	default:
		log.Warn("notification action queue full, dropping action")
	}
}

// Subscribe returns a status stream for the tray and logs.
func (e *Engine) Subscribe() <-chan Status {
	return e.status.Subscribe()
}

// Unsubscribe releases a status stream obtained from Subscribe.
func (e *Engine) Unsubscribe(ch <-chan Status) {
	e.status.Unsubscribe(ch)
}

// LastStatus returns the most recently broadcast status.
func (e *Engine) LastStatus() (Status, bool) {
	return e.status.Last()
}

// Health returns the engine's health monitor.
func (e *Engine) Health() *health.Monitor {
	return e.monitor
}

// Run drives the engine until Shutdown or context cancellation. A Shutdown
// always reaches the point of stopping the capture runtime.
func (e *Engine) Run(ctx context.Context) error {
	log.Info("sync engine starting")

	inputCh := make(chan event.InputEvent, inputQueueSize)
	if err := e.backend.Start(inputCh); err != nil {
		e.monitor.Update("input", health.Unhealthy, err.Error())
		return fmt.Errorf("engine: start input backend: %w", err)
	}
	e.monitor.Update("input", health.Healthy, "")

	pollTicker := time.NewTicker(time.Duration(e.cfg.Capture.PollIntervalMS) * time.Millisecond)
	defer pollTicker.Stop()
	defer e.stopRotationTimer()

	e.status.Publish(Status{Kind: StatusIdle})

	if e.cfg.Recording.AutostartOnLaunch {
		log.Info("autostart recording on launch")
		if err := e.startRecording(); err != nil {
			log.Error("autostart recording failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("context cancelled, stopping")
			e.shutdown()
			return nil

		case cmd := <-e.cmds:
			// Input queued ahead of the command is admitted first, so a
			// stop never cuts off events delivered before it.
		drain:
			for {
				select {
				case ev := <-inputCh:
					e.handleInput(ev)
				default:
					break drain
				}
			}
			if done := e.handleCommand(cmd); done {
				return nil
			}

		case action := <-e.actions:
			e.handleAction(action)

		case ev := <-inputCh:
			e.handleInput(ev)

		case <-pollTicker.C:
			e.handlePollTick()

		case <-e.rotC:
			if e.current == nil {
				break
			}
			log.Info("segment duration reached, rotating")
			if err := e.rotateSegment(); err != nil {
				log.Error("segment rotation failed", "error", err)
			}
		}
	}
}

// handleCommand returns true when the loop must terminate.
func (e *Engine) handleCommand(cmd Command) bool {
	log.Debug("command received", "command", cmd.Kind.String())

	switch cmd.Kind {
	case CmdStartRecording:
		if err := e.startRecording(); err != nil {
			log.Error("start recording failed", "error", err)
		}

	case CmdStopRecording:
		if err := e.stopRecording(); err != nil {
			log.Error("stop recording failed", "error", err)
		}

	case CmdPauseRecording:
		e.pauseRecording()

	case CmdResumeRecording:
		e.resumeRecording()

	case CmdSetCaptureEnabled:
		log.Info("manual capture override", "enabled", cmd.Enabled)
		e.gate.SetOverride(cmd.Enabled)

	case CmdSwitchToDisplay:
		e.switchToDisplay(cmd.DisplayID)

	case CmdRefreshSources:
		e.refreshSources()

	case CmdShutdown:
		log.Info("shutdown command received")
		e.shutdown()
		return true
	}
	return false
}

func (e *Engine) handleAction(action notify.Action) {
	switch action.Kind {
	case notify.ActionSwitchToDisplay:
		log.Info("notification action: switch display", "displayId", action.DisplayID)
		e.switchToDisplay(action.DisplayID)
	case notify.ActionDismissed:
		log.Debug("display change notification dismissed")
	}
}

// handleInput admits one raw input event: the gate decides, the capture
// clock rebases the timestamp, the buffer stores, the spill bounds memory.
func (e *Engine) handleInput(ev event.InputEvent) {
	if !e.gate.IsOpen() {
		return
	}
	if !e.kindEnabled(ev) {
		return
	}

	nowNS, err := e.runtime.VideoFrameTime()
	if err != nil {
		e.runtimeLost(fmt.Errorf("engine: video frame time: %w", err))
		return
	}

	var elapsedUS uint64
	if nowNS > e.recordingStartNS {
		elapsedUS = (nowNS - e.recordingStartNS) / 1000
	}
	ev.TimestampUS = elapsedUS
	e.buffer.Push(ev)

	if e.buffer.Len() >= e.spillThreshold {
		e.flushPartial()
	}
}

func (e *Engine) kindEnabled(ev event.InputEvent) bool {
	switch {
	case ev.IsKeyboard():
		return e.cfg.Input.CaptureKeyboard
	case ev.Kind == event.KindMouseMove:
		return e.cfg.Input.CaptureMouseMove
	case ev.IsMouseClick():
		return e.cfg.Input.CaptureMouseClick
	case ev.Kind == event.KindMouseScroll:
		return e.cfg.Input.CaptureMouseScroll
	default:
		return true
	}
}

// flushPartial drains the buffer to a partial file mid-segment.
func (e *Engine) flushPartial() {
	segID := e.currentSegmentID()
	if _, err := e.writer.WritePartial(segID, e.buffer.Drain(), time.Now().UnixMilli()); err != nil {
		log.Error("partial spill failed", "segmentId", segID, "error", err)
	}
}

func (e *Engine) handlePollTick() {
	e.pollFrontmost()
	e.gate.OnSourceActiveChange(e.runtime.AnySourceActive())
	e.checkDisplayChanges()
	e.publishCaptureStatus()
}

func (e *Engine) pollFrontmost() {
	if e.frontmost == nil {
		e.gate.OnFrontmostChange("", false)
		return
	}

	app, ok := e.frontmost.FrontmostApp()
	if !ok {
		// Host cannot detect the frontmost app; fall through to the
		// capture_all switch without surfacing an error.
		e.gate.OnFrontmostChange("", false)
		return
	}

	if app.BundleID != e.lastFrontmost {
		log.Debug("frontmost app changed", "bundleId", app.BundleID)
		e.lastFrontmost = app.BundleID
	}
	e.gate.OnFrontmostChange(app.BundleID, true)
}

func (e *Engine) checkDisplayChanges() {
	ev := e.displays.Check()
	if ev == nil {
		return
	}

	switch ev.Kind {
	case display.OriginalReturned:
		log.Info("original display returned, recovering capture",
			"displayId", ev.DisplayID, "name", ev.DisplayName)
		count, err := e.runtime.RecreateSources()
		if err != nil {
			// In-place refresh failed; escalate to a full scene rebuild
			// before giving up.
			log.Warn("in-place source recovery failed, rebuilding scene", "error", err)
			count, err = e.runtime.FullyRecreateSources()
			if err != nil {
				log.Error("capture source recovery failed", "error", err)
				e.monitor.Update("capture", health.Degraded, "source recovery failed")
				return
			}
		}
		log.Info("capture sources recovered", "sources", count)
		e.monitor.Update("capture", health.Healthy, "")
		e.notifier.ShowCaptureResumed(ev.DisplayName)

	case display.SwitchedToNew:
		log.Info("display changed, waiting for user decision",
			"from", ev.FromName, "to", ev.ToName, "toId", ev.ToID)
		e.notifier.ShowDisplayChange(ev.FromName, ev.ToName, ev.ToID)

	case display.AllDisconnected:
		log.Info("all displays disconnected, waiting for reconnection")
	}
}

func (e *Engine) switchToDisplay(displayID uint32) {
	e.displays.MarkOriginal(displayID)
	count, err := e.runtime.RecreateSources()
	if err != nil {
		log.Error("switch to display failed", "displayId", displayID, "error", err)
		e.monitor.Update("capture", health.Degraded, "display switch failed")
		return
	}
	log.Info("switched capture display", "displayId", displayID, "sources", count)
	e.monitor.Update("capture", health.Healthy, "")
}

func (e *Engine) refreshSources() {
	count, err := e.runtime.RecreateSources()
	if err != nil {
		log.Error("source refresh failed", "error", err)
		e.monitor.Update("capture", health.Degraded, "source refresh failed")
		return
	}
	log.Info("sources refreshed", "sources", count)
}

func (e *Engine) currentSegmentID() string {
	return segment.ID(e.sessionID, e.segmentIndex)
}

func (e *Engine) startRecording() error {
	if e.current != nil {
		log.Warn("recording already in progress")
		return nil
	}

	log.Info("starting recording")

	if !e.runtime.IsCaptureSetup() {
		if err := e.runtime.SetupCapture(e.cfg.Capture.TargetApps); err != nil {
			e.monitor.Update("capture", health.Unhealthy, err.Error())
			return fmt.Errorf("engine: setup capture: %w", err)
		}
	}

	// A new session is minted on every explicit start.
	e.sessionID = uuid.NewString()
	e.segmentIndex = 0

	if e.worker != nil {
		e.worker.StartSession(e.sessionID)
	}

	if id, ok := e.displays.MarkOriginalFromCurrent(); ok {
		log.Debug("original display recorded", "displayId", id)
	}

	segID := e.currentSegmentID()
	sess, err := e.runtime.StartRecording(segID)
	if err != nil {
		e.runtimeLost(fmt.Errorf("engine: start recording: %w", err))
		return err
	}

	log.Info("recording started", "sessionId", e.sessionID, "segmentId", segID,
		"output", sess.OutputPath, "segmentDurationS", e.cfg.Recording.SegmentDurationSeconds)

	e.current = sess
	e.recordingStartNS = sess.StartTimeNS
	e.paused = false
	e.buffer.Clear()
	e.gate.OnRecordingState(true, false)
	e.gate.OnSourceActiveChange(e.runtime.AnySourceActive())
	e.monitor.Update("capture", health.Healthy, "")

	e.startRotationTimer()
	e.status.Publish(Status{Kind: StatusCapturing, EventCount: 0})
	return nil
}

func (e *Engine) stopRecording() error {
	if e.current == nil {
		log.Debug("no recording in progress")
		return nil
	}

	log.Info("stopping recording")
	e.stopRotationTimer()

	segID := e.currentSegmentID()
	videoPath := e.current.OutputPath

	events, inputPath, finalizeErr := e.writer.Consolidate(segID, e.buffer.Drain())
	if finalizeErr != nil {
		// Partials stay on disk for recovery; the segment is not enqueued.
		log.Error("segment finalize failed", "segmentId", segID, "error", finalizeErr)
		e.status.Publish(Status{Kind: StatusError, Message: "segment finalize failed"})
	}

	sess, err := e.runtime.StopRecording()
	if err != nil {
		log.Error("stop recording failed", "error", err)
	} else if sess != nil {
		log.Info("recording stopped", "segmentId", segID, "output", sess.OutputPath)
		if sess.OutputPath != "" {
			videoPath = sess.OutputPath
		}
	}

	if finalizeErr == nil {
		e.enqueueSegment(segID, videoPath, events, inputPath)
	}

	e.clearSession()
	e.status.Publish(Status{Kind: StatusIdle})
	return finalizeErr
}

// rotateSegment ends the current video file and starts the next one. Events
// arriving inside the stop-start window are discarded by the suspended gate,
// so no event is ever attributed to the wrong video.
func (e *Engine) rotateSegment() error {
	segID := e.currentSegmentID()
	log.Info("rotating segment", "segmentId", segID, "sessionId", e.sessionID)

	e.gate.Suspend()
	defer e.gate.Resume()

	videoPath := e.current.OutputPath

	events, inputPath, finalizeErr := e.writer.Consolidate(segID, e.buffer.Drain())
	if finalizeErr != nil {
		log.Error("segment finalize failed", "segmentId", segID, "error", finalizeErr)
		e.status.Publish(Status{Kind: StatusError, Message: "segment finalize failed"})
	}

	sess, err := e.runtime.StopRecording()
	if err != nil {
		log.Error("stop recording during rotation failed", "error", err)
	} else if sess != nil && sess.OutputPath != "" {
		videoPath = sess.OutputPath
	}

	if finalizeErr == nil {
		e.enqueueSegment(segID, videoPath, events, inputPath)
	}

	// Consistent non-recording state before the next start attempt.
	e.current = nil
	e.recordingStartNS = 0
	e.segmentIndex++

	newID := e.currentSegmentID()
	next, err := e.runtime.StartRecording(newID)
	if err != nil {
		// Terminal for the session: the delivered segment is unaffected,
		// but nothing is recording any more.
		log.Error("cannot start next segment, aborting session",
			"segmentId", newID, "error", err)
		e.stopRotationTimer()
		e.clearSession()
		e.monitor.Update("capture", health.Unhealthy, "segment rotation failed")
		e.status.Publish(Status{Kind: StatusError,
			Message: fmt.Sprintf("segment rotation failed: %v", err)})
		return fmt.Errorf("%w: %v", ErrRotationStartFailed, err)
	}

	log.Info("new segment started", "segmentId", newID, "output", next.OutputPath)
	e.current = next
	e.recordingStartNS = next.StartTimeNS
	e.status.Publish(Status{Kind: StatusCapturing, EventCount: 0})
	return nil
}

func (e *Engine) enqueueSegment(segID, videoPath string, events []event.InputEvent, inputPath string) {
	if e.worker == nil {
		return
	}

	startUS, endUS := segment.Range(events)
	completed := &segment.Completed{
		ChunkID:     segID,
		SessionID:   e.sessionID,
		VideoPath:   videoPath,
		Events:      events,
		StartTimeUS: startUS,
		EndTimeUS:   endUS,
		InputPath:   inputPath,
	}

	if e.worker.Enqueue(completed) {
		e.status.Publish(Status{Kind: StatusUploading, ChunkID: segID})
	} else {
		log.Error("cannot enqueue segment for upload, dropping", "chunkId", segID)
	}
}

func (e *Engine) pauseRecording() {
	if e.current == nil || e.paused {
		return
	}
	if err := e.runtime.PauseRecording(); err != nil {
		log.Error("pause recording failed", "error", err)
		return
	}
	e.paused = true
	e.gate.OnRecordingState(true, true)
	e.status.Publish(Status{Kind: StatusPaused})
	log.Info("recording paused")
}

func (e *Engine) resumeRecording() {
	if e.current == nil || !e.paused {
		return
	}
	if err := e.runtime.ResumeRecording(); err != nil {
		log.Error("resume recording failed", "error", err)
		return
	}
	e.paused = false
	e.gate.OnRecordingState(true, false)
	e.publishCaptureStatus()
	log.Info("recording resumed")
}

// runtimeLost handles a vanished capture runtime: the session is aborted and
// the operator must restart recording. Partial files stay on disk.
func (e *Engine) runtimeLost(err error) {
	log.Error("capture runtime lost", "error", err)
	e.stopRotationTimer()
	e.clearSession()
	e.monitor.Update("capture", health.Unhealthy, err.Error())
	e.status.Publish(Status{Kind: StatusWaitingForRuntime})
}

func (e *Engine) clearSession() {
	e.current = nil
	e.recordingStartNS = 0
	e.sessionID = ""
	e.segmentIndex = 0
	e.paused = false
	e.buffer.Clear()
	e.displays.ClearOriginal()
	e.gate.OnRecordingState(false, false)
}

func (e *Engine) publishCaptureStatus() {
	switch {
	case e.current == nil:
		// Keep whatever terminal status stopRecording/runtimeLost set.
	case e.paused:
		e.status.Publish(Status{Kind: StatusPaused})
	case e.gate.IsOpen():
		e.status.Publish(Status{Kind: StatusCapturing, EventCount: e.buffer.Len()})
	default:
		e.status.Publish(Status{Kind: StatusRecordingBlocked})
	}
}

func (e *Engine) startRotationTimer() {
	e.stopRotationTimer()
	if e.cfg.Recording.SegmentDurationSeconds == 0 {
		return
	}
	// time.Ticker fires first after a full period, so the first segment
	// is full-length.
	e.rotTicker = time.NewTicker(time.Duration(e.cfg.Recording.SegmentDurationSeconds) * time.Second)
	e.rotC = e.rotTicker.C
}

func (e *Engine) stopRotationTimer() {
	if e.rotTicker != nil {
		e.rotTicker.Stop()
		e.rotTicker = nil
		e.rotC = nil
	}
}

// shutdown stops the recording and leaves the loop. Equivalent to
// StopRecording then terminate.
func (e *Engine) shutdown() {
	if err := e.stopRecording(); err != nil {
		log.Error("stop during shutdown failed", "error", err)
	}
	log.Info("sync engine stopped")
}
