package obsws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/capture"
)

const sceneName = "Capture"

// captureInputKinds are the OBS input kinds treated as screen capture
// sources across platforms.
var captureInputKinds = map[string]bool{
	"screen_capture":         true, // macOS ScreenCaptureKit
	"display_capture":        true,
	"monitor_capture":        true,
	"xshm_input":             true,
	"pipewire-desktop-input": true,
	"window_capture":         true,
}

// Runtime drives OBS as the capture runtime: scene setup, record control and
// in-place source refresh, over the websocket control protocol.
type Runtime struct {
	client *Client

	epoch time.Time

	mu           sync.Mutex
	captureSetup bool
	current      *capture.RecordingSession

	sourceActive atomic.Bool
}

var _ capture.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime against the OBS websocket endpoint.
func NewRuntime(url, password string) *Runtime {
	r := &Runtime{
		client: NewClient(url, password),
		epoch:  time.Now(),
	}
	r.sourceActive.Store(true)
	r.client.OnEvent(r.handleEvent)
	return r
}

// Initialize connects and identifies with OBS.
func (r *Runtime) Initialize() error {
	if r.client.Connected() {
		return nil
	}
	return r.client.Connect()
}

// SetupCapture ensures the capture scene exists and is the program scene.
// targetApps scope the downstream input gate, not the video sources: the
// scene captures the full display and the event timeline is filtered.
func (r *Runtime) SetupCapture(targetApps []string) error {
	err := r.client.Request("CreateScene", map[string]any{
		"sceneName": sceneName,
	}, nil)
	if err != nil {
		var reqErr *RequestError
		// 601: resource already exists.
		if !errors.As(err, &reqErr) || reqErr.Code != 601 {
			return err
		}
	}

	if err := r.client.Request("SetCurrentProgramScene", map[string]any{
		"sceneName": sceneName,
	}, nil); err != nil {
		return err
	}

	r.mu.Lock()
	r.captureSetup = true
	r.mu.Unlock()

	log.Info("capture scene ready", "scene", sceneName, "targetApps", len(targetApps))
	return nil
}

// IsCaptureSetup reports whether SetupCapture has succeeded.
func (r *Runtime) IsCaptureSetup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captureSetup
}

// StartRecording names the output file after the segment and starts the
// record output.
func (r *Runtime) StartRecording(segmentID string) (*capture.RecordingSession, error) {
	if err := r.client.Request("SetProfileParameter", map[string]any{
		"parameterCategory": "Output",
		"parameterName":     "FilenameFormatting",
		"parameterValue":    "recording_" + segmentID,
	}, nil); err != nil {
		return nil, err
	}

	if err := r.client.Request("StartRecord", nil, nil); err != nil {
		return nil, err
	}

	sess := &capture.RecordingSession{
		SessionID:   segmentID,
		StartTimeNS: r.nowNS(),
	}

	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()
	return sess, nil
}

// StopRecording stops the record output and fills in the video path OBS
// reports.
func (r *Runtime) StopRecording() (*capture.RecordingSession, error) {
	r.mu.Lock()
	sess := r.current
	r.current = nil
	r.mu.Unlock()

	if sess == nil {
		return nil, nil
	}

	var resp struct {
		OutputPath string `json:"outputPath"`
	}
	if err := r.client.Request("StopRecord", nil, &resp); err != nil {
		return nil, err
	}
	sess.OutputPath = resp.OutputPath
	return sess, nil
}

// PauseRecording pauses the record output.
func (r *Runtime) PauseRecording() error {
	return r.client.Request("PauseRecord", nil, nil)
}

// ResumeRecording resumes a paused record output.
func (r *Runtime) ResumeRecording() error {
	return r.client.Request("ResumeRecord", nil, nil)
}

type inputList struct {
	Inputs []struct {
		InputName string `json:"inputName"`
		InputKind string `json:"inputKind"`
	} `json:"inputs"`
}

// RecreateSources reapplies the settings of every capture input so OBS
// rebinds them to the current display. Recording continues.
func (r *Runtime) RecreateSources() (int, error) {
	inputs, err := r.captureInputs()
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, name := range inputs {
		var settings struct {
			InputSettings json.RawMessage `json:"inputSettings"`
		}
		if err := r.client.Request("GetInputSettings", map[string]any{
			"inputName": name,
		}, &settings); err != nil {
			log.Warn("cannot read input settings", "input", name, "error", err)
			continue
		}
		if err := r.client.Request("SetInputSettings", map[string]any{
			"inputName":     name,
			"inputSettings": settings.InputSettings,
			"overlay":       false,
		}, nil); err != nil {
			log.Warn("cannot reapply input settings", "input", name, "error", err)
			continue
		}
		refreshed++
	}

	if refreshed == 0 && len(inputs) > 0 {
		return 0, fmt.Errorf("obsws: no capture input could be refreshed")
	}
	return refreshed, nil
}

// FullyRecreateSources removes and recreates every capture input with its
// current settings, the stricter recovery path.
func (r *Runtime) FullyRecreateSources() (int, error) {
	var list inputList
	if err := r.client.Request("GetInputList", nil, &list); err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, input := range list.Inputs {
		if !captureInputKinds[input.InputKind] {
			continue
		}

		var settings struct {
			InputSettings json.RawMessage `json:"inputSettings"`
		}
		if err := r.client.Request("GetInputSettings", map[string]any{
			"inputName": input.InputName,
		}, &settings); err != nil {
			log.Warn("cannot read input settings", "input", input.InputName, "error", err)
			continue
		}

		if err := r.client.Request("RemoveInput", map[string]any{
			"inputName": input.InputName,
		}, nil); err != nil {
			log.Warn("cannot remove input", "input", input.InputName, "error", err)
			continue
		}

		if err := r.client.Request("CreateInput", map[string]any{
			"sceneName":     sceneName,
			"inputName":     input.InputName,
			"inputKind":     input.InputKind,
			"inputSettings": settings.InputSettings,
		}, nil); err != nil {
			log.Warn("cannot recreate input", "input", input.InputName, "error", err)
			continue
		}
		rebuilt++
	}
	return rebuilt, nil
}

// ReinitializeForDisplayChange drops the connection and rebuilds it.
// Recording must already be stopped.
func (r *Runtime) ReinitializeForDisplayChange() error {
	r.client.Close()
	r.mu.Lock()
	r.captureSetup = false
	r.mu.Unlock()
	return r.client.Connect()
}

// AnySourceActive reports the last known source activity. Updated from OBS
// events and refreshed on demand.
func (r *Runtime) AnySourceActive() bool {
	inputs, err := r.captureInputs()
	if err != nil || len(inputs) == 0 {
		return r.sourceActive.Load()
	}

	for _, name := range inputs {
		var resp struct {
			VideoActive bool `json:"videoActive"`
		}
		if err := r.client.Request("GetSourceActive", map[string]any{
			"sourceName": name,
		}, &resp); err != nil {
			continue
		}
		if resp.VideoActive {
			r.sourceActive.Store(true)
			return true
		}
	}
	r.sourceActive.Store(false)
	return false
}

// VideoFrameTime returns monotonic nanoseconds on the same clock
// StartTimeNS is taken from.
func (r *Runtime) VideoFrameTime() (uint64, error) {
	if !r.client.Connected() {
		return 0, fmt.Errorf("obsws: not connected")
	}
	return r.nowNS(), nil
}

func (r *Runtime) nowNS() uint64 {
	return uint64(time.Since(r.epoch).Nanoseconds())
}

func (r *Runtime) captureInputs() ([]string, error) {
	var list inputList
	if err := r.client.Request("GetInputList", nil, &list); err != nil {
		return nil, err
	}
	var names []string
	for _, input := range list.Inputs {
		if captureInputKinds[input.InputKind] {
			names = append(names, input.InputName)
		}
	}
	return names, nil
}

func (r *Runtime) handleEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case "SourceActiveStateChanged":
		var ev struct {
			VideoActive bool `json:"videoActive"`
		}
		if err := json.Unmarshal(data, &ev); err == nil {
			r.sourceActive.Store(ev.VideoActive)
		}
	case "RecordStateChanged":
		var ev struct {
			OutputState string `json:"outputState"`
			OutputPath  string `json:"outputPath"`
		}
		if err := json.Unmarshal(data, &ev); err == nil {
			log.Debug("record state changed", "state", ev.OutputState)
		}
	}
}
