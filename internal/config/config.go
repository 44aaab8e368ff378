package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("config")

type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Input     InputConfig     `mapstructure:"input"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Recording RecordingConfig `mapstructure:"recording"`
	OBS       OBSConfig       `mapstructure:"obs"`

	// Logging configuration
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Tray/UI socket path (empty = platform default)
	IPCSocketPath string `mapstructure:"ipc_socket_path"`
}

// CaptureConfig selects which applications are captured and how often the
// frontmost application and display topology are polled.
type CaptureConfig struct {
	TargetApps     []string `mapstructure:"target_apps"`
	CaptureAll     bool     `mapstructure:"capture_all"`
	PollIntervalMS uint64   `mapstructure:"poll_interval_ms"`
	SetupCompleted bool     `mapstructure:"setup_completed"`
}

// InputConfig filters input event kinds before buffering.
type InputConfig struct {
	CaptureKeyboard    bool `mapstructure:"capture_keyboard"`
	CaptureMouseMove   bool `mapstructure:"capture_mouse_move"`
	CaptureMouseClick  bool `mapstructure:"capture_mouse_click"`
	CaptureMouseScroll bool `mapstructure:"capture_mouse_scroll"`
}

// OBSConfig locates the OBS websocket control endpoint the capture runtime
// speaks to.
type OBSConfig struct {
	WebsocketURL string `mapstructure:"websocket_url"`
	Password     string `mapstructure:"password"`
}

type UploadConfig struct {
	PresignEndpoint   string `mapstructure:"presign_endpoint"`
	DeleteAfterUpload bool   `mapstructure:"delete_after_upload"`
}

type RecordingConfig struct {
	OutputDirectory        string `mapstructure:"output_directory"`
	SegmentDurationSeconds uint64 `mapstructure:"segment_duration_s"`
	AutostartOnLaunch      bool   `mapstructure:"autostart_on_launch"`
}

func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			PollIntervalMS: 100,
		},
		Input: InputConfig{
			CaptureKeyboard:    true,
			CaptureMouseMove:   true,
			CaptureMouseClick:  true,
			CaptureMouseScroll: true,
		},
		Upload: UploadConfig{
			DeleteAfterUpload: true,
		},
		Recording: RecordingConfig{
			OutputDirectory: filepath.Join(os.TempDir(), "capture-agent-recordings"),
		},
		OBS: OBSConfig{
			WebsocketURL: "ws://127.0.0.1:4455",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CAPTURE_AGENT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %w", result.Fatals[0])
	}

	return cfg, nil
}

// ValidationResult separates errors that must block startup from ones the
// agent can run through.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (c *Config) ValidateTiered() *ValidationResult {
	result := &ValidationResult{}

	if c.Capture.PollIntervalMS == 0 {
		result.Warnings = append(result.Warnings,
			fmt.Errorf("capture.poll_interval_ms is 0, using default 100"))
		c.Capture.PollIntervalMS = 100
	}

	if err := c.validatePresignEndpoint(); err != nil {
		result.Fatals = append(result.Fatals, err)
	}

	if c.Recording.OutputDirectory == "" {
		result.Warnings = append(result.Warnings,
			fmt.Errorf("recording.output_directory is empty, using temp dir"))
		c.Recording.OutputDirectory = Default().Recording.OutputDirectory
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		result.Warnings = append(result.Warnings,
			fmt.Errorf("unknown log_format %q, using text", c.LogFormat))
		c.LogFormat = "text"
	}

	return result
}

// ErrBadPresignEndpoint marks an upload.presign_endpoint that is set but not
// an absolute http(s) URL. main maps this to exit code 2.
type ErrBadPresignEndpoint struct {
	Endpoint string
}

func (e *ErrBadPresignEndpoint) Error() string {
	return fmt.Sprintf("upload.presign_endpoint %q is not an absolute http(s) URL", e.Endpoint)
}

func (c *Config) validatePresignEndpoint() error {
	if c.Upload.PresignEndpoint == "" {
		return nil
	}
	u, err := url.Parse(c.Upload.PresignEndpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ErrBadPresignEndpoint{Endpoint: c.Upload.PresignEndpoint}
	}
	return nil
}

// ShouldCaptureApp reports whether input should be buffered while the given
// application is frontmost. An empty target list captures nothing until
// setup has populated it, unless capture_all is set.
func (c *Config) ShouldCaptureApp(bundleID string) bool {
	if c.Capture.CaptureAll {
		return true
	}
	for _, app := range c.Capture.TargetApps {
		if app == bundleID {
			return true
		}
	}
	return false
}

// UploadConfigured reports whether the presign endpoint is set.
func (c *Config) UploadConfigured() bool {
	return c.Upload.PresignEndpoint != ""
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		if pd := os.Getenv("ProgramData"); pd != "" {
			return filepath.Join(pd, "CaptureAgent")
		}
		return `C:\ProgramData\CaptureAgent`
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "capture-agent")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "capture-agent")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "capture-agent")
	}
}
