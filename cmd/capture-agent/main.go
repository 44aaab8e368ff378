package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/capture-agent/internal/capture"
	"github.com/breeze-rmm/capture-agent/internal/capture/obsws"
	"github.com/breeze-rmm/capture-agent/internal/config"
	"github.com/breeze-rmm/capture-agent/internal/display"
	"github.com/breeze-rmm/capture-agent/internal/engine"
	"github.com/breeze-rmm/capture-agent/internal/input"
	"github.com/breeze-rmm/capture-agent/internal/ipc"
	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/notify"
	"github.com/breeze-rmm/capture-agent/internal/upload"
)

// Exit codes.
const (
	exitOK             = 0
	exitCaptureInit    = 1
	exitPresignMisconf = 2
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "capture-agent",
	Short: "Screen and input capture agent",
	Long: `capture-agent records the screen in rotating segments, pairs each
segment with a timeline of input events anchored to the video clock, and
ships completed segments to object storage through presigned URLs.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runAgent())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("capture-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		var badPresign *config.ErrBadPresignEndpoint
		if errors.As(err, &badPresign) {
			log.Error("presign endpoint misconfigured", "error", err)
			return exitPresignMisconf
		}
		log.Error("cannot load config", "error", err)
		return 1
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	upload.Version = version
	log.Info("capture agent starting", "version", version)

	runtime := obsws.NewRuntime(cfg.OBS.WebsocketURL, cfg.OBS.Password)
	if err := runtime.Initialize(); err != nil {
		log.Error("capture runtime initialization failed", "error", err)
		return exitCaptureInit
	}

	var worker *upload.Worker
	if cfg.UploadConfigured() {
		uploader := upload.NewUploader(cfg.Upload.PresignEndpoint, nil)
		worker = upload.NewWorker(uploader, cfg.Upload.DeleteAfterUpload)
	} else {
		log.Warn("presign endpoint not configured, segments stay local")
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Runtime:   runtime,
		Backend:   platformInputBackend(),
		Frontmost: platformFrontmostQuerier(),
		Displays:  platformDisplayProvider(),
		Notifier:  platformNotifier(),
		Worker:    worker,
	})
	if err != nil {
		log.Error("cannot create engine", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if worker != nil {
		go worker.Run(ctx)
	}

	socketPath := cfg.IPCSocketPath
	if socketPath == "" {
		socketPath = defaultSocketPath()
	}
	server, err := ipc.Listen(socketPath, eng)
	if err != nil {
		log.Warn("cannot open tray socket, continuing without UI", "path", socketPath, "error", err)
	} else {
		log.Info("tray socket listening", "path", socketPath)
		go server.Serve(ctx)
		defer os.Remove(socketPath)
	}

	// Signals become a Shutdown command so the engine always reaches the
	// point of stopping the capture runtime.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", "signal", sig.String())
		if !eng.Send(engine.Command{Kind: engine.CmdShutdown}) {
			cancel()
		}
	}()

	if err := eng.Run(ctx); err != nil {
		log.Error("engine terminated with error", "error", err)
		return 1
	}

	// Abandon in-flight uploads; their HTTP requests abort with the
	// context.
	cancel()

	log.Info("capture agent stopped")
	return exitOK
}

func platformInputBackend() input.Backend {
	// The OS input hook ships separately per platform; without one the
	// agent records video with an empty input timeline.
	log.Warn("no platform input hook registered, input timeline will be empty")
	return &input.NopBackend{}
}

func platformFrontmostQuerier() capture.FrontmostQuerier {
	// No frontmost-app API wired: the gate falls back to capture_all.
	return nil
}

func platformDisplayProvider() display.Provider {
	return &display.StaticProvider{IDs: []uint32{1}}
}

func platformNotifier() notify.Notifier {
	return notify.Nop{}
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "capture-agent.sock")
	}
	return filepath.Join(os.TempDir(), "capture-agent.sock")
}
