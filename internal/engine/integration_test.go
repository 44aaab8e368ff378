package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/config"
	"github.com/breeze-rmm/capture-agent/internal/upload"
)

// TestStartStopUploadsAndDeletes covers the clean start/stop path end to
// end: one video file, one input file, two presigned PUTs, local files
// deleted after upload.
func TestStartStopUploadsAndDeletes(t *testing.T) {
	var mu sync.Mutex
	puts := make(map[string][]byte)

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/presign", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileName string `json:"fileName"`
			UserID   string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl":   server.URL + "/put/" + req.FileName,
			"key":         req.FileName,
			"contentType": "",
		})
	})
	mux.HandleFunc("/put/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = body
		mu.Unlock()
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Capture.CaptureAll = true
	cfg.Capture.PollIntervalMS = 10
	cfg.Recording.OutputDirectory = dir
	cfg.Upload.PresignEndpoint = server.URL + "/presign"

	runtime := newFakeRuntime(dir)
	backend := &fakeBackend{}
	displays := &fakeDisplays{ids: []uint32{1}}

	uploader := upload.NewUploader(cfg.Upload.PresignEndpoint, nil)
	worker := upload.NewWorker(uploader, cfg.Upload.DeleteAfterUpload)

	eng, err := New(Options{
		Config:   cfg,
		Runtime:  runtime,
		Backend:  backend,
		Displays: displays,
		Worker:   worker,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineDone := make(chan struct{})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-engineDone
		<-workerDone
	}()

	eng.Send(Command{Kind: CmdStartRecording})
	deadline := time.Now().Add(5 * time.Second)
	for runtime.startCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runtime.startCount() == 0 {
		t.Fatal("recording never started")
	}

	eng.Send(Command{Kind: CmdStopRecording})

	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(puts)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 2 {
		t.Fatalf("got %d PUTs, want 2 (video + keylog)", len(puts))
	}

	var sawVideo, sawKeylog bool
	for path := range puts {
		switch {
		case len(path) > len("/put/recordings/") && path[:len("/put/recordings/")] == "/put/recordings/":
			sawVideo = true
		case len(path) > len("/put/keylogs/") && path[:len("/put/keylogs/")] == "/put/keylogs/":
			sawKeylog = true
		}
	}
	if !sawVideo || !sawKeylog {
		t.Fatalf("unexpected PUT keys: %v", keys(puts))
	}

	// delete_after_upload defaults on: both local files must be gone.
	waitGone := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitGone) {
		entries, _ := os.ReadDir(dir)
		if len(entries) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		t.Errorf("file %s not deleted after upload", e.Name())
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
