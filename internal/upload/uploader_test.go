package upload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/breeze-rmm/capture-agent/internal/event"
	"github.com/breeze-rmm/capture-agent/internal/segment"
)

// presignServer fakes the presign provider plus the object store.
type presignServer struct {
	mu          sync.Mutex
	presigns    []presignRequest
	puts        map[string][]byte
	putHeaders  map[string]http.Header
	putLengths  map[string]int64
	presignFail int // fail this many presign calls with 500
	server      *httptest.Server
}

func newPresignServer(t *testing.T) *presignServer {
	ps := &presignServer{
		puts:       make(map[string][]byte),
		putHeaders: make(map[string]http.Header),
		putLengths: make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/presign", func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()

		if ps.presignFail > 0 {
			ps.presignFail--
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}

		var req presignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad presign body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ps.presigns = append(ps.presigns, req)

		resp := presignResponse{
			UploadURL:   ps.server.URL + "/put/" + req.FileName,
			Key:         req.FileName,
			ContentType: "application/octet-stream",
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/put/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read", http.StatusInternalServerError)
			return
		}
		ps.mu.Lock()
		ps.puts[r.URL.Path] = body
		ps.putHeaders[r.URL.Path] = r.Header.Clone()
		ps.putLengths[r.URL.Path] = r.ContentLength
		ps.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	ps.server = httptest.NewServer(mux)
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *presignServer) endpoint() string {
	return ps.server.URL + "/presign"
}

func testSegment(t *testing.T, withVideo bool) *segment.Completed {
	seg := &segment.Completed{
		ChunkID:   "sess_seg0000",
		SessionID: "sess",
		Events: []event.InputEvent{
			event.KeyPress(100, 64, "KeyA"),
			event.KeyRelease(900, 64, "KeyA"),
		},
		StartTimeUS: 100,
		EndTimeUS:   900,
	}
	if withVideo {
		dir := t.TempDir()
		video := filepath.Join(dir, "recording_sess_seg0000.mp4")
		if err := os.WriteFile(video, []byte("not really video"), 0o644); err != nil {
			t.Fatal(err)
		}
		seg.VideoPath = video
	}
	return seg
}

func TestUploadVideoAndEvents(t *testing.T) {
	ps := newPresignServer(t)
	up := NewUploader(ps.endpoint(), nil)
	seg := testSegment(t, true)

	if err := up.Upload(context.Background(), seg); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.presigns) != 2 {
		t.Fatalf("got %d presign calls, want 2", len(ps.presigns))
	}
	if ps.presigns[0].FileName != "recordings/recording_sess_seg0000.mp4" {
		t.Errorf("video key = %q", ps.presigns[0].FileName)
	}
	if ps.presigns[1].FileName != "keylogs/input_sess_seg0000.msgpack" {
		t.Errorf("keylog key = %q", ps.presigns[1].FileName)
	}
	for _, req := range ps.presigns {
		if req.UserID != up.UserID() || req.UserID == "" {
			t.Errorf("presign userId = %q, want %q", req.UserID, up.UserID())
		}
		if req.Version == "" {
			t.Error("presign version is empty")
		}
	}

	video := ps.puts["/put/recordings/recording_sess_seg0000.mp4"]
	if string(video) != "not really video" {
		t.Errorf("video body = %q", video)
	}

	inputBody := ps.puts["/put/keylogs/input_sess_seg0000.msgpack"]
	decoded, err := event.Unmarshal(inputBody)
	if err != nil {
		t.Fatalf("uploaded events do not decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("uploaded %d events, want 2", len(decoded))
	}

	if got := ps.putLengths["/put/recordings/recording_sess_seg0000.mp4"]; got != 16 {
		t.Errorf("video Content-Length = %d, want 16", got)
	}
	hdr := ps.putHeaders["/put/recordings/recording_sess_seg0000.mp4"]
	if got := hdr.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want provider value", got)
	}
}

func TestUploadWithoutVideo(t *testing.T) {
	ps := newPresignServer(t)
	up := NewUploader(ps.endpoint(), nil)
	seg := testSegment(t, false)

	if err := up.Upload(context.Background(), seg); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.presigns) != 1 {
		t.Fatalf("got %d presign calls, want 1 (no video)", len(ps.presigns))
	}
}

func TestUploadPresignFailure(t *testing.T) {
	ps := newPresignServer(t)
	ps.presignFail = 1
	up := NewUploader(ps.endpoint(), nil)
	seg := testSegment(t, false)

	if err := up.Upload(context.Background(), seg); err == nil {
		t.Fatal("expected error from failing presign endpoint")
	}
}

func TestUnconfiguredUploader(t *testing.T) {
	up := NewUploader("", nil)
	if up.IsConfigured() {
		t.Fatal("empty endpoint should be unconfigured")
	}
	if err := up.Upload(context.Background(), testSegment(t, false)); err == nil {
		t.Fatal("unconfigured upload should error")
	}
}

func TestStableUserID(t *testing.T) {
	a := NewUploader("http://example.invalid", nil)
	b := NewUploader("http://example.invalid", nil)
	if a.UserID() != b.UserID() {
		t.Error("user id should be stable across uploaders")
	}
	if len(a.UserID()) != 64 {
		t.Errorf("user id should be a sha256 hex digest, got %d chars", len(a.UserID()))
	}
}
