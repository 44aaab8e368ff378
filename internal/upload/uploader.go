// Package upload ships completed segments to object storage through
// short-lived presigned URLs and retries failures with bounded backoff.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/capture-agent/internal/event"
	"github.com/breeze-rmm/capture-agent/internal/httputil"
	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/segment"
)

var log = logging.L("upload")

// Version identifies the agent build in presign requests.
var Version = "0.1.0"

const (
	videoContentType = "video/mp4"
	inputContentType = "application/msgpack"
)

// presignRequest is the body POSTed to the presign endpoint, one per file.
type presignRequest struct {
	FileName string `json:"fileName"`
	Version  string `json:"version"`
	UserID   string `json:"userId"`
}

// presignResponse carries the single-use PUT target.
type presignResponse struct {
	UploadURL   string `json:"uploadUrl"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// Uploader uploads one completed segment: presign per file, streaming PUT
// for the video, in-memory PUT for the event list.
type Uploader struct {
	client   *http.Client
	endpoint string
	userID   string
}

// NewUploader creates an uploader against the presign endpoint. An empty
// endpoint produces an unconfigured uploader; IsConfigured reports it.
func NewUploader(endpoint string, client *http.Client) *Uploader {
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &Uploader{
		client:   client,
		endpoint: endpoint,
		userID:   stableUserID(),
	}
}

// IsConfigured reports whether a presign endpoint is set.
func (u *Uploader) IsConfigured() bool {
	return u.endpoint != ""
}

// UserID returns the stable uploader identity hash.
func (u *Uploader) UserID() string {
	return u.userID
}

// Upload pushes the segment's video (when present) and event file. Any error
// is retryable from the worker's point of view.
func (u *Uploader) Upload(ctx context.Context, seg *segment.Completed) error {
	if !u.IsConfigured() {
		return fmt.Errorf("upload: presign endpoint not configured")
	}

	log.Info("uploading segment", "chunkId", seg.ChunkID, "sessionId", seg.SessionID)

	if seg.VideoPath != "" {
		if err := u.uploadVideo(ctx, seg); err != nil {
			return err
		}
	}

	return u.uploadEvents(ctx, seg)
}

func (u *Uploader) uploadVideo(ctx context.Context, seg *segment.Completed) error {
	key := "recordings/" + filepath.Base(seg.VideoPath)
	presigned, err := u.presign(ctx, key)
	if err != nil {
		return err
	}

	info, err := os.Stat(seg.VideoPath)
	if err != nil {
		return fmt.Errorf("upload: stat video %s: %w", seg.VideoPath, err)
	}

	// Stream from disk; segments can be hundreds of MB.
	file, err := os.Open(seg.VideoPath)
	if err != nil {
		return fmt.Errorf("upload: open video %s: %w", seg.VideoPath, err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, file)
	if err != nil {
		return fmt.Errorf("upload: build video request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentTypeOr(presigned.ContentType, videoContentType))

	if err := u.doPut(req); err != nil {
		return fmt.Errorf("upload: video for %s: %w", seg.ChunkID, err)
	}

	log.Info("video uploaded", "chunkId", seg.ChunkID, "key", presigned.Key,
		"sizeBytes", info.Size())
	return nil
}

func (u *Uploader) uploadEvents(ctx context.Context, seg *segment.Completed) error {
	key := fmt.Sprintf("keylogs/input_%s.msgpack", seg.ChunkID)
	presigned, err := u.presign(ctx, key)
	if err != nil {
		return err
	}

	// Bounded by rotation; fits in memory by construction.
	data, err := event.Marshal(seg.Events)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload: build events request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentTypeOr(presigned.ContentType, inputContentType))

	if err := u.doPut(req); err != nil {
		return fmt.Errorf("upload: events for %s: %w", seg.ChunkID, err)
	}

	log.Info("events uploaded", "chunkId", seg.ChunkID, "key", presigned.Key,
		"events", len(seg.Events))
	return nil
}

func (u *Uploader) presign(ctx context.Context, key string) (*presignResponse, error) {
	body, err := json.Marshal(presignRequest{
		FileName: key,
		Version:  Version,
		UserID:   u.userID,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: marshal presign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upload: build presign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: presign %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload: presign %s: %w", key,
			&httputil.StatusError{StatusCode: resp.StatusCode, URL: u.endpoint})
	}

	var presigned presignResponse
	if err := json.NewDecoder(resp.Body).Decode(&presigned); err != nil {
		return nil, fmt.Errorf("upload: decode presign response for %s: %w", key, err)
	}
	if presigned.UploadURL == "" {
		return nil, fmt.Errorf("upload: presign response for %s has no uploadUrl", key)
	}
	return &presigned, nil
}

func (u *Uploader) doPut(req *http.Request) error {
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httputil.StatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	return nil
}

func contentTypeOr(ct, fallback string) string {
	if ct == "" {
		return fallback
	}
	return ct
}

// stableUserID hashes the machine uid and user name into a stable,
// non-reversible uploader identity.
func stableUserID() string {
	uid, err := host.HostID()
	if err != nil || uid == "" {
		uid, _ = os.Hostname()
	}

	name := ""
	if cur, err := user.Current(); err == nil {
		name = cur.Username
	} else {
		name = os.Getenv("USER")
	}

	sum := sha256.Sum256([]byte(uid + ":" + name))
	return hex.EncodeToString(sum[:])
}
