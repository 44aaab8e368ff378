package upload

import (
	"container/heap"
	"context"
	"errors"
	"hash/fnv"
	"os"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/httputil"
	"github.com/breeze-rmm/capture-agent/internal/segment"
)

const (
	baseRetryBackoff = 30 * time.Second
	maxRetryBackoff  = 2 * time.Hour
	maxRetryWindow   = 2 * time.Hour

	// queueCapacity bounds the channel; proportional to recording time
	// over segment duration, so this is generous. Enqueue drops on
	// overflow rather than blocking the engine loop.
	queueCapacity = 256
)

type messageKind int

const (
	msgStartSession messageKind = iota
	msgSegment
)

type message struct {
	kind      messageKind
	sessionID string
	seg       *segment.Completed
}

// retryItem tracks one failed segment awaiting its next attempt.
type retryItem struct {
	seg           *segment.Completed
	attempts      uint32
	firstFailedAt time.Time
	nextAttemptAt time.Time
	sequence      uint64
}

// retryQueue is a min-heap on nextAttemptAt, sequence-tied for stability.
type retryQueue []*retryItem

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool {
	if !q[i].nextAttemptAt.Equal(q[j].nextAttemptAt) {
		return q[i].nextAttemptAt.Before(q[j].nextAttemptAt)
	}
	return q[i].sequence < q[j].sequence
}

func (q retryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *retryQueue) Push(x any) { *q = append(*q, x.(*retryItem)) }

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Worker consumes completed segments and uploads them in the background,
// independent of the engine loop. Failed segments retry on an exponential
// schedule until the retry window closes.
type Worker struct {
	uploader          *Uploader
	deleteAfterUpload bool
	msgs              chan message

	// Overridable in tests.
	baseBackoff time.Duration
	maxBackoff  time.Duration
	retryWindow time.Duration
	now         func() time.Time
}

// NewWorker creates a worker; call Run on its own goroutine.
func NewWorker(uploader *Uploader, deleteAfterUpload bool) *Worker {
	return &Worker{
		uploader:          uploader,
		deleteAfterUpload: deleteAfterUpload,
		msgs:              make(chan message, queueCapacity),
		baseBackoff:       baseRetryBackoff,
		maxBackoff:        maxRetryBackoff,
		retryWindow:       maxRetryWindow,
		now:               time.Now,
	}
}

// StartSession declares the active session; queued retries from other
// sessions are purged on receipt.
func (w *Worker) StartSession(sessionID string) {
	w.send(message{kind: msgStartSession, sessionID: sessionID})
}

// Enqueue submits a completed segment for upload. Returns false when the
// queue is full; the caller logs and drops.
func (w *Worker) Enqueue(seg *segment.Completed) bool {
	select {
	case w.msgs <- message{kind: msgSegment, seg: seg}:
		return true
	default:
		log.Error("upload queue full, dropping segment", "chunkId", seg.ChunkID)
		return false
	}
}

func (w *Worker) send(msg message) {
	select {
	case w.msgs <- msg:
	default:
		log.Error("upload queue full, dropping control message")
	}
}

// Run processes messages and due retries until ctx is cancelled. In-flight
// HTTP requests abort with the context.
func (w *Worker) Run(ctx context.Context) {
	var queue retryQueue
	heap.Init(&queue)

	var sequence uint64
	activeSession := ""

	// Reused timer for sleep-until-next-retry; never sleeps while a
	// retry is due.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if len(queue) > 0 {
			wait := queue[0].nextAttemptAt.Sub(w.now())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			log.Info("upload worker stopping", "queuedRetries", len(queue))
			return

		case msg := <-w.msgs:
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}

			switch msg.kind {
			case msgStartSession:
				if activeSession != msg.sessionID {
					if len(queue) > 0 {
						log.Warn("clearing queued retries for new session",
							"dropped", len(queue), "sessionId", msg.sessionID)
					}
					queue = queue[:0]
				}
				activeSession = msg.sessionID

			case msgSegment:
				seg := msg.seg
				if activeSession == "" {
					activeSession = seg.SessionID
				} else if activeSession != seg.SessionID {
					log.Warn("dropping segment from stale session",
						"chunkId", seg.ChunkID, "sessionId", seg.SessionID,
						"activeSession", activeSession)
					continue
				}

				if err := w.uploadAndCleanup(ctx, seg); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error("segment upload failed", "chunkId", seg.ChunkID,
						"error", err, "transient", isTransient(err))
					now := w.now()
					sequence++
					item := &retryItem{
						seg:           seg,
						attempts:      1,
						firstFailedAt: now,
						sequence:      sequence,
					}
					item.nextAttemptAt = now.Add(w.retryDelay(seg.ChunkID, 1))
					heap.Push(&queue, item)
				}
			}

		case <-timerC:
			now := w.now()
			for len(queue) > 0 && !queue[0].nextAttemptAt.After(now) {
				item := heap.Pop(&queue).(*retryItem)
				chunkID := item.seg.ChunkID

				if activeSession != "" && activeSession != item.seg.SessionID {
					log.Warn("dropping retry from stale session",
						"chunkId", chunkID, "sessionId", item.seg.SessionID)
					continue
				}

				if now.Sub(item.firstFailedAt) >= w.retryWindow {
					log.Warn("giving up on segment, retry window exceeded",
						"chunkId", chunkID, "attempts", item.attempts)
					continue
				}

				attempt := item.attempts + 1
				log.Info("retrying segment upload", "chunkId", chunkID, "attempt", attempt)

				if err := w.uploadAndCleanup(ctx, item.seg); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error("segment retry failed", "chunkId", chunkID,
						"attempt", attempt, "error", err, "transient", isTransient(err))
					item.attempts = attempt
					item.nextAttemptAt = w.now().Add(w.retryDelay(chunkID, attempt))
					sequence++
					item.sequence = sequence
					heap.Push(&queue, item)
				}
			}
		}
	}
}

func (w *Worker) uploadAndCleanup(ctx context.Context, seg *segment.Completed) error {
	if err := w.uploader.Upload(ctx, seg); err != nil {
		return err
	}

	log.Info("segment uploaded", "chunkId", seg.ChunkID)

	if w.deleteAfterUpload {
		if seg.VideoPath != "" {
			if err := os.Remove(seg.VideoPath); err != nil {
				log.Warn("cannot delete video after upload", "path", seg.VideoPath, "error", err)
			}
		}
		if seg.InputPath != "" {
			if err := os.Remove(seg.InputPath); err != nil {
				log.Warn("cannot delete input file after upload", "path", seg.InputPath, "error", err)
			}
		}
	}
	return nil
}

// isTransient classifies an upload failure for the logs. Every failure is
// retried regardless; a permanent status usually means a provider
// misconfiguration worth spotting.
func isTransient(err error) bool {
	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) {
		return httputil.IsRetryableStatus(statusErr.StatusCode)
	}
	return true
}

// retryDelay computes the jittered backoff before the given attempt number
// (1-based).
func (w *Worker) retryDelay(chunkID string, attempt uint32) time.Duration {
	delay := backoffForAttempt(w.baseBackoff, w.maxBackoff, attempt)
	jittered := time.Duration(float64(delay) * jitterMultiplier(chunkID, attempt))
	if jittered > w.maxBackoff {
		jittered = w.maxBackoff
	}
	return jittered
}

// backoffForAttempt returns base·2^(attempt-1) capped at max.
func backoffForAttempt(base, max time.Duration, attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 32 {
		return max
	}
	delay := base << shift
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// jitterMultiplier derives a deterministic factor in [0.8, 1.2] from the
// chunk id and attempt, so retries across machines are not synchronized but
// a given retry is reproducible.
func jitterMultiplier(chunkID string, attempt uint32) float64 {
	h := fnv.New64a()
	h.Write([]byte(chunkID))
	h.Write([]byte{
		byte(attempt >> 24), byte(attempt >> 16), byte(attempt >> 8), byte(attempt),
	})
	bucket := float64(h.Sum64() % 401)
	return 0.8 + bucket/1000.0
}
