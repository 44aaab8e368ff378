// Package segment materializes a segment's event timeline onto disk and
// names the files shared with the capture runtime and uploader.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/breeze-rmm/capture-agent/internal/event"
	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("segment")

// ID formats the segment id for a session and zero-based index.
func ID(sessionID string, index uint32) string {
	return fmt.Sprintf("%s_seg%04d", sessionID, index)
}

// Completed is a finalized segment handed to the upload worker.
type Completed struct {
	ChunkID     string
	SessionID   string
	VideoPath   string // empty when the runtime returned no output path
	Events      []event.InputEvent
	StartTimeUS uint64
	EndTimeUS   uint64
	InputPath   string
}

// Range returns the first and last event timestamps, or (0,0) when empty.
func Range(events []event.InputEvent) (startUS, endUS uint64) {
	if len(events) == 0 {
		return 0, 0
	}
	return events[0].TimestampUS, events[len(events)-1].TimestampUS
}

// Writer owns the on-disk layout of partial and final input files inside one
// output directory.
type Writer struct {
	dir string
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create output dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// FinalPath returns the consolidated input file path for a segment.
func (w *Writer) FinalPath(segmentID string) string {
	return filepath.Join(w.dir, fmt.Sprintf("input_%s.msgpack", segmentID))
}

func (w *Writer) partialPrefix(segmentID string) string {
	return fmt.Sprintf("input_%s_partial_", segmentID)
}

// WritePartial spills a drained batch to a timestamped partial file. The
// unixMillis suffix keeps multiple spills of one segment ordered by name.
func (w *Writer) WritePartial(segmentID string, events []event.InputEvent, unixMillis int64) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	// A spill in the same millisecond as an earlier one takes the next free
	// suffix, so it never overwrites it and name order still follows spill
	// order.
	path := filepath.Join(w.dir, fmt.Sprintf("%s%d.msgpack", w.partialPrefix(segmentID), unixMillis))
	for {
		if _, err := os.Stat(path); err != nil {
			break
		}
		unixMillis++
		path = filepath.Join(w.dir, fmt.Sprintf("%s%d.msgpack", w.partialPrefix(segmentID), unixMillis))
	}
	data, err := event.Marshal(events)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("segment: write partial %s: %w", path, err)
	}

	log.Debug("partial spill written", "segmentId", segmentID, "events", len(events), "path", path)
	return path, nil
}

// Consolidate merges all partial spills for the segment with the residual
// buffer drain, stable-sorts by timestamp, and writes the final input file.
// Partial files are deleted best-effort on success and retained on failure
// for forensic recovery.
func (w *Writer) Consolidate(segmentID string, residual []event.InputEvent) ([]event.InputEvent, string, error) {
	partials, err := w.listPartials(segmentID)
	if err != nil {
		return nil, "", err
	}

	var all []event.InputEvent
	for _, path := range partials {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("cannot read partial file, skipping", "path", path, "error", err)
			continue
		}
		batch, err := event.Unmarshal(data)
		if err != nil {
			log.Warn("cannot parse partial file, skipping", "path", path, "error", err)
			continue
		}
		all = append(all, batch...)
	}

	all = append(all, residual...)
	event.SortByTimestamp(all)

	finalPath := w.FinalPath(segmentID)
	data, err := event.Marshal(all)
	if err != nil {
		return nil, "", err
	}
	if err := writeFileAtomic(finalPath, data); err != nil {
		return nil, "", fmt.Errorf("segment: finalize %s: %w", segmentID, err)
	}

	for _, path := range partials {
		if err := os.Remove(path); err != nil {
			log.Warn("cannot delete partial file", "path", path, "error", err)
		}
	}

	log.Info("segment finalized", "segmentId", segmentID, "events", len(all),
		"partials", len(partials), "path", finalPath)
	return all, finalPath, nil
}

// listPartials enumerates the segment's partial files sorted by filename,
// which orders them by spill time via the millisecond suffix.
func (w *Writer) listPartials(segmentID string) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("segment: read output dir %s: %w", w.dir, err)
	}

	prefix := w.partialPrefix(segmentID)
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".msgpack") {
			paths = append(paths, filepath.Join(w.dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// writeFileAtomic writes via a temp file and rename so the uploader never
// observes a half-written final file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
