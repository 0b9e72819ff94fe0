// Package inbox watches the incoming directory for dropped task files. A
// *.json file holding a task draft (or an array of drafts) is submitted to
// the store and moved to processing/; files that fail to parse move to
// error/ with a sidecar note.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// DepthGauge reports the ready-queue depth. Satisfied by the engine; nil
// disables backpressure warnings.
type DepthGauge interface {
	QueueDepth() (int, error)
}

// Watcher turns dropped files into tasks.
type Watcher struct {
	store     *store.Store
	gauge     DepthGauge
	incoming  string
	processed string
	rejected  string
	warnDepth int
}

// New builds a watcher over incoming, moving accepted files to processed and
// rejected files to rejectedDir.
func New(s *store.Store, gauge DepthGauge, incoming, processed, rejectedDir string, warnDepth int) *Watcher {
	return &Watcher{
		store:     s,
		gauge:     gauge,
		incoming:  incoming,
		processed: processed,
		rejected:  rejectedDir,
		warnDepth: warnDepth,
	}
}

// Run watches until ctx is done. Files already present at startup are swept
// first, then filesystem events drive intake.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start inbox watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.incoming); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.incoming, err)
	}
	logging.Get(logging.CategoryInbox).Info("Inbox watching %s", w.incoming)

	w.Sweep()

	for {
		select {
		case <-ctx.Done():
			logging.Get(logging.CategoryInbox).Info("Inbox stopping")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors and downloaders often create-then-write; a short delay
			// lets the file settle before intake.
			time.Sleep(100 * time.Millisecond)
			w.intake(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryInbox).Error("Watch error: %v", err)
		}
	}
}

// Sweep processes every task file already sitting in the incoming directory.
// Returns how many tasks were submitted.
func (w *Watcher) Sweep() int {
	entries, err := os.ReadDir(w.incoming)
	if err != nil {
		logging.Get(logging.CategoryInbox).Error("Failed to read %s: %v", w.incoming, err)
		return 0
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		total += w.intake(filepath.Join(w.incoming, e.Name()))
	}
	return total
}

// intake handles one dropped file, returning how many tasks it produced.
func (w *Watcher) intake(path string) int {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return 0
	}
	if _, err := os.Stat(path); err != nil {
		// Already moved, or a transient rename artifact.
		return 0
	}

	w.warnOnBackpressure()

	ids, err := w.submitFile(path)
	if err != nil {
		logging.Get(logging.CategoryInbox).Error("Rejecting %s: %v", filepath.Base(path), err)
		w.reject(path, err)
		return 0
	}

	dest := filepath.Join(w.processed, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryInbox).Warn("Failed to move %s to processing: %v", path, err)
	}
	logging.Get(logging.CategoryInbox).Info("Accepted %s: %d task(s) %v", filepath.Base(path), len(ids), ids)
	return len(ids)
}

// submitFile parses a draft or array of drafts and inserts them in order.
// Inserts are not transactional across drafts; a bad draft mid-array leaves
// the earlier ones submitted and the file rejected, which the error reports.
func (w *Watcher) submitFile(path string) ([]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	drafts, err := parseDrafts(data)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for i := range drafts {
		if !drafts[i].Kind.IsValid() {
			return ids, fmt.Errorf("unknown task kind %q", drafts[i].Kind)
		}
		t, err := w.store.InsertTask(&drafts[i])
		if err != nil {
			return ids, fmt.Errorf("failed to insert task %d of %d: %w", i+1, len(drafts), err)
		}
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("file holds no tasks")
	}
	return ids, nil
}

func parseDrafts(data []byte) ([]task.Draft, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var drafts []task.Draft
		if err := json.Unmarshal(data, &drafts); err != nil {
			return nil, fmt.Errorf("invalid task array: %w", err)
		}
		return drafts, nil
	}
	var d task.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid task file: %w", err)
	}
	return []task.Draft{d}, nil
}

// reject moves a bad file to the error directory with a .reason sidecar.
func (w *Watcher) reject(path string, cause error) {
	dest := filepath.Join(w.rejected, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryInbox).Warn("Failed to move %s to error dir: %v", path, err)
		return
	}
	note := []byte(cause.Error() + "\n")
	if err := os.WriteFile(dest+".reason", note, 0644); err != nil {
		logging.Get(logging.CategoryInbox).Warn("Failed to write reject reason for %s: %v", dest, err)
	}
}

// warnOnBackpressure logs when the ready queue is deeper than the configured
// threshold. Intake continues either way; the queue never drops work.
func (w *Watcher) warnOnBackpressure() {
	if w.gauge == nil || w.warnDepth <= 0 {
		return
	}
	depth, err := w.gauge.QueueDepth()
	if err != nil {
		return
	}
	if depth > w.warnDepth {
		logging.Get(logging.CategoryInbox).Warn(
			"Ready queue depth %d exceeds threshold %d; inbox continuing anyway", depth, w.warnDepth)
	}
}
