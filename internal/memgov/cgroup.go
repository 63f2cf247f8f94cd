package memgov

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const memoryEventsFile = "memory.events"

// Counters in memory.events whose increase means the kernel is reclaiming
// or killing under the cgroup limit.
var lowMemoryCounters = []string{"high", "max", "oom", "oom_kill"}

// CgroupWatcher turns cgroup v2 memory.events notifications into low-memory
// signals.
type CgroupWatcher struct {
	path   string
	onLow  func(counter string)
	logger *slog.Logger
}

// NewCgroupWatcher watches memory.events inside cgroupDir.
func NewCgroupWatcher(cgroupDir string, onLow func(counter string), logger *slog.Logger) *CgroupWatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CgroupWatcher{
		path:   filepath.Join(cgroupDir, memoryEventsFile),
		onLow:  onLow,
		logger: logger.With("component", "cgroup_watcher"),
	}
}

// Run blocks until ctx is canceled. It fails fast when memory.events is not
// readable.
func (w *CgroupWatcher) Run(ctx context.Context) error {
	last, err := readMemoryEvents(w.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Debug("watching cgroup memory events", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			current, err := readMemoryEvents(w.path)
			if err != nil || len(current) == 0 {
				w.logger.Debug("memory.events read failed", "err", err)
				continue
			}
			if counter, ok := increased(last, current); ok {
				w.logger.Info("cgroup memory event", "counter", counter, "value", current[counter])
				w.onLow(counter)
			}
			last = current
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("cgroup watcher error", "err", err)
		}
	}
}

func increased(prev, cur map[string]uint64) (string, bool) {
	for _, name := range lowMemoryCounters {
		if cur[name] > prev[name] {
			return name, true
		}
	}
	return "", false
}

func readMemoryEvents(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMemoryEvents(f)
}

func parseMemoryEvents(r io.Reader) (map[string]uint64, error) {
	out := make(map[string]uint64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
