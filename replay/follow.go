package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/s1366560/agentline/event"
)

// Follower tails a growing JSONL event log and hands appended events to a
// callback. Partial trailing lines are held until the terminating newline
// is written.
type Follower struct {
	path   string
	offset int64
	buf    []byte
	logger *slog.Logger
}

// NewFollower creates a follower starting at the beginning of the file.
func NewFollower(path string, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{path: path, logger: logger}
}

// ReadNew reads events appended since the previous call.
func (f *Follower) ReadNew() ([]event.Event, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek event log: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	f.offset += int64(len(data))
	f.buf = append(f.buf, data...)

	var events []event.Event
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A corrupt line cannot stall the tail; later lines still flow.
			f.logger.Warn("skipping malformed log line", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Follow watches the log file and feeds appended events to apply until the
// context is cancelled. Existing content is delivered first.
func (f *Follower) Follow(ctx context.Context, apply func(event.Event) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.path); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	deliver := func() error {
		events, err := f.ReadNew()
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := apply(ev); err != nil {
				return err
			}
		}
		return nil
	}

	// Catch up on content written before the watch started.
	if err := deliver(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watcher error", "error", werr)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) {
				if err := deliver(); err != nil {
					return err
				}
			}
		}
	}
}
