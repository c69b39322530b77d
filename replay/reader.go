// Package replay rebuilds conversation state from a JSONL event log. The
// engine's clock is driven from log timestamps, so time-based transitions
// (gap-skips, HITL deadlines) fire exactly where they fired live, and the
// same log always reduces to the same state.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/s1366560/agentline/engine"
	"github.com/s1366560/agentline/event"
)

// ReadLog reads a complete JSONL event log. Blank lines are skipped; a
// malformed line aborts with its line number.
func ReadLog(path string) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("event log line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// Replayer feeds logged events into an engine under a log-driven clock.
type Replayer struct {
	engine *engine.Engine
	now    time.Time
}

// NewReplayer creates a replayer and its engine. The Clock field of opts
// is overridden; everything else applies as usual.
func NewReplayer(conversationID string, opts engine.Options) *Replayer {
	r := &Replayer{}
	opts.Clock = func() time.Time { return r.now }
	r.engine = engine.New(conversationID, opts)
	return r
}

// Engine returns the engine being replayed into.
func (r *Replayer) Engine() *engine.Engine {
	return r.engine
}

// Apply advances the clock to the event's timestamp, ingests it, and runs
// due expirations. The clock never moves backwards; out-of-order log lines
// keep the latest observed time.
func (r *Replayer) Apply(ev event.Event) error {
	if t := ev.Time(); t.After(r.now) {
		r.now = t
	}
	if err := r.engine.Ingest(ev); err != nil {
		return err
	}
	r.engine.ExpireDue(r.now)
	return nil
}

// ApplyAll replays a full event slice.
func (r *Replayer) ApplyAll(events []event.Event) error {
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the reduced state after replay so far.
func (r *Replayer) Snapshot() *engine.Snapshot {
	return r.engine.Snapshot()
}
