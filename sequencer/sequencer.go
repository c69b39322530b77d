// Package sequencer imposes a total order on incoming agent events. The
// transport delivers events in least-effort order with possible duplicates;
// the sequencer discards duplicates, buffers early arrivals, and emits
// events in strict sequence-number order. Unrecoverable holes are skipped
// after a bounded buffer age, emitting a synthetic gap marker so the
// timeline can render an "events missing" placeholder instead of stalling.
package sequencer

import (
	"container/heap"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/s1366560/agentline/event"
)

// DefaultMaxBufferAge is the buffer age after which a gap is skipped.
const DefaultMaxBufferAge = 5 * time.Second

type buffered struct {
	ev      event.Event
	arrived time.Time
}

// bufferHeap is a min-heap of buffered events ordered by sequence number.
type bufferHeap []buffered

func (h bufferHeap) Len() int           { return len(h) }
func (h bufferHeap) Less(i, j int) bool { return h[i].ev.Seq < h[j].ev.Seq }
func (h bufferHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *bufferHeap) Push(x any)        { *h = append(*h, x.(buffered)) }
func (h *bufferHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sequencer restores total order for one conversation's event stream.
// Not safe for concurrent use; the transport must hand events through a
// single producer.
type Sequencer struct {
	next   uint64 // next expected sequence number; 0 until the first event
	seen   map[string]struct{}
	buf    bufferHeap
	maxAge time.Duration
	logger *slog.Logger

	// counters for the engine's metrics
	duplicates uint64
	gaps       uint64
}

// New creates a sequencer. A zero maxAge uses DefaultMaxBufferAge.
func New(maxAge time.Duration, logger *slog.Logger) *Sequencer {
	if maxAge <= 0 {
		maxAge = DefaultMaxBufferAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		seen:   make(map[string]struct{}),
		maxAge: maxAge,
		logger: logger,
	}
}

// Ingest accepts one event and returns the events now emittable in order.
// Duplicates and stale retransmits return nil. now is the arrival time,
// passed in so replay stays deterministic.
func (s *Sequencer) Ingest(ev event.Event, now time.Time) []event.Event {
	if _, dup := s.seen[ev.ID]; dup {
		s.duplicates++
		return nil
	}
	s.seen[ev.ID] = struct{}{}

	// Synthetic events carry no server sequence; they pass straight through.
	if ev.Type.IsSynthetic() {
		return []event.Event{ev}
	}

	// No baseline yet: hold the event until one can be anchored safely.
	if s.next == 0 {
		heap.Push(&s.buf, buffered{ev: ev, arrived: now})
		return s.anchor()
	}

	if ev.Seq < s.next {
		s.duplicates++
		return nil
	}

	if ev.Seq > s.next {
		heap.Push(&s.buf, buffered{ev: ev, arrived: now})
		return s.expireStale(now)
	}

	out := []event.Event{ev}
	s.next++
	out = append(out, s.drain()...)
	return out
}

// Flush force-checks the buffer against the age bound. The engine calls
// this from its timer tick so a silent transport cannot hold buffered
// events forever.
func (s *Sequencer) Flush(now time.Time) []event.Event {
	return s.expireStale(now)
}

// Pending returns the number of buffered out-of-order events.
func (s *Sequencer) Pending() int { return s.buf.Len() }

// NextExpected returns the next expected sequence number (0 before the
// first event).
func (s *Sequencer) NextExpected() uint64 { return s.next }

// Duplicates returns the count of discarded duplicate/stale events.
func (s *Sequencer) Duplicates() uint64 { return s.duplicates }

// Gaps returns the count of gap-skips performed.
func (s *Sequencer) Gaps() uint64 { return s.gaps }

// anchor establishes the ordering baseline while none is set. Seq 1 is the
// stream start, so it anchors immediately. A resume mid-stream cannot know
// whether lower sequences are still in flight, so everything is held until
// the buffer age passes (Flush), which adopts the lowest buffered seq.
// Any permutation of the opening batch therefore reduces identically.
func (s *Sequencer) anchor() []event.Event {
	if s.buf.Len() == 0 || s.buf[0].ev.Seq != 1 {
		return nil
	}
	s.next = 1
	return s.drain()
}

// drain emits consecutively buffered events starting at the expectation.
func (s *Sequencer) drain() []event.Event {
	var out []event.Event
	for s.buf.Len() > 0 {
		head := s.buf[0]
		if head.ev.Seq > s.next {
			break
		}
		heap.Pop(&s.buf)
		if head.ev.Seq < s.next {
			// Can happen after a gap-skip advanced past it.
			s.duplicates++
			continue
		}
		out = append(out, head.ev)
		s.next++
	}
	return out
}

// expireStale performs a gap-skip when the oldest buffered event has waited
// longer than the age bound: expectation advances to the lowest buffered
// sequence and a synthetic gap marker precedes the drained run.
func (s *Sequencer) expireStale(now time.Time) []event.Event {
	if s.buf.Len() == 0 {
		return nil
	}
	oldest := now
	for _, b := range s.buf {
		if b.arrived.Before(oldest) {
			oldest = b.arrived
		}
	}
	if now.Sub(oldest) < s.maxAge {
		return nil
	}

	lowest := s.buf[0].ev.Seq
	if s.next == 0 {
		// Baseline adoption on a resumed stream. Nothing is known to be
		// missing before the lowest observed seq, so no gap marker.
		s.logger.Info("anchoring resumed stream", "seq", lowest)
		s.next = lowest
		return s.drain()
	}

	from := s.next
	s.logger.Warn("skipping unrecoverable event gap",
		"from_seq", from, "to_seq", lowest, "buffered", s.buf.Len())
	s.next = lowest
	s.gaps++

	marker := event.Event{
		ID:        "gap-" + uuid.New().String()[:8],
		Type:      event.TypeGap,
		Seq:       0,
		Timestamp: now.UnixMilli(),
		Payload: event.MustMarshalPayload(&event.GapPayload{
			FromSeq: from,
			ToSeq:   lowest,
		}),
	}
	return append([]event.Event{marker}, s.drain()...)
}
