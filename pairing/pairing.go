// Package pairing matches asymmetric event pairs: a tool invocation with
// its result, a decision asked with its answer, an env-var request with the
// provided values. Pairs are linked by correlation id, with a tool-name
// fallback when no explicit id is present. Resolution is idempotent: a
// duplicate resolver for an already-closed record is a no-op.
package pairing

import (
	"time"

	"github.com/google/uuid"

	"github.com/s1366560/agentline/event"
)

// Status is the lifecycle state of a correlation record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Record tracks one open requester awaiting its resolver.
type Record struct {
	// Key is the correlation key (explicit id, or "tool:{name}" fallback).
	Key string `json:"key"`

	// OpenedAt is the requester event's timestamp.
	OpenedAt time.Time `json:"opened_at"`

	// Requester is the event that opened the record.
	Requester event.Event `json:"requester"`

	// Resolution is the event that closed the record, if any.
	Resolution *event.Event `json:"resolution,omitempty"`

	// Status is pending until resolved or expired.
	Status Status `json:"status"`

	// Synthesized marks a placeholder requester fabricated because the
	// resolver arrived first (or the requester was lost to a gap-skip).
	Synthesized bool `json:"synthesized,omitempty"`
}

// Outcome is the result of feeding one event through the resolver.
type Outcome struct {
	// Event is the event that was resolved against the open records.
	Event event.Event

	// Record is the correlation record the event opened or closed; nil for
	// events that do not participate in pairing.
	Record *Record

	// Duplicate marks a resolver that matched an already-closed record.
	// The caller should treat the event as a no-op.
	Duplicate bool
}

// requesterTypes maps requester event types to their expected resolvers.
var requesterTypes = map[event.Type]event.Type{
	event.TypeAct:                event.TypeObserve,
	event.TypeDecisionAsked:      event.TypeDecisionAnswered,
	event.TypeClarificationAsked: event.TypeClarificationAnswered,
	event.TypeEnvVarRequested:    event.TypeEnvVarProvided,
	event.TypeSkillToolStart:     event.TypeSkillToolResult,
}

// resolverTypes is the inverse of requesterTypes.
var resolverTypes = map[event.Type]event.Type{}

func init() {
	for req, res := range requesterTypes {
		resolverTypes[res] = req
	}
}

// IsRequester reports whether the type opens a correlation record.
func IsRequester(t event.Type) bool {
	_, ok := requesterTypes[t]
	return ok
}

// IsResolver reports whether the type closes a correlation record.
func IsResolver(t event.Type) bool {
	_, ok := resolverTypes[t]
	return ok
}

// Resolver tracks open correlation records for one conversation.
//
// When the correlation id is absent the key falls back to the tool name.
// Concurrent invocations of the same tool without explicit ids can then
// cross-match; open records per key resolve oldest-first, which is the
// observed behavior, and the ambiguity is a known product gap rather than
// something this package tries to repair.
type Resolver struct {
	// open holds FIFO queues of pending records per key.
	open map[string][]*Record

	// closed remembers resolved/expired keys so duplicate resolvers are
	// recognized as no-ops instead of synthesizing placeholders.
	closed map[string]struct{}
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		open:   make(map[string][]*Record),
		closed: make(map[string]struct{}),
	}
}

// Resolve feeds one event through the resolver.
//
// Requester events open a record and return it with Status pending.
// Resolver events close the oldest open record for their key; when none is
// open and the key was never resolved, a zero-duration placeholder
// requester is synthesized so the pair still renders.
// All other events pass through with a nil Record.
func (r *Resolver) Resolve(ev event.Event) Outcome {
	if IsRequester(ev.Type) {
		rec := &Record{
			Key:       Key(ev),
			OpenedAt:  ev.Time(),
			Requester: ev,
			Status:    StatusPending,
		}
		r.open[rec.Key] = append(r.open[rec.Key], rec)
		return Outcome{Event: ev, Record: rec}
	}

	if !IsResolver(ev.Type) {
		return Outcome{Event: ev}
	}

	key := Key(ev)
	if queue := r.open[key]; len(queue) > 0 {
		rec := queue[0]
		r.open[key] = queue[1:]
		if len(r.open[key]) == 0 {
			delete(r.open, key)
		}
		res := ev
		rec.Resolution = &res
		rec.Status = StatusResolved
		r.closed[key] = struct{}{}
		return Outcome{Event: ev, Record: rec}
	}

	if _, done := r.closed[key]; done {
		return Outcome{Event: ev, Record: nil, Duplicate: true}
	}

	// Resolver arrived first, or the requester was lost to a gap-skip.
	// Synthesize a zero-duration requester so the pair still renders.
	rec := &Record{
		Key:         key,
		OpenedAt:    ev.Time(),
		Requester:   placeholderFor(ev),
		Resolution:  &ev,
		Status:      StatusResolved,
		Synthesized: true,
	}
	r.closed[key] = struct{}{}
	return Outcome{Event: ev, Record: rec}
}

// Expire closes the oldest open record for the key without a resolution.
// Returns the expired record, or nil if nothing was open.
func (r *Resolver) Expire(key string) *Record {
	queue := r.open[key]
	if len(queue) == 0 {
		return nil
	}
	rec := queue[0]
	r.open[key] = queue[1:]
	if len(r.open[key]) == 0 {
		delete(r.open, key)
	}
	rec.Status = StatusExpired
	r.closed[key] = struct{}{}
	return rec
}

// Open returns the number of open records across all keys.
func (r *Resolver) Open() int {
	n := 0
	for _, queue := range r.open {
		n += len(queue)
	}
	return n
}

// Key derives the correlation key for an event: the explicit correlation
// id when present, else the tool-name fallback. The HITL tracker and the
// reducer key by the same derivation, so a synthesized answer or timeout
// addresses the record its ask opened.
func Key(ev event.Event) string {
	if ev.CorrelationID != "" {
		return ev.CorrelationID
	}
	if tool := toolName(ev); tool != "" {
		return "tool:" + tool
	}
	// No id and no tool: key on the event id so the record is at least
	// self-consistent.
	return "event:" + ev.ID
}

// placeholderFor fabricates a requester for an unmatched resolver. The
// placeholder shares the resolver's timestamp so the pair's duration is
// zero.
func placeholderFor(res event.Event) event.Event {
	reqType := resolverTypes[res.Type]
	ph := event.Event{
		ID:            "ph-" + uuid.New().String()[:8],
		Type:          reqType,
		Seq:           res.Seq,
		Timestamp:     res.Timestamp,
		CorrelationID: res.CorrelationID,
	}
	if reqType == event.TypeAct {
		ph.Payload = event.MustMarshalPayload(&event.ActPayload{Tool: toolName(res)})
	}
	return ph
}

// toolName extracts the tool name from payloads that carry one.
func toolName(ev event.Event) string {
	p, err := event.Decode(ev)
	if err != nil {
		return ""
	}
	switch payload := p.(type) {
	case *event.ActPayload:
		return payload.Tool
	case *event.ObservePayload:
		return payload.Tool
	case *event.AskPayload:
		return payload.Tool
	case *event.SkillPayload:
		return payload.Tool
	}
	return ""
}
