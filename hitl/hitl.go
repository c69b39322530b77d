// Package hitl tracks human-in-the-loop requests: decisions,
// clarifications, and environment-variable requests. Each open request
// carries a deadline; expiry either applies the request's default option
// or times the request out. Decision requests whose blocked tool matches
// an auto-approval pattern are answered immediately without waiting for
// the user.
package hitl

import (
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/pairing"
)

// DefaultTimeout applies when an ask carries no timeout of its own.
const DefaultTimeout = 60 * time.Second

// Kind classifies a human-in-the-loop request.
type Kind string

const (
	KindDecision      Kind = "decision"
	KindClarification Kind = "clarification"
	KindEnvVar        Kind = "env_var"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusTimedOut Status = "timed_out"
)

// Request is one tracked human-in-the-loop request.
type Request struct {
	// Key is the correlation key the answer must carry.
	Key string `json:"key"`

	// Kind classifies the request.
	Kind Kind `json:"kind"`

	// Question is the prompt shown to the user.
	Question string `json:"question"`

	// Options lists the selectable choices for decisions.
	Options []event.Option `json:"options,omitempty"`

	// DefaultOption is applied on expiry, if set.
	DefaultOption string `json:"default_option,omitempty"`

	// Tool names the tool blocked on this request.
	Tool string `json:"tool,omitempty"`

	// Names lists requested variable names for env-var requests.
	Names []string `json:"names,omitempty"`

	// AskedAt is when the request was opened.
	AskedAt time.Time `json:"asked_at"`

	// Deadline is when the request expires.
	Deadline time.Time `json:"deadline"`

	// Status is the request's lifecycle state.
	Status Status `json:"status"`

	// Answer is the resolving payload once answered.
	Answer *event.AnswerPayload `json:"answer,omitempty"`
}

// Tracker holds open requests and resolves, auto-approves, or expires
// them. It is not safe for concurrent use; the engine serializes access.
type Tracker struct {
	pending  map[string]*Request
	order    []string
	resolved map[string]*Request

	timeout     time.Duration
	autoApprove []string
	logger      *slog.Logger
}

// NewTracker creates a tracker. autoApprove holds doublestar patterns
// matched against the tool name of decision requests; a match answers
// the request immediately with its default (or sole) option.
func NewTracker(timeout time.Duration, autoApprove []string, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		pending:     make(map[string]*Request),
		resolved:    make(map[string]*Request),
		timeout:     timeout,
		autoApprove: autoApprove,
		logger:      logger,
	}
}

// Pending returns open requests in the order they were asked.
func (t *Tracker) Pending() []*Request {
	out := make([]*Request, 0, len(t.pending))
	for _, key := range t.order {
		if r, ok := t.pending[key]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the request with the given key, open or resolved.
func (t *Tracker) Get(key string) *Request {
	if r, ok := t.pending[key]; ok {
		return r
	}
	return t.resolved[key]
}

// Apply folds one event into the tracker. For auto-approved decision
// requests it returns a synthesized answer event the caller must feed back
// through the pipeline; otherwise the returned slice is empty.
func (t *Tracker) Apply(ev event.Event) []event.Event {
	switch ev.Type {
	case event.TypeDecisionAsked:
		return t.open(ev, KindDecision)
	case event.TypeClarificationAsked:
		return t.open(ev, KindClarification)
	case event.TypeEnvVarRequested:
		return t.open(ev, KindEnvVar)
	case event.TypeDecisionAnswered, event.TypeClarificationAnswered, event.TypeEnvVarProvided:
		t.answer(ev)
	case event.TypeHITLTimeout:
		t.applyTimeout(ev)
	}
	return nil
}

func (t *Tracker) open(ev event.Event, kind Kind) []event.Event {
	// Keyed by the pairing derivation so the resolver, the reducer, and the
	// tracker all address the same record for one request.
	key := pairing.Key(ev)
	if t.pending[key] != nil || t.resolved[key] != nil {
		return nil // duplicate ask
	}

	payload, err := event.Decode(ev)
	if err != nil {
		t.logger.Warn("undecodable ask payload", "type", ev.Type, "error", err)
		return nil
	}
	ask := payload.(*event.AskPayload)

	timeout := t.timeout
	if ask.TimeoutSeconds > 0 {
		timeout = time.Duration(ask.TimeoutSeconds) * time.Second
	}
	req := &Request{
		Key:           key,
		Kind:          kind,
		Question:      ask.Question,
		Options:       ask.Options,
		DefaultOption: ask.DefaultOption,
		Tool:          ask.Tool,
		Names:         ask.Names,
		AskedAt:       ev.Time(),
		Deadline:      ev.Time().Add(timeout),
		Status:        StatusPending,
	}
	t.pending[key] = req
	t.order = append(t.order, key)

	if kind == KindDecision && t.autoApproved(req.Tool) {
		option := req.DefaultOption
		if option == "" && len(req.Options) > 0 {
			option = req.Options[0].ID
		}
		t.logger.Info("auto-approving decision", "tool", req.Tool, "option", option)
		return []event.Event{t.answerEvent(req, event.TypeDecisionAnswered, &event.AnswerPayload{
			Option:     option,
			AnsweredBy: "auto",
		}, ev.Time())}
	}
	return nil
}

// answer resolves the matching pending request. Answers to already
// resolved or unknown requests are no-ops, so duplicate deliveries and
// races between user answers and timeouts settle on first-writer-wins.
func (t *Tracker) answer(ev event.Event) {
	key := pairing.Key(ev)
	req, ok := t.pending[key]
	if !ok {
		if t.resolved[key] == nil {
			t.logger.Debug("answer for unknown request", "key", key, "type", ev.Type)
		}
		return
	}
	payload, err := event.Decode(ev)
	if err != nil {
		t.logger.Warn("undecodable answer payload", "type", ev.Type, "error", err)
		return
	}
	req.Status = StatusAnswered
	req.Answer = payload.(*event.AnswerPayload)
	t.resolve(key)
}

func (t *Tracker) applyTimeout(ev event.Event) {
	payload, err := event.Decode(ev)
	if err != nil {
		return
	}
	key := payload.(*event.TimeoutPayload).RequestID
	req, ok := t.pending[key]
	if !ok {
		return
	}
	req.Status = StatusTimedOut
	t.resolve(key)
}

// ExpireDue scans open requests against now and returns the synthesized
// events that settle each expired one: an answer event carrying the
// default option when the request has one, a timeout event otherwise.
// The caller feeds the returned events back through the pipeline; the
// tracker itself does not mutate state here, so replaying the log yields
// identical results.
func (t *Tracker) ExpireDue(now time.Time) []event.Event {
	var out []event.Event
	for _, key := range t.order {
		req, ok := t.pending[key]
		if !ok || now.Before(req.Deadline) {
			continue
		}
		if req.DefaultOption != "" {
			out = append(out, t.answerEvent(req, answerType(req.Kind), &event.AnswerPayload{
				Option:     req.DefaultOption,
				AnsweredBy: "default",
			}, now))
			continue
		}
		out = append(out, event.Event{
			ID:            "timeout-" + uuid.NewString()[:8],
			Type:          event.TypeHITLTimeout,
			Timestamp:     now.UnixMilli(),
			CorrelationID: key,
			Payload:       event.MustMarshalPayload(&event.TimeoutPayload{RequestID: key}),
		})
	}
	return out
}

func (t *Tracker) answerEvent(req *Request, typ event.Type, p *event.AnswerPayload, at time.Time) event.Event {
	return event.Event{
		ID:            "answer-" + uuid.NewString()[:8],
		Type:          typ,
		Timestamp:     at.UnixMilli(),
		CorrelationID: req.Key,
		Payload:       event.MustMarshalPayload(p),
	}
}

func (t *Tracker) autoApproved(tool string) bool {
	if tool == "" {
		return false
	}
	for _, pattern := range t.autoApprove {
		ok, err := doublestar.Match(pattern, tool)
		if err != nil {
			t.logger.Warn("invalid auto-approval pattern", "pattern", pattern, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (t *Tracker) resolve(key string) {
	if req, ok := t.pending[key]; ok {
		delete(t.pending, key)
		t.resolved[key] = req
	}
}

func answerType(kind Kind) event.Type {
	switch kind {
	case KindClarification:
		return event.TypeClarificationAnswered
	case KindEnvVar:
		return event.TypeEnvVarProvided
	default:
		return event.TypeDecisionAnswered
	}
}
