// Package natsfeed delivers agent events from a NATS JetStream stream
// into per-conversation engines. Delivery is at-least-once; the
// sequencer's duplicate discard makes redelivery harmless, so messages
// are acked unconditionally once handed to the engine.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/s1366560/agentline/config"
	"github.com/s1366560/agentline/engine"
	"github.com/s1366560/agentline/event"
)

// Feed consumes one JetStream stream and routes events to engines by
// conversation id. The consume callback runs on a single goroutine, so
// each engine sees a single producer.
type Feed struct {
	cfg     config.NATSConfig
	manager *engine.Manager
	logger  *slog.Logger

	nc      *nats.Conn
	consume jetstream.ConsumeContext
}

// New creates a feed. Start must be called before events flow.
func New(cfg config.NATSConfig, manager *engine.Manager, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{cfg: cfg, manager: manager, logger: logger}
}

// Start connects to NATS and begins consuming. The stream must already
// exist; the consumer is created or updated to match the configuration.
func (f *Feed) Start(ctx context.Context) error {
	nc, err := nats.Connect(f.cfg.URL,
		nats.Name("agentline-feed"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	f.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, f.cfg.Stream)
	if err != nil {
		nc.Close()
		return fmt.Errorf("lookup stream %q: %w", f.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       f.cfg.Durable,
		FilterSubject: f.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("create consumer: %w", err)
	}

	consume, err := consumer.Consume(f.handle)
	if err != nil {
		nc.Close()
		return fmt.Errorf("start consuming: %w", err)
	}
	f.consume = consume

	f.logger.Info("NATS feed started",
		"stream", f.cfg.Stream, "subject", f.cfg.Subject, "durable", f.cfg.Durable)
	return nil
}

// Stop drains the consumer and closes the connection.
func (f *Feed) Stop() {
	if f.consume != nil {
		f.consume.Stop()
	}
	if f.nc != nil {
		f.nc.Close()
	}
}

func (f *Feed) handle(msg jetstream.Msg) {
	conversation := ConversationFromSubject(msg.Subject())
	if conversation == "" {
		f.logger.Warn("message without conversation token", "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	ev, err := DecodeEvent(msg.Data())
	if err != nil {
		// Malformed payloads can never succeed on redelivery.
		f.logger.Warn("terminating undecodable event",
			"subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	if err := f.manager.Get(conversation).Ingest(ev); err != nil {
		f.logger.Warn("event rejected by engine",
			"conversation", conversation, "event", ev.ID, "error", err)
	}
	_ = msg.Ack()
}

// DecodeEvent unmarshals one transport message into an event envelope.
func DecodeEvent(data []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// ConversationFromSubject extracts the conversation id, which is the last
// subject token (e.g. "agent.events.conv-42" -> "conv-42").
func ConversationFromSubject(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}
