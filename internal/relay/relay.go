// Package relay mirrors session events onto NATS and accepts session
// commands from a JetStream work queue.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
)

const (
	commandStream   = "CLASSIFICATION_COMMANDS"
	commandPrefix   = "hsstream.command."
	commandConsumer = "hsstream-commands"
	sessionPrefix   = "hsstream.session."
)

// Command actions accepted on hsstream.command.<action>.
const (
	ActionAnswer       = "answer"
	ActionStop         = "stop"
	ActionStopGraceful = "stop_graceful"
	ActionReset        = "reset"
)

// ErrUnknownAction is returned by dispatchers for actions they do not handle.
var ErrUnknownAction = errors.New("unknown command action")

// Command is the payload of a session command message.
type Command struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer,omitempty"`
}

// Dispatcher applies a command to the named session.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, cmd Command) error
}

// Envelope is what gets published for every session event.
type Envelope struct {
	SessionID string       `json:"session_id"`
	Event     events.Event `json:"event"`
}

type Relay struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	dispatcher Dispatcher
	subs       []jetstream.ConsumeContext
	ctx        context.Context
	cancel     context.CancelFunc
}

// streamSubjects maps JetStream stream names to the subjects they retain.
var streamSubjects = map[string][]string{
	"CLASSIFICATION_EVENTS": {"hsstream.session.>", "hsstream.system.>"},
	commandStream:           {"hsstream.command.>"},
}

func New(natsURL string) (*Relay, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	rctx, rcancel := context.WithCancel(context.Background())
	return &Relay{
		nc:     nc,
		js:     js,
		ctx:    rctx,
		cancel: rcancel,
	}, nil
}

// Start ensures the streams exist and binds the durable command consumer.
func (r *Relay) Start(d Dispatcher) error {
	ctx := context.Background()
	r.dispatcher = d

	for stream, subjects := range streamSubjects {
		if err := r.ensureStream(ctx, stream, subjects); err != nil {
			if stream == commandStream {
				return err
			}
			slog.Warn("stream not available, skipping", "stream", stream, "error", err)
		}
	}

	consumer, err := r.js.CreateOrUpdateConsumer(ctx, commandStream, jetstream.ConsumerConfig{
		Name:          commandConsumer,
		Durable:       commandConsumer,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", commandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		r.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", commandConsumer, err)
	}
	r.subs = append(r.subs, cc)

	slog.Info("subscribed to stream", "stream", commandStream, "consumer", commandConsumer)
	return nil
}

func (r *Relay) ensureStream(ctx context.Context, name string, subjects []string) error {
	_, err := r.js.Stream(ctx, name)
	if err == nil {
		return nil
	}

	_, err = r.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	slog.Info("created stream", "name", name, "subjects", subjects)
	return nil
}

func (r *Relay) handleMessage(msg jetstream.Msg) {
	action := strings.TrimPrefix(msg.Subject(), commandPrefix)

	var cmd Command
	if err := json.Unmarshal(msg.Data(), &cmd); err != nil || cmd.SessionID == "" {
		slog.Warn("malformed command, skipping", "subject", msg.Subject(), "error", err)
		// Ack to avoid redelivery of permanently broken messages.
		_ = msg.Ack()
		return
	}

	if r.dispatcher != nil {
		if err := r.dispatcher.Dispatch(r.ctx, action, cmd); err != nil {
			slog.Warn("command rejected",
				"action", action,
				"session_id", cmd.SessionID,
				"error", err,
			)
		}
	}

	// Commands are not retried: a rejected answer stays rejected.
	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// EventSubject is the subject a session event is published on.
func EventSubject(sessionID, eventType string) string {
	return sessionPrefix + sessionID + "." + eventType
}

// PublishEvent mirrors one session event onto NATS.
func (r *Relay) PublishEvent(sessionID string, e events.Event) {
	data, err := json.Marshal(Envelope{SessionID: sessionID, Event: e})
	if err != nil {
		slog.Error("failed to encode event", "session_id", sessionID, "error", err)
		return
	}
	if err := r.Publish(EventSubject(sessionID, e.Type), data); err != nil {
		slog.Warn("failed to publish event", "session_id", sessionID, "type", e.Type, "error", err)
	}
}

// Publish sends a message to NATS.
func (r *Relay) Publish(subject string, data []byte) error {
	return r.nc.Publish(subject, data)
}

// Close drains subscriptions and closes the NATS connection.
func (r *Relay) Close() {
	r.cancel()
	for _, cc := range r.subs {
		cc.Stop()
	}
	r.nc.Drain()
}
