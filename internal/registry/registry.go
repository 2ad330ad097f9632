// Package registry holds live classification sessions and fans their
// events out to persistence, metrics, alerting and NATS.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/relay"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

var ErrSessionNotFound = errors.New("session not found")

// Sink receives every session event tagged with its session ID.
type Sink interface {
	Process(ctx context.Context, rec store.EventRecord)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, rec store.EventRecord)

func (f SinkFunc) Process(ctx context.Context, rec store.EventRecord) { f(ctx, rec) }

type Registry struct {
	transport session.Transport
	sessions  *cache.Cache
	sinks     []Sink
	publish   func(sessionID string, e events.Event)
}

// New creates a registry. Sessions idle for longer than ttl are stopped and
// dropped; every event a session applies counts as activity.
func New(t session.Transport, ttl time.Duration, sinks ...Sink) *Registry {
	r := &Registry{
		transport: t,
		sessions:  cache.New(ttl, ttl/2),
		sinks:     sinks,
	}
	r.sessions.OnEvicted(func(id string, v any) {
		slog.Info("session evicted", "session_id", id)
		v.(*session.Session).Stop()
	})
	return r
}

// SetPublisher mirrors every session event through fn (the NATS relay).
func (r *Registry) SetPublisher(fn func(sessionID string, e events.Event)) {
	r.publish = fn
}

// Create registers a new idle session under a fresh ID.
func (r *Registry) Create() *session.Session {
	id := uuid.New().String()
	var s *session.Session
	s = session.New(id, r.transport, func(e events.Event, _ session.State) {
		// Replace is a no-op once the session was deleted or expired.
		_ = r.sessions.Replace(id, s, cache.DefaultExpiration)
		r.emit(id, e)
	})
	r.sessions.SetDefault(id, s)
	slog.Info("session created", "session_id", id)
	return s
}

// Get returns a live session and refreshes its idle deadline.
func (r *Registry) Get(id string) (*session.Session, error) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s := v.(*session.Session)
	_ = r.sessions.Replace(id, s, cache.DefaultExpiration)
	return s, nil
}

// Delete stops a session and forgets it.
func (r *Registry) Delete(id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	r.sessions.Delete(id)
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return r.sessions.ItemCount()
}

// IDs lists the live session IDs.
func (r *Registry) IDs() []string {
	items := r.sessions.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every live session.
func (r *Registry) Close() {
	for id, item := range r.sessions.Items() {
		item.Object.(*session.Session).Stop()
		slog.Debug("session stopped on shutdown", "session_id", id)
	}
}

// Dispatch applies a relayed command to its session.
func (r *Registry) Dispatch(ctx context.Context, action string, cmd relay.Command) error {
	s, err := r.Get(cmd.SessionID)
	if err != nil {
		return err
	}
	switch action {
	case relay.ActionAnswer:
		return s.Answer(ctx, cmd.Answer)
	case relay.ActionStop:
		s.Stop()
	case relay.ActionStopGraceful:
		s.StopGracefully()
	case relay.ActionReset:
		s.Reset()
	default:
		return fmt.Errorf("%w: %s", relay.ErrUnknownAction, action)
	}
	return nil
}

func (r *Registry) emit(id string, e events.Event) {
	rec := store.EventRecord{
		EventID:   e.ID,
		SessionID: id,
		EventType: e.Type,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}
	ctx := context.Background()
	for _, sink := range r.sinks {
		sink.Process(ctx, rec)
	}
	if r.publish != nil {
		r.publish(id, e)
	}
}
