// Package session drives one classification session: it opens event streams
// against the classification service, folds every event into a State in
// arrival order and pauses for clarification answers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/sse"
)

// Stream modes reported in stream_opened events.
const (
	modeClassify = "classify"
	modeRestart  = "restart"
	modeAnswer   = "answer"
	modeContinue = "continue"
)

var (
	ErrNotAwaitingAnswer = errors.New("session is not awaiting an answer")
	ErrEmptyProduct      = errors.New("product description is empty")
)

// Observer is called with a local stream_opened event before each stream
// request, after every applied event with the resulting state, and once
// more with a local stream_closed or stream_failed event when a stream ends
// on its own. Calls for one stream are made in order from a
// single goroutine.
type Observer func(e events.Event, st State)

// Session owns one classification's state and its active stream.
type Session struct {
	id        string
	transport Transport
	observer  Observer

	mu    sync.RWMutex
	state State
	clock clock
	run   *run
}

// run is one open stream. Events from a run that is no longer current are
// discarded, which is how cancellation wins over buffered frames.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle session. observer may be nil.
func New(id string, transport Transport, observer Observer) *Session {
	return &Session{
		id:        id,
		transport: transport,
		observer:  observer,
		state:     InitialState(),
		clock:     clock{now: time.Now},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start resets the session and opens a new classification stream. Events
// are applied in the background; use Wait to block until the stream ends.
func (s *Session) Start(ctx context.Context, product string, opts Options) error {
	if strings.TrimSpace(product) == "" {
		return ErrEmptyProduct
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()
	return s.begin(ctx, product, classifyRequest(product, opts))
}

// Restart begins a fresh classification constrained to a forced path prefix.
// Decisions, beam and events are cleared; the stored product stays the one
// the caller described, not the override text sent to the service.
func (s *Session) Restart(ctx context.Context, product string, forced []PathNode, opts Options) error {
	if strings.TrimSpace(product) == "" {
		return ErrEmptyProduct
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()

	req := classifyRequest(ForcedProduct(product, forced), opts)
	req.ForcedPath = forced
	slog.Info("restarting classification from forced path",
		"session_id", s.id,
		"depth", len(forced),
	)
	return s.begin(ctx, product, req)
}

func classifyRequest(product string, opts Options) ClassifyRequest {
	return ClassifyRequest{
		Model:              opts.Model,
		Product:            product,
		Interactive:        !opts.NonInteractive,
		MaxQuestions:       opts.MaxQuestions,
		UseMultiHypothesis: true,
		HypothesisCount:    opts.HypothesisCount,
	}
}

func (s *Session) begin(ctx context.Context, product string, req ClassifyRequest) error {
	s.mu.Lock()
	s.detach()
	s.state = InitialState()
	s.state.Product = product
	s.state.Model = req.Model
	s.state.IsStreaming = true
	s.state.CurrentStage = "Connecting..."
	s.clock.start()
	r := s.attach(ctx)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	mode := modeClassify
	if len(req.ForcedPath) > 0 {
		mode = modeRestart
	}
	s.opened(mode, snap)
	body, err := s.transport.Classify(r.ctx, req)
	return s.launch(r, body, err)
}

// Answer resumes a paused classification with the caller's answer. It is
// rejected without touching state unless a question is pending.
func (s *Session) Answer(ctx context.Context, answer string) error {
	s.mu.Lock()
	if !s.state.IsWaitingForAnswer || s.state.CurrentQuestion == nil || s.state.Completed() {
		s.mu.Unlock()
		slog.Warn("answer rejected, no pending question", "session_id", s.id)
		return ErrNotAwaitingAnswer
	}

	s.detach()
	req := ContinueRequest{
		Model:  s.state.Model,
		State:  orEmptyToken(s.state.ClassificationState),
		Answer: &answer,
	}
	s.state.CurrentQuestion = nil
	s.state.IsWaitingForAnswer = false
	s.state.CurrentStage = "Resuming classification..."
	s.state.IsStreaming = true
	s.state.Error = ""
	s.clock.resume()
	r := s.attach(ctx)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.opened(modeAnswer, snap)
	body, err := s.transport.Continue(r.ctx, req)
	return s.launch(r, body, err)
}

// ContinueFromState resumes from a caller-supplied token, typically one
// built by ReconstructState. Accumulated decisions are kept, while any
// final result or pending question is cleared so the new run can settle.
func (s *Session) ContinueFromState(ctx context.Context, token json.RawMessage, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.detach()
	model := opts.Model
	if model == "" {
		model = s.state.Model
	}
	if model == "" {
		model = ModelVertex
	}
	req := ContinueRequest{Model: model, State: orEmptyToken(token)}
	s.state.Model = model
	s.state.IsStreaming = true
	s.state.Error = ""
	s.state.FinalResult = nil
	s.state.CurrentQuestion = nil
	s.state.IsWaitingForAnswer = false
	s.state.CurrentStage = "Continuing classification..."
	s.clock.start()
	r := s.attach(ctx)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.opened(modeContinue, snap)
	body, err := s.transport.Continue(r.ctx, req)
	return s.launch(r, body, err)
}

// Stop aborts the active stream. Frames already read but not yet applied
// are dropped. It is a no-op when nothing is streaming.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	s.detach()
	s.state.IsStreaming = false
	s.clock.stop()
	slog.Info("classification stream stopped", "session_id", s.id)
}

// StopGracefully releases the connection after a result has arrived. Like
// Stop, it keeps the final result and everything accumulated so far.
func (s *Session) StopGracefully() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	s.detach()
	s.state.IsStreaming = false
	s.clock.stop()
	slog.Info("classification stream released",
		"session_id", s.id,
		"has_result", s.state.Completed(),
	)
}

// Reset stops any stream and returns the session to its initial state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach()
	s.state = InitialState()
	s.clock.reset()
}

// Snapshot returns the current state. Its slices are shared with later
// snapshots and must be treated as read-only.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Wait blocks until the current stream ends or ctx is done. It returns
// immediately when nothing is streaming.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	r := s.run
	s.mu.RUnlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) snapshotLocked() State {
	st := s.state
	st.ElapsedTime = int(s.clock.elapsed() / time.Second)
	return st
}

// attach makes a new run current. The stream outlives the caller's request,
// so only the context's values are inherited, not its cancellation.
func (s *Session) attach(ctx context.Context) *run {
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{ctx: rctx, cancel: cancel, done: make(chan struct{})}
	s.run = r
	return r
}

func (s *Session) detach() {
	if s.run == nil {
		return
	}
	s.run.cancel()
	s.run = nil
}

// opened tells the observer a stream is about to be requested, carrying the
// product so downstream consumers need not parse service events for it.
func (s *Session) opened(mode string, st State) {
	slog.Info("classification stream opening",
		"session_id", s.id,
		"mode", mode,
		"model", st.Model,
	)
	if s.observer == nil {
		return
	}
	s.observer(events.Local(events.TypeStreamOpened, map[string]any{
		"mode":    mode,
		"product": st.Product,
		"model":   st.Model,
	}), st)
}

func (s *Session) launch(r *run, body io.ReadCloser, err error) error {
	if err != nil {
		if s.finish(r, fmt.Errorf("open stream: %w", err)) {
			return err
		}
		return nil
	}
	go s.consume(r, body)
	return nil
}

func (s *Session) consume(r *run, body io.ReadCloser) {
	defer body.Close()
	err := sse.Stream(r.ctx, body, func(e events.Event) error {
		return s.apply(r, e)
	})
	s.finish(r, err)
}

func (s *Session) apply(r *run, e events.Event) error {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return sse.ErrStopped
	}
	s.state = Fold(s.state, e)
	if s.state.Completed() {
		s.clock.stop()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(e, snap)
	}
	return nil
}

// finish settles a run exactly once. It reports whether the run was still
// current; a stopped or superseded run ends silently.
func (s *Session) finish(r *run, err error) bool {
	defer close(r.done)
	defer r.cancel()

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	s.run = nil
	s.state.IsStreaming = false
	s.clock.stop()

	local := events.Local(events.TypeStreamClosed, nil)
	if err != nil && !s.state.Completed() {
		s.state.Error = err.Error()
		local = events.Local(events.TypeStreamFailed, map[string]any{"error": err.Error()})
		slog.Error("classification stream failed", "session_id", s.id, "error", err)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(local, snap)
	}
	return true
}

func orEmptyToken(token json.RawMessage) json.RawMessage {
	if len(token) == 0 || string(token) == "null" {
		return json.RawMessage(`{}`)
	}
	return token
}
