// Package history projects persisted session events into session status rows
// and, once a classification completes, a product_classifications entry.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/MikeSquared-Agency/hsstream/internal/decision"
	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

// Processor folds each session's events with session.Fold so the stored
// status matches what the live session reports.
type Processor struct {
	store  store.DataStore
	states *cache.Cache
}

// NewProcessor keeps in-flight projections for ttl after their last event.
func NewProcessor(s store.DataStore, ttl time.Duration) *Processor {
	return &Processor{
		store:  s,
		states: cache.New(ttl, ttl*2),
	}
}

type finalResult struct {
	FinalCode     string  `json:"final_code"`
	Code          string  `json:"code"`
	Confidence    float64 `json:"confidence"`
	FullPath      string  `json:"full_path"`
	EnrichedQuery string  `json:"enriched_query"`
}

// Process updates classification_sessions based on the event type.
func (p *Processor) Process(ctx context.Context, rec store.EventRecord) {
	st := p.state(rec.SessionID)
	e := events.Event{ID: rec.EventID, Type: rec.EventType, Timestamp: rec.Timestamp, Data: rec.Data}
	updates := map[string]any{}

	switch rec.EventType {
	case events.TypeStreamOpened:
		switch e.DataField("mode") {
		case "classify", "restart":
			st = session.InitialState()
			updates["started_at"] = rec.Timestamp
			updates["stage"] = "Connecting..."
			updates["progress"] = 0
			updates["questions_asked"] = 0
		case "continue":
			st.FinalResult = nil
		}
		st.CurrentQuestion = nil
		st.IsWaitingForAnswer = false
		if product := e.DataField("product"); product != "" {
			st.Product = product
			updates["product"] = product
		}
		if model := e.DataField("model"); model != "" {
			st.Model = model
			updates["model"] = model
		}
		st.IsStreaming = true
		st.Error = ""
		updates["status"] = string(session.PhaseStreaming)

	case events.TypeStreamFailed:
		st.IsStreaming = false
		st.Error = e.DataField("error")
		updates["status"] = string(session.PhaseErrored)
		updates["error"] = st.Error

	case events.TypeStreamClosed:
		st.IsStreaming = false
		updates["status"] = string(st.Phase())

	default:
		wasComplete := st.Completed()
		st = session.Fold(st, e)
		updates["status"] = string(st.Phase())
		updates["stage"] = st.CurrentStage
		updates["progress"] = st.Progress
		updates["questions_asked"] = st.QuestionsAsked

		if st.Completed() && !wasComplete {
			updates["completed_at"] = rec.Timestamp
			c := p.classification(rec, st)
			updates["final_code"] = c.HSCode
			if err := p.store.InsertClassification(ctx, c); err != nil {
				slog.Error("failed to record classification", "session_id", rec.SessionID, "error", err)
			}
		}
	}

	p.states.SetDefault(rec.SessionID, st)

	if err := p.store.UpsertSession(ctx, rec.SessionID, updates); err != nil {
		slog.Error("failed to upsert session", "session_id", rec.SessionID, "error", err)
	}
}

// State returns the projected state for a session, if one is cached.
func (p *Processor) State(sessionID string) (session.State, bool) {
	v, ok := p.states.Get(sessionID)
	if !ok {
		return session.State{}, false
	}
	return v.(session.State), true
}

func (p *Processor) state(sessionID string) session.State {
	if st, ok := p.State(sessionID); ok {
		return st
	}
	return session.InitialState()
}

// classification builds the history row. Result fields win; the folded
// decision trail fills whatever the service left out.
func (p *Processor) classification(rec store.EventRecord, st session.State) store.Classification {
	var res finalResult
	if err := json.Unmarshal(st.FinalResult, &res); err != nil {
		slog.Warn("classification result not an object", "session_id", rec.SessionID, "error", err)
	}

	c := store.Classification{
		SessionID:           rec.SessionID,
		ProductDescription:  st.Product,
		EnrichedDescription: res.EnrichedQuery,
		HSCode:              res.FinalCode,
		Confidence:          res.Confidence,
		FullPath:            res.FullPath,
		ClassifiedAt:        rec.Timestamp,
	}
	if c.HSCode == "" {
		c.HSCode = res.Code
	}
	if c.EnrichedDescription == "" {
		c.EnrichedDescription = st.EnrichedDescription
	}
	if last, ok := decision.Last(st.Decisions); ok {
		if c.HSCode == "" {
			c.HSCode = last.Code
		}
		if c.Confidence == 0 {
			c.Confidence = last.Confidence
		}
	}
	if c.FullPath == "" {
		c.FullPath = decision.Trail(st.Decisions)
	}
	if trail, err := json.Marshal(st.Decisions); err == nil {
		c.DecisionTrail = trail
	}
	return c
}
