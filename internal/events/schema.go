package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is one typed frame from the classification stream.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// wireEvent keeps type and timestamp untyped so a value of the wrong kind
// degrades to its default instead of failing the whole frame.
type wireEvent struct {
	Type      any             `json:"type"`
	Timestamp any             `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Normalize fills in missing fields with sensible defaults.
// It only fails when the payload is not a JSON object.
func Normalize(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}

	e := Event{
		ID:   uuid.New().String(),
		Data: w.Data,
	}

	e.Type, _ = w.Type.(string)
	if e.Type == "" {
		e.Type = TypeUnknown
	}

	if stamp, _ := w.Timestamp.(string); stamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			e.Timestamp = ts
		} else if ts, err := time.Parse("2006-01-02T15:04:05.999999", stamp); err == nil {
			// Python isoformat() without a zone.
			e.Timestamp = ts.UTC()
		} else {
			slog.Warn("event timestamp unparseable, using receipt time", "type", e.Type, "timestamp", stamp)
		}
	} else if w.Timestamp != nil {
		slog.Warn("event timestamp not a string, using receipt time", "type", e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if emptyData(e.Data) {
		e.Data = json.RawMessage(`{}`)
	}

	return e, nil
}

// emptyData reports a missing payload or one of the falsy JSON values
// null, false, 0 and "".
func emptyData(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	}
	return false
}

// Event types emitted by the classification service.
const (
	TypeUnknown = "unknown"

	TypeClassificationStart    = "classification_start"
	TypeInitializationStart    = "initialization_start"
	TypeChapterSelection       = "chapter_selection"
	TypePathInitialized        = "path_initialized"
	TypeIterationStart         = "iteration_start"
	TypeCandidateScoringStart  = "candidate_scoring_start"
	TypeCandidateScoringDone   = "candidate_scoring_complete"
	TypeBeamLeaderboard        = "beam_leaderboard"
	TypeQuestionGenerated      = "question_generated"
	TypeContinuationStart      = "continuation_start"
	TypeAnswerProcessing       = "answer_processing"
	TypeClassificationComplete = "classification_complete"
)

// Local event types. The orchestrator hands these to observers; they are
// never part of a session's folded event log.
const (
	TypeStreamOpened = "stream_opened"
	TypeStreamFailed = "stream_failed"
	TypeStreamClosed = "stream_closed"
)

// Local builds an orchestrator event with the given payload.
func Local(eventType string, payload map[string]any) Event {
	data, err := json.Marshal(payload)
	if err != nil || payload == nil {
		data = json.RawMessage(`{}`)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// DataMap returns the payload as a generic map. Non-object payloads yield nil.
func (e *Event) DataMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil
	}
	return m
}

// DataField extracts a string field from the payload.
func (e *Event) DataField(key string) string {
	if v, ok := e.DataMap()[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// DataNumber extracts a numeric field from the payload.
func (e *Event) DataNumber(key string) (float64, bool) {
	v, ok := e.DataMap()[key].(float64)
	return v, ok
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
