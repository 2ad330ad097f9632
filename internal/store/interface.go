package store

import (
	"context"
	"encoding/json"
	"time"
)

// EventRecord is one stream event attributed to a session.
type EventRecord struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Classification is a finished classification kept for history.
type Classification struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	ProductDescription  string          `json:"product_description"`
	EnrichedDescription string          `json:"enriched_description,omitempty"`
	HSCode              string          `json:"hs_code"`
	Confidence          float64         `json:"confidence"`
	FullPath            string          `json:"full_path,omitempty"`
	DecisionTrail       json.RawMessage `json:"decision_trail,omitempty"`
	ClassifiedAt        time.Time       `json:"classification_date"`
}

// DataStore is the interface consumed by the batcher, the history
// projection and the API. The concrete implementation is *Store.
type DataStore interface {
	InsertEvents(ctx context.Context, evts []EventRecord) error
	UpsertSession(ctx context.Context, sessionID string, updates map[string]any) error
	GetSession(ctx context.Context, sessionID string) (map[string]any, error)
	QueryEvents(ctx context.Context, sessionID string) ([]map[string]any, error)
	QuerySessions(ctx context.Context, status string, limit int) ([]map[string]any, error)
	InsertClassification(ctx context.Context, c Classification) error
	ListClassifications(ctx context.Context, limit int) ([]Classification, error)
	Close()
}
