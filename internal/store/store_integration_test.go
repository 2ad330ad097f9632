package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func skipWithoutDB(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	return url
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := skipWithoutDB(t)
	if err := Migrate(url, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := New(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegration_InsertAndQueryEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sessionID := "int-session-" + time.Now().Format("20060102150405")
	now := time.Now().UTC()

	evts := []EventRecord{
		{
			EventID:   "int-evt-1",
			SessionID: sessionID,
			EventType: "classification_start",
			Timestamp: now,
			Data:      json.RawMessage(`{}`),
		},
		{
			EventID:   "int-evt-2",
			SessionID: sessionID,
			EventType: "beam_leaderboard",
			Timestamp: now.Add(time.Millisecond),
			Data:      json.RawMessage(`{"beam":[{"current_path":"01 - Live Animals"}]}`),
		},
	}

	if err := s.InsertEvents(ctx, evts); err != nil {
		t.Fatalf("insert events: %v", err)
	}

	results, err := s.QueryEvents(ctx, sessionID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 events, got %d", len(results))
	}
	if results[0]["event_type"] != "classification_start" {
		t.Errorf("expected events in timestamp order, got %v first", results[0]["event_type"])
	}

	s.pool.Exec(ctx, "DELETE FROM classification_events WHERE session_id = $1", sessionID)
}

func TestIntegration_UpsertAndGetSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sessionID := "int-sess-" + time.Now().Format("20060102150405")

	err := s.UpsertSession(ctx, sessionID, map[string]any{
		"product":    "cotton t-shirt",
		"status":     "streaming",
		"started_at": time.Now().UTC(),
		"ignored":    "nope",
	})
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess["product"] != "cotton t-shirt" {
		t.Errorf("expected product, got %v", sess["product"])
	}

	err = s.UpsertSession(ctx, sessionID, map[string]any{
		"status":     "completed",
		"final_code": "6109.10",
		"progress":   100,
	})
	if err != nil {
		t.Fatalf("upsert session (completed): %v", err)
	}

	sess, _ = s.GetSession(ctx, sessionID)
	if sess["status"] != "completed" {
		t.Errorf("expected status completed, got %v", sess["status"])
	}
	if sess["final_code"] != "6109.10" {
		t.Errorf("expected final code, got %v", sess["final_code"])
	}

	done, err := s.QuerySessions(ctx, "completed", 100)
	if err != nil {
		t.Fatalf("query sessions: %v", err)
	}
	for _, r := range done {
		if r["status"] != "completed" {
			t.Errorf("expected only completed sessions, got %v", r["status"])
		}
	}

	s.pool.Exec(ctx, "DELETE FROM classification_sessions WHERE session_id = $1", sessionID)
}

func TestIntegration_Classifications(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sessionID := "int-hist-" + time.Now().Format("20060102150405")
	c := Classification{
		SessionID:          sessionID,
		ProductDescription: "cotton t-shirt",
		HSCode:             "6109.10",
		Confidence:         0.93,
		FullPath:           "61 Knitted apparel > 6109 T-shirts > 6109.10 Of cotton",
		DecisionTrail:      json.RawMessage(`[{"code":"61","level":0}]`),
	}
	if err := s.InsertClassification(ctx, c); err != nil {
		t.Fatalf("insert classification: %v", err)
	}

	list, err := s.ListClassifications(ctx, 10)
	if err != nil {
		t.Fatalf("list classifications: %v", err)
	}
	found := false
	for _, got := range list {
		if got.SessionID == sessionID {
			found = true
			if got.HSCode != "6109.10" {
				t.Errorf("expected hs code 6109.10, got %s", got.HSCode)
			}
			if got.ID == "" {
				t.Error("expected generated id")
			}
		}
	}
	if !found {
		t.Error("inserted classification not listed")
	}

	s.pool.Exec(ctx, "DELETE FROM product_classifications WHERE session_id = $1", sessionID)
}
