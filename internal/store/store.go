package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertEvents bulk-copies session events into classification_events.
func (s *Store) InsertEvents(ctx context.Context, evts []EventRecord) error {
	if len(evts) == 0 {
		return nil
	}

	rows := make([][]any, len(evts))
	for i, e := range evts {
		rows[i] = []any{e.EventID, e.SessionID, e.EventType, e.Timestamp, e.Data}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"classification_events"},
		[]string{"event_id", "session_id", "event_type", "timestamp", "data"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	slog.Debug("inserted events", "count", len(evts))
	return nil
}

// sessionColumns maps accepted update keys to classification_sessions columns.
var sessionColumns = map[string]string{
	"product":         "product",
	"model":           "model",
	"status":          "status",
	"stage":           "stage",
	"progress":        "progress",
	"questions_asked": "questions_asked",
	"final_code":      "final_code",
	"error":           "error",
	"started_at":      "started_at",
	"completed_at":    "completed_at",
}

// UpsertSession creates the session row if needed and applies the known
// fields in updates. Unknown keys are ignored.
func (s *Store) UpsertSession(ctx context.Context, sessionID string, updates map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session upsert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO classification_sessions (session_id, status, updated_at)
		VALUES ($1, 'streaming', now())
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
	`, sessionID); err != nil {
		return fmt.Errorf("upsert session base: %w", err)
	}

	for field, value := range updates {
		col, ok := sessionColumns[field]
		if !ok {
			continue
		}
		q := fmt.Sprintf(`UPDATE classification_sessions SET %s = $2, updated_at = now() WHERE session_id = $1`, col)
		if _, err := tx.Exec(ctx, q, sessionID, value); err != nil {
			return fmt.Errorf("update session field %s: %w", field, err)
		}
	}

	return tx.Commit(ctx)
}

// GetSession returns a single session row by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, product, model, status, stage, progress, questions_asked,
		       final_code, error, started_at, completed_at, created_at, updated_at
		FROM classification_sessions WHERE session_id = $1
	`, sessionID)

	var (
		sid, status                         string
		product, model, stage, code, errStr *string
		progress, questions                 int
		startedAt, completedAt              *time.Time
		createdAt, updatedAt                time.Time
	)
	if err := row.Scan(&sid, &product, &model, &status, &stage, &progress, &questions,
		&code, &errStr, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	result := map[string]any{
		"session_id":      sid,
		"status":          status,
		"progress":        progress,
		"questions_asked": questions,
		"created_at":      createdAt,
		"updated_at":      updatedAt,
	}
	setIfPresent(result, "product", product)
	setIfPresent(result, "model", model)
	setIfPresent(result, "stage", stage)
	setIfPresent(result, "final_code", code)
	setIfPresent(result, "error", errStr)
	if startedAt != nil {
		result["started_at"] = *startedAt
	}
	if completedAt != nil {
		result["completed_at"] = *completedAt
	}
	return result, nil
}

// QueryEvents returns a session's events in timestamp order.
func (s *Store) QueryEvents(ctx context.Context, sessionID string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, event_type, timestamp, data FROM classification_events WHERE session_id = $1 ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			eid, sid, etype string
			ts              time.Time
			data            json.RawMessage
		)
		if err := rows.Scan(&eid, &sid, &etype, &ts, &data); err != nil {
			return nil, err
		}
		results = append(results, map[string]any{
			"event_id":   eid,
			"session_id": sid,
			"event_type": etype,
			"timestamp":  ts,
			"data":       data,
		})
	}
	return results, rows.Err()
}

// QuerySessions returns sessions filtered by status, newest first.
func (s *Store) QuerySessions(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	q := `SELECT session_id, product, status, stage, progress, final_code, created_at FROM classification_sessions`
	args := []any{}
	argN := 1

	if status != "" {
		q += fmt.Sprintf(` WHERE status = $%d`, argN)
		args = append(args, status)
		argN++
	}

	q += ` ORDER BY created_at DESC`

	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, argN)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			sid, st              string
			product, stage, code *string
			progress             int
			createdAt            time.Time
		)
		if err := rows.Scan(&sid, &product, &st, &stage, &progress, &code, &createdAt); err != nil {
			return nil, err
		}
		r := map[string]any{
			"session_id": sid,
			"status":     st,
			"progress":   progress,
			"created_at": createdAt,
		}
		setIfPresent(r, "product", product)
		setIfPresent(r, "stage", stage)
		setIfPresent(r, "final_code", code)
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertClassification records a finished classification.
func (s *Store) InsertClassification(ctx context.Context, c Classification) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now().UTC()
	}
	trail := c.DecisionTrail
	if len(trail) == 0 {
		trail = json.RawMessage(`[]`)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_classifications
			(id, session_id, product_description, enriched_description, hs_code, confidence, full_path, decision_trail, classification_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.SessionID, c.ProductDescription, c.EnrichedDescription, c.HSCode, c.Confidence, c.FullPath, trail, c.ClassifiedAt)
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

// ListClassifications returns recent classifications, newest first.
func (s *Store) ListClassifications(ctx context.Context, limit int) ([]Classification, error) {
	q := `SELECT id, session_id, product_description, enriched_description, hs_code, confidence, full_path, decision_trail, classification_date
		FROM product_classifications ORDER BY classification_date DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Classification
	for rows.Next() {
		var (
			c                  Classification
			enriched, fullPath *string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ProductDescription, &enriched, &c.HSCode,
			&c.Confidence, &fullPath, &c.DecisionTrail, &c.ClassifiedAt); err != nil {
			return nil, err
		}
		if enriched != nil {
			c.EnrichedDescription = *enriched
		}
		if fullPath != nil {
			c.FullPath = *fullPath
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func setIfPresent(m map[string]any, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}
