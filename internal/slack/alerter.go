package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

// Alerter posts stream failure alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
	wg       sync.WaitGroup
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// Process posts an alert for stream_failed events. The post runs in the
// background so a slow Slack never holds up the stream that failed.
func (a *Alerter) Process(_ context.Context, rec store.EventRecord) {
	if rec.EventType != events.TypeStreamFailed {
		return
	}
	e := events.Event{Type: rec.EventType, Data: rec.Data}
	errMsg := e.DataField("error")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.PostStreamFailure(ctx, rec.SessionID, errMsg); err != nil {
			slog.Error("failed to post Slack alert", "session_id", rec.SessionID, "error", err)
		}
	}()
}

// Wait blocks until background posts have finished.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

// PostStreamFailure sends a Block Kit message for a failed classification
// stream. It rate-limits to at most one alert per 30 seconds to protect
// against burst storms when the classification service is down.
func (a *Alerter) PostStreamFailure(ctx context.Context, sessionID, errMsg string) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	if errMsg == "" {
		errMsg = "unknown"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Classification Stream Failed",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Session:*\n%s", sessionID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%s", errMsg)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Classification stream failed: %s: %s", sessionID, errMsg),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("stream failure alert posted to Slack", "channel", a.channel, "session_id", sessionID)
	return nil
}
