package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/hsstream/internal/batcher"
	"github.com/MikeSquared-Agency/hsstream/internal/metrics"
	"github.com/MikeSquared-Agency/hsstream/internal/registry"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
	"github.com/MikeSquared-Agency/hsstream/internal/testutil"
)

const (
	completeStream = "data: {\"type\":\"classification_start\",\"data\":{}}\n\n" +
		"data: {\"type\":\"classification_complete\",\"data\":{\"final_code\":\"0101.21\"}}\n\n"
	questionStream = "data: {\"type\":\"question_generated\",\"data\":{\"question\":{\"question_text\":\"Pure-bred?\"}," +
		"\"state\":{\"classification_path\":[{\"code\":\"01\"}],\"enriched_query\":\"horse\"}}}\n\n"
)

// stubTransport serves classify and continue bodies and records requests.
type stubTransport struct {
	mu        sync.Mutex
	classify  string
	cont      string
	err       error
	classReqs []session.ClassifyRequest
	contReqs  []session.ContinueRequest
}

func (s *stubTransport) Classify(_ context.Context, req session.ClassifyRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classReqs = append(s.classReqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.classify)), nil
}

func (s *stubTransport) Continue(_ context.Context, req session.ContinueRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contReqs = append(s.contReqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.cont)), nil
}

func setupServer(tr session.Transport, ms store.DataStore) (*Server, *registry.Registry) {
	reg := registry.New(tr, time.Hour)
	var bat *batcher.Batcher
	if ms != nil {
		bat = batcher.New(ms, batcher.Config{
			FlushInterval:  1 * time.Hour,
			FlushThreshold: 1000,
			BufferMax:      10000,
		})
	}
	return NewServer(reg, ms, bat, metrics.NewProcessor().Handler(), session.DefaultOptions(), 8710), reg
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func createSession(t *testing.T, srv *Server, body string) string {
	t.Helper()
	w := do(srv, "POST", "/api/v1/sessions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decodeBody(t, w)["session_id"].(string)
	if id == "" {
		t.Fatal("expected session_id in response")
	}
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(&stubTransport{}, testutil.NewMockStore())

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := do(srv, "GET", path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
		body := decodeBody(t, w)
		if body["status"] != "ok" {
			t.Errorf("expected status ok, got %v", body["status"])
		}
		if body["service"] != "hsstream" {
			t.Errorf("expected service hsstream, got %v", body["service"])
		}
		if body["persistence"] != true {
			t.Errorf("expected persistence true, got %v", body["persistence"])
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(&stubTransport{}, nil)

	w := do(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCreateSession_StreamsToCompletion(t *testing.T) {
	tr := &stubTransport{classify: completeStream}
	srv, reg := setupServer(tr, nil)

	id := createSession(t, srv, `{"product":"pure-bred horse","options":{"model":"groq","interactive":false,"max_questions":1}}`)

	sess, err := reg.Get(id)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	tr.mu.Lock()
	req := tr.classReqs[0]
	tr.mu.Unlock()
	if req.Model != session.ModelGroq || req.Interactive || req.MaxQuestions != 1 || req.HypothesisCount != 3 {
		t.Errorf("unexpected classify request %+v", req)
	}

	w := do(srv, "GET", "/api/v1/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["phase"] != "completed" {
		t.Errorf("expected phase completed, got %v", body["phase"])
	}
	st := body["state"].(map[string]any)
	if st["progress"] != float64(100) {
		t.Errorf("expected progress 100, got %v", st["progress"])
	}
}

func TestCreateSession_Validation(t *testing.T) {
	srv, _ := setupServer(&stubTransport{}, nil)

	cases := map[string]string{
		"bad json":      `{`,
		"empty product": `{"product":"   "}`,
		"unknown model": `{"product":"shoes","options":{"model":"gpt"}}`,
	}
	for name, body := range cases {
		w := do(srv, "POST", "/api/v1/sessions", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

func TestCreateSession_TransportFailure(t *testing.T) {
	srv, _ := setupServer(&stubTransport{err: errors.New("status 502")}, nil)

	w := do(srv, "POST", "/api/v1/sessions", `{"product":"shoes"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if decodeBody(t, w)["session_id"] == nil {
		t.Error("expected session_id so the failed session can be inspected")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	srv, _ := setupServer(&stubTransport{}, nil)

	for _, path := range []string{"/api/v1/sessions/nope", "/api/v1/sessions/nope/stop"} {
		method := "GET"
		if strings.HasSuffix(path, "stop") {
			method = "POST"
		}
		w := do(srv, method, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	srv, reg := setupServer(&stubTransport{classify: completeStream}, nil)
	id := createSession(t, srv, `{"product":"horse"}`)

	w := do(srv, "GET", "/api/v1/sessions", "")
	var list []map[string]any
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0]["session_id"] != id {
		t.Errorf("expected listed session %s, got %v", id, list)
	}

	w = do(srv, "DELETE", "/api/v1/sessions/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if reg.Count() != 0 {
		t.Errorf("expected no sessions after delete, got %d", reg.Count())
	}
}

func TestAnswer_ConflictWhenNotAwaiting(t *testing.T) {
	srv, reg := setupServer(&stubTransport{classify: completeStream}, nil)
	id := createSession(t, srv, `{"product":"horse"}`)
	sess, _ := reg.Get(id)
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/answer", `{"answer":"yes"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestAnswer_ResumesWithToken(t *testing.T) {
	tr := &stubTransport{classify: questionStream, cont: completeStream}
	srv, reg := setupServer(tr, nil)
	id := createSession(t, srv, `{"product":"horse"}`)
	sess, _ := reg.Get(id)
	waitFor(t, func() bool { return sess.Snapshot().IsWaitingForAnswer })

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/answer", `{"answer":"yes"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.contReqs) != 1 {
		t.Fatalf("expected 1 continue request, got %d", len(tr.contReqs))
	}
	if *tr.contReqs[0].Answer != "yes" {
		t.Errorf("expected answer yes, got %q", *tr.contReqs[0].Answer)
	}
	if !strings.Contains(string(tr.contReqs[0].State), "enriched_query") {
		t.Errorf("expected token forwarded, got %s", tr.contReqs[0].State)
	}
}

func TestStopAndReset(t *testing.T) {
	srv, reg := setupServer(&stubTransport{classify: completeStream}, nil)
	id := createSession(t, srv, `{"product":"horse"}`)
	sess, _ := reg.Get(id)
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/stop-graceful", "")
	if w.Code != http.StatusOK || decodeBody(t, w)["phase"] != "completed" {
		t.Errorf("expected graceful stop to keep the result, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/sessions/"+id+"/stop", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/sessions/"+id+"/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["phase"] != "idle" {
		t.Error("expected idle phase after reset")
	}
}

func TestRestart_ForcedPath(t *testing.T) {
	tr := &stubTransport{classify: completeStream}
	srv, reg := setupServer(tr, nil)
	id := createSession(t, srv, `{"product":"horse","options":{"model":"groq"}}`)
	sess, _ := reg.Get(id)
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/restart", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without forced_path, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/sessions/"+id+"/restart", `{"forced_path":[{"code":"01","description":"Live animals"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	req := tr.classReqs[1]
	if req.Model != session.ModelGroq {
		t.Errorf("expected session model kept, got %s", req.Model)
	}
	if !strings.HasPrefix(req.Product, "SYSTEM OVERRIDE") || !strings.Contains(req.Product, "Product: horse") {
		t.Errorf("unexpected override product %q", req.Product)
	}
	if sess.Snapshot().Product != "horse" {
		t.Errorf("expected stored product horse, got %q", sess.Snapshot().Product)
	}
}

func TestContinue_RewindsSessionToken(t *testing.T) {
	tr := &stubTransport{classify: questionStream, cont: completeStream}
	srv, reg := setupServer(tr, nil)
	id := createSession(t, srv, `{"product":"horse"}`)
	sess, _ := reg.Get(id)
	waitFor(t, func() bool { return sess.Snapshot().IsWaitingForAnswer })

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/continue", `{"level":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without node, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/sessions/"+id+"/continue", `{"level":1,"node":{"node_id":7,"code":"0101","description":"Horses"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	waitFor(t, func() bool { return sess.Snapshot().Completed() })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	req := tr.contReqs[0]
	if req.Answer != nil {
		t.Errorf("expected null answer, got %q", *req.Answer)
	}
	var token map[string]any
	if err := json.Unmarshal(req.State, &token); err != nil {
		t.Fatalf("token not JSON: %v", err)
	}
	if token["pending_stage"] != "subheading" {
		t.Errorf("expected pending stage subheading, got %v", token["pending_stage"])
	}
}

func TestContinue_VerbatimToken(t *testing.T) {
	tr := &stubTransport{cont: completeStream}
	srv, _ := setupServer(tr, nil)
	id := createSession(t, srv, `{"product":"horse"}`)

	w := do(srv, "POST", "/api/v1/sessions/"+id+"/continue", `{"state":{"custom":true}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if string(tr.contReqs[0].State) != `{"custom":true}` {
		t.Errorf("expected token verbatim, got %s", tr.contReqs[0].State)
	}
}

func TestHistory_DisabledWithoutStore(t *testing.T) {
	srv, _ := setupServer(&stubTransport{}, nil)

	for _, path := range []string{"/api/v1/history/sessions", "/api/v1/history/sessions/x", "/api/v1/history/classifications"} {
		w := do(srv, "GET", path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestHistory_Sessions(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetSession("s1", map[string]any{"session_id": "s1", "status": "completed"})
	ms.SetSession("s2", map[string]any{"session_id": "s2", "status": "awaiting_answer"})
	ms.Events = append(ms.Events, store.EventRecord{
		EventID:   "e1",
		SessionID: "s1",
		EventType: "classification_complete",
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{}`),
	})
	srv, _ := setupServer(&stubTransport{}, ms)

	w := do(srv, "GET", "/api/v1/history/sessions?status=completed", "")
	var rows []map[string]any
	json.NewDecoder(w.Body).Decode(&rows)
	if len(rows) != 1 || rows[0]["session_id"] != "s1" {
		t.Errorf("expected only s1, got %v", rows)
	}

	w = do(srv, "GET", "/api/v1/history/sessions/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if evts, _ := body["events"].([]any); len(evts) != 1 {
		t.Errorf("expected 1 event, got %v", body["events"])
	}

	w = do(srv, "GET", "/api/v1/history/sessions/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHistory_Classifications(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.Classifications = []store.Classification{
		{ID: "c1", SessionID: "s1", HSCode: "0101.21"},
		{ID: "c2", SessionID: "s2", HSCode: "6109.10"},
	}
	srv, _ := setupServer(&stubTransport{}, ms)

	w := do(srv, "GET", "/api/v1/history/classifications?limit=1", "")
	var list []store.Classification
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != "c2" {
		t.Errorf("expected newest classification only, got %+v", list)
	}
}
