package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/hsstream/internal/batcher"
	"github.com/MikeSquared-Agency/hsstream/internal/registry"
	"github.com/MikeSquared-Agency/hsstream/internal/session"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

type Server struct {
	sessions *registry.Registry
	store    store.DataStore
	batcher  *batcher.Batcher
	defaults session.Options
	router   chi.Router
	http     *http.Server
	port     int
}

// NewServer builds the router. store and b may be nil when persistence is
// disabled; metrics may be nil to leave /metrics unmounted.
func NewServer(reg *registry.Registry, s store.DataStore, b *batcher.Batcher, metrics http.Handler, defaults session.Options, port int) *Server {
	srv := &Server{
		sessions: reg,
		store:    s,
		batcher:  b,
		defaults: defaults,
		port:     port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Get("/health", srv.handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", srv.handleCreateSession)
			r.Get("/", srv.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", srv.handleGetSession)
				r.Delete("/", srv.handleDeleteSession)
				r.Post("/answer", srv.handleAnswer)
				r.Post("/stop", srv.handleStop)
				r.Post("/stop-graceful", srv.handleStopGracefully)
				r.Post("/reset", srv.handleReset)
				r.Post("/restart", srv.handleRestart)
				r.Post("/continue", srv.handleContinue)
			})
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/sessions", srv.handleListStoredSessions)
			r.Get("/sessions/{sessionID}", srv.handleGetStoredSession)
			r.Get("/classifications", srv.handleListClassifications)
		})
	})

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("starting HTTP API", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"service":     "hsstream",
		"sessions":    s.sessions.Count(),
		"persistence": s.store != nil,
	}
	if s.batcher != nil {
		body["buffer_size"] = s.batcher.BufferLen()
	}
	writeJSON(w, http.StatusOK, body)
}

// optionsRequest overlays the server defaults; absent fields keep them.
type optionsRequest struct {
	Model           string `json:"model"`
	Interactive     *bool  `json:"interactive"`
	MaxQuestions    int    `json:"max_questions"`
	HypothesisCount int    `json:"hypothesis_count"`
}

func (s *Server) options(o *optionsRequest) session.Options {
	opts := s.defaults
	if o == nil {
		return opts
	}
	if o.Model != "" {
		opts.Model = o.Model
	}
	if o.Interactive != nil {
		opts.NonInteractive = !*o.Interactive
	}
	if o.MaxQuestions > 0 {
		opts.MaxQuestions = o.MaxQuestions
	}
	if o.HypothesisCount > 0 {
		opts.HypothesisCount = o.HypothesisCount
	}
	return opts
}

type createRequest struct {
	Product string          `json:"product"`
	Options *optionsRequest `json:"options"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Product) == "" {
		writeError(w, http.StatusBadRequest, "product is required")
		return
	}

	opts := s.options(req.Options)
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessions.Create()
	if err := sess.Start(r.Context(), req.Product, opts); err != nil {
		s.startFailed(w, sess, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionBody(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.sessions.IDs()
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		sess, err := s.sessions.Get(id)
		if err != nil {
			continue
		}
		st := sess.Snapshot()
		out = append(out, map[string]any{
			"session_id": id,
			"phase":      st.Phase(),
			"product":    st.Product,
			"stage":      st.CurrentStage,
			"progress":   st.Progress,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}

	if err := sess.Answer(r.Context(), req.Answer); err != nil {
		if errors.Is(err, session.ErrNotAwaitingAnswer) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.startFailed(w, sess, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionBody(sess))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Stop()
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

func (s *Server) handleStopGracefully(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.StopGracefully()
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Reset()
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

type restartRequest struct {
	Product    string             `json:"product"`
	ForcedPath []session.PathNode `json:"forced_path"`
	Options    *optionsRequest    `json:"options"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req restartRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.ForcedPath) == 0 {
		writeError(w, http.StatusBadRequest, "forced_path is required")
		return
	}

	current := sess.Snapshot()
	product := req.Product
	if product == "" {
		product = current.Product
	}
	opts := s.options(req.Options)
	if (req.Options == nil || req.Options.Model == "") && current.Model != "" {
		opts.Model = current.Model
	}

	if err := sess.Restart(r.Context(), product, req.ForcedPath, opts); err != nil {
		s.startFailed(w, sess, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionBody(sess))
}

// continueRequest either carries a token verbatim or asks for the session's
// own token to be rewound to level with a chosen node.
type continueRequest struct {
	State   json.RawMessage `json:"state"`
	Level   *int            `json:"level"`
	Node    *session.Node   `json:"node"`
	Options *optionsRequest `json:"options"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req continueRequest
	if !decode(w, r, &req) {
		return
	}

	token := req.State
	if req.Level != nil {
		if req.Node == nil {
			writeError(w, http.StatusBadRequest, "node is required with level")
			return
		}
		base := token
		if len(base) == 0 {
			base = sess.Snapshot().ClassificationState
		}
		rebuilt, err := session.ReconstructState(base, *req.Level, *req.Node)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		token = rebuilt
	}

	// Only the model applies to a continuation; empty keeps the session's.
	var opts session.Options
	if req.Options != nil {
		opts.Model = req.Options.Model
	}

	if err := sess.ContinueFromState(r.Context(), token, opts); err != nil {
		s.startFailed(w, sess, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionBody(sess))
}

func (s *Server) handleListStoredSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	status := r.URL.Query().Get("status")
	rows, err := s.store.QuerySessions(r.Context(), status, limitParam(r))
	if err != nil {
		slog.Error("query sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetStoredSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "sessionID")

	row, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	evts, _ := s.store.QueryEvents(r.Context(), id)
	row["events"] = evts

	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleListClassifications(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	list, err := s.store.ListClassifications(r.Context(), limitParam(r))
	if err != nil {
		slog.Error("list classifications failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return false
	}
	return true
}

// startFailed maps a failed stream open. Validation errors are the caller's;
// anything else came from the classification service.
func (s *Server) startFailed(w http.ResponseWriter, sess *session.Session, err error) {
	if errors.Is(err, session.ErrEmptyProduct) || errors.Is(err, session.ErrUnknownModel) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Warn("stream open failed", "session_id", sess.ID(), "error", err)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":      err.Error(),
		"session_id": sess.ID(),
	})
}

func sessionBody(sess *session.Session) map[string]any {
	st := sess.Snapshot()
	return map[string]any{
		"session_id": sess.ID(),
		"phase":      st.Phase(),
		"state":      st,
	}
}

func limitParam(r *http.Request) int {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
