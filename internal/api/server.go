// Package api exposes the chat core over HTTP for presentation-layer
// consumers. The GUI owns rendering and input handling entirely; this
// server only moves session state and streamed fragments across the
// boundary, as NDJSON over plain HTTP or frames over a WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nexus-chat/internal/buildinfo"
	"nexus-chat/internal/chat"
	"nexus-chat/internal/health"
	"nexus-chat/internal/history"
	"nexus-chat/internal/ollama"
	"nexus-chat/internal/session"
)

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	engine   *chat.Engine
	registry *session.Registry
	logger   *slog.Logger
	server   *http.Server
	monitor  *health.Monitor
}

// NewServer creates an API server over the engine and registry.
func NewServer(address string, port int, engine *chat.Engine, registry *session.Registry, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.withLogging(s.handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("api server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handler builds the route table. Split out from Start so tests can
// drive the mux through httptest without binding a port.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/model", s.handleSetModel)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatSocket)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeError maps core errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, history.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrAlreadyGenerating):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrNoModelSelected):
		status = http.StatusBadRequest
	case errors.Is(err, ollama.ErrModelNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, ollama.ErrUnreachable):
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// SetMonitor attaches a dependency health monitor. Optional; without it
// the health endpoint reports only the server's own liveness.
func (s *Server) SetMonitor(m *health.Monitor) {
	s.monitor = m
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.monitor != nil {
		body["dependencies"] = []health.Status{s.monitor.Status()}
	}
	s.writeJSON(w, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildinfo.Info())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.engine.ListModels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"models": models})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	sessions, err := s.registry.List(activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*history.Session{}
	}
	s.writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	sess, err := s.registry.GetOrCreate(req.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	if err := s.registry.SetModel(r.PathValue("id"), req.Model); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancel aborts an in-flight generation. The partial response is
// persisted by the streaming call being cancelled, not here.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.engine.Cancel(r.PathValue("id"))
	s.writeJSON(w, map[string]bool{"cancelled": cancelled})
}

// chatRequest is the body for POST /api/chat and the first frame on the
// WebSocket endpoint.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatEvent is one line/frame of a streamed chat response. Content
// frames carry text; the terminal frame carries done plus the stored
// message's outcome.
type chatEvent struct {
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleChat streams a generation as newline-delimited JSON. The
// connection context drives cancellation: a client that goes away
// cancels the generation, and the partial turn is preserved in history.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")

	enc := json.NewEncoder(w)
	msg, err := s.engine.SendMessage(r.Context(), req.SessionID, req.Message, func(text string) {
		_ = enc.Encode(chatEvent{Content: text})
		flusher.Flush()
	})
	if err != nil {
		// Nothing streamed yet for structural errors; headers may not
		// have been written, so a plain status still works.
		s.writeError(w, err)
		return
	}

	_ = enc.Encode(chatEvent{
		Done:      true,
		MessageID: msg.ID,
		Status:    msg.Status,
		Error:     msg.Error,
	})
	flusher.Flush()
}
