// Package api exposes the broker over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"operator-broker/internal/action"
	"operator-broker/internal/broker"
)

// Server hosts the broker's HTTP API.
type Server struct {
	dispatcher *broker.Dispatcher
	httpServer *http.Server
}

// NewServer builds the API server bound to addr.
func NewServer(addr string, d *broker.Dispatcher) *Server {
	s := &Server{dispatcher: d}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealthz)

	router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/{sessionID}/decide", s.handleDecide)
		r.Post("/sessions/{sessionID}/execute", s.handleExecute)
		r.Get("/sessions/{sessionID}/screenshot", s.handleScreenshot)
		r.Delete("/sessions/{sessionID}", s.handleCloseSession)
	})

	return router
}

// ListenAndServe runs the server until the context is canceled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("http api listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http api: encode response: %v", err)
	}
}

// writeError maps dispatcher sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrBackendUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.CheckHealth(r.Context()))
}

type createSessionRequest struct {
	ContextID         string `json:"context_id"`
	StartURL          string `json:"start_url"`
	BackendPreference string `json:"backend_preference"`
	ViewportWidth     int    `json:"viewport_width"`
	ViewportHeight    int    `json:"viewport_height"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.dispatcher.CreateSession(r.Context(), broker.CreateRequest{
		ContextID:         req.ContextID,
		StartURL:          req.StartURL,
		BackendPreference: req.BackendPreference,
		ViewportWidth:     req.ViewportWidth,
		ViewportHeight:    req.ViewportHeight,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.dispatcher.ListSessions(),
	})
}

type decideRequest struct {
	Goal            string          `json:"goal"`
	PreviousActions []action.Action `json:"previous_actions,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	dec, err := s.dispatcher.DecideNextAction(r.Context(), broker.DecideRequest{
		SessionID:       chi.URLParam(r, "sessionID"),
		Goal:            req.Goal,
		PreviousActions: req.PreviousActions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type executeRequest struct {
	Goal   string        `json:"goal,omitempty"`
	Action action.Action `json:"action"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.dispatcher.ExecuteAction(r.Context(), broker.ExecuteRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		Goal:      req.Goal,
		Action:    req.Action,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	img, err := s.dispatcher.Screenshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// decodeBody parses the JSON request body. A missing body is fine;
// routes that need fields validate them downstream.
func decodeBody(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: malformed JSON body", broker.ErrInvalidRequest)
}
