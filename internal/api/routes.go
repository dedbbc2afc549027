package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rover-control/rover/internal/auth"
)

// DefaultHistoryLimit is used when GET /history has no limit parameter.
const DefaultHistoryLimit = 10

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "/api/v1"
	m := s.opts.Auth

	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	mux.HandleFunc(apiV1+"/state", m.RequireScope(auth.ScopeRead)(s.handleState))
	mux.HandleFunc(apiV1+"/history", s.handleHistory)
	mux.HandleFunc(apiV1+"/commands", m.RequireScope(auth.ScopeControl)(s.handleCommands))

	if s.opts.Telemetry != nil {
		mux.HandleFunc(apiV1+"/telemetry", m.RequireScope(auth.ScopeTelemetry)(s.opts.Telemetry.ServeHTTP))
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed", nil)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": time.Since(s.startTime).Seconds(),
		"version":   s.opts.Version,
	})
}

// handleState handles GET /state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed", nil)
		return
	}
	WriteSuccess(w, s.opts.Dispatcher.State())
}

// handleHistory handles GET and DELETE /history. Reading needs the read
// scope, clearing needs control.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	m := s.opts.Auth
	switch r.Method {
	case http.MethodGet:
		m.RequireScope(auth.ScopeRead)(s.getHistory)(w, r)
	case http.MethodDelete:
		m.RequireScope(auth.ScopeControl)(s.clearHistory)(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET and DELETE methods are allowed", nil)
	}
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	entries := s.opts.History.Recent(limit)
	WriteSuccess(w, map[string]interface{}{
		"entries":    entries,
		"total":      s.opts.History.Len(),
		"maxEntries": s.opts.History.MaxEntries(),
	})
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.History.Clear(r.Context()); err != nil {
		// The in-memory trail is already empty; only persistence failed
		s.log.Warn("history cleared but not persisted", "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "History cleared but could not be persisted", nil)
		return
	}
	s.log.Info("history cleared", "by", subject(r))
	WriteSuccess(w, map[string]interface{}{"total": 0})
}

// handleCommands handles POST /commands
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed", nil)
		return
	}

	// Parse request (strict JSON)
	var req struct {
		Command string `json:"command"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 8192))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "Malformed JSON or unknown fields", nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "Trailing data after JSON object", nil)
		return
	}

	reply := s.opts.Dispatcher.Handle(r.Context(), req.Command)
	if reply.OK() {
		s.log.Info("command via api", "command", reply.Command, "by", subject(r))
		WriteSuccess(w, reply)
		return
	}

	status, code := replyStatus(reply)
	WriteError(w, status, code, reply.Error, reply)
}

func subject(r *http.Request) string {
	if claims := auth.ClaimsFromRequest(r); claims != nil {
		return claims.Subject
	}
	return "anonymous"
}
