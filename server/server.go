// Package server exposes the conversation streaming engine over HTTP: a
// JSON API for submitting turns and managing bindings, an SSE event stream,
// and a WebSocket variant of the same stream. Identity establishment is an
// external concern; the server consumes an injected IdentityFunc and keeps
// session bags behind an opaque cookie.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/history"
	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/session"
	"github.com/converselabs/converse/stream"
)

// sessionCookie carries the opaque session token.
const sessionCookie = "converse_session"

// temporaryModeKey is the bag key recording the client-declared persistence
// mode of the bound conversation.
const temporaryModeKey = "temporary_mode"

// IdentityFunc extracts the owner identity from a request, or "" for
// anonymous callers. Supplied by the external identity collaborator.
type IdentityFunc func(*http.Request) string

// Server wires the engine components behind HTTP handlers.
type Server struct {
	mux      *http.ServeMux
	binder   *session.Binder
	coord    *history.Coordinator
	orch     *stream.Orchestrator
	query    *history.Query
	sessions *session.Manager
	identity IdentityFunc
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithIdentity injects the identity collaborator. The default treats every
// caller as anonymous.
func WithIdentity(fn IdentityFunc) Option {
	return func(s *Server) {
		s.identity = fn
	}
}

// New creates a server over the given engine components.
func New(binder *session.Binder, coord *history.Coordinator, orch *stream.Orchestrator, query *history.Query, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		binder:   binder,
		coord:    coord,
		orch:     orch,
		query:    query,
		sessions: session.NewManager(),
		identity: func(*http.Request) string { return "" },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /api/conversations", s.handleSend)
	s.mux.HandleFunc("GET /api/conversations", s.handleList)
	s.mux.HandleFunc("POST /api/conversations/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/conversations/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /ws/conversations/{id}", s.handleWebSocket)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// bag resolves the caller's session bag, setting the session cookie when a
// new session is issued.
func (s *Server) bag(w http.ResponseWriter, r *http.Request) session.Bag {
	var token string
	if c, err := r.Cookie(sessionCookie); err == nil {
		token = c.Value
	}

	bag, issued := s.sessions.Resolve(token)
	if issued != token {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    issued,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return bag
}

type sendRequest struct {
	Message     string `json:"message"`
	IsTemporary bool   `json:"isTemporary"`
}

type sendResponse struct {
	ConversationID string `json:"conversationId"`
}

// handleSend validates and appends a user turn, returning the conversation
// id used to open the event stream.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	bag := s.bag(w, r)
	owner := s.identity(r)
	ctx := r.Context()

	id, err := s.binder.ResolveActive(ctx, bag)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	bag.Set(temporaryModeKey, strconv.FormatBool(req.IsTemporary))
	if err := bag.Save(ctx); err != nil {
		s.writeFailure(w, err)
		return
	}

	if err := s.coord.AppendUserTurn(ctx, id, owner, req.Message, req.IsTemporary); err != nil {
		s.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{ConversationID: id})
}

type resetRequest struct {
	WasTemporary bool `json:"wasTemporary"`
	IsTemporary  bool `json:"isTemporary"`
}

type resetResponse struct {
	NewConversationID string `json:"newConversationId"`
}

// handleReset finalizes the bound conversation and binds a fresh one.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bag := s.bag(w, r)
	owner := s.identity(r)
	ctx := r.Context()

	id, err := s.binder.Reset(ctx, bag, owner, req.WasTemporary, req.IsTemporary)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	bag.Set(temporaryModeKey, strconv.FormatBool(req.IsTemporary))
	if err := bag.Save(ctx); err != nil {
		s.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resetResponse{NewConversationID: id})
}

// handleList returns the caller's conversations grouped by recency bucket.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	bag := s.bag(w, r)
	owner := s.identity(r)

	activeID := s.binder.Bound(bag)
	buckets, err := s.query.ListFor(r.Context(), owner, activeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, buckets)
}

// temporaryMode reads the client-declared persistence mode off the session.
func (s *Server) temporaryMode(bag session.Bag) bool {
	v, _ := bag.Get(temporaryModeKey)
	return v == "true"
}

// writeFailure maps engine errors onto the HTTP taxonomy.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, durable.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, durable.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "not your conversation")
	case errors.Is(err, stream.ErrStreamActive):
		writeError(w, http.StatusConflict, "a response is already being generated for this conversation")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
