package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/stream"
)

// doneMarker is the content of the terminal event on a successful stream.
const doneMarker = "[DONE]"

// eventPayload is the wire shape of one client event. During generation only
// Content is set; the terminal event carries the done marker plus the full
// accumulated text; on failure only Error is set.
type eventPayload struct {
	Content  string `json:"content,omitempty"`
	FullText string `json:"fullText,omitempty"`
	Error    string `json:"error,omitempty"`
}

func deltaPayload(text string) eventPayload {
	return eventPayload{Content: text}
}

func donePayload(full string) eventPayload {
	return eventPayload{Content: doneMarker, FullText: full}
}

func errorPayload(err error) eventPayload {
	return eventPayload{Error: err.Error()}
}

// payloadFor maps an orchestrator event to its wire shape.
func payloadFor(ev stream.Event) eventPayload {
	switch {
	case ev.Err != nil:
		return errorPayload(ev.Err)
	case ev.Done:
		return donePayload(ev.Full)
	default:
		return deltaPayload(ev.Delta)
	}
}

// handleEvents streams one generation call as Server-Sent Events. Closing
// the connection cancels the request context, which the orchestrator
// propagates to the upstream subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bag := s.bag(w, r)
	owner := s.identity(r)
	temporary := s.temporaryMode(bag)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.orch.Run(r.Context(), id, owner, temporary)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		writeSSE(w, flusher, payloadFor(ev))
	}
}

// writeSSE writes a single SSE event to the response.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload eventPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("failed to marshal SSE payload", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleWebSocket streams the same event objects over a WebSocket. A read
// loop watches for the client closing the socket and cancels the stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bag := s.bag(w, r)
	owner := s.identity(r)
	temporary := s.temporaryMode(bag)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.orch.Run(ctx, id, owner, temporary)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		// The stream is already running; drain it so the turn still lands
		// in the coordinator.
		cancel()
		for range events {
		}
		return
	}
	defer conn.Close()

	// Clients send nothing meaningful on this socket; the read pump exists
	// to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(payloadFor(ev)); err != nil {
			cancel()
			for range events {
			}
			return
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
