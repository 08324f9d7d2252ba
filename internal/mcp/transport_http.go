package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionHeader carries the session id on streamable HTTP requests.
const SessionHeader = "Mcp-Session-Id"

const maxHTTPBody = 4 << 20

// HTTPHandler serves the streamable HTTP transport on a single endpoint:
// POST carries client messages, DELETE ends the session. A tools/call with
// a progress token from a client that accepts text/event-stream is answered
// as an SSE stream of progress notifications followed by the response.
type HTTPHandler struct {
	server *Server
}

// NewHTTPHandler wraps server.
func NewHTTPHandler(server *Server) *HTTPHandler {
	return &HTTPHandler{server: server}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		id := r.Header.Get(SessionHeader)
		if id == "" {
			http.Error(w, "missing "+SessionHeader, http.StatusBadRequest)
			return
		}
		if !h.server.CloseSession(id) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxHTTPBody {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		writeJSON(w, http.StatusOK, errorResponse(nil, ErrCodeInvalidRequest, "batch requests are not supported"))
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, ErrCodeParseError, "parse error: "+err.Error()))
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if req.Method == "initialize" {
		sessionID = uuid.NewString()
		h.server.OpenExpiringSession(sessionID)
		w.Header().Set(SessionHeader, sessionID)
	} else {
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, ErrCodeSessionRequired, "missing "+SessionHeader))
			return
		}
		if !h.server.HasSession(sessionID) {
			writeJSON(w, http.StatusNotFound, errorResponse(req.ID, ErrCodeSessionRequired, "unknown session"))
			return
		}
	}

	if req.IsNotification() {
		h.server.HandleMessage(r.Context(), sessionID, nil, body)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method == "tools/call" && acceptsEventStream(r) && hasProgressToken(req.Params) {
		if flusher, ok := w.(http.Flusher); ok {
			h.streamCall(w, flusher, r, sessionID, body)
			return
		}
	}

	resp := h.server.HandleMessage(r.Context(), sessionID, nil, body)
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) streamCall(w http.ResponseWriter, flusher http.Flusher, r *http.Request, sessionID string, body []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseWriter{w: w, flusher: flusher}
	resp := h.server.HandleMessage(r.Context(), sessionID, stream, body)
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		h.server.logger.Error("marshal response", "error", err)
		return
	}
	if err := stream.writeEvent(data); err != nil {
		h.server.logger.Debug("sse write failed", "session_id", sessionID, "error", err)
	}
}

// sseWriter sends JSON-RPC messages as SSE "message" events.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func (s *sseWriter) writeEvent(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// Notify implements Notifier.
func (s *sseWriter) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.writeEvent(data)
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

func hasProgressToken(raw json.RawMessage) bool {
	var params CallToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return false
	}
	return params.Meta != nil && params.Meta.ProgressToken != nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
