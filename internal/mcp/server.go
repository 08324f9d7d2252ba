package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ServerOptions identifies the server to clients.
type ServerOptions struct {
	Name         string
	Version      string
	Instructions string
}

// Session is one connected client.
type Session struct {
	ID          string
	Client      ClientInfo
	Initialized bool
	CreatedAt   time.Time

	notifier Notifier
	// expiring sessions are closed by ExpireIdle once unused for too long.
	expiring   bool
	lastActive time.Time
	inFlight   int
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Server dispatches MCP requests to the registered tools and resources.
// Transports feed it decoded messages and deliver its responses.
type Server struct {
	info         ServerInfo
	instructions string
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	tools     map[string]*registeredTool
	handler   ToolHandler
	templates []ResourceTemplate
	resources ResourceProvider
	sessions  map[string]*Session
	onClose   []func(sessionID string)
}

// NewServer creates a server with no tools.
func NewServer(opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "agentbridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		info:         ServerInfo{Name: opts.Name, Version: opts.Version},
		instructions: opts.Instructions,
		logger:       logger.With("component", "mcp"),
		now:          time.Now,
		tools:        make(map[string]*registeredTool),
		sessions:     make(map[string]*Session),
	}
}

// SetToolHandler installs the executor for tools/call.
func (s *Server) SetToolHandler(h ToolHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// RegisterTool adds or replaces a tool. Its input schema is compiled so
// call arguments can be validated.
func (s *Server) RegisterTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString("tool_"+tool.Name, string(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("compile input schema for %s: %w", tool.Name, err)
	}

	s.mu.Lock()
	s.tools[tool.Name] = &registeredTool{tool: tool, schema: schema}
	s.mu.Unlock()

	s.logger.Debug("tool registered", "tool", tool.Name)
	s.broadcast("notifications/tools/list_changed")
	return nil
}

// RemoveTool unregisters a tool. Unknown names are ignored.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("tool removed", "tool", name)
		s.broadcast("notifications/tools/list_changed")
	}
}

// Tools returns the registered tools sorted by name.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	tools := make([]Tool, 0, len(s.tools))
	for _, rt := range s.tools {
		tools = append(tools, rt.tool)
	}
	s.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// RegisterResourceTemplate advertises a URI template whose resources are
// listed and read through provider.
func (s *Server) RegisterResourceTemplate(tmpl ResourceTemplate, provider ResourceProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, tmpl)
	s.resources = provider
}

// OnSessionClosed registers fn to run after a session ends.
func (s *Server) OnSessionClosed(fn func(sessionID string)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// OpenSession starts a session that lives until CloseSession. notifier may
// be nil for transports that cannot push outside a request.
func (s *Server) OpenSession(id string, notifier Notifier) *Session {
	return s.openSession(id, notifier, false)
}

// OpenExpiringSession starts a session for a transport without a connection
// to watch. ExpireIdle closes it once it has been idle too long.
func (s *Server) OpenExpiringSession(id string) *Session {
	return s.openSession(id, nil, true)
}

func (s *Server) openSession(id string, notifier Notifier, expiring bool) *Session {
	now := s.now()
	sess := &Session{ID: id, CreatedAt: now, notifier: notifier, expiring: expiring, lastActive: now}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.logger.Info("session opened", "session_id", id, "expiring", expiring)
	return sess
}

// ExpireIdle closes every expiring session with no request in flight whose
// last activity is older than maxIdle, and returns their ids.
func (s *Server) ExpireIdle(maxIdle time.Duration) []string {
	cutoff := s.now().Add(-maxIdle)
	var expired []string
	s.mu.RLock()
	for id, sess := range s.sessions {
		if sess.expiring && sess.inFlight == 0 && sess.lastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(expired)
	closed := expired[:0]
	for _, id := range expired {
		if s.closeIfIdle(id, cutoff) {
			s.logger.Info("idle session expired", "session_id", id, "max_idle", maxIdle)
			closed = append(closed, id)
		}
	}
	return closed
}

// closeIfIdle re-checks idleness under the lock so a request arriving
// after the scan keeps the session.
func (s *Server) closeIfIdle(id string, cutoff time.Time) bool {
	return s.closeSession(id, func(sess *Session) bool {
		return sess.inFlight == 0 && sess.lastActive.Before(cutoff)
	})
}

// RunIdleSweeper calls ExpireIdle every interval until ctx is done.
func (s *Server) RunIdleSweeper(ctx context.Context, maxIdle, interval time.Duration) error {
	if maxIdle <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = maxIdle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpireIdle(maxIdle)
		}
	}
}

// track marks a request of a session as started; the returned func marks
// it finished. Both count as activity.
func (s *Server) track(sessionID string) func() {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.inFlight++
		sess.lastActive = s.now()
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			sess.inFlight--
			sess.lastActive = s.now()
		}
		s.mu.Unlock()
	}
}

// HasSession reports whether a session is open.
func (s *Server) HasSession(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseSession ends a session and runs the close callbacks. It reports
// whether the session existed.
func (s *Server) CloseSession(id string) bool {
	return s.closeSession(id, nil)
}

// closeSession removes the session if it exists and cond, when set,
// accepts it.
func (s *Server) closeSession(id string, cond func(*Session) bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && cond != nil && !cond(sess) {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	callbacks := append([]func(string){}, s.onClose...)
	s.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range callbacks {
		fn(id)
	}
	s.logger.Info("session closed", "session_id", id)
	return true
}

// HandleMessage decodes one JSON-RPC message for a session and returns the
// response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, sessionID string, notifier Notifier, raw []byte) *JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ErrCodeParseError, "parse error: "+err.Error())
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, ErrCodeInvalidRequest, "invalid request")
	}
	return s.Handle(ctx, sessionID, notifier, &req)
}

// Handle dispatches a decoded request.
func (s *Server) Handle(ctx context.Context, sessionID string, notifier Notifier, req *JSONRPCRequest) *JSONRPCResponse {
	defer s.track(sessionID)()
	result, rpcErr := s.dispatch(ctx, sessionID, notifier, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, ErrCodeInternalError, "marshal result: "+err.Error())
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw}
}

func (s *Server) dispatch(ctx context.Context, sessionID string, notifier Notifier, req *JSONRPCRequest) (any, *JSONRPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(sessionID, req.Params)
	case "notifications/initialized":
		s.mu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			sess.Initialized = true
		}
		s.mu.Unlock()
		return nil, nil
	case "notifications/cancelled":
		s.logger.Debug("client cancelled request", "session_id", sessionID)
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return ListToolsResult{Tools: s.Tools()}, nil
	case "tools/call":
		return s.handleCallTool(ctx, sessionID, notifier, req.Params)
	case "resources/list":
		return s.handleListResources(sessionID)
	case "resources/templates/list":
		s.mu.RLock()
		templates := append([]ResourceTemplate{}, s.templates...)
		s.mu.RUnlock()
		return ListResourceTemplatesResult{ResourceTemplates: templates}, nil
	case "resources/read":
		return s.handleReadResource(ctx, sessionID, req.Params)
	default:
		return nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) handleInitialize(sessionID string, raw json.RawMessage) (any, *JSONRPCError) {
	var params InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams(err)
		}
	}

	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Client = params.ClientInfo
	}
	hasResources := s.resources != nil
	s.mu.Unlock()

	s.logger.Info("client initialized",
		"session_id", sessionID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:   &ToolsCapability{ListChanged: true},
			Logging: &struct{}{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}
	if hasResources {
		result.Capabilities.Resources = &ResourcesCapability{}
	}
	return result, nil
}

func (s *Server) handleCallTool(ctx context.Context, sessionID string, notifier Notifier, raw json.RawMessage) (any, *JSONRPCError) {
	var params CallToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "tool name is required"}
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "arguments must be an object"}
		}
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	// Names that differ only by case or punctuation are resolved by the
	// handler, so an unknown name is not rejected here.
	if rt := s.lookupTool(params.Name, handler); rt != nil {
		if err := rt.schema.Validate(any(args)); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid arguments: " + err.Error()}
		}
	}
	if handler == nil {
		return nil, &JSONRPCError{Code: ErrCodeToolNotFound, Message: "tool not found: " + params.Name}
	}

	call := ToolCall{
		SessionID: sessionID,
		Name:      params.Name,
		Arguments: args,
	}
	if params.Meta != nil {
		call.Progress = NewProgress(params.Meta.ProgressToken, notifier)
	}

	result, err := handler.CallTool(ctx, call)
	if err != nil {
		return nil, toRPCError(err)
	}
	if result == nil {
		result = &CallToolResult{Content: []Content{}}
	}
	return result, nil
}

// lookupTool finds the registered tool for name, asking the handler to
// resolve names that are not registered verbatim.
func (s *Server) lookupTool(name string, handler ToolHandler) *registeredTool {
	s.mu.RLock()
	rt := s.tools[name]
	s.mu.RUnlock()
	if rt != nil {
		return rt
	}
	resolver, ok := handler.(ToolNameResolver)
	if !ok {
		return nil
	}
	canonical, ok := resolver.ResolveToolName(name)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools[canonical]
}

func (s *Server) handleListResources(sessionID string) (any, *JSONRPCError) {
	s.mu.RLock()
	provider := s.resources
	s.mu.RUnlock()

	resources := []Resource{}
	if provider != nil {
		if listed := provider.ListResources(sessionID); listed != nil {
			resources = listed
		}
	}
	return ListResourcesResult{Resources: resources}, nil
}

func (s *Server) handleReadResource(ctx context.Context, sessionID string, raw json.RawMessage) (any, *JSONRPCError) {
	var params ReadResourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.URI == "" {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "uri is required"}
	}

	s.mu.RLock()
	provider := s.resources
	s.mu.RUnlock()
	if provider == nil {
		return nil, &JSONRPCError{Code: ErrCodeResourceNotFound, Message: "resource not found: " + params.URI}
	}

	contents, err := provider.ReadResource(ctx, sessionID, params.URI)
	if err != nil {
		return nil, toRPCError(err)
	}
	return ReadResourceResult{Contents: contents}, nil
}

// broadcast sends a parameterless notification to every initialized
// session that can receive pushes.
func (s *Server) broadcast(method string) {
	s.mu.RLock()
	var targets []*Session
	for _, sess := range s.sessions {
		if sess.Initialized && sess.notifier != nil {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sess.notifier.Notify(ctx, method, nil); err != nil {
			s.logger.Debug("notification failed", "session_id", sess.ID, "method", method, "error", err)
		}
		cancel()
	}
}

func toRPCError(err error) *JSONRPCError {
	var rpcErr *JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrToolNotFound):
		return &JSONRPCError{Code: ErrCodeToolNotFound, Message: err.Error()}
	case errors.Is(err, ErrSessionRequired):
		return &JSONRPCError{Code: ErrCodeSessionRequired, Message: err.Error()}
	case errors.Is(err, ErrResourceNotFound):
		return &JSONRPCError{Code: ErrCodeResourceNotFound, Message: err.Error()}
	default:
		return &JSONRPCError{Code: ErrCodeInternalError, Message: err.Error()}
	}
}

func invalidParams(err error) *JSONRPCError {
	return &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func errorResponse(id any, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
}
