package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Errors a handler can return to select a protocol error code.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrSessionRequired  = errors.New("session identity required")
	ErrResourceNotFound = errors.New("resource not found")
	ErrNoProgressToken  = errors.New("client did not request progress")
)

// ToolCall is one tools/call request as seen by a ToolHandler.
type ToolCall struct {
	SessionID string
	Name      string
	Arguments map[string]any
	// Progress is nil when the client supplied no progress token.
	Progress *Progress
}

// ToolHandler executes tool calls.
type ToolHandler interface {
	CallTool(ctx context.Context, call ToolCall) (*CallToolResult, error)
}

// ToolNameResolver is implemented by handlers that accept tool names other
// than the registered ones. The server validates arguments against the
// schema of the resolved tool.
type ToolNameResolver interface {
	ResolveToolName(name string) (string, bool)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, call ToolCall) (*CallToolResult, error)

// CallTool implements ToolHandler.
func (f ToolHandlerFunc) CallTool(ctx context.Context, call ToolCall) (*CallToolResult, error) {
	return f(ctx, call)
}

// ResourceProvider lists and reads the resources of a session.
type ResourceProvider interface {
	ListResources(sessionID string) []Resource
	ReadResource(ctx context.Context, sessionID, uri string) ([]ResourceContent, error)
}

// Notifier sends server-initiated notifications to one client.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, method string, params any) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, method string, params any) error {
	return f(ctx, method, params)
}

// Progress reports interim messages for one request through
// notifications/progress.
type Progress struct {
	token    any
	notifier Notifier

	mu    sync.Mutex
	count float64
}

// NewProgress binds a progress token to a notifier. It returns nil when
// either is missing.
func NewProgress(token any, notifier Notifier) *Progress {
	if token == nil || notifier == nil {
		return nil
	}
	return &Progress{token: token, notifier: notifier}
}

// Token returns the client supplied progress token.
func (p *Progress) Token() any {
	if p == nil {
		return nil
	}
	return p.token
}

// Report sends one progress notification carrying message.
func (p *Progress) Report(ctx context.Context, message string) error {
	if p == nil {
		return ErrNoProgressToken
	}
	p.mu.Lock()
	p.count++
	params := ProgressParams{ProgressToken: p.token, Progress: p.count, Message: message}
	p.mu.Unlock()
	return p.notifier.Notify(ctx, "notifications/progress", params)
}

// encodeNotification renders a notification frame.
func encodeNotification(method string, params any) ([]byte, error) {
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		notif.Params = raw
	}
	return json.Marshal(notif)
}
