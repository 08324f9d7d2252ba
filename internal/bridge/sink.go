package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/mcp"
)

// Deliver implements agentrt.Sink.
func (b *Bridge) Deliver(taskID string, update agentrt.Update) {
	b.table.Deliver(taskID, update)
}

// Complete implements agentrt.Sink.
func (b *Bridge) Complete(taskID string) {
	b.table.ResolveSuccess(taskID)
}

// Fail implements agentrt.Sink.
func (b *Bridge) Fail(taskID string, category agentrt.ErrorCategory, message string) {
	b.table.ResolveError(taskID, category, message)
}

// CloseSession drops the resources of a finished client session.
func (b *Bridge) CloseSession(sessionID string) {
	if b.resources != nil {
		b.resources.Clear(sessionID)
	}
	if b.artifacts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.artifacts.DeleteSession(ctx, sessionID); err != nil {
			b.logger.Warn("session artifact cleanup failed", "session_id", sessionID, "error", err)
		}
	}
	b.logger.Debug("session closed", "session_id", sessionID)
}

// CallTool implements mcp.ToolHandler.
func (b *Bridge) CallTool(ctx context.Context, call mcp.ToolCall) (*mcp.CallToolResult, error) {
	message, _ := call.Arguments["message"].(string)
	c := Call{
		ToolName:     call.Name,
		Message:      message,
		ConnectionID: call.SessionID,
	}
	if call.Progress != nil {
		c.Notifier = progressNotifier{call.Progress}
	}
	resp, err := b.Invoke(ctx, c)
	if err != nil {
		return nil, err
	}
	return resp.ToolResult(), nil
}

// ResolveToolName implements mcp.ToolNameResolver.
func (b *Bridge) ResolveToolName(name string) (string, bool) {
	if b.tools == nil {
		return "", false
	}
	binding, ok := b.tools.Lookup(name)
	if !ok {
		return "", false
	}
	return binding.Name, true
}

type progressNotifier struct {
	p *mcp.Progress
}

func (n progressNotifier) Notify(ctx context.Context, text string) error {
	return n.p.Report(ctx, text)
}

// ListResources implements mcp.ResourceProvider.
func (b *Bridge) ListResources(sessionID string) []mcp.Resource {
	if b.resources == nil {
		return nil
	}
	return b.resources.ListResources(sessionID)
}

// ReadResource implements mcp.ResourceProvider.
func (b *Bridge) ReadResource(ctx context.Context, sessionID, uri string) ([]mcp.ResourceContent, error) {
	if b.resources == nil {
		b.metrics.RecordResourceRead("not_found")
		return nil, mcp.ErrResourceNotFound
	}
	contents, err := b.resources.ReadResource(ctx, sessionID, uri)
	switch {
	case err == nil:
		b.metrics.RecordResourceRead("success")
	case errors.Is(err, mcp.ErrResourceNotFound):
		b.metrics.RecordResourceRead("not_found")
	default:
		b.metrics.RecordResourceRead("error")
	}
	return contents, err
}
