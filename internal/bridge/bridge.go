// Package bridge runs tool calls against the agent runtime.
//
// Invoke resolves the tool binding, opens a correlation entry, submits the
// task and waits for its terminal event while a materializer drains the
// entry's update queue. The bridge is also the runtime's update sink.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/bindings"
	"github.com/haasonsaas/agentbridge/internal/correlation"
	"github.com/haasonsaas/agentbridge/internal/materialize"
	"github.com/haasonsaas/agentbridge/internal/mcp"
	"github.com/haasonsaas/agentbridge/internal/observability"
)

// Errors returned by Invoke before a task is submitted.
var (
	ErrToolNotFound           = mcp.ErrToolNotFound
	ErrMissingSessionIdentity = mcp.ErrSessionRequired
)

// ErrTaskTimeout is carried by the Response of a call that hit its deadline.
var ErrTaskTimeout = errors.New("task timed out")

// errCallAbandoned is carried by the Response of a call whose caller went
// away before the task finished.
var errCallAbandoned = errors.New("call abandoned by caller")

const (
	DefaultCallTimeout       = 120 * time.Second
	DefaultMaterializerGrace = 2 * time.Second

	canceledText = "[canceled] The agent canceled the task."
)

// Call is one external tool invocation.
type Call struct {
	ToolName     string
	Message      string
	ConnectionID string
	// Notifier receives interim notices; nil disables them.
	Notifier materialize.Notifier
}

// Response is the final answer to a call.
type Response struct {
	TaskID  string
	Text    string
	Items   []mcp.Content
	IsError bool
	// Err is ErrTaskTimeout or a *correlation.RemoteTaskError for failed
	// calls.
	Err error
}

// Content assembles the result parts: the text alone when there are no
// items, otherwise the text (when non-empty) followed by the items.
func (r Response) Content() []mcp.Content {
	if len(r.Items) == 0 {
		return []mcp.Content{mcp.TextContent(r.Text)}
	}
	out := make([]mcp.Content, 0, len(r.Items)+1)
	if r.Text != "" {
		out = append(out, mcp.TextContent(r.Text))
	}
	return append(out, r.Items...)
}

// ToolResult converts the response to a tools/call result.
func (r Response) ToolResult() *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: r.Content(), IsError: r.IsError}
}

// ToolResolver resolves tool names to bindings.
type ToolResolver interface {
	Lookup(name string) (bindings.Binding, bool)
}

// SessionCleaner removes stored artifacts of a session.
type SessionCleaner interface {
	DeleteSession(ctx context.Context, sessionKey string) error
}

// ResourceStore is the session resource registry.
type ResourceStore interface {
	mcp.ResourceProvider
	Clear(sessionID string) int
}

// Config holds the call timing knobs.
type Config struct {
	CallTimeout       time.Duration
	MaterializerGrace time.Duration
}

// Options wires a Bridge.
type Options struct {
	Config       Config
	Tools        ToolResolver
	Runtime      agentrt.Submitter
	Materializer *materialize.Materializer
	Resources    ResourceStore
	// Artifacts, when set, has a session's artifacts deleted when the
	// session closes.
	Artifacts SessionCleaner
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Bridge implements the call lifecycle.
type Bridge struct {
	cfg          Config
	tools        ToolResolver
	table        *correlation.Table
	materializer *materialize.Materializer
	resources    ResourceStore
	artifacts    SessionCleaner
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
	newTaskID    func() string
	now          func() time.Time

	rtMu    sync.RWMutex
	runtime agentrt.Submitter
}

// New creates a Bridge.
func New(opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaterializerGrace <= 0 {
		cfg.MaterializerGrace = DefaultMaterializerGrace
	}
	m := opts.Materializer
	if m == nil {
		m = materialize.New(materialize.Config{Metrics: opts.Metrics}, logger)
	}
	return &Bridge{
		cfg:          cfg,
		tools:        opts.Tools,
		table:        correlation.NewTable(logger),
		materializer: m,
		resources:    opts.Resources,
		artifacts:    opts.Artifacts,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger.With("component", "bridge"),
		newTaskID:    uuid.NewString,
		now:          time.Now,
		runtime:      opts.Runtime,
	}
}

// SetRuntime installs the agent runtime. It exists because the runtime
// usually needs the bridge as its sink before it can be built.
func (b *Bridge) SetRuntime(rt agentrt.Submitter) {
	b.rtMu.Lock()
	b.runtime = rt
	b.rtMu.Unlock()
}

func (b *Bridge) currentRuntime() agentrt.Submitter {
	b.rtMu.RLock()
	defer b.rtMu.RUnlock()
	return b.runtime
}

// InFlight returns the number of open correlation entries.
func (b *Bridge) InFlight() int {
	return b.table.Len()
}

// Invoke runs one tool call to completion. Only ErrToolNotFound and
// ErrMissingSessionIdentity are returned as errors; every failure after
// submission is reported in the Response.
func (b *Bridge) Invoke(ctx context.Context, call Call) (Response, error) {
	start := b.now()
	if b.tools == nil {
		b.metrics.RecordToolCall(call.ToolName, "not_found", 0)
		return Response{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
	}
	binding, ok := b.tools.Lookup(call.ToolName)
	if !ok {
		b.metrics.RecordToolCall(call.ToolName, "not_found", 0)
		return Response{}, fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
	}
	if call.ConnectionID == "" {
		b.metrics.RecordToolCall(binding.Name, "no_session", 0)
		return Response{}, ErrMissingSessionIdentity
	}

	taskID := b.newTaskID()
	ctx = observability.AddTaskID(observability.AddToolName(observability.AddSessionID(ctx, call.ConnectionID), binding.Name), taskID)
	ctx, span := b.tracer.TraceInvocation(ctx, binding.Name, call.ConnectionID)
	defer span.End()
	logger := observability.LoggerWithContext(ctx, b.logger)

	entry := b.table.Begin(taskID)
	b.metrics.CorrelationStarted()
	defer func() {
		b.table.End(taskID)
		b.metrics.CorrelationEnded()
	}()

	matCtx, cancelMat := context.WithCancel(ctx)
	defer cancelMat()
	matDone := make(chan materialize.Outcome, 1)
	info := materialize.CallInfo{
		SessionID: call.ConnectionID,
		TaskID:    taskID,
		ToolName:  binding.Name,
		Owner:     binding.ProviderID,
		Notifier:  call.Notifier,
	}
	go b.runMaterializer(matCtx, logger, info, entry, matDone)

	// One deadline covers submission and the wait for the terminal event.
	waitCtx, cancelWait := context.WithTimeout(ctx, b.cfg.CallTimeout)
	b.submit(waitCtx, logger, binding, call, taskID)
	result, err := entry.Wait(waitCtx)
	cancelWait()

	var resp Response
	if err != nil {
		cancelMat()
		b.join(matDone, cancelMat)
		resp = b.abandoned(ctx, logger, taskID)
	} else {
		outcome := b.join(matDone, cancelMat)
		if outcome.Canceled {
			logger.Warn("materializer did not finish within grace period", "items", len(outcome.Items))
		}
		resp = finished(result, outcome.Items)
	}
	resp.TaskID = taskID

	outcomeLabel := "success"
	switch {
	case errors.Is(resp.Err, ErrTaskTimeout):
		outcomeLabel = "timeout"
	case errors.Is(resp.Err, errCallAbandoned):
		outcomeLabel = "abandoned"
	case resp.Err != nil:
		var remote *correlation.RemoteTaskError
		if errors.As(resp.Err, &remote) && remote.Category == agentrt.ErrorCanceled {
			outcomeLabel = "canceled"
		} else {
			outcomeLabel = "error"
		}
		b.tracer.RecordError(span, resp.Err)
	}
	b.tracer.SetAttributes(span, "task_id", taskID, "items", len(resp.Items), "outcome", outcomeLabel)
	b.metrics.RecordToolCall(binding.Name, outcomeLabel, b.now().Sub(start))
	logger.Info("tool call finished", "outcome", outcomeLabel, "items", len(resp.Items), "duration", b.now().Sub(start))
	return resp, nil
}

func (b *Bridge) submit(ctx context.Context, logger *slog.Logger, binding bindings.Binding, call Call, taskID string) {
	rt := b.currentRuntime()
	if rt == nil {
		b.table.ResolveError(taskID, agentrt.ErrorOther, "no agent runtime configured")
		return
	}
	err := rt.Submit(ctx, agentrt.SubmitRequest{
		TaskID:     taskID,
		ProviderID: binding.ProviderID,
		SkillID:    binding.SkillID,
		Text:       call.Message,
		SessionKey: call.ConnectionID,
	})
	if err != nil && ctx.Err() != nil {
		// Out of time; the wait reports the timeout or the caller's cancel.
		logger.Warn("task submission interrupted", "provider_id", binding.ProviderID, "error", err)
		return
	}
	if err != nil {
		logger.Error("task submission failed", "provider_id", binding.ProviderID, "error", err)
		b.table.ResolveError(taskID, agentrt.ErrorOther, "submit: "+err.Error())
		return
	}
	logger.Debug("task submitted", "provider_id", binding.ProviderID, "skill_id", binding.SkillID)
}

func (b *Bridge) runMaterializer(ctx context.Context, logger *slog.Logger, info materialize.CallInfo, entry *correlation.Entry, done chan<- materialize.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("materializer panic", "panic", r)
			done <- materialize.Outcome{Canceled: true}
		}
	}()
	done <- b.materializer.Run(ctx, info, entry.Queue())
}

// join waits for the materializer for the grace period, then cancels it and
// gives it one more grace period to hand back what it gathered.
func (b *Bridge) join(done <-chan materialize.Outcome, cancel context.CancelFunc) materialize.Outcome {
	timer := time.NewTimer(b.cfg.MaterializerGrace)
	defer timer.Stop()
	select {
	case out := <-done:
		return out
	case <-timer.C:
	}

	cancel()
	timer.Reset(b.cfg.MaterializerGrace)
	select {
	case out := <-done:
		out.Canceled = true
		return out
	case <-timer.C:
		return materialize.Outcome{Canceled: true}
	}
}

// abandoned builds the response of a call that stopped waiting without a
// terminal event, and asks the runtime to drop the task.
func (b *Bridge) abandoned(ctx context.Context, logger *slog.Logger, taskID string) Response {
	parentDone := ctx.Err() != nil
	reason := "timeout"
	if parentDone {
		reason = "caller canceled"
	}
	if c, ok := b.currentRuntime().(agentrt.Canceler); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.MaterializerGrace)
		if err := c.Cancel(cctx, taskID, reason); err != nil {
			logger.Warn("runtime cancel failed", "error", err)
		}
		cancel()
	}

	if parentDone {
		return Response{Text: "[error] Call canceled before the task finished.", IsError: true, Err: errCallAbandoned}
	}
	logger.Warn("task timed out", "timeout", b.cfg.CallTimeout)
	return Response{
		Text:    "[error] Task timed out after " + formatSeconds(b.cfg.CallTimeout),
		IsError: true,
		Err:     ErrTaskTimeout,
	}
}

func finished(result correlation.Result, items []mcp.Content) Response {
	if result.Err == nil {
		text := result.Text
		if result.NoText && len(items) > 0 {
			text = ""
		}
		return Response{Text: text, Items: items}
	}
	text := canceledText
	if result.Err.Category != agentrt.ErrorCanceled {
		text = "[error] Agent task failed: " + result.Err.Message
		if result.Text != "" {
			text += "\n\n" + result.Text
		}
	}
	return Response{Text: text, Items: items, IsError: true, Err: result.Err}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
