// Package materialize drains a correlation queue while a tool call is in
// flight. Text and status chunks become interim notices; file chunks become
// protocol content items chosen by the content policy.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/contentpolicy"
	"github.com/haasonsaas/agentbridge/internal/correlation"
	"github.com/haasonsaas/agentbridge/internal/mcp"
	"github.com/haasonsaas/agentbridge/internal/observability"
)

// StatusPrefix marks notices produced from status signals.
const StatusPrefix = "[status] "

// ErrorPrefix marks the text item that replaces a file that failed to
// materialize.
const ErrorPrefix = "[materialization error] "

var (
	errNoFilename = errors.New("file update has no filename")
	errNoRegistry = errors.New("no resource registry configured")
)

// NoticeOutcome reports what happened to one interim notice.
type NoticeOutcome int

const (
	NoticeDelivered NoticeOutcome = iota + 1
	// NoticeSkipped means the caller gave no way to deliver notices.
	NoticeSkipped
	NoticeFailed
)

func (o NoticeOutcome) String() string {
	switch o {
	case NoticeDelivered:
		return "delivered"
	case NoticeSkipped:
		return "skipped"
	case NoticeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Notifier sends an interim notice to the caller of a tool.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, text string) error

func (f NotifierFunc) Notify(ctx context.Context, text string) error {
	return f(ctx, text)
}

// ByteLoader fetches stored artifact bytes. Version 0 means latest.
type ByteLoader interface {
	LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error)
}

// Registrar records artifacts exposed by reference and returns their URI.
type Registrar interface {
	Register(sessionID, filename, mimeType string, size int64, owner string, version int) string
}

// CallInfo identifies the call whose queue is drained.
type CallInfo struct {
	SessionID string
	TaskID    string
	ToolName  string
	// Owner is the provider that produced the files.
	Owner    string
	Notifier Notifier
}

// Outcome is what Run gathered. Items keep the arrival order of their files.
type Outcome struct {
	Items          []mcp.Content
	NoticesSent    int
	NoticesSkipped int
	NoticesFailed  int
	// Canceled is set when ctx ended before END was read.
	Canceled bool
}

// Config wires a Materializer.
type Config struct {
	Loader   ByteLoader
	Registry Registrar
	Limits   contentpolicy.Limits
	Metrics  *observability.Metrics
}

// Materializer turns queued chunks into content. It holds no per-call
// state, so one instance serves every call.
type Materializer struct {
	loader   ByteLoader
	registry Registrar
	limits   contentpolicy.Limits
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a Materializer. Zero limits fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limits == (contentpolicy.Limits{}) {
		cfg.Limits = contentpolicy.DefaultLimits()
	}
	return &Materializer{
		loader:   cfg.Loader,
		registry: cfg.Registry,
		limits:   cfg.Limits,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "materialize"),
	}
}

// Run consumes queue until END or until ctx is done.
func (m *Materializer) Run(ctx context.Context, call CallInfo, queue *correlation.Queue) Outcome {
	var out Outcome
	logger := m.logger.With("task_id", call.TaskID, "session_id", call.SessionID)

	for {
		chunk, err := queue.Next(ctx)
		if err != nil {
			out.Canceled = true
			logger.Debug("materializer stopped before end", "items", len(out.Items), "error", err)
			return out
		}

		switch chunk.Kind {
		case correlation.ChunkEnd:
			return out
		case correlation.ChunkText:
			m.notice(ctx, logger, call, chunk.Text, &out)
		case correlation.ChunkStatus:
			if chunk.State != "" {
				m.notice(ctx, logger, call, StatusPrefix+chunk.State, &out)
			}
		case correlation.ChunkFile:
			item, category, err := m.file(ctx, call, chunk.File)
			if err != nil {
				logger.Warn("file materialization failed", "filename", chunk.File.Filename, "error", err)
				item = mcp.TextContent(ErrorPrefix + chunk.File.Filename + ": " + err.Error())
				m.metrics.RecordMaterialized("error")
			} else {
				m.metrics.RecordMaterialized(category.String())
			}
			out.Items = append(out.Items, item)
		default:
			logger.Warn("unexpected chunk", "kind", chunk.Kind.String())
		}
	}
}

func (m *Materializer) notice(ctx context.Context, logger *slog.Logger, call CallInfo, text string, out *Outcome) {
	outcome := Notify(ctx, call.Notifier, text)
	switch outcome {
	case NoticeDelivered:
		out.NoticesSent++
	case NoticeSkipped:
		out.NoticesSkipped++
	case NoticeFailed:
		out.NoticesFailed++
		logger.Debug("progress notice not delivered")
	}
	m.metrics.RecordNotice(outcome.String())
}

// Notify sends one notice through n and classifies the result.
func Notify(ctx context.Context, n Notifier, text string) NoticeOutcome {
	if n == nil {
		return NoticeSkipped
	}
	if err := n.Notify(ctx, text); err != nil {
		if errors.Is(err, mcp.ErrNoProgressToken) {
			return NoticeSkipped
		}
		return NoticeFailed
	}
	return NoticeDelivered
}

func (m *Materializer) file(ctx context.Context, call CallInfo, ref agentrt.FileRef) (mcp.Content, contentpolicy.Category, error) {
	if ref.Filename == "" {
		return mcp.Content{}, 0, errNoFilename
	}
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = guessMime(ref.Filename)
	}

	size := ref.Size
	var data []byte
	loaded := false
	if m.loader != nil && ref.SizeKnown() && size <= contentpolicy.MaxInline(mimeType, m.limits) {
		var err error
		data, err = m.loader.LoadBytes(ctx, call.SessionID, ref.Filename, ref.Version)
		if err != nil {
			return mcp.Content{}, 0, fmt.Errorf("load: %w", err)
		}
		size = int64(len(data))
		loaded = true
	}

	category := contentpolicy.ResourceLink
	if loaded {
		category = contentpolicy.Classify(mimeType, size, data, m.limits)
	}

	switch category {
	case contentpolicy.InlineImage:
		return mcp.ImageContent(data, mimeType), category, nil
	case contentpolicy.InlineAudio:
		return mcp.AudioContent(data, mimeType), category, nil
	}

	if m.registry == nil {
		return mcp.Content{}, 0, errNoRegistry
	}
	uri := m.registry.Register(call.SessionID, ref.Filename, mimeType, size, call.Owner, ref.Version)

	switch category {
	case contentpolicy.EmbeddedText:
		return mcp.EmbeddedTextContent(uri, mimeType, string(data)), category, nil
	case contentpolicy.EmbeddedBinary:
		return mcp.EmbeddedBlobContent(uri, mimeType, data), category, nil
	default:
		return mcp.ResourceLinkContent(uri, ref.Filename, mimeType, size), contentpolicy.ResourceLink, nil
	}
}

func guessMime(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}
