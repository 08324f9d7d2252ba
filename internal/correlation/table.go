// Package correlation tracks in-flight tool calls by task id.
//
// Each call owns one Entry, created before the task is submitted. The
// runtime's update stream is routed into the entry's ordered queue, and a
// terminal completion or error resolves the entry exactly once. The caller
// that began an entry is responsible for ending it.
package correlation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
)

// NoTextOutput is the final text of a successful task that produced no
// text fragments.
const NoTextOutput = "Task completed with no text output."

// RemoteTaskError is a failure reported by the agent runtime.
type RemoteTaskError struct {
	Category agentrt.ErrorCategory
	Message  string
}

func (e *RemoteTaskError) Error() string {
	if e.Message == "" {
		return "agent task " + e.Category.String()
	}
	return "agent task " + e.Category.String() + ": " + e.Message
}

// Result is the resolved outcome of an entry. On failure Text holds any
// partial text received before the error.
type Result struct {
	Text string
	// NoText is set when the task produced no text fragments; a successful
	// Text then holds NoTextOutput.
	NoText bool
	Err    *RemoteTaskError
}

// Entry is the per-call correlation state.
type Entry struct {
	TaskID    string
	CreatedAt time.Time

	queue *Queue
	done  chan struct{}

	mu       sync.Mutex
	text     []string
	resolved bool
	result   Result
}

// Queue returns the ordered chunk queue drained by the materializer.
func (e *Entry) Queue() *Queue {
	return e.queue
}

// Done is closed when the entry resolves.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Result returns the outcome; it is only meaningful after Done is closed.
func (e *Entry) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Wait blocks until the entry resolves or ctx is done.
func (e *Entry) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		return e.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Entry) deliver(c Chunk) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return false
	}
	if c.Kind == ChunkText {
		e.text = append(e.text, c.Text)
	}
	return e.queue.push(c)
}

func (e *Entry) resolve(err *RemoteTaskError) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return false
	}
	e.resolved = true
	e.queue.push(Chunk{Kind: ChunkEnd})

	text := strings.Join(e.text, "")
	noText := text == ""
	if err == nil && noText {
		text = NoTextOutput
	}
	e.result = Result{Text: text, NoText: noText, Err: err}
	close(e.done)
	return true
}

// Table maps task ids to entries.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *slog.Logger
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*Entry),
		logger:  logger.With("component", "correlation"),
		now:     time.Now,
	}
}

// Begin creates the entry for taskID. It must be called before the task is
// submitted. Beginning a live id replaces its entry.
func (t *Table) Begin(taskID string) *Entry {
	entry := &Entry{
		TaskID:    taskID,
		CreatedAt: t.now(),
		queue:     NewQueue(),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	_, exists := t.entries[taskID]
	t.entries[taskID] = entry
	t.mu.Unlock()

	if exists {
		t.logger.Error("correlation entry overwritten", "task_id", taskID)
	}
	return entry
}

// Deliver routes an update to its entry. Updates for unknown, ended or
// already resolved tasks are dropped.
func (t *Table) Deliver(taskID string, update agentrt.Update) {
	chunk, ok := chunkFromUpdate(update)
	if !ok {
		t.logger.Warn("dropping update of unknown kind", "task_id", taskID, "kind", update.Kind.String())
		return
	}
	entry := t.lookup(taskID)
	if entry == nil {
		t.logger.Debug("dropping update for unknown task", "task_id", taskID, "kind", chunk.Kind.String())
		return
	}
	if !entry.deliver(chunk) {
		t.logger.Debug("dropping update for resolved task", "task_id", taskID, "kind", chunk.Kind.String())
	}
}

// ResolveSuccess completes the entry. It reports whether this call
// resolved it.
func (t *Table) ResolveSuccess(taskID string) bool {
	return t.resolve(taskID, nil)
}

// ResolveError fails the entry with a runtime error. It reports whether
// this call resolved it.
func (t *Table) ResolveError(taskID string, category agentrt.ErrorCategory, message string) bool {
	return t.resolve(taskID, &RemoteTaskError{Category: category, Message: message})
}

func (t *Table) resolve(taskID string, err *RemoteTaskError) bool {
	entry := t.lookup(taskID)
	if entry == nil {
		t.logger.Debug("resolution for unknown task", "task_id", taskID)
		return false
	}
	if !entry.resolve(err) {
		t.logger.Warn("task already resolved", "task_id", taskID)
		return false
	}
	return true
}

// End removes the entry. It is safe to call more than once.
func (t *Table) End(taskID string) {
	t.mu.Lock()
	delete(t.entries, taskID)
	t.mu.Unlock()
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Has reports whether taskID has a live entry.
func (t *Table) Has(taskID string) bool {
	return t.lookup(taskID) != nil
}

func (t *Table) lookup(taskID string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[taskID]
}
