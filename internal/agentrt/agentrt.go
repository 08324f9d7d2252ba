// Package agentrt defines the contract between the bridge and the agent
// runtime that executes skills.
//
// The runtime accepts a task through a Submitter and then reports progress
// for that task id as a stream of Updates, terminated by exactly one
// completion or failure. The bridge allocates task ids itself so that the
// correlation entry exists before the runtime can emit anything.
package agentrt

import (
	"context"
	"fmt"
	"strings"
)

// UpdateKind discriminates the variants of Update.
type UpdateKind int

const (
	// UpdateText carries a text delta.
	UpdateText UpdateKind = iota + 1
	// UpdateFile announces a file or artifact produced by the task.
	UpdateFile
	// UpdateStatus carries a task status signal such as "working".
	UpdateStatus
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateText:
		return "text"
	case UpdateFile:
		return "file"
	case UpdateStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SizeUnknown marks a FileRef whose size was not reported.
const SizeUnknown int64 = -1

// FileRef describes an artifact stored by the runtime. The bytes live in
// artifact storage and are fetched on demand.
type FileRef struct {
	Filename string
	MimeType string
	Size     int64
	Version  int
}

// SizeKnown reports whether the runtime reported a size.
func (f FileRef) SizeKnown() bool {
	return f.Size >= 0
}

// Update is one event of a task's update stream. Exactly one of Text, File
// or State is meaningful, selected by Kind.
type Update struct {
	Kind  UpdateKind
	Text  string
	File  FileRef
	State string
}

// TextDelta builds a text update.
func TextDelta(text string) Update {
	return Update{Kind: UpdateText, Text: text}
}

// FileUpdate builds a file update.
func FileUpdate(ref FileRef) Update {
	return Update{Kind: UpdateFile, File: ref}
}

// StatusSignal builds a status update.
func StatusSignal(state string) Update {
	return Update{Kind: UpdateStatus, State: state}
}

// ErrorCategory classifies a task failure reported by the runtime.
type ErrorCategory int

const (
	// ErrorOther is any failure that is not a cancellation.
	ErrorOther ErrorCategory = iota
	// ErrorCanceled means the runtime or agent canceled the task.
	ErrorCanceled
)

func (c ErrorCategory) String() string {
	if c == ErrorCanceled {
		return "canceled"
	}
	return "other"
}

// ParseErrorCategory maps a wire category to an ErrorCategory. Anything
// other than "canceled" is ErrorOther.
func ParseErrorCategory(s string) ErrorCategory {
	if strings.EqualFold(strings.TrimSpace(s), "canceled") || strings.EqualFold(strings.TrimSpace(s), "cancelled") {
		return ErrorCanceled
	}
	return ErrorOther
}

// SubmitRequest asks the runtime to run one skill of one provider.
type SubmitRequest struct {
	TaskID     string
	ProviderID string
	SkillID    string
	Text       string
	SessionKey string
}

// Submitter hands a task to the agent runtime. Submit returns once the
// runtime has accepted the task; results arrive through a Sink.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) error
}

// Canceler is implemented by runtimes that can abandon a running task.
type Canceler interface {
	Cancel(ctx context.Context, taskID, reason string) error
}

// Sink receives the update stream of every task.
type Sink interface {
	Deliver(taskID string, update Update)
	Complete(taskID string)
	Fail(taskID string, category ErrorCategory, message string)
}
