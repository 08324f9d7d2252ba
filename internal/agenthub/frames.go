package agenthub

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by agents.
const (
	frameRegister = "register"
	frameUpdate   = "update"
	frameComplete = "complete"
	frameError    = "error"
	framePing     = "ping"
)

// Frame types sent to agents.
const (
	frameRegistered = "registered"
	frameRejected   = "rejected"
	frameTask       = "task"
	frameCancel     = "cancel"
	framePong       = "pong"
	frameInvalid    = "invalid"
)

// Update kinds carried by update frames.
const (
	kindText   = "text"
	kindFile   = "file"
	kindStatus = "status"
)

type skillFrame struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type fileFrame struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     *int64 `json:"size,omitempty"`
	Version  int    `json:"version,omitempty"`
	// Data is the base64 encoded content. When present the hub stores the
	// bytes itself and assigns the version.
	Data string `json:"data,omitempty"`
}

// inboundFrame is the union of every agent to bridge frame.
type inboundFrame struct {
	Type string `json:"type"`

	// register
	AgentID     string       `json:"agent_id,omitempty"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Token       string       `json:"token,omitempty"`
	Skills      []skillFrame `json:"skills,omitempty"`

	// update, complete, error
	TaskID   string     `json:"task_id,omitempty"`
	Kind     string     `json:"kind,omitempty"`
	Text     string     `json:"text,omitempty"`
	State    string     `json:"state,omitempty"`
	File     *fileFrame `json:"file,omitempty"`
	Category string     `json:"category,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// outboundFrame is the union of every bridge to agent frame.
type outboundFrame struct {
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	Error      string `json:"error,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	SkillID    string `json:"skill_id,omitempty"`
	Text       string `json:"text,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// decodeFrame validates raw against the frame schemas and decodes it.
func decodeFrame(raw []byte) (*inboundFrame, error) {
	if err := validateFrame(raw); err != nil {
		return nil, err
	}
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &frame, nil
}
