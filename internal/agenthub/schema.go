package agenthub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	types   map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("agent_frame", baseFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.base = base

		types := map[string]string{
			frameRegister: registerFrameSchema,
			frameUpdate:   updateFrameSchema,
			frameComplete: completeFrameSchema,
			frameError:    errorFrameSchema,
			framePing:     pingFrameSchema,
		}
		frameSchemas.types = make(map[string]*jsonschema.Schema, len(types))
		for name, schema := range types {
			compiled, err := jsonschema.CompileString("agent_frame_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.types[name] = compiled
		}
	})
	return frameSchemas.initErr
}

func validateFrame(raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.base.Validate(payload); err != nil {
		return err
	}
	typ, _ := payload.(map[string]any)["type"].(string)
	schema := frameSchemas.types[typ]
	if schema == nil {
		return fmt.Errorf("unsupported frame type %q", typ)
	}
	return schema.Validate(payload)
}

const baseFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const registerFrameSchema = `{
  "type": "object",
  "required": ["type", "agent_id", "name", "skills"],
  "properties": {
    "type": { "const": "register" },
    "agent_id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "name": { "type": "string", "minLength": 1, "maxLength": 128 },
    "description": { "type": "string" },
    "token": { "type": "string" },
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "tags": { "type": "array", "items": { "type": "string" } }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const updateFrameSchema = `{
  "type": "object",
  "required": ["type", "task_id", "kind"],
  "properties": {
    "type": { "const": "update" },
    "task_id": { "type": "string", "minLength": 1 },
    "kind": { "enum": ["text", "file", "status"] },
    "text": { "type": "string" },
    "state": { "type": "string" },
    "file": {
      "type": "object",
      "required": ["filename"],
      "properties": {
        "filename": { "type": "string", "minLength": 1 },
        "mime_type": { "type": "string" },
        "size": { "type": "integer", "minimum": -1 },
        "version": { "type": "integer", "minimum": 0 },
        "data": { "type": "string", "contentEncoding": "base64" }
      },
      "additionalProperties": false
    }
  },
  "allOf": [
    {
      "if": { "properties": { "kind": { "const": "text" } } },
      "then": { "required": ["text"] }
    },
    {
      "if": { "properties": { "kind": { "const": "file" } } },
      "then": { "required": ["file"] }
    },
    {
      "if": { "properties": { "kind": { "const": "status" } } },
      "then": { "required": ["state"] }
    }
  ],
  "additionalProperties": false
}`

const completeFrameSchema = `{
  "type": "object",
  "required": ["type", "task_id"],
  "properties": {
    "type": { "const": "complete" },
    "task_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const errorFrameSchema = `{
  "type": "object",
  "required": ["type", "task_id"],
  "properties": {
    "type": { "const": "error" },
    "task_id": { "type": "string", "minLength": 1 },
    "category": { "enum": ["canceled", "cancelled", "other"] },
    "message": { "type": "string" }
  },
  "additionalProperties": false
}`

const pingFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "const": "ping" }
  },
  "additionalProperties": false
}`
