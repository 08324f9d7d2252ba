package bindings

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// MessageInput is the single free-text parameter every skill tool accepts.
type MessageInput struct {
	Message string `json:"message" jsonschema:"title=Message,description=Free-text request forwarded to the agent skill,minLength=1"`
}

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
	schemaErr  error
)

// InputSchema returns the JSON Schema of MessageInput.
func InputSchema() (json.RawMessage, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := r.Reflect(&MessageInput{})
		schemaJSON, schemaErr = json.Marshal(schema)
	})
	return schemaJSON, schemaErr
}
