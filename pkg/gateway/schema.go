package gateway

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const chatRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["user_id", "message"],
  "properties": {
    "id": {"type": "string", "maxLength": 128},
    "user_id": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9_.:@-]+$"},
    "message": {"type": "string", "minLength": 1, "maxLength": 8000}
  },
  "additionalProperties": false
}`

var chatSchema = gojsonschema.NewStringLoader(chatRequestSchema)

// SchemaError lists every validation failure of a request body.
type SchemaError struct {
	Details []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Details)
}

// validateChatRequest checks raw JSON against the chat request schema.
func validateChatRequest(data []byte) error {
	result, err := gojsonschema.Validate(chatSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &SchemaError{Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return &SchemaError{Details: details}
}
