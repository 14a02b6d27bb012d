package tools

import (
	"fmt"
	"strings"

	"github.com/basket/donna/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError marks a parameter check failure. It is non-retryable:
// bad input will not become good input on retry.
type ValidationError struct {
	TaskType persistence.TaskType
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.TaskType, e.Message)
}

// parameterSchemas holds the JSON Schema for each action type's parameters.
var parameterSchemas = map[persistence.TaskType]string{
	persistence.TaskSendEmail: `{
		"type": "object",
		"required": ["to", "subject", "body"],
		"properties": {
			"to": {"type": "string", "minLength": 3},
			"cc": {"type": "array", "items": {"type": "string"}},
			"subject": {"type": "string"},
			"body": {"type": "string"},
			"reply_to_message_id": {"type": "string"}
		}
	}`,
	persistence.TaskCreateCalendarEvent: `{
		"type": "object",
		"required": ["title", "start_time"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"start_time": {"type": "string"},
			"end_time": {"type": "string"},
			"attendees": {"type": "array", "items": {"type": "string"}},
			"location": {"type": "string"},
			"description": {"type": "string"}
		}
	}`,
	persistence.TaskCreateContact: `{
		"type": "object",
		"required": ["email"],
		"properties": {
			"email": {"type": "string", "minLength": 3},
			"name": {"type": "string"},
			"company": {"type": "string"},
			"phone": {"type": "string"}
		}
	}`,
	persistence.TaskUpdateContact: `{
		"type": "object",
		"required": ["contact_id"],
		"properties": {
			"contact_id": {"type": "string", "minLength": 1},
			"email": {"type": "string"},
			"name": {"type": "string"},
			"company": {"type": "string"},
			"phone": {"type": "string"}
		}
	}`,
	persistence.TaskAddNote: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"contact_id": {"type": "string"},
			"title": {"type": "string"}
		}
	}`,
	persistence.TaskScheduleMeeting: `{
		"type": "object",
		"required": ["title", "attendees"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"attendees": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"duration_minutes": {"type": "integer", "minimum": 1},
			"earliest_start": {"type": "string"},
			"notes": {"type": "string"}
		}
	}`,
	persistence.TaskSearchKnowledge: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50},
			"source_types": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

// Validator checks task parameters against the schema for their action type
// before dispatch.
type Validator struct {
	schemas map[persistence.TaskType]*jsonschema.Schema
}

// NewValidator compiles every action type's parameter schema.
func NewValidator() (*Validator, error) {
	compiled := make(map[persistence.TaskType]*jsonschema.Schema, len(parameterSchemas))
	for taskType, raw := range parameterSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", taskType, err)
		}
		c := jsonschema.NewCompiler()
		resource := string(taskType) + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", taskType, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", taskType, err)
		}
		compiled[taskType] = schema
	}
	return &Validator{schemas: compiled}, nil
}

// Validate checks paramsJSON against the action type's schema. Any failure
// comes back as a *ValidationError.
func (v *Validator) Validate(taskType persistence.TaskType, paramsJSON string) error {
	schema, ok := v.schemas[taskType]
	if !ok {
		return &ValidationError{TaskType: taskType, Message: "unknown action type"}
	}
	if strings.TrimSpace(paramsJSON) == "" {
		paramsJSON = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(paramsJSON))
	if err != nil {
		return &ValidationError{TaskType: taskType, Message: fmt.Sprintf("parameters are not valid JSON: %s", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &ValidationError{TaskType: taskType, Message: err.Error()}
	}
	return nil
}
