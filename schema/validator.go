package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
)

// ValidationError reports an envelope body that does not match the schema of
// its message type. It unwraps to the *jsonschema.ValidationError.
type ValidationError struct {
	MessageType string
	EnvelopeID  string
	Err         error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope %s: %s body is invalid: %v", e.EnvelopeID, e.MessageType, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type entry struct {
	compiled *jsonschema.Schema
	raw      json.RawMessage
}

// Validator holds the JSON schemas of the message types a node validates
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*entry
}

// NewValidator creates a validator with no schemas
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*entry)}
}

// Register compiles schemaJSON as the schema of messageType, replacing any
// earlier one. Formats such as uuid and date-time are asserted.
func (v *Validator) Register(messageType string, schemaJSON []byte) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to parse schema for %s: %w", messageType, err)
	}

	uri := schemaURI(messageType)
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(uri, doc); err != nil {
		return fmt.Errorf("failed to add schema for %s: %w", messageType, err)
	}
	compiled, err := compiler.Compile(uri)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", messageType, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[messageType] = &entry{compiled: compiled, raw: json.RawMessage(schemaJSON)}
	return nil
}

// RegisterMessage registers the schema generated from message under its alias
func (v *Validator) RegisterMessage(message contracts.Message) error {
	doc, err := Generate(message)
	if err != nil {
		return err
	}
	return v.Register(message.MessageType(), doc)
}

// MustRegister is Register that panics on error
func (v *Validator) MustRegister(messageType string, schemaJSON []byte) {
	if err := v.Register(messageType, schemaJSON); err != nil {
		panic(err)
	}
}

// Schema returns the raw schema of messageType, or nil
func (v *Validator) Schema(messageType string) json.RawMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if e, ok := v.schemas[messageType]; ok {
		return e.raw
	}
	return nil
}

// Schemas returns every registered schema under $defs, keyed by message type
func (v *Validator) Schemas() json.RawMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()

	defs := make(map[string]json.RawMessage, len(v.schemas))
	for messageType, e := range v.schemas {
		defs[messageType] = e.raw
	}
	doc := struct {
		Schema string                     `json:"$schema"`
		Defs   map[string]json.RawMessage `json:"$defs"`
	}{
		Schema: draft,
		Defs:   defs,
	}
	data, _ := json.Marshal(doc)
	return data
}

// MessageTypes lists the message types with a schema, sorted
func (v *Validator) MessageTypes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	types := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate implements interceptors.Validator. Message types without a schema
// and bodies that are not JSON pass. The serialized body is checked when
// present, otherwise the in-process message value.
func (v *Validator) Validate(ctx context.Context, env *contracts.Envelope) error {
	v.mu.RLock()
	e, ok := v.schemas[env.MessageType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if env.ContentType != "" && env.ContentType != serialization.DefaultContentType {
		return nil
	}

	body := env.Data
	if len(body) == 0 && env.Message != nil {
		var err error
		if body, err = json.Marshal(env.Message); err != nil {
			return fmt.Errorf("failed to marshal %s for validation: %w", env.MessageType, err)
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ValidationError{MessageType: env.MessageType, EnvelopeID: env.ID, Err: err}
	}
	if err := e.compiled.Validate(inst); err != nil {
		return &ValidationError{MessageType: env.MessageType, EnvelopeID: env.ID, Err: err}
	}
	return nil
}

func schemaURI(messageType string) string {
	return "urn:relay:schema:" + messageType
}
