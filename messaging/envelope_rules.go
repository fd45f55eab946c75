package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/glimte/relay/contracts"
)

// EnvelopePredicate decides whether an EnvelopeRule applies
type EnvelopePredicate interface {
	Matches(env *contracts.Envelope) bool
}

// PredicateFunc adapts a function to EnvelopePredicate
type PredicateFunc func(env *contracts.Envelope) bool

// Matches implements EnvelopePredicate
func (f PredicateFunc) Matches(env *contracts.Envelope) bool { return f(env) }

// EnvelopeAction modifies an outgoing envelope
type EnvelopeAction func(env *contracts.Envelope)

// EnvelopeRule applies Apply to every routed envelope matching When.
// Rules run in the order they were added and later rules see earlier changes.
type EnvelopeRule struct {
	Name  string
	When  EnvelopePredicate
	Apply EnvelopeAction
}

func (r EnvelopeRule) apply(env *contracts.Envelope) {
	if r.Apply == nil {
		return
	}
	if r.When == nil || r.When.Matches(env) {
		r.Apply(env)
	}
}

// Always matches every envelope
func Always() EnvelopePredicate {
	return PredicateFunc(func(*contracts.Envelope) bool { return true })
}

// MessageTypeIs matches envelopes carrying any of the given aliases
func MessageTypeIs(aliases ...string) EnvelopePredicate {
	set := make(map[string]struct{}, len(aliases))
	for _, alias := range aliases {
		set[alias] = struct{}{}
	}
	return PredicateFunc(func(env *contracts.Envelope) bool {
		_, ok := set[env.MessageType]
		return ok
	})
}

// SetHeader sets a custom header
func SetHeader(key, value string) EnvelopeAction {
	return func(env *contracts.Envelope) {
		env.SetHeader(key, value)
	}
}

// DeliverWithin sets DeliverBy relative to the moment the rule runs
func DeliverWithin(d time.Duration) EnvelopeAction {
	return func(env *contracts.Envelope) {
		deadline := time.Now().UTC().Add(d)
		env.DeliverBy = &deadline
	}
}

// RequireAck asks the receiver to acknowledge the envelope once handled
func RequireAck() EnvelopeAction {
	return func(env *contracts.Envelope) {
		env.AckRequested = true
	}
}

// WithContentType overrides the content type the body is written in
func WithContentType(contentType string) EnvelopeAction {
	return func(env *contracts.Envelope) {
		env.ContentType = contentType
	}
}

// CELPredicate matches envelopes with a compiled CEL expression. The expression
// sees messageType, destination, contentType, headers and attempts.
type CELPredicate struct {
	expression string
	program    cel.Program
}

// NewCELPredicate compiles expression, which must evaluate to a bool
func NewCELPredicate(expression string) (*CELPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("messageType", cel.StringType),
		cel.Variable("destination", cel.StringType),
		cel.Variable("contentType", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("attempts", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("envelope predicate must return bool, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CELPredicate{expression: expression, program: program}, nil
}

// String returns the source expression
func (p *CELPredicate) String() string { return p.expression }

// Matches implements EnvelopePredicate. Evaluation errors, such as a missing
// header key, count as no match.
func (p *CELPredicate) Matches(env *contracts.Envelope) bool {
	headers := make(map[string]any, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}

	result, _, err := p.program.ContextEval(context.Background(), map[string]any{
		"messageType": env.MessageType,
		"destination": env.Destination,
		"contentType": env.ContentType,
		"headers":     headers,
		"attempts":    int64(env.Attempts),
	})
	if err != nil {
		return false
	}
	matched, ok := result.Value().(bool)
	return ok && matched
}
