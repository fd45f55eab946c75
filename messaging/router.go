package messaging

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
)

// LocalScheme addresses the worker queue of the node itself
const LocalScheme = "local"

// LocalDestination returns the uri of a queue on this node
func LocalDestination(queue string) string {
	return LocalScheme + "://" + queue
}

// IsLocal reports whether uri addresses this node rather than a remote listener
func IsLocal(uri string) bool {
	return strings.HasPrefix(uri, LocalScheme+"://")
}

// PublishingRule sends every message of one type alias to one destination
type PublishingRule struct {
	MessageType string
	Destination string
}

// routingTable is never mutated once published
type routingTable struct {
	routes map[string][]string
	rules  []EnvelopeRule
}

func (t *routingTable) clone() *routingTable {
	next := &routingTable{
		routes: make(map[string][]string, len(t.routes)),
		rules:  append([]EnvelopeRule(nil), t.rules...),
	}
	for alias, destinations := range t.routes {
		next.routes[alias] = append([]string(nil), destinations...)
	}
	return next
}

// Router turns messages into addressed envelopes. Rules can change while the
// node runs; each Route call works on one consistent snapshot.
type Router struct {
	registry *serialization.Registry
	table    atomic.Pointer[routingTable]
	logger   *zap.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router without rules
func NewRouter(registry *serialization.Registry, options ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   zap.NewNop(),
	}
	r.table.Store(&routingTable{routes: make(map[string][]string)})

	for _, opt := range options {
		opt(r)
	}
	return r
}

// SetRules replaces all publishing rules. Envelope rules are kept.
func (r *Router) SetRules(rules ...PublishingRule) error {
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return err
		}
	}
	r.update(func(t *routingTable) {
		t.routes = make(map[string][]string)
		for _, rule := range rules {
			addRoute(t, rule)
		}
	})
	return nil
}

// AddRule adds one publishing rule
func (r *Router) AddRule(rule PublishingRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	r.update(func(t *routingTable) {
		addRoute(t, rule)
	})
	r.logger.Info("added publishing rule",
		zap.String("messageType", rule.MessageType),
		zap.String("destination", rule.Destination))
	return nil
}

// AddEnvelopeRule appends a rule applied to every routed envelope
func (r *Router) AddEnvelopeRule(rule EnvelopeRule) {
	r.update(func(t *routingTable) {
		t.rules = append(t.rules, rule)
	})
}

// Destinations lists where messages of alias are published
func (r *Router) Destinations(alias string) []string {
	return append([]string(nil), r.table.Load().routes[alias]...)
}

// Route builds one envelope per matching publishing rule. No match gives an
// empty result and no error; the caller decides whether that is a failure.
func (r *Router) Route(message any) ([]*contracts.Envelope, error) {
	alias, err := r.registry.Alias(message)
	if err != nil {
		return nil, err
	}

	table := r.table.Load()
	destinations := table.routes[alias]
	if len(destinations) == 0 {
		return nil, nil
	}

	accepted := r.accepted(alias)
	envelopes := make([]*contracts.Envelope, 0, len(destinations))
	for _, destination := range destinations {
		env := r.envelope(message, alias, destination, accepted)
		for _, rule := range table.rules {
			rule.apply(env)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// EnvelopeFor addresses message to destination, bypassing publishing rules.
// Envelope rules still apply.
func (r *Router) EnvelopeFor(message any, destination string) (*contracts.Envelope, error) {
	alias, err := r.registry.Alias(message)
	if err != nil {
		return nil, err
	}
	env := r.envelope(message, alias, destination, r.accepted(alias))
	for _, rule := range r.table.Load().rules {
		rule.apply(env)
	}
	return env, nil
}

func (r *Router) envelope(message any, alias, destination string, accepted []string) *contracts.Envelope {
	env := contracts.NewEnvelope(message)
	env.MessageType = alias
	env.Destination = destination
	env.ContentType = serialization.DefaultContentType
	env.AcceptedContentTypes = append([]string(nil), accepted...)
	return env
}

func (r *Router) accepted(alias string) []string {
	contentTypes, err := r.registry.ReaderFor(alias)
	if err != nil || len(contentTypes) == 0 {
		return []string{serialization.DefaultContentType}
	}
	return contentTypes
}

// update publishes a modified copy of the current table
func (r *Router) update(change func(t *routingTable)) {
	for {
		current := r.table.Load()
		next := current.clone()
		change(next)
		if r.table.CompareAndSwap(current, next) {
			return
		}
	}
}

func addRoute(t *routingTable, rule PublishingRule) {
	for _, existing := range t.routes[rule.MessageType] {
		if existing == rule.Destination {
			return
		}
	}
	t.routes[rule.MessageType] = append(t.routes[rule.MessageType], rule.Destination)
}

func validateRule(rule PublishingRule) error {
	if rule.MessageType == "" {
		return fmt.Errorf("publishing rule needs a message type")
	}
	if rule.Destination == "" {
		return fmt.Errorf("publishing rule for %s needs a destination", rule.MessageType)
	}
	return nil
}
