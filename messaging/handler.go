package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/serialization"
)

// HandlerPipeline executes an envelope that has been claimed by this node
type HandlerPipeline interface {
	Invoke(ctx context.Context, env *contracts.Envelope) error
}

// HandlerGraph collects handlers by message type alias before the node starts.
// Build turns it into an immutable DispatchTable.
type HandlerGraph struct {
	registry *serialization.Registry
	handlers map[string]interceptors.Handler
	chain    *interceptors.Chain
	logger   *zap.Logger
	mu       sync.Mutex
}

// GraphOption configures the HandlerGraph
type GraphOption func(*HandlerGraph)

// WithGraphLogger sets the logger
func WithGraphLogger(logger *zap.Logger) GraphOption {
	return func(g *HandlerGraph) {
		g.logger = logger
	}
}

// WithInterceptors wraps every handler with interceptors, outermost first
func WithInterceptors(items ...interceptors.Interceptor) GraphOption {
	return func(g *HandlerGraph) {
		for _, item := range items {
			g.chain.Add(item)
		}
	}
}

// NewHandlerGraph creates an empty graph. Envelope bodies are decoded with registry.
func NewHandlerGraph(registry *serialization.Registry, options ...GraphOption) *HandlerGraph {
	g := &HandlerGraph{
		registry: registry,
		handlers: make(map[string]interceptors.Handler),
		chain:    interceptors.NewChain(),
		logger:   zap.NewNop(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// Handle registers the handler for a message type alias. Each alias has exactly one handler.
func (g *HandlerGraph) Handle(alias string, handler interceptors.Handler) error {
	if alias == "" {
		return fmt.Errorf("message alias cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.handlers[alias]; exists {
		return fmt.Errorf("handler already registered for message type %s", alias)
	}
	g.handlers[alias] = handler

	g.logger.Info("registered message handler", zap.String("messageType", alias))
	return nil
}

// HandleFunc registers a function as a handler
func (g *HandlerGraph) HandleFunc(alias string, fn func(ctx context.Context, env *contracts.Envelope) error) error {
	return g.Handle(alias, interceptors.HandlerFunc(fn))
}

// Build freezes the graph into a dispatch table. Later registrations on the
// graph do not affect tables already built.
func (g *HandlerGraph) Build() *DispatchTable {
	g.mu.Lock()
	defer g.mu.Unlock()

	table := &DispatchTable{
		handlers: make(map[string]interceptors.Handler, len(g.handlers)),
		logger:   g.logger,
	}
	for alias, handler := range g.handlers {
		table.handlers[alias] = g.chain.Wrap(g.decoding(handler))
	}
	return table
}

func (g *HandlerGraph) decoding(handler interceptors.Handler) interceptors.Handler {
	if g.registry == nil {
		return handler
	}
	registry := g.registry
	return interceptors.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if err := registry.Decode(env); err != nil {
			return err
		}
		return handler.Handle(ctx, env)
	})
}

// DispatchTable is the static alias to handler map used by the worker queue
type DispatchTable struct {
	handlers map[string]interceptors.Handler
	logger   *zap.Logger
}

// Invoke implements HandlerPipeline
func (t *DispatchTable) Invoke(ctx context.Context, env *contracts.Envelope) error {
	handler, ok := t.handlers[env.MessageType]
	if !ok {
		t.logger.Warn("no handler registered for message type",
			zap.String("envelopeId", env.ID),
			zap.String("messageType", env.MessageType))
		return fmt.Errorf("%w: %s", contracts.ErrNoHandler, env.MessageType)
	}
	return handler.Handle(ctx, env)
}

// Has reports whether alias has a handler
func (t *DispatchTable) Has(alias string) bool {
	_, ok := t.handlers[alias]
	return ok
}

// Aliases returns the handled message types, sorted
func (t *DispatchTable) Aliases() []string {
	aliases := make([]string, 0, len(t.handlers))
	for alias := range t.handlers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
