package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/relay/contracts"
)

// DefaultContentType is used when an envelope does not name one
const DefaultContentType = "application/json"

// Serializer reads and writes message bodies for one content type
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer handles application/json bodies
type JSONSerializer struct{}

// ContentType implements Serializer
func (JSONSerializer) ContentType() string { return DefaultContentType }

// Marshal implements Serializer
func (JSONSerializer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Serializer
func (JSONSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Registry maps message type aliases to Go types and content types to serializers.
// It is the content-type lookup the router consults for AcceptedContentTypes.
type Registry struct {
	types       map[string]reflect.Type
	names       map[reflect.Type]string
	serializers map[string]Serializer
	mu          sync.RWMutex
}

// NewRegistry creates a registry with the JSON serializer installed
func NewRegistry() *Registry {
	r := &Registry{
		types:       make(map[string]reflect.Type),
		names:       make(map[reflect.Type]string),
		serializers: make(map[string]Serializer),
	}
	r.RegisterSerializer(JSONSerializer{})
	return r
}

// Register binds alias to the type of sample
func (r *Registry) Register(alias string, sample any) error {
	if alias == "" {
		return fmt.Errorf("message alias cannot be empty")
	}
	if sample == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[alias]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("message alias %s already registered to %v", alias, existing)
	}

	r.types[alias] = t
	r.names[t] = alias
	return nil
}

// RegisterMessage registers a message that carries its own alias
func (r *Registry) RegisterMessage(msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	return r.Register(msg.MessageType(), msg)
}

// RegisterSerializer installs or replaces the serializer for its content type
func (r *Registry) RegisterSerializer(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[s.ContentType()] = s
}

// IsRegistered checks if an alias is known
func (r *Registry) IsRegistered(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[alias]
	return ok
}

// Aliases returns all registered aliases, sorted
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.types))
	for alias := range r.types {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Alias returns the message type alias for msg
func (r *Registry) Alias(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}
	if m, ok := msg.(contracts.Message); ok {
		return m.MessageType(), nil
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	alias, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("type %v not registered", t)
	}
	return alias, nil
}

// ReaderFor lists the content types this node can read for alias, default first
func (r *Registry) ReaderFor(alias string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.types[alias]; !ok {
		return nil, fmt.Errorf("message alias %s not registered", alias)
	}

	contentTypes := make([]string, 0, len(r.serializers))
	for ct := range r.serializers {
		if ct != DefaultContentType {
			contentTypes = append(contentTypes, ct)
		}
	}
	sort.Strings(contentTypes)
	if _, ok := r.serializers[DefaultContentType]; ok {
		contentTypes = append([]string{DefaultContentType}, contentTypes...)
	}
	return contentTypes, nil
}

// Marshal encodes msg with the serializer for contentType
func (r *Registry) Marshal(msg any, contentType string) ([]byte, error) {
	s, err := r.serializer(contentType)
	if err != nil {
		return nil, err
	}
	data, err := s.Marshal(msg)
	if err != nil {
		return nil, &contracts.SerializationError{Op: "marshal " + s.ContentType(), Err: err}
	}
	return data, nil
}

// Unmarshal decodes data into a new instance of the type registered for alias
func (r *Registry) Unmarshal(alias, contentType string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.types[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("message alias %s not registered", alias)
	}

	s, err := r.serializer(contentType)
	if err != nil {
		return nil, err
	}

	instance := reflect.New(t).Interface()
	if err := s.Unmarshal(data, instance); err != nil {
		return nil, &contracts.SerializationError{Op: "unmarshal " + alias, Err: err}
	}
	return instance, nil
}

// Decode fills env.Message from env.Data when it is not already set
func (r *Registry) Decode(env *contracts.Envelope) error {
	if env.Message != nil || env.Data == nil {
		return nil
	}
	msg, err := r.Unmarshal(env.MessageType, env.ContentType, env.Data)
	if err != nil {
		return err
	}
	env.Message = msg
	return nil
}

func (r *Registry) serializer(contentType string) (Serializer, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.serializers[contentType]
	if !ok {
		return nil, fmt.Errorf("no serializer for content type %s", contentType)
	}
	return s, nil
}
