// Package serializer encodes the values persistent stores keep on disk or in redis.
// Two encodings are registered: msgpack (the default, compact) and json (readable,
// handy when the store is inspected by other tools).
package serializer

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Registered serializer names.
const (
	JSON    = "json"
	Msgpack = "msgpack"
	Default = Msgpack
)

// ISerializer is the interface that wraps the basic serializer methods.
type ISerializer interface {
	// Marshal serializes the given value into a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes the given byte slice into the given value.
	Unmarshal(data []byte, v any) error
}

// Registry manages serializer constructors.
type Registry struct {
	serializers map[string]func() ISerializer
}

// NewSerializerRegistry creates a registry with the json and msgpack serializers.
func NewSerializerRegistry() *Registry {
	r := &Registry{serializers: make(map[string]func() ISerializer)}
	r.Register(JSON, func() ISerializer { return &JSONSerializer{} })
	r.Register(Msgpack, func() ISerializer { return &MsgpackSerializer{} })

	return r
}

// Register registers a new serializer with the given name.
func (r *Registry) Register(name string, createFunc func() ISerializer) {
	r.serializers[name] = createFunc
}

// New returns the serializer registered under name.
func (r *Registry) New(name string) (ISerializer, error) {
	if name == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "serializer name")
	}

	createFunc, ok := r.serializers[name]
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrSerializerNotFound, name)
	}

	return createFunc(), nil
}

// New returns a default-registry serializer by name.
func New(name string) (ISerializer, error) {
	return NewSerializerRegistry().New(name)
}
