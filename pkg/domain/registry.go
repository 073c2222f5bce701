package domain

import (
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"
)

type decodeFunc func(data []byte, codec Codec) (any, error)

// Registry maps event type names to payload types so persisted events can be
// decoded back into typed values before replay.
type Registry struct {
	mu       sync.RWMutex
	codec    Codec
	decoders map[string]decodeFunc
}

// NewRegistry creates a registry that uses the given codec.
// A nil codec defaults to JSONCodec.
func NewRegistry(codec Codec) *Registry {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Registry{
		codec:    codec,
		decoders: make(map[string]decodeFunc),
	}
}

// Register adds payload type T to the registry. T is a value or pointer
// type implementing EventPayload; protobuf payloads are usually a generated
// message pointer, or a struct embedding one. Registering the same event type
// twice panics.
func Register[T EventPayload](r *Registry) {
	sample, _ := newPayload[T]()
	eventType := (*sample).EventType()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[eventType]; exists {
		panic(fmt.Sprintf("event type already registered: %s", eventType))
	}

	r.decoders[eventType] = func(data []byte, codec Codec) (any, error) {
		payload, target := newPayload[T]()
		if err := codec.Unmarshal(data, target); err != nil {
			return nil, err
		}
		return *payload, nil
	}
}

var protoMessageType = reflect.TypeFor[proto.Message]()

// newPayload returns a fresh T and the value a codec decodes into. Pointer
// types are allocated, and so are exported proto messages embedded by
// pointer, so decoding never writes through a nil message.
func newPayload[T any]() (*T, any) {
	payload := new(T)
	target := any(payload)

	v := reflect.ValueOf(payload).Elem()
	if v.Kind() == reflect.Pointer {
		v.Set(reflect.New(v.Type().Elem()))
		target = *payload
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return payload, target
	}
	for i := range v.NumField() {
		field := v.Type().Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Pointer &&
			field.Type.Implements(protoMessageType) && v.Field(i).CanSet() {
			v.Field(i).Set(reflect.New(field.Type.Elem()))
		}
	}
	return payload, target
}

// Codec returns the codec used by the registry.
func (r *Registry) Codec() Codec {
	return r.codec
}

// Encode encodes a payload with the registry codec.
func (r *Registry) Encode(payload EventPayload) ([]byte, error) {
	data, err := r.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", payload.EventType(), err)
	}
	return data, nil
}

// Decode fills event.Payload from event.Data.
func (r *Registry) Decode(event *Event) error {
	r.mu.RLock()
	decode, ok := r.decoders[event.EventType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
	}

	payload, err := decode(event.Data, r.codec)
	if err != nil {
		return fmt.Errorf("failed to decode %s (aggregate %s, version %d): %w",
			event.EventType, event.AggregateID, event.Version, err)
	}
	event.Payload = payload
	return nil
}

// Types returns the registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	return types
}
