package domain

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes event payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }

// ProtoCodec encodes protobuf payloads in binary wire format and falls back
// to JSON for plain Go values.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal proto payload: %w", err)
		}
		return data, nil
	}
	return json.Marshal(v)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		if !msg.ProtoReflect().IsValid() {
			return fmt.Errorf("cannot unmarshal proto payload into nil %T", v)
		}
		if err := proto.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("failed to unmarshal proto payload: %w", err)
		}
		return nil
	}
	return json.Unmarshal(data, v)
}

func (ProtoCodec) Name() string { return "proto" }

// CodecByName returns the codec named name ("json" or "proto").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", name)
	}
}
