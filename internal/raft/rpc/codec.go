package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// The consensus messages are plain Go structs, so the default proto codec cannot carry them. Both codecs below fall
// back to the protobuf encoders for proto.Message values, which keeps the health service working on the same
// connection when a client forces a content subtype.
func init() {
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCodec(msgpackCodec{})
}

// ValidateCodec reports an error for codec names the peers cannot speak.
func ValidateCodec(name string) error {
	switch name {
	case CodecJSON, CodecMsgpack:
		return nil
	default:
		return fmt.Errorf("unsupported codec %q (want %q or %q)", name, CodecJSON, CodecMsgpack)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecJSON }

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string { return CodecMsgpack }
