// Package codec is the serializer contract of the runtime.
//
// A Codec encodes both the messages themselves and the values they carry
// (call parameters and results). Exactly one codec type is active per
// connection; it is written into every frame and checked on decode.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

// Reserved serializer codes.
const (
	CodecTypeGob      CodecType = 0 // default object graph
	CodecTypeJSON     CodecType = 1
	CodecTypeMsgpack  CodecType = 2 // binary object graph
	CodecTypeProtobuf CodecType = 3 // schema based
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeGob:
		return "gob"
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// Codec must be safe for concurrent use by the goroutines sharing one connection.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// New builds a fresh codec of the given type. Called once per channel.
func New(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeGob:
		return &GobCodec{}, nil
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeMsgpack:
		return &MsgpackCodec{}, nil
	case CodecTypeProtobuf:
		return &ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported codec type %d", codecType)
}

// ParseType maps a configuration name to a codec type.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gob", "default":
		return CodecTypeGob, nil
	case "json":
		return CodecTypeJSON, nil
	case "msgpack", "binary":
		return CodecTypeMsgpack, nil
	case "protobuf", "proto":
		return CodecTypeProtobuf, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}
