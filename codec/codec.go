// Package codec serializes messages for stream transports.
//
// In-process channels hand *message.Message values across untouched; a codec is only
// involved when a message has to become bytes (TCP, WebSocket).
package codec

import "errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var ErrNotMessage = errors.New("codec: value must be *message.Message")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType. Unknown types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	default:
		return &JSONCodec{}
	}
}

// ParseCodecType maps a config name ("json", "binary") to its CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, errors.New("codec: unknown codec " + name)
}

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}
