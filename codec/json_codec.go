package codec

import (
	"encoding/json"
	"fmt"

	"game-dispatcher/message"
)

// JSONCodec carries link payloads (*message.LoadReport, *message.PlayerEvent)
// as JSON objects. Reports are small and sent every few seconds, so a readable
// wire is worth the extra bytes. Other types are refused, as BinaryCodec does.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if err := linkPayload(v); err != nil {
		return nil, fmt.Errorf("JSONCodec: %w", err)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := linkPayload(v); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func linkPayload(v any) error {
	switch v.(type) {
	case *message.LoadReport, *message.PlayerEvent:
		return nil
	}
	return fmt.Errorf("unsupported type %T", v)
}
