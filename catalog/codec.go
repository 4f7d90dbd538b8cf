package catalog

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/c360/controlbus/errors"
)

// Codec moves Messages on and off the broker. Implementations must be safe
// for concurrent use; one codec instance is shared by every topic of a
// Catalog.
type Codec interface {
	// Name identifies the codec, e.g. "json".
	Name() string
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONCodec encodes a Message as one flat JSON object: the system fields
// followed by the topic-specific fields.
type JSONCodec struct{}

// NewJSONCodec returns the default codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Name implements Codec.
func (c *JSONCodec) Name() string { return "json" }

// Encode implements Codec.
func (c *JSONCodec) Encode(msg *Message) ([]byte, error) {
	record := make(map[string]any, len(msg.Fields)+6)
	for k, v := range msg.Fields {
		if IsSystemField(k) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("field %q collides with a system field: %w", k, errors.ErrInvalidData),
				"JSONCodec", "Encode", "check fields")
		}
		record[k] = v
	}
	record[FieldIdentity] = msg.Identity
	record[FieldOrigin] = msg.Origin
	record[FieldSent] = timeToUnixSeconds(msg.SentAt)
	record[FieldReceived] = timeToUnixSeconds(msg.ReceivedAt)
	record[FieldSeqNum] = msg.SeqNum
	record[FieldIndex] = msg.Index

	data, err := json.Marshal(record)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "Encode", "marshal record")
	}
	return data, nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(data []byte) (*Message, error) {
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"JSONCodec", "Decode", "unmarshal record")
	}

	msg := &Message{Fields: make(map[string]any, len(record))}
	for k, v := range record {
		switch k {
		case FieldIdentity:
			msg.Identity, _ = v.(string)
		case FieldOrigin:
			msg.Origin = asInt64(v)
		case FieldSent:
			msg.SentAt = unixSecondsToTime(asFloat64(v))
		case FieldReceived:
			msg.ReceivedAt = unixSecondsToTime(asFloat64(v))
		case FieldSeqNum:
			msg.SeqNum = asInt64(v)
		case FieldIndex:
			msg.Index = int(asInt64(v))
		default:
			msg.Fields[k] = v
		}
	}
	return msg, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
