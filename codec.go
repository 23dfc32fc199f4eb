package memoryjar

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// DigestFunc maps a record key to the flat file name the record is stored
// under. The mapping must be deterministic and produce names safe for the
// underlying file system.
type DigestFunc func(key string) string

// Codec converts record values to and from the byte form kept on disk.
type Codec[V any] interface {
	// Encode serializes a value into the bytes written to the record file.
	Encode(value V) ([]byte, error)
	// Decode deserializes record file bytes back into a value.
	Decode(data []byte) (V, error)
}

// StringCodec stores string records as their UTF-8 bytes
type StringCodec struct{}

// Encode serializes a string record
func (codec StringCodec) Encode(value string) ([]byte, error) {
	return []byte(value), nil
}

// Decode deserializes a string record
func (codec StringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

// BytesCodec stores byte slice records as-is
type BytesCodec struct{}

// Encode serializes a byte slice record
func (codec BytesCodec) Encode(value []byte) ([]byte, error) {
	return value, nil
}

// Decode deserializes a byte slice record
func (codec BytesCodec) Decode(data []byte) ([]byte, error) {
	return data, nil
}

// JSONCodec stores records of any JSON-serializable type
type JSONCodec[V any] struct{}

// Encode serializes a record to JSON
func (codec JSONCodec[V]) Encode(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal a record to JSON: %w", err)
	}

	return data, nil
}

// Decode deserializes a record from JSON
func (codec JSONCodec[V]) Decode(data []byte) (V, error) {
	var value V
	err := json.Unmarshal(data, &value)
	if err != nil {
		return value, xerrors.Errorf("failed to unmarshal a record from JSON: %w", err)
	}

	return value, nil
}
