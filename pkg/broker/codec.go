package broker

import (
	"encoding/json"
	"fmt"
)

// Codec converts payloads to and from the bytes stored in the "data" field.
type Codec[T any] struct {
	Encode func(v T) ([]byte, error)
	Decode func(data []byte) (T, error)
}

// JSONCodec returns a Codec backed by encoding/json.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Encode: func(v T) ([]byte, error) {
			return json.Marshal(v)
		},
		Decode: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	}
}

// RawCodec passes bytes through untouched.
func RawCodec() Codec[[]byte] {
	return Codec[[]byte]{
		Encode: func(v []byte) ([]byte, error) { return v, nil },
		Decode: func(data []byte) ([]byte, error) { return data, nil },
	}
}

func (c Codec[T]) validate() error {
	if c.Encode == nil || c.Decode == nil {
		return fmt.Errorf("broker: codec needs both encode and decode")
	}
	return nil
}
