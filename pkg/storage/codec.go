package storage

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrCorrupt marks a stored record that could not be decoded
var ErrCorrupt = errors.New("corrupt record")

// codec is shared by every backend so a record written by one can be read by another
var codec = sonic.ConfigStd

func encode(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrCorrupt, v, err)
	}
	return nil
}

// Encode exposes the backend codec for tools that inspect raw records
func Encode(v any) ([]byte, error) { return encode(v) }

// Decode is the inverse of Encode
func Decode(data []byte, v any) error { return decode(data, v) }
