package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Protobuf caches API responses that already arrive as generated messages.
type Protobuf[T proto.Message] struct {
	alloc func() T // returns an empty message to decode into
}

func NewProtobuf[T proto.Message](alloc func() T) Protobuf[T] {
	return Protobuf[T]{alloc: alloc}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.alloc == nil {
		var zero T
		return zero, errors.New("codec: protobuf codec built without NewProtobuf")
	}
	m := c.alloc()
	if err := proto.Unmarshal(b, m); err != nil {
		return m, fmt.Errorf("codec: protobuf: %w", err)
	}
	return m, nil
}
