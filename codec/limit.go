package codec

import (
	"errors"
	"fmt"
)

var ErrTooLarge = errors.New("codec: payload too large")

// Limit bounds payload size in both directions: Encode refuses to produce a
// payload the provider would reject anyway, Decode refuses oversized input
// before Inner parses it. Max <= 0 disables the bound.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := c.check(len(b)); err != nil {
		return nil, err
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if err := c.check(len(b)); err != nil {
		var zero V
		return zero, err
	}
	return c.Inner.Decode(b)
}

func (c Limit[V]) check(n int) error {
	if c.Max > 0 && n > c.Max {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, n, c.Max)
	}
	return nil
}
