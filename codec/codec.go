package codec

import (
	"errors"
	"fmt"
)

// Codec encodes/decodes values V to []byte for storage.
// Fetchers use one to turn a typed API response into the payload the
// coordinator caches; views use the same codec to read it back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

var ErrUnknownCodec = errors.New("codec: unknown codec")

// Named returns the codec registered under name: "json" (default when
// empty), "cbor" or "msgpack". It lets the payload encoding be chosen from
// configuration.
func Named[V any](name string) (Codec[V], error) {
	switch name {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
