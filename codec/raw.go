package codec

// Bytes is an identity codec for []byte values. Useful when a fetcher
// already returns the response body and only the entry framing is needed.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
