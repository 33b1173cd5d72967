package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version   byte = 2
	kindEntry byte = 1
)

var (
	ErrCorrupt = errors.New("scopecache: corrupt entry")
	magic4     = [...]byte{'S', 'C', 'P', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Header is the metadata every cached payload carries so a reader can tell
// whether the bytes still belong to the live epoch, scope generation and
// identity.
type Header struct {
	Epoch     uint64
	Gen       uint64
	FetchedAt int64 // unix nanos
	Owner     string
}

const fixedHdr = 4 + 1 + 1 + 8 + 8 + 8 + 2

// Entry: magic(4) | ver(1) | kind(1) | epoch(u64) | gen(u64) | fetchedAt(i64)
// | ownerLen(u16) | owner | vlen(u32) | payload(vlen)
func EncodeEntry(h Header, payload []byte) ([]byte, error) {
	if len(h.Owner) > 0xFFFF {
		return nil, fmt.Errorf("scopecache: owner too long (%d bytes)", len(h.Owner))
	}
	var buf bytes.Buffer
	buf.Grow(fixedHdr + len(h.Owner) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], h.Epoch)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], h.Gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(h.FetchedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(h.Owner)))
	buf.Write(u2[:])
	buf.WriteString(h.Owner)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEntry rejects short, foreign, truncated or trailing-garbage frames.
func DecodeEntry(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < fixedHdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return h, nil, ErrCorrupt
	}
	off := 6
	h.Epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.FetchedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	olen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if olen > len(b)-off {
		return h, nil, ErrCorrupt
	}
	h.Owner = string(b[off : off+olen])
	off += olen

	if off+4 > len(b) {
		return h, nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return h, nil, ErrCorrupt
	}
	return h, b[off : off+vlen], nil
}
