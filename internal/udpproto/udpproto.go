package udpproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the number of bytes in a tunnel datagram header: the source
	// slot id followed by the destination slot id, both big-endian uint16.
	HeaderLen = 4

	// DefaultMaxDatagram matches the receive buffer size game clients have
	// always been served with. Anything larger is dropped rather than forwarded
	// truncated.
	DefaultMaxDatagram = 4096
)

var (
	ErrTooShort = errors.New("udpproto: datagram shorter than header")
	ErrTooLarge = errors.New("udpproto: datagram too large")
)

// Header addresses a tunnel datagram. The header is part of the datagram and
// is relayed unmodified together with the payload.
type Header struct {
	Src uint16
	Dst uint16
}

func (h Header) String() string {
	return fmt.Sprintf("%d->%d", h.Src, h.Dst)
}

// Codec validates and encodes/decodes datagrams.
type Codec struct {
	// MaxDatagram is the maximum number of bytes allowed in a datagram,
	// header included. Zero means no limit.
	MaxDatagram int
}

// DefaultCodec is used by the top-level Encode/Decode helpers.
var DefaultCodec = Codec{MaxDatagram: DefaultMaxDatagram}

func NewCodec(maxDatagram int) (Codec, error) {
	if maxDatagram < 0 {
		return Codec{}, fmt.Errorf("udpproto: max datagram must be >= 0")
	}
	if maxDatagram > 0 && maxDatagram < HeaderLen {
		return Codec{}, fmt.Errorf("udpproto: max datagram %d smaller than header", maxDatagram)
	}
	return Codec{MaxDatagram: maxDatagram}, nil
}

func Encode(h Header, payload []byte, dst []byte) ([]byte, error) {
	return DefaultCodec.Encode(h, payload, dst)
}

func Decode(b []byte) (Header, []byte, error) {
	return DefaultCodec.Decode(b)
}

// Encode appends the datagram for h and payload to dst.
func (c Codec) Encode(h Header, payload []byte, dst []byte) ([]byte, error) {
	n := HeaderLen + len(payload)
	if c.MaxDatagram > 0 && n > c.MaxDatagram {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, c.MaxDatagram)
	}

	start := len(dst)
	if cap(dst) < start+n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+n]

	binary.BigEndian.PutUint16(dst[start:start+2], h.Src)
	binary.BigEndian.PutUint16(dst[start+2:start+4], h.Dst)
	copy(dst[start+HeaderLen:], payload)
	return dst, nil
}

// Decode parses the header of b. The returned payload aliases b.
func (c Codec) Decode(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if c.MaxDatagram > 0 && len(b) > c.MaxDatagram {
		return Header{}, nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.MaxDatagram)
	}
	h := Header{
		Src: binary.BigEndian.Uint16(b[0:2]),
		Dst: binary.BigEndian.Uint16(b[2:4]),
	}
	return h, b[HeaderLen:], nil
}
