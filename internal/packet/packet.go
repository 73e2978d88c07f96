// Package packet encodes and decodes the ranging packets carried inside HCI
// ACL traffic between two peers.
//
// Every packet starts with the same envelope:
//
//	[prefix "FLAT" 4B][type 1B][src 1B][dest 1B][sequence 4B][payload]
//
// All integers are big-endian. Data packets carry no payload; Ack and AckTime
// packets carry a single 8-byte timestamp.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Prefix marks the start of a ranging packet inside a controller trace.
var Prefix = []byte{'F', 'L', 'A', 'T'}

// Packet type tags.
const (
	TypeData    byte = 0x01
	TypeAck     byte = 0x02
	TypeAckTime byte = 0x03
)

const (
	PrefixSize    = 4
	HeaderSize    = PrefixSize + 1 + 1 + 1 + 4 // prefix + type + src + dest + sequence
	TimestampSize = 8

	DataSize    = HeaderSize
	AckSize     = HeaderSize + TimestampSize
	AckTimeSize = HeaderSize + TimestampSize

	typeOffset = PrefixSize
	srcOffset  = PrefixSize + 1
	destOffset = PrefixSize + 2
	seqOffset  = PrefixSize + 3
)

// ErrMalformed is returned for buffers that do not hold a complete packet.
var ErrMalformed = errors.New("malformed packet")

// Header is the framing envelope shared by all packet kinds.
type Header struct {
	Type     byte
	Src      byte
	Dest     byte
	Sequence uint32
}

// Packet is implemented by *Data, *Ack and *AckTime.
type Packet interface {
	Envelope() Header
	// AppendTo appends the wire encoding of the packet to b.
	AppendTo(b []byte) []byte
}

// Data is the payload-less packet the originator sends to start an exchange.
type Data struct {
	Src      byte
	Dest     byte
	Sequence uint32
}

// Ack acknowledges a Data packet and carries the recipient's receive time.
type Ack struct {
	Src          byte
	Dest         byte
	Sequence     uint32
	DestReceived uint64
}

// AckTime carries the recipient's local send time of its Ack back to the
// originator, since the two clocks are not comparable.
type AckTime struct {
	Src      byte
	Dest     byte
	Sequence uint32
	DestSent uint64
}

func (p *Data) Envelope() Header {
	return Header{Type: TypeData, Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
}

func (p *Ack) Envelope() Header {
	return Header{Type: TypeAck, Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
}

func (p *AckTime) Envelope() Header {
	return Header{Type: TypeAckTime, Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
}

func (p *Data) AppendTo(b []byte) []byte {
	return p.Envelope().AppendTo(b)
}

func (p *Ack) AppendTo(b []byte) []byte {
	b = p.Envelope().AppendTo(b)
	return binary.BigEndian.AppendUint64(b, p.DestReceived)
}

func (p *AckTime) AppendTo(b []byte) []byte {
	b = p.Envelope().AppendTo(b)
	return binary.BigEndian.AppendUint64(b, p.DestSent)
}

// AppendTo appends the envelope encoding to b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, Prefix...)
	b = append(b, h.Type, h.Src, h.Dest)
	return binary.BigEndian.AppendUint32(b, h.Sequence)
}

func (h Header) String() string {
	return fmt.Sprintf("%s src=%d dest=%d seq=%d", TypeName(h.Type), h.Src, h.Dest, h.Sequence)
}

// Encode returns the wire encoding of p.
func Encode(p Packet) []byte {
	return p.AppendTo(make([]byte, 0, AckSize))
}

// TypeName returns a short name for a packet type tag.
func TypeName(t byte) string {
	switch t {
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeAckTime:
		return "ack_time"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}

// PeekType returns the type tag of the packet starting at b.
func PeekType(b []byte) (byte, error) {
	if len(b) <= typeOffset || !bytes.HasPrefix(b, Prefix) {
		return 0, fmt.Errorf("%w: no envelope in %d bytes", ErrMalformed, len(b))
	}
	return b[typeOffset], nil
}

// FrameLen returns the encoded length of the packet starting at b. Only the
// prefix and type tag need to be present.
func FrameLen(b []byte) (int, error) {
	t, err := PeekType(b)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeData:
		return DataSize, nil
	case TypeAck:
		return AckSize, nil
	case TypeAckTime:
		return AckTimeSize, nil
	default:
		return 0, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformed, t)
	}
}

// DecodeHeader decodes the envelope at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformed, HeaderSize, len(b))
	}
	if !bytes.HasPrefix(b, Prefix) {
		return Header{}, fmt.Errorf("%w: missing prefix", ErrMalformed)
	}
	return Header{
		Type:     b[typeOffset],
		Src:      b[srcOffset],
		Dest:     b[destOffset],
		Sequence: binary.BigEndian.Uint32(b[seqOffset:]),
	}, nil
}

// Decode decodes the packet starting at b. Bytes beyond the frame are
// ignored so that callers may pass the remainder of a capture record.
func Decode(b []byte) (Packet, error) {
	n, err := FrameLen(b)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, TypeName(b[typeOffset]), n, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}

	switch h.Type {
	case TypeData:
		return &Data{Src: h.Src, Dest: h.Dest, Sequence: h.Sequence}, nil
	case TypeAck:
		return &Ack{
			Src:          h.Src,
			Dest:         h.Dest,
			Sequence:     h.Sequence,
			DestReceived: binary.BigEndian.Uint64(b[HeaderSize:]),
		}, nil
	default: // TypeAckTime, FrameLen rejected everything else
		return &AckTime{
			Src:      h.Src,
			Dest:     h.Dest,
			Sequence: h.Sequence,
			DestSent: binary.BigEndian.Uint64(b[HeaderSize:]),
		}, nil
	}
}
