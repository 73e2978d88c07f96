package packet

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Layout(t *testing.T) {
	b := Encode(&Ack{Src: 1, Dest: 2, Sequence: 0x01020304, DestReceived: 0x1122334455667788})

	want := []byte{
		'F', 'L', 'A', 'T',
		TypeAck, 1, 2,
		0x01, 0x02, 0x03, 0x04,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}
	assert.Equal(t, want, b)
	assert.Len(t, Encode(&Data{}), DataSize)
	assert.Len(t, Encode(&AckTime{}), AckTimeSize)
}

func TestRoundTrip(t *testing.T) {
	packets := map[string]Packet{
		"data zero":         &Data{Src: 0, Dest: 0, Sequence: 0},
		"data max seq":      &Data{Src: 1, Dest: 2, Sequence: math.MaxUint32},
		"data src eq dest":  &Data{Src: 7, Dest: 7, Sequence: 5},
		"ack zero":          &Ack{},
		"ack max":           &Ack{Src: 255, Dest: 255, Sequence: math.MaxUint32, DestReceived: math.MaxUint64},
		"ack src eq dest":   &Ack{Src: 3, Dest: 3, Sequence: 1, DestReceived: 105},
		"acktime zero":      &AckTime{},
		"acktime max":       &AckTime{Src: 255, Dest: 0, Sequence: math.MaxUint32, DestSent: math.MaxUint64},
		"acktime src eq ds": &AckTime{Src: 9, Dest: 9, Sequence: 0, DestSent: 120},
	}

	for name, p := range packets {
		t.Run(name, func(t *testing.T) {
			b := Encode(p)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, p, got)
			assert.Equal(t, b, Encode(got))
		})
	}
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	b := Encode(&AckTime{Src: 1, Dest: 2, Sequence: 5, DestSent: 120})
	b = append(b, 0xde, 0xad)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, &AckTime{Src: 1, Dest: 2, Sequence: 5, DestSent: 120}, got)
}

func TestDecode_Malformed(t *testing.T) {
	ack := Encode(&Ack{Src: 1, Dest: 2, Sequence: 5, DestReceived: 9})
	unknown := Encode(&Data{Src: 1, Dest: 2})
	unknown[typeOffset] = 0x7f

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"prefix only", []byte("FLAT")},
		{"wrong prefix", []byte("FLAX\x01\x01\x02\x00\x00\x00\x05")},
		{"truncated header", Encode(&Data{})[:HeaderSize-1]},
		{"truncated ack payload", ack[:AckSize-1]},
		{"unknown type", unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestFrameLen(t *testing.T) {
	n, err := FrameLen([]byte("FLAT\x02"))
	require.NoError(t, err)
	assert.Equal(t, AckSize, n)

	n, err = FrameLen([]byte("FLAT\x01"))
	require.NoError(t, err)
	assert.Equal(t, DataSize, n)

	_, err = FrameLen([]byte("FLA"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHeader_String(t *testing.T) {
	h := (&Data{Src: 1, Dest: 2, Sequence: 5}).Envelope()
	assert.Equal(t, "data src=1 dest=2 seq=5", h.String())
	assert.Equal(t, "unknown(0x09)", TypeName(9))
}
