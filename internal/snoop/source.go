// Package snoop reads raw controller traces and hands every ranging packet it
// finds in them to a handler, stamped with its local capture time.
//
// Traces come from Android btsnoop logs, pcap/pcapng captures or a live
// controller UART. The scanner does not interpret the packets beyond their
// framing; decoding and correlation happen downstream.
package snoop

import (
	"context"
	"errors"
)

// Record is one unit of trace data: a capture record from a file, or one
// read from a live byte stream.
type Record struct {
	// Timestamp is the local capture time in microseconds since the Unix
	// epoch.
	Timestamp uint64
	Data      []byte

	// Sent marks data transmitted by this device rather than received.
	Sent bool
}

// Source yields trace records in capture order. Next returns io.EOF once the
// trace is exhausted.
type Source interface {
	Next(ctx context.Context) (Record, error)
}

// streamSource is implemented by sources whose records are arbitrary slices
// of a byte stream, so that a packet may straddle two records.
type streamSource interface {
	Stream() bool
}

// ErrClosed is returned by sources that were closed while being read.
var ErrClosed = errors.New("trace source closed")
