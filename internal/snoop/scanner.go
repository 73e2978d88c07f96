package snoop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/packet"
)

// Handler receives each packet frame found in the trace with the local time
// of the record it was found in. It runs on the scanner's goroutine and must
// not retain frame after returning.
type Handler func(ts uint64, frame []byte)

// ScanStats counts scanner progress.
type ScanStats struct {
	Records int64 `json:"records"`
	Bytes   int64 `json:"bytes"`
	Matches int64 `json:"matches"`
}

// Scanner locates framed ranging packets in a trace and calls its handler
// once per match, in capture order, from a single goroutine.
type Scanner struct {
	src     Source
	handler Handler
	prefix  []byte
	stream  bool

	records atomic.Int64
	bytes   atomic.Int64
	matches atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
	done     chan struct{}
	err      error

	// carry holds a partial frame left at the end of a stream read.
	carry   []byte
	carryTS uint64
}

// NewScanner returns a scanner reading src and reporting to handler.
func NewScanner(src Source, handler Handler) *Scanner {
	s := &Scanner{src: src, handler: handler, prefix: packet.Prefix}
	if ss, ok := src.(streamSource); ok {
		s.stream = ss.Stream()
	}
	return s
}

// Stats returns a snapshot of the counters. Safe to call concurrently.
func (s *Scanner) Stats() ScanStats {
	return ScanStats{
		Records: s.records.Load(),
		Bytes:   s.bytes.Load(),
		Matches: s.matches.Load(),
	}
}

// Start runs the scanner on a new goroutine. Calling Start twice has no
// effect.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	if s.canceled {
		cancel()
	}
	go func() {
		err := s.Run(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
}

// Cancel stops a started scanner. Frames not yet delivered are dropped.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// IsCanceled reports whether Cancel has been called.
func (s *Scanner) IsCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Wait blocks until a started scanner stops and returns its error. A
// scanner stopped by Cancel returns nil.
func (s *Scanner) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return errors.New("scanner not started")
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled && errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Run reads the source until it is exhausted or ctx is done. It returns nil
// at the end of the trace.
func (s *Scanner) Run(ctx context.Context) error {
	start := time.Now()
	for {
		rec, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				st := s.Stats()
				monitoring.Logf("snoop: trace complete: %d records, %d bytes, %d packets in %v",
					st.Records, st.Bytes, st.Matches, time.Since(start))
				return nil
			}
			return err
		}
		s.records.Add(1)
		s.bytes.Add(int64(len(rec.Data)))
		// Sent records are whole frames written by this device and must not
		// disturb a partial frame carried over from the receive stream.
		if s.stream && !rec.Sent {
			s.scanStream(rec)
		} else {
			s.scanRecord(rec)
		}
	}
}

// scanRecord delivers every frame in a self-contained record. A frame cut
// off by the end of the record is delivered truncated so the decoder can
// report it.
func (s *Scanner) scanRecord(rec Record) {
	data := rec.Data
	for i := 0; i < len(data); {
		j := bytes.Index(data[i:], s.prefix)
		if j < 0 {
			return
		}
		start := i + j
		n, err := packet.FrameLen(data[start:])
		if err != nil || start+n > len(data) {
			s.emit(rec.Timestamp, data[start:])
			i = start + len(s.prefix)
			continue
		}
		s.emit(rec.Timestamp, data[start:start+n])
		i = start + n
	}
}

// scanStream delivers frames from a byte stream, holding back a partial
// frame until the rest of it arrives.
func (s *Scanner) scanStream(rec Record) {
	carried := len(s.carry)
	buf := append(s.carry, rec.Data...)
	tsAt := func(pos int) uint64 {
		if pos < carried {
			return s.carryTS
		}
		return rec.Timestamp
	}
	s.carry = nil

	for i := 0; i < len(buf); {
		j := bytes.Index(buf[i:], s.prefix)
		if j < 0 {
			// Keep a tail that may be the start of a split prefix.
			keep := max(i, len(buf)-len(s.prefix)+1)
			s.hold(buf[keep:], tsAt(keep))
			return
		}
		start := i + j
		if len(buf)-start <= packet.PrefixSize {
			s.hold(buf[start:], tsAt(start))
			return
		}
		n, err := packet.FrameLen(buf[start:])
		if err != nil {
			s.emit(tsAt(start), buf[start:start+packet.PrefixSize+1])
			i = start + len(s.prefix)
			continue
		}
		if start+n > len(buf) {
			s.hold(buf[start:], tsAt(start))
			return
		}
		s.emit(tsAt(start), buf[start:start+n])
		i = start + n
	}
}

func (s *Scanner) hold(b []byte, ts uint64) {
	if len(b) == 0 {
		return
	}
	s.carry = append([]byte(nil), b...)
	s.carryTS = ts
}

func (s *Scanner) emit(ts uint64, frame []byte) {
	s.matches.Add(1)
	s.handler(ts, frame)
}
