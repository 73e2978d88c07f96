package snoop

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/timeutil"
)

// btsnoop file layout (RFC 1761 derived, as written by Android's HCI snoop
// log):
//
//	file header:   "btsnoop\0" | version u32 | datalink u32
//	record header: original len u32 | included len u32 | flags u32 |
//	               cumulative drops u32 | timestamp i64
//
// All fields are big-endian. Timestamps are microseconds since midnight,
// January 1st, year 0.
const (
	btsnoopHeaderSize = 16
	btsnoopRecordSize = 24
	btsnoopVersion    = 1

	// DatalinkH4 is HCI UART (H4) framing, used by Android.
	DatalinkH4 = 1002

	// btsnoopEpochDelta is the Unix epoch expressed in btsnoop time.
	btsnoopEpochDelta = 0x00dcddb30f2f8000

	// Records larger than this are treated as corruption.
	btsnoopMaxRecord = 64 * 1024

	// Record flag bits.
	FlagReceived = 0x1
	FlagCommand  = 0x2
)

var btsnoopMagic = []byte("btsnoop\x00")

// DefaultPollInterval is how often a followed btsnoop log is checked for
// new records.
const DefaultPollInterval = 250 * time.Millisecond

// BTSnoopReader reads records from an Android btsnoop log. In follow mode it
// keeps polling for records appended after the current end of file until its
// context is cancelled, as the controller appends to the log while ranging.
type BTSnoopReader struct {
	r        io.ReaderAt
	closer   io.Closer
	offset   int64
	datalink uint32

	Follow       bool
	PollInterval time.Duration
	Clock        timeutil.Clock
}

// OpenBTSnoop opens the btsnoop log at path.
func OpenBTSnoop(path string) (*BTSnoopReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open btsnoop log %s: %w", path, err)
	}
	r, err := NewBTSnoopReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewBTSnoopReader validates the file header read from r.
func NewBTSnoopReader(r io.ReaderAt) (*BTSnoopReader, error) {
	hdr := make([]byte, btsnoopHeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("failed to read btsnoop header: %w", err)
	}
	if !bytes.Equal(hdr[:8], btsnoopMagic) {
		return nil, fmt.Errorf("not a btsnoop log: bad magic %q", hdr[:8])
	}
	if v := binary.BigEndian.Uint32(hdr[8:]); v != btsnoopVersion {
		return nil, fmt.Errorf("unsupported btsnoop version %d", v)
	}
	return &BTSnoopReader{
		r:            r,
		offset:       btsnoopHeaderSize,
		datalink:     binary.BigEndian.Uint32(hdr[12:]),
		PollInterval: DefaultPollInterval,
		Clock:        timeutil.RealClock{},
	}, nil
}

// Datalink returns the datalink type from the file header.
func (b *BTSnoopReader) Datalink() uint32 { return b.datalink }

// Next returns the next record. At end of file it returns io.EOF, or waits
// for the file to grow when following.
func (b *BTSnoopReader) Next(ctx context.Context) (Record, error) {
	for {
		rec, err := b.readRecord()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, io.EOF) || !b.Follow {
			return Record{}, err
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-b.Clock.After(b.PollInterval):
		}
	}
}

// readRecord reads the record at the current offset. A partially written
// record reports io.EOF and leaves the offset unchanged so it can be retried.
func (b *BTSnoopReader) readRecord() (Record, error) {
	hdr := make([]byte, btsnoopRecordSize)
	if n, err := b.r.ReadAt(hdr, b.offset); n < len(hdr) {
		if err == nil || errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}

	included := binary.BigEndian.Uint32(hdr[4:])
	if included > btsnoopMaxRecord {
		return Record{}, fmt.Errorf("btsnoop record at offset %d claims %d bytes", b.offset, included)
	}
	flags := binary.BigEndian.Uint32(hdr[8:])
	ts := binary.BigEndian.Uint64(hdr[16:])

	data := make([]byte, included)
	if n, err := b.r.ReadAt(data, b.offset+btsnoopRecordSize); n < len(data) {
		if err == nil || errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	b.offset += btsnoopRecordSize + int64(included)

	if flags&FlagCommand != 0 {
		// HCI commands and events never carry ACL payloads.
		return Record{Timestamp: fromBTSnoopTime(ts)}, nil
	}
	return Record{Timestamp: fromBTSnoopTime(ts), Data: data, Sent: flags&FlagReceived == 0}, nil
}

// Close closes the underlying file when the reader was opened by path.
func (b *BTSnoopReader) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func fromBTSnoopTime(ts uint64) uint64 {
	if ts < btsnoopEpochDelta {
		monitoring.Logf("btsnoop: timestamp %d predates the Unix epoch", ts)
		return 0
	}
	return ts - btsnoopEpochDelta
}

// BTSnoopWriter writes records in btsnoop format.
type BTSnoopWriter struct {
	w io.Writer
}

// NewBTSnoopWriter writes the file header for datalink to w.
func NewBTSnoopWriter(w io.Writer, datalink uint32) (*BTSnoopWriter, error) {
	hdr := make([]byte, 0, btsnoopHeaderSize)
	hdr = append(hdr, btsnoopMagic...)
	hdr = binary.BigEndian.AppendUint32(hdr, btsnoopVersion)
	hdr = binary.BigEndian.AppendUint32(hdr, datalink)
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("failed to write btsnoop header: %w", err)
	}
	return &BTSnoopWriter{w: w}, nil
}

// WriteRecord appends one record. ts is in microseconds since the Unix
// epoch.
func (b *BTSnoopWriter) WriteRecord(ts uint64, flags uint32, data []byte) error {
	buf := make([]byte, 0, btsnoopRecordSize+len(data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = binary.BigEndian.AppendUint32(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, ts+btsnoopEpochDelta)
	buf = append(buf, data...)
	_, err := b.w.Write(buf)
	return err
}

// RecordingSource copies every record read from Source into a btsnoop log,
// keeping its direction.
type RecordingSource struct {
	Source
	Writer *BTSnoopWriter
}

// Next reads from the wrapped source and records the result. Recording
// failures are logged and do not interrupt the trace.
func (r *RecordingSource) Next(ctx context.Context) (Record, error) {
	rec, err := r.Source.Next(ctx)
	if err != nil || len(rec.Data) == 0 {
		return rec, err
	}
	var flags uint32 = FlagReceived
	if rec.Sent {
		flags = 0
	}
	if werr := r.Writer.WriteRecord(rec.Timestamp, flags, rec.Data); werr != nil {
		monitoring.Logf("btsnoop: failed to record %d bytes: %v", len(rec.Data), werr)
	}
	return rec, nil
}

// Stream forwards the wrapped source's framing mode.
func (r *RecordingSource) Stream() bool {
	s, ok := r.Source.(streamSource)
	return ok && s.Stream()
}
