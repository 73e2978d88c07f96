// Package correlate assembles the four timestamps of a ranging exchange from
// the data, ack and ack-time packets observed in a controller trace.
//
// An exchange is started by the originator (src) sending a Data packet to the
// recipient (dest). The recipient answers with an Ack carrying its receive
// time, then with an AckTime carrying the time it sent the Ack. Each device
// runs its own Engine over its own trace; only the originator ever sees all
// four timestamps and emits a Completed effect.
package correlate

import (
	"cmp"
	"fmt"
	"slices"
)

// Address identifies a participant of a ranging exchange.
type Address = uint8

// Timestamp is a local capture time in microseconds. Values from different
// devices are in different clock domains and must not be compared. Zero
// means the value has not been observed yet.
type Timestamp = uint64

// ExchangeKey identifies one exchange. Src and Dest keep the roles of the
// original Data packet no matter which device transmits a given packet.
type ExchangeKey struct {
	Src      Address `json:"src"`
	Dest     Address `json:"dest"`
	Sequence uint32  `json:"sequence"`
}

func (k ExchangeKey) String() string {
	return fmt.Sprintf("%d->%d#%d", k.Src, k.Dest, k.Sequence)
}

// Record collects the timestamps of one in-flight exchange.
type Record struct {
	Key ExchangeKey `json:"key"`

	SrcSent      Timestamp `json:"src_sent"`      // originator clock
	DestReceived Timestamp `json:"dest_received"` // recipient clock
	DestSent     Timestamp `json:"dest_sent"`     // recipient clock
	SrcReceived  Timestamp `json:"src_received"`  // originator clock

	// FirstSeen is the local time of the Data packet that created the
	// record. Used only for expiry.
	FirstSeen Timestamp `json:"first_seen"`
}

// Complete reports whether all four timestamps are set.
func (r *Record) Complete() bool {
	return r.SrcSent != 0 && r.DestReceived != 0 && r.DestSent != 0 && r.SrcReceived != 0
}

// Store is the set of in-flight records, at most one per key.
type Store struct {
	records map[ExchangeKey]*Record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[ExchangeKey]*Record)}
}

// Lookup returns the record for key.
func (s *Store) Lookup(key ExchangeKey) (*Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

// Insert adds rec. Callers must check Lookup first; inserting an existing
// key panics.
func (s *Store) Insert(rec *Record) {
	if _, ok := s.records[rec.Key]; ok {
		panic(fmt.Sprintf("correlate: record %s already in flight", rec.Key))
	}
	s.records[rec.Key] = rec
}

// Remove deletes the record for key, if any.
func (s *Store) Remove(key ExchangeKey) {
	delete(s.records, key)
}

// Len returns the number of in-flight records.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns copies of all in-flight records ordered by key.
func (s *Store) Records() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		return compareKeys(a.Key, b.Key)
	})
	return out
}

// Expire removes and returns every record first seen more than ttl before
// now. Records with a FirstSeen after now are kept.
func (s *Store) Expire(now, ttl Timestamp) []Record {
	var expired []Record
	for key, r := range s.records {
		if now > r.FirstSeen && now-r.FirstSeen > ttl {
			expired = append(expired, *r)
			delete(s.records, key)
		}
	}
	slices.SortFunc(expired, func(a, b Record) int {
		return compareKeys(a.Key, b.Key)
	})
	return expired
}

func compareKeys(a, b ExchangeKey) int {
	if c := cmp.Compare(a.Src, b.Src); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Dest, b.Dest); c != 0 {
		return c
	}
	return cmp.Compare(a.Sequence, b.Sequence)
}
