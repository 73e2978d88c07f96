package correlate

import (
	"errors"
	"fmt"

	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/packet"
)

// Errors reported by OnPacket. None of them is fatal: the offending packet is
// dropped and the engine keeps processing. Decode failures are reported as
// packet.ErrMalformed.
var (
	ErrDuplicateExchange              = errors.New("duplicate data packet for in-flight exchange")
	ErrDuplicateAcknowledgment        = errors.New("acknowledgment already seen for exchange")
	ErrOrphanAcknowledgment           = errors.New("acknowledgment without data packet")
	ErrOrphanAcknowledgmentTime       = errors.New("acknowledgment time without data packet")
	ErrMisdirectedPacket              = errors.New("packet not addressed to this device")
	ErrIncompleteAtExpectedCompletion = errors.New("exchange expected to be complete")
)

// Stats counts what the engine has seen since it was created.
type Stats struct {
	Packets   int `json:"packets"`
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
	Malformed int `json:"malformed"`
	Dropped   int `json:"dropped"`
	InFlight  int `json:"in_flight"`
}

// Engine correlates decoded packets into exchange records for one device.
//
// An Engine is not safe for concurrent use. Packets must be fed in capture
// order from a single goroutine.
type Engine struct {
	self  Address
	store *Store
	stats Stats
}

// NewEngine returns an engine for the device with address self.
func NewEngine(self Address) *Engine {
	return &Engine{self: self, store: NewStore()}
}

// Self returns the engine's device address.
func (e *Engine) Self() Address { return e.self }

// Store exposes the in-flight records.
func (e *Engine) Store() *Store { return e.store }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.InFlight = e.store.Len()
	return s
}

// OnPacket handles one decoded packet captured at localTime. The returned
// effects must be applied in order. A non-nil error means the packet was
// dropped; effects is empty in that case.
func (e *Engine) OnPacket(localTime Timestamp, raw []byte) ([]Effect, error) {
	e.stats.Packets++

	p, err := packet.Decode(raw)
	if err != nil {
		e.stats.Malformed++
		monitoring.Logf("correlate: dropping packet at %d: %v", localTime, err)
		return nil, err
	}

	var effects []Effect
	switch p := p.(type) {
	case *packet.Data:
		effects, err = e.onData(localTime, p)
	case *packet.Ack:
		effects, err = e.onAck(localTime, p)
	case *packet.AckTime:
		effects, err = e.onAckTime(localTime, p)
	}
	if err != nil {
		e.stats.Dropped++
		monitoring.Logf("correlate: %s at %d: %v", p.Envelope(), localTime, err)
		return nil, err
	}
	return effects, nil
}

// Expire removes records first seen more than ttl before now and returns
// them as Expired effects.
func (e *Engine) Expire(now, ttl Timestamp) []Effect {
	expired := e.store.Expire(now, ttl)
	if len(expired) == 0 {
		return nil
	}
	effects := make([]Effect, 0, len(expired))
	for _, r := range expired {
		monitoring.Logf("correlate: expiring exchange %s first seen at %d", r.Key, r.FirstSeen)
		effects = append(effects, Expired{Record: r})
	}
	e.stats.Expired += len(expired)
	return effects
}

func (e *Engine) onData(now Timestamp, p *packet.Data) ([]Effect, error) {
	key := ExchangeKey{Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
	if _, ok := e.store.Lookup(key); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExchange, key)
	}

	rec := &Record{Key: key, FirstSeen: now}
	switch e.self {
	case key.Src:
		// Our own transmission.
		rec.SrcSent = now
		e.insert(rec)
		return nil, nil
	case key.Dest:
		rec.DestReceived = now
		e.insert(rec)
		return []Effect{SendAck{Key: key, DestReceived: now}}, nil
	default:
		return nil, fmt.Errorf("%w: data %s, self is %d", ErrMisdirectedPacket, key, e.self)
	}
}

func (e *Engine) onAck(now Timestamp, p *packet.Ack) ([]Effect, error) {
	key := ExchangeKey{Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
	rec, ok := e.store.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrphanAcknowledgment, key)
	}

	// Roles come from the record, not from who transmitted this packet.
	switch e.self {
	case rec.Key.Src:
		// The recipient's Ack reached us. DestSent arrives with the AckTime.
		if rec.DestReceived != 0 {
			return nil, fmt.Errorf("%w: %s received at %d", ErrDuplicateAcknowledgment, key, rec.DestReceived)
		}
		rec.DestReceived = p.DestReceived
		return nil, nil
	case rec.Key.Dest:
		// Our own Ack going out.
		if rec.DestSent != 0 {
			return nil, fmt.Errorf("%w: %s sent at %d", ErrDuplicateAcknowledgment, key, rec.DestSent)
		}
		rec.DestSent = now
		return []Effect{SendAckTime{Key: key, DestSent: now}}, nil
	default:
		return nil, fmt.Errorf("%w: ack %s, self is %d", ErrMisdirectedPacket, key, e.self)
	}
}

func (e *Engine) onAckTime(now Timestamp, p *packet.AckTime) ([]Effect, error) {
	key := ExchangeKey{Src: p.Src, Dest: p.Dest, Sequence: p.Sequence}
	rec, ok := e.store.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrphanAcknowledgmentTime, key)
	}

	switch e.self {
	case rec.Key.Src:
		// A set timestamp is never cleared by a zero on the wire.
		if p.DestSent != 0 {
			rec.DestSent = p.DestSent
		}
		rec.SrcReceived = now
		if !rec.Complete() {
			return nil, fmt.Errorf("%w: %s has src_sent=%d dest_received=%d dest_sent=%d src_received=%d",
				ErrIncompleteAtExpectedCompletion, key, rec.SrcSent, rec.DestReceived, rec.DestSent, rec.SrcReceived)
		}
		e.store.Remove(key)
		e.stats.Completed++
		return []Effect{Completed{Record: *rec}}, nil
	case rec.Key.Dest:
		// Our own AckTime going out; nothing left to record.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: ack time %s, self is %d", ErrMisdirectedPacket, key, e.self)
	}
}

func (e *Engine) insert(rec *Record) {
	e.store.Insert(rec)
	e.stats.Created++
}
