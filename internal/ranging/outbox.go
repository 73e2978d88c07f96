package ranging

import (
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/packet"
)

// Outbox turns SendAck and SendAckTime effects into packets and writes them
// to the controller link. Other effects are ignored.
type Outbox struct {
	mu   sync.Mutex
	w    io.Writer
	sent int
	buf  []byte
}

// NewOutbox returns an outbox writing to w.
func NewOutbox(w io.Writer) *Outbox {
	return &Outbox{w: w}
}

// HandleEffect implements EffectHandler.
func (o *Outbox) HandleEffect(e correlate.Effect) error {
	var p packet.Packet
	switch e := e.(type) {
	case correlate.SendAck:
		p = &packet.Ack{
			Src:          e.Key.Src,
			Dest:         e.Key.Dest,
			Sequence:     e.Key.Sequence,
			DestReceived: e.DestReceived,
		}
	case correlate.SendAckTime:
		p = &packet.AckTime{
			Src:      e.Key.Src,
			Dest:     e.Key.Dest,
			Sequence: e.Key.Sequence,
			DestSent: e.DestSent,
		}
	default:
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = p.AppendTo(o.buf[:0])
	if _, err := o.w.Write(o.buf); err != nil {
		return fmt.Errorf("failed to send %s: %w", p.Envelope(), err)
	}
	o.sent++
	monitoring.Logf("ranging: sent %s", p.Envelope())
	return nil
}

// Sent returns the number of packets written.
func (o *Outbox) Sent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}
