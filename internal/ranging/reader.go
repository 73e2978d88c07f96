// Package ranging runs the correlation engine over a trace source and hands
// its effects to the outbound link and the exchange log.
package ranging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/httputil"
	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/snoop"
)

// EffectHandler consumes engine effects. Handlers run on the scanner
// goroutine in the order the effects were produced.
type EffectHandler interface {
	HandleEffect(correlate.Effect) error
}

// EffectHandlerFunc adapts a function to EffectHandler.
type EffectHandlerFunc func(correlate.Effect) error

func (f EffectHandlerFunc) HandleEffect(e correlate.Effect) error { return f(e) }

// Options configures a Reader.
type Options struct {
	Self correlate.Address

	// ExpiryTTL is how long, in trace time, a record may stay in flight.
	// Zero keeps records until they complete.
	ExpiryTTL time.Duration

	// SweepInterval is how often, in trace time, expiry runs. Defaults to
	// ExpiryTTL.
	SweepInterval time.Duration
}

// Stats is a point-in-time view of a running reader.
type Stats struct {
	Self          correlate.Address `json:"self"`
	Engine        correlate.Stats   `json:"engine"`
	Scan          snoop.ScanStats   `json:"scan"`
	HandlerErrors int               `json:"handler_errors"`
	LastPacket    uint64            `json:"last_packet"`
}

// Reader feeds every packet the scanner finds into a correlation engine and
// dispatches the resulting effects.
type Reader struct {
	scanner  *snoop.Scanner
	handlers []EffectHandler
	ttl      correlate.Timestamp
	sweep    correlate.Timestamp

	// mu guards the engine, which the debug routes read concurrently.
	mu            sync.Mutex
	engine        *correlate.Engine
	nextSweep     correlate.Timestamp
	lastPacket    correlate.Timestamp
	handlerErrors int
}

// NewReader returns a reader for the device opts.Self over src.
func NewReader(src snoop.Source, opts Options, handlers ...EffectHandler) *Reader {
	r := &Reader{
		handlers: handlers,
		engine:   correlate.NewEngine(opts.Self),
		ttl:      correlate.Timestamp(opts.ExpiryTTL.Microseconds()),
		sweep:    correlate.Timestamp(opts.SweepInterval.Microseconds()),
	}
	if r.sweep == 0 {
		r.sweep = r.ttl
	}
	r.scanner = snoop.NewScanner(src, r.onFrame)
	return r
}

// Start begins reading on a new goroutine.
func (r *Reader) Start() { r.scanner.Start() }

// Cancel stops the reader. In-flight records are not flushed.
func (r *Reader) Cancel() { r.scanner.Cancel() }

// IsCanceled reports whether Cancel has been called.
func (r *Reader) IsCanceled() bool { return r.scanner.IsCanceled() }

// Wait blocks until a started reader stops.
func (r *Reader) Wait() error { return r.scanner.Wait() }

// Run reads the source on the calling goroutine until it is exhausted or ctx
// is done.
func (r *Reader) Run(ctx context.Context) error { return r.scanner.Run(ctx) }

func (r *Reader) onFrame(ts uint64, frame []byte) {
	r.mu.Lock()
	// Errors are logged and counted by the engine.
	effects, _ := r.engine.OnPacket(ts, frame)
	if ts > r.lastPacket {
		r.lastPacket = ts
	}
	effects = append(effects, r.sweepLocked(ts)...)
	r.mu.Unlock()

	r.dispatch(effects)
}

// sweepLocked expires stale records once per sweep interval of trace time.
func (r *Reader) sweepLocked(now correlate.Timestamp) []correlate.Effect {
	if r.ttl == 0 {
		return nil
	}
	if r.nextSweep == 0 {
		r.nextSweep = now + r.sweep
		return nil
	}
	if now < r.nextSweep {
		return nil
	}
	r.nextSweep = now + r.sweep
	return r.engine.Expire(now, r.ttl)
}

func (r *Reader) dispatch(effects []correlate.Effect) {
	for _, e := range effects {
		for _, h := range r.handlers {
			if err := h.HandleEffect(e); err != nil {
				monitoring.Logf("ranging: effect %T failed: %v", e, err)
				r.mu.Lock()
				r.handlerErrors++
				r.mu.Unlock()
			}
		}
	}
}

// InFlight returns copies of the records still waiting for packets.
func (r *Reader) InFlight() []correlate.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Store().Records()
}

// Stats returns the engine and scanner counters.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Self:          r.engine.Self(),
		Engine:        r.engine.Stats(),
		Scan:          r.scanner.Stats(),
		HandlerErrors: r.handlerErrors,
		LastPacket:    r.lastPacket,
	}
}

// InFlightHandler serves the in-flight records and reader counters as JSON.
func (r *Reader) InFlightHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, struct {
			Stats   Stats              `json:"stats"`
			Records []correlate.Record `json:"records"`
		}{r.Stats(), r.InFlight()})
	})
}
