package ranging

import (
	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/db"
)

// ExchangeRecorder is the subset of *db.DB the recorder writes to.
type ExchangeRecorder interface {
	RecordExchange(status db.Status, self correlate.Address, rec correlate.Record) (string, error)
}

// Recorder persists Completed and Expired effects.
type Recorder struct {
	store ExchangeRecorder
	self  correlate.Address
}

// NewRecorder returns a recorder for device self.
func NewRecorder(store ExchangeRecorder, self correlate.Address) *Recorder {
	return &Recorder{store: store, self: self}
}

// HandleEffect implements EffectHandler.
func (r *Recorder) HandleEffect(e correlate.Effect) error {
	var err error
	switch e := e.(type) {
	case correlate.Completed:
		_, err = r.store.RecordExchange(db.StatusCompleted, r.self, e.Record)
	case correlate.Expired:
		_, err = r.store.RecordExchange(db.StatusExpired, r.self, e.Record)
	}
	return err
}
