// Package ingest connects raw advertisement events to the decoder and registry.
//
// Handle is called by transport goroutines for every advertisement heard by a
// gateway. It never blocks: irrelevant traffic is dropped, vendor payloads are
// decoded inline, and accepted readings and rejections are queued for a single
// applier goroutine started with Run.
package ingest

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"trapwatch/go-mqtt-server/internal/decoder"
	"trapwatch/go-mqtt-server/internal/metrics"
	"trapwatch/go-mqtt-server/internal/model"
)

// DefaultQueueSize bounds the number of decoded readings waiting to be applied.
const DefaultQueueSize = 256

// Applier is the registry contract the adapter depends on.
type Applier interface {
	Apply(reading model.Reading, address string, observedAt time.Time) (model.DeviceState, bool)
}

// Recorder receives ingestion counters.
type Recorder interface {
	Advertisement(outcome string)
	Rejection(reason string)
	QueueDepth(n int)
}

// RejectFunc is told about vendor payloads the decoder refused. It runs on
// the applier goroutine, never on the caller of Handle.
type RejectFunc func(adv model.RawAdvertisement, payload []byte, reason error)

// pending is one unit of applier work: a reading, or a rejection when reject
// is set.
type pending struct {
	reading    model.Reading
	address    string
	observedAt time.Time
	reject     *rejection
}

type rejection struct {
	adv     model.RawAdvertisement
	payload []byte
	reason  error
}

// Adapter filters, decodes and forwards advertisements.
type Adapter struct {
	decoder  *decoder.Decoder
	registry Applier
	logger   *slog.Logger
	recorder Recorder
	onReject RejectFunc
	now      func() time.Time
	queue    chan pending
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Adapter) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithRejectHandler installs a callback for decoder rejections.
func WithRejectHandler(fn RejectFunc) Option {
	return func(a *Adapter) { a.onReject = fn }
}

// WithClock overrides the wall clock used to stamp accepted readings.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithQueueSize sets the applier queue capacity. A size of zero or less makes
// Handle apply readings inline and Run a no-op.
func WithQueueSize(n int) Option {
	return func(a *Adapter) {
		if n <= 0 {
			a.queue = nil
			return
		}
		a.queue = make(chan pending, n)
	}
}

// New constructs an adapter feeding reg.
func New(dec *decoder.Decoder, reg Applier, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		decoder:  dec,
		registry: reg,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		queue:    make(chan pending, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle processes one advertisement and reports whether it produced a reading.
// Readings dropped because the queue is full still report false.
func (a *Adapter) Handle(adv model.RawAdvertisement) bool {
	vendorID := a.decoder.VendorID()
	payload, ok := adv.ManufacturerData[vendorID]
	if !ok {
		a.recorder.Advertisement(metrics.OutcomeIgnored)
		return false
	}

	reading, err := a.decoder.Decode(vendorID, payload, adv.RSSI)
	if err != nil {
		a.recorder.Advertisement(metrics.OutcomeRejected)
		a.recorder.Rejection(err.Error())
		a.logger.Debug("advertisement rejected", "address", adv.Address, "scanner", adv.ScannerID, "payload", hex.EncodeToString(payload), "reason", err)
		a.Reject(adv, payload, err)
		return false
	}

	p := pending{reading: reading, address: adv.Address, observedAt: a.now()}

	if a.queue == nil {
		a.apply(p)
		a.recorder.Advertisement(metrics.OutcomeAccepted)
		return true
	}

	select {
	case a.queue <- p:
		a.recorder.Advertisement(metrics.OutcomeAccepted)
		a.recorder.QueueDepth(len(a.queue))
		return true
	default:
		a.recorder.Advertisement(metrics.OutcomeDropped)
		a.logger.Warn("ingest queue full, dropping reading", "trap", reading.TrapID, "capacity", cap(a.queue))
		return false
	}
}

// Reject hands a refused payload to the reject handler on the applier
// goroutine. Rejections are dropped when the queue is full. The transport
// calls it directly for envelopes that never reach the decoder.
func (a *Adapter) Reject(adv model.RawAdvertisement, payload []byte, reason error) {
	if a.onReject == nil {
		return
	}

	p := pending{reject: &rejection{adv: adv, payload: append([]byte(nil), payload...), reason: reason}}
	if a.queue == nil {
		a.apply(p)
		return
	}

	select {
	case a.queue <- p:
		a.recorder.QueueDepth(len(a.queue))
	default:
		a.logger.Debug("ingest queue full, dropping rejection", "scanner", adv.ScannerID, "reason", reason)
	}
}

// Run applies queued readings until ctx is cancelled, then drains what is left.
func (a *Adapter) Run(ctx context.Context) error {
	if a.queue == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-a.queue:
					a.apply(p)
				default:
					a.recorder.QueueDepth(0)
					return nil
				}
			}
		case p := <-a.queue:
			a.apply(p)
			a.recorder.QueueDepth(len(a.queue))
		}
	}
}

func (a *Adapter) apply(p pending) {
	if p.reject != nil {
		a.onReject(p.reject.adv, p.reject.payload, p.reject.reason)
		return
	}

	state, isNew := a.registry.Apply(p.reading, p.address, p.observedAt)
	if isNew {
		a.logger.Info("new trap discovered", "trap", state.TrapID, "address", state.Address, "tripped", state.Tripped)
		return
	}
	a.logger.Debug("trap updated", "trap", state.TrapID, "tripped", state.Tripped, "rssi", state.RSSI)
}

type nopRecorder struct{}

func (nopRecorder) Advertisement(string) {}
func (nopRecorder) Rejection(string)     {}
func (nopRecorder) QueueDepth(int)       {}
