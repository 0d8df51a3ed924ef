// Package dispatcher implements the bounded single-producer/single-consumer
// queue that decouples the transport's IO worker from the application's
// consumer worker. It is strictly SPSC: exactly one goroutine may call
// Push, exactly one goroutine may call Poll, and Clear requires both to
// be quiesced.
package dispatcher

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/nugget/feedctl/internal/config"
)

// ErrInvalidArgument is returned when a caller violates an input
// contract (e.g. Poll(0)). It never changes dispatcher state.
type ErrInvalidArgument struct{ msg string }

func (e *ErrInvalidArgument) Error() string { return e.msg }

// Dispatcher is a bounded ring buffer with drop-oldest backpressure.
//
// It deliberately avoids a mutex around push/poll: the producer owns a
// monotonically increasing write cursor, the consumer owns a
// monotonically increasing read cursor, and each side only ever writes
// its own cursor. A push that would exceed capacity silently overwrites
// the oldest still-unread slot; a poll that discovers its read cursor has
// fallen more than Maxlen behind fast-forwards to the oldest slot that
// survived, which is exactly the drop-oldest contract applied from the
// consumer's side. Every field is written by exactly one side and read
// atomically by the other, extending the single-writer-counter discipline
// from the lifetime counters to the cursors that back the ring itself.
type Dispatcher[T any] struct {
	buf    []T
	maxlen int64

	writePos atomic.Int64 // producer-owned; written only here, read by any goroutine
	readPos  atomic.Int64 // consumer-owned; written only there, read by any goroutine

	pushed  atomic.Int64
	polled  atomic.Int64
	dropped atomic.Int64

	emaAlpha             float64
	dropWarningThreshold float64
	emaBits              atomic.Uint64 // math.Float64bits(ema); producer-owned, atomically published
	warned               atomic.Bool   // producer-owned

	logger *slog.Logger
}

// Stats is an immutable snapshot of dispatcher counters.
type Stats struct {
	Pushed   int64
	Polled   int64
	Dropped  int64
	QueueLen int64
	Maxlen   int64
}

// Health is an immutable snapshot of dispatcher health metrics.
type Health struct {
	DropRateEMA  float64
	FillRatio    float64
	TotalDropped int64
	TotalPushed  int64
}

// New creates a Dispatcher per cfg. cfg must already have been validated
// (config.DispatcherConfig.Validate fills in defaults and checks ranges).
func New[T any](cfg config.DispatcherConfig, logger *slog.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	maxlen := cfg.Maxlen
	if maxlen <= 0 {
		maxlen = 100_000
	}
	d := &Dispatcher[T]{
		buf:                  make([]T, maxlen),
		maxlen:               int64(maxlen),
		emaAlpha:             cfg.EMAAlpha,
		dropWarningThreshold: cfg.DropWarningThreshold,
		logger:               logger,
	}
	logger.Info("dispatcher created", "maxlen", maxlen)
	return d
}

// Push appends event to the queue. Non-blocking, lock-free. Must only be
// called from the single producer goroutine (the transport's IO worker).
//
// If the queue already holds Maxlen entries, the oldest is evicted (the
// slot is simply overwritten) and the drop counter increments before the
// push counter does.
func (d *Dispatcher[T]) Push(event T) {
	writePos := d.writePos.Load()
	readPos := d.readPos.Load()
	occupied := writePos - readPos

	sample := 0.0
	if occupied >= d.maxlen {
		d.dropped.Add(1)
		sample = 1.0
	}

	d.buf[writePos%d.maxlen] = event
	d.writePos.Store(writePos + 1)
	d.pushed.Add(1)

	ema := math.Float64frombits(d.emaBits.Load())
	ema = d.emaAlpha*sample + (1-d.emaAlpha)*ema
	d.emaBits.Store(math.Float64bits(ema))

	if ema > d.dropWarningThreshold {
		if !d.warned.Load() {
			d.warned.Store(true)
			d.logger.Warn("dispatcher drop rate EMA exceeds threshold",
				"ema", ema, "threshold", d.dropWarningThreshold)
		}
	} else if d.warned.Load() {
		d.warned.Store(false)
		d.logger.Info("dispatcher drop rate EMA recovered below threshold",
			"ema", ema, "threshold", d.dropWarningThreshold)
	}
}

// Poll removes and returns up to max events in FIFO order. Non-blocking,
// lock-free. Must only be called from the single consumer goroutine.
// max must be > 0.
func (d *Dispatcher[T]) Poll(max int) ([]T, error) {
	if max <= 0 {
		return nil, &ErrInvalidArgument{msg: fmt.Sprintf("dispatcher: max must be > 0, got %d", max)}
	}

	writePos := d.writePos.Load()
	readPos := d.readPos.Load()

	// If the producer has lapped us by more than capacity, the slots
	// between readPos and writePos-maxlen were already overwritten and
	// already counted as drops at push time; just catch up without
	// touching the drop counter again.
	if oldest := writePos - d.maxlen; readPos < oldest {
		readPos = oldest
	}

	available := writePos - readPos
	if available > int64(max) {
		available = int64(max)
	}
	if available <= 0 {
		return []T{}, nil
	}

	out := make([]T, available)
	for i := int64(0); i < available; i++ {
		out[i] = d.buf[(readPos+i)%d.maxlen]
	}
	readPos += available
	d.readPos.Store(readPos)
	d.polled.Add(available)
	return out, nil
}

// Clear empties the queue and resets every counter and the EMA latch.
// Not safe to call concurrently with Push or Poll; the caller must
// quiesce both sides first (e.g. during a reconnect).
func (d *Dispatcher[T]) Clear() {
	remaining := d.writePos.Load() - d.readPos.Load()
	if remaining > 0 {
		d.logger.Warn("dispatcher clearing remaining events", "remaining", remaining)
	}
	d.writePos.Store(0)
	d.readPos.Store(0)
	d.pushed.Store(0)
	d.polled.Store(0)
	d.dropped.Store(0)
	d.emaBits.Store(0)
	d.warned.Store(false)
	d.logger.Info("dispatcher cleared: queue and counters reset")
}

// Stats returns an eventually-consistent snapshot of lifetime counters.
// Safe to call from any goroutine.
func (d *Dispatcher[T]) Stats() Stats {
	writePos := d.writePos.Load()
	readPos := d.readPos.Load()
	qlen := writePos - readPos
	if qlen < 0 {
		qlen = 0
	}
	if qlen > d.maxlen {
		qlen = d.maxlen
	}
	return Stats{
		Pushed:   d.pushed.Load(),
		Polled:   d.polled.Load(),
		Dropped:  d.dropped.Load(),
		QueueLen: qlen,
		Maxlen:   d.maxlen,
	}
}

// Health returns an eventually-consistent snapshot of drop-rate and
// utilization metrics. Safe to call from any goroutine.
func (d *Dispatcher[T]) Health() Health {
	s := d.Stats()
	return Health{
		DropRateEMA:  math.Float64frombits(d.emaBits.Load()),
		FillRatio:    float64(s.QueueLen) / float64(d.maxlen),
		TotalDropped: s.Dropped,
		TotalPushed:  s.Pushed,
	}
}

// invariantOK reports whether pushed-dropped-polled == queue_len. Exposed
// for tests exercising the quiescence invariant; not part of the public
// API surface a consumer would use.
func (d *Dispatcher[T]) invariantOK() bool {
	s := d.Stats()
	return s.Pushed-s.Dropped-s.Polled == s.QueueLen
}
