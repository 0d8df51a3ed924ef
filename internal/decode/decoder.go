// Package decode turns raw MQTT payloads into normalized market-data
// events on the hot path: parse the wire bytes into a Frame, convert
// each price inline, stamp dual timestamps, and hand the event to a
// callback, with parse failures and callback failures counted and
// rate-limit logged independently of one another.
package decode

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/feedctl/internal/config"
	"github.com/nugget/feedctl/internal/marketdata"
)

const (
	logFirstN = 10
	logEveryN = 1000
)

// EventCallback receives a normalized event: either a
// marketdata.BestLevelEvent or a marketdata.FullDepthEvent depending on
// the decoder's configured mode. It must be fast and non-blocking — it
// typically just pushes onto a dispatcher. A panic or a returned error
// both count as a callback error and are isolated from the next frame.
type EventCallback func(event any) error

// EpochSource reports the transport's current connection epoch. Every
// event is stamped with the epoch in effect at decode time, so a
// consumer can reject events produced under a session that has since
// been superseded by a reconnect. A nil source stamps every event with
// epoch zero.
type EpochSource func() int64

// Decoder is the hot-path frame parser and event normalizer. The zero
// value is not usable; construct with New.
type Decoder struct {
	parse     Parser
	onEvent   EventCallback
	fullDepth bool
	epoch     EpochSource

	messagesParsed atomic.Int64
	parseErrors    atomic.Int64
	callbackErrors atomic.Int64

	logger *slog.Logger

	processStart time.Time
}

// New builds a Decoder. parse supplies the wire-format-specific frame
// parser; onEvent receives normalized events. cfg selects best-level vs
// full-depth mode. epoch may be nil, in which case every event is
// stamped with epoch zero.
func New(cfg config.DecoderConfig, parse Parser, onEvent EventCallback, epoch EpochSource, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	if epoch == nil {
		epoch = func() int64 { return 0 }
	}
	return &Decoder{
		parse:        parse,
		onEvent:      onEvent,
		fullDepth:    cfg.FullDepth,
		epoch:        epoch,
		logger:       logger,
		processStart: time.Now(),
	}
}

func (d *Decoder) monoNowNS() int64 {
	return int64(time.Since(d.processStart))
}

// OnMessage is the hot path, invoked inline on the transport's IO
// worker for every inbound frame on a subscribed topic. It increments
// exactly one of messages_parsed, parse_errors, or callback_errors.
func (d *Decoder) OnMessage(topic string, payload []byte) {
	recvWallNS := time.Now().UnixNano()
	recvMonoNS := d.monoNowNS()

	frame, err := d.parse(payload)
	if err != nil {
		count := d.parseErrors.Add(1)
		d.logRateLimited(count, "failed to parse inbound frame", "topic", topic, "err", err)
		return
	}

	epoch := d.epoch()
	var event any
	if d.fullDepth {
		event = buildFullDepthEvent(frame, recvWallNS, recvMonoNS, epoch)
	} else {
		event = buildBestLevelEvent(frame, recvWallNS, recvMonoNS, epoch)
	}

	if err := d.invokeCallback(event); err != nil {
		count := d.callbackErrors.Add(1)
		d.logRateLimited(count, "event callback failed", "topic", topic, "err", err)
		return
	}

	d.messagesParsed.Add(1)
}

// invokeCallback isolates the downstream callback from the decoder: a
// panic there must not take down the IO worker, and counts the same as
// a returned error.
func (d *Decoder) invokeCallback(event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return d.onEvent(event)
}

func (d *Decoder) logRateLimited(count int64, msg string, args ...any) {
	switch {
	case count <= logFirstN:
		d.logger.Error(msg, append(args, "occurrence", count, "of_first", logFirstN)...)
	case count%logEveryN == 0:
		d.logger.Error(msg+" (ongoing)", append(args, "total", count)...)
	}
}

// Stats is an immutable snapshot of decoder counters.
type Stats struct {
	MessagesParsed int64
	ParseErrors    int64
	CallbackErrors int64
	FullDepth      bool
}

// Stats returns an eventually-consistent snapshot of the decoder's
// lifetime counters. Safe to call from any goroutine.
func (d *Decoder) Stats() Stats {
	return Stats{
		MessagesParsed: d.messagesParsed.Load(),
		ParseErrors:    d.parseErrors.Load(),
		CallbackErrors: d.callbackErrors.Load(),
		FullDepth:      d.fullDepth,
	}
}

// buildBestLevelEvent extracts only the top-of-book level. Money
// conversion is inlined rather than routed through ToFloat to avoid a
// function call per price on the hot path.
func buildBestLevelEvent(f Frame, recvWallNS, recvMonoNS, epoch int64) marketdata.BestLevelEvent {
	return marketdata.NewBestLevelEventUnchecked(marketdata.BestLevelEvent{
		Symbol:     f.Symbol,
		BidPrice:   float64(f.BidPrice[0].Units) + float64(f.BidPrice[0].Nanos)*1e-9,
		AskPrice:   float64(f.AskPrice[0].Units) + float64(f.AskPrice[0].Nanos)*1e-9,
		BidSize:    f.BidSize[0],
		AskSize:    f.AskSize[0],
		BidFlag:    marketdata.SessionFlag(f.BidFlag),
		AskFlag:    marketdata.SessionFlag(f.AskFlag),
		RecvWallNS: recvWallNS,
		RecvMonoNS: recvMonoNS,
		Epoch:      epoch,
	})
}

// buildFullDepthEvent extracts all ten levels. Allocates roughly an
// order of magnitude more than buildBestLevelEvent per frame.
func buildFullDepthEvent(f Frame, recvWallNS, recvMonoNS, epoch int64) marketdata.FullDepthEvent {
	var bidPrice, askPrice marketdata.PriceLevels
	var bidSize, askSize marketdata.SizeLevels
	for i := 0; i < marketdata.DepthLevels; i++ {
		bidPrice[i] = float64(f.BidPrice[i].Units) + float64(f.BidPrice[i].Nanos)*1e-9
		askPrice[i] = float64(f.AskPrice[i].Units) + float64(f.AskPrice[i].Nanos)*1e-9
		bidSize[i] = f.BidSize[i]
		askSize[i] = f.AskSize[i]
	}
	return marketdata.NewFullDepthEventUnchecked(marketdata.FullDepthEvent{
		Symbol:     f.Symbol,
		BidPrice:   bidPrice,
		AskPrice:   askPrice,
		BidSize:    bidSize,
		AskSize:    askSize,
		BidFlag:    marketdata.SessionFlag(f.BidFlag),
		AskFlag:    marketdata.SessionFlag(f.AskFlag),
		RecvWallNS: recvWallNS,
		RecvMonoNS: recvMonoNS,
		Epoch:      epoch,
	})
}
