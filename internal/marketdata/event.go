package marketdata

import (
	"fmt"
	"strings"
)

// DepthLevels is the fixed number of book levels a FullDepthEvent carries.
const DepthLevels = 10

// BestLevelEvent is the top-of-book normalized record. It is immutable
// (all fields are plain values, none are pointers or slices) and
// structurally comparable, so two events with equal fields are == and
// hash identically when used as a map key.
//
// Price comparisons across events must use a numeric tolerance; exact
// float equality is never meaningful for quotes.
type BestLevelEvent struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
	BidSize  int64
	AskSize  int64
	BidFlag  SessionFlag
	AskFlag  SessionFlag

	// RecvWallNS is the wall-clock receive timestamp in nanoseconds since
	// the Unix epoch. Subject to clock skew; use only for cross-correlation.
	RecvWallNS int64
	// RecvMonoNS is the monotonic receive timestamp in nanoseconds. Never
	// decreases across events from the same process; use for all
	// latency/staleness arithmetic.
	RecvMonoNS int64
	// Epoch is the connection-epoch counter: 0 until the first successful
	// reconnect-with-replay, then incremented once per such event.
	Epoch int64
}

// IsAuction reports whether either side of the quote was reported during
// an auction phase.
func (e BestLevelEvent) IsAuction() bool {
	return e.BidFlag.IsAuction() || e.AskFlag.IsAuction()
}

// NewBestLevelEvent validates e and returns it unchanged on success. The
// validation rule, applied uniformly to both event types: Symbol must be
// non-empty, and sizes must be non-negative. Prices are unrestricted —
// zero is legal and meaningful during an auction, and nothing in the
// domain rules out a negative price, so the strict constructor does not
// second-guess it.
func NewBestLevelEvent(e BestLevelEvent) (BestLevelEvent, error) {
	if strings.TrimSpace(e.Symbol) == "" {
		return BestLevelEvent{}, fmt.Errorf("marketdata: symbol must not be empty")
	}
	if e.BidSize < 0 {
		return BestLevelEvent{}, fmt.Errorf("marketdata: bid size must be non-negative, got %d", e.BidSize)
	}
	if e.AskSize < 0 {
		return BestLevelEvent{}, fmt.Errorf("marketdata: ask size must be non-negative, got %d", e.AskSize)
	}
	return e, nil
}

// NewBestLevelEventUnchecked constructs e without running any validator.
// This is the hot-path constructor: the decoder has already derived every
// field from a trusted, already-parsed frame, so there is nothing left to
// check and nothing to pay for.
func NewBestLevelEventUnchecked(e BestLevelEvent) BestLevelEvent {
	return e
}

// PriceLevels is a fixed-length, immutable sequence of DepthLevels prices,
// best level first. Being a Go array rather than a slice, it is
// copied by value and is itself comparable — no separate hashing support
// is needed.
type PriceLevels [DepthLevels]float64

// SizeLevels is the size-side counterpart to PriceLevels.
type SizeLevels [DepthLevels]int64

// FullDepthEvent is the same schema as BestLevelEvent except each side of
// the book carries all DepthLevels price/size pairs instead of just the
// top.
type FullDepthEvent struct {
	Symbol   string
	BidPrice PriceLevels
	AskPrice PriceLevels
	BidSize  SizeLevels
	AskSize  SizeLevels
	BidFlag  SessionFlag
	AskFlag  SessionFlag

	RecvWallNS int64
	RecvMonoNS int64
	Epoch      int64
}

// IsAuction reports whether either side of the quote was reported during
// an auction phase.
func (e FullDepthEvent) IsAuction() bool {
	return e.BidFlag.IsAuction() || e.AskFlag.IsAuction()
}

// NewFullDepthEvent validates e with the same rule NewBestLevelEvent
// applies: non-empty symbol, non-negative sizes at every level. The
// ten-level shape is enforced by the PriceLevels/SizeLevels array types
// themselves, so there is no length check to perform.
func NewFullDepthEvent(e FullDepthEvent) (FullDepthEvent, error) {
	if strings.TrimSpace(e.Symbol) == "" {
		return FullDepthEvent{}, fmt.Errorf("marketdata: symbol must not be empty")
	}
	for i, s := range e.BidSize {
		if s < 0 {
			return FullDepthEvent{}, fmt.Errorf("marketdata: bid size at level %d must be non-negative, got %d", i, s)
		}
	}
	for i, s := range e.AskSize {
		if s < 0 {
			return FullDepthEvent{}, fmt.Errorf("marketdata: ask size at level %d must be non-negative, got %d", i, s)
		}
	}
	return e, nil
}

// NewFullDepthEventUnchecked is the full-depth hot-path constructor; see
// NewBestLevelEventUnchecked.
func NewFullDepthEventUnchecked(e FullDepthEvent) FullDepthEvent {
	return e
}
