// Package feedhealth implements a two-tier liveness monitor for a market
// data feed: a global "has anything arrived recently" check and a
// per-symbol staleness check, both driven off monotonic timestamps so
// NTP adjustments and wall-clock jumps never produce a false alert.
//
// Call OnEvent for every event pulled off the dispatcher, then query
// liveness with IsFeedDead, IsStale, or StaleSymbols. Every method takes
// Monitor's own mutex, so it is safe to query from a goroutine other
// than the one calling OnEvent.
package feedhealth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/feedctl/internal/config"
)

// Monitor tracks feed liveness using monotonic nanosecond timestamps.
// The zero value is not usable; construct with New.
type Monitor struct {
	mu     sync.Mutex
	logger *slog.Logger

	maxGapNS          int64
	perSymbolMaxGapNS map[string]int64

	globalLastEventNS int64 // meaningful only when haveGlobal is true
	haveGlobal        bool  // false until the first OnEvent ("no event yet")

	lastEventNS map[string]int64
}

// New builds a Monitor from cfg. cfg should already have been validated
// (config.HealthConfig.Validate fills in MaxGapSeconds' default and
// checks per-symbol overrides are positive). logger defaults to
// slog.Default() when nil.
func New(cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	maxGap := cfg.MaxGapSeconds
	if maxGap <= 0 {
		maxGap = 5.0
	}
	perSymbol := make(map[string]int64, len(cfg.PerSymbolMaxGap))
	for symbol, gap := range cfg.PerSymbolMaxGap {
		perSymbol[symbol] = secondsToNanos(gap)
	}
	return &Monitor{
		logger:            logger,
		maxGapNS:          secondsToNanos(maxGap),
		perSymbolMaxGapNS: perSymbol,
		lastEventNS:       make(map[string]int64),
	}
}

func secondsToNanos(s float64) int64 {
	return int64(s * float64(time.Second))
}

// nowMono returns the current reading of a monotonic clock, in nanoseconds.
// time.Now().UnixNano() is wall-clock and unsuitable; instead we measure
// elapsed time against a fixed process-start monotonic reference so
// callers never need to carry a *time.Time around.
var processStart = time.Now()

func nowMonoNS() int64 {
	return int64(time.Since(processStart))
}

// OnEvent records that an event for symbol arrived at nowNS (a monotonic
// nanosecond timestamp from nowMonoNS, or a caller-supplied value reused
// across a batch of events drained from one poll). Updates both the
// global and the per-symbol liveness clocks.
func (m *Monitor) OnEvent(symbol string, nowNS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveGlobal {
		m.logger.Info("feedhealth: first event recorded, feed established")
	}
	m.globalLastEventNS = nowNS
	m.haveGlobal = true
	m.lastEventNS[symbol] = nowNS
}

// Now returns a monotonic timestamp suitable for OnEvent/IsFeedDead/IsStale.
func Now() int64 { return nowMonoNS() }

// IsFeedDead reports whether the entire feed looks dead: no event has
// arrived within the configured max gap. Before the first event ever
// recorded it returns false (unknown, not dead) — use HasEverReceived to
// tell the two apart.
func (m *Monitor) IsFeedDead(nowNS int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveGlobal {
		return false
	}
	gap := nowNS - m.globalLastEventNS
	if gap < 0 {
		gap = 0
	}
	return gap > m.maxGapNS
}

// HasEverReceived reports whether any event has ever been recorded.
func (m *Monitor) HasEverReceived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haveGlobal
}

// IsStale reports whether symbol's data is stale: it has been seen
// before but not within its configured gap threshold. Never-seen
// symbols report false; use HasSeen to distinguish "not tracked" from
// "healthy".
func (m *Monitor) IsStale(symbol string, nowNS int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastEventNS[symbol]
	if !ok {
		return false
	}
	gap := nowNS - last
	if gap < 0 {
		gap = 0
	}
	return gap > m.maxGapFor(symbol)
}

// maxGapFor returns the per-symbol override if configured, else the
// global threshold. Caller must hold m.mu.
func (m *Monitor) maxGapFor(symbol string) int64 {
	if override, ok := m.perSymbolMaxGapNS[symbol]; ok {
		return override
	}
	return m.maxGapNS
}

// HasSeen reports whether symbol has ever been recorded via OnEvent.
func (m *Monitor) HasSeen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lastEventNS[symbol]
	return ok
}

// TrackedSymbolCount returns the number of distinct symbols recorded so far.
func (m *Monitor) TrackedSymbolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastEventNS)
}

// StaleSymbols returns every tracked symbol currently past its staleness
// threshold. Cost is O(n) in the number of tracked symbols.
func (m *Monitor) StaleSymbols(nowNS int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for symbol, last := range m.lastEventNS {
		gap := nowNS - last
		if gap < 0 {
			gap = 0
		}
		if gap > m.maxGapFor(symbol) {
			stale = append(stale, symbol)
		}
	}
	return stale
}

// LastSeenGapMillis returns the milliseconds elapsed since the last event
// for symbol, and true, or (0, false) if the symbol has never been seen.
func (m *Monitor) LastSeenGapMillis(symbol string, nowNS int64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastEventNS[symbol]
	if !ok {
		return 0, false
	}
	gap := nowNS - last
	if gap < 0 {
		gap = 0
	}
	return float64(gap) / float64(time.Millisecond), true
}

// Purge removes tracking state for a single symbol, for example after an
// unsubscribe. Does not affect global liveness. Reports whether the
// symbol had been tracked.
func (m *Monitor) Purge(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastEventNS[symbol]; !ok {
		return false
	}
	delete(m.lastEventNS, symbol)
	m.logger.Info("feedhealth: symbol purged", "symbol", symbol)
	return true
}

// Reset clears all tracking state, global and per-symbol, back to
// startup: IsFeedDead and HasEverReceived both report as if nothing had
// ever arrived. Use on full reconnect or a trading-session boundary.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haveGlobal = false
	m.globalLastEventNS = 0
	m.lastEventNS = make(map[string]int64)
	m.logger.Info("feedhealth: state reset")
}
