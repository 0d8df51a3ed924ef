package feedhealth

import (
	"testing"

	"github.com/nugget/feedctl/internal/config"
)

func testConfig(maxGapSeconds float64, overrides map[string]float64) config.HealthConfig {
	cfg := config.HealthConfig{MaxGapSeconds: maxGapSeconds, PerSymbolMaxGap: overrides}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestIsFeedDeadBeforeFirstEvent(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	if m.IsFeedDead(1_000_000_000) {
		t.Error("expected IsFeedDead to be false before any event (unknown, not dead)")
	}
	if m.HasEverReceived() {
		t.Error("expected HasEverReceived false before any event")
	}
}

func TestIsFeedDeadAfterGap(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	m.OnEvent("AOT", 0)
	if !m.HasEverReceived() {
		t.Fatal("expected HasEverReceived true after first event")
	}

	const ns = int64(1_000_000_000)
	if m.IsFeedDead(4 * ns) {
		t.Error("expected feed alive within max gap")
	}
	if !m.IsFeedDead(6 * ns) {
		t.Error("expected feed dead beyond max gap")
	}
}

func TestIsStaleNeverSeen(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	if m.IsStale("GHOST", 1_000_000_000) {
		t.Error("expected IsStale false for never-seen symbol")
	}
	if m.HasSeen("GHOST") {
		t.Error("expected HasSeen false for never-seen symbol")
	}
}

func TestIsStalePerSymbolOverride(t *testing.T) {
	const sec = int64(1_000_000_000)
	m := New(testConfig(5.0, map[string]float64{"RARE": 60.0}), nil)

	m.OnEvent("RARE", 0)
	m.OnEvent("PTT", 0)

	// 30s gap: PTT should be stale (> 5s global), RARE should not (< 60s override).
	now := 30 * sec
	if !m.IsStale("PTT", now) {
		t.Error("expected PTT stale at 30s gap under the 5s global threshold")
	}
	if m.IsStale("RARE", now) {
		t.Error("expected RARE not stale at 30s gap under its 60s override")
	}

	// Past the override, RARE goes stale too.
	if !m.IsStale("RARE", 61*sec) {
		t.Error("expected RARE stale once its 60s override elapses")
	}
}

func TestStaleSymbolsEnumeratesOnlyStale(t *testing.T) {
	const sec = int64(1_000_000_000)
	m := New(testConfig(5.0, map[string]float64{"RARE": 60.0}), nil)
	m.OnEvent("AOT", 0)
	m.OnEvent("PTT", 0)
	m.OnEvent("RARE", 0)

	stale := m.StaleSymbols(10 * sec)
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale symbols, got %v", stale)
	}
	seen := map[string]bool{}
	for _, s := range stale {
		seen[s] = true
	}
	if !seen["AOT"] || !seen["PTT"] {
		t.Errorf("expected AOT and PTT stale, got %v", stale)
	}
	if seen["RARE"] {
		t.Errorf("RARE should not be stale yet, got %v", stale)
	}
}

func TestLastSeenGapMillis(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	if _, ok := m.LastSeenGapMillis("AOT", 1_000_000_000); ok {
		t.Error("expected ok=false for never-seen symbol")
	}

	m.OnEvent("AOT", 0)
	gap, ok := m.LastSeenGapMillis("AOT", 250_000_000)
	if !ok {
		t.Fatal("expected ok=true once symbol has been seen")
	}
	if gap != 250.0 {
		t.Errorf("gap = %v ms, want 250.0", gap)
	}
}

func TestNegativeGapClampsToZero(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	m.OnEvent("AOT", 1_000_000_000)

	// now < last: a caller passing an earlier timestamp than the last
	// recorded event must not produce a negative (and therefore
	// trivially "not stale" in the wrong direction) gap.
	if m.IsStale("AOT", 500_000_000) {
		t.Error("a clamped non-positive gap must not read as stale")
	}
	gap, ok := m.LastSeenGapMillis("AOT", 500_000_000)
	if !ok || gap != 0 {
		t.Errorf("expected clamped gap of 0, got %v", gap)
	}
}

func TestPurgeRemovesOnlyNamedSymbol(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	m.OnEvent("AOT", 0)
	m.OnEvent("PTT", 0)

	if !m.Purge("AOT") {
		t.Error("expected Purge to report true for a tracked symbol")
	}
	if m.Purge("AOT") {
		t.Error("expected second Purge of the same symbol to report false")
	}
	if m.HasSeen("AOT") {
		t.Error("expected AOT untracked after Purge")
	}
	if !m.HasSeen("PTT") {
		t.Error("expected PTT to remain tracked after purging AOT")
	}
	if !m.HasEverReceived() {
		t.Error("Purge must not affect global liveness")
	}
}

func TestResetClearsGlobalAndPerSymbolState(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	m.OnEvent("AOT", 0)
	m.Reset()

	if m.HasEverReceived() {
		t.Error("expected HasEverReceived false after Reset")
	}
	if m.IsFeedDead(1_000_000_000) {
		t.Error("expected IsFeedDead false (unknown) after Reset")
	}
	if m.TrackedSymbolCount() != 0 {
		t.Errorf("expected 0 tracked symbols after Reset, got %d", m.TrackedSymbolCount())
	}
}

func TestTrackedSymbolCount(t *testing.T) {
	m := New(testConfig(5.0, nil), nil)
	if m.TrackedSymbolCount() != 0 {
		t.Fatal("expected 0 tracked symbols initially")
	}
	m.OnEvent("AOT", 0)
	m.OnEvent("PTT", 0)
	m.OnEvent("AOT", 1) // repeat, should not grow the count
	if m.TrackedSymbolCount() != 2 {
		t.Errorf("expected 2 tracked symbols, got %d", m.TrackedSymbolCount())
	}
}
