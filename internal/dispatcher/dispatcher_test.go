package dispatcher

import (
	"sync"
	"testing"

	"github.com/nugget/feedctl/internal/config"
)

func testConfig(maxlen int) config.DispatcherConfig {
	cfg := config.DispatcherConfig{Maxlen: maxlen}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestOverflowDropOldest(t *testing.T) {
	d := New[int](testConfig(3), nil)
	d.Push(1)
	d.Push(2)
	d.Push(3)
	d.Push(4)

	got, err := d.Poll(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Poll(10) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Poll(10) = %v, want %v", got, want)
		}
	}

	stats := d.Stats()
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
	if stats.Pushed != 4 {
		t.Errorf("pushed = %d, want 4", stats.Pushed)
	}
}

func TestFIFONoOverflow(t *testing.T) {
	d := New[int](testConfig(1000), nil)
	for i := 0; i < 500; i++ {
		d.Push(i)
	}
	got, err := d.Poll(1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 500 {
		t.Fatalf("got %d events, want 500", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("FIFO violated at index %d: got %d, want %d", i, v, i)
		}
	}
}

func TestPollRejectsNonPositiveMax(t *testing.T) {
	d := New[int](testConfig(10), nil)
	if _, err := d.Poll(0); err == nil {
		t.Fatal("expected error for Poll(0)")
	}
	if _, err := d.Poll(-1); err == nil {
		t.Fatal("expected error for Poll(-1)")
	}
}

func TestClearResetsCountersAndEMA(t *testing.T) {
	d := New[int](testConfig(2), nil)
	d.Push(1)
	d.Push(2)
	d.Push(3) // causes a drop

	d.Clear()

	stats := d.Stats()
	if stats.Pushed != 0 || stats.Polled != 0 || stats.Dropped != 0 || stats.QueueLen != 0 {
		t.Errorf("Clear did not reset counters: %+v", stats)
	}
	if h := d.Health(); h.DropRateEMA != 0 {
		t.Errorf("Clear did not reset EMA, got %v", h.DropRateEMA)
	}
}

func TestEMARecoversAfterDrops(t *testing.T) {
	cfg := config.DispatcherConfig{Maxlen: 2, EMAAlpha: 0.5, DropWarningThreshold: 0.5}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	d := New[int](cfg, nil)

	d.Push(1)
	d.Push(2)
	d.Push(3) // one drop

	emaAfterDrop := d.Health().DropRateEMA
	if emaAfterDrop <= 0 {
		t.Fatalf("expected positive drop-rate EMA after a drop, got %v", emaAfterDrop)
	}

	for i := 0; i < 20; i++ {
		d.Poll(10)
		d.Push(0)
	}

	emaAfter := d.Health().DropRateEMA
	if emaAfter >= emaAfterDrop {
		t.Errorf("expected EMA to recover below %v after sustained non-dropping pushes, got %v", emaAfterDrop, emaAfter)
	}
}

func TestInvariantUnderQuiescence(t *testing.T) {
	d := New[int](testConfig(1000), nil)
	for i := 0; i < 2500; i++ {
		d.Push(i)
	}
	d.Poll(100)
	d.Poll(100)

	if !d.invariantOK() {
		t.Error("pushed - dropped - polled != queue_len under quiescence")
	}
}

func TestSPSCHandoffConcurrent(t *testing.T) {
	const total = 10000
	d := New[int](testConfig(1000), nil)

	var wg sync.WaitGroup
	wg.Add(2)

	producerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(producerDone)
		for i := 0; i < total; i++ {
			d.Push(i)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			batch, _ := d.Poll(50)
			if len(batch) == 0 {
				select {
				case <-producerDone:
					// Drain whatever landed between the last poll and the
					// producer finishing, then stop.
					if rest, _ := d.Poll(1 << 20); len(rest) == 0 {
						return
					}
				default:
				}
			}
		}
	}()

	wg.Wait()

	stats := d.Stats()
	if stats.Pushed != total {
		t.Fatalf("pushed = %d, want %d", stats.Pushed, total)
	}
	if stats.Polled+stats.Dropped != total {
		t.Fatalf("polled(%d) + dropped(%d) != pushed(%d)", stats.Polled, stats.Dropped, total)
	}
}
