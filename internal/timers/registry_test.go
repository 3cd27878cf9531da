package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetReplacesPriorTimerForSameName(t *testing.T) {
	r := New()
	var fired atomic.Int32

	r.Set("watchdog", func() { fired.Add(1) }, 20*time.Millisecond)
	r.Set("watchdog", func() { fired.Add(100) }, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 100 {
		t.Fatalf("fired = %d, want 100 (only the replacement should run)", got)
	}
}

func TestClearCancelsTimer(t *testing.T) {
	r := New()
	var fired atomic.Bool
	r.Set("ping", func() { fired.Store(true) }, 20*time.Millisecond)
	r.Clear("ping")
	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("timer fired after Clear")
	}
	if r.Active("ping") {
		t.Fatalf("Active(\"ping\") should be false after Clear")
	}
}

func TestClearAllStopsEverything(t *testing.T) {
	r := New()
	var count atomic.Int32
	r.Set("a", func() { count.Add(1) }, 10*time.Millisecond)
	r.SetInterval("b", func() { count.Add(1) }, 10*time.Millisecond)
	r.ClearAll()

	if r.Count() != 0 {
		t.Fatalf("Count() = %d after ClearAll, want 0", r.Count())
	}

	before := count.Load()
	time.Sleep(50 * time.Millisecond)
	if after := count.Load(); after != before {
		t.Fatalf("timers fired after ClearAll: before=%d after=%d", before, after)
	}
}

func TestSetIntervalFiresRepeatedly(t *testing.T) {
	r := New()
	var count atomic.Int32
	r.SetInterval("tick", func() { count.Add(1) }, 10*time.Millisecond)
	time.Sleep(55 * time.Millisecond)
	r.Clear("tick")
	if count.Load() < 3 {
		t.Fatalf("interval fired %d times in 55ms at 10ms period, expected >=3", count.Load())
	}
}
