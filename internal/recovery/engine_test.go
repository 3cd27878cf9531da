package recovery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"syncroom/internal/chunkstore"
	"syncroom/internal/timers"
)

func TestStartRetriesAtBackoffSchedule(t *testing.T) {
	e := New(timers.New(), []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}, slog.Default())
	var attempts atomic.Int32
	exhausted := make(chan struct{})

	e.Start(1, func(attempt int) { attempts.Add(1) }, func() { close(exhausted) })

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatalf("recovery loop did not exhaust retries in time")
	}
	if attempts.Load() != int32(MaxRetries) {
		t.Fatalf("attempts = %d, want %d", attempts.Load(), MaxRetries)
	}
}

func TestSucceedStopsRetryLoop(t *testing.T) {
	e := New(timers.New(), []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, slog.Default())
	var attempts atomic.Int32
	e.Start(1, func(attempt int) {
		attempts.Add(1)
		e.Succeed()
	}, func() { t.Fatalf("should not exhaust after Succeed") })

	time.Sleep(80 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1 (loop should have stopped after Succeed)", attempts.Load())
	}
}

func TestCancelOnTrackChangeStopsPendingRetry(t *testing.T) {
	e := New(timers.New(), []time.Duration{20 * time.Millisecond}, slog.Default())
	var attempts atomic.Int32
	e.Start(1, func(attempt int) { attempts.Add(1) }, func() {})
	e.CancelOnTrackChange(2)

	time.Sleep(60 * time.Millisecond)
	if attempts.Load() != 0 {
		t.Fatalf("attempts = %d, want 0 (cancelled before firing)", attempts.Load())
	}
}

func TestResolveRequestCurrentFile(t *testing.T) {
	store, err := chunkstore.New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	t.Cleanup(store.Close)

	if got := ResolveRequestCurrentFile(store, chunkstore.SlotCurrent, "track.mp3", 1, 8); got != StatusNone {
		t.Fatalf("ResolveRequestCurrentFile with no lock = %v, want StatusNone", got)
	}

	if err := store.Start(chunkstore.SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Write(chunkstore.SlotCurrent, "track.mp3", 1, 0, []byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := ResolveRequestCurrentFile(store, chunkstore.SlotCurrent, "track.mp3", 1, 8); got != StatusPartial {
		t.Fatalf("ResolveRequestCurrentFile partial = %v, want StatusPartial", got)
	}

	if err := store.Write(chunkstore.SlotCurrent, "track.mp3", 1, 1, []byte("efgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := ResolveRequestCurrentFile(store, chunkstore.SlotCurrent, "track.mp3", 1, 8); got != StatusFull {
		t.Fatalf("ResolveRequestCurrentFile full = %v, want StatusFull", got)
	}
}

type recFakeTarget struct {
	id       string
	received [][]byte
}

func (f *recFakeTarget) PeerID() string        { return f.id }
func (f *recFakeTarget) BufferedAmount() uint64 { return 0 }
func (f *recFakeTarget) Send(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.received = append(f.received, cp)
	return nil
}

func TestServeFromChunkSendsRemainingChunks(t *testing.T) {
	store, err := chunkstore.New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Start(chunkstore.SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Write(chunkstore.SlotCurrent, "track.mp3", 1, 0, []byte("abcd")); err != nil {
		t.Fatalf("Write 0: %v", err)
	}
	if err := store.Write(chunkstore.SlotCurrent, "track.mp3", 1, 1, []byte("efgh")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}

	target := &recFakeTarget{id: "peer-1"}
	if err := ServeFromChunk(context.Background(), store, chunkstore.SlotCurrent, "track.mp3", 1, 1, 2, 4, target); err != nil {
		t.Fatalf("ServeFromChunk: %v", err)
	}
	if len(target.received) != 1 {
		t.Fatalf("received %d chunks, want 1 (only index 1)", len(target.received))
	}
}
