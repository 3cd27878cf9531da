package relay

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"syncroom/internal/chunkstore"
	"syncroom/internal/timers"
	"syncroom/internal/transport"
)

type fakeDownstream struct {
	id        string
	mu        sync.Mutex
	received  [][]byte
	failUntil int
	sendCount int
}

func (f *fakeDownstream) PeerID() string { return f.id }
func (f *fakeDownstream) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCount++
	if f.sendCount <= f.failUntil {
		return errors.New("send failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.received = append(f.received, cp)
	return nil
}
func (f *fakeDownstream) BufferedAmount() uint64                            { return 0 }
func (f *fakeDownstream) Close() error                                     { return nil }
func (f *fakeDownstream) OnOpen(fn func())                                  {}
func (f *fakeDownstream) OnMessage(fn func(data []byte))                    {}
func (f *fakeDownstream) OnClose(fn func())                                 {}
func (f *fakeDownstream) OnError(fn func(err error))                        {}
func (f *fakeDownstream) ConnectionType() transport.ConnectionType {
	return transport.ConnectionTypeLocal
}

func (f *fakeDownstream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestRelayChunkClonesBytesPerDownstream(t *testing.T) {
	e := New(nil, timers.New(), slog.Default())
	a := &fakeDownstream{id: "a"}
	b := &fakeDownstream{id: "b"}
	e.AddDownstream("a", a)
	e.AddDownstream("b", b)

	data := []byte("hello")
	e.RelayChunk(data)
	data[0] = 'X' // mutate after relay; clones must be unaffected

	if string(a.received[0]) != "hello" || string(b.received[0]) != "hello" {
		t.Fatalf("downstream received mutated shared buffer instead of a clone")
	}
}

func TestRelayChunkCircuitBreakerOpensAfterFailures(t *testing.T) {
	e := New(nil, timers.New(), slog.Default())
	d := &fakeDownstream{id: "a", failUntil: 1000}
	e.AddDownstream("a", d)

	for i := 0; i < breakerThreshold+breakerProbeInterval; i++ {
		e.RelayChunk([]byte("x"))
	}
	// Once tripped, sends beyond the threshold should be skipped except on
	// probe cadence, so sendCount should be well below the loop count.
	d.mu.Lock()
	sc := d.sendCount
	d.mu.Unlock()
	if sc >= breakerThreshold+breakerProbeInterval {
		t.Fatalf("circuit breaker did not reduce send attempts: sendCount=%d", sc)
	}
}

func TestStartCatchUpDeliversAvailableChunks(t *testing.T) {
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

	e := New(store, timers.New(), slog.Default())
	d := &fakeDownstream{id: "a"}
	e.AddDownstream("a", d)

	if err := e.StartCatchUp("a", "track.mp3", 1, 0, 2, 4, chunkstore.SlotCurrent); err != nil {
		t.Fatalf("StartCatchUp: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.count() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.count() != 2 {
		t.Fatalf("downstream received %d chunks, want 2", d.count())
	}
	state, ok := e.PumpStateOf("a")
	if !ok || state != PumpIdle {
		t.Fatalf("pump state = %v (ok=%v), want PumpIdle", state, ok)
	}
}

func TestRemoveDownstreamDetachesPeer(t *testing.T) {
	e := New(nil, timers.New(), slog.Default())
	d := &fakeDownstream{id: "a"}
	e.AddDownstream("a", d)
	e.RemoveDownstream("a")
	if e.DownstreamCount() != 0 {
		t.Fatalf("DownstreamCount() = %d, want 0", e.DownstreamCount())
	}
}
