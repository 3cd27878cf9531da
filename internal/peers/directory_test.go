package peers

import (
	"testing"
	"time"

	"syncroom/internal/transport"
)

type fakeTransport struct {
	id   string
	sent [][]byte
}

func (f *fakeTransport) PeerID() string               { return f.id }
func (f *fakeTransport) Send(data []byte) error        { f.sent = append(f.sent, data); return nil }
func (f *fakeTransport) BufferedAmount() uint64        { return 0 }
func (f *fakeTransport) Close() error                  { return nil }
func (f *fakeTransport) OnOpen(fn func())               {}
func (f *fakeTransport) OnMessage(fn func(data []byte)) {}
func (f *fakeTransport) OnClose(fn func())              {}
func (f *fakeTransport) OnError(fn func(err error))     {}
func (f *fakeTransport) ConnectionType() transport.ConnectionType {
	return transport.ConnectionTypeLocal
}

func TestJoinAllocatesLowestFreeSlot(t *testing.T) {
	d := New(3, nil)
	p1, _, err := d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"})
	if err != nil {
		t.Fatalf("Join conn-1: %v", err)
	}
	if p1.Slot != 1 {
		t.Fatalf("first join slot = %d, want 1", p1.Slot)
	}
	p2, _, err := d.Join("conn-2", "bob", &fakeTransport{id: "conn-2"})
	if err != nil {
		t.Fatalf("Join conn-2: %v", err)
	}
	if p2.Slot != 2 {
		t.Fatalf("second join slot = %d, want 2", p2.Slot)
	}
}

func TestJoinFailsWhenSessionFull(t *testing.T) {
	d := New(1, nil)
	if _, _, err := d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"}); err != nil {
		t.Fatalf("Join conn-1: %v", err)
	}
	if _, _, err := d.Join("conn-2", "bob", &fakeTransport{id: "conn-2"}); err != ErrSessionFull {
		t.Fatalf("Join conn-2 = %v, want ErrSessionFull", err)
	}
}

func TestJoinDisplacesStaleSameLabelConnection(t *testing.T) {
	d := New(3, nil)
	p1, _, err := d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"})
	if err != nil {
		t.Fatalf("Join conn-1: %v", err)
	}

	p2, displaced, err := d.Join("conn-2", "alice", &fakeTransport{id: "conn-2"})
	if err != nil {
		t.Fatalf("Join conn-2: %v", err)
	}
	if displaced == nil || displaced.ID != p1.ID {
		t.Fatalf("expected conn-1 to be displaced, got %+v", displaced)
	}
	if p2.Slot != p1.Slot {
		t.Fatalf("reconnect should reuse slot %d, got %d", p1.Slot, p2.Slot)
	}
	if _, ok := d.Get("conn-1"); ok {
		t.Fatalf("conn-1 should have been removed from the directory")
	}
}

func TestLeaveFreesSlotForNewLabel(t *testing.T) {
	d := New(1, nil)
	if _, _, err := d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"}); err != nil {
		t.Fatalf("Join conn-1: %v", err)
	}
	if _, ok := d.Leave("conn-1"); !ok {
		t.Fatalf("Leave conn-1 should report found")
	}
	p, _, err := d.Join("conn-2", "bob", &fakeTransport{id: "conn-2"})
	if err != nil {
		t.Fatalf("Join conn-2 after Leave: %v", err)
	}
	if p.Slot != 1 {
		t.Fatalf("freed slot should be reused, got %d", p.Slot)
	}
}

func TestSweepStaleRemovesExpiredHeartbeats(t *testing.T) {
	d := New(3, nil)
	if _, _, err := d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	p, _ := d.Get("conn-1")
	p.LastHeartbeat = time.Now().Add(-HeartbeatTimeout - time.Second)

	stale := d.SweepStale(time.Now())
	if len(stale) != 1 || stale[0].ID != "conn-1" {
		t.Fatalf("SweepStale = %+v, want [conn-1]", stale)
	}
	if d.Count() != 0 {
		t.Fatalf("Count() = %d after sweep, want 0", d.Count())
	}
}

func TestListOrdersBySlot(t *testing.T) {
	d := New(3, nil)
	d.Join("conn-2", "bob", &fakeTransport{id: "conn-2"})
	d.Join("conn-1", "alice", &fakeTransport{id: "conn-1"})
	list := d.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].Label != "bob" || list[1].Label != "alice" {
		t.Fatalf("List() not ordered by slot: %+v", list)
	}
}
