// Package peers implements the host-side Peer Directory (spec §4.4): slot
// bookkeeping for up to MaxGuestSlots guests, duplicate-connection
// arbitration on reconnect, and heartbeat-driven liveness tracking. Only a
// device acting as host constructs a Directory; guests have no peers of
// their own to track.
package peers

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"syncroom/internal/protocol"
	"syncroom/internal/transport"
)

// ErrSessionFull is returned by Join when every guest slot is occupied;
// occupants are not checked for staleness here (SweepStale frees slots).
var ErrSessionFull = errors.New("peers: session full")

// HeartbeatTimeout is how long a peer may go without a heartbeat before
// SweepStale considers it dead (spec §4.4).
const HeartbeatTimeout = 15 * time.Second

// ProbeDelay is the settle time for ICE before a peer's connection type is
// classified (spec §4.4). The directory does not schedule that probe
// itself and nothing in this package waits on ProbeDelay; it only records
// a classification handed to it through SetConnectionType.
const ProbeDelay = 1500 * time.Millisecond

// Peer is one connected guest (or, conceptually, the host's own entry)
// tracked by the directory.
type Peer struct {
	ID             string
	Label          string
	Slot           int
	IsHost         bool
	IsOperator     bool
	ConnectionType transport.ConnectionType
	JoinedAt       time.Time
	LastHeartbeat  time.Time
	Transport      transport.Transporter
}

// Directory is the host's bookkeeping of every connected peer, keyed by
// both connection id and slot number.
type Directory struct {
	mu sync.Mutex

	maxSlots int
	byID     map[string]*Peer
	bySlot   map[int]*Peer

	// preferredSlot remembers which slot a label last occupied, so a
	// reconnecting device (same label, new connection id) returns to the
	// same slot instead of the lowest free one.
	preferredSlot map[string]int

	logger *slog.Logger
}

// New creates an empty Directory allowing up to maxSlots simultaneous
// guests.
func New(maxSlots int, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		maxSlots:      maxSlots,
		byID:          make(map[string]*Peer),
		bySlot:        make(map[int]*Peer),
		preferredSlot: make(map[string]int),
		logger:        logger.With("component", "peers"),
	}
}

// Join admits a new connection, allocating it a slot. If label previously
// held a slot and that slot is still occupied by a stale or otherwise
// same-label connection, the old connection is displaced: FORCE_CLOSE_DUPLICATE
// is sent to it and it is removed before the new one takes the slot. The
// displaced peer, if any, is returned alongside the new one so the caller
// can actually close its transport.
func (d *Directory) Join(id, label string, tr transport.Transporter) (peer *Peer, displaced *Peer, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byID[id]; ok {
		return existing, nil, nil
	}

	slot := 0
	if preferred, ok := d.preferredSlot[label]; ok {
		if occupant, taken := d.bySlot[preferred]; !taken {
			slot = preferred
		} else if occupant.Label == label {
			// Same label reconnecting into its own previous slot: the old
			// connection is a stale duplicate and must be displaced.
			displaced = occupant
			delete(d.byID, occupant.ID)
			delete(d.bySlot, preferred)
			slot = preferred
		}
	}

	if slot == 0 {
		for s := 1; s <= d.maxSlots; s++ {
			if _, taken := d.bySlot[s]; !taken {
				slot = s
				break
			}
		}
	}
	if slot == 0 {
		return nil, nil, ErrSessionFull
	}
	if displaced != nil && displaced.Transport != nil {
		if msg, err := protocol.EncodeMessage(protocol.Message{Type: protocol.TagForceCloseDuplicate}); err == nil {
			_ = displaced.Transport.Send(msg)
		}
	}

	peer = &Peer{
		ID:             id,
		Label:          label,
		Slot:           slot,
		ConnectionType: transport.ConnectionTypeUnknown,
		JoinedAt:       time.Now(),
		LastHeartbeat:  time.Now(),
		Transport:      tr,
	}
	d.byID[id] = peer
	d.bySlot[slot] = peer
	d.preferredSlot[label] = slot

	d.logger.Info("peer joined", "id", id, "label", label, "slot", slot, "displaced", displaced != nil)
	return peer, displaced, nil
}

// Leave removes a peer by connection id, freeing its slot. The preferred
// slot mapping for its label is retained so a later reconnect returns to
// the same slot.
func (d *Directory) Leave(id string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	delete(d.byID, id)
	delete(d.bySlot, peer.Slot)
	return peer, true
}

// Heartbeat records that peer id is still alive.
func (d *Directory) Heartbeat(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byID[id]; ok {
		p.LastHeartbeat = time.Now()
	}
}

// SetConnectionType records the classified link type for peer id, once
// ICE has had ProbeDelay to settle on a candidate pair.
func (d *Directory) SetConnectionType(id string, ct transport.ConnectionType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byID[id]; ok {
		p.ConnectionType = ct
	}
}

// SetOperator grants or revokes operator status for peer id.
func (d *Directory) SetOperator(id string, isOp bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byID[id]; ok {
		p.IsOperator = isOp
	}
}

// SweepStale returns every peer whose last heartbeat is older than
// HeartbeatTimeout and removes them from the directory. Callers are
// responsible for actually closing the returned peers' transports and
// notifying the rest of the room.
func (d *Directory) SweepStale(now time.Time) []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []*Peer
	for id, p := range d.byID {
		if now.Sub(p.LastHeartbeat) > HeartbeatTimeout {
			stale = append(stale, p)
			delete(d.byID, id)
			delete(d.bySlot, p.Slot)
		}
	}
	return stale
}

// Get returns the peer with the given connection id.
func (d *Directory) Get(id string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	return p, ok
}

// Count returns the number of currently connected peers.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}

// List returns every connected peer's directory entry, suitable for a
// DEVICE_LIST_UPDATE broadcast. Order is by slot ascending.
func (d *Directory) List() []protocol.DeviceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.DeviceEntry, 0, len(d.bySlot))
	for s := 1; s <= d.maxSlots; s++ {
		p, ok := d.bySlot[s]
		if !ok {
			continue
		}
		out = append(out, protocol.DeviceEntry{
			ID:             p.ID,
			Label:          p.Label,
			Status:         "connected",
			IsHost:         p.IsHost,
			IsOp:           p.IsOperator,
			ConnectionType: string(p.ConnectionType),
		})
	}
	return out
}

// Broadcast sends msg to every connected peer's transport, logging and
// continuing past any individual send failure.
func (d *Directory) Broadcast(msg []byte, exceptID string) {
	d.mu.Lock()
	targets := make([]*Peer, 0, len(d.byID))
	for id, p := range d.byID {
		if id == exceptID {
			continue
		}
		targets = append(targets, p)
	}
	d.mu.Unlock()

	for _, p := range targets {
		if err := p.Transport.Send(msg); err != nil {
			d.logger.Debug("broadcast send failed", "peer", p.ID, "err", fmt.Sprint(err))
		}
	}
}
