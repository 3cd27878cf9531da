package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"syncroom/internal/chunkstore"
	"syncroom/internal/config"
	"syncroom/internal/peers"
	"syncroom/internal/playback"
	"syncroom/internal/preload"
	"syncroom/internal/protocol"
	"syncroom/internal/recovery"
	"syncroom/internal/relay"
	"syncroom/internal/sessionid"
	syncengine "syncroom/internal/sync"
	"syncroom/internal/timers"
	"syncroom/internal/transfer"
	"syncroom/internal/transport"
)

// Device owns every subsystem a syncroom process needs, whether it ends up
// acting as host or guest. Directory is non-nil only when IsHost is true:
// guests have no peers of their own to track (spec §9, the
// global-mutable-state-to-ownership-struct design note).
type Device struct {
	ID       string
	Label    string
	IsHost   bool
	Config   config.Config
	Logger   *slog.Logger
	Bus      *EventBus

	Timers    *timers.Registry
	Store     *chunkstore.Store
	Clock     *sessionid.Clock
	Directory *peers.Directory // host-only
	Transfer  *transfer.Engine
	Preload   *preload.Engine
	Recovery  *recovery.Engine
	Relay     *relay.Engine
	Sync      *syncengine.Engine
	Playback  *playback.Controller

	mu          sync.Mutex
	connections map[string]*transport.PeerConnection
	isOperator  bool
	router      *router
}

// New constructs a Device with every subsystem wired up, either as host or
// guest depending on isHost. baseDir is the chunk store's root directory.
func New(id, label string, isHost bool, cfg config.Config, baseDir string, sink playback.Sink, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", id, "host", isHost)

	store, err := chunkstore.New(baseDir, logger)
	if err != nil {
		return nil, fmt.Errorf("device: create chunk store: %w", err)
	}

	reg := timers.New()
	backoff := make([]time.Duration, 0, len(cfg.RecoveryBackoffMs))
	for _, ms := range cfg.RecoveryBackoffMs {
		backoff = append(backoff, time.Duration(ms)*time.Millisecond)
	}

	d := &Device{
		ID:          id,
		Label:       label,
		IsHost:      isHost,
		Config:      cfg,
		Logger:      logger,
		Bus:         NewEventBus(),
		Timers:      reg,
		Store:       store,
		Clock:       sessionid.New(),
		Transfer:    transfer.New(store, cfg.ChunkSize, logger),
		Preload:     preload.New(reg, logger),
		Recovery:    recovery.New(reg, backoff, logger),
		Relay:       relay.New(store, reg, logger),
		Sync:        syncengine.New(reg, cfg.UsePingCompensation, logger),
		Playback:    playback.New(reg, sink),
		connections: make(map[string]*transport.PeerConnection),
	}
	if isHost {
		d.Directory = peers.New(cfg.MaxGuestSlots, logger)
	}
	d.router = newRouter(d)
	return d, nil
}

// AddConnection registers a newly established peer connection under
// peerID, wires the Protocol Router into its OnMessage callback, and
// publishes a "peer.connected" event.
func (d *Device) AddConnection(peerID string, pc *transport.PeerConnection) {
	d.mu.Lock()
	d.connections[peerID] = pc
	d.mu.Unlock()
	pc.OnMessage(func(data []byte) {
		d.router.Dispatch(peerID, pc, data)
	})
	d.Bus.Publish("peer.connected", peerID)
}

// RemoveConnection closes and forgets a peer connection.
func (d *Device) RemoveConnection(peerID string) {
	d.mu.Lock()
	pc, ok := d.connections[peerID]
	delete(d.connections, peerID)
	d.mu.Unlock()
	if ok {
		_ = pc.Close()
	}
	if d.Directory != nil {
		d.Directory.Leave(peerID)
	}
	if d.Relay != nil {
		d.Relay.RemoveDownstream(peerID)
	}
	d.Bus.Publish("peer.disconnected", peerID)
}

// Connection returns the peer connection for peerID, if any.
func (d *Device) Connection(peerID string) (*transport.PeerConnection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.connections[peerID]
	return pc, ok
}

// ConnectionCount reports how many live peer connections this device has.
func (d *Device) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}

// StartLivenessSweep runs the host's stale-peer sweep (spec §4.4) every
// third of the configured heartbeat timeout until ctx is cancelled.
func (d *Device) StartLivenessSweep(ctx context.Context) {
	if d.Directory == nil {
		return
	}
	timeout := time.Duration(d.Config.HeartbeatTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stale := range d.Directory.SweepStale(time.Now()) {
				d.Logger.Info("peer timed out, closing", "peer", stale.ID)
				d.RemoveConnection(stale.ID)
				msg, err := protocol.EncodeMessage(protocol.Message{Type: protocol.TagDeviceListUpdate, Devices: d.Directory.List()})
				if err == nil {
					d.Directory.Broadcast(msg, "")
				}
			}
		}
	}
}

// LeaveSession tears down everything scoped to the current session: every
// timer is cancelled, every connection closed, and both chunk store slots
// reset (spec §9, "leave_session()" semantics — "no orphaned timers" is
// the invariant this exists to keep). The playback controller's state is
// not changed here; it stays whatever it was before the call.
func (d *Device) LeaveSession() {
	d.Timers.ClearAll()

	d.mu.Lock()
	conns := make([]*transport.PeerConnection, 0, len(d.connections))
	for _, pc := range d.connections {
		conns = append(conns, pc)
	}
	d.connections = make(map[string]*transport.PeerConnection)
	d.mu.Unlock()
	for _, pc := range conns {
		_ = pc.Close()
	}

	d.Store.Reset(chunkstore.SlotCurrent)
	d.Store.Reset(chunkstore.SlotPreload)

	d.Recovery.CancelOnTrackChange(0)
	d.Bus.Publish("session.left", d.ID)
}

// Close releases the device's background resources (chunk store worker,
// every timer). The device is unusable afterward.
func (d *Device) Close() {
	d.Timers.ClearAll()
	d.Store.Close()
}
