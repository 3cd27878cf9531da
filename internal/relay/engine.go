// Package relay implements the Relay Engine (spec §4.8): a device with
// downstream peers of its own forwards chunks it receives from upstream,
// and feeds late-joining or fallen-behind downstreams via a catch-up pump
// that reads directly out of the local Chunk Store.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"syncroom/internal/chunkstore"
	"syncroom/internal/protocol"
	"syncroom/internal/timers"
	"syncroom/internal/transport"
)

// catchUpChunksPerSecond paces a catch-up pump's sends so that bringing one
// slow downstream back up to speed cannot flood it faster than the live
// fan-out itself would have (spec §4.8).
const catchUpChunksPerSecond = 100

// Circuit breaker thresholds for per-downstream send health, the same
// shape as the teacher's per-client datagram circuit breaker.
const (
	breakerThreshold     = 5
	breakerProbeInterval = 20
)

// sendHealth tracks per-downstream send success and implements a
// lightweight circuit breaker so a relay stops wasting effort fanning out
// to an unreachable downstream.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < breakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%breakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= breakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// PumpState is the catch-up pump's state machine (spec §4.8's
// OPFS-equivalent catch-up pump, realized here as reads against the local
// Chunk Store instead of a browser-private filesystem).
type PumpState int

const (
	PumpIdle PumpState = iota
	PumpAwaitingRead
	PumpWriting
)

// stuckReadRetry is how long the pump waits before retrying a chunk that
// is not yet available in the store (spec §4.8).
const stuckReadRetry = 6 * time.Second

type downstream struct {
	id      string
	target  transport.Transporter
	health  sendHealth
	limiter *rate.Limiter

	mu          sync.Mutex
	pump        PumpState
	filename    string
	sessionID   uint64
	nextChunk   int
	totalChunks int
	chunkSize   int
	slot        chunkstore.Slot
}

// Engine owns the set of downstream peers attached below this device in
// the fan-out tree, plus the local Chunk Store used to catch them up.
type Engine struct {
	store   *chunkstore.Store
	timers  *timers.Registry
	logger  *slog.Logger

	mu          sync.Mutex
	downstreams map[string]*downstream
}

// New creates a Relay Engine with no downstreams yet.
func New(store *chunkstore.Store, registry *timers.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		timers:      registry,
		logger:      logger.With("component", "relay"),
		downstreams: make(map[string]*downstream),
	}
}

// AddDownstream attaches a new peer to this device's fan-out tree.
func (e *Engine) AddDownstream(id string, target transport.Transporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downstreams[id] = &downstream{
		id:      id,
		target:  target,
		limiter: rate.NewLimiter(rate.Limit(catchUpChunksPerSecond), catchUpChunksPerSecond/4),
	}
}

// RemoveDownstream detaches a peer and stops any catch-up pump running for
// it.
func (e *Engine) RemoveDownstream(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.downstreams, id)
	e.timers.Clear("catchup-" + id)
}

// DownstreamCount reports how many peers this device currently relays to.
func (e *Engine) DownstreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.downstreams)
}

// RelayChunk forwards an inbound chunk frame's raw bytes to every healthy
// downstream. Each send gets its own cloned copy of data: a transport
// implementation may reuse or take ownership of the buffer it is handed,
// so sharing one slice across multiple sends would be unsafe (spec §4.8).
func (e *Engine) RelayChunk(data []byte) {
	e.mu.Lock()
	targets := make([]*downstream, 0, len(e.downstreams))
	for _, d := range e.downstreams {
		targets = append(targets, d)
	}
	e.mu.Unlock()

	for _, d := range targets {
		if d.health.shouldSkip() {
			continue
		}
		cp := protocol.CloneBytes(data)
		if err := d.target.Send(cp); err != nil {
			n := d.health.recordFailure()
			if n == breakerThreshold {
				e.logger.Warn("relay circuit breaker open", "downstream", d.id)
			}
		} else if d.health.recordSuccess() {
			e.logger.Info("relay circuit breaker closed", "downstream", d.id)
		}
	}
}

// StartCatchUp begins feeding downstreamID with filename's chunks starting
// at fromChunk, read directly from the local Chunk Store, used when a
// downstream joins mid-transfer or has fallen too far behind the live
// broadcast to catch up from it alone.
func (e *Engine) StartCatchUp(downstreamID, filename string, sessionID uint64, fromChunk, totalChunks, chunkSize int, slot chunkstore.Slot) error {
	e.mu.Lock()
	d, ok := e.downstreams[downstreamID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: unknown downstream %s", downstreamID)
	}

	d.mu.Lock()
	d.filename = filename
	d.sessionID = sessionID
	d.nextChunk = fromChunk
	d.totalChunks = totalChunks
	d.chunkSize = chunkSize
	d.slot = slot
	d.pump = PumpAwaitingRead
	d.mu.Unlock()

	go e.pumpStep(d)
	return nil
}

func (e *Engine) pumpStep(d *downstream) {
	e.mu.Lock()
	attached := e.downstreams[d.id] == d
	e.mu.Unlock()
	if !attached {
		return
	}

	d.mu.Lock()
	if d.pump != PumpAwaitingRead {
		d.mu.Unlock()
		return
	}
	idx := d.nextChunk
	total := d.totalChunks
	chunkSize := d.chunkSize
	filename := d.filename
	sessionID := d.sessionID
	slot := d.slot
	d.mu.Unlock()

	if idx >= total {
		d.mu.Lock()
		d.pump = PumpIdle
		d.mu.Unlock()
		e.timers.Clear("catchup-" + d.id)
		return
	}

	requiredBytes := int64(idx+1) * int64(chunkSize)
	if e.store.BytesWritten(slot) < requiredBytes && idx != total-1 {
		// Chunk not written yet: arm the stuck-read retry instead of
		// busy-looping against the store.
		e.timers.Set("catchup-"+d.id, func() { e.pumpStep(d) }, stuckReadRetry)
		return
	}

	if err := d.limiter.Wait(context.Background()); err != nil {
		return
	}

	data, err := e.store.Read(slot, filename, sessionID, idx, "catchup-"+d.id)
	if err != nil {
		e.logger.Debug("catch-up read failed, retrying", "downstream", d.id, "chunk", idx, "err", err)
		e.timers.Set("catchup-"+d.id, func() { e.pumpStep(d) }, stuckReadRetry)
		return
	}

	d.mu.Lock()
	d.pump = PumpWriting
	d.mu.Unlock()

	frame := protocol.ChunkFrame{
		Kind:      protocol.ChunkKindFile,
		SessionID: sessionID,
		Index:     uint32(idx),
		Total:     uint32(total),
		Name:      filename,
		Payload:   data,
	}
	if err := d.target.Send(frame.Encode()); err != nil {
		d.health.recordFailure()
		e.logger.Debug("catch-up send failed", "downstream", d.id, "chunk", idx, "err", err)
	} else {
		d.health.recordSuccess()
	}

	d.mu.Lock()
	d.nextChunk++
	d.pump = PumpAwaitingRead
	d.mu.Unlock()

	go e.pumpStep(d)
}

// PumpStateOf reports the current catch-up pump state for a downstream,
// for diagnostics.
func (e *Engine) PumpStateOf(downstreamID string) (PumpState, bool) {
	e.mu.Lock()
	d, ok := e.downstreams[downstreamID]
	e.mu.Unlock()
	if !ok {
		return PumpIdle, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pump, true
}
