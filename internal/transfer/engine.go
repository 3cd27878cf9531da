// Package transfer implements the Transfer Engine (spec §4.5): it drives
// both the broadcast/unicast send paths for a file's chunks and the
// receive-path state machine (FILE_PREPARE/FILE_START/FILE_RESUME/
// FILE_CHUNK/FILE_END/FILE_WAIT).
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"syncroom/internal/chunkstore"
	"syncroom/internal/protocol"
	"syncroom/internal/reorder"
)

// DefaultChunksPerSecond caps how fast a single send loop offers chunks to
// its targets, on top of the buffered-amount backpressure check, so a very
// fast local disk read can never outrun what the data channel can actually
// drain (spec §4.5, "backpressure-aware broadcast").
const DefaultChunksPerSecond = 200

// BackpressureWatermark is the buffered-bytes threshold above which the
// send loop pauses before offering a target its next chunk (spec §4.5).
const BackpressureWatermark = 512 * 1024

// YieldEvery is how many chunks the broadcast loop sends before yielding
// the scheduler, so a large file transfer cannot starve other goroutines
// (spec §4.5, "periodic scheduler yield").
const YieldEvery = 50

// StallThreshold is how long the chunk watchdog tolerates no send
// progress before flagging a transfer as stalled (spec §4.5).
const StallThreshold = 5 * time.Second

// Target is the minimal send surface the engine needs from a peer
// connection; transport.Transporter satisfies it.
type Target interface {
	PeerID() string
	Send(data []byte) error
	BufferedAmount() uint64
}

// Relayer forwards a raw inbound chunk frame to this device's own
// downstreams; relay.Engine satisfies it. Kept as a capability interface so
// transfer never needs to import relay directly.
type Relayer interface {
	RelayChunk(data []byte)
}

// Engine drives outbound file transfers and inbound chunk assembly for one
// device. A host uses the send side; every device (host included, for its
// own playback) uses the receive side against its local chunk store.
type Engine struct {
	store     *chunkstore.Store
	chunkSize int
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu                     sync.Mutex
	activeBroadcastSession uint64
	lastProgress           atomic.Int64 // unix nanos of last successful chunk send
}

// New creates a Transfer Engine writing/reading through store, pacing sends
// at DefaultChunksPerSecond.
func New(store *chunkstore.Store, chunkSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		chunkSize: chunkSize,
		logger:    logger.With("component", "transfer"),
		limiter:   rate.NewLimiter(rate.Limit(DefaultChunksPerSecond), DefaultChunksPerSecond/4),
	}
}

// Watch runs the 1Hz chunk watchdog until ctx is cancelled, logging a
// warning whenever an active broadcast has made no progress for
// StallThreshold.
func (e *Engine) Watch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			active := e.activeBroadcastSession
			e.mu.Unlock()
			if active == 0 {
				continue
			}
			last := e.lastProgress.Load()
			if last != 0 && time.Since(time.Unix(0, last)) > StallThreshold {
				e.logger.Warn("transfer stalled", "session", active, "since", time.Unix(0, last))
			}
		}
	}
}

// SendPrepare announces an upcoming transfer without streaming any bytes
// yet: FILE_PREPARE lets a receiver arm its prepare watchdog and check
// whether it already has a matching preload staged, before the real
// transfer (FILE_START) begins (spec §4.5). Call this from the
// preload/playback layer ahead of BroadcastFile, not from BroadcastFile
// itself.
func (e *Engine) SendPrepare(filename, mime string, sessionID uint64, totalChunks int, sizeBytes int64, targets []Target) {
	msg := protocol.Message{
		Type:        protocol.TagFilePrepare,
		Name:        filename,
		Mime:        mime,
		TotalChunks: totalChunks,
		SizeBytes:   sizeBytes,
		SessionID:   sessionID,
	}
	e.sendControlToAll(msg, targets)
}

// BroadcastFile sends filename's data to every target, framed as FILE_START,
// one FILE_CHUNK per chunk, then FILE_END. sessionID is re-checked before
// every chunk: if a newer BroadcastFile call starts (activeBroadcastSession
// advances), this call aborts early rather than racing bytes from two
// sessions onto the wire.
func (e *Engine) BroadcastFile(ctx context.Context, filename, mime string, sessionID uint64, data []byte, targets []Target) error {
	e.mu.Lock()
	e.activeBroadcastSession = sessionID
	e.mu.Unlock()
	e.lastProgress.Store(time.Now().UnixNano())

	total := (len(data) + e.chunkSize - 1) / e.chunkSize
	if total == 0 {
		total = 1
	}

	start := protocol.Message{
		Type:        protocol.TagFileStart,
		Name:        filename,
		Mime:        mime,
		TotalChunks: total,
		SizeBytes:   int64(len(data)),
		SessionID:   sessionID,
	}
	e.sendControlToAll(start, targets)

	for idx := 0; idx < total; idx++ {
		if !e.stillActive(sessionID) {
			e.logger.Debug("broadcast aborted: superseded by newer session", "filename", filename, "session", sessionID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := idx * e.chunkSize
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		frame := protocol.ChunkFrame{
			Kind:      protocol.ChunkKindFile,
			SessionID: sessionID,
			Index:     uint32(idx),
			Total:     uint32(total),
			Name:      filename,
			Payload:   chunk,
		}
		encoded := frame.Encode()

		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		for _, t := range targets {
			e.waitForBackpressure(ctx, t)
			if err := t.Send(encoded); err != nil {
				e.logger.Debug("chunk send failed", "peer", t.PeerID(), "index", idx, "err", err)
			}
		}
		e.lastProgress.Store(time.Now().UnixNano())

		if idx%YieldEvery == YieldEvery-1 {
			runtime.Gosched()
		}
	}

	end := protocol.Message{
		Type:      protocol.TagFileEnd,
		Name:      filename,
		SizeBytes: int64(len(data)),
		SessionID: sessionID,
	}
	e.sendControlToAll(end, targets)

	e.mu.Lock()
	if e.activeBroadcastSession == sessionID {
		e.activeBroadcastSession = 0
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) stillActive(sessionID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeBroadcastSession == sessionID
}

func (e *Engine) waitForBackpressure(ctx context.Context, t Target) {
	for t.BufferedAmount() > BackpressureWatermark {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (e *Engine) sendControlToAll(msg protocol.Message, targets []Target) {
	encoded, err := protocol.EncodeMessage(msg)
	if err != nil {
		e.logger.Error("encode control message failed", "type", msg.Type, "err", err)
		return
	}
	for _, t := range targets {
		if err := t.Send(encoded); err != nil {
			e.logger.Debug("control send failed", "peer", t.PeerID(), "type", msg.Type, "err", err)
		}
	}
}

// UnicastFile sends a file to a single target, announced with FILE_RESUME
// from startChunk, without interrupting the broadcast to everyone else.
func (e *Engine) UnicastFile(ctx context.Context, filename, mime string, sessionID uint64, data []byte, startChunk int, target Target) error {
	total := (len(data) + e.chunkSize - 1) / e.chunkSize
	if total == 0 {
		total = 1
	}

	resume := protocol.Message{
		Type:        protocol.TagFileResume,
		Name:        filename,
		Mime:        mime,
		TotalChunks: total,
		SizeBytes:   int64(len(data)),
		SessionID:   sessionID,
		StartChunk:  startChunk,
	}
	encoded, err := protocol.EncodeMessage(resume)
	if err != nil {
		return fmt.Errorf("transfer: encode FILE_RESUME: %w", err)
	}
	if err := target.Send(encoded); err != nil {
		return fmt.Errorf("transfer: send FILE_RESUME: %w", err)
	}

	for idx := startChunk; idx < total; idx++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		start := idx * e.chunkSize
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		frame := protocol.ChunkFrame{
			Kind:      protocol.ChunkKindFile,
			SessionID: sessionID,
			Index:     uint32(idx),
			Total:     uint32(total),
			Name:      filename,
			Payload:   data[start:end],
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("transfer: rate limiter: %w", err)
		}
		e.waitForBackpressure(ctx, target)
		if err := target.Send(frame.Encode()); err != nil {
			return fmt.Errorf("transfer: send chunk %d: %w", idx, err)
		}
	}

	endMsg := protocol.Message{Type: protocol.TagFileEnd, Name: filename, SizeBytes: int64(len(data)), SessionID: sessionID}
	if encoded, err := protocol.EncodeMessage(endMsg); err == nil {
		_ = target.Send(encoded)
	}
	return nil
}

// ReceiveState tracks one in-progress inbound file transfer, bridging
// FILE_START/FILE_RESUME/FILE_CHUNK/FILE_END/FILE_WAIT messages into
// chunkstore operations. A fresh ReceiveState is created for every
// FILE_START/FILE_RESUME; the reorder buffer it owns guarantees chunks are
// written to the Chunk Store in strictly ascending order even when the
// data channel delivers them out of turn.
type ReceiveState struct {
	Filename    string
	SessionID   uint64
	TotalChunks int
	SizeBytes   int64
	Slot        chunkstore.Slot
	IsPreload   bool

	mu       sync.Mutex
	started  bool
	received int
	buf      *reorder.Buffer
}

// HandlePrepare begins tracking a new inbound transfer announced by
// FILE_START; it does not itself touch the chunk store (Start happens
// lazily on the first chunk so a transfer that is immediately superseded
// never allocates a slot).
func HandlePrepare(msg protocol.Message, slot chunkstore.Slot, isPreload bool) *ReceiveState {
	return &ReceiveState{
		Filename:    msg.Name,
		SessionID:   msg.SessionID,
		TotalChunks: msg.TotalChunks,
		SizeBytes:   msg.SizeBytes,
		Slot:        slot,
		IsPreload:   isPreload,
		buf:         reorder.New(),
	}
}

// HandleResume begins tracking a transfer resumed partway through by
// FILE_RESUME: chunks below msg.StartChunk are neither expected nor
// written.
func HandleResume(msg protocol.Message, slot chunkstore.Slot, isPreload bool) *ReceiveState {
	rs := HandlePrepare(msg, slot, isPreload)
	rs.buf.SkipTo(msg.StartChunk)
	rs.received = msg.StartChunk
	return rs
}

// ReceivedCount reports the index of the next chunk this receive state
// expects to write: chunks written so far, plus the StartChunk a resumed
// transfer skipped.
func (rs *ReceiveState) ReceivedCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.received
}

// HandleChunk inserts an inbound chunk frame into the reorder buffer and
// drains every chunk that is now contiguous, writing each one to the chunk
// store in order (Testable Property 1: no chunk is ever written out of
// order). It starts the slot lock lazily on the first chunk seen for this
// receive state, relays the raw encoded frame to relay (if non-nil) exactly
// once per inbound frame, and reports transfer progress. complete is true
// once every chunk has been written, at which point the slot is finalized
// via the store's End.
func (e *Engine) HandleChunk(rs *ReceiveState, frame protocol.ChunkFrame, raw []byte, relay Relayer) (percent int, complete bool, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.started {
		if err := e.store.Start(rs.Slot, rs.Filename, rs.SessionID, e.chunkSize); err != nil {
			return 0, false, fmt.Errorf("transfer: start receive slot: %w", err)
		}
		rs.started = true
	}

	rs.buf.Put(int(frame.Index), protocol.CloneBytes(frame.Payload))

	for _, chunk := range rs.buf.Drain() {
		idx := rs.received
		if werr := e.store.Write(rs.Slot, rs.Filename, rs.SessionID, idx, chunk); werr != nil {
			return 0, false, fmt.Errorf("transfer: write chunk %d: %w", idx, werr)
		}
		rs.received++
	}

	if relay != nil {
		relay.RelayChunk(raw)
	}

	if rs.TotalChunks > 0 {
		percent = rs.received * 100 / rs.TotalChunks
	}
	if rs.TotalChunks > 0 && rs.received >= rs.TotalChunks {
		if endErr := e.store.End(rs.Slot, rs.Filename, rs.SessionID, rs.SizeBytes); endErr != nil && !errors.Is(endErr, chunkstore.ErrNotLocked) {
			return percent, false, fmt.Errorf("transfer: finalize receive: %w", endErr)
		}
		complete = true
	}
	return percent, complete, nil
}

// HandleEnd finalizes the receive on an explicit FILE_END, verifying the
// declared size. If HandleChunk already auto-completed and released the
// slot (the common case, once the last chunk lands), the store reports
// ErrNotLocked; that is not a failure here, just a no-op.
func (e *Engine) HandleEnd(rs *ReceiveState) error {
	err := e.store.End(rs.Slot, rs.Filename, rs.SessionID, rs.SizeBytes)
	if errors.Is(err, chunkstore.ErrNotLocked) {
		return nil
	}
	return err
}
