// Package recovery implements the Recovery Engine (spec §4.7): a guest's
// bounded, backing-off retries after a stalled or failed transfer, and the
// host's response to REQUEST_CURRENT_FILE/REQUEST_DATA_RECOVERY — serving
// whatever the Chunk Store currently holds, full or partial.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"syncroom/internal/chunkstore"
	"syncroom/internal/protocol"
	"syncroom/internal/timers"
	"syncroom/internal/transfer"
)

// DefaultBackoff is the guest-side retry schedule from spec §4.7: 2s, 5s,
// 10s, with no further retries after that.
var DefaultBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// MaxRetries bounds how many recovery attempts a guest makes before giving
// up and surfacing the failure.
const MaxRetries = 3

// Engine drives the guest-side backoff loop. A device only ever has one
// recovery attempt in flight at a time, tracked by session id so a track
// change cancels any recovery left over from the previous track.
type Engine struct {
	timers  *timers.Registry
	backoff []time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	active  bool
	session uint64
	attempt int
}

// New creates a Recovery Engine using registry for its retry timer and
// backoff as the per-attempt delay schedule (falls back to DefaultBackoff
// if empty).
func New(registry *timers.Registry, backoff []time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Engine{timers: registry, backoff: backoff, logger: logger.With("component", "recovery")}
}

// Start begins (or restarts) the retry loop for sessionID. onAttempt is
// called with the 1-based attempt number each time a retry fires;
// onExhausted is called once MaxRetries have fired with no successful
// recovery (the caller is expected to have called Succeed in between any
// attempt that worked, which stops the loop before exhaustion).
func (e *Engine) Start(sessionID uint64, onAttempt func(attempt int), onExhausted func()) {
	e.mu.Lock()
	e.active = true
	e.session = sessionID
	e.attempt = 0
	e.mu.Unlock()
	e.scheduleNext(sessionID, onAttempt, onExhausted)
}

func (e *Engine) scheduleNext(sessionID uint64, onAttempt func(int), onExhausted func()) {
	e.mu.Lock()
	attempt := e.attempt
	e.mu.Unlock()
	if attempt >= MaxRetries {
		onExhausted()
		return
	}
	delay := e.backoff[len(e.backoff)-1]
	if attempt < len(e.backoff) {
		delay = e.backoff[attempt]
	}
	e.timers.Set("recovery", func() {
		e.mu.Lock()
		if !e.active || e.session != sessionID {
			e.mu.Unlock()
			return
		}
		e.attempt++
		next := e.attempt
		e.mu.Unlock()

		onAttempt(next)
		e.scheduleNext(sessionID, onAttempt, onExhausted)
	}, delay)
}

// Succeed stops the retry loop after a recovery attempt lands.
func (e *Engine) Succeed() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	e.timers.Clear("recovery")
}

// CancelOnTrackChange aborts any in-flight recovery loop because the
// session has moved on to a new track; a stale retry must never fire
// against the new session.
func (e *Engine) CancelOnTrackChange(newSessionID uint64) {
	e.mu.Lock()
	e.active = false
	e.session = newSessionID
	e.mu.Unlock()
	e.timers.Clear("recovery")
}

// Attempt returns how many retries have fired since the last Start (0
// before the first one fires); the count is kept after the loop stops.
func (e *Engine) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

// CurrentFileStatus classifies what the host can offer in response to a
// REQUEST_CURRENT_FILE.
type CurrentFileStatus int

const (
	StatusNone CurrentFileStatus = iota
	StatusPartial
	StatusFull
)

// ResolveRequestCurrentFile inspects the host's Chunk Store to decide how
// to answer a REQUEST_CURRENT_FILE/REQUEST_DATA_RECOVERY for filename under
// sessionID. declaredTotal is the transfer's expected size in bytes (0 if
// unknown, in which case the store can never report StatusFull since it
// has no way to know the transfer is complete).
func ResolveRequestCurrentFile(store *chunkstore.Store, slot chunkstore.Slot, filename string, sessionID uint64, declaredTotal int64) CurrentFileStatus {
	if !store.IsLocked(slot) || store.LockedSession(slot) != sessionID {
		return StatusNone
	}
	if declaredTotal > 0 && store.BytesWritten(slot) >= declaredTotal {
		return StatusFull
	}
	return StatusPartial
}

// ServeFromChunk streams filename's chunks from fromChunk (inclusive)
// through totalChunks-1, reading each one out of the Chunk Store and
// sending it as a binary ChunkFrame to target, respecting the same
// backpressure watermark as a live broadcast.
func ServeFromChunk(ctx context.Context, store *chunkstore.Store, slot chunkstore.Slot, filename string, sessionID uint64, fromChunk, totalChunks, chunkSize int, target transfer.Target) error {
	for idx := fromChunk; idx < totalChunks; idx++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		data, err := store.Read(slot, filename, sessionID, idx, "recovery")
		if err != nil {
			return fmt.Errorf("recovery: read chunk %d: %w", idx, err)
		}
		for target.BufferedAmount() > transfer.BackpressureWatermark {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		frame := protocol.ChunkFrame{
			Kind:      protocol.ChunkKindFile,
			SessionID: sessionID,
			Index:     uint32(idx),
			Total:     uint32(totalChunks),
			Name:      filename,
			Payload:   data,
		}
		if err := target.Send(frame.Encode()); err != nil {
			return fmt.Errorf("recovery: send chunk %d: %w", idx, err)
		}
	}
	return nil
}
