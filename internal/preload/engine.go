// Package preload implements the Preload Engine (spec §4.6): deciding
// which track to stage next, debouncing that decision against rapid
// track-change requests, buffering chunks that arrive ahead of the
// receiving device having processed PRELOAD_START, and making sure each
// preload is acknowledged exactly once.
package preload

import (
	"log/slog"
	"sync"
	"time"

	"syncroom/internal/protocol"
	"syncroom/internal/timers"
)

// RepeatMode mirrors the wire values carried by REPEAT_MODE/STATUS_SYNC.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// DefaultDebounce is how long ScheduleNext waits after the last call before
// actually firing, coalescing bursts of track-change requests into one
// preload decision (spec §4.6).
const DefaultDebounce = 500 * time.Millisecond

// MaxEarlyChunks bounds how many out-of-turn preload chunks are buffered
// before PRELOAD_START has been processed. Exceeding it drops the whole
// buffer: a transfer that arrives this far ahead of its own header is
// assumed to be stale or misordered rather than recoverable (spec §4.6).
const MaxEarlyChunks = 128

// WatchdogTimeout is how long a preload may sit unfinalized before the
// watchdog logs a stall (spec §4.6).
const WatchdogTimeout = 30 * time.Second

// NextIndex applies the next-track selection rule: repeat-one always
// repeats the current track; shuffle consults order (the playlist indices
// in shuffle order); otherwise tracks advance sequentially. Returns -1 when
// there is no next track (end of a non-repeating playlist).
func NextIndex(current, playlistLen int, mode RepeatMode, shuffle bool, order []int) int {
	if playlistLen == 0 {
		return -1
	}
	if mode == RepeatOne {
		return current
	}
	if shuffle && len(order) > 0 {
		pos := indexOf(order, current)
		if pos == -1 {
			return order[0]
		}
		next := pos + 1
		if next >= len(order) {
			if mode == RepeatAll {
				return order[0]
			}
			return -1
		}
		return order[next]
	}
	next := current + 1
	if next >= playlistLen {
		if mode == RepeatAll {
			return 0
		}
		return -1
	}
	return next
}

func indexOf(order []int, v int) int {
	for i, x := range order {
		if x == v {
			return i
		}
	}
	return -1
}

// CacheKey identifies a specific (file, session) pairing cached by a peer,
// used by ShouldSkipPeer to avoid re-sending an already-cached preload.
type CacheKey struct {
	Filename  string
	SessionID uint64
}

// Engine tracks preload scheduling and acknowledgement state. It does not
// itself perform any network I/O; callers pass a fire function to
// ScheduleNext and send PRELOAD_START/PRELOAD_ACK themselves.
type Engine struct {
	timers *timers.Registry
	logger *slog.Logger

	mu          sync.Mutex
	acked       map[int]bool
	earlyChunks []protocol.ChunkFrame
}

// New creates a Preload Engine using registry for its debounce and
// watchdog timers.
func New(registry *timers.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		timers: registry,
		logger: logger.With("component", "preload"),
		acked:  make(map[int]bool),
	}
}

// ScheduleNext debounces a preload decision: calling it repeatedly within
// DefaultDebounce of the previous call resets the timer, so only the last
// call in a burst actually fires onFire(nextIndex).
func (e *Engine) ScheduleNext(nextIndex int, onFire func(index int)) {
	e.timers.Set("preload-schedule", func() { onFire(nextIndex) }, DefaultDebounce)
}

// StartWatchdog arms a one-shot timer that calls onStall if Finalize has
// not been called for index within WatchdogTimeout. Callers should cancel
// it (via the registry, name "preload-watchdog") once the preload
// finalizes normally.
func (e *Engine) StartWatchdog(index int, onStall func(index int)) {
	e.timers.Set("preload-watchdog", func() { onStall(index) }, WatchdogTimeout)
}

// CancelWatchdog stops the preload watchdog, e.g. once Finalize succeeds.
func (e *Engine) CancelWatchdog() {
	e.timers.Clear("preload-watchdog")
}

// BufferEarlyChunk stores a chunk frame that arrived before PRELOAD_START
// was processed. It returns false (and drops every buffered chunk,
// including frame) if the buffer would exceed MaxEarlyChunks.
func (e *Engine) BufferEarlyChunk(frame protocol.ChunkFrame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.earlyChunks)+1 > MaxEarlyChunks {
		e.logger.Warn("early preload chunk buffer overflow, dropping all buffered chunks", "count", len(e.earlyChunks))
		e.earlyChunks = nil
		return false
	}
	e.earlyChunks = append(e.earlyChunks, frame)
	return true
}

// FlushEarly returns and clears every chunk buffered by BufferEarlyChunk,
// for replay once PRELOAD_START has been processed.
func (e *Engine) FlushEarly() []protocol.ChunkFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.earlyChunks
	e.earlyChunks = nil
	return out
}

// Finalize reports whether this call is the first to finalize index: the
// caller should send exactly one PRELOAD_ACK, on the call where Finalize
// returns true.
func (e *Engine) Finalize(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acked[index] {
		return false
	}
	e.acked[index] = true
	return true
}

// ResetIndex clears acknowledgement tracking for index, allowing a future
// preload of the same index (e.g. after the playlist looped back) to be
// acknowledged again.
func (e *Engine) ResetIndex(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.acked, index)
}

// ShouldSkipPeer reports whether peerID already has key cached, per the
// per-peer cache table the caller maintains (host-side optimization to
// avoid re-sending an identical preload to a peer that already has it).
func ShouldSkipPeer(cache map[string]CacheKey, peerID string, key CacheKey) bool {
	have, ok := cache[peerID]
	return ok && have == key
}
