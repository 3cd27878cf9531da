// Package chunkstore implements the per-device, session-scoped staged
// storage for received media bytes (spec §4.1). It accepts random-offset
// writes for a single file per slot, keyed by session, and serves random
// reads back out for relay fan-out and recovery resend.
//
// All disk I/O runs on one background worker goroutine with a command
// queue, so writes for one session never interleave with another — the
// concurrency model spec §5 asks for in place of the source's browser
// worker.
package chunkstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Slot is one of the two chunk-store lanes a device keeps: the track
// currently playing, and the next track being preloaded in the background.
type Slot int

const (
	SlotCurrent Slot = iota
	SlotPreload
)

func (s Slot) String() string {
	if s == SlotPreload {
		return "preload"
	}
	return "current"
}

// WriteMode records which on-disk writer implementation backed a slot.
// The spec allows either; this implementation always uses the streaming
// writer (plain *os.File with WriteAt), which already gives random-access
// semantics without needing a separate synchronous-handle code path.
type WriteMode int

const (
	WriteModeStreaming WriteMode = iota
	WriteModeSync
)

// Lock freshness windows from spec §5.
const (
	freshnessCurrent = 60 * time.Second
	freshnessPreload = 20 * time.Second
)

// flushEvery is how many chunk writes elapse between durable flushes
// (spec §4.1: "every 100 chunks, flush durably").
const flushEvery = 100

var (
	// ErrBadArgs is returned for invalid Start/Write/Read arguments.
	ErrBadArgs = errors.New("chunkstore: bad arguments")
	// ErrLocked is returned when Start targets a slot held by a fresh,
	// equal-or-newer session.
	ErrLocked = errors.New("chunkstore: slot locked")
	// ErrIntegrityFail is returned by End when the written file is
	// smaller than the declared size.
	ErrIntegrityFail = errors.New("chunkstore: integrity check failed")
	// ErrNotLocked is returned by operations that require an active lock
	// the caller does not currently hold.
	ErrNotLocked = errors.New("chunkstore: slot not locked")
)

type task struct {
	fn   func() error
	done chan error
}

// slotState is the in-memory bookkeeping for one (current|preload) lane.
type slotState struct {
	held         bool
	filename     string
	sessionID    uint64
	chunkSize    int
	file         *os.File
	path         string
	lockedAt     time.Time
	bytesWritten int64
	writesSince  int
	mode         WriteMode
}

// mismatchKey identifies one rejected (command, expectedSID, receivedSID,
// filename) tuple for the deduped-warning rule in spec §4.1.
type mismatchKey struct {
	command  string
	expected uint64
	received uint64
	filename string
}

// Store is a device's local chunk store, holding the current and preload
// slots.
type Store struct {
	baseDir  string
	instance string
	logger   *slog.Logger

	mu        sync.Mutex
	slots     map[Slot]*slotState
	warned    map[Slot]mismatchKey

	tasks chan task
	done  chan struct{}
}

// New creates a Store rooted at baseDir, starting a background I/O worker.
// baseDir is created if missing.
func New(baseDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create base dir: %w", err)
	}
	s := &Store{
		baseDir:  baseDir,
		instance: uuid.NewString(),
		logger:   logger.With("component", "chunkstore"),
		slots:    map[Slot]*slotState{SlotCurrent: {}, SlotPreload: {}},
		warned:   map[Slot]mismatchKey{},
		tasks:    make(chan task, 32),
		done:     make(chan struct{}),
	}
	go s.runWorker()
	return s, nil
}

// Close stops the background worker. Any in-flight tasks complete first.
func (s *Store) Close() {
	close(s.tasks)
	<-s.done
}

func (s *Store) runWorker() {
	defer close(s.done)
	for t := range s.tasks {
		t.done <- t.fn()
	}
}

// submit enqueues fn on the background worker and blocks for its result,
// modelling the "await a worker response" suspension point from spec §5.
func (s *Store) submit(fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	s.tasks <- t
	return <-t.done
}

// safeName replaces any byte outside [A-Za-z0-9._-] with '_', per spec §6.3.
func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *Store) filePath(slot Slot, filename string) string {
	prefix := "current"
	if slot == SlotPreload {
		prefix = "preload"
	}
	return filepath.Join(s.baseDir, fmt.Sprintf("%s_%s_%s", prefix, safeName(filename), s.instance))
}

func freshnessWindow(slot Slot) time.Duration {
	if slot == SlotPreload {
		return freshnessPreload
	}
	return freshnessCurrent
}

// Start acquires slot's lock, creating or truncating the backing file.
// It fails with ErrBadArgs on invalid inputs, or ErrLocked if the slot is
// held by a fresh session this caller's session id cannot preempt.
//
// Preemption: a strictly newer session id always displaces the current
// holder, regardless of freshness. An equal-or-older session id may only
// take the slot once the existing lock has aged past its freshness
// window (treated as abandoned).
func (s *Store) Start(slot Slot, filename string, sessionID uint64, chunkSize int) error {
	if filename == "" || chunkSize <= 0 {
		return ErrBadArgs
	}

	return s.submit(func() error {
		s.mu.Lock()
		st := s.slots[slot]
		if st.held {
			fresh := time.Since(st.lockedAt) <= freshnessWindow(slot)
			if sessionID <= st.sessionID && fresh {
				s.mu.Unlock()
				return ErrLocked
			}
		}
		s.mu.Unlock()

		if st.file != nil {
			_ = st.file.Close()
		}

		path := s.filePath(slot, filename)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("chunkstore: open %s: %w", path, err)
		}

		s.mu.Lock()
		*st = slotState{
			held:      true,
			filename:  filename,
			sessionID: sessionID,
			chunkSize: chunkSize,
			file:      f,
			path:      path,
			lockedAt:  time.Now(),
			mode:      WriteModeStreaming,
		}
		delete(s.warned, slot)
		s.mu.Unlock()

		s.logger.Debug("slot started", "slot", slot, "filename", filename, "session", sessionID)
		return nil
	})
}

// Write stores bytes at offset = chunkIndex*chunkSize. If filename/sessionID
// do not match the slot's current lock, the write is silently ignored and
// at most one deduped warning is logged per unique mismatch tuple (spec
// §4.1's session-mismatch guard), so session churn cannot flood logs.
func (s *Store) Write(slot Slot, filename string, sessionID uint64, chunkIndex int, data []byte) error {
	if chunkIndex < 0 {
		return ErrBadArgs
	}
	return s.submit(func() error {
		s.mu.Lock()
		st := s.slots[slot]
		if !st.held || st.filename != filename || st.sessionID != sessionID {
			key := mismatchKey{command: "write", expected: st.sessionID, received: sessionID, filename: filename}
			prev, warnedBefore := s.warned[slot]
			s.warned[slot] = key
			s.mu.Unlock()
			if !warnedBefore || prev != key {
				s.logger.Warn("write rejected: slot/session mismatch",
					"slot", slot, "expectedSession", key.expected, "receivedSession", key.received, "filename", filename)
			}
			return nil
		}
		file := st.file
		chunkSize := st.chunkSize
		s.mu.Unlock()

		offset := int64(chunkIndex) * int64(chunkSize)
		if _, err := file.WriteAt(data, offset); err != nil {
			return fmt.Errorf("chunkstore: write at %d: %w", offset, err)
		}

		s.mu.Lock()
		st.bytesWritten = max64(st.bytesWritten, offset+int64(len(data)))
		st.writesSince++
		needsFlush := st.writesSince >= flushEvery
		if needsFlush {
			st.writesSince = 0
		}
		s.mu.Unlock()

		if needsFlush {
			if err := file.Sync(); err != nil {
				s.logger.Warn("durable flush failed", "slot", slot, "err", err)
			}
		}
		return nil
	})
}

// End flushes, verifies the file size equals declaredTotalBytes (truncating
// if larger), and releases the slot lock on either success or failure.
func (s *Store) End(slot Slot, filename string, sessionID uint64, declaredTotalBytes int64) error {
	return s.submit(func() error {
		s.mu.Lock()
		st := s.slots[slot]
		if !st.held || st.filename != filename || st.sessionID != sessionID {
			s.mu.Unlock()
			return ErrNotLocked
		}
		file := st.file
		s.mu.Unlock()

		defer s.releaseLocked(slot)

		if err := file.Sync(); err != nil {
			return fmt.Errorf("chunkstore: sync on end: %w", err)
		}
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("chunkstore: stat on end: %w", err)
		}
		switch {
		case info.Size() > declaredTotalBytes:
			if err := file.Truncate(declaredTotalBytes); err != nil {
				return fmt.Errorf("chunkstore: truncate: %w", err)
			}
		case info.Size() < declaredTotalBytes:
			return ErrIntegrityFail
		}
		return nil
	})
}

// Read returns exactly chunkSize bytes at chunkIndex's offset, zero-padded if
// the file is currently shorter than the requested window (a mid-transfer
// read). requestTag is opaque to the store; callers use it to route the
// response back to the requesting peer/purpose (spec §4.1). Trimming the
// final, possibly-shorter chunk to the transfer's declared size is the
// caller's responsibility (the store has no notion of total size).
func (s *Store) Read(slot Slot, filename string, sessionID uint64, chunkIndex int, requestTag string) ([]byte, error) {
	if chunkIndex < 0 {
		return nil, ErrBadArgs
	}
	var out []byte
	err := s.submit(func() error {
		s.mu.Lock()
		st := s.slots[slot]
		if !st.held || st.filename != filename || st.sessionID != sessionID {
			s.mu.Unlock()
			return ErrNotLocked
		}
		file := st.file
		chunkSize := st.chunkSize
		s.mu.Unlock()

		offset := int64(chunkIndex) * int64(chunkSize)
		buf := make([]byte, chunkSize)
		n, err := file.ReadAt(buf, offset)
		if err != nil && n == 0 {
			if errors.Is(err, os.ErrClosed) {
				return err
			}
			// EOF with zero bytes read: return an all-zero window.
			out = buf
			return nil
		}
		out = buf[:n]
		if n < chunkSize {
			out = buf // zero-padded to chunkSize
		}
		return nil
	})
	_ = requestTag // routing is handled by the caller; store just reads bytes
	return out, err
}

// Reset aborts any in-progress write on slot, closes the file handle, and
// releases the lock without validating the caller's session.
func (s *Store) Reset(slot Slot) {
	_ = s.submit(func() error {
		s.releaseLocked(slot)
		return nil
	})
}

func (s *Store) releaseLocked(slot Slot) {
	s.mu.Lock()
	st := s.slots[slot]
	f := st.file
	*st = slotState{}
	delete(s.warned, slot)
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

// Cleanup deletes the backing file for filename/slot if the slot is not
// currently locked on that filename.
func (s *Store) Cleanup(filename string, slot Slot) error {
	return s.submit(func() error {
		s.mu.Lock()
		st := s.slots[slot]
		if st.held && st.filename == filename {
			s.mu.Unlock()
			return fmt.Errorf("chunkstore: cannot cleanup %s: slot locked", filename)
		}
		s.mu.Unlock()
		path := s.filePath(slot, filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("chunkstore: cleanup %s: %w", path, err)
		}
		return nil
	})
}

// IsLocked reports whether slot currently holds an active write lock.
func (s *Store) IsLocked(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].held
}

// LockedSession returns the session id currently holding slot's lock (0 if
// unlocked).
func (s *Store) LockedSession(slot Slot) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].sessionID
}

// BytesWritten reports how many bytes have been written to slot so far.
func (s *Store) BytesWritten(slot Slot) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].bytesWritten
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
