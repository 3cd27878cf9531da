package chunkstore

import (
	"bytes"
	"log/slog"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSafeNameReplacesDisallowedBytes(t *testing.T) {
	got := safeName("Song (Live)/2.mp3")
	want := "Song__Live__2.mp3"
	if got != want {
		t.Fatalf("safeName = %q, want %q", got, want)
	}
}

func TestStartWriteEndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Write(SlotCurrent, "track.mp3", 1, 0, []byte("abcd")); err != nil {
		t.Fatalf("Write chunk 0: %v", err)
	}
	if err := s.Write(SlotCurrent, "track.mp3", 1, 1, []byte("ef")); err != nil {
		t.Fatalf("Write chunk 1: %v", err)
	}
	if err := s.End(SlotCurrent, "track.mp3", 1, 6); err != nil {
		t.Fatalf("End: %v", err)
	}
	if s.IsLocked(SlotCurrent) {
		t.Fatalf("slot should be released after End")
	}
}

func TestEndFailsIntegrityWhenShort(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Write(SlotCurrent, "track.mp3", 1, 0, []byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := s.End(SlotCurrent, "track.mp3", 1, 100)
	if err == nil {
		t.Fatalf("End should fail when file is shorter than declared size")
	}
}

func TestStartRejectsEqualOrOlderSessionWithinFreshnessWindow(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 5, 4); err != nil {
		t.Fatalf("Start(sid=5): %v", err)
	}
	if err := s.Start(SlotCurrent, "other.mp3", 5, 4); err != ErrLocked {
		t.Fatalf("Start(sid=5 again) = %v, want ErrLocked", err)
	}
	if err := s.Start(SlotCurrent, "other.mp3", 3, 4); err != ErrLocked {
		t.Fatalf("Start(sid=3, older) = %v, want ErrLocked", err)
	}
}

func TestStartNewerSessionAlwaysPreempts(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 5, 4); err != nil {
		t.Fatalf("Start(sid=5): %v", err)
	}
	if err := s.Start(SlotCurrent, "next.mp3", 6, 4); err != nil {
		t.Fatalf("Start(sid=6) should preempt sid=5: %v", err)
	}
	if s.LockedSession(SlotCurrent) != 6 {
		t.Fatalf("LockedSession = %d, want 6", s.LockedSession(SlotCurrent))
	}
}

func TestWriteSilentlyIgnoresSessionMismatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 5, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Write(SlotCurrent, "track.mp3", 99, 0, []byte("zzzz")); err != nil {
		t.Fatalf("Write with wrong session should not error, got %v", err)
	}
	if s.BytesWritten(SlotCurrent) != 0 {
		t.Fatalf("mismatched write should not have landed any bytes")
	}
}

func TestReadReturnsWrittenBytes(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Write(SlotCurrent, "track.mp3", 1, 0, []byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(SlotCurrent, "track.mp3", 1, 0, "req-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Read = %q, want %q", got, "abcd")
	}
}

func TestResetReleasesSlot(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Reset(SlotCurrent)
	if s.IsLocked(SlotCurrent) {
		t.Fatalf("slot should be unlocked after Reset")
	}
	if err := s.Start(SlotCurrent, "other.mp3", 1, 4); err != nil {
		t.Fatalf("Start after Reset should succeed: %v", err)
	}
}

func TestCleanupRemovesFileWhenUnlocked(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	path := s.filePath(SlotCurrent, "track.mp3")
	if err := s.End(SlotCurrent, "track.mp3", 1, 0); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := s.Cleanup("track.mp3", SlotCurrent); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be removed after Cleanup, stat err = %v", err)
	}
}

func TestCleanupFailsWhileLocked(t *testing.T) {
	s := newTestStore(t)
	if err := s.Start(SlotCurrent, "track.mp3", 1, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Cleanup("track.mp3", SlotCurrent); err == nil {
		t.Fatalf("Cleanup should fail while slot is locked on that filename")
	}
}
