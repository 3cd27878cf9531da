package transport

import (
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
)

func TestNewSessionCodeIsSixDigits(t *testing.T) {
	s := NewSignalingServer(nil)
	code, err := s.NewSessionCode()
	if err != nil {
		t.Fatalf("NewSessionCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code %q is not 6 digits", code)
	}
}

func TestNewSessionCodeAvoidsCollisions(t *testing.T) {
	s := NewSignalingServer(nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := s.NewSessionCode()
		if err != nil {
			t.Fatalf("NewSessionCode iteration %d: %v", i, err)
		}
		if seen[code] {
			t.Fatalf("code %q allocated twice", code)
		}
		seen[code] = true
	}
}

func TestNewSessionCodeExhaustedWhenAllTaken(t *testing.T) {
	s := NewSignalingServer(nil)
	// Pre-fill every possible 6-digit code so allocation must exhaust its
	// retry budget.
	s.mu.Lock()
	for i := 0; i < 1000000; i++ {
		code := fmt.Sprintf("%06d", i)
		s.rooms[code] = &room{peers: make(map[string]*websocket.Conn)}
	}
	s.mu.Unlock()

	_, err := s.NewSessionCode()
	if err != ErrSessionCodeExhausted {
		t.Fatalf("NewSessionCode = %v, want ErrSessionCodeExhausted", err)
	}
}
