package transport

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// ErrSessionCodeExhausted is returned when a new room cannot be allocated a
// unique 6-digit session code after repeated collisions (spec §6.2, §5
// supplemented features).
var ErrSessionCodeExhausted = errors.New("signaling: could not allocate a free session code")

const maxCodeAllocAttempts = 12

// SignalEnvelope is the rendezvous message exchanged over the signaling
// websocket while two peers negotiate a WebRTC connection: SDP offers,
// answers, and trickled ICE candidates, all addressed by session code and
// an opaque peer id assigned by the signaling server.
type SignalEnvelope struct {
	Type      string          `json:"type"` // "join", "offer", "answer", "ice", "peer-joined", "peer-left", "error"
	Code      string          `json:"code,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// room tracks the peers rendezvoused under one session code.
type room struct {
	mu    sync.Mutex
	peers map[string]*websocket.Conn
}

// SignalingServer is a websocket-based rendezvous used purely to exchange
// SDP/ICE before a direct WebRTC data channel opens; no media or control
// traffic flows through it afterward.
type SignalingServer struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewSignalingServer creates a SignalingServer with no rooms yet.
func NewSignalingServer(logger *slog.Logger) *SignalingServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingServer{
		logger: logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Register binds the signaling websocket route on an Echo router.
func (s *SignalingServer) Register(e *echo.Echo) {
	e.GET("/signal", s.handleWebSocket)
}

// NewSessionCode allocates a fresh, currently-unused 6-digit session code,
// retrying on collision up to maxCodeAllocAttempts times.
func (s *SignalingServer) NewSessionCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < maxCodeAllocAttempts; attempt++ {
		code, err := randomSixDigitCode()
		if err != nil {
			return "", fmt.Errorf("signaling: generate code: %w", err)
		}
		if _, exists := s.rooms[code]; !exists {
			s.rooms[code] = &room{peers: make(map[string]*websocket.Conn)}
			return code, nil
		}
	}
	return "", ErrSessionCodeExhausted
}

func randomSixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *SignalingServer) roomFor(code string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	if !ok {
		r = &room{peers: make(map[string]*websocket.Conn)}
		s.rooms[code] = r
	}
	return r
}

func (s *SignalingServer) handleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("signaling: upgrade: %w", err)
	}
	defer conn.Close()

	var joinCode string
	var peerID string

	for {
		var env SignalEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("signaling unexpected close", "remote", remote, "err", err)
			}
			break
		}

		switch env.Type {
		case "join":
			joinCode = env.Code
			peerID = env.PeerID
			r := s.roomFor(joinCode)
			r.mu.Lock()
			for existing := range r.peers {
				_ = s.send(r.peers[existing], SignalEnvelope{Type: "peer-joined", PeerID: peerID})
			}
			r.peers[peerID] = conn
			r.mu.Unlock()
			s.logger.Info("signaling peer joined", "code", joinCode, "peer", peerID)

		case "offer", "answer", "ice":
			if joinCode == "" {
				_ = s.send(conn, SignalEnvelope{Type: "error", Message: "must join before signaling"})
				continue
			}
			r := s.roomFor(joinCode)
			r.mu.Lock()
			target, ok := r.peers[env.TargetID]
			r.mu.Unlock()
			if !ok {
				_ = s.send(conn, SignalEnvelope{Type: "error", Message: "unknown target peer"})
				continue
			}
			env.PeerID = peerID
			if err := s.send(target, env); err != nil {
				s.logger.Debug("signaling relay failed", "code", joinCode, "target", env.TargetID, "err", err)
			}

		default:
			s.logger.Debug("signaling unknown message type", "type", env.Type, "remote", remote)
		}
	}

	if joinCode != "" && peerID != "" {
		r := s.roomFor(joinCode)
		r.mu.Lock()
		delete(r.peers, peerID)
		empty := len(r.peers) == 0
		for _, other := range r.peers {
			_ = s.send(other, SignalEnvelope{Type: "peer-left", PeerID: peerID})
		}
		r.mu.Unlock()
		if empty {
			s.mu.Lock()
			delete(s.rooms, joinCode)
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *SignalingServer) send(conn *websocket.Conn, env SignalEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}
