package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// ErrSignalingClosed is returned by any SignalingClient wait once its
// underlying connection has been closed or dropped.
var ErrSignalingClosed = errors.New("signaling: connection closed")

// SignalingClient is the client side of the rendezvous SignalingServer
// implements: it joins a session code, then exchanges SDP offer/answer
// pairs with its counterparts (a guest needs one; the host keeps the
// client open and negotiates one pair per arriving guest), after which
// peers talk directly over the resulting WebRTC data channels.
type SignalingClient struct {
	conn   *websocket.Conn
	peerID string
	logger *slog.Logger

	mu        sync.Mutex
	answers   map[string]chan SignalEnvelope
	closed    chan struct{}
	closeOnce sync.Once

	peerJoined chan string
	offers     chan SignalEnvelope
}

// DialSignalingClient opens a websocket connection to wsURL (e.g.
// "ws://127.0.0.1:8090/signal") and starts its read loop. peerID identifies
// this device to the signaling server and to whichever counterpart it
// negotiates with.
func DialSignalingClient(ctx context.Context, wsURL, peerID string, logger *slog.Logger) (*SignalingClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial signaling: %w", err)
	}
	c := &SignalingClient{
		conn:       conn,
		peerID:     peerID,
		logger:     logger.With("component", "signaling-client", "peer", peerID),
		answers:    make(map[string]chan SignalEnvelope),
		closed:     make(chan struct{}),
		peerJoined: make(chan string, 8),
		offers:     make(chan SignalEnvelope, 8),
	}
	go c.readLoop()
	return c, nil
}

func (c *SignalingClient) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		var env SignalEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.logger.Debug("signaling client read loop stopped", "err", err)
			return
		}
		switch env.Type {
		case "peer-joined":
			select {
			case c.peerJoined <- env.PeerID:
			default:
				c.logger.Warn("peer-joined buffer full, dropping", "peer", env.PeerID)
			}
		case "offer":
			select {
			case c.offers <- env:
			default:
				c.logger.Warn("offer buffer full, dropping", "peer", env.PeerID)
			}
		case "answer":
			c.mu.Lock()
			ch, ok := c.answers[env.PeerID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
		case "error":
			c.logger.Warn("signaling server reported an error", "message", env.Message)
		case "peer-left":
			c.logger.Debug("peer left before negotiation completed", "peer", env.PeerID)
		}
	}
}

// Join sends the "join" envelope admitting this client into code's room.
func (c *SignalingClient) Join(code string) error {
	return c.conn.WriteJSON(SignalEnvelope{Type: "join", Code: code, PeerID: c.peerID})
}

// NextPeerJoined blocks until another peer joins the same room, returning
// its peer id. Used by the host to learn when a guest has shown up to
// negotiate with.
func (c *SignalingClient) NextPeerJoined(ctx context.Context) (string, error) {
	select {
	case id := <-c.peerJoined:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", ErrSignalingClosed
	}
}

// SendOffer forwards a locally-generated SDP offer to targetID.
func (c *SignalingClient) SendOffer(targetID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("transport: encode offer: %w", err)
	}
	return c.conn.WriteJSON(SignalEnvelope{Type: "offer", TargetID: targetID, SDP: raw})
}

// AwaitAnswer blocks until targetID answers an offer this client sent it.
func (c *SignalingClient) AwaitAnswer(ctx context.Context, targetID string) (webrtc.SessionDescription, error) {
	ch := make(chan SignalEnvelope, 1)
	c.mu.Lock()
	c.answers[targetID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.answers, targetID)
		c.mu.Unlock()
	}()

	select {
	case env := <-ch:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(env.SDP, &sdp); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("transport: decode answer: %w", err)
		}
		return sdp, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-c.closed:
		return webrtc.SessionDescription{}, ErrSignalingClosed
	}
}

// AwaitOffer blocks until some peer in the room sends this client an offer,
// returning the offering peer's id alongside its SDP. Used by a guest
// waiting for the host to initiate negotiation.
func (c *SignalingClient) AwaitOffer(ctx context.Context) (string, webrtc.SessionDescription, error) {
	select {
	case env := <-c.offers:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(env.SDP, &sdp); err != nil {
			return "", webrtc.SessionDescription{}, fmt.Errorf("transport: decode offer: %w", err)
		}
		return env.PeerID, sdp, nil
	case <-ctx.Done():
		return "", webrtc.SessionDescription{}, ctx.Err()
	case <-c.closed:
		return "", webrtc.SessionDescription{}, ErrSignalingClosed
	}
}

// SendAnswer answers targetID's offer with a locally-generated SDP answer.
func (c *SignalingClient) SendAnswer(targetID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("transport: encode answer: %w", err)
	}
	return c.conn.WriteJSON(SignalEnvelope{Type: "answer", TargetID: targetID, SDP: raw})
}

// Close tears down the signaling websocket. Negotiation should already be
// complete by the time this is called; nothing but rendezvous ever flows
// over this connection.
func (c *SignalingClient) Close() error {
	return c.conn.Close()
}
