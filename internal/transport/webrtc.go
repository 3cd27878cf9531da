// Package transport provides the peer-to-peer data channel abstraction
// devices use to exchange protocol messages and chunk frames (spec §2,
// "Transport"). The concrete implementation is backed by WebRTC data
// channels (github.com/pion/webrtc/v4); callers depend only on the
// Transporter capability interface so tests can swap in a fake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ConnectionType classifies a peer link for display/diagnostics purposes,
// derived from the selected ICE candidate pair (spec §4.4).
type ConnectionType string

const (
	ConnectionTypeUnknown ConnectionType = "unknown"
	ConnectionTypeLocal   ConnectionType = "local"
	ConnectionTypeRemote  ConnectionType = "remote"
)

// Transporter is the capability interface every component that needs to
// talk to a peer depends on, rather than the concrete pion types. This
// mirrors the client's Transporter split in the teacher codebase: defining
// the seam here lets higher-level engines be tested against a fake.
type Transporter interface {
	PeerID() string
	Send(data []byte) error
	BufferedAmount() uint64
	Close() error

	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	OnError(fn func(err error))

	ConnectionType() ConnectionType
}

// PeerConnection wraps one pion PeerConnection plus its single ordered,
// reliable data channel (the "transport" the spec describes is this pair,
// treated as one unit by callers).
type PeerConnection struct {
	peerID string
	logger *slog.Logger

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu       sync.Mutex
	onOpen   func()
	onMsg    func([]byte)
	onClose  func()
	onErr    func(error)
	opened   bool
}

// NewPeerConnectionConfig bundles the ICE servers used to construct a
// webrtc.PeerConnection.
type NewPeerConnectionConfig struct {
	PeerID     string
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewOffering creates a PeerConnection that originates the offer and opens
// the data channel locally (used by the side that initiates a connection —
// the host, once per arriving guest).
func NewOffering(ctx context.Context, cfg NewPeerConnectionConfig) (*PeerConnection, *webrtc.SessionDescription, error) {
	p, err := newBase(cfg)
	if err != nil {
		return nil, nil, err
	}
	dc, err := p.pc.CreateDataChannel("syncroom", &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("transport: create data channel: %w", err)
	}
	p.bindDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, nil, fmt.Errorf("transport: set local description: %w", err)
	}
	if err := waitICEGatheringComplete(ctx, p.pc); err != nil {
		return nil, nil, err
	}
	ld := p.pc.LocalDescription()
	return p, ld, nil
}

// NewAnswering creates a PeerConnection that accepts a remote offer and
// answers it, waiting for the remote side to open the data channel (used
// by a guest answering the host's offer).
func NewAnswering(ctx context.Context, cfg NewPeerConnectionConfig, offer webrtc.SessionDescription) (*PeerConnection, *webrtc.SessionDescription, error) {
	p, err := newBase(cfg)
	if err != nil {
		return nil, nil, err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.bindDataChannel(dc)
	})

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, nil, fmt.Errorf("transport: set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, nil, fmt.Errorf("transport: set local description: %w", err)
	}
	if err := waitICEGatheringComplete(ctx, p.pc); err != nil {
		return nil, nil, err
	}
	ld := p.pc.LocalDescription()
	return p, ld, nil
}

func newBase(cfg NewPeerConnectionConfig) (*PeerConnection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	p := &PeerConnection{
		peerID: cfg.PeerID,
		logger: logger.With("peer", cfg.PeerID),
		pc:     pc,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.mu.Lock()
			cb := p.onClose
			p.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	})
	return p, nil
}

// SetRemoteAnswer applies a remote SDP answer to a PeerConnection created by
// NewOffering, completing the offer/answer exchange on the side that
// initiated it.
func (p *PeerConnection) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate forwards a trickled remote candidate to pion.
func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// OnICECandidate registers a callback for locally gathered trickle
// candidates, for signaling implementations that do not wait for full
// gathering.
func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *PeerConnection) bindDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.opened = true
		cb := p.onOpen
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		cb := p.onMsg
		p.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.mu.Lock()
		cb := p.onClose
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	dc.OnError(func(err error) {
		p.mu.Lock()
		cb := p.onErr
		p.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}

func (p *PeerConnection) PeerID() string { return p.peerID }

// Send writes data on the data channel. Returns an error if the channel is
// not yet open.
func (p *PeerConnection) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	opened := p.opened
	p.mu.Unlock()
	if dc == nil || !opened {
		return errors.New("transport: data channel not open")
	}
	return dc.Send(data)
}

// BufferedAmount reports queued-but-unsent bytes, used by the transfer and
// relay engines for backpressure decisions (spec §4.5/§4.8).
func (p *PeerConnection) BufferedAmount() uint64 {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return 0
	}
	return uint64(dc.BufferedAmount())
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return p.pc.Close()
}

func (p *PeerConnection) OnOpen(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOpen = fn
}

func (p *PeerConnection) OnMessage(fn func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMsg = fn
}

func (p *PeerConnection) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *PeerConnection) OnError(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onErr = fn
}

// ConnectionType classifies the link using the selected ICE candidate pair
// (spec §4.4): a pair of host-typed candidates on both ends is "local",
// anything routed through srflx/relay is "remote".
func (p *PeerConnection) ConnectionType() ConnectionType {
	sctp := p.pc.SCTP()
	if sctp == nil {
		return ConnectionTypeUnknown
	}
	dtlsTransport := sctp.Transport()
	if dtlsTransport == nil {
		return ConnectionTypeUnknown
	}
	iceTransport := dtlsTransport.ICETransport()
	if iceTransport == nil {
		return ConnectionTypeUnknown
	}
	pair, err := iceTransport.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return ConnectionTypeUnknown
	}
	if pair.Local.Typ == webrtc.ICECandidateTypeHost && pair.Remote.Typ == webrtc.ICECandidateTypeHost {
		return ConnectionTypeLocal
	}
	return ConnectionTypeRemote
}

func waitICEGatheringComplete(ctx context.Context, pc *webrtc.PeerConnection) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: ICE gathering: %w", ctx.Err())
	case <-time.After(10 * time.Second):
		return errors.New("transport: ICE gathering timed out")
	}
}

func boolPtr(b bool) *bool { return &b }
