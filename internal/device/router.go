package device

import (
	"context"
	"sync"
	"time"

	"syncroom/internal/chunkstore"
	"syncroom/internal/playback"
	"syncroom/internal/protocol"
	"syncroom/internal/recovery"
	"syncroom/internal/transfer"
	"syncroom/internal/transport"
)

// fileWaitTimeout bounds how long the receive side of a transfer tolerates
// no chunk progress before requesting recovery from upstream (spec §4.5,
// "FILE_WAIT: 10s timer, else request recovery").
const fileWaitTimeout = 10 * time.Second

// router is the Protocol Router (spec §2): every inbound payload from a
// peer connection passes through Dispatch, which discriminates binary chunk
// frames from JSON control messages and fans out by Tag to the engine that
// owns it, applying the operator permission check ahead of any REQUEST_*
// that would mutate shared playback state.
type router struct {
	dev *Device

	mu      sync.Mutex
	current *transfer.ReceiveState // chunkstore.SlotCurrent
	stage   *transfer.ReceiveState // chunkstore.SlotPreload
}

func newRouter(dev *Device) *router {
	return &router{dev: dev}
}

// Dispatch decodes one inbound payload received from peerID over conn and
// routes it. A ChunkFrame always begins with a ChunkKind byte (0x01 or
// 0x02), which can never equal '{' (0x7B), so the two wire formats are
// unambiguous on the first byte.
func (r *router) Dispatch(peerID string, conn transport.Transporter, data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] != '{' {
		r.dispatchChunk(peerID, data)
		return
	}

	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		r.dev.Logger.Debug("router: malformed control message", "peer", peerID, "err", err)
		return
	}
	if !protocol.IsKnownTag(msg.Type) {
		r.dev.Logger.Debug("router: unknown tag, ignoring", "peer", peerID, "tag", msg.Type)
		return
	}
	r.dispatchMessage(peerID, conn, msg)
}

func (r *router) dispatchChunk(peerID string, data []byte) {
	frame, err := protocol.DecodeChunkFrame(data)
	if err != nil {
		r.dev.Logger.Debug("router: malformed chunk frame", "peer", peerID, "err", err)
		return
	}

	slot := chunkstore.SlotCurrent
	r.mu.Lock()
	rs := r.current
	if frame.Kind == protocol.ChunkKindPreload {
		rs = r.stage
		slot = chunkstore.SlotPreload
	}
	r.mu.Unlock()

	if rs == nil || rs.SessionID != frame.SessionID {
		r.dev.Logger.Debug("router: chunk for unknown or stale transfer, dropping",
			"peer", peerID, "slot", slot, "session", frame.SessionID)
		return
	}

	var relayer transfer.Relayer
	if r.dev.Relay != nil && r.dev.Relay.DownstreamCount() > 0 {
		relayer = r.dev.Relay
	}

	_, complete, err := r.dev.Transfer.HandleChunk(rs, frame, data, relayer)
	if err != nil {
		r.dev.Logger.Warn("router: handle chunk failed", "peer", peerID, "slot", slot, "err", err)
		return
	}

	if slot == chunkstore.SlotCurrent {
		r.dev.Timers.Set("file-wait", func() { r.onFileStall(peerID) }, fileWaitTimeout)
	}

	if !complete {
		return
	}

	if slot == chunkstore.SlotCurrent {
		r.dev.Timers.Clear("file-wait")
	} else if r.dev.Preload.Finalize(int(rs.SessionID)) {
		r.dev.Preload.CancelWatchdog()
		if conn, ok := r.dev.Connection(peerID); ok {
			ack, err := protocol.EncodeMessage(protocol.Message{Type: protocol.TagPreloadAck, Name: rs.Filename, SessionID: rs.SessionID})
			if err == nil {
				_ = conn.Send(ack)
			}
		}
	}
}

// onFileStall fires when no current-slot chunk has arrived for
// fileWaitTimeout; it asks the upstream peer to resume from the first chunk
// this device has not yet written.
func (r *router) onFileStall(peerID string) {
	r.mu.Lock()
	rs := r.current
	r.mu.Unlock()
	conn, ok := r.dev.Connection(peerID)
	if rs == nil || !ok {
		return
	}
	msg := protocol.Message{
		Type:      protocol.TagRequestDataRecovery,
		FileName:  rs.Filename,
		SessionID: rs.SessionID,
		NextChunk: rs.ReceivedCount(),
	}
	encoded, err := protocol.EncodeMessage(msg)
	if err != nil {
		return
	}
	r.dev.Logger.Info("router: requesting recovery after stall", "peer", peerID, "file", rs.Filename, "nextChunk", msg.NextChunk)
	_ = conn.Send(encoded)
}

func (r *router) dispatchMessage(peerID string, conn transport.Transporter, msg protocol.Message) {
	switch msg.Type {
	case protocol.TagFileStart:
		// A session strictly older than what this device has already
		// advanced to must never start a new receive: invariant 3, no
		// write for a stale session after local_sid has moved on.
		if r.dev.Clock.IsStale(msg.SessionID) {
			r.dev.Logger.Debug("router: dropping stale FILE_START", "peer", peerID, "session", msg.SessionID)
			return
		}
		r.mu.Lock()
		r.current = transfer.HandlePrepare(msg, chunkstore.SlotCurrent, false)
		r.mu.Unlock()
		r.dev.Clock.AdvanceLocal(msg.SessionID)
		r.dev.Timers.Set("file-wait", func() { r.onFileStall(peerID) }, fileWaitTimeout)

	case protocol.TagFileResume:
		if r.dev.Clock.IsStale(msg.SessionID) {
			r.dev.Logger.Debug("router: dropping stale FILE_RESUME", "peer", peerID, "session", msg.SessionID)
			return
		}
		r.mu.Lock()
		r.current = transfer.HandleResume(msg, chunkstore.SlotCurrent, false)
		r.mu.Unlock()
		r.dev.Clock.AdvanceLocal(msg.SessionID)
		r.dev.Timers.Set("file-wait", func() { r.onFileStall(peerID) }, fileWaitTimeout)

	case protocol.TagFileEnd:
		r.mu.Lock()
		rs := r.current
		r.mu.Unlock()
		if rs != nil && rs.SessionID == msg.SessionID {
			r.dev.Timers.Clear("file-wait")
			if err := r.dev.Transfer.HandleEnd(rs); err != nil {
				r.dev.Logger.Warn("router: finalize file end failed", "peer", peerID, "err", err)
			}
		}

	case protocol.TagFileWait:
		// Upstream is still working on it: push the stall deadline out
		// instead of firing a premature recovery request.
		r.mu.Lock()
		rs := r.current
		r.mu.Unlock()
		if rs != nil && rs.SessionID == msg.SessionID {
			r.dev.Timers.Set("file-wait", func() { r.onFileStall(peerID) }, fileWaitTimeout)
		}

	case protocol.TagPreloadStart:
		r.mu.Lock()
		r.stage = transfer.HandlePrepare(msg, chunkstore.SlotPreload, true)
		r.mu.Unlock()
		r.dev.Preload.StartWatchdog(int(msg.SessionID), func(idx int) {
			r.dev.Logger.Warn("router: preload stalled", "peer", peerID, "session", idx)
		})

	case protocol.TagPreloadEnd:
		r.mu.Lock()
		rs := r.stage
		r.mu.Unlock()
		if rs != nil && rs.SessionID == msg.SessionID {
			if err := r.dev.Transfer.HandleEnd(rs); err != nil {
				r.dev.Logger.Warn("router: finalize preload end failed", "peer", peerID, "err", err)
			}
		}

	case protocol.TagRequestCurrentFile:
		r.serveRecovery(peerID, conn, msg, 0)

	case protocol.TagRequestDataRecovery:
		r.serveRecovery(peerID, conn, msg, msg.NextChunk)

	case protocol.TagHeartbeat:
		if r.dev.Directory != nil {
			r.dev.Directory.Heartbeat(peerID)
		}
		ack, err := protocol.EncodeMessage(protocol.Message{Type: protocol.TagHeartbeatAck})
		if err == nil {
			_ = conn.Send(ack)
		}

	case protocol.TagOperatorGrant:
		if r.dev.IsHost && r.dev.Directory != nil {
			r.dev.Directory.SetOperator(msg.TargetID, true)
		}

	case protocol.TagOperatorRevoke:
		if r.dev.IsHost && r.dev.Directory != nil {
			r.dev.Directory.SetOperator(msg.TargetID, false)
		}

	case protocol.TagRequestPlay:
		// The sender is always a remote peer (the host never messages
		// itself), so its authority is never "host" — only operator status
		// can authorize it.
		r.handleControl(peerID, msg, func() error {
			return r.dev.Playback.RequestPlay(false, r.isOperatorOf(peerID), false, msg.Time)
		})

	case protocol.TagRequestPause:
		r.handleControl(peerID, msg, func() error {
			return r.dev.Playback.RequestPause(false, r.isOperatorOf(peerID))
		})

	case protocol.TagRequestSeek:
		r.handleControl(peerID, msg, func() error {
			return r.dev.Playback.RequestSeek(false, r.isOperatorOf(peerID), msg.Time)
		})

	default:
		r.dev.Logger.Debug("router: tag recognised but not handled by this device", "peer", peerID, "tag", msg.Type)
	}
}

// isOperatorOf reports whether peerID currently holds operator status in
// this device's directory (always false on a guest, which has none).
func (r *router) isOperatorOf(peerID string) bool {
	if r.dev.Directory == nil {
		return false
	}
	p, ok := r.dev.Directory.Get(peerID)
	return ok && p.IsOperator
}

// handleControl applies the operator permission check before running a
// playback mutation, logging (not panicking) on ErrNotAuthorized so a
// misbehaving or stale guest can never crash the router.
func (r *router) handleControl(peerID string, msg protocol.Message, apply func() error) {
	if !playback.CanControl(false, r.isOperatorOf(peerID)) {
		r.dev.Logger.Info("router: rejected unauthorized control request", "peer", peerID, "tag", msg.Type)
		return
	}
	if err := apply(); err != nil {
		r.dev.Logger.Warn("router: playback control failed", "peer", peerID, "tag", msg.Type, "err", err)
	}
}

// serveRecovery answers a REQUEST_CURRENT_FILE/REQUEST_DATA_RECOVERY against
// whatever this device's own current-slot receive state holds, streaming
// from fromChunk through the end of the transfer.
func (r *router) serveRecovery(peerID string, conn transport.Transporter, msg protocol.Message, fromChunk int) {
	r.mu.Lock()
	rs := r.current
	r.mu.Unlock()
	if rs == nil || rs.Filename != msg.FileName || rs.SessionID != msg.SessionID {
		r.dev.Logger.Debug("router: recovery request for unknown transfer", "peer", peerID, "file", msg.FileName)
		return
	}
	status := recovery.ResolveRequestCurrentFile(r.dev.Store, chunkstore.SlotCurrent, rs.Filename, rs.SessionID, rs.SizeBytes)
	if status == recovery.StatusNone {
		return
	}
	go func() {
		err := recovery.ServeFromChunk(context.Background(), r.dev.Store, chunkstore.SlotCurrent,
			rs.Filename, rs.SessionID, fromChunk, rs.TotalChunks, r.dev.Config.ChunkSize, conn)
		if err != nil {
			r.dev.Logger.Warn("router: serve recovery failed", "peer", peerID, "err", err)
		}
	}()
}
