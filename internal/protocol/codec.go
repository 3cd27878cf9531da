package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTruncatedFrame is returned by DecodeChunkFrame when fewer bytes are
// present than the header declares.
var ErrTruncatedFrame = errors.New("protocol: truncated chunk frame")

// EncodeMessage marshals a control Message to its wire JSON form.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage unmarshals a control Message. Tags this device doesn't
// recognise still decode successfully (the Tag field simply holds an
// unfamiliar string); callers should treat an unrecognised Tag as a no-op
// rather than an error, per the forward-compatibility rule in spec §6.1.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	return msg, nil
}

// knownTags enumerates every tag this implementation dispatches on. A tag
// absent from this set is treated as the Unknown variant from the Design
// Notes: logged at debug level and otherwise ignored.
var knownTags = map[Tag]bool{
	TagWelcome: true, TagSessionFull: true, TagSessionStart: true,
	TagDeviceListUpdate: true, TagForceCloseDuplicate: true,
	TagHeartbeat: true, TagHeartbeatAck: true,
	TagPingLatency: true, TagPongLatency: true,
	TagGetSyncTime: true, TagSyncResponse: true, TagGlobalResyncRequest: true,
	TagFilePrepare: true, TagFileStart: true, TagFileResume: true,
	TagFileEnd: true, TagFileWait: true,
	TagPreloadStart: true, TagPreloadEnd: true, TagPreloadAck: true,
	TagRequestCurrentFile: true, TagRequestDataRecovery: true, TagAssignDataSource: true,
	TagPlay: true, TagPause: true,
	TagRequestPlay: true, TagRequestPause: true, TagRequestSeek: true,
	TagRequestSkipTime: true, TagRequestNextTrack: true, TagRequestPrevTrack: true,
	TagRequestTrackChg: true, TagRequestSetting: true,
	TagRepeatMode: true, TagShuffleMode: true, TagPlaylistUpdate: true,
	TagForceSyncPlay: true, TagStatusSync: true,
	TagOperatorGrant: true, TagOperatorRevoke: true, TagSysToast: true,
}

// IsKnownTag reports whether tag is one this implementation dispatches on.
func IsKnownTag(tag Tag) bool {
	return knownTags[tag]
}

// ChunkKind distinguishes current-track chunk frames from preload frames;
// both share the same binary layout.
type ChunkKind byte

const (
	ChunkKindFile    ChunkKind = 0x01
	ChunkKindPreload ChunkKind = 0x02
)

// chunkFrameHeaderSize is the fixed-size prefix before the variable-length
// name and payload: Kind(1) + SessionID(8) + Index(4) + Total(4) + NameLen(2).
const chunkFrameHeaderSize = 1 + 8 + 4 + 4 + 2

// ChunkFrame is the binary framing for FILE_CHUNK / PRELOAD_CHUNK messages.
// Chunk bytes travel outside JSON so a 16 KiB chunk costs 16 KiB on the wire,
// not ~22 KiB of base64.
type ChunkFrame struct {
	Kind      ChunkKind
	SessionID uint64
	Index     uint32
	Total     uint32
	Name      string
	Payload   []byte
}

// Encode serialises f into a single binary message suitable for one
// WebRTC data channel send.
func (f ChunkFrame) Encode() []byte {
	nameBytes := []byte(f.Name)
	buf := make([]byte, chunkFrameHeaderSize+len(nameBytes)+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[1:9], f.SessionID)
	binary.BigEndian.PutUint32(buf[9:13], f.Index)
	binary.BigEndian.PutUint32(buf[13:17], f.Total)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(nameBytes)))
	off := chunkFrameHeaderSize
	off += copy(buf[off:], nameBytes)
	copy(buf[off:], f.Payload)
	return buf
}

// DecodeChunkFrame parses a binary chunk frame produced by Encode. The
// returned Payload aliases data; callers that retain it past the lifetime
// of the receive buffer must copy it (the underlying transport may reuse
// or free the buffer once the receive callback returns).
func DecodeChunkFrame(data []byte) (ChunkFrame, error) {
	if len(data) < chunkFrameHeaderSize {
		return ChunkFrame{}, ErrTruncatedFrame
	}
	var f ChunkFrame
	f.Kind = ChunkKind(data[0])
	f.SessionID = binary.BigEndian.Uint64(data[1:9])
	f.Index = binary.BigEndian.Uint32(data[9:13])
	f.Total = binary.BigEndian.Uint32(data[13:17])
	nameLen := int(binary.BigEndian.Uint16(data[17:19]))
	off := chunkFrameHeaderSize
	if len(data) < off+nameLen {
		return ChunkFrame{}, ErrTruncatedFrame
	}
	f.Name = string(data[off : off+nameLen])
	off += nameLen
	f.Payload = data[off:]
	return f, nil
}

// CloneBytes returns an owned copy of b. Relay fan-out must clone incoming
// chunk bytes before forwarding to multiple downstream peers, because a
// transport implementation may reuse or transfer ownership of the receive
// buffer once the handler returns (spec §4.8).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
