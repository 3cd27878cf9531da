// Package protocol defines the wire messages exchanged between syncroom
// devices: a small JSON control envelope for signalling/state, and a binary
// frame for file chunk payloads so raw media bytes never pass through JSON.
package protocol

// Tag identifies the kind of a control message. Unknown tags are preserved
// on decode (not rejected) so older and newer devices stay forward compatible.
type Tag string

const (
	TagWelcome             Tag = "WELCOME"
	TagSessionFull         Tag = "SESSION_FULL"
	TagSessionStart        Tag = "SESSION_START"
	TagDeviceListUpdate    Tag = "DEVICE_LIST_UPDATE"
	TagForceCloseDuplicate Tag = "FORCE_CLOSE_DUPLICATE"

	TagHeartbeat    Tag = "HEARTBEAT"
	TagHeartbeatAck Tag = "HEARTBEAT_ACK"
	TagPingLatency  Tag = "PING_LATENCY"
	TagPongLatency  Tag = "PONG_LATENCY"

	TagGetSyncTime         Tag = "GET_SYNC_TIME"
	TagSyncResponse        Tag = "SYNC_RESPONSE"
	TagGlobalResyncRequest Tag = "GLOBAL_RESYNC_REQUEST"

	TagFilePrepare Tag = "FILE_PREPARE"
	TagFileStart   Tag = "FILE_START"
	TagFileResume  Tag = "FILE_RESUME"
	TagFileEnd     Tag = "FILE_END"
	TagFileWait    Tag = "FILE_WAIT"

	TagPreloadStart Tag = "PRELOAD_START"
	TagPreloadEnd   Tag = "PRELOAD_END"
	TagPreloadAck   Tag = "PRELOAD_ACK"

	TagRequestCurrentFile   Tag = "REQUEST_CURRENT_FILE"
	TagRequestDataRecovery  Tag = "REQUEST_DATA_RECOVERY"
	TagAssignDataSource     Tag = "ASSIGN_DATA_SOURCE"

	TagPlay  Tag = "PLAY"
	TagPause Tag = "PAUSE"

	TagRequestPlay      Tag = "REQUEST_PLAY"
	TagRequestPause     Tag = "REQUEST_PAUSE"
	TagRequestSeek      Tag = "REQUEST_SEEK"
	TagRequestSkipTime  Tag = "REQUEST_SKIP_TIME"
	TagRequestNextTrack Tag = "REQUEST_NEXT_TRACK"
	TagRequestPrevTrack Tag = "REQUEST_PREV_TRACK"
	TagRequestTrackChg  Tag = "REQUEST_TRACK_CHANGE"
	TagRequestSetting   Tag = "REQUEST_SETTING"

	TagRepeatMode     Tag = "REPEAT_MODE"
	TagShuffleMode    Tag = "SHUFFLE_MODE"
	TagPlaylistUpdate Tag = "PLAYLIST_UPDATE"
	TagForceSyncPlay  Tag = "FORCE_SYNC_PLAY"
	TagStatusSync     Tag = "STATUS_SYNC"

	TagOperatorGrant  Tag = "OPERATOR_GRANT"
	TagOperatorRevoke Tag = "OPERATOR_REVOKE"
	TagSysToast       Tag = "SYS_TOAST"
)

// DeviceEntry is one row of a DEVICE_LIST_UPDATE message.
type DeviceEntry struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Status         string `json:"status"`
	IsHost         bool   `json:"isHost"`
	IsOp           bool   `json:"isOp,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
}

// ChannelMeta describes one playlist entry in a PLAYLIST_UPDATE message.
type ChannelMeta struct {
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	Title            string `json:"title,omitempty"`
	ExternalStreamID string `json:"externalId,omitempty"`
}

// ICEServer mirrors the config envelope's ice_servers entries, forwarded to
// guests during WebRTC negotiation.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message is the JSON control envelope. It is deliberately a flat
// struct-of-optional-fields (every field but `type` is `omitempty`) rather than a Go
// interface-per-tag sum type: one JSON shape keeps the wire format stable
// across the many near-identical FILE_*/PRELOAD_* variants, and unknown
// fields never break an older decoder.
type Message struct {
	Type Tag `json:"type"`

	// Peer / session bookkeeping.
	Label     string   `json:"label,omitempty"`
	Message   string   `json:"message,omitempty"`
	TargetID  string   `json:"targetId,omitempty"`
	Devices   []DeviceEntry `json:"list,omitempty"`

	// Heartbeat / ping / sync.
	Timestamp int64   `json:"timestamp,omitempty"`
	ReqTs     int64   `json:"reqTs,omitempty"`
	Time      float64 `json:"time,omitempty"`
	IsPlaying bool    `json:"isPlaying,omitempty"`

	// File transfer headers (chunk bytes travel in a separate ChunkFrame).
	Name        string `json:"name,omitempty"`
	Mime        string `json:"mime,omitempty"`
	TotalChunks int    `json:"total,omitempty"`
	SizeBytes   int64  `json:"size,omitempty"`
	Index       int    `json:"index,omitempty"`
	SessionID   uint64 `json:"sessionId,omitempty"`
	StartChunk  int    `json:"startChunk,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`

	// Recovery.
	NextChunk int    `json:"nextChunk,omitempty"`
	FileName  string `json:"fileName,omitempty"`

	// Playback.
	State           string        `json:"state,omitempty"`
	RepeatMode      string        `json:"repeatMode,omitempty"`
	Shuffle         bool          `json:"shuffle,omitempty"`
	Playlist        []ChannelMeta `json:"playlist,omitempty"`
	CurrentTrackIdx int           `json:"currentTrackIndex,omitempty"`

	// Settings requests.
	SettingType string  `json:"settingType,omitempty"`
	Value       string  `json:"value,omitempty"`
	Band        string  `json:"band,omitempty"`

	// Status sync (reconnect reconciliation).
	SeqNum uint64 `json:"seqNum,omitempty"`
}
