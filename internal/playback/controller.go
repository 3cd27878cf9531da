package playback

import (
	"errors"
	"sync"
	"time"

	"syncroom/internal/preload"
	"syncroom/internal/protocol"
	"syncroom/internal/timers"
)

// State is one of the playback state machine's states (spec §4.10).
type State string

const (
	StateIdle            State = "idle"
	StatePaused          State = "paused"
	StatePlayingAudio    State = "playing_audio"
	StatePlayingVideo    State = "playing_video"
	StatePlayingExternal State = "playing_external"
)

// ErrNotAuthorized is returned when a non-host, non-operator peer attempts
// a control operation.
var ErrNotAuthorized = errors.New("playback: not authorized")

// PlayLockTimeout bounds how long a device may hold the play transition
// lock before it is auto-released, so a crashed or slow sender can never
// wedge every other device's playback indefinitely (spec §4.10).
const PlayLockTimeout = 5 * time.Second

// Controller owns the shared playback state for one device. On a host
// device it is authoritative; on a guest it mirrors whatever the host
// last broadcast.
type Controller struct {
	timers *timers.Registry

	mu           sync.Mutex
	state        State
	trackSeconds float64
	lastUpdate   time.Time

	playLockHeld bool

	repeatMode   preload.RepeatMode
	shuffle      bool
	shuffleOrder []int
	currentIndex int
	playlistLen  int
	playlist     []protocol.ChannelMeta

	sink Sink
}

// New creates a Controller in the idle state.
func New(registry *timers.Registry, sink Sink) *Controller {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Controller{
		timers:     registry,
		state:      StateIdle,
		repeatMode: preload.RepeatOff,
		sink:       sink,
	}
}

// CanControl reports whether a peer with the given authority may issue a
// control request: the host always may; any other peer only if granted
// operator status.
func CanControl(isHost, isOperator bool) bool {
	return isHost || isOperator
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AcquirePlayLock takes the play-transition lock, arming a watchdog that
// force-releases it after PlayLockTimeout if ReleasePlayLock is never
// called (spec §4.10). Returns false if the lock is already held.
func (c *Controller) AcquirePlayLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playLockHeld {
		return false
	}
	c.playLockHeld = true
	c.timers.Set("play-lock", func() {
		c.mu.Lock()
		c.playLockHeld = false
		c.mu.Unlock()
	}, PlayLockTimeout)
	return true
}

// ReleasePlayLock releases the play-transition lock early.
func (c *Controller) ReleasePlayLock() {
	c.mu.Lock()
	c.playLockHeld = false
	c.mu.Unlock()
	c.timers.Clear("play-lock")
}

// RequestPlay transitions to StatePlayingAudio (or StatePlayingVideo if
// asVideo is set) from any state, provided the caller is authorized.
func (c *Controller) RequestPlay(isHost, isOperator bool, asVideo bool, atSeconds float64) error {
	if !CanControl(isHost, isOperator) {
		return ErrNotAuthorized
	}
	c.mu.Lock()
	state := StatePlayingAudio
	if asVideo {
		state = StatePlayingVideo
	}
	c.state = state
	c.trackSeconds = atSeconds
	c.lastUpdate = time.Now()
	c.mu.Unlock()
	return c.sink.Play(atSeconds)
}

// RequestPause transitions to StatePaused.
func (c *Controller) RequestPause(isHost, isOperator bool) error {
	if !CanControl(isHost, isOperator) {
		return ErrNotAuthorized
	}
	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()
	return c.sink.Pause()
}

// RequestSeek moves the playhead to seconds, valid from any playing or
// paused state.
func (c *Controller) RequestSeek(isHost, isOperator bool, seconds float64) error {
	if !CanControl(isHost, isOperator) {
		return ErrNotAuthorized
	}
	c.mu.Lock()
	c.trackSeconds = seconds
	c.lastUpdate = time.Now()
	c.mu.Unlock()
	return c.sink.Seek(seconds)
}

// SetPlaylist installs a new playlist and resets the current index,
// typically only called on the host when the operator edits the queue.
func (c *Controller) SetPlaylist(playlist []protocol.ChannelMeta, currentIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist = playlist
	c.playlistLen = len(playlist)
	c.currentIndex = currentIndex
}

// SetRepeatShuffle updates the repeat mode and shuffle order used by
// AdvanceOnTrackEnd.
func (c *Controller) SetRepeatShuffle(mode preload.RepeatMode, shuffle bool, order []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repeatMode = mode
	c.shuffle = shuffle
	c.shuffleOrder = order
}

// AdvanceOnTrackEnd computes the next track index per the current repeat/
// shuffle settings and advances CurrentIndex to it. Only the host calls
// this (guests receive the resulting track change from the host instead).
// Returns ok=false when the playlist has ended with no repeat.
func (c *Controller) AdvanceOnTrackEnd() (next int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next = preload.NextIndex(c.currentIndex, c.playlistLen, c.repeatMode, c.shuffle, c.shuffleOrder)
	if next == -1 {
		c.state = StateIdle
		return 0, false
	}
	c.currentIndex = next
	return next, true
}

// Snapshot is the full playback state sent to a guest as its late-join
// bootstrap (spec §4.10: "late-join bootstrap sequence").
type Snapshot struct {
	State        State
	TrackSeconds float64
	RepeatMode   preload.RepeatMode
	Shuffle      bool
	CurrentIndex int
	Playlist     []protocol.ChannelMeta
}

// Bootstrap returns the snapshot a newly (re)joined guest needs to catch
// up to the room's current playback state. If the controller is currently
// playing, TrackSeconds is extrapolated forward by the elapsed time since
// the last update so a late joiner starts close to in-sync rather than at
// the last known position.
func (c *Controller) Bootstrap() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	seconds := c.trackSeconds
	if c.state == StatePlayingAudio || c.state == StatePlayingVideo {
		seconds += time.Since(c.lastUpdate).Seconds()
	}
	playlist := make([]protocol.ChannelMeta, len(c.playlist))
	copy(playlist, c.playlist)
	return Snapshot{
		State:        c.state,
		TrackSeconds: seconds,
		RepeatMode:   c.repeatMode,
		Shuffle:      c.shuffle,
		CurrentIndex: c.currentIndex,
		Playlist:     playlist,
	}
}
