// Package syncengine implements the Sync Engine (spec §4.9): the
// heartbeat/ping cadence that keeps a clock estimate fresh, the
// GET_SYNC_TIME round trip used to bootstrap a late joiner, global resync
// broadcasts, and debounced manual nudges.
package syncengine

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"syncroom/internal/timers"
)

// Cadences and thresholds from spec §4.9.
const (
	HeartbeatInterval = time.Second
	PingInterval      = 2 * time.Second
	rttHistorySize    = 10

	getSyncTimeFirstRetry  = 150 * time.Millisecond
	getSyncTimeSecondRetry = 300 * time.Millisecond
	getSyncTimeMaxAttempts = 3 // initial attempt + 2 busy-retries

	globalResyncJitterMax = 500 * time.Millisecond
	NudgeDebounce         = 450 * time.Millisecond
)

// Engine tracks round-trip latency samples and drives the timers backing
// the heartbeat/ping/resync/nudge cadences. One Engine exists per device;
// UsePingCompensation defaults to false (the spec assumes a LAN where
// halving RTT to compensate for one-way trip is unnecessary noise).
type Engine struct {
	timers              *timers.Registry
	logger              *slog.Logger
	UsePingCompensation bool

	mu  sync.Mutex
	rtt []time.Duration // ring of up to rttHistorySize most recent samples
}

// New creates a Sync Engine using registry for its named timers.
func New(registry *timers.Registry, usePingCompensation bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		timers:              registry,
		logger:              logger.With("component", "sync"),
		UsePingCompensation: usePingCompensation,
	}
}

// StartHeartbeat arms the 1Hz heartbeat timer, calling onTick every
// HeartbeatInterval until cancelled via StopHeartbeat.
func (e *Engine) StartHeartbeat(onTick func()) {
	e.timers.SetInterval("heartbeat", onTick, HeartbeatInterval)
}

// StopHeartbeat cancels the heartbeat timer.
func (e *Engine) StopHeartbeat() {
	e.timers.Clear("heartbeat")
}

// StartPing arms the 2s ping timer, calling onTick every PingInterval.
func (e *Engine) StartPing(onTick func()) {
	e.timers.SetInterval("ping", onTick, PingInterval)
}

// StopPing cancels the ping timer.
func (e *Engine) StopPing() {
	e.timers.Clear("ping")
}

// RecordRTT adds a round-trip sample to the rolling history, keeping at
// most the last rttHistorySize samples.
func (e *Engine) RecordRTT(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtt = append(e.rtt, d)
	if len(e.rtt) > rttHistorySize {
		e.rtt = e.rtt[len(e.rtt)-rttHistorySize:]
	}
}

// MinRTT returns the smallest sample in the rolling history (spec §4.9:
// "min of last 10"), or 0 if no samples have been recorded yet.
func (e *Engine) MinRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rtt) == 0 {
		return 0
	}
	min := e.rtt[0]
	for _, d := range e.rtt[1:] {
		if d < min {
			min = d
		}
	}
	return min
}

// CompensatedTime adjusts a reported playback time for one-way network
// delay using half of MinRTT, but only when UsePingCompensation is set;
// otherwise the time passes through unchanged (the LAN assumption).
func (e *Engine) CompensatedTime(reportedSeconds float64) float64 {
	if !e.UsePingCompensation {
		return reportedSeconds
	}
	return reportedSeconds + e.MinRTT().Seconds()/2
}

// RequestSyncTime attempts one GET_SYNC_TIME round trip via attempt.
// attempt returns (responded, busy): responded is true once the host has
// actually answered; busy means the host replied that it cannot service
// the request right now. On busy, RequestSyncTime retries after 150ms and
// then 300ms before giving up (spec §4.9). onGiveUp is called if every
// attempt reports busy or failure.
func (e *Engine) RequestSyncTime(attempt func() (responded bool, busy bool), onGiveUp func()) {
	e.requestSyncTimeAttempt(attempt, onGiveUp, 0)
}

func (e *Engine) requestSyncTimeAttempt(attempt func() (bool, bool), onGiveUp func(), tries int) {
	responded, busy := attempt()
	if responded {
		return
	}
	if !busy || tries+1 >= getSyncTimeMaxAttempts {
		onGiveUp()
		return
	}
	delay := getSyncTimeFirstRetry
	if tries == 1 {
		delay = getSyncTimeSecondRetry
	}
	e.timers.Set("get-sync-time-retry", func() {
		e.requestSyncTimeAttempt(attempt, onGiveUp, tries+1)
	}, delay)
}

// ScheduleGlobalResync fires onFire after a random 0-500ms jitter, spacing
// out a broadcast resync so every guest does not re-request sync time in
// the same instant (spec §4.9).
func (e *Engine) ScheduleGlobalResync(onFire func()) {
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(globalResyncJitterMax)))
	delay := globalResyncJitterMax
	if err == nil {
		delay = time.Duration(jitter.Int64())
	}
	e.timers.Set("global-resync", onFire, delay)
}

// ScheduleNudge debounces a manual nudge request: repeated calls within
// NudgeDebounce of each other collapse into a single firing of onFire.
func (e *Engine) ScheduleNudge(onFire func()) {
	e.timers.Set("nudge", onFire, NudgeDebounce)
}
