// Package sessionid implements the monotonic session-id allocator and
// validator described in spec §4.3. Every message about media carries a
// session id; a receiver discards anything older than its current session.
package sessionid

import "sync/atomic"

// Clock tracks the two session counters a device needs: CurrentSessionID is
// advanced when this device originates a new track load (host role);
// LocalSessionID is advanced when this device accepts an inbound session id
// from a peer (any role, including the host's own receive path).
type Clock struct {
	current atomic.Uint64
	local   atomic.Uint64
}

// New returns a Clock with both counters at zero (no session yet).
func New() *Clock {
	return &Clock{}
}

// Next allocates and returns the next CurrentSessionID. Used by the host
// whenever the operator changes tracks.
func (c *Clock) Next() uint64 {
	return c.current.Add(1)
}

// CurrentSessionID returns the session id this device uses when sending.
func (c *Clock) CurrentSessionID() uint64 {
	return c.current.Load()
}

// LocalSessionID returns the session id this device uses when receiving.
func (c *Clock) LocalSessionID() uint64 {
	return c.local.Load()
}

// Validate reports whether sid is acceptable as a new local session: it
// must be >= the device's current locally-known session. It does NOT
// advance LocalSessionID; call AdvanceLocal once the caller has actually
// accepted the new session (e.g. after processing FILE_START).
func (c *Clock) Validate(sid uint64) bool {
	return sid >= c.local.Load()
}

// IsStale reports whether sid is strictly older than the current local
// session — the discard condition from spec §3 and invariant 3.
func (c *Clock) IsStale(sid uint64) bool {
	return sid < c.local.Load()
}

// AdvanceLocal sets LocalSessionID to sid if sid is newer, and reports
// whether it advanced. Session ids never decrease (invariant 8): calling
// this with an older or equal sid is a no-op.
func (c *Clock) AdvanceLocal(sid uint64) bool {
	for {
		cur := c.local.Load()
		if sid <= cur {
			return false
		}
		if c.local.CompareAndSwap(cur, sid) {
			return true
		}
	}
}
