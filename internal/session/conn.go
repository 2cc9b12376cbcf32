package session

import (
	"sync"
	"time"
)

// latencyWindowSize bounds the rolling window of ping round-trip samples.
const latencyWindowSize = 10

// Conn holds the gateway's per-connection metadata. The Registry is the sole
// owner; other components reference connections by identity and must never
// retain one past Unregister.
type Conn struct {
	id     string
	userID string

	mu                sync.Mutex
	state             State
	createdAt         time.Time
	lastInbound       time.Time
	lastPing          time.Time
	lastPong          time.Time
	latencies         [latencyWindowSize]time.Duration
	latencyCount      int
	latencyNext       int
	reconnectAttempts int
	rooms             map[string]struct{}
}

// ID returns the opaque connection identity.
func (c *Conn) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// UserID returns the authenticated user this connection belongs to.
func (c *Conn) UserID() string {
	if c == nil {
		return ""
	}
	return c.userID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	if c == nil {
		return StateDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when the connection was registered.
func (c *Conn) CreatedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.createdAt
}

// RecordInbound notes that application traffic arrived, resetting the idle clock.
func (c *Conn) RecordInbound(now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastInbound = now
	c.mu.Unlock()
}

// RecordPing notes that a keepalive ping was sent.
func (c *Conn) RecordPing(now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

// RecordPong stores the measured round trip, resets the liveness clocks and the
// reconnect counter, and returns the recorded latency sample.
func (c *Conn) RecordPong(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rtt := time.Duration(0)
	if !c.lastPing.IsZero() && now.After(c.lastPing) {
		rtt = now.Sub(c.lastPing)
	}
	c.lastPong = now
	c.lastInbound = now
	c.reconnectAttempts = 0
	c.latencies[c.latencyNext] = rtt
	c.latencyNext = (c.latencyNext + 1) % latencyWindowSize
	if c.latencyCount < latencyWindowSize {
		c.latencyCount++
	}
	return rtt
}

// AverageLatency returns the mean of the rolling latency window, or zero when
// no samples have been collected yet.
func (c *Conn) AverageLatency() time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < c.latencyCount; i++ {
		total += c.latencies[i]
	}
	return total / time.Duration(c.latencyCount)
}

// LastInbound reports when application traffic was last observed.
func (c *Conn) LastInbound() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInbound
}

// LastPong reports when the peer last answered a ping.
func (c *Conn) LastPong() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// ReconnectAttempts returns the current reconnect counter.
func (c *Conn) ReconnectAttempts() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// BumpReconnectAttempts increments and returns the reconnect counter.
func (c *Conn) BumpReconnectAttempts() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts++
	return c.reconnectAttempts
}

// TrackRoom records a room subscription on the connection's own metadata.
func (c *Conn) TrackRoom(roomID string) {
	if c == nil || roomID == "" {
		return
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// ForgetRoom removes a room subscription and reports whether it was present.
func (c *Conn) ForgetRoom(roomID string) bool {
	if c == nil || roomID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// Rooms returns a snapshot of the connection's subscribed room identifiers.
func (c *Conn) Rooms() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

// InRoom reports whether the connection tracks a subscription to the room.
func (c *Conn) InRoom(roomID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// setState swaps the lifecycle state under the connection lock.
func (c *Conn) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}
