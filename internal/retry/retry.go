// Package retry computes reconnect backoff delays and maintains the bounded,
// time-bounded per-connection retry queues used to bridge short disconnects.
package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Policy describes the exponential backoff shared by client reconnect guidance
// and broker resubscription retries.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// jitter returns a value in [0,1); overridable for deterministic tests.
	jitter func() float64
}

// NewPolicy constructs a backoff policy with ±10% jitter.
func NewPolicy(base, max time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return Policy{Base: base, Max: max, jitter: rand.Float64}
}

// WithJitterSource overrides the jitter source; primarily used in tests.
func (p Policy) WithJitterSource(jitter func() float64) Policy {
	if jitter != nil {
		p.jitter = jitter
	}
	return p
}

// Backoff returns min(Max, Base·2^attempt) with ±10% jitter applied after the
// cap, so the expected delay is non-decreasing in the attempt number.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt && delay < p.Max; i++ {
		delay *= 2
	}
	if delay > p.Max {
		delay = p.Max
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	// Scale into [0.9, 1.1).
	factor := 0.9 + 0.2*jitter()
	return time.Duration(float64(delay) * factor)
}

// Envelope is a broadcast copied into a retry queue for deferred delivery.
type Envelope struct {
	RoomID   string
	Frame    []byte
	QueuedAt time.Time
	Attempts int
}

// Controller owns every per-connection retry queue.
type Controller struct {
	policy  Policy
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	queues map[string][]Envelope
}

// Option customises controller construction.
type Option func(*Controller)

// WithClock overrides the controller time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewController constructs a retry controller with the given queue bounds.
func NewController(policy Policy, maxSize int, ttl time.Duration, opts ...Option) *Controller {
	if maxSize <= 0 {
		maxSize = 50
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	controller := &Controller{
		policy:  policy,
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		queues:  make(map[string][]Envelope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(controller)
		}
	}
	return controller
}

// Policy exposes the backoff policy for reconnect guidance.
func (c *Controller) Policy() Policy {
	if c == nil {
		return NewPolicy(time.Second, 30*time.Second)
	}
	return c.policy
}

// Queue appends a broadcast to the connection's retry queue, evicting the
// oldest entry when the bound is reached. It reports whether an entry was
// evicted so callers can log the overflow.
func (c *Controller) Queue(connID, roomID string, frame []byte) bool {
	if c == nil || connID == "" || len(frame) == 0 {
		return false
	}
	entry := Envelope{
		RoomID:   roomID,
		Frame:    append([]byte(nil), frame...),
		QueuedAt: c.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queues[connID]
	evicted := false
	if len(queue) >= c.maxSize {
		queue = queue[1:]
		evicted = true
	}
	c.queues[connID] = append(queue, entry)
	return evicted
}

// Drain removes and returns the connection's still-live retry entries grouped
// by room, alongside the number of entries dropped because they exceeded the
// TTL. Expired entries are purged, never delivered late.
func (c *Controller) Drain(connID string) (map[string][][]byte, int) {
	if c == nil || connID == "" {
		return nil, 0
	}
	c.mu.Lock()
	queue := c.queues[connID]
	delete(c.queues, connID)
	c.mu.Unlock()
	if len(queue) == 0 {
		return nil, 0
	}

	cutoff := c.now().Add(-c.ttl)
	grouped := make(map[string][][]byte)
	expired := 0
	for _, entry := range queue {
		if entry.QueuedAt.Before(cutoff) {
			expired++
			continue
		}
		grouped[entry.RoomID] = append(grouped[entry.RoomID], entry.Frame)
	}
	if len(grouped) == 0 {
		return nil, expired
	}
	return grouped, expired
}

// Drop discards the connection's retry queue without delivery.
func (c *Controller) Drop(connID string) {
	if c == nil || connID == "" {
		return
	}
	c.mu.Lock()
	delete(c.queues, connID)
	c.mu.Unlock()
}

// Pending reports how many entries a connection has queued.
func (c *Controller) Pending(connID string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[connID])
}
