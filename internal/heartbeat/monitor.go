// Package heartbeat schedules adaptive per-connection ping cycles and closes
// connections that go idle or stop answering.
package heartbeat

import (
	"math/rand"
	"sync"
	"time"

	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/session"
)

// Reason distinguishes the two timeout causes so close frames can carry a
// distinct status per cause.
type Reason string

const (
	ReasonIdle         Reason = "idle_timeout"
	ReasonUnresponsive Reason = "unresponsive"
)

const (
	// lowLatencyFloor holds the interval at its base below this average RTT.
	lowLatencyFloor = 100 * time.Millisecond
	// highLatencyCeiling doubles the interval at or above this average RTT.
	highLatencyCeiling = 500 * time.Millisecond
	// jitterSpan is the ±1s randomisation applied to every scheduled delay.
	jitterSpan = time.Second
)

// Pinger writes a protocol-level ping to the peer.
type Pinger interface {
	Ping(conn *session.Conn) error
}

// Options configures a Monitor.
type Options struct {
	Pinger   Pinger
	Logger   *logging.Logger
	Base     time.Duration
	Adaptive bool
	Idle     time.Duration
	PongWait time.Duration

	// OnTimeout tears the connection down with a cause-specific status.
	OnTimeout func(conn *session.Conn, reason Reason)
	// OnFirstPong fires when a CONNECTED peer proves liveness for the first
	// time; the gateway advances it to AUTHENTICATED and resubscribes rooms.
	OnFirstPong func(conn *session.Conn)

	// Clock and Jitter are test seams.
	Clock  func() time.Time
	Jitter func() float64
}

// Monitor owns one reschedulable timer per connection. Timers are cancelled on
// teardown so no scheduled work outlives a destroyed connection.
type Monitor struct {
	pinger      Pinger
	log         *logging.Logger
	base        time.Duration
	adaptive    bool
	idle        time.Duration
	pongWait    time.Duration
	onTimeout   func(conn *session.Conn, reason Reason)
	onFirstPong func(conn *session.Conn)
	now         func() time.Time
	jitter      func() float64

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMonitor constructs a heartbeat monitor from the supplied options.
func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	base := opts.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	idle := opts.Idle
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return &Monitor{
		pinger:      opts.Pinger,
		log:         logger,
		base:        base,
		adaptive:    opts.Adaptive,
		idle:        idle,
		pongWait:    pongWait,
		onTimeout:   opts.OnTimeout,
		onFirstPong: opts.OnFirstPong,
		now:         clock,
		jitter:      jitter,
		timers:      make(map[string]*time.Timer),
	}
}

// Interval computes the next ping delay for the connection: the base interval,
// widened up to 2× as the rolling average latency climbs from 100ms to 500ms,
// plus ±1s of jitter to spread pings across the fleet.
func (m *Monitor) Interval(conn *session.Conn) time.Duration {
	if m == nil {
		return 30 * time.Second
	}
	interval := m.base
	if m.adaptive {
		avg := conn.AverageLatency()
		switch {
		case avg <= lowLatencyFloor:
			// hold at base
		case avg >= highLatencyCeiling:
			interval = 2 * m.base
		default:
			span := float64(highLatencyCeiling - lowLatencyFloor)
			fraction := float64(avg-lowLatencyFloor) / span
			interval = m.base + time.Duration(fraction*float64(m.base))
		}
	}
	offset := time.Duration((m.jitter()*2 - 1) * float64(jitterSpan))
	interval += offset
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Start begins the ping schedule for a freshly registered connection.
func (m *Monitor) Start(conn *session.Conn) {
	if m == nil || conn == nil {
		return
	}
	m.schedule(conn)
}

// Stop cancels the connection's pending timer; idempotent.
func (m *Monitor) Stop(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	if timer, ok := m.timers[connID]; ok {
		timer.Stop()
		delete(m.timers, connID)
	}
	m.mu.Unlock()
}

func (m *Monitor) schedule(conn *session.Conn) {
	delay := m.Interval(conn)
	m.mu.Lock()
	if timer, ok := m.timers[conn.ID()]; ok {
		timer.Stop()
	}
	m.timers[conn.ID()] = time.AfterFunc(delay, func() { m.tick(conn) })
	m.mu.Unlock()
}

// tick runs the two timeout checks and sends the next ping. The checks are
// independent: either one may close the connection on its own.
func (m *Monitor) tick(conn *session.Conn) {
	if m == nil || conn == nil {
		return
	}
	if conn.State() == session.StateDisconnected {
		m.Stop(conn.ID())
		return
	}
	now := m.now()

	if idleFor := now.Sub(conn.LastInbound()); idleFor > m.idle {
		m.log.Info("closing idle connection",
			logging.String("conn_id", conn.ID()),
			logging.Duration("idle_for", idleFor))
		m.expire(conn, ReasonIdle)
		return
	}

	lastProof := conn.LastPong()
	if lastProof.IsZero() {
		lastProof = conn.CreatedAt()
	}
	if silent := now.Sub(lastProof); silent > m.pongWait {
		m.log.Info("closing unresponsive connection",
			logging.String("conn_id", conn.ID()),
			logging.Duration("silent_for", silent))
		m.expire(conn, ReasonUnresponsive)
		return
	}

	if m.pinger != nil {
		if err := m.pinger.Ping(conn); err != nil {
			m.log.Warn("ping write failed",
				logging.String("conn_id", conn.ID()), logging.Error(err))
			m.expire(conn, ReasonUnresponsive)
			return
		}
	}
	conn.RecordPing(now)
	m.schedule(conn)
}

func (m *Monitor) expire(conn *session.Conn, reason Reason) {
	m.Stop(conn.ID())
	if m.onTimeout != nil {
		m.onTimeout(conn, reason)
	}
}

// HandlePong records the round trip and, for the first pong after the peer
// reached CONNECTED, hands the connection to the authentication follow-up.
func (m *Monitor) HandlePong(conn *session.Conn) {
	if m == nil || conn == nil {
		return
	}
	rtt := conn.RecordPong(m.now())
	m.log.Debug("pong received",
		logging.String("conn_id", conn.ID()),
		logging.Duration("rtt", rtt))
	if conn.State() == session.StateConnected && m.onFirstPong != nil {
		m.onFirstPong(conn)
	}
}
