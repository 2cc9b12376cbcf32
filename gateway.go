package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatgrid/gateway/internal/codec"
	"chatgrid/gateway/internal/config"
	"chatgrid/gateway/internal/heartbeat"
	"chatgrid/gateway/internal/history"
	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/metrics"
	"chatgrid/gateway/internal/retry"
	"chatgrid/gateway/internal/rooms"
	"chatgrid/gateway/internal/router"
	"chatgrid/gateway/internal/session"
)

// Application close codes in the private 4xxx range. Each fatal cause gets its
// own status so clients can distinguish auth problems from liveness ones.
const (
	closeAuthRequired = 4401
	closeIdleTimeout  = 4408
	closeUnresponsive = 4409
	closeAdminAction  = 4410
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Handler consumes a decoded envelope on behalf of one registered kind. It
// runs on the connection's dispatch loop and must not block; long work is the
// handler's own responsibility to offload.
type Handler func(connID string, env *codec.Envelope)

// controlFrame is the JSON side channel for conditions that are not envelope
// traffic.
type controlFrame struct {
	Type         string `json:"type"`
	Msg          string `json:"msg,omitempty"`
	Reason       string `json:"reason,omitempty"`
	BackoffMs    int64  `json:"backoff_ms,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	MaxBackoffMs int64  `json:"max_backoff_ms,omitempty"`
}

// outbound is one queued socket write.
type outbound struct {
	messageType int
	data        []byte
}

// peer owns the websocket half of a connection: the socket itself, the write
// queue, and the inbound rate limiter.
type peer struct {
	socket  *websocket.Conn
	send    chan outbound
	limiter *rate.Limiter

	// writeMu serialises message writes between the pump and teardown.
	writeMu sync.Mutex

	once sync.Once
	done chan struct{}
}

// write pushes one message to the socket under the shared write lock.
func (p *peer) write(messageType int, data []byte, deadline time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.socket.SetWriteDeadline(deadline)
	return p.socket.WriteMessage(messageType, data)
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.socket.Close()
	})
}

// Gateway ties the transport to the registry, room index, router, heartbeat
// monitor and retry controller.
type Gateway struct {
	cfg *config.Config
	log *logging.Logger
	now func() time.Time

	authenticator websocketAuthenticator
	counter       rooms.Counter
	publisher     router.Publisher
	history       history.Recorder

	registry   *session.Registry
	rooms      *rooms.Index
	router     *router.Router
	heartbeats *heartbeat.Monitor
	retries    *retry.Controller
	deliveries *metrics.DeliveryMetrics
	upgrader   websocket.Upgrader

	started    time.Time
	startupErr error

	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[codec.Kind]Handler
}

// GatewayOption customises construction.
type GatewayOption func(*Gateway)

// WithAuthenticator replaces the connection authenticator.
func WithAuthenticator(authenticator websocketAuthenticator) GatewayOption {
	return func(g *Gateway) {
		if authenticator != nil {
			g.authenticator = authenticator
		}
	}
}

// WithPublisher wires the distributed bridge the router publishes through.
func WithPublisher(publisher router.Publisher) GatewayOption {
	return func(g *Gateway) { g.publisher = publisher }
}

// WithCounter wires the distributed room member counter.
func WithCounter(counter rooms.Counter) GatewayOption {
	return func(g *Gateway) { g.counter = counter }
}

// WithHistory wires the room history recorder replayed on join.
func WithHistory(recorder history.Recorder) GatewayOption {
	return func(g *Gateway) { g.history = recorder }
}

// WithGatewayClock injects a time source for tests.
func WithGatewayClock(clock func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewGateway assembles the full connection pipeline from the configuration.
func NewGateway(cfg *config.Config, logger *logging.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = logging.L()
	}
	g := &Gateway{
		cfg:           cfg,
		log:           logger,
		now:           time.Now,
		authenticator: allowAllAuthenticator{},
		peers:         make(map[string]*peer),
		handlers:      make(map[codec.Kind]Handler),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.started = g.now()

	g.deliveries = metrics.NewDeliveryMetrics()
	g.registry = session.NewRegistry(logger,
		session.WithClock(g.now), session.WithCleanup(g.cleanupConn))
	g.rooms = rooms.NewIndex(g.counter, cfg.MaxConnectionsPerRoom, cfg.ResubscribeBatch, logger)
	policy := retry.NewPolicy(cfg.BackoffBase, cfg.BackoffMax)
	g.retries = retry.NewController(policy, cfg.RetryQueueSize, cfg.RetryTTL)
	g.router = router.New(router.Options{
		Members:       g.rooms,
		Sender:        g,
		Publisher:     g.publisher,
		Metrics:       g.deliveries,
		Logger:        logger,
		BatchSize:     cfg.BroadcastBatch,
		FlushEvery:    cfg.BroadcastFlush,
		QueueCap:      cfg.BroadcastQueueCap,
		OnSendFailure: g.handleSendFailure,
	})
	g.heartbeats = heartbeat.NewMonitor(heartbeat.Options{
		Pinger:      g,
		Logger:      logger,
		Base:        cfg.PingInterval,
		Adaptive:    cfg.AdaptivePing,
		Idle:        cfg.IdleTimeout,
		PongWait:    cfg.PongTimeout,
		OnTimeout:   g.handleTimeout,
		OnFirstPong: g.handleFirstPong,
		Clock:       g.now,
	})
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// RegisterHandler binds a collaborator handler to an envelope kind. Join and
// leave stay with the gateway itself.
func (g *Gateway) RegisterHandler(kind codec.Kind, handler Handler) error {
	if !kind.Known() {
		return errors.New("unknown envelope kind")
	}
	if kind == codec.KindJoin || kind == codec.KindLeave {
		return errors.New("join and leave are handled by the gateway")
	}
	g.mu.Lock()
	g.handlers[kind] = handler
	g.mu.Unlock()
	return nil
}

// Router exposes the broadcast router to collaborator wiring.
func (g *Gateway) Router() *router.Router { return g.router }

// Rooms exposes the membership index to collaborator wiring.
func (g *Gateway) Rooms() *rooms.Index { return g.rooms }

// Deliveries exposes the delivery metrics for the operational endpoints.
func (g *Gateway) Deliveries() *metrics.DeliveryMetrics { return g.deliveries }

// BroadcastEnvelope encodes the envelope, records messaging traffic in the
// room history, and fans it out through the router.
func (g *Gateway) BroadcastEnvelope(ctx context.Context, env *codec.Envelope) error {
	frame, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if env.Kind == codec.KindMessaging && g.history != nil {
		if err := g.history.Append(ctx, env.RoomID, frame); err != nil {
			g.log.Warn("history append failed",
				logging.String("room_id", env.RoomID), logging.Error(err))
		}
	}
	g.router.Broadcast(ctx, env.RoomID, frame)
	return nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(parsed.Host, allowed) || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request, authenticates the peer, and starts the read
// and write pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	userID, err := g.authenticator.Authenticate(r)
	if err != nil {
		g.log.Warn("authentication rejected",
			logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		deadline := g.now().Add(writeWait)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthRequired, "authentication required"), deadline)
		_ = socket.Close()
		return
	}

	connID := uuid.NewString()
	conn, err := g.registry.Register(connID, userID)
	if err != nil {
		deadline := g.now().Add(writeWait)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "registration failed"), deadline)
		_ = socket.Close()
		return
	}
	g.registry.Transition(conn, session.StateConnected)

	p := &peer{
		socket:  socket,
		send:    make(chan outbound, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.InboundRate), g.cfg.InboundBurst),
		done:    make(chan struct{}),
	}
	g.mu.Lock()
	g.peers[connID] = p
	g.mu.Unlock()

	socket.SetReadLimit(g.cfg.MaxPayloadBytes)
	socket.SetPongHandler(func(string) error {
		g.heartbeats.HandlePong(conn)
		return nil
	})

	g.log.Info("connection established",
		logging.String("conn_id", connID), logging.String("user_id", userID))

	go g.writePump(conn, p)
	go g.readPump(conn, p)
	g.heartbeats.Start(conn)
}

func (g *Gateway) readPump(conn *session.Conn, p *peer) {
	defer g.registry.Unregister(conn.ID())
	for {
		_, data, err := p.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Info("connection read ended", logging.String("conn_id", conn.ID()), logging.Error(err))
			}
			return
		}
		if !p.limiter.Allow() {
			g.log.Warn("inbound frame rate limit exceeded, dropping frame",
				logging.String("conn_id", conn.ID()))
			continue
		}
		conn.RecordInbound(g.now())
		env, err := codec.Decode(data)
		if err != nil {
			if g.handleDecodeError(conn, err) {
				continue
			}
			return
		}
		g.dispatch(conn, env)
	}
}

// handleDecodeError reports a malformed frame back to the sender and keeps the
// connection open. Anything that is not a wire-level protocol error means the
// codec itself is broken; no later frame can fare better, so the connection is
// torn down. Returns whether the read loop should continue.
func (g *Gateway) handleDecodeError(conn *session.Conn, err error) bool {
	var protoErr *codec.ProtocolError
	if errors.As(err, &protoErr) {
		g.sendControl(conn, controlFrame{Type: "error", Msg: protoErr.Reason})
		return true
	}
	g.log.Error("frame decode failed terminally",
		logging.String("conn_id", conn.ID()), logging.Error(err))
	g.teardown(conn, websocket.CloseInternalServerErr, "decoder unavailable")
	return false
}

func (g *Gateway) dispatch(conn *session.Conn, env *codec.Envelope) {
	ctx := context.Background()
	switch env.Kind {
	case codec.KindJoin:
		g.handleJoin(ctx, conn, env.RoomID)
	case codec.KindLeave:
		g.rooms.Leave(ctx, conn, env.RoomID)
	default:
		if !env.Kind.Known() {
			g.sendControl(conn, controlFrame{Type: "error", Msg: "unknown envelope type"})
			return
		}
		g.mu.RLock()
		handler := g.handlers[env.Kind]
		g.mu.RUnlock()
		if handler == nil {
			g.sendControl(conn, controlFrame{Type: "error", Msg: "no handler for envelope type"})
			return
		}
		handler(conn.ID(), env)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn *session.Conn, roomID string) {
	if err := g.rooms.Join(ctx, conn, roomID); err != nil {
		if errors.Is(err, rooms.ErrRoomFull) {
			g.sendControl(conn, controlFrame{Type: "room_full", Reason: err.Error()})
			return
		}
		g.sendControl(conn, controlFrame{Type: "error", Msg: err.Error()})
		return
	}
	if g.history == nil {
		return
	}
	frames, err := g.history.Recent(ctx, roomID, g.cfg.HistoryLimit)
	if err != nil {
		g.log.Warn("history replay failed",
			logging.String("room_id", roomID), logging.Error(err))
		return
	}
	for _, frame := range frames {
		if err := g.Send(conn, frame); err != nil {
			break
		}
	}
}

// handleFirstPong advances a freshly connected peer to AUTHENTICATED, rejoins
// its previously tracked rooms in batches, and drains any queued retries.
func (g *Gateway) handleFirstPong(conn *session.Conn) {
	if !g.registry.Transition(conn, session.StateAuthenticated) {
		return
	}
	go func() {
		ctx := context.Background()
		joined, full, err := g.rooms.ResubscribeAll(ctx, conn)
		if err != nil {
			g.log.Warn("resubscription incomplete",
				logging.String("conn_id", conn.ID()), logging.Error(err))
		}
		for _, roomID := range full {
			g.sendControl(conn, controlFrame{Type: "room_full", Reason: "room " + roomID + " is full"})
		}
		g.registry.Transition(conn, session.StateSubscribed)
		g.log.Info("connection subscribed",
			logging.String("conn_id", conn.ID()), logging.Int("rooms", joined))
		g.drainRetries(conn)
	}()
}

func (g *Gateway) drainRetries(conn *session.Conn) {
	queued, expired := g.retries.Drain(conn.UserID())
	if expired > 0 {
		g.log.Info("expired retry entries dropped",
			logging.String("user_id", conn.UserID()), logging.Int("expired", expired))
	}
	for roomID, frames := range queued {
		for _, frame := range frames {
			g.router.DeliverLocal(roomID, frame)
		}
	}
}

// handleSendFailure queues the failed frame for redelivery and tears the
// broken connection down.
func (g *Gateway) handleSendFailure(conn *session.Conn, roomID string, frame []byte, err error) {
	g.retries.Queue(conn.UserID(), roomID, frame)
	g.teardown(conn, closeUnresponsive, "send failed")
}

func (g *Gateway) handleTimeout(conn *session.Conn, reason heartbeat.Reason) {
	code := closeUnresponsive
	if reason == heartbeat.ReasonIdle {
		code = closeIdleTimeout
	}
	g.teardown(conn, code, string(reason))
}

// teardown sends reconnect guidance, closes the socket with the given status,
// and unregisters the connection. Safe to call more than once.
func (g *Gateway) teardown(conn *session.Conn, closeCode int, reason string) {
	if conn == nil {
		return
	}
	p := g.peerFor(conn.ID())
	if p != nil {
		attempts := conn.BumpReconnectAttempts()
		policy := g.retries.Policy()
		guidance, err := json.Marshal(controlFrame{
			Type:         "reconnect_guidance",
			Reason:       reason,
			BackoffMs:    policy.Backoff(attempts - 1).Milliseconds(),
			Attempts:     attempts,
			MaxBackoffMs: g.cfg.BackoffMax.Milliseconds(),
		})
		deadline := g.now().Add(writeWait)
		// Guidance has to reach the wire before the close frame, so it
		// bypasses the asynchronous pump.
		if err == nil {
			_ = p.write(websocket.TextMessage, guidance, deadline)
		}
		_ = p.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, reason), deadline)
	}
	g.registry.Unregister(conn.ID())
}

// cleanupConn is the registry's unregister hook: it cancels timers, leaves
// rooms, forgets metrics, and closes the socket exactly once per connection.
func (g *Gateway) cleanupConn(conn *session.Conn) {
	g.heartbeats.Stop(conn.ID())
	g.rooms.LeaveAll(context.Background(), conn)
	g.deliveries.ForgetConn(conn.ID())

	g.mu.Lock()
	p := g.peers[conn.ID()]
	delete(g.peers, conn.ID())
	g.mu.Unlock()
	if p != nil {
		p.close()
	}
	g.log.Info("connection closed",
		logging.String("conn_id", conn.ID()), logging.String("user_id", conn.UserID()))
}

func (g *Gateway) peerFor(connID string) *peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peers[connID]
}

// Send implements the router's Sender: it queues a binary frame on the
// connection's write pump without blocking the flush loop.
func (g *Gateway) Send(conn *session.Conn, frame []byte) error {
	p := g.peerFor(conn.ID())
	if p == nil {
		return errors.New("connection has no socket")
	}
	select {
	case p.send <- outbound{messageType: websocket.BinaryMessage, data: frame}:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	default:
		return errors.New("outbound buffer full")
	}
}

// Ping implements the heartbeat monitor's Pinger.
func (g *Gateway) Ping(conn *session.Conn) error {
	p := g.peerFor(conn.ID())
	if p == nil {
		return errors.New("connection has no socket")
	}
	select {
	case p.send <- outbound{messageType: websocket.PingMessage}:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	default:
		return errors.New("outbound buffer full")
	}
}

func (g *Gateway) sendControl(conn *session.Conn, frame controlFrame) {
	p := g.peerFor(conn.ID())
	if p == nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case p.send <- outbound{messageType: websocket.TextMessage, data: data}:
	case <-p.done:
	default:
		g.log.Warn("control frame dropped, outbound buffer full",
			logging.String("conn_id", conn.ID()), logging.String("control_type", frame.Type))
	}
}

func (g *Gateway) writePump(conn *session.Conn, p *peer) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			if err := p.write(msg.messageType, msg.data, g.now().Add(writeWait)); err != nil {
				g.log.Warn("socket write failed",
					logging.String("conn_id", conn.ID()), logging.Error(err))
				g.registry.Unregister(conn.ID())
				return
			}
		}
	}
}

// DisconnectUser force-closes every connection of one user; the admin HTTP
// endpoint calls it.
func (g *Gateway) DisconnectUser(_ context.Context, userID string) int {
	conns := g.registry.UserConnections(userID)
	for _, conn := range conns {
		g.teardown(conn, closeAdminAction, "disconnected by administrator")
	}
	return len(conns)
}

// ConnectionCount reports currently registered connections.
func (g *Gateway) ConnectionCount() int { return g.registry.Count() }

// RoomCount reports rooms with at least one local member.
func (g *Gateway) RoomCount() int { return len(g.rooms.RoomIDs()) }

// StartupError surfaces dependency failures to the readiness endpoint.
func (g *Gateway) StartupError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.startupErr
}

// SetStartupError records a startup dependency failure.
func (g *Gateway) SetStartupError(err error) {
	g.mu.Lock()
	g.startupErr = err
	g.mu.Unlock()
}

// Uptime reports how long the gateway has been serving.
func (g *Gateway) Uptime() time.Duration { return g.now().Sub(g.started) }

// Close tears down every connection and stops the router.
func (g *Gateway) Close() {
	g.mu.Lock()
	peers := make(map[string]*peer, len(g.peers))
	for id, p := range g.peers {
		peers[id] = p
	}
	g.mu.Unlock()
	for id := range peers {
		if conn, ok := g.registry.Lookup(id); ok {
			g.teardown(conn, websocket.CloseGoingAway, "server shutting down")
		}
	}
	g.router.Close()
}
