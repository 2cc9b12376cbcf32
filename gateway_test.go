package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatgrid/gateway/internal/codec"
	"chatgrid/gateway/internal/config"
	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/websockettest"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:               "127.0.0.1:0",
		MaxPayloadBytes:       1 << 20,
		PingInterval:          time.Minute,
		IdleTimeout:           time.Minute,
		PongTimeout:           time.Minute,
		MaxConnectionsPerRoom: 10,
		ResubscribeBatch:      10,
		BroadcastBatch:        1,
		BroadcastFlush:        10 * time.Millisecond,
		BroadcastQueueCap:     100,
		RetryQueueSize:        50,
		RetryTTL:              time.Minute,
		BackoffBase:           10 * time.Millisecond,
		BackoffMax:            100 * time.Millisecond,
		InboundRate:           1000,
		InboundBurst:          1000,
		HistoryLimit:          100,
	}
}

func newTestGateway(t *testing.T, opts ...GatewayOption) (*Gateway, *httptest.Server) {
	t.Helper()
	gateway := NewGateway(testConfig(), logging.NewTestLogger(), opts...)
	registerDefaultHandlers(gateway)
	server := httptest.NewServer(http.HandlerFunc(gateway.ServeWS))
	t.Cleanup(func() {
		gateway.Close()
		server.Close()
	})
	return gateway, server
}

func dialGateway(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user_id=" + userID
	conn, _, err := websockettest.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func encodeEnvelope(t *testing.T, kind codec.Kind, roomID string, payload []byte) []byte {
	t.Helper()
	frame, err := codec.Encode(&codec.Envelope{Kind: kind, RoomID: roomID, Payload: payload})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return frame
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, kind codec.Kind, roomID string, payload []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeEnvelope(t, kind, roomID, payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			return data
		}
	}
}

func readControl(t *testing.T, conn *websocket.Conn) controlFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read control frame: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal control frame: %v", err)
		}
		return frame
	}
}

func waitForLocalMembers(t *testing.T, gateway *Gateway, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gateway.Rooms().LocalCount(roomID) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q never reached %d members", roomID, want)
}

type recordingPublisher struct {
	mu     sync.Mutex
	rooms  []string
	frames [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, roomID string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, roomID)
	p.frames = append(p.frames, frame)
	return nil
}

func TestGatewayDeliversRoomTraffic(t *testing.T) {
	publisher := &recordingPublisher{}
	gateway, server := newTestGateway(t, WithPublisher(publisher))

	receiver := dialGateway(t, server, "user-b")
	sendEnvelope(t, receiver, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)

	sender := dialGateway(t, server, "user-a")
	sendEnvelope(t, sender, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 2)

	sendEnvelope(t, sender, codec.KindMessaging, "r1", []byte("hello there"))

	frame := readBinary(t, receiver)
	env, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("decode delivered frame: %v", err)
	}
	if env.Kind != codec.KindMessaging || env.RoomID != "r1" {
		t.Fatalf("delivered envelope = %+v", env)
	}
	if string(env.Payload) != "hello there" {
		t.Fatalf("payload = %q", env.Payload)
	}

	publisher.mu.Lock()
	published := len(publisher.frames)
	publisher.mu.Unlock()
	if published == 0 {
		t.Fatal("broadcast never reached the bridge publisher")
	}
}

func TestGatewayMalformedFrameKeepsConnectionOpen(t *testing.T) {
	gateway, server := newTestGateway(t)
	conn := dialGateway(t, server, "user-a")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	frame := readControl(t, conn)
	if frame.Type != "error" || frame.Msg == "" {
		t.Fatalf("control frame = %+v", frame)
	}

	// The connection survives and normal traffic still works.
	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)
}

func TestGatewayUnknownEnvelopeTypeReportsError(t *testing.T) {
	_, server := newTestGateway(t)
	conn := dialGateway(t, server, "user-a")

	frame, err := codec.Encode(&codec.Envelope{Kind: "teleport", RoomID: "r1"})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	control := readControl(t, conn)
	if control.Type != "error" {
		t.Fatalf("control frame = %+v", control)
	}
}

func TestGatewayDecoderFailureIsTerminal(t *testing.T) {
	gateway := NewGateway(testConfig(), logging.NewTestLogger())
	t.Cleanup(func() { gateway.Close() })
	conn, err := gateway.registry.Register("c1", "user-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Wire-level protocol errors are reported; the connection stays open.
	if !gateway.handleDecodeError(conn, &codec.ProtocolError{Reason: "malformed field tag"}) {
		t.Fatalf("protocol error must not end the read loop")
	}
	if gateway.ConnectionCount() != 1 {
		t.Fatalf("protocol error tore the connection down")
	}

	// Anything else means the decoder itself is broken; no later frame can
	// succeed, so the connection must go.
	if gateway.handleDecodeError(conn, errors.New("wire schema unavailable")) {
		t.Fatalf("decoder failure must end the read loop")
	}
	if gateway.ConnectionCount() != 0 {
		t.Fatalf("decoder failure left the connection registered")
	}
}

type cappedCounter struct {
	count int64
}

func (c *cappedCounter) Incr(context.Context, string) (int64, error) { c.count++; return c.count, nil }
func (c *cappedCounter) Decr(context.Context, string) (int64, error) { c.count--; return c.count, nil }
func (c *cappedCounter) Get(context.Context, string) (int64, error)  { return c.count, nil }

func TestGatewayRefusesJoinWhenRoomFull(t *testing.T) {
	counter := &cappedCounter{count: 10}
	_, server := newTestGateway(t, WithCounter(counter))
	conn := dialGateway(t, server, "user-a")

	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	control := readControl(t, conn)
	if control.Type != "room_full" {
		t.Fatalf("control frame = %+v", control)
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	authenticator, err := newHMACWebsocketAuthenticator("topsecret")
	if err != nil {
		t.Fatalf("authenticator setup: %v", err)
	}
	_, server := newTestGateway(t, WithAuthenticator(authenticator))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user_id=user-a&auth_token=bogus"
	conn, _, err := websockettest.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != closeAuthRequired {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeAuthRequired)
	}
}

func TestGatewayAcceptsSignedToken(t *testing.T) {
	gateway, server := newTestGateway(t)
	authenticator, err := newHMACWebsocketAuthenticator("topsecret")
	if err != nil {
		t.Fatalf("authenticator setup: %v", err)
	}
	WithAuthenticator(authenticator)(gateway)

	token := signTestToken(t, "topsecret", "user-a", time.Now().Add(time.Hour))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user_id=user-a&auth_token=" + token
	conn, _, err := websockettest.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)
}

func TestDisconnectUserSendsReconnectGuidance(t *testing.T) {
	gateway, server := newTestGateway(t)
	conn := dialGateway(t, server, "user-a")
	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)

	if got := gateway.DisconnectUser(context.Background(), "user-a"); got != 1 {
		t.Fatalf("DisconnectUser = %d, want 1", got)
	}

	guidance := readControl(t, conn)
	if guidance.Type != "reconnect_guidance" {
		t.Fatalf("control frame = %+v", guidance)
	}
	if guidance.Attempts != 1 || guidance.BackoffMs <= 0 {
		t.Fatalf("guidance = %+v", guidance)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok {
				t.Fatalf("expected close error, got %v", err)
			}
			if closeErr.Code != closeAdminAction {
				t.Fatalf("close code = %d, want %d", closeErr.Code, closeAdminAction)
			}
			break
		}
	}

	if gateway.ConnectionCount() != 0 {
		t.Fatalf("connections = %d after disconnect", gateway.ConnectionCount())
	}
}

func TestTeardownDeliversGuidanceBeforeClose(t *testing.T) {
	gateway, server := newTestGateway(t)
	conn := dialGateway(t, server, "user-a")
	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)

	// Keep the write pump busy so teardown has to contend for the socket.
	for i := 0; i < 20; i++ {
		gateway.BroadcastEnvelope(context.Background(), &codec.Envelope{Kind: codec.KindTyping, RoomID: "r1"})
	}
	gateway.DisconnectUser(context.Background(), "user-a")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawGuidance := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok {
				t.Fatalf("expected close error, got %v", err)
			}
			if closeErr.Code != closeAdminAction {
				t.Fatalf("close code = %d, want %d", closeErr.Code, closeAdminAction)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "reconnect_guidance" {
			sawGuidance = true
		}
	}
	if !sawGuidance {
		t.Fatal("connection closed without reconnect guidance on the wire first")
	}
}

func TestGatewayCountsForReadiness(t *testing.T) {
	gateway, server := newTestGateway(t)
	if gateway.ConnectionCount() != 0 || gateway.RoomCount() != 0 {
		t.Fatal("fresh gateway reports stale counts")
	}
	conn := dialGateway(t, server, "user-a")
	sendEnvelope(t, conn, codec.KindJoin, "r1", nil)
	waitForLocalMembers(t, gateway, "r1", 1)

	if gateway.ConnectionCount() != 1 || gateway.RoomCount() != 1 {
		t.Fatalf("counts = %d connections, %d rooms",
			gateway.ConnectionCount(), gateway.RoomCount())
	}
	if gateway.Uptime() <= 0 {
		t.Fatal("uptime not advancing")
	}
}

func signTestToken(t *testing.T, secret, userID string, expiry time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"sub": userID, "exp": expiry.Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signed := header + "." + base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
