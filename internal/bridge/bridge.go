// Package bridge fans room traffic across gateway processes over Redis
// pub/sub. Every room maps to one deterministic channel; a single wildcard
// pattern subscription covers the whole keyspace.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/retry"
)

const (
	channelPrefix  = "gateway:room:"
	channelPattern = channelPrefix + "*"

	// Wire marker bytes. Every published payload starts with a marker byte
	// stating whether the body is a raw frame or a snappy block, followed by
	// a length-prefixed origin tag naming the publishing process.
	markerRaw        = 0x00
	markerCompressed = 0x01

	// DefaultCompressThreshold is the payload size above which frames are
	// snappy-compressed before publishing.
	DefaultCompressThreshold = 512

	// DefaultGracePeriod clears a stale failover flag when no further broker
	// errors arrive within the window.
	DefaultGracePeriod = 30 * time.Second
)

// ChannelForRoom returns the broker channel carrying the room's traffic.
func ChannelForRoom(roomID string) string {
	return channelPrefix + roomID
}

// RoomFromChannel recovers the room identifier from a channel name.
func RoomFromChannel(channel string) (string, bool) {
	roomID := strings.TrimPrefix(channel, channelPrefix)
	if roomID == channel || roomID == "" {
		return "", false
	}
	return roomID, true
}

// LocalDeliverer replays inbound cross-process frames to local room members.
// The router's DeliverLocal satisfies it and never publishes back, so there is
// no rebroadcast loop.
type LocalDeliverer interface {
	DeliverLocal(roomID string, frame []byte)
}

// Subscription yields messages from a pattern subscription.
type Subscription interface {
	Receive(ctx context.Context) (channel string, payload []byte, err error)
	Close() error
}

// Broker abstracts the pub/sub client so tests can run without Redis.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
}

// RedisBroker adapts a go-redis client to the Broker interface.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps the shared gateway Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b == nil || b.client == nil {
		return errors.New("bridge: redis client not configured")
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("bridge: redis client not configured")
	}
	pubsub := b.client.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so callers know the pattern is
	// actually registered before declaring recovery.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("bridge: confirm subscription: %w", err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) (string, []byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	return msg.Channel, []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// Options configures a Bridge.
type Options struct {
	Broker Broker
	Local  LocalDeliverer
	Logger *logging.Logger
	// Backoff paces resubscription attempts after broker errors.
	Backoff retry.Policy
	// CompressThreshold is the payload size above which frames are
	// snappy-compressed; non-positive picks the default.
	CompressThreshold int
	// GracePeriod clears the failover flag when no further broker errors
	// arrive within the window; non-positive picks the default.
	GracePeriod time.Duration
	// Origin identifies this process on the wire so its own publishes are
	// not replayed back to local members; empty picks a random id.
	Origin string

	// Clock is a test seam.
	Clock func() time.Time
}

// Bridge publishes room frames to the broker and replays inbound frames from
// other processes to local members. It satisfies the router's Publisher.
type Bridge struct {
	broker    Broker
	local     LocalDeliverer
	log       *logging.Logger
	backoff   retry.Policy
	threshold int
	grace     time.Duration
	origin    string
	now       func() time.Time

	mu            sync.Mutex
	failedOver    bool
	failoverSince time.Time
}

// New constructs a bridge from the supplied options.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	threshold := opts.CompressThreshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Bridge{
		broker:    opts.Broker,
		local:     opts.Local,
		log:       logger,
		backoff:   opts.Backoff,
		threshold: threshold,
		grace:     grace,
		origin:    origin,
		now:       clock,
	}
}

// SetLocal wires the local delivery sink after construction. The bridge and
// the router reference each other, so one side has to be attached late.
func (b *Bridge) SetLocal(local LocalDeliverer) {
	if b == nil {
		return
	}
	b.local = local
}

// Publish sends a room frame to the broker for other processes to replay.
func (b *Bridge) Publish(ctx context.Context, roomID string, frame []byte) error {
	if b == nil || b.broker == nil {
		return errors.New("bridge: broker not configured")
	}
	payload := encodeWire(frame, b.threshold, b.origin)
	if err := b.broker.Publish(ctx, ChannelForRoom(roomID), payload); err != nil {
		b.markFailover(err)
		return fmt.Errorf("bridge: publish room %q: %w", roomID, err)
	}
	return nil
}

// Run subscribes to the room channel pattern and replays inbound frames until
// the context is cancelled. Broker errors mark failover and trigger a
// resubscription with capped exponential backoff.
func (b *Bridge) Run(ctx context.Context) {
	if b == nil || b.broker == nil {
		return
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := b.broker.PSubscribe(ctx, channelPattern)
		if err != nil {
			b.markFailover(err)
			attempt++
			if !b.sleep(ctx, b.backoff.Backoff(attempt-1)) {
				return
			}
			continue
		}
		attempt = 0
		b.clearFailover()
		b.log.Info("bridge subscribed", logging.String("pattern", channelPattern))
		err = b.receiveLoop(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.markFailover(err)
	}
}

func (b *Bridge) receiveLoop(ctx context.Context, sub Subscription) error {
	for {
		channel, payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		b.handle(channel, payload)
	}
}

func (b *Bridge) handle(channel string, payload []byte) {
	roomID, ok := RoomFromChannel(channel)
	if !ok {
		b.log.Warn("bridge message on unexpected channel",
			logging.String("channel", channel))
		return
	}
	origin, frame, err := decodeWire(payload)
	if err != nil {
		b.log.Warn("bridge payload rejected",
			logging.String("room_id", roomID), logging.Error(err))
		return
	}
	// Our own publishes echo back through the wildcard subscription; local
	// members already got them directly from the router.
	if origin == b.origin {
		return
	}
	if b.local != nil {
		b.local.DeliverLocal(roomID, frame)
	}
}

// FailedOver reports whether the broker link is degraded and since when. A
// flag older than the grace period with no fresh errors reads as recovered.
func (b *Bridge) FailedOver() (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failedOver && b.now().Sub(b.failoverSince) > b.grace {
		b.failedOver = false
		b.failoverSince = time.Time{}
	}
	return b.failedOver, b.failoverSince
}

func (b *Bridge) markFailover(err error) {
	b.mu.Lock()
	already := b.failedOver
	b.failedOver = true
	b.failoverSince = b.now()
	b.mu.Unlock()
	if !already {
		b.log.Warn("bridge entering failover", logging.Error(err))
	}
}

func (b *Bridge) clearFailover() {
	b.mu.Lock()
	was := b.failedOver
	b.failedOver = false
	b.failoverSince = time.Time{}
	b.mu.Unlock()
	if was {
		b.log.Info("bridge recovered from failover")
	}
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// encodeWire prefixes the frame with a marker byte and the publishing
// process's origin tag, snappy-compressing frames above the threshold.
func encodeWire(frame []byte, threshold int, origin string) []byte {
	if len(origin) > 255 {
		origin = origin[:255]
	}
	marker := byte(markerRaw)
	body := frame
	if len(frame) > threshold {
		marker = markerCompressed
		body = snappy.Encode(nil, frame)
	}
	payload := make([]byte, 0, 2+len(origin)+len(body))
	payload = append(payload, marker, byte(len(origin)))
	payload = append(payload, origin...)
	return append(payload, body...)
}

func decodeWire(payload []byte) (origin string, frame []byte, err error) {
	if len(payload) < 2 {
		return "", nil, errors.New("bridge: truncated payload")
	}
	originLen := int(payload[1])
	if len(payload) < 2+originLen {
		return "", nil, errors.New("bridge: truncated origin tag")
	}
	origin = string(payload[2 : 2+originLen])
	body := payload[2+originLen:]
	switch payload[0] {
	case markerRaw:
		frame = make([]byte, len(body))
		copy(frame, body)
		return origin, frame, nil
	case markerCompressed:
		frame, err = snappy.Decode(nil, body)
		if err != nil {
			return "", nil, fmt.Errorf("bridge: decompress payload: %w", err)
		}
		return origin, frame, nil
	default:
		return "", nil, fmt.Errorf("bridge: unknown payload marker 0x%02x", payload[0])
	}
}
