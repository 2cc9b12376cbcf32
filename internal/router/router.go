// Package router fans messages out to the local members of a room, batching
// under load and handing every broadcast to the distributed bridge as well.
package router

import (
	"context"
	"sync"
	"time"

	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/metrics"
	"chatgrid/gateway/internal/session"
)

// MemberSource resolves the local member connections for a room.
type MemberSource interface {
	Members(roomID string) []*session.Conn
}

// Sender writes one frame to one local connection.
type Sender interface {
	Send(conn *session.Conn, frame []byte) error
}

// Publisher forwards a broadcast to the distributed bridge for other processes.
type Publisher interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
}

// Options configures a Router.
type Options struct {
	Members   MemberSource
	Sender    Sender
	Publisher Publisher
	Metrics   *metrics.DeliveryMetrics
	Logger    *logging.Logger

	BatchSize  int
	FlushEvery time.Duration
	QueueCap   int

	// OnSendFailure tears down a connection whose socket write failed. The
	// failed frame rides along so it can be queued for retry. The failure is
	// isolated; delivery to the rest of the batch continues.
	OnSendFailure func(conn *session.Conn, roomID string, frame []byte, err error)
}

// Router delivers messages to rooms through short-lived per-room batch queues.
type Router struct {
	members   MemberSource
	sender    Sender
	publisher Publisher
	metrics   *metrics.DeliveryMetrics
	log       *logging.Logger

	batchSize  int
	flushEvery time.Duration
	queueCap   int
	onFailure  func(conn *session.Conn, roomID string, frame []byte, err error)

	mu     sync.Mutex
	queues map[string]*roomQueue
	closed bool
}

// roomQueue buffers outbound frames for one room between flushes.
type roomQueue struct {
	frames [][]byte
	timer  *time.Timer
}

// New constructs a Router from the supplied options.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}
	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = 100
	}
	return &Router{
		members:    opts.Members,
		sender:     opts.Sender,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		log:        logger,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		queueCap:   queueCap,
		onFailure:  opts.OnSendFailure,
		queues:     make(map[string]*roomQueue),
	}
}

// Broadcast queues the frame for local delivery and, regardless of the local
// outcome, publishes it to the distributed bridge so members on other
// processes receive it too.
func (r *Router) Broadcast(ctx context.Context, roomID string, frame []byte) {
	if r == nil || roomID == "" || len(frame) == 0 {
		return
	}
	r.enqueue(roomID, frame)

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, roomID, frame); err != nil {
		// Broker trouble degrades cross-process delivery; it never fails
		// the local broadcast.
		r.log.Warn("bridge publish failed",
			logging.String("room_id", roomID), logging.Error(err))
	}
}

// DeliverLocal queues the frame for local delivery only. The distributed
// bridge uses it to replay inbound cross-process traffic without creating a
// rebroadcast loop.
func (r *Router) DeliverLocal(roomID string, frame []byte) {
	if r == nil || roomID == "" || len(frame) == 0 {
		return
	}
	r.enqueue(roomID, frame)
}

func (r *Router) enqueue(roomID string, frame []byte) {
	copied := append([]byte(nil), frame...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	queue, ok := r.queues[roomID]
	if !ok {
		queue = &roomQueue{}
		r.queues[roomID] = queue
	}
	if len(queue.frames) >= r.queueCap {
		// New data takes priority over old; chat is primarily live-tail.
		queue.frames = queue.frames[1:]
		r.metrics.ObserveDrop(roomID)
		r.log.Warn("outbound queue full, dropped oldest message",
			logging.String("room_id", roomID), logging.Int("queue_cap", r.queueCap))
	}
	queue.frames = append(queue.frames, copied)

	flushNow := len(queue.frames) >= r.batchSize
	if flushNow {
		if queue.timer != nil {
			queue.timer.Stop()
			queue.timer = nil
		}
	} else if queue.timer == nil {
		queue.timer = time.AfterFunc(r.flushEvery, func() { r.Flush(roomID) })
	}
	r.mu.Unlock()

	if flushNow {
		r.Flush(roomID)
	}
}

// Flush drains the room's queue and writes every pending frame to every local
// member. A failed write tears down only the connection it failed on.
func (r *Router) Flush(roomID string) {
	if r == nil || roomID == "" {
		return
	}
	r.mu.Lock()
	queue, ok := r.queues[roomID]
	if !ok || len(queue.frames) == 0 {
		r.mu.Unlock()
		return
	}
	frames := queue.frames
	queue.frames = nil
	if queue.timer != nil {
		queue.timer.Stop()
		queue.timer = nil
	}
	delete(r.queues, roomID)
	r.mu.Unlock()

	members := r.members.Members(roomID)
	for _, frame := range frames {
		r.metrics.ObserveDelivered(roomID)
		for _, conn := range members {
			if conn.State() == session.StateDisconnected {
				continue
			}
			if err := r.sender.Send(conn, frame); err != nil {
				r.log.Warn("send failed, tearing down connection",
					logging.String("conn_id", conn.ID()),
					logging.String("room_id", roomID),
					logging.Error(err))
				if r.onFailure != nil {
					r.onFailure(conn, roomID, frame, err)
				}
				continue
			}
			r.metrics.ObserveSend(conn.ID(), len(frame))
		}
	}
}

// PendingFrames reports how many frames are queued for the room; used by the
// operational metrics endpoint.
func (r *Router) PendingFrames(roomID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	queue, ok := r.queues[roomID]
	if !ok {
		return 0
	}
	return len(queue.frames)
}

// Close stops every outstanding flush timer and flushes remaining frames.
func (r *Router) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	roomIDs := make([]string, 0, len(r.queues))
	for roomID, queue := range r.queues {
		if queue.timer != nil {
			queue.timer.Stop()
			queue.timer = nil
		}
		roomIDs = append(roomIDs, roomID)
	}
	r.mu.Unlock()

	for _, roomID := range roomIDs {
		r.Flush(roomID)
	}
}
