// Package rooms maps rooms to their local member connections and keeps the
// distributed membership counters in step, best-effort.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/session"
)

// ErrRoomFull signals a capacity rejection. It is non-terminal; the caller
// reports it to the client without closing the connection.
var ErrRoomFull = errors.New("room at capacity")

// roomEntry carries one room's local membership behind its own lock so traffic
// in one room never serialises another.
type roomEntry struct {
	mu      sync.RWMutex
	members map[string]*session.Conn
}

// Index tracks room → local member sets with per-room locking plus the shared
// distributed counter used for cluster-wide admission control.
type Index struct {
	counter Counter
	cap     int
	batch   int
	log     *logging.Logger

	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

// NewIndex constructs a membership index enforcing the given cluster-wide cap.
func NewIndex(counter Counter, capacity, resubscribeBatch int, logger *logging.Logger) *Index {
	if capacity <= 0 {
		capacity = 1
	}
	if resubscribeBatch <= 0 {
		resubscribeBatch = 10
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Index{
		counter: counter,
		cap:     capacity,
		batch:   resubscribeBatch,
		log:     logger,
		rooms:   make(map[string]*roomEntry),
	}
}

func (i *Index) entry(roomID string, create bool) *roomEntry {
	i.mu.RLock()
	entry, ok := i.rooms[roomID]
	i.mu.RUnlock()
	if ok || !create {
		return entry
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry, ok = i.rooms[roomID]; ok {
		return entry
	}
	entry = &roomEntry{members: make(map[string]*session.Conn)}
	i.rooms[roomID] = entry
	return entry
}

// Join admits the connection into the room. Admission is checked against the
// distributed counter first; at or above the cap the join is refused with
// ErrRoomFull and the connection stays open. A failed counter update after a
// successful local join is logged, never rolled back.
func (i *Index) Join(ctx context.Context, conn *session.Conn, roomID string) error {
	if i == nil || conn == nil || roomID == "" {
		return errors.New("connection and room required")
	}
	if conn.InRoom(roomID) {
		return nil
	}

	if i.counter != nil {
		total, err := i.counter.Get(ctx, roomID)
		if err != nil {
			// Counter unreachable: degrade to local-only admission rather
			// than refusing service.
			i.log.Warn("room counter unavailable, admitting locally",
				logging.String("room_id", roomID), logging.Error(err))
		} else if total >= int64(i.cap) {
			return fmt.Errorf("%w: room %q holds %d of %d members", ErrRoomFull, roomID, total, i.cap)
		}
	}

	entry := i.entry(roomID, true)
	entry.mu.Lock()
	if _, exists := entry.members[conn.ID()]; exists {
		entry.mu.Unlock()
		// Keep the connection metadata in step with the index so teardown
		// still cascades over this room.
		conn.TrackRoom(roomID)
		return nil
	}
	entry.members[conn.ID()] = conn
	entry.mu.Unlock()

	conn.TrackRoom(roomID)

	if i.counter != nil {
		if _, err := i.counter.Incr(ctx, roomID); err != nil {
			i.log.Warn("room counter increment failed",
				logging.String("room_id", roomID), logging.Error(err))
		}
	}
	return nil
}

// Leave removes the connection from the room. The distributed counter is only
// decremented when the local removal actually changed membership, keeping a
// double-leave a harmless no-op.
func (i *Index) Leave(ctx context.Context, conn *session.Conn, roomID string) {
	if i == nil || conn == nil || roomID == "" {
		return
	}
	entry := i.entry(roomID, false)
	removed := false
	if entry != nil {
		entry.mu.Lock()
		if _, exists := entry.members[conn.ID()]; exists {
			delete(entry.members, conn.ID())
			removed = true
		}
		empty := len(entry.members) == 0
		entry.mu.Unlock()
		if empty {
			i.dropEmptyRoom(roomID)
		}
	}
	conn.ForgetRoom(roomID)
	if !removed || i.counter == nil {
		return
	}
	if _, err := i.counter.Decr(ctx, roomID); err != nil {
		i.log.Warn("room counter decrement failed",
			logging.String("room_id", roomID), logging.Error(err))
	}
}

func (i *Index) dropEmptyRoom(roomID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry, ok := i.rooms[roomID]
	if !ok {
		return
	}
	entry.mu.RLock()
	empty := len(entry.members) == 0
	entry.mu.RUnlock()
	if empty {
		delete(i.rooms, roomID)
	}
}

// LeaveAll removes the connection from every room it is subscribed to; part of
// the teardown cascade.
func (i *Index) LeaveAll(ctx context.Context, conn *session.Conn) {
	if i == nil || conn == nil {
		return
	}
	for _, roomID := range conn.Rooms() {
		i.Leave(ctx, conn, roomID)
	}
}

// ResubscribeAll re-joins the connection's previously-known rooms in bounded
// batches so admission checks are not burst. Rooms that became full in the
// interim are skipped and reported in the second return value.
func (i *Index) ResubscribeAll(ctx context.Context, conn *session.Conn) (joined int, full []string, err error) {
	if i == nil || conn == nil {
		return 0, nil, errors.New("connection required")
	}
	previous := conn.Rooms()
	if len(previous) == 0 {
		return 0, nil, nil
	}
	sort.Strings(previous)

	for start := 0; start < len(previous); start += i.batch {
		end := min(start+i.batch, len(previous))
		for _, roomID := range previous[start:end] {
			if ctx != nil && ctx.Err() != nil {
				return joined, full, ctx.Err()
			}
			// A connection that joined before authenticating is already an
			// admitted, counted member; forgetting it here would strand the
			// membership past teardown.
			if i.isLocalMember(conn, roomID) {
				joined++
				continue
			}
			// Lost memberships re-check admission from scratch.
			conn.ForgetRoom(roomID)
			joinErr := i.Join(ctx, conn, roomID)
			switch {
			case errors.Is(joinErr, ErrRoomFull):
				full = append(full, roomID)
			case joinErr != nil:
				return joined, full, joinErr
			default:
				joined++
			}
		}
	}
	return joined, full, nil
}

func (i *Index) isLocalMember(conn *session.Conn, roomID string) bool {
	entry := i.entry(roomID, false)
	if entry == nil {
		return false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	_, ok := entry.members[conn.ID()]
	return ok
}

// Members returns a snapshot of the room's local member connections.
func (i *Index) Members(roomID string) []*session.Conn {
	if i == nil || roomID == "" {
		return nil
	}
	entry := i.entry(roomID, false)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if len(entry.members) == 0 {
		return nil
	}
	out := make([]*session.Conn, 0, len(entry.members))
	for _, conn := range entry.members {
		out = append(out, conn)
	}
	return out
}

// LocalCount returns the number of local members in the room.
func (i *Index) LocalCount(roomID string) int {
	if i == nil {
		return 0
	}
	entry := i.entry(roomID, false)
	if entry == nil {
		return 0
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return len(entry.members)
}

// ClusterCount reads the approximate cluster-wide membership for the room.
func (i *Index) ClusterCount(ctx context.Context, roomID string) (int64, error) {
	if i == nil || i.counter == nil {
		return 0, errors.New("distributed counter not configured")
	}
	return i.counter.Get(ctx, roomID)
}

// RoomIDs returns the identifiers of rooms with at least one local member.
func (i *Index) RoomIDs() []string {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(i.rooms))
	for roomID := range i.rooms {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}
