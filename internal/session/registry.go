// Package session owns per-connection metadata and enforces the connection
// lifecycle state machine.
package session

import (
	"errors"
	"sync"
	"time"

	"chatgrid/gateway/internal/logging"
)

// ErrDuplicateConnection signals an attempt to register the same socket twice.
var ErrDuplicateConnection = errors.New("connection already registered")

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithCleanup installs a hook invoked exactly once per unregistered connection,
// after it has been removed from the indexes. The gateway uses it to cascade
// teardown into room membership, distributed counters and retry queues.
func WithCleanup(cleanup func(*Conn)) Option {
	return func(r *Registry) {
		r.cleanup = cleanup
	}
}

// Registry is the sole owner of connection metadata, keyed by connection
// identity with a secondary user index for multi-device fan-out.
type Registry struct {
	log     *logging.Logger
	now     func() time.Time
	cleanup func(*Conn)

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	registry := &Registry{
		log:    logger,
		now:    time.Now,
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Register creates metadata for a new socket in StateConnecting. Registering an
// identity that is already present is rejected, never silently replaced.
func (r *Registry) Register(connID, userID string) (*Conn, error) {
	if r == nil {
		return nil, errors.New("registry not initialised")
	}
	if connID == "" || userID == "" {
		return nil, errors.New("connection and user identifiers required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		return nil, ErrDuplicateConnection
	}
	now := r.now()
	conn := &Conn{
		id:          connID,
		userID:      userID,
		state:       StateConnecting,
		createdAt:   now,
		lastInbound: now,
		rooms:       make(map[string]struct{}),
	}
	r.conns[connID] = conn
	byUser, ok := r.byUser[userID]
	if !ok {
		byUser = make(map[string]*Conn)
		r.byUser[userID] = byUser
	}
	byUser[connID] = conn
	return conn, nil
}

// Lookup fetches a connection by identity.
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Transition validates the requested state change against the transition table.
// An invalid request is a logged no-op and reports false.
func (r *Registry) Transition(conn *Conn, next State) bool {
	if r == nil || conn == nil {
		return false
	}
	conn.mu.Lock()
	current := conn.state
	if !CanTransition(current, next) {
		conn.mu.Unlock()
		r.log.Warn("rejected invalid state transition",
			logging.String("conn_id", conn.id),
			logging.String("from", current.String()),
			logging.String("to", next.String()))
		return false
	}
	conn.state = next
	conn.mu.Unlock()
	return true
}

// Unregister removes every trace of the connection and fires the cleanup hook.
// It is idempotent; a second call for the same identity is a silent no-op.
func (r *Registry) Unregister(connID string) {
	if r == nil || connID == "" {
		return
	}
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if byUser, exists := r.byUser[conn.UserID()]; exists {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(r.byUser, conn.UserID())
		}
	}
	r.mu.Unlock()

	conn.setState(StateDisconnected)
	if r.cleanup != nil {
		r.cleanup(conn)
	}
}

// UserConnections returns the live connections for one user, enabling
// multi-device fan-out.
func (r *Registry) UserConnections(userID string) []*Conn {
	if r == nil || userID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	byUser, ok := r.byUser[userID]
	if !ok || len(byUser) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(byUser))
	for _, conn := range byUser {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
