// Package metrics tracks delivery gauges exposed through the operational API.
package metrics

import "sync"

// DeliveryMetrics tracks fan-out byte counts and backpressure drops.
type DeliveryMetrics struct {
	mu        sync.RWMutex
	bytes     map[string]int64
	delivered map[string]int64
	drops     map[string]int64
}

// NewDeliveryMetrics constructs an empty metrics tracker.
func NewDeliveryMetrics() *DeliveryMetrics {
	return &DeliveryMetrics{
		bytes:     make(map[string]int64),
		delivered: make(map[string]int64),
		drops:     make(map[string]int64),
	}
}

// ObserveSend accumulates the outbound payload size for a connection.
func (m *DeliveryMetrics) ObserveSend(connID string, payloadBytes int) {
	if m == nil || connID == "" || payloadBytes <= 0 {
		return
	}
	m.mu.Lock()
	m.bytes[connID] += int64(payloadBytes)
	m.mu.Unlock()
}

// ObserveDelivered counts one message delivered into a room.
func (m *DeliveryMetrics) ObserveDelivered(roomID string) {
	if m == nil || roomID == "" {
		return
	}
	m.mu.Lock()
	m.delivered[roomID]++
	m.mu.Unlock()
}

// ObserveDrop counts one backpressure eviction for a room.
func (m *DeliveryMetrics) ObserveDrop(roomID string) {
	if m == nil || roomID == "" {
		return
	}
	m.mu.Lock()
	m.drops[roomID]++
	m.mu.Unlock()
}

// ForgetConn removes the byte gauge for a disconnected connection so stale
// entries are not exported forever.
func (m *DeliveryMetrics) ForgetConn(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, connID)
	m.mu.Unlock()
}

// BytesPerConn returns a copy of the cumulative outbound bytes per connection.
func (m *DeliveryMetrics) BytesPerConn() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCounts(m.bytes)
}

// DeliveredPerRoom returns a copy of the delivered message counts per room.
func (m *DeliveryMetrics) DeliveredPerRoom() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCounts(m.delivered)
}

// DropsPerRoom returns a copy of the backpressure drop counts per room.
func (m *DeliveryMetrics) DropsPerRoom() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCounts(m.drops)
}

func copyCounts(source map[string]int64) map[string]int64 {
	if len(source) == 0 {
		return nil
	}
	out := make(map[string]int64, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}
