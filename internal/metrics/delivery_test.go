package metrics

import "testing"

func TestDeliveryMetricsAccumulate(t *testing.T) {
	m := NewDeliveryMetrics()

	m.ObserveSend("c1", 64)
	m.ObserveSend("c1", 36)
	m.ObserveSend("c2", 10)
	m.ObserveDelivered("r1")
	m.ObserveDelivered("r1")
	m.ObserveDrop("r1")

	if got := m.BytesPerConn()["c1"]; got != 100 {
		t.Fatalf("expected 100 bytes for c1, got %d", got)
	}
	if got := m.DeliveredPerRoom()["r1"]; got != 2 {
		t.Fatalf("expected 2 deliveries for r1, got %d", got)
	}
	if got := m.DropsPerRoom()["r1"]; got != 1 {
		t.Fatalf("expected 1 drop for r1, got %d", got)
	}
}

func TestForgetConnRemovesGauge(t *testing.T) {
	m := NewDeliveryMetrics()
	m.ObserveSend("c1", 64)
	m.ForgetConn("c1")
	if _, ok := m.BytesPerConn()["c1"]; ok {
		t.Fatalf("expected gauge removed for c1")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := NewDeliveryMetrics()
	m.ObserveDrop("r1")
	snapshot := m.DropsPerRoom()
	snapshot["r1"] = 99
	if got := m.DropsPerRoom()["r1"]; got != 1 {
		t.Fatalf("snapshot mutation leaked into tracker: %d", got)
	}
}

func TestNilSafety(t *testing.T) {
	var m *DeliveryMetrics
	m.ObserveSend("c1", 1)
	m.ObserveDrop("r1")
	if m.BytesPerConn() != nil || m.DropsPerRoom() != nil {
		t.Fatalf("nil tracker must return nil snapshots")
	}
}
