package lola

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRecordPublishReceiveMethodCall(t *testing.T) {
	m := NewMetrics()
	m.RecordPublish(1000, true)
	m.RecordReceive(2000, true)
	m.RecordMethodCall(3000, false)

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.PublishOps)
	require.EqualValues(t, 1, snap.ReceiveOps)
	require.EqualValues(t, 1, snap.MethodCalls)
	require.EqualValues(t, 1, snap.MethodErrors)
	require.EqualValues(t, 3, snap.TotalOps)
}

func TestMetricsErrorRate(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 8; i++ {
		m.RecordPublish(100, true)
	}
	for i := 0; i < 2; i++ {
		m.RecordPublish(100, false)
	}
	snap := m.Snapshot()
	require.InDelta(t, 20.0, snap.ErrorRate, 0.0001)
}

func TestMetricsRollbackAndDroppedNotifications(t *testing.T) {
	m := NewMetrics()
	m.RecordRollback(3)
	m.RecordDroppedNotification(false)
	m.RecordDroppedNotification(true)

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.Rollbacks)
	require.EqualValues(t, 1, snap.DroppedNotificationsQM)
	require.EqualValues(t, 1, snap.DroppedNotificationsASILB)
}

func TestMetricsObserverDelegatesToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObservePublish(10, true)
	obs.ObserveReceive(20, true)
	obs.ObserveMethodCall(30, true)
	obs.ObserveRollback(2)

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.PublishOps)
	require.EqualValues(t, 1, snap.ReceiveOps)
	require.EqualValues(t, 1, snap.MethodCalls)
	require.EqualValues(t, 2, snap.Rollbacks)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObservePublish(1, true)
	obs.ObserveReceive(1, true)
	obs.ObserveMethodCall(1, true)
	obs.ObserveRollback(1)
}

func TestMetricsPercentileOrdering(t *testing.T) {
	m := NewMetrics()
	latencies := []uint64{500, 5_000, 50_000, 500_000, 5_000_000}
	for _, l := range latencies {
		m.RecordPublish(l, true)
	}
	snap := m.Snapshot()
	require.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
	require.LessOrEqual(t, snap.LatencyP99Ns, snap.LatencyP999Ns)
}
