package lola

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks publish/receive/method-call/rollback activity for one
// binding instance.
type Metrics struct {
	PublishOps   atomic.Uint64
	ReceiveOps   atomic.Uint64
	MethodCalls  atomic.Uint64
	Rollbacks    atomic.Uint64

	PublishErrors  atomic.Uint64
	ReceiveErrors  atomic.Uint64
	MethodErrors   atomic.Uint64

	DroppedNotificationsQM    atomic.Uint64
	DroppedNotificationsASILB atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh Metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPublish records one publish (event/field update) operation.
func (m *Metrics) RecordPublish(latencyNs uint64, success bool) {
	m.PublishOps.Add(1)
	if !success {
		m.PublishErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReceive records one receive (proxy sample pickup) operation.
func (m *Metrics) RecordReceive(latencyNs uint64, success bool) {
	m.ReceiveOps.Add(1)
	if !success {
		m.ReceiveErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordMethodCall records one method call round trip.
func (m *Metrics) RecordMethodCall(latencyNs uint64, success bool) {
	m.MethodCalls.Add(1)
	if !success {
		m.MethodErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRollback records one transaction-log rollback execution.
func (m *Metrics) RecordRollback(count int) {
	m.Rollbacks.Add(uint64(count))
}

// RecordDroppedNotification records one message-passing notification
// dropped due to worker pool backpressure at the given quality level.
func (m *Metrics) RecordDroppedNotification(asilB bool) {
	if asilB {
		m.DroppedNotificationsASILB.Add(1)
	} else {
		m.DroppedNotificationsQM.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the binding instance as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting.
type MetricsSnapshot struct {
	PublishOps  uint64
	ReceiveOps  uint64
	MethodCalls uint64
	Rollbacks   uint64

	PublishErrors uint64
	ReceiveErrors uint64
	MethodErrors  uint64

	DroppedNotificationsQM    uint64
	DroppedNotificationsASILB uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot captures a point-in-time view of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PublishOps:                m.PublishOps.Load(),
		ReceiveOps:                m.ReceiveOps.Load(),
		MethodCalls:               m.MethodCalls.Load(),
		Rollbacks:                 m.Rollbacks.Load(),
		PublishErrors:             m.PublishErrors.Load(),
		ReceiveErrors:             m.ReceiveErrors.Load(),
		MethodErrors:              m.MethodErrors.Load(),
		DroppedNotificationsQM:    m.DroppedNotificationsQM.Load(),
		DroppedNotificationsASILB: m.DroppedNotificationsASILB.Load(),
	}

	snap.TotalOps = snap.PublishOps + snap.ReceiveOps + snap.MethodCalls

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.PublishErrors + snap.ReceiveErrors + snap.MethodErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection by callers that don't want
// to poll Metrics.Snapshot directly.
type Observer interface {
	ObservePublish(latencyNs uint64, success bool)
	ObserveReceive(latencyNs uint64, success bool)
	ObserveMethodCall(latencyNs uint64, success bool)
	ObserveRollback(count int)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObservePublish(uint64, bool)    {}
func (NoOpObserver) ObserveReceive(uint64, bool)    {}
func (NoOpObserver) ObserveMethodCall(uint64, bool) {}
func (NoOpObserver) ObserveRollback(int)            {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePublish(latencyNs uint64, success bool) {
	o.metrics.RecordPublish(latencyNs, success)
}

func (o *MetricsObserver) ObserveReceive(latencyNs uint64, success bool) {
	o.metrics.RecordReceive(latencyNs, success)
}

func (o *MetricsObserver) ObserveMethodCall(latencyNs uint64, success bool) {
	o.metrics.RecordMethodCall(latencyNs, success)
}

func (o *MetricsObserver) ObserveRollback(count int) {
	o.metrics.RecordRollback(count)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
