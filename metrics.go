package host1x

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the job submit-to-retire latency histogram
// buckets in nanoseconds. Buckets cover from 10us to 10s with
// logarithmic spacing — jobs dispatched to hardware engines complete
// on a coarser timescale than the per-request latencies a block
// device sees, so the bottom of the range is raised accordingly.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks performance and operational statistics for a host1x
// device: job throughput, GART pressure, and recovery activity.
type Metrics struct {
	// Job lifecycle counters
	JobsSubmitted atomic.Uint64 // Jobs accepted by Submit
	JobsCompleted atomic.Uint64 // Jobs whose out-fence signalled success
	JobsRejected  atomic.Uint64 // Jobs Submit refused before queuing them
	JobsRecovered atomic.Uint64 // Channel recoveries run for a hung job (one per hang)

	// Gather byte counters
	GatherBytes atomic.Uint64 // Bytes copied from user gathers into GART BOs

	// GART pressure
	GartEvictions  atomic.Uint64 // BOs evicted from the aperture to make room
	GartWaitEvents atomic.Uint64 // JobMap retries made while the aperture was under pressure

	// Recovery
	ChannelTimeouts atomic.Uint64 // Channels that hit the watchdog timeout

	// Queue statistics: entity queue length, sampled by Submit after each enqueue
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts). Each bucket[i]
	// holds the count of jobs with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a job entering the pipeline.
func (m *Metrics) RecordSubmit() {
	m.JobsSubmitted.Add(1)
}

// RecordComplete records a job's out-fence signalling success, along
// with its submit-to-retire latency.
func (m *Metrics) RecordComplete(latencyNs uint64) {
	m.JobsCompleted.Add(1)
	m.recordLatency(latencyNs)
}

// RecordReject records a job Submit refused before it ever reached a
// channel.
func (m *Metrics) RecordReject() {
	m.JobsRejected.Add(1)
}

// RecordRecovered records one run of a channel's timeout/recovery path
// for a hung job.
func (m *Metrics) RecordRecovered() {
	m.JobsRecovered.Add(1)
}

// RecordGather records bytes copied out of a user-supplied gather.
func (m *Metrics) RecordGather(bytes uint64) {
	m.GatherBytes.Add(bytes)
}

// RecordGartEviction records one BO evicted to satisfy a residency
// request.
func (m *Metrics) RecordGartEviction() {
	m.GartEvictions.Add(1)
}

// RecordGartWait records one JobMap retry made while the aperture was
// under pressure.
func (m *Metrics) RecordGartWait() {
	m.GartWaitEvents.Add(1)
}

// RecordChannelTimeout records the watchdog firing for a channel.
func (m *Metrics) RecordChannelTimeout() {
	m.ChannelTimeouts.Add(1)
}

// RecordQueueDepth records one queue-length sample for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
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

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, with derived
// statistics computed.
type MetricsSnapshot struct {
	JobsSubmitted uint64
	JobsCompleted uint64
	JobsRejected  uint64
	JobsRecovered uint64

	GatherBytes uint64

	GartEvictions  uint64
	GartWaitEvents uint64

	ChannelTimeouts uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CompletionRate float64 // Completed / Submitted, as a percentage
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		JobsSubmitted:   m.JobsSubmitted.Load(),
		JobsCompleted:   m.JobsCompleted.Load(),
		JobsRejected:    m.JobsRejected.Load(),
		JobsRecovered:   m.JobsRecovered.Load(),
		GatherBytes:     m.GatherBytes.Load(),
		GartEvictions:   m.GartEvictions.Load(),
		GartWaitEvents:  m.GartWaitEvents.Load(),
		ChannelTimeouts: m.ChannelTimeouts.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

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

	if snap.JobsSubmitted > 0 {
		snap.CompletionRate = float64(snap.JobsCompleted) / float64(snap.JobsSubmitted) * 100.0
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

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.JobsSubmitted.Store(0)
	m.JobsCompleted.Store(0)
	m.JobsRejected.Store(0)
	m.JobsRecovered.Store(0)
	m.GatherBytes.Store(0)
	m.GartEvictions.Store(0)
	m.GartWaitEvents.Store(0)
	m.ChannelTimeouts.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection; the device calls
// these hooks at the same points it updates its own Metrics.
type Observer interface {
	ObserveSubmit()
	ObserveComplete(latencyNs uint64)
	ObserveReject()
	ObserveRecovered()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit()             {}
func (NoOpObserver) ObserveComplete(uint64)     {}
func (NoOpObserver) ObserveReject()             {}
func (NoOpObserver) ObserveRecovered()          {}
func (NoOpObserver) ObserveQueueDepth(uint32)   {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit()                  { o.metrics.RecordSubmit() }
func (o *MetricsObserver) ObserveComplete(latencyNs uint64) { o.metrics.RecordComplete(latencyNs) }
func (o *MetricsObserver) ObserveReject()                  { o.metrics.RecordReject() }
func (o *MetricsObserver) ObserveRecovered()                { o.metrics.RecordRecovered() }
func (o *MetricsObserver) ObserveQueueDepth(depth uint32)   { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
