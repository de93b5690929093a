package phasesched

import (
	"slices"
	"sync"
	"time"
)

// latencySampleSize is the size of each rolling latency window.
const latencySampleSize = 512

type (
	// Metrics is a point-in-time copy of the metrics collected by a
	// Scheduler, see WithMetrics.
	Metrics struct {
		// Subphases is indexed by Subphase.
		Subphases [NumSubphases]SubphaseMetrics

		// Cadences counts completed RunCadence calls, indexed by Cadence.
		Cadences [numCadences]uint64
	}

	// SubphaseMetrics tracks a single sub-phase.
	SubphaseMetrics struct {
		// Latency is the time from entering the sub-phase to both the task
		// barrier and every job having been joined.
		Latency LatencyMetrics

		// Runs is the number of times the sub-phase ran.
		Runs uint64

		// Skipped is the number of times the sub-phase was skipped, due to
		// FailureSkipApply.
		Skipped uint64

		// Tasks is the total number of tasks executed.
		Tasks uint64

		// Jobs is the total number of job handles joined.
		Jobs uint64

		// Failures is the total number of task and job failures, including
		// those whose log was rate limited.
		Failures uint64

		// Stalls is the number of stall warnings, see WithStallThreshold.
		Stalls uint64
	}

	// LatencyMetrics tracks a rolling window of latency samples.
	LatencyMetrics struct {
		samples     [latencySampleSize]time.Duration
		sampleIdx   int
		sampleCount int

		// Computed percentiles (populated in copies returned by
		// Scheduler.Metrics)
		P50 time.Duration
		P90 time.Duration
		P99 time.Duration
		Max time.Duration

		// Statistics
		Mean time.Duration
		Sum  time.Duration
	}

	// metricsCollector guards the live Metrics, which are written by the
	// driving goroutine and copied by any goroutine.
	metricsCollector struct {
		data Metrics
		mu   sync.Mutex
	}
)

// Record adds a sample, evicting the oldest if the window is full.
func (l *LatencyMetrics) Record(d time.Duration) {
	if l.sampleCount >= latencySampleSize {
		l.Sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = d
	l.Sum += d
	l.sampleIdx++
	if l.sampleIdx >= latencySampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < latencySampleSize {
		l.sampleCount++
	}
}

// Count returns the number of samples in the window.
func (l *LatencyMetrics) Count() int {
	return l.sampleCount
}

// Sample computes the percentiles and statistics from the current window,
// returning the number of samples used.
func (l *LatencyMetrics) Sample() int {
	count := l.sampleCount
	if count == 0 {
		return 0
	}

	sorted := slices.Clone(l.samples[:count])
	slices.Sort(sorted)

	l.P50 = sorted[percentileIndex(count, 50)]
	l.P90 = sorted[percentileIndex(count, 90)]
	l.P99 = sorted[percentileIndex(count, 99)]
	l.Max = sorted[count-1]
	l.Mean = l.Sum / time.Duration(count)

	return count
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

func (x *metricsCollector) recordSubphase(s Subphase, latency time.Duration, tasks, jobs, failures int) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	m := &x.data.Subphases[s]
	m.Runs++
	m.Tasks += uint64(tasks)
	m.Jobs += uint64(jobs)
	m.Failures += uint64(failures)
	m.Latency.Record(latency)
}

func (x *metricsCollector) recordSkipped(s Subphase) {
	if x == nil {
		return
	}
	x.mu.Lock()
	x.data.Subphases[s].Skipped++
	x.mu.Unlock()
}

func (x *metricsCollector) recordStall(s Subphase) {
	if x == nil {
		return
	}
	x.mu.Lock()
	x.data.Subphases[s].Stalls++
	x.mu.Unlock()
}

func (x *metricsCollector) recordCadence(c Cadence) {
	if x == nil {
		return
	}
	x.mu.Lock()
	x.data.Cadences[c]++
	x.mu.Unlock()
}

// snapshot returns a copy, with every latency window sampled.
func (x *metricsCollector) snapshot() *Metrics {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	m := x.data
	x.mu.Unlock()
	for s := range m.Subphases {
		m.Subphases[s].Latency.Sample()
	}
	return &m
}
