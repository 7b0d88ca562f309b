package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and latency samples for a single queen. It satisfies both the consensus engine's and the
// liveness registry's collector interfaces.
type Metrics struct {
	// RPC counters
	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64

	// Leader election metrics
	electionCount    atomic.Uint64
	leadershipsWon   atomic.Uint64
	lastLeaderTerm   atomic.Uint64
	electionDuration []time.Duration
	electionMu       sync.Mutex

	// Liveness registry metrics
	probeCount        atomic.Uint64
	probeFailureCount atomic.Uint64
	evictionCount     atomic.Uint64
	registrationCount atomic.Uint64
	probeLatencies    []time.Duration
	probeMu           sync.Mutex

	// Task dispatch
	tasksDispatched atomic.Uint64
	tasksFailed     atomic.Uint64

	startTime time.Time
}

// maxSamples caps every latency series so a long running queen does not grow without bound. Older samples are
// discarded first.
const maxSamples = 10000

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		electionDuration: make([]time.Duration, 0, 100),
		probeLatencies:   make([]time.Duration, 0, 1000),
		startTime:        time.Now(),
	}
}

// RecordAppendEntries counts an inbound AppendEntries handled by this node
func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

// RecordRequestVote counts an outbound RequestVote
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeat counts an outbound heartbeat
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionDuration records how long an election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.electionMu.Lock()
	m.electionDuration = appendCapped(m.electionDuration, duration)
	m.electionMu.Unlock()
}

// RecordLeaderElected records that this node won the election for term
func (m *Metrics) RecordLeaderElected(term uint64) {
	m.leadershipsWon.Add(1)
	m.lastLeaderTerm.Store(term)
}

// RecordProbe records the outcome and latency of one liveness probe
func (m *Metrics) RecordProbe(latency time.Duration, ok bool) {
	m.probeCount.Add(1)
	if !ok {
		m.probeFailureCount.Add(1)
	}
	m.probeMu.Lock()
	m.probeLatencies = appendCapped(m.probeLatencies, latency)
	m.probeMu.Unlock()
}

func (m *Metrics) RecordEviction() {
	m.evictionCount.Add(1)
}

func (m *Metrics) RecordRegistration() {
	m.registrationCount.Add(1)
}

func (m *Metrics) RecordTaskDispatched(ok bool) {
	if ok {
		m.tasksDispatched.Add(1)
		return
	}
	m.tasksFailed.Add(1)
}

func appendCapped(samples []time.Duration, d time.Duration) []time.Duration {
	if len(samples) >= maxSamples {
		copy(samples, samples[1:])
		samples = samples[:len(samples)-1]
	}
	return append(samples, d)
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetElectionStats returns statistics about leader elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := make([]time.Duration, len(m.electionDuration))
	copy(durations, m.electionDuration)
	m.electionMu.Unlock()

	return computeStats(durations)
}

// GetProbeStats returns statistics about liveness probe round trips
func (m *Metrics) GetProbeStats() LatencyStats {
	m.probeMu.Lock()
	durations := make([]time.Duration, len(m.probeLatencies))
	copy(durations, m.probeLatencies)
	m.probeMu.Unlock()

	return computeStats(durations)
}

func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	// Convert to milliseconds
	durationsMs := make([]float64, len(durations))
	var sum float64
	for i, dur := range durations {
		ms := float64(dur.Microseconds()) / 1000.0
		durationsMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(durationsMs))

	var variance float64
	for _, dur := range durationsMs {
		diff := dur - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(durationsMs)))

	return LatencyStats{
		Count:  len(durations),
		Min:    durationsMs[0],
		Max:    durationsMs[len(durationsMs)-1],
		Mean:   mean,
		P50:    percentile(durationsMs, 50),
		P95:    percentile(durationsMs, 95),
		P99:    percentile(durationsMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is the JSON document served on /metrics
type Report struct {
	StartTime     time.Time `json:"start_time"`
	UptimeSeconds float64   `json:"uptime_seconds"`

	// Network metrics
	AppendEntriesCount uint64 `json:"append_entries_count"`
	RequestVoteCount   uint64 `json:"request_vote_count"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`

	// Leader election metrics
	ElectionCount  uint64       `json:"election_count"`
	LeadershipsWon uint64       `json:"leaderships_won"`
	LastLeaderTerm uint64       `json:"last_leader_term"`
	ElectionStats  LatencyStats `json:"election_stats"`

	// Liveness registry metrics
	ProbeCount        uint64       `json:"probe_count"`
	ProbeFailureCount uint64       `json:"probe_failure_count"`
	EvictionCount     uint64       `json:"eviction_count"`
	RegistrationCount uint64       `json:"registration_count"`
	ProbeStats        LatencyStats `json:"probe_stats"`

	TasksDispatched uint64 `json:"tasks_dispatched"`
	TasksFailed     uint64 `json:"tasks_failed"`
}

// GetReport takes a point in time snapshot of every metric
func (m *Metrics) GetReport() Report {
	return Report{
		StartTime:          m.startTime,
		UptimeSeconds:      time.Since(m.startTime).Seconds(),
		AppendEntriesCount: m.appendEntriesCount.Load(),
		RequestVoteCount:   m.requestVoteCount.Load(),
		HeartbeatCount:     m.heartbeatCount.Load(),
		ElectionCount:      m.electionCount.Load(),
		LeadershipsWon:     m.leadershipsWon.Load(),
		LastLeaderTerm:     m.lastLeaderTerm.Load(),
		ElectionStats:      m.GetElectionStats(),
		ProbeCount:         m.probeCount.Load(),
		ProbeFailureCount:  m.probeFailureCount.Load(),
		EvictionCount:      m.evictionCount.Load(),
		RegistrationCount:  m.registrationCount.Load(),
		ProbeStats:         m.GetProbeStats(),
		TasksDispatched:    m.tasksDispatched.Load(),
		TasksFailed:        m.tasksFailed.Load(),
	}
}
