package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector and hive.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                 sync.RWMutex
	AppendEntriesCount int
	RequestVoteCount   int
	HeartbeatCount     int
	ElectionCount      int
	ElectionDurations  []time.Duration
	LeaderTerms        []uint64
	ProbeCount         int
	ProbeFailures      int
	EvictionCount      int
	RegistrationCount  int
	TasksDispatched    int
	TasksFailed        int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		ElectionDurations: make([]time.Duration, 0),
		LeaderTerms:       make([]uint64, 0),
	}
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordLeaderElected(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeaderTerms = append(m.LeaderTerms, term)
}

func (m *MockMetricsCollector) RecordProbe(_ time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProbeCount++
	if !ok {
		m.ProbeFailures++
	}
}

func (m *MockMetricsCollector) RecordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EvictionCount++
}

func (m *MockMetricsCollector) RecordRegistration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegistrationCount++
}

func (m *MockMetricsCollector) RecordTaskDispatched(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.TasksDispatched++
	} else {
		m.TasksFailed++
	}
}

// Snapshot returns a copy that is safe to inspect while the collector is still in use
func (m *MockMetricsCollector) Snapshot() MockMetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MockMetricsCollector{
		AppendEntriesCount: m.AppendEntriesCount,
		RequestVoteCount:   m.RequestVoteCount,
		HeartbeatCount:     m.HeartbeatCount,
		ElectionCount:      m.ElectionCount,
		ElectionDurations:  append([]time.Duration(nil), m.ElectionDurations...),
		LeaderTerms:        append([]uint64(nil), m.LeaderTerms...),
		ProbeCount:         m.ProbeCount,
		ProbeFailures:      m.ProbeFailures,
		EvictionCount:      m.EvictionCount,
		RegistrationCount:  m.RegistrationCount,
		TasksDispatched:    m.TasksDispatched,
		TasksFailed:        m.TasksFailed,
	}
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendEntriesCount = 0
	m.RequestVoteCount = 0
	m.HeartbeatCount = 0
	m.ElectionCount = 0
	m.ElectionDurations = make([]time.Duration, 0)
	m.LeaderTerms = make([]uint64, 0)
	m.ProbeCount = 0
	m.ProbeFailures = 0
	m.EvictionCount = 0
	m.RegistrationCount = 0
	m.TasksDispatched = 0
	m.TasksFailed = 0
}
