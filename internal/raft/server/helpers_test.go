package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hive/internal/mocks"
	"hive/internal/raft/rpc"
)

// transportMock is used for testing elections and heartbeats without a network
type transportMock struct {
	mock.Mock
}

func (m *transportMock) RequestVote(_ context.Context, peer ServerAddress, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*rpc.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *transportMock) AppendEntries(_ context.Context, peer ServerAddress, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*rpc.AppendEntriesResponse)
	return resp, args.Error(1)
}

// fakeClock only moves when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const selfAddr ServerAddress = "127.0.0.1:5000"

func peerAddrs(n int) []ServerAddress {
	peers := make([]ServerAddress, n)
	for i := range peers {
		peers[i] = ServerAddress(fmt.Sprintf("127.0.0.1:%d", 5001+i))
	}
	return peers
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	clock     *fakeClock
	metrics   *mocks.MockMetricsCollector
	transport *transportMock
}

func newTestServer(t *testing.T, peers int, opts ...func(*Config)) *testServer {
	t.Helper()

	clock := newFakeClock()
	metrics := mocks.NewMockMetricsCollector()
	tr := &transportMock{}

	cfg := DefaultConfig()
	cfg.Address = selfAddr
	cfg.Peers = peerAddrs(peers)
	cfg.Logger = discardLogger()
	cfg.Clock = clock
	cfg.Rand = rand.New(rand.NewSource(1))
	cfg.Metrics = metrics
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := NewServer(cfg, tr)
	require.NoError(t, err)

	return &testServer{Server: s, clock: clock, metrics: metrics, transport: tr}
}

func grant(term uint64) *rpc.RequestVoteResponse {
	return &rpc.RequestVoteResponse{Term: term, VoteGranted: true}
}

func deny(term uint64) *rpc.RequestVoteResponse {
	return &rpc.RequestVoteResponse{Term: term, VoteGranted: false}
}

var (
	rpcAppendOK       = rpc.AppendEntriesResponse{Success: true}
	rpcAppendRejected = rpc.AppendEntriesResponse{Success: false}
)
