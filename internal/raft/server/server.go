package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hive/internal/pubsub"
	"hive/internal/raft/rpc"
)

// Server is a queen taking part in leader election. Its role loop runs in Run, and inbound RPCs arrive through the
// rpc.ConsensusServer methods in handlers.go.
type Server struct {
	serverState
	// The ID of the server in the cluster
	ID ServerID
	// The network address of the server, as its peers know it
	Address ServerAddress
	// A list of NetworkAddresses of the other Servers in the cluster. Fixed at construction.
	peers []ServerAddress
	// Transport is the transport layer used for sending RPC messages
	transport PeerTransport

	cfg     Config
	logger  *slog.Logger
	clock   Clock
	rand    *rand.Rand
	metrics MetricsCollector
	// pubSub is used to send events about the state of the server to subscribed listeners
	pubSub *pubsub.PubSubClient

	running atomic.Bool
}

var _ rpc.ConsensusServer = (*Server)(nil)

// NewServer validates cfg and returns a Follower at term 0. The role loop does not start until Run is called.
func NewServer(cfg Config, transport PeerTransport) (*Server, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()

	id := ServerID(uuid.NewString())
	s := &Server{
		ID:        id,
		Address:   cfg.Address,
		peers:     cfg.Peers,
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger.With("node_id", string(id), "address", string(cfg.Address)),
		clock:     cfg.Clock,
		rand:      cfg.Rand,
		metrics:   cfg.Metrics,
		pubSub:    cfg.PubSub,
	}
	s.state = Follower
	s.electionTimeout = s.randomElectionTimeout()
	s.lastContactAt = s.clock.Now()

	return s, nil
}

// randomElectionTimeout draws an ElectionTimeout from [ElectionTimeoutMin, ElectionTimeoutMax]. ElectionTimeout is the
// allowed period of time for a follower not to hear from a Leader, as defined in Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Randomizing it makes split votes rare.
// Callers must hold mu, or own the server exclusively, since rand.Rand is not safe for concurrent use.
func (s *Server) randomElectionTimeout() time.Duration {
	span := s.cfg.ElectionTimeoutMax - s.cfg.ElectionTimeoutMin
	if span <= 0 {
		return s.cfg.ElectionTimeoutMin
	}
	// +1 makes the upper bound inclusive
	return s.cfg.ElectionTimeoutMin + time.Duration(s.rand.Int63n(int64(span)+1))
}

// Run drives the role loop until ctx is cancelled:
//   - a Follower polls every PollInterval and starts an election once its election timeout elapsed
//   - a Candidate runs exactly one election per attempt
//   - a Leader broadcasts heartbeats every HeartbeatInterval
//
// Run returns nil on cancellation. Any in-flight broadcast round completes (bounded by RPCTimeout) before it returns.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	// The first election timeout counts from the moment the loop starts, not from construction.
	s.setLastContactAt(s.clock.Now())
	s.logger.Info("role loop started",
		"peers", s.peers, "election_timeout", s.getElectionTimeout(), "role", s.getState())

	for {
		if ctx.Err() != nil {
			s.logger.Info("role loop stopped", "term", s.getCurrentTerm(), "role", s.getState())
			return nil
		}

		var wait time.Duration
		switch s.getState() {
		case Follower:
			if s.electionTimeoutElapsed(s.clock.Now()) && s.runElectionIfTimedOut(ctx) {
				continue
			}
			wait = s.cfg.PollInterval
		case Candidate:
			s.runElection(ctx)
			continue
		case Leader:
			s.sendHeartbeats(ctx)
			wait = s.cfg.HeartbeatInterval
		}

		if !sleep(ctx, wait) {
			s.logger.Info("role loop stopped", "term", s.getCurrentTerm(), "role", s.getState())
			return nil
		}
	}
}

// Running reports whether the role loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

func (s *Server) Role() State {
	return s.getState()
}

func (s *Server) Term() uint64 {
	return s.getCurrentTerm()
}

func (s *Server) IsLeader() bool {
	return s.getState() == Leader
}

// LeaderAddress returns the last known leader. Empty until a heartbeat was accepted or this server won an election.
func (s *Server) LeaderAddress() ServerAddress {
	return s.getLeaderAddress()
}

// Peers returns a copy of the peer set.
func (s *Server) Peers() []ServerAddress {
	return slices.Clone(s.peers)
}

// Status returns a consistent snapshot of the server.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		ID:            s.ID,
		Address:       s.Address,
		Role:          s.state,
		Term:          s.currentTerm,
		LastContactAt: s.lastContactAt,
		Leader:        s.leaderAddress,
		Peers:         slices.Clone(s.peers),
	}
}

// publishRoleChange logs the transition and notifies subscribers. Must be called without holding mu.
func (s *Server) publishRoleChange(from, to State, term uint64) {
	s.logger.Info("role changed", "from", from, "role", to, "term", term)
	if s.pubSub != nil {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(RoleChanged, RoleChangedPayload{From: from, To: to, Term: term}))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
