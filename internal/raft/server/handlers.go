package server

import (
	"context"

	"hive/internal/raft/rpc"
)

// RequestVote handles the RequestVote RPC call from a peer's client.
//
// A vote is granted only for a term strictly greater than currentTerm. Granting adopts that term, so any other
// candidate of the same term is rejected afterwards. This is the only guard against voting twice in a term.
func (s *Server) RequestVote(_ context.Context, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	// Malformed requests are rejected before touching shared state
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if req.Term <= s.currentTerm {
		term := s.currentTerm
		s.mu.Unlock()
		s.logger.Debug("vote rejected, stale term",
			"peer", req.CandidateAddress, "candidate_term", req.Term, "term", term)
		return &rpc.RequestVoteResponse{Term: term, VoteGranted: false}, nil
	}

	s.adoptTermLocked(req.Term)
	s.lastContactAt = s.clock.Now()
	// A Leader that sees a higher term is out of date and reverts to Follower (Section 5.1). A Candidate keeps
	// campaigning; runElection notices the term moved and discards its tally.
	var from State
	var changed bool
	if s.state == Leader {
		from, changed = s.transitionLocked(Follower)
	}
	term := s.currentTerm
	s.mu.Unlock()

	s.logger.Info("vote granted", "peer", req.CandidateAddress, "term", term)
	if changed {
		s.publishRoleChange(from, Follower, term)
	}

	return &rpc.RequestVoteResponse{Term: term, VoteGranted: true}, nil
}

// AppendEntries handles the AppendEntries RPC call from a peer's client. Entries are accepted and dropped, as there
// is no log to replicate.
func (s *Server) AppendEntries(_ context.Context, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordAppendEntries()
	}

	s.mu.Lock()
	// If a server receives a request with a stale term number, it rejects the request. (Section 5.1)
	if req.Term < s.currentTerm {
		term := s.currentTerm
		s.mu.Unlock()
		s.logger.Debug("append entries rejected, stale term",
			"peer", req.LeaderAddress, "leader_term", req.Term, "term", term)
		return &rpc.AppendEntriesResponse{Term: term, Success: false}, nil
	}

	s.adoptTermLocked(req.Term)
	// If the leader's term is at least as large as the candidate's current term, then the candidate recognizes the
	// leader as legitimate and returns to follower state (Section 5.2). A Leader does the same.
	var from State
	var changed bool
	if s.state != Follower {
		from, changed = s.transitionLocked(Follower)
	}
	s.lastContactAt = s.clock.Now()
	s.leaderAddress = ServerAddress(req.LeaderAddress)
	term := s.currentTerm
	s.mu.Unlock()

	if changed {
		s.logger.Info("stepping down, heard from leader", "peer", req.LeaderAddress, "term", term)
		s.publishRoleChange(from, Follower, term)
	}
	if !req.IsHeartbeat() {
		s.logger.Debug("ignoring entries", "peer", req.LeaderAddress, "entries", len(req.Entries))
	}

	return &rpc.AppendEntriesResponse{Term: term, Success: true}, nil
}
