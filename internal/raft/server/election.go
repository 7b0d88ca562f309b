package server

import (
	"context"

	"hive/internal/raft/rpc"
)

// quorumThreshold is ceil((peers+1)/2) for a cluster of peers+1 servers.
func quorumThreshold(peers int) int {
	return (peers + 2) / 2
}

// wonElection reports whether votes (self-vote included) strictly exceed quorumThreshold. For odd clusters this asks
// for one vote more than a plain majority, and a single-server cluster can never elect itself.
func wonElection(votes, peers int) bool {
	return votes > quorumThreshold(peers)
}

// runElection performs one election attempt, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf).
// The server ends the attempt as Leader or Follower, never as Candidate.
func (s *Server) runElection(ctx context.Context) {
	s.elect(ctx, false)
}

// runElectionIfTimedOut is the Follower's entry point. The timeout is checked again under the write lock, so a
// heartbeat accepted after the caller's check cancels the election. It reports whether an election ran.
func (s *Server) runElectionIfTimedOut(ctx context.Context) bool {
	return s.elect(ctx, true)
}

func (s *Server) elect(ctx context.Context, requireTimeout bool) bool {
	start := s.clock.Now()

	// 1. Transition to Candidate, redraw the election timeout and increment the currentTerm in one step
	s.mu.Lock()
	if requireTimeout && (s.state != Follower || !s.electionTimeoutElapsedLocked(start)) {
		s.mu.Unlock()
		return false
	}
	from, changed := s.transitionLocked(Candidate)
	s.electionTimeout = s.randomElectionTimeout()
	s.currentTerm++
	electionTerm := s.currentTerm
	timeout := s.electionTimeout
	s.mu.Unlock()

	if changed {
		s.publishRoleChange(from, Candidate, electionTerm)
	}
	if s.metrics != nil {
		s.metrics.RecordElection()
	}
	s.logger.Info("election started", "term", electionTerm, "election_timeout", timeout)

	// 2. Send RequestVote to all peers in parallel. Unreachable peers count as a denied vote.
	req := &rpc.RequestVoteRequest{Term: electionTerm, CandidateAddress: string(s.Address)}
	results := broadcast(ctx, s.peers, s.cfg.RPCTimeout, func(ctx context.Context, peer ServerAddress) (bool, error) {
		if s.metrics != nil {
			s.metrics.RecordRequestVote()
		}
		resp, err := s.transport.RequestVote(ctx, peer, req)
		if err != nil {
			return false, err
		}
		return resp.VoteGranted, nil
	})

	// 3. The server votes for itself
	votes := 1
	for _, r := range results {
		if r.Err != nil {
			s.logger.Debug("vote request failed", "term", electionTerm, "peer", r.Peer, "error", r.Err)
			continue
		}
		if r.Value {
			votes++
		}
	}

	// 4. Tally. Both checks below protect the single leader per term guarantee: the tally is only meaningful if
	// nothing moved this server past electionTerm while the votes were outstanding.
	s.mu.Lock()
	s.lastContactAt = s.clock.Now()

	if s.state != Candidate {
		// An AppendEntries with term >= electionTerm demoted us
		term := s.currentTerm
		s.mu.Unlock()
		s.logger.Info("election aborted, heard from a leader", "term", term, "election_term", electionTerm, "votes", votes)
		return true
	}

	if s.currentTerm != electionTerm {
		// We granted a vote for a higher term while campaigning
		from, _ := s.transitionLocked(Follower)
		term := s.currentTerm
		s.mu.Unlock()
		s.logger.Info("election superseded by a higher term", "term", term, "election_term", electionTerm, "votes", votes)
		s.publishRoleChange(from, Follower, term)
		return true
	}

	won := wonElection(votes, len(s.peers))
	to := Follower
	if won {
		to = Leader
		s.leaderAddress = s.Address
	}
	from, _ = s.transitionLocked(to)
	s.mu.Unlock()

	duration := s.clock.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordElectionDuration(duration)
	}

	if won {
		if s.metrics != nil {
			s.metrics.RecordLeaderElected(electionTerm)
		}
		s.logger.Info("election won", "term", electionTerm, "votes", votes, "peers", len(s.peers), "duration", duration)
	} else {
		s.logger.Info("election lost", "term", electionTerm, "votes", votes,
			"needed", quorumThreshold(len(s.peers))+1, "duration", duration)
	}
	s.publishRoleChange(from, to, electionTerm)
	return true
}
