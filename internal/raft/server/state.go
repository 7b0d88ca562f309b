package server

import (
	"sync"
	"time"
)

// serverState is container for the state variables of a node, a reduced form of Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). There is no log, so only the leader election variables survive.
// It provides an interface to set/get the variables in a thread safe manner.
//
// Handlers that read and then write several fields take mu directly and use the *Locked helpers, so a whole
// transition happens in one critical section. mu is never held across a network call, and it is never held together
// with the liveness registry's lock.
type serverState struct {
	// Protects all fields below
	mu sync.RWMutex

	// The state of the server as per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf). When a server
	// initially starts it is a Follower as per Section 5.2 from the paper.
	state State
	// The latest term server has seen. It is a [logical clock](https://dl.acm.org/doi/pdf/10.1145/359545.359563) used
	// by servers to detect obsolete info, such as stale leaders. It starts at 0 on every boot, since nothing is
	// persisted, and increases monotonically, as per Section 5.1 from the paper.
	currentTerm uint64
	// NOTE: Raft also records votedFor, so that a server grants at most one vote per term. Here a vote is only granted
	// for a term strictly greater than currentTerm, and granting adopts that term, which rules out a second grant in
	// the same term without remembering the candidate. Keep the two in sync if that check is ever relaxed.

	// lastContactAt is the last time this server heard from a legitimate leader or candidate: a granted vote, an
	// accepted AppendEntries, or its own vote as a Candidate.
	lastContactAt time.Time
	// ElectionTimeout is the current election timeout for the server. It is drawn when the server is created and
	// redrawn every time it becomes Candidate, as per Section 5.2 from the paper.
	electionTimeout time.Duration
	// leaderAddress is the sender of the last accepted AppendEntries. It is a hint only and may be stale.
	leaderAddress ServerAddress
}

func (s *serverState) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *serverState) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *serverState) getCurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

// setCurrentTerm never moves the term backwards.
func (s *serverState) setCurrentTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptTermLocked(term)
}

func (s *serverState) getElectionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeout
}

func (s *serverState) setElectionTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.electionTimeout = timeout
}

func (s *serverState) getLastContactAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastContactAt
}

func (s *serverState) setLastContactAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastContactAt = t
}

func (s *serverState) getLeaderAddress() ServerAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderAddress
}

// electionTimeoutElapsed reports whether more than electionTimeout passed since lastContactAt.
func (s *serverState) electionTimeoutElapsed(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeoutElapsedLocked(now)
}

func (s *serverState) electionTimeoutElapsedLocked(now time.Time) bool {
	return now.Sub(s.lastContactAt) > s.electionTimeout
}

// adoptTermLocked raises currentTerm to term if it is larger. Callers must hold mu.
func (s *serverState) adoptTermLocked(term uint64) {
	if term > s.currentTerm {
		s.currentTerm = term
	}
}

// transitionLocked switches state and reports the previous one and whether anything changed. Callers must hold mu.
func (s *serverState) transitionLocked(to State) (from State, changed bool) {
	from = s.state
	s.state = to
	return from, from != to
}
