package rpc

import (
	"errors"
	"fmt"
)

// ErrMalformedRequest is returned when an inbound RPC is missing a required field. The gRPC boundary translates it
// into codes.InvalidArgument.
var ErrMalformedRequest = errors.New("hive: malformed request")

// RequestVoteRequest is invoked by candidates to gather votes (Section 5.2 of the Raft paper). There is no log in this
// cluster, so the up-to-date check on lastLogIndex/lastLogTerm does not exist.
type RequestVoteRequest struct {
	// Term is the candidate's term
	Term uint64 `json:"term" msgpack:"term"`
	// CandidateAddress is the address peers know the candidate by
	CandidateAddress string `json:"candidate_address" msgpack:"candidate_address"`
}

type RequestVoteResponse struct {
	// Term is the currentTerm of the voter after handling the request
	Term        uint64 `json:"term" msgpack:"term"`
	VoteGranted bool   `json:"vote_granted" msgpack:"vote_granted"`
}

// Entry is an opaque log entry. Leaders only ever send heartbeats, so followers accept entries without applying them.
type Entry struct {
	Data []byte `json:"data,omitempty" msgpack:"data,omitempty"`
}

// AppendEntriesRequest is the leadership announcement sent by the leader every heartbeat interval.
type AppendEntriesRequest struct {
	Term          uint64  `json:"term" msgpack:"term"`
	LeaderAddress string  `json:"leader_address" msgpack:"leader_address"`
	Entries       []Entry `json:"entries,omitempty" msgpack:"entries,omitempty"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term" msgpack:"term"`
	Success bool   `json:"success" msgpack:"success"`
}

// Validate rejects requests that cannot be attributed to a candidate.
func (r *RequestVoteRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty RequestVote", ErrMalformedRequest)
	}
	if r.CandidateAddress == "" {
		return fmt.Errorf("%w: candidate address is required", ErrMalformedRequest)
	}
	return nil
}

// Validate rejects requests that cannot be attributed to a leader.
func (r *AppendEntriesRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty AppendEntries", ErrMalformedRequest)
	}
	if r.LeaderAddress == "" {
		return fmt.Errorf("%w: leader address is required", ErrMalformedRequest)
	}
	return nil
}

// IsHeartbeat reports whether the request carries no entries.
func (r *AppendEntriesRequest) IsHeartbeat() bool {
	return len(r.Entries) == 0
}
