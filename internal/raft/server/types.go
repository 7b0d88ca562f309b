package server

import (
	"context"
	"time"

	"hive/internal/pubsub"
	"hive/internal/raft/rpc"
)

// ServerID is the id of the server in the cluster. It is regenerated on every start, as nothing is persisted.
type ServerID string

// ServerAddress is the network address of a Server. Peers identify each other by address only.
type ServerAddress string

// A State is a custom type representing the state of a server at any given point: leader, follower, or candidate
type State uint64

// As Golang does not support Enums this is a common pattern for implementing one. Follower is the zero value, as
// every server starts as a Follower (Section 5.2 of the Raft paper).
const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

// MarshalText lets State render by name in JSON documents such as /healthz.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	// RoleChanged is published every time the server switches State. The payload is RoleChangedPayload.
	RoleChanged pubsub.EventType = iota + 1
)

// RoleChangedPayload travels with RoleChanged events.
type RoleChangedPayload struct {
	From State
	To   State
	// Term is the currentTerm at the moment of the transition
	Term uint64
}

// PeerTransport delivers RPCs to peers. Implementations must honour ctx, as the caller relies on the deadline to bound
// every call.
type PeerTransport interface {
	RequestVote(ctx context.Context, peer ServerAddress, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer ServerAddress, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error)
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordLeaderElected(term uint64)
}

// Status is a point in time view of the server, used by health endpoints.
type Status struct {
	ID            ServerID        `json:"id"`
	Address       ServerAddress   `json:"address"`
	Role          State           `json:"role"`
	Term          uint64          `json:"term"`
	LastContactAt time.Time       `json:"last_contact_at"`
	Leader        ServerAddress   `json:"leader,omitempty"`
	Peers         []ServerAddress `json:"peers"`
}
