package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"hive/internal/raft/rpc"
)

// Transport is the gRPC PeerTransport. It makes a single attempt per call; the deadline on ctx bounds it, and the
// next election or heartbeat round is the retry.
type Transport struct {
	// A map to store the underlying grpc.ClientConn for each peer. It is a map[ServerAddress]*grpc.ClientConn.
	// sync.Map provides thread-safe access to the map, and is optimized for read operations, reducing the overhead of
	// manual locks
	clientsConnPool *sync.Map
	logger          *slog.Logger
}

var _ PeerTransport = (*Transport)(nil)

// NewTransport opens a channel to every peer. codec selects the wire encoding (rpc.CodecJSON or rpc.CodecMsgpack).
// grpc.NewClient does not connect until the first call, so unreachable peers do not fail construction.
func NewTransport(peers []ServerAddress, codec string, logger *slog.Logger, opts ...grpc.DialOption) (*Transport, error) {
	if err := rpc.ValidateCodec(codec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec)),
	}, opts...)

	t := &Transport{
		clientsConnPool: &sync.Map{},
		logger:          logger.With("component", "transport"),
	}
	if err := t.initClients(peers, dialOpts); err != nil {
		t.CloseAllClients()
		return nil, err
	}

	return t, nil
}

// Initializes a gRPC channel from the current server to every other from its peers
func (t *Transport) initClients(peers []ServerAddress, dialOpts []grpc.DialOption) error {
	for _, peer := range peers {
		// passthrough hands the address to the dialer untouched
		conn, err := grpc.NewClient("passthrough:///"+string(peer), dialOpts...)
		if err != nil {
			return fmt.Errorf("failed establishing a gRPC channel to peer %s: %w", peer, err)
		}
		t.clientsConnPool.Store(peer, conn)
	}
	return nil
}

// getClientConn retrieves a grpc.ClientConn for the given peer from the connection pool
func (t *Transport) getClientConn(peer ServerAddress) (*grpc.ClientConn, error) {
	clientConn, ok := t.clientsConnPool.Load(peer)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for peer %s", peer)
	}

	// We must type assert the value returned by Load, as it is of type `any` by default
	conn, ok := clientConn.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for peer %s. Type is %T", peer, clientConn)
	}

	return conn, nil
}

func (t *Transport) RequestVote(ctx context.Context, peer ServerAddress, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}

	resp, err := rpc.NewConsensusClient(conn).RequestVote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("RequestVote to %s: %w", peer, err)
	}
	return resp, nil
}

func (t *Transport) AppendEntries(ctx context.Context, peer ServerAddress, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}

	resp, err := rpc.NewConsensusClient(conn).AppendEntries(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("AppendEntries to %s: %w", peer, err)
	}
	return resp, nil
}

// CloseAllClients closes all gRPC client connections initiated by the server
func (t *Transport) CloseAllClients() {
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warn("failed to close peer connection", "peer", key, "error", err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Debug("all gRPC client connections closed")
}
