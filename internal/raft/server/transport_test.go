package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"hive/internal/raft/rpc"
)

// bufNet serves one grpc.Server per address over in-memory listeners
type bufNet struct {
	listeners map[string]*bufconn.Listener
}

func (b *bufNet) dialer(ctx context.Context, addr string) (net.Conn, error) {
	lis, ok := b.listeners[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: errUnreachable}
	}
	return lis.DialContext(ctx)
}

func (b *bufNet) serve(t *testing.T, addr ServerAddress, srv rpc.ConsensusServer) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	b.listeners[string(addr)] = lis

	g := grpc.NewServer(grpc.UnaryInterceptor(rpc.UnaryServerInterceptor(discardLogger())))
	rpc.RegisterConsensusServer(g, srv)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)
}

func TestTransport_GRPC(t *testing.T) {
	for _, codec := range []string{rpc.CodecJSON, rpc.CodecMsgpack} {
		t.Run(codec, func(t *testing.T) {
			peer := newTestServer(t, 1)
			peer.setCurrentTerm(2)

			bn := &bufNet{listeners: map[string]*bufconn.Listener{}}
			bn.serve(t, "127.0.0.1:5001", peer.Server)

			tr, err := NewTransport([]ServerAddress{"127.0.0.1:5001", "127.0.0.1:5009"}, codec, discardLogger(),
				grpc.WithContextDialer(bn.dialer))
			require.NoError(t, err)
			defer tr.CloseAllClients()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			t.Run("stale vote is a negative response, not an error", func(t *testing.T) {
				resp, err := tr.RequestVote(ctx, "127.0.0.1:5001", &rpc.RequestVoteRequest{Term: 2, CandidateAddress: "c"})
				require.NoError(t, err)
				assert.False(t, resp.VoteGranted)
				assert.Equal(t, uint64(2), resp.Term)
			})

			t.Run("vote granted for a higher term", func(t *testing.T) {
				resp, err := tr.RequestVote(ctx, "127.0.0.1:5001", &rpc.RequestVoteRequest{Term: 3, CandidateAddress: "c"})
				require.NoError(t, err)
				assert.True(t, resp.VoteGranted)
				assert.Equal(t, uint64(3), peer.Term())
			})

			t.Run("heartbeat accepted", func(t *testing.T) {
				resp, err := tr.AppendEntries(ctx, "127.0.0.1:5001", &rpc.AppendEntriesRequest{Term: 3, LeaderAddress: "c"})
				require.NoError(t, err)
				assert.True(t, resp.Success)
				assert.Equal(t, ServerAddress("c"), peer.LeaderAddress())
			})

			t.Run("malformed request maps to InvalidArgument", func(t *testing.T) {
				_, err := tr.AppendEntries(ctx, "127.0.0.1:5001", &rpc.AppendEntriesRequest{Term: 3})
				require.Error(t, err)
				assert.Equal(t, codes.InvalidArgument, status.Code(err))
			})

			t.Run("unreachable peer fails within the deadline", func(t *testing.T) {
				callCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()

				start := time.Now()
				_, err := tr.RequestVote(callCtx, "127.0.0.1:5009", &rpc.RequestVoteRequest{Term: 9, CandidateAddress: "c"})
				assert.Error(t, err)
				assert.Less(t, time.Since(start), time.Second)
			})

			t.Run("unknown peer", func(t *testing.T) {
				_, err := tr.RequestVote(ctx, "127.0.0.1:6000", &rpc.RequestVoteRequest{Term: 9, CandidateAddress: "c"})
				assert.Error(t, err)
			})
		})
	}
}

func TestNewTransport_RejectsUnknownCodec(t *testing.T) {
	_, err := NewTransport(nil, "gob", discardLogger())
	assert.Error(t, err)
}
