package server

import (
	"context"

	"hive/internal/raft/rpc"
)

// sendHeartbeats broadcasts one empty AppendEntries to every peer. Leaders send these periodically to maintain their
// authority (Section 5.2). Failures are logged and never retried within the round; the next round is the retry.
func (s *Server) sendHeartbeats(ctx context.Context) {
	s.mu.RLock()
	if s.state != Leader {
		s.mu.RUnlock()
		return
	}
	term := s.currentTerm
	s.mu.RUnlock()

	// This in empty for heartbeats as per Section 5.2
	req := &rpc.AppendEntriesRequest{Term: term, LeaderAddress: string(s.Address)}
	results := broadcast(ctx, s.peers, s.cfg.RPCTimeout, func(ctx context.Context, peer ServerAddress) (bool, error) {
		if s.metrics != nil {
			s.metrics.RecordHeartbeat()
		}
		resp, err := s.transport.AppendEntries(ctx, peer, req)
		if err != nil {
			return false, err
		}
		return resp.Success, nil
	})

	acked := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.logger.Debug("heartbeat failed", "term", term, "peer", r.Peer, "error", r.Err)
		case !r.Value:
			s.logger.Debug("heartbeat rejected", "term", term, "peer", r.Peer)
		default:
			acked++
		}
	}
	if acked < len(s.peers) {
		s.logger.Debug("heartbeat round incomplete", "term", term, "acked", acked, "peers", len(s.peers))
	}
}
