package server

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

type peerResult[T any] struct {
	Peer  ServerAddress
	Value T
	Err   error
}

// broadcast calls fn for every peer in parallel and waits for all of them. Every call gets its own timeout derived
// from a context detached from ctx's cancellation, so a round that started always runs to completion. results[i]
// belongs to peers[i] and is written by exactly one goroutine.
func broadcast[T any](ctx context.Context, peers []ServerAddress, timeout time.Duration,
	fn func(ctx context.Context, peer ServerAddress) (T, error)) []peerResult[T] {
	results := make([]peerResult[T], len(peers))
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, peer := range peers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			v, err := fn(callCtx, peer)
			results[i] = peerResult[T]{Peer: peer, Value: v, Err: err}
			// Failures are part of the result, they must not cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()

	return results
}
