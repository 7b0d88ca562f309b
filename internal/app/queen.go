// Package app assembles a larve process: a queen (consensus engine, drone registry, HTTP API and gRPC peer service
// on one listener) or a drone.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"hive/internal/api"
	"hive/internal/backoff"
	"hive/internal/hive"
	"hive/internal/metrics"
	"hive/internal/pubsub"
	"hive/internal/raft/rpc"
	"hive/internal/raft/server"
)

const shutdownTimeout = 5 * time.Second

// Queen is a fully wired queen process.
type Queen struct {
	Server     *server.Server
	Registry   *hive.Registry
	Sweeper    *hive.Sweeper
	Dispatcher *hive.Dispatcher
	Metrics    *metrics.Metrics

	pubSub     *pubsub.PubSubClient
	transport  *server.Transport
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewQueen builds every component of a queen. lis may be nil, in which case it listens on cfg.Port. When
// cfg.Advertise is empty the queen advertises 127.0.0.1 and the port it actually listens on.
func NewQueen(cfg Config, lis net.Listener) (*Queen, error) {
	cfg.Mode = api.ModeQueen
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
		}
	}
	if cfg.Advertise == "" {
		if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
			cfg.Advertise = net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
		}
	}

	q, err := newQueen(cfg, lis, logger)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	return q, nil
}

func newQueen(cfg Config, lis net.Listener, logger *slog.Logger) (*Queen, error) {
	serverCfg, err := cfg.serverConfig(cfg.advertise())
	if err != nil {
		return nil, err
	}

	q := &Queen{
		Metrics:  metrics.NewMetrics(),
		pubSub:   pubsub.NewPubSub(logger),
		listener: lis,
		logger:   logger.With("component", "queen"),
	}

	q.transport, err = server.NewTransport(serverCfg.Peers, cfg.Codec, logger)
	if err != nil {
		q.pubSub.GracefulShutdown()
		return nil, err
	}

	serverCfg.Logger = logger
	serverCfg.Metrics = q.Metrics
	serverCfg.PubSub = q.pubSub
	q.Server, err = server.NewServer(serverCfg, q.transport)
	if err != nil {
		q.transport.CloseAllClients()
		q.pubSub.GracefulShutdown()
		return nil, err
	}

	probeBackoff, _ := backoff.Parse(cfg.ProbeBackoff, cfg.ProbeInterval)
	q.Registry = hive.NewRegistry(
		hive.WithProber(hive.NewHTTPProber(&http.Client{Timeout: cfg.ProbeTimeout})),
		hive.WithMaxAttempts(cfg.ProbeAttempts),
		hive.WithBackoff(probeBackoff),
		hive.WithMetrics(q.Metrics),
		hive.WithLogger(logger),
	)
	q.Sweeper = hive.NewSweeper(q.Registry, q.Server, cfg.SweepInterval, q.pubSub, logger)
	q.Dispatcher = hive.NewDispatcher(q.Registry,
		hive.WithDispatchMetrics(q.Metrics),
		hive.WithDispatchLogger(logger),
	)

	q.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(rpc.UnaryServerInterceptor(logger)))
	rpc.RegisterConsensusServer(q.grpcServer, q.Server)
	q.health = health.NewServer()
	q.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	q.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(q.grpcServer, q.health)

	var limiter *rate.Limiter
	if cfg.RegisterRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RegisterRate), max(cfg.RegisterBurst, 1))
	}
	router := api.NewQueenRouter(api.QueenConfig{
		Node:          q.Server,
		Registry:      q.Registry,
		Dispatcher:    q.Dispatcher,
		Metrics:       q.Metrics,
		RegisterLimit: limiter,
		Logger:        logger,
	})
	q.httpServer = &http.Server{
		Handler:           api.Multiplex(q.grpcServer, router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return q, nil
}

// Address is what peers and drones use to reach this queen.
func (q *Queen) Address() string {
	return string(q.Server.Address)
}

// Run serves until ctx is done, then shuts every component down. It returns the first error that stopped it early.
func (q *Queen) Run(ctx context.Context) error {
	q.logger.Info("starting queen",
		"node_id", q.Server.ID, "address", q.Server.Address, "listen", q.listener.Addr().String(), "peers", q.Server.Peers())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := q.httpServer.Serve(q.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	q.Sweeper.Start(gctx)

	g.Go(func() error {
		q.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		q.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
		return q.Server.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		q.shutdown()
		return nil
	})

	return g.Wait()
}

func (q *Queen) shutdown() {
	q.logger.Info("shutting down queen")

	q.health.Shutdown()
	q.Sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := q.httpServer.Shutdown(ctx); err != nil {
		q.logger.Warn("http shutdown", "error", err)
	}
	q.grpcServer.Stop()
	q.transport.CloseAllClients()
	q.pubSub.GracefulShutdown()

	q.logger.Info("queen stopped")
}
