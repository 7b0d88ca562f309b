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

	"hive/internal/api"
	"hive/internal/backoff"
	"hive/internal/drone"
)

// Drone is a fully wired drone process.
type Drone struct {
	Worker *drone.Worker

	registrar  *drone.Registrar
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewDrone builds a drone. lis may be nil, in which case it listens on cfg.Port.
func NewDrone(cfg Config, lis net.Listener) (*Drone, error) {
	cfg.Mode = api.ModeDrone
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

	advertise := cfg.Advertise
	if advertise == "" {
		port := cfg.Port
		if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		var err error
		advertise, err = drone.InterfaceAddress(cfg.Interface, port)
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
	}

	worker := drone.NewWorker(logger)
	return &Drone{
		Worker: worker,
		registrar: &drone.Registrar{
			Queen:   cfg.QueenHost,
			Address: advertise,
			Retry:   backoff.NewConstant(cfg.RegisterRetry),
			Logger:  logger,
		},
		httpServer: &http.Server{
			Handler:           api.NewDroneRouter(worker, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: lis,
		logger:   logger.With("component", "drone"),
	}, nil
}

// Address is what the drone registers under.
func (d *Drone) Address() string {
	return d.registrar.Address
}

// Run serves /do_task and registers with the queen. A rejected registration stops the drone with an error.
func (d *Drone) Run(ctx context.Context) error {
	d.logger.Info("starting drone", "address", d.registrar.Address, "queen", d.registrar.Queen)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.httpServer.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		_, err := d.registrar.Register(gctx)
		if err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http shutdown", "error", err)
		}
		d.logger.Info("drone stopped")
		return nil
	})

	return g.Wait()
}
