package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hive/internal/api"
	"hive/internal/app"
	"hive/internal/hive"
)

func main() {
	cfg, logLevel, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("larve stopped", "error", err)
		os.Exit(1)
	}
}

// addrList collects host:port entries. Every occurrence of the flag appends; a value may hold several entries
// separated by commas or spaces.
type addrList []string

func (l *addrList) String() string {
	return strings.Join(*l, ",")
}

func (l *addrList) Set(v string) error {
	*l = append(*l, splitList(v)...)
	return nil
}

// parseFlags turns the command line into a Config and a log level. It also accepts the
// "-queen-list host:port host:port ..." form: positional host:port arguments that follow -queen-list are taken as
// more queens, and flags after them are still parsed.
func parseFlags(args []string) (app.Config, string, error) {
	defaults := app.DefaultConfig()
	fs := flag.NewFlagSet("larve", flag.ContinueOnError)

	var peers, queenList addrList
	queen := fs.Bool("queen", false, "Start this larve in queen mode")
	port := fs.Int("port", defaults.Port, "Port to serve the API (and, for queens, the peer RPCs) on")
	advertise := fs.String("advertise", "", "host:port other processes use to reach this larve")
	fs.Var(&peers, "peers", "Comma separated host:port of the other queens")
	fs.Var(&queenList, "queen-list", "Alias of -peers; more host:port arguments may follow it, separated by spaces")
	queenHost := fs.String("queen-host", "", "Drone mode: host:port of the queen to register with, example: 127.0.0.1:8080")
	iface := fs.String("interface", "", "Drone mode: network interface whose IPv4 address is registered, example: enp5s0")
	electionMin := fs.Duration("election-min", defaults.ElectionTimeoutMin, "Lower bound of the election timeout")
	electionMax := fs.Duration("election-max", defaults.ElectionTimeoutMax, "Upper bound of the election timeout")
	heartbeat := fs.Duration("heartbeat", defaults.HeartbeatInterval, "Leader heartbeat interval")
	sweep := fs.Duration("sweep", defaults.SweepInterval, "How often the leader probes its drones")
	probeAttempts := fs.Int("probe-attempts", defaults.ProbeAttempts, "Consecutive failed probes before a drone is evicted")
	probeBackoff := fs.String("probe-backoff", defaults.ProbeBackoff, "Wait between probes: constant, linear or exponential")
	codec := fs.String("codec", defaults.Codec, "Peer RPC encoding: json or msgpack")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")

	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return app.Config{}, "", err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		// flag stops at the first positional argument
		for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			if len(queenList) == 0 {
				return app.Config{}, "", fmt.Errorf("unexpected argument %q", rest[0])
			}
			if err := hive.ValidateAddress(rest[0]); err != nil {
				return app.Config{}, "", fmt.Errorf("unexpected argument %q after -queen-list: %w", rest[0], err)
			}
			queenList = append(queenList, rest[0])
			rest = rest[1:]
		}
		if len(rest) == 0 {
			break
		}
		if rest[0] == "-" {
			return app.Config{}, "", fmt.Errorf("unexpected argument %q", rest[0])
		}
	}

	cfg := defaults
	cfg.Mode = api.ModeDrone
	if *queen {
		cfg.Mode = api.ModeQueen
	}
	cfg.Port = *port
	cfg.Advertise = *advertise
	cfg.Peers = append([]string(peers), queenList...)
	cfg.QueenHost = *queenHost
	cfg.Interface = *iface
	cfg.ElectionTimeoutMin = *electionMin
	cfg.ElectionTimeoutMax = *electionMax
	cfg.HeartbeatInterval = *heartbeat
	cfg.SweepInterval = *sweep
	cfg.ProbeAttempts = *probeAttempts
	cfg.ProbeBackoff = *probeBackoff
	cfg.Codec = *codec
	return cfg, *logLevel, nil
}

func run(ctx context.Context, cfg app.Config) error {
	if cfg.Mode == api.ModeQueen {
		q, err := app.NewQueen(cfg, nil)
		if err != nil {
			return err
		}
		return q.Run(ctx)
	}

	d, err := app.NewDrone(cfg, nil)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// splitList accepts "a:1,b:2" as well as "a:1 b:2"
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
