package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"hive/internal/api"
	"hive/internal/backoff"
	"hive/internal/drone"
	"hive/internal/hive"
	"hive/internal/raft/rpc"
	"hive/internal/raft/server"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("hive: invalid config")

// Config is the process level configuration of a larve, in either mode.
type Config struct {
	Mode api.Mode
	// Port is the single listener shared by gRPC and the HTTP API. 0 picks a free port.
	Port int
	// Advertise is the host:port other processes use to reach this one. A queen defaults to 127.0.0.1:<Port>; a drone
	// derives it from Interface when empty.
	Advertise string

	// Queen mode

	// Peers are the other queens. The own address is ignored if present.
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	Codec              string

	SweepInterval time.Duration
	ProbeAttempts int
	ProbeBackoff  string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	RegisterRate  float64
	RegisterBurst int

	// Drone mode

	QueenHost     string
	Interface     string
	RegisterRetry time.Duration

	Logger *slog.Logger
}

func DefaultConfig() Config {
	consensus := server.DefaultConfig()
	return Config{
		Mode:               api.ModeDrone,
		Port:               8080,
		ElectionTimeoutMin: consensus.ElectionTimeoutMin,
		ElectionTimeoutMax: consensus.ElectionTimeoutMax,
		HeartbeatInterval:  consensus.HeartbeatInterval,
		RPCTimeout:         consensus.RPCTimeout,
		Codec:              rpc.CodecJSON,
		SweepInterval:      hive.DefaultSweepInterval,
		ProbeAttempts:      hive.DefaultMaxAttempts,
		ProbeBackoff:       "constant",
		ProbeInterval:      hive.DefaultProbeBackoff,
		ProbeTimeout:       hive.DefaultProbeTimeout,
		RegisterRate:       50,
		RegisterBurst:      100,
		RegisterRetry:      drone.DefaultRetryInterval,
	}
}

// Validate checks the settings relevant to the configured mode.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Advertise != "" {
		if err := hive.ValidateAddress(c.Advertise); err != nil {
			return fmt.Errorf("%w: advertise: %v", ErrInvalidConfig, err)
		}
	}

	switch c.Mode {
	case api.ModeQueen:
		return c.validateQueen()
	case api.ModeDrone:
		return c.validateDrone()
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
}

func (c Config) validateQueen() error {
	for _, p := range c.Peers {
		if err := hive.ValidateAddress(p); err != nil {
			return fmt.Errorf("%w: peer: %v", ErrInvalidConfig, err)
		}
	}
	if err := rpc.ValidateCodec(c.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.ProbeAttempts < 1 {
		return fmt.Errorf("%w: probe attempts must be at least 1", ErrInvalidConfig)
	}
	if _, err := backoff.Parse(c.ProbeBackoff, c.ProbeInterval); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe timeout must be positive", ErrInvalidConfig)
	}
	if c.RegisterRate < 0 || c.RegisterBurst < 0 {
		return fmt.Errorf("%w: register rate limit must not be negative", ErrInvalidConfig)
	}
	// The election timing itself is checked by the consensus engine
	_, err := c.serverConfig(c.advertise())
	return err
}

func (c Config) validateDrone() error {
	if c.QueenHost == "" {
		return fmt.Errorf("%w: queen host is required in drone mode", ErrInvalidConfig)
	}
	if err := hive.ValidateAddress(c.QueenHost); err != nil {
		return fmt.Errorf("%w: queen host: %v", ErrInvalidConfig, err)
	}
	if c.Advertise == "" && c.Interface == "" {
		return fmt.Errorf("%w: drone mode needs an interface or an advertise address", ErrInvalidConfig)
	}
	if c.RegisterRetry <= 0 {
		return fmt.Errorf("%w: register retry must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) advertise() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port))
}

// serverConfig builds the consensus config for a queen reachable at self.
func (c Config) serverConfig(self string) (server.Config, error) {
	cfg := server.DefaultConfig()
	cfg.Address = server.ServerAddress(self)
	for _, p := range c.Peers {
		if p != self {
			cfg.Peers = append(cfg.Peers, server.ServerAddress(p))
		}
	}
	cfg.ElectionTimeoutMin = c.ElectionTimeoutMin
	cfg.ElectionTimeoutMax = c.ElectionTimeoutMax
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.RPCTimeout = c.RPCTimeout
	if err := server.ValidateConfig(cfg); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}
