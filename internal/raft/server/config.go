package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"hive/internal/pubsub"
)

var (
	// ErrInvalidConfig is returned by NewServer when the Config fails validation.
	ErrInvalidConfig = errors.New("hive: invalid consensus config")
	// ErrAlreadyRunning is returned when Run is called on a server whose role loop is already running.
	ErrAlreadyRunning = errors.New("hive: server already running")
)

// Config holds everything a Server needs. The peer set is fixed for the lifetime of the process.
type Config struct {
	// Address is the address peers use to reach this server. It must not appear in Peers.
	Address ServerAddress
	// Peers is every other queen in the cluster
	Peers []ServerAddress

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout. The 150-300ms default comes
	// from the end of Section 9.3 of the Raft paper.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// PollInterval is how often a Follower checks whether its election timeout elapsed
	PollInterval time.Duration
	// HeartbeatInterval is how often a Leader announces itself. It must be well below ElectionTimeoutMin.
	HeartbeatInterval time.Duration
	// RPCTimeout bounds every single outbound RPC. Section 5.6 states that broadcast time should be an order of
	// magnitude less than the election timeout.
	RPCTimeout time.Duration

	Logger  *slog.Logger
	Clock   Clock
	Rand    *rand.Rand
	Metrics MetricsCollector
	// PubSub receives RoleChanged events. Optional.
	PubSub *pubsub.PubSubClient
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
	}
}

// ValidateConfig reports whether NewServer would accept cfg.
func ValidateConfig(cfg Config) error {
	return validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Address == "" {
		return fmt.Errorf("%w: Address is required", ErrInvalidConfig)
	}
	if slices.Contains(cfg.Peers, cfg.Address) {
		return fmt.Errorf("%w: Peers must not contain own address %s", ErrInvalidConfig, cfg.Address)
	}
	seen := make(map[ServerAddress]struct{}, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p == "" {
			return fmt.Errorf("%w: empty peer address", ErrInvalidConfig)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate peer %s", ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}
	if cfg.ElectionTimeoutMin <= 0 || cfg.ElectionTimeoutMax < cfg.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout range [%s, %s] is invalid",
			ErrInvalidConfig, cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: PollInterval must be positive", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.ElectionTimeoutMin {
		return fmt.Errorf("%w: HeartbeatInterval must be positive and less than ElectionTimeoutMin", ErrInvalidConfig)
	}
	if cfg.RPCTimeout <= 0 {
		return fmt.Errorf("%w: RPCTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills the optional dependencies.
func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cfg.Peers = slices.Clone(cfg.Peers)
	return cfg
}
